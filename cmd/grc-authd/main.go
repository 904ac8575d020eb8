package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Grunticus03/phpGRC-sub000/pkg/audit"
	"github.com/Grunticus03/phpGRC-sub000/pkg/bruteforce"
	"github.com/Grunticus03/phpGRC-sub000/pkg/cache"
	"github.com/Grunticus03/phpGRC-sub000/pkg/config"
	"github.com/Grunticus03/phpGRC-sub000/pkg/httpapi"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp/ldap"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp/oidc"
	"github.com/Grunticus03/phpGRC-sub000/pkg/idp/saml"
	"github.com/Grunticus03/phpGRC-sub000/pkg/observability"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithComponent("grc-authd")

	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		logger.WithError(err).Error("failed to open database")
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnLifetime)

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := idp.RunMigrations(startupCtx, db); err != nil {
		logger.WithError(err).Error("failed to run migrations")
		os.Exit(1)
	}
	if _, err := db.ExecContext(startupCtx, audit.Schema()); err != nil {
		logger.WithError(err).Error("failed to ensure audit schema")
		os.Exit(1)
	}

	redisClient, err := cache.Dial(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}
	sharedCache := cache.NewRedisCache(redisClient, cfg.Redis.Prefix)

	keys := []saml.Key{{ID: cfg.Auth.StateKeyID, Secret: []byte(cfg.Auth.StateKeySecret)}}
	if cfg.Auth.PreviousStateKeySecret != "" {
		keys = append(keys, saml.Key{
			ID:     cfg.Auth.PreviousStateKeyID,
			Secret: []byte(cfg.Auth.PreviousStateKeySecret),
		})
	}
	stateSigner, err := saml.NewStateSigner(keys, saml.StateConfig{
		TTL:                  cfg.Auth.StateTTL,
		Skew:                 cfg.Auth.ClockSkew,
		Issuer:               cfg.Auth.BaseURL,
		Audience:             cfg.Auth.BaseURL,
		EnforceClientBinding: cfg.Auth.EnforceClientBinding,
	}, sharedCache)
	if err != nil {
		logger.WithError(err).Error("failed to build state signer")
		os.Exit(1)
	}

	auditLog := audit.NewDBLogger(db)
	guard := bruteforce.NewGuard(sharedCache, auditLog, bruteforce.Options{
		Strategy:     bruteforce.Strategy(cfg.BruteForce.Strategy),
		MaxAttempts:  cfg.BruteForce.MaxAttempts,
		Window:       cfg.BruteForce.Window,
		CookieSecret: []byte(cfg.BruteForce.CookieSecret),
	})

	promRegistry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(promRegistry)
	}

	oidcMetadata := oidc.NewMetadataCache(sharedCache, oidc.NewHTTPClient())
	samlMetadata := saml.NewIdPMetadataCache(sharedCache, oidc.NewHTTPClient())
	if metrics != nil {
		oidcMetadata.WithMetrics(metrics)
		samlMetadata.WithMetrics(metrics)
	}

	server := &httpapi.Server{
		Registry:     idp.NewRegistry(db),
		Provisioner:  idp.NewProvisioner(db),
		StateSigner:  stateSigner,
		Metadata:     oidcMetadata,
		SAMLMetadata: samlMetadata,
		LDAPClient:   ldap.NewClient(),
		Guard:        guard,
		Audit:        auditLog,
		Logger:       logger,
		Metrics:      metrics,
		BaseURL:      cfg.Auth.BaseURL,
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Probes and metrics listen on a separate port.
	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(db, redisClient)
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, promRegistry)
	}
	healthServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	collectorCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	if metrics != nil {
		observability.StartDBStatsCollector(collectorCtx, db, metrics, 15*time.Second)
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(healthServer.Shutdown)
	shutdown.RegisterShutdownFunc(func(context.Context) error { return db.Close() })
	shutdown.RegisterShutdownFunc(func(context.Context) error { return redisClient.Close() })

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("auth server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("auth server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
}
