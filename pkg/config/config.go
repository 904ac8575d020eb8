package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Grunticus03/phpGRC-sub000/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Postgres configuration
	Postgres PostgresConfig

	// Redis configuration
	Redis RedisConfig

	// Auth configuration
	Auth AuthConfig

	// BruteForce configuration
	BruteForce BruteForceConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	URL          string
	MaxConns     int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// RedisConfig holds cache connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// AuthConfig holds the federation settings shared by every driver
type AuthConfig struct {
	// BaseURL is the externally visible origin used to build ACS,
	// metadata and callback URLs.
	BaseURL string

	// StateKeyID/StateKeySecret sign login state tokens. The Previous
	// pair stays accepted during rotation.
	StateKeyID             string
	StateKeySecret         string
	PreviousStateKeyID     string
	PreviousStateKeySecret string

	StateTTL  time.Duration
	ClockSkew time.Duration

	// EnforceClientBinding rejects state tokens replayed from another
	// client fingerprint instead of only logging the mismatch.
	EnforceClientBinding bool
}

// BruteForceConfig holds the failed-login guard settings
type BruteForceConfig struct {
	Strategy     string
	MaxAttempts  int
	Window       time.Duration
	CookieSecret string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Postgres:      loadPostgresConfig(),
		Redis:         loadRedisConfig(),
		Auth:          loadAuthConfig(),
		BruteForce:    loadBruteForceConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GRC_HOST", "0.0.0.0"),
		Port:            getEnv("GRC_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GRC_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GRC_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("GRC_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GRC_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("GRC_HEALTH_PORT", "9090"),
	}
}

// loadPostgresConfig loads database configuration from environment
func loadPostgresConfig() PostgresConfig {
	return PostgresConfig{
		URL:          getEnv("GRC_POSTGRES_URL", ""),
		MaxConns:     getEnvInt("GRC_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns: getEnvInt("GRC_POSTGRES_MAX_IDLE_CONNS", 5),
		ConnLifetime: getEnvDuration("GRC_POSTGRES_CONN_LIFETIME", 5*time.Minute),
	}
}

// loadRedisConfig loads cache configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     getEnv("GRC_REDIS_ADDR", "localhost:6379"),
		Password: getEnv("GRC_REDIS_PASSWORD", ""),
		DB:       getEnvInt("GRC_REDIS_DB", 0),
		Prefix:   getEnv("GRC_REDIS_PREFIX", "grc"),
	}
}

// loadAuthConfig loads federation configuration from environment
func loadAuthConfig() AuthConfig {
	return AuthConfig{
		BaseURL:                strings.TrimRight(getEnv("GRC_BASE_URL", "http://localhost:8080"), "/"),
		StateKeyID:             getEnv("GRC_STATE_KEY_ID", "primary"),
		StateKeySecret:         getEnv("GRC_STATE_KEY_SECRET", ""),
		PreviousStateKeyID:     getEnv("GRC_STATE_KEY_ID_PREVIOUS", ""),
		PreviousStateKeySecret: getEnv("GRC_STATE_KEY_SECRET_PREVIOUS", ""),
		StateTTL:               getEnvDuration("GRC_STATE_TTL", 10*time.Minute),
		ClockSkew:              getEnvDuration("GRC_CLOCK_SKEW", 120*time.Second),
		EnforceClientBinding:   getEnvBool("GRC_ENFORCE_CLIENT_BINDING", false),
	}
}

// loadBruteForceConfig loads failed-login guard configuration from environment
func loadBruteForceConfig() BruteForceConfig {
	return BruteForceConfig{
		Strategy:     getEnv("GRC_BRUTEFORCE_STRATEGY", "session"),
		MaxAttempts:  getEnvInt("GRC_BRUTEFORCE_MAX_ATTEMPTS", 5),
		Window:       getEnvDuration("GRC_BRUTEFORCE_WINDOW", 15*time.Minute),
		CookieSecret: getEnv("GRC_BRUTEFORCE_COOKIE_SECRET", ""),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("GRC_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("GRC_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Auth.StateKeySecret == "" {
		return fmt.Errorf("state key secret is required")
	}
	if c.Auth.PreviousStateKeySecret != "" && c.Auth.PreviousStateKeyID == "" {
		return fmt.Errorf("previous state key id is required when a previous secret is set")
	}
	if !strings.HasPrefix(c.Auth.BaseURL, "http://") && !strings.HasPrefix(c.Auth.BaseURL, "https://") {
		return fmt.Errorf("base URL must be an absolute http(s) origin")
	}

	switch c.BruteForce.Strategy {
	case "session", "ip":
	default:
		return fmt.Errorf("invalid brute force strategy: %s (must be session or ip)", c.BruteForce.Strategy)
	}
	if c.BruteForce.Strategy == "session" && c.BruteForce.CookieSecret == "" {
		return fmt.Errorf("brute force cookie secret is required for the session strategy")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
