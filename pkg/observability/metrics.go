package observability

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Login metrics
	LoginAttemptsTotal *prometheus.CounterVec
	LoginDuration      *prometheus.HistogramVec
	LockoutsTotal      *prometheus.CounterVec

	// Provider metadata fetch metrics
	MetadataFetchesTotal  *prometheus.CounterVec
	MetadataFetchDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Registry metrics
	ProvidersTotal        *prometheus.GaugeVec
	ProviderChangesTotal  *prometheus.CounterVec
	StateTokensIssued     prometheus.Counter
	StateTokenFailures    *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grc_auth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grc_auth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Login metrics
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grc_auth_login_attempts_total",
				Help: "Total number of login attempts",
			},
			[]string{"driver", "provider", "outcome"},
		),
		LoginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grc_auth_login_duration_seconds",
				Help:    "End to end login duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"driver"},
		),
		LockoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grc_auth_lockouts_total",
				Help: "Total number of brute force lockouts",
			},
			[]string{"strategy"},
		),

		// Provider metadata fetch metrics
		MetadataFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grc_auth_metadata_fetches_total",
				Help: "Total number of discovery and JWKS fetches",
			},
			[]string{"kind", "status"},
		),
		MetadataFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grc_auth_metadata_fetch_duration_seconds",
				Help:    "Discovery and JWKS fetch duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"kind"},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grc_auth_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"key_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grc_auth_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"key_type"},
		),

		// Registry metrics
		ProvidersTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "grc_auth_providers_total",
				Help: "Number of configured identity providers",
			},
			[]string{"driver", "enabled"},
		),
		ProviderChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grc_auth_provider_changes_total",
				Help: "Total number of identity provider registry mutations",
			},
			[]string{"operation"},
		),
		StateTokensIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "grc_auth_state_tokens_issued_total",
				Help: "Total number of login state tokens issued",
			},
		),
		StateTokenFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grc_auth_state_token_failures_total",
				Help: "Total number of rejected login state tokens",
			},
			[]string{"reason"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "grc_auth_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "grc_auth_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginAttemptsTotal,
		m.LoginDuration,
		m.LockoutsTotal,
		m.MetadataFetchesTotal,
		m.MetadataFetchDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.ProvidersTotal,
		m.ProviderChangesTotal,
		m.StateTokensIssued,
		m.StateTokenFailures,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Serve the request
			next.ServeHTTP(rw, r)

			// Record metrics
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// StartDBStatsCollector samples the connection pool gauges until the context
// is canceled. An immediate first sample runs before the ticker.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, metrics *Metrics, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			stats := db.Stats()
			metrics.DBConnectionsActive.Set(float64(stats.InUse))
			metrics.DBConnectionsIdle.Set(float64(stats.Idle))
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
