// Package config provides application configuration management from environment variables.
//
// # Configuration Structure
//
// Server settings:
//
//	GRC_HOST="0.0.0.0"
//	GRC_PORT="8080"
//	GRC_HEALTH_PORT="9090"
//	GRC_READ_TIMEOUT="15s"
//	GRC_WRITE_TIMEOUT="15s"
//
// Storage settings:
//
//	GRC_POSTGRES_URL="postgres://localhost/grc"
//	GRC_REDIS_ADDR="localhost:6379"
//	GRC_REDIS_PREFIX="grc"
//
// Auth settings:
//
//	GRC_BASE_URL="https://grc.example.com"
//	GRC_STATE_KEY_ID="2026-02"
//	GRC_STATE_KEY_SECRET="..."
//	GRC_STATE_KEY_ID_PREVIOUS="2026-01"
//	GRC_STATE_KEY_SECRET_PREVIOUS="..."
//	GRC_STATE_TTL="10m"
//	GRC_ENFORCE_CLIENT_BINDING="false"
//
// Brute force settings:
//
//	GRC_BRUTEFORCE_STRATEGY="session"  # session, ip
//	GRC_BRUTEFORCE_MAX_ATTEMPTS="5"
//	GRC_BRUTEFORCE_WINDOW="15m"
//	GRC_BRUTEFORCE_COOKIE_SECRET="..."
//
// Observability settings:
//
//	GRC_LOG_LEVEL="info"  # debug, info, warn, error
//	GRC_METRICS_ENABLED="true"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Related Packages
//
//   - pkg/observability: Uses observability configuration
//   - pkg/bruteforce: Uses brute force configuration
package config
