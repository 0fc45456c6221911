package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// DatabaseURL selects Postgres stores; empty runs on in-memory stores.
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisURL enables login throttling and event pub/sub.
	RedisURL     string
	EventChannel string

	// If true, /readyz returns 503 unless Postgres is configured and reachable.
	ReadinessRequireDB bool

	// If true, CREDO_TOKEN_HMAC_KEY MUST be set (>= 32 bytes).
	RequireTokenHMAC bool

	AuditBufferSize int
	FeedOrigins     []string
	MetricsEnabled  bool
	ShutdownTimeout time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CREDO_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CREDO_LOG_LEVEL", "info"),
		LogFormat: EnvString("CREDO_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CREDO_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CREDO_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CREDO_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CREDO_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("CREDO_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("CREDO_DATABASE_URL", ""),
		DBSchema:    EnvString("CREDO_DB_SCHEMA", "credo"),
		DBMaxConns:  EnvInt32("CREDO_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CREDO_DB_MIN_CONNS", 0),

		RedisURL:     EnvString("CREDO_REDIS_URL", ""),
		EventChannel: EnvString("CREDO_SECURITY_EVENT_CHANNEL", "credo:security-events"),

		ReadinessRequireDB: EnvBool("CREDO_READINESS_REQUIRE_DB", false),
		RequireTokenHMAC:   EnvBool("CREDO_REQUIRE_TOKEN_HMAC", false),

		AuditBufferSize: EnvInt("CREDO_AUDIT_BUFFER", 1024),
		FeedOrigins:     EnvCSV("CREDO_SECURITY_FEED_ORIGINS"),
		MetricsEnabled:  EnvBool("CREDO_METRICS_ENABLED", true),
		ShutdownTimeout: EnvDuration("CREDO_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}
