package authapi

import (
	"os"
	"strconv"
	"strings"
)

// DefaultFeedRole is the role required to watch the security event feed.
const DefaultFeedRole = "SecurityAuditor"

// Config controls HTTP-level auth behavior.
type Config struct {
	// TrustProxy makes clientIP honor X-Forwarded-For / X-Real-IP.
	TrustProxy   bool
	MaxBodyBytes int64

	// FeedRole guards GET /security/events.
	FeedRole string
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:   envBool("CREDO_HTTP_TRUST_PROXY", false),
		MaxBodyBytes: envInt64("CREDO_HTTP_MAX_BODY_BYTES", 64<<10),
		FeedRole:     strings.TrimSpace(os.Getenv("CREDO_SECURITY_FEED_ROLE")),
	}
	if cfg.FeedRole == "" {
		cfg.FeedRole = DefaultFeedRole
	}
	return cfg
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	if strings.TrimSpace(c.FeedRole) == "" {
		c.FeedRole = DefaultFeedRole
	}
	return c
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
