// Package ratelimit throttles failed logins with Redis fixed-window counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"credo/cmd/security/token"
)

var (
	// ErrRateLimited means the caller exhausted the attempt budget.
	ErrRateLimited = errors.New("ratelimit: too many attempts")
	// ErrRedisUnavailable wraps Redis failures.
	ErrRedisUnavailable = errors.New("ratelimit: redis unavailable")
)

const keyPrefix = "credo:login:"

// Config tunes the login throttle.
type Config struct {
	// MaxFailures is the number of failed attempts allowed per window.
	MaxFailures int
	Window      time.Duration
	// ByIP adds a second counter keyed by client IP.
	ByIP bool
}

// DefaultConfig returns 10 failures per 15 minutes, identifier and IP.
func DefaultConfig() Config {
	return Config{MaxFailures: 10, Window: 15 * time.Minute, ByIP: true}
}

// LoadConfigFromEnv reads CREDO_LOGIN_MAX_FAILURES, CREDO_LOGIN_WINDOW and
// CREDO_LOGIN_IP_THROTTLE. Malformed values fall back to defaults.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := strings.TrimSpace(os.Getenv("CREDO_LOGIN_MAX_FAILURES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxFailures = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CREDO_LOGIN_WINDOW")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Window = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("CREDO_LOGIN_IP_THROTTLE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ByIP = b
		}
	}
	return cfg
}

// Limiter counts failed logins. A nil *Limiter allows everything, which is
// how the throttle is disabled when Redis is not configured.
type Limiter struct {
	redis redis.UniversalClient
	cfg   Config
}

// New returns a limiter over client.
func New(client redis.UniversalClient, cfg Config) *Limiter {
	if cfg.MaxFailures <= 0 || cfg.Window <= 0 {
		d := DefaultConfig()
		cfg.MaxFailures, cfg.Window = d.MaxFailures, d.Window
	}
	return &Limiter{redis: client, cfg: cfg}
}

// Check reports ErrRateLimited with the remaining window when either counter
// is exhausted. It does not count the attempt.
func (l *Limiter) Check(ctx context.Context, identifier, ip string) (time.Duration, error) {
	if l == nil {
		return 0, nil
	}
	for _, key := range l.keys(identifier, ip) {
		n, err := l.redis.Get(ctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if n >= int64(l.cfg.MaxFailures) {
			ttl, err := l.redis.TTL(ctx, key).Result()
			if err != nil || ttl < 0 {
				ttl = l.cfg.Window
			}
			return ttl, ErrRateLimited
		}
	}
	return 0, nil
}

// Fail records one failed attempt.
func (l *Limiter) Fail(ctx context.Context, identifier, ip string) error {
	if l == nil {
		return nil
	}
	for _, key := range l.keys(identifier, ip) {
		count, err := l.redis.Incr(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		// Fixed window: the first hit starts the clock.
		if count == 1 {
			if err := l.redis.Expire(ctx, key, l.cfg.Window).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
		}
	}
	return nil
}

// Reset clears the identifier counter after a successful login. The IP
// counter is left alone so one good account cannot launder a spraying IP.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	if l == nil {
		return nil
	}
	if err := l.redis.Del(ctx, identifierKey(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) keys(identifier, ip string) []string {
	keys := []string{identifierKey(identifier)}
	if ip = strings.TrimSpace(ip); l.cfg.ByIP && ip != "" {
		keys = append(keys, keyPrefix+"ip:"+ip)
	}
	return keys
}

// identifierKey hashes the normalized identifier so emails never land in Redis.
func identifierKey(identifier string) string {
	norm := strings.ToLower(strings.TrimSpace(identifier))
	return keyPrefix + "id:" + token.HashSHA256Hex(norm)
}
