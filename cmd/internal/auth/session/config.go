package session

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"credo/cmd/security/token"
)

// Bounds for the refresh token lifetime.
const (
	MinRefreshTTL = time.Hour
	MaxRefreshTTL = 90 * 24 * time.Hour
)

// Config defines runtime configuration for token issuance.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// ClockSkew is the verification tolerance. Zero means exact-instant expiry.
	ClockSkew time.Duration

	// RefreshTokenBytes is the entropy of refresh secrets (32..64).
	RefreshTokenBytes int

	// TokenFormat is "paseto" (default) or "jwt".
	TokenFormat string

	// SigningKeys is "kid:hexSeed[:notAfterRFC3339],...", active key first.
	SigningKeys string

	// SigningKeysFile, when set, holds SigningKeys instead of the env var and
	// is re-read on every KeyRing call.
	SigningKeysFile string
}

// DefaultConfig returns the baseline configuration (without key material).
func DefaultConfig() Config {
	return Config{
		Issuer:            "credo",
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   14 * 24 * time.Hour,
		ClockSkew:         0,
		RefreshTokenBytes: token.DefaultRefreshSecretBytes,
		TokenFormat:       token.FormatPaseto,
	}
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	switch {
	case c.AccessTokenTTL < time.Second:
		return ErrConfig
	case c.RefreshTokenTTL < MinRefreshTTL || c.RefreshTokenTTL > MaxRefreshTTL:
		return ErrConfig
	case c.RefreshTokenTTL <= c.AccessTokenTTL:
		return ErrConfig
	case c.ClockSkew < 0 || c.ClockSkew > 5*time.Minute:
		return ErrConfig
	case c.RefreshTokenBytes < 32 || c.RefreshTokenBytes > 64:
		return ErrConfig
	}
	switch c.TokenFormat {
	case token.FormatPaseto, token.FormatJWT:
	default:
		return ErrConfig
	}
	return nil
}

// KeyRing parses SigningKeysFile if set, SigningKeys otherwise.
func (c Config) KeyRing() (*token.KeyRing, error) {
	if c.SigningKeysFile == "" {
		return token.ParseKeyRing(c.SigningKeys)
	}
	raw, err := os.ReadFile(c.SigningKeysFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read signing keys: %v", token.ErrKeyConfig, err)
	}
	return token.ParseKeyRing(string(raw))
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// Required, one of:
//   - CREDO_SIGNING_KEYS
//   - CREDO_SIGNING_KEYS_FILE (takes precedence; reloadable)
//
// Optional (durations must be valid Go duration strings):
//   - CREDO_AUTH_ISSUER
//   - CREDO_AUTH_ACCESS_TTL
//   - CREDO_AUTH_REFRESH_TTL
//   - CREDO_AUTH_CLOCK_SKEW
//   - CREDO_AUTH_REFRESH_TOKEN_BYTES
//   - CREDO_ACCESS_TOKEN_FORMAT (paseto|jwt)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("CREDO_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("CREDO_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("CREDO_AUTH_REFRESH_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenTTL = d
	}

	if v := os.Getenv("CREDO_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	if v := os.Getenv("CREDO_AUTH_REFRESH_TOKEN_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenBytes = n
	}

	if v := strings.TrimSpace(os.Getenv("CREDO_ACCESS_TOKEN_FORMAT")); v != "" {
		cfg.TokenFormat = strings.ToLower(v)
	}

	cfg.SigningKeys = strings.TrimSpace(os.Getenv("CREDO_SIGNING_KEYS"))
	cfg.SigningKeysFile = strings.TrimSpace(os.Getenv("CREDO_SIGNING_KEYS_FILE"))
	if cfg.SigningKeys == "" && cfg.SigningKeysFile == "" {
		return Config{}, ErrConfig
	}
	if _, err := cfg.KeyRing(); err != nil {
		return Config{}, ErrConfig
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
