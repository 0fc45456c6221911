package app

import (
	"errors"
	"log/slog"
	"time"

	"credo/cmd/security/token"
)

const (
	minHMACKeyBytes = 32
	keyExpiryWarn   = 7 * 24 * time.Hour
)

// ValidateSecurityConfig enforces the startup security policy. Falling back
// to weaker hashing under policy is a startup error, not a warning.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	if _, err := token.HMACKeyFromEnv(minHMACKeyBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: CREDO_REQUIRE_TOKEN_HMAC=true but CREDO_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: CREDO_REQUIRE_TOKEN_HMAC=true but CREDO_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}
	return nil
}

// refreshHasher builds the refresh token id hasher under cfg's policy.
func refreshHasher(cfg Config, log *slog.Logger) (token.SecretHasher, error) {
	h, err := token.SecretHasherFromEnv(cfg.RequireTokenHMAC, minHMACKeyBytes)
	if err != nil {
		return token.SecretHasher{}, err
	}
	if cfg.RequireTokenHMAC && !h.Keyed() {
		return token.SecretHasher{}, errors.New("security policy: refresh token hasher is not in HMAC mode")
	}
	if !h.Keyed() {
		log.Warn("security.refresh_hash.unkeyed", "hint", "set CREDO_TOKEN_HMAC_KEY")
	}
	return h, nil
}

// warnExpiringKeys logs signing keys that stop verifying soon.
func warnExpiringKeys(ring *token.KeyRing, now time.Time, log *slog.Logger) {
	for _, k := range ring.VerificationKeys(now) {
		na := k.NotAfter()
		if na.IsZero() || na.Sub(now) > keyExpiryWarn {
			continue
		}
		log.Warn("security.signing_key.expiring", "kid", k.ID(), "not_after", na)
	}
}
