package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the refresh secret HMAC key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "CREDO_TOKEN_HMAC_KEY"
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrHMACKeyMissing.
// If too short -> ErrHMACKeyTooShort.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// SecretHasher maps a plain refresh secret to its 64-char hex storage id.
// The zero value hashes with plain SHA-256.
type SecretHasher struct {
	key []byte
}

// NewSecretHasher returns a hasher keyed with key. An empty key selects SHA-256.
func NewSecretHasher(key []byte) SecretHasher {
	if len(key) == 0 {
		return SecretHasher{}
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return SecretHasher{key: cp}
}

// SecretHasherFromEnv builds a hasher from CREDO_TOKEN_HMAC_KEY.
// With requireHMAC a missing or short key is an error; otherwise a missing key
// falls back to SHA-256.
func SecretHasherFromEnv(requireHMAC bool, minBytes int) (SecretHasher, error) {
	key, err := HMACKeyFromEnv(minBytes)
	switch {
	case err == nil:
		return NewSecretHasher(key), nil
	case requireHMAC:
		return SecretHasher{}, err
	case errors.Is(err, ErrHMACKeyMissing):
		return SecretHasher{}, nil
	default:
		return SecretHasher{}, err
	}
}

// Keyed reports whether the hasher uses HMAC.
func (h SecretHasher) Keyed() bool { return len(h.key) > 0 }

// Hash returns the storage id for secret.
func (h SecretHasher) Hash(secret string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(secret)
	}
	return HashHMACSHA256Hex(secret, h.key)
}
