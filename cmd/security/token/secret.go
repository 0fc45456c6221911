package token

import (
	"crypto/rand"
	"encoding/base64"
)

const (
	// MinRefreshSecretBytes keeps refresh secrets at or above 256 bits of entropy.
	MinRefreshSecretBytes = 32
	// DefaultRefreshSecretBytes is 256 bits.
	DefaultRefreshSecretBytes = 32
)

// NewRefreshSecret returns a cryptographically random, URL-safe secret.
// It carries no information about the principal it is issued to.
func NewRefreshSecret(nBytes int) (string, error) {
	if nBytes < MinRefreshSecretBytes {
		nBytes = DefaultRefreshSecretBytes
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	// URL-safe, no padding.
	return base64.RawURLEncoding.EncodeToString(b), nil
}
