package token

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// TypeAccess is the only token type this package signs.
const TypeAccess = "access"

// Supported wire formats for access tokens.
const (
	FormatPaseto = "paseto"
	FormatJWT    = "jwt"
)

// AccessClaims is the verified content of an access token.
type AccessClaims struct {
	PrincipalID string
	Roles       []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	TokenType   string
	Issuer      string
	KeyID       string
}

// HasRole reports whether the claims carry role (exact match).
func (c AccessClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Codec signs and verifies access tokens.
//
// Implementations check expiry themselves: a token is valid iff
// now < exp+skew, and rejected when iat > now+skew.
type Codec interface {
	SignAccessToken(principalID string, roles []string, issuedAt time.Time, ttl time.Duration) (token string, exp time.Time, err error)
	VerifyAccessToken(token string, now time.Time) (AccessClaims, error)
}

// Options are shared by both codecs.
type Options struct {
	Issuer string
	// Skew is the tolerated clock difference. Zero disables tolerance.
	Skew time.Duration
}

// NewCodec returns the codec for format ("paseto" or "jwt").
func NewCodec(format string, ring *KeyRing, opts Options) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatPaseto:
		return NewPasetoCodec(ring, opts)
	case FormatJWT:
		return NewJWTCodec(ring, opts)
	default:
		return nil, fmt.Errorf("%w: unknown access token format %q", ErrKeyConfig, format)
	}
}

// ringHolder lets a running codec pick up a rotated KeyRing.
type ringHolder struct {
	ring atomic.Pointer[KeyRing]
}

func (h *ringHolder) init(ring *KeyRing) error {
	if ring == nil {
		return fmt.Errorf("%w: nil key ring", ErrKeyConfig)
	}
	h.ring.Store(ring)
	return nil
}

// KeyRing returns the ring currently in use.
func (h *ringHolder) KeyRing() *KeyRing { return h.ring.Load() }

// SetKeyRing swaps in a new ring. Tokens signed by keys that are no longer
// in the ring stop verifying immediately.
func (h *ringHolder) SetKeyRing(ring *KeyRing) error {
	return h.init(ring)
}

func checkSignInput(principalID string, ttl time.Duration) error {
	if strings.TrimSpace(principalID) == "" {
		return fmt.Errorf("%w: empty principal id", ErrInvalidToken)
	}
	if ttl < time.Second {
		return fmt.Errorf("%w: ttl below one second", ErrInvalidToken)
	}
	return nil
}

// tokenTimes truncates to whole seconds so the returned expiry is exactly the
// one encoded in the token.
func tokenTimes(issuedAt time.Time, ttl time.Duration) (iat, exp time.Time) {
	iat = issuedAt.UTC().Truncate(time.Second)
	exp = iat.Add(ttl).Truncate(time.Second)
	return iat, exp
}

func validateClaims(c AccessClaims, now time.Time, opts Options) error {
	if c.TokenType != TypeAccess || c.PrincipalID == "" {
		return ErrInvalidToken
	}
	if opts.Issuer != "" && c.Issuer != opts.Issuer {
		return ErrInvalidToken
	}
	if c.ExpiresAt.IsZero() || c.IssuedAt.IsZero() {
		return ErrInvalidToken
	}
	if !now.Before(c.ExpiresAt.Add(opts.Skew)) {
		return ErrExpired
	}
	if c.IssuedAt.After(now.Add(opts.Skew)) {
		return ErrNotYetValid
	}
	return nil
}

func copyRoles(roles []string) []string {
	out := make([]string, len(roles))
	copy(out, roles)
	return out
}
