package token

import "errors"

// Public, stable errors for callers.
var (
	ErrHMACKeyMissing  = errors.New("token HMAC key missing")
	ErrHMACKeyTooShort = errors.New("token HMAC key too short")

	// ErrInvalidToken is returned for malformed tokens or claim sets that do
	// not describe an access token issued by this service.
	ErrInvalidToken = errors.New("invalid access token")
	// ErrInvalidSignature is returned when no key in the verification set
	// produced a valid signature.
	ErrInvalidSignature = errors.New("access token signature mismatch")
	// ErrExpired is returned when now is at or past expiry (plus skew).
	ErrExpired = errors.New("access token expired")
	// ErrNotYetValid is returned when issued-at lies beyond now (plus skew).
	ErrNotYetValid = errors.New("access token not yet valid")

	// ErrKeyConfig is returned for unusable signing key material.
	ErrKeyConfig = errors.New("invalid signing key configuration")
)
