package session

import "errors"

var (
	// ErrNotFound is returned when a token id matches no stored token.
	ErrNotFound = errors.New("refresh token not found")

	// ErrAlreadyRevoked is returned by MarkRotated when the token is no longer
	// active. Callers treat it as reuse.
	ErrAlreadyRevoked = errors.New("refresh token already revoked")

	// ErrInvalidInput is returned for malformed store input.
	ErrInvalidInput = errors.New("invalid refresh token input")

	// ErrConflict is returned when an issued id already exists.
	ErrConflict = errors.New("refresh token id conflict")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
