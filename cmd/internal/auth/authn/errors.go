package authn

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("authn: validation failed")
	ErrDuplicateIdentifier = errors.New("authn: identifier already registered")

	// ErrInvalidCredentials is returned for unknown identifiers, wrong
	// passwords and locked principals alike.
	ErrInvalidCredentials = errors.New("authn: invalid credentials")

	ErrInvalidToken       = errors.New("authn: invalid token")
	ErrTokenExpired       = errors.New("authn: token expired")
	ErrTokenReuseDetected = errors.New("authn: refresh token reuse detected")

	ErrStoreUnavailable = errors.New("authn: store unavailable")
)

// ValidationError names the offending field. Msg is safe to show clients.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrValidation, e.Field, e.Msg)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// StoreError wraps a persistence failure. It is never retried internally.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string {
	return fmt.Sprintf("authn.%s: %v: %v", e.Op, ErrStoreUnavailable, e.Err)
}

func (e StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// IsReauthRequired reports whether err means the client has to log in again.
func IsReauthRequired(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenReuseDetected)
}
