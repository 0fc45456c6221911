package identity

import (
	"errors"
	"fmt"
)

// Sentinel kinds, stable for errors.Is.
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("principal_not_found")
	ErrConflict     = errors.New("conflict")
)

// OpError is a rejected input. Field names the offending input
// ("identifier", "password", "roles", "password_hash"); Msg is safe to show
// to the caller and never carries the value itself.
type OpError struct {
	Op    string
	Field string
	Kind  error
	Msg   string
}

func (e OpError) Error() string {
	switch {
	case e.Field == "" && e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Field == "":
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	default:
		return fmt.Sprintf("%s: %v: %s: %s", e.Op, e.Kind, e.Field, e.Msg)
	}
}

func (e OpError) Unwrap() error { return e.Kind }

func invalid(op, field, msg string) error {
	return OpError{Op: op, Field: field, Kind: ErrInvalidInput, Msg: msg}
}

// ConflictError reports a uniqueness violation on Field ("identifier", "id").
type ConflictError struct {
	Op    string
	Field string
}

func (e ConflictError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrConflict)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrConflict, e.Field)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a missing principal. By is the lookup key kind
// ("id" or "identifier").
type NotFoundError struct {
	Op string
	By string
}

func (e NotFoundError) Error() string {
	if e.By == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v by %s", e.Op, ErrNotFound, e.By)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// IsDuplicateIdentifier reports whether err is a conflict on the login identifier.
func IsDuplicateIdentifier(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce) && ce.Field == "identifier"
}

// IsConflict reports whether err is any uniqueness conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// InvalidField returns the offending field and message of an input error.
func InvalidField(err error) (field, msg string, ok bool) {
	var oe OpError
	if !errors.As(err, &oe) || !errors.Is(oe.Kind, ErrInvalidInput) {
		return "", "", false
	}
	return oe.Field, oe.Msg, true
}
