package identity

import (
	"errors"
	"sync"

	"credo/cmd/security/password"
)

// Passwords is the one-way salted hash the credential store supplies.
// It wraps cmd/security/password so callers never touch Argon2 parameters.
type Passwords struct {
	cfg password.Config

	dummyOnce sync.Once
	dummy     string
}

// NewPasswords returns a hasher for cfg.
func NewPasswords(cfg password.Config) *Passwords {
	return &Passwords{cfg: cfg}
}

// PasswordsFromEnv loads Argon2id parameters and policy from CREDO_* env vars.
func PasswordsFromEnv() (*Passwords, error) {
	cfg, err := password.FromEnv()
	if err != nil {
		return nil, err
	}
	return NewPasswords(cfg), nil
}

// Hash applies the strength policy and returns a PHC-style Argon2id string.
// Policy failures are ErrInvalidInput with a client-safe message.
func (p *Passwords) Hash(plain string) (string, error) {
	const op = "identity.HashPassword"

	enc, err := p.cfg.Hash(plain)
	if err != nil {
		switch {
		case errors.Is(err, password.ErrPasswordTooShort):
			return "", invalid(op, "password", "password too short")
		case errors.Is(err, password.ErrPasswordTooLong):
			return "", invalid(op, "password", "password too long")
		case errors.Is(err, password.ErrMissingClasses):
			return "", invalid(op, "password", "password needs more character classes")
		case errors.Is(err, password.ErrWeakPassword):
			return "", invalid(op, "password", "weak password")
		default:
			return "", err
		}
	}
	return enc, nil
}

// Verify compares plain against a stored PHC hash in constant time.
// A malformed stored hash is an error, never a match.
func (p *Passwords) Verify(plain, encodedPHC string) (bool, error) {
	return p.cfg.Verify(encodedPHC, plain)
}

// VerifyDummy burns the same Argon2id cost as Verify against a throwaway
// hash. Login calls it for unknown identifiers so response time does not
// reveal whether an identifier exists.
func (p *Passwords) VerifyDummy(plain string) {
	p.dummyOnce.Do(func() {
		cfg := p.cfg
		cfg.Policy = password.Policy{MaxLength: 256}
		p.dummy, _ = cfg.Hash("credo-dummy-password")
	})
	if p.dummy == "" {
		return
	}
	_, _ = p.cfg.Verify(p.dummy, plain)
}
