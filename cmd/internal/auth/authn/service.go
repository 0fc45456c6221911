package authn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"credo/cmd/identity"
	"credo/cmd/internal/auth/audit"
	"credo/cmd/internal/auth/session"
	"credo/cmd/security/token"
)

// TokenPair is what a successful Login or Refresh hands to the client.
// RefreshToken is the plain secret; it is transmitted once and only its hash
// is stored.
type TokenPair struct {
	AccessToken        string
	AccessTokenExpiry  time.Time
	RefreshToken       string
	RefreshTokenExpiry time.Time
	PrincipalID        string
}

// Deps are the Service collaborators. Principals, Passwords, Tokens and Codec
// are required.
type Deps struct {
	Principals identity.Store
	Passwords  *identity.Passwords
	Tokens     session.Store
	Codec      token.Codec
	Hasher     token.SecretHasher

	Audit   audit.Sink
	Metrics *Metrics
	Log     *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Service implements Register, Login, Refresh and Logout.
type Service struct {
	cfg session.Config

	principals identity.Store
	passwords  *identity.Passwords
	tokens     session.Store
	codec      token.Codec
	hasher     token.SecretHasher

	audit   audit.Sink
	metrics *Metrics
	log     *slog.Logger
	now     func() time.Time
}

// NewService validates cfg and wires d.
func NewService(cfg session.Config, d Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Principals == nil || d.Passwords == nil || d.Tokens == nil || d.Codec == nil {
		return nil, errors.New("authn: missing dependency")
	}
	if d.Audit == nil {
		d.Audit = audit.NopSink{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		cfg:        cfg,
		principals: d.Principals,
		passwords:  d.Passwords,
		tokens:     d.Tokens,
		codec:      d.Codec,
		hasher:     d.Hasher,
		audit:      d.Audit,
		metrics:    d.Metrics,
		log:        d.Log,
		now:        d.Now,
	}, nil
}

// VerifyAccess checks an access token statelessly: signature, type, issuer
// and expiry. It never touches a store.
func (s *Service) VerifyAccess(raw string) (token.AccessClaims, error) {
	return VerifyAccessToken(s.codec, raw, s.now())
}

// VerifyAccessToken maps codec failures onto the service's error set.
func VerifyAccessToken(codec token.Codec, raw string, now time.Time) (token.AccessClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return token.AccessClaims{}, ErrInvalidToken
	}
	c, err := codec.VerifyAccessToken(raw, now)
	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, token.ErrExpired):
		return token.AccessClaims{}, ErrTokenExpired
	default:
		return token.AccessClaims{}, ErrInvalidToken
	}
}

// newRefreshSecret returns a fresh secret and the id it is stored under.
func (s *Service) newRefreshSecret() (secret, id string, err error) {
	secret, err = token.NewRefreshSecret(s.cfg.RefreshTokenBytes)
	if err != nil {
		return "", "", err
	}
	return secret, s.hasher.Hash(secret), nil
}

func (s *Service) emit(ctx context.Context, e audit.Event) {
	s.audit.Emit(ctx, e)
}

// storeErr wraps err unless the caller's context ended, in which case the
// context error is returned as is.
func storeErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return StoreError{Op: op, Err: err}
}
