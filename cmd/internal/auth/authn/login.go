package authn

import (
	"context"
	"fmt"
	"time"

	"credo/cmd/identity"
	"credo/cmd/internal/auth/audit"
	"credo/cmd/internal/auth/session"
)

// Login verifies credentials and starts a new refresh lineage.
//
// Unknown identifiers, wrong passwords and locked principals all return
// ErrInvalidCredentials after the same amount of hashing work.
func (s *Service) Login(ctx context.Context, identifier, password string) (pair TokenPair, err error) {
	start := time.Now()
	defer func() {
		s.metrics.loggedIn(err)
		s.metrics.observe("login", start)
	}()

	now := s.now().UTC()

	p, err := s.principals.FindByLoginIdentifier(ctx, identifier)
	if err != nil {
		if !identity.IsNotFound(err) {
			return TokenPair{}, storeErr(ctx, "login", err)
		}
		s.passwords.VerifyDummy(password)
		s.loginFailed(ctx, now, "", "unknown_identifier")
		return TokenPair{}, ErrInvalidCredentials
	}

	ok, verr := s.passwords.Verify(password, p.PasswordHash)
	if verr != nil {
		s.log.Error("auth.login.hash.invalid", "principal_id", p.ID, "err", verr)
	}
	if !ok {
		s.loginFailed(ctx, now, p.ID, "bad_password")
		return TokenPair{}, ErrInvalidCredentials
	}
	if p.Locked {
		s.loginFailed(ctx, now, p.ID, "locked")
		return TokenPair{}, ErrInvalidCredentials
	}

	access, accessExp, err := s.codec.SignAccessToken(p.ID, p.Roles, now, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("authn.login: sign access token: %w", err)
	}

	secret, id, err := s.newRefreshSecret()
	if err != nil {
		return TokenPair{}, fmt.Errorf("authn.login: refresh secret: %w", err)
	}

	root, err := s.tokens.Issue(ctx, session.IssueInput{
		ID:          id,
		PrincipalID: p.ID,
		Now:         now,
		ExpiresAt:   now.Add(s.cfg.RefreshTokenTTL),
	})
	if err != nil {
		return TokenPair{}, storeErr(ctx, "login", err)
	}

	s.log.Info("auth.login.ok", "principal_id", p.ID, "chain_id", root.ChainID)
	s.emit(ctx, audit.Event{Time: now, Type: audit.TypeLoginSuccess, PrincipalID: p.ID, ChainID: root.ChainID})

	return TokenPair{
		AccessToken:        access,
		AccessTokenExpiry:  accessExp,
		RefreshToken:       secret,
		RefreshTokenExpiry: root.ExpiresAt,
		PrincipalID:        p.ID,
	}, nil
}

func (s *Service) loginFailed(ctx context.Context, now time.Time, principalID, reason string) {
	s.log.Info("auth.login.fail", "principal_id", principalID, "reason", reason)
	s.emit(ctx, audit.Event{Time: now, Type: audit.TypeLoginFailed, PrincipalID: principalID, Reason: reason})
}
