package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"credo/cmd/identity"
	"credo/cmd/internal/auth/audit"
	"credo/cmd/internal/auth/session"
)

// Refresh exchanges a refresh token for a new pair.
//
// The presented token is consumed: a successor is issued in the same chain
// and the presented one is marked rotated, in one unit of work. Presenting a
// token that was already rotated or revoked revokes the whole chain and
// returns ErrTokenReuseDetected. That revocation is committed even though the
// call fails.
func (s *Service) Refresh(ctx context.Context, presented string) (pair TokenPair, err error) {
	start := time.Now()
	defer func() {
		s.metrics.refreshed(err)
		s.metrics.observe("refresh", start)
	}()

	presented = strings.TrimSpace(presented)
	if presented == "" {
		return TokenPair{}, ErrInvalidToken
	}

	now := s.now().UTC()
	id := s.hasher.Hash(presented)

	var (
		outcome error
		current session.RefreshToken
		revoked int
		signErr error
	)

	err = s.tokens.Atomically(ctx, id, func(st session.Store) error {
		lk, err := st.FindActive(ctx, id, now)
		if err != nil {
			return err
		}
		current = lk.Token

		switch lk.Status {
		case session.StatusNotFound:
			outcome = ErrInvalidToken
			return nil
		case session.StatusExpired:
			outcome = ErrTokenExpired
			return nil
		case session.StatusRevoked:
			n, err := st.RevokeChain(ctx, id, now, session.ReasonReuseDetected)
			if err != nil {
				return err
			}
			revoked, outcome = n, ErrTokenReuseDetected
			return nil
		}

		p, err := s.principals.FindByID(ctx, current.PrincipalID)
		if err != nil && !identity.IsNotFound(err) {
			return err
		}
		if err != nil || p.Locked {
			n, err := st.RevokeChain(ctx, id, now, session.ReasonLocked)
			if err != nil {
				return err
			}
			revoked, outcome = n, ErrInvalidToken
			return nil
		}

		secret, childID, err := s.newRefreshSecret()
		if err != nil {
			signErr = fmt.Errorf("authn.refresh: refresh secret: %w", err)
			return signErr
		}

		parent := current.ID
		child, err := st.Issue(ctx, session.IssueInput{
			ID:          childID,
			PrincipalID: current.PrincipalID,
			ParentID:    &parent,
			ChainID:     current.ChainID,
			Now:         now,
			ExpiresAt:   now.Add(s.cfg.RefreshTokenTTL),
		})
		if err != nil {
			return err
		}

		if err := st.MarkRotated(ctx, current.ID, childID, now); err != nil {
			if !errors.Is(err, session.ErrAlreadyRevoked) {
				return err
			}
			// Lost a race the row lock should have prevented; the chain,
			// including the child just issued, is no longer trustworthy.
			n, err := st.RevokeChain(ctx, id, now, session.ReasonReuseDetected)
			if err != nil {
				return err
			}
			revoked, outcome = n, ErrTokenReuseDetected
			return nil
		}

		// Roles are read from the principal at refresh time so role changes
		// take effect on the next rotation.
		access, accessExp, err := s.codec.SignAccessToken(p.ID, p.Roles, now, s.cfg.AccessTokenTTL)
		if err != nil {
			signErr = fmt.Errorf("authn.refresh: sign access token: %w", err)
			return signErr
		}

		pair = TokenPair{
			AccessToken:        access,
			AccessTokenExpiry:  accessExp,
			RefreshToken:       secret,
			RefreshTokenExpiry: child.ExpiresAt,
			PrincipalID:        p.ID,
		}
		return nil
	})
	if err != nil {
		if signErr != nil {
			return TokenPair{}, signErr
		}
		return TokenPair{}, storeErr(ctx, "refresh", err)
	}

	switch {
	case outcome == nil:
		s.log.Info("auth.refresh.ok", "principal_id", current.PrincipalID, "chain_id", current.ChainID)
		s.emit(ctx, audit.Event{
			Time:        now,
			Type:        audit.TypeRefreshSuccess,
			PrincipalID: current.PrincipalID,
			ChainID:     current.ChainID,
		})
		return pair, nil

	case errors.Is(outcome, ErrTokenReuseDetected):
		s.metrics.reuseDetected(revoked)
		s.log.Warn("auth.refresh.reuse_detected",
			"principal_id", current.PrincipalID,
			"chain_id", current.ChainID,
			"revoked", revoked,
		)
		s.emit(ctx, audit.Event{
			Time:        now,
			Type:        audit.TypeRefreshReuseDetected,
			PrincipalID: current.PrincipalID,
			ChainID:     current.ChainID,
			TokenID:     current.ID,
			Revoked:     revoked,
			Reason:      current.RevocationReason,
		})

	case revoked > 0:
		s.metrics.chainTokensRevoked(revoked)
		s.log.Info("auth.refresh.principal_unavailable",
			"principal_id", current.PrincipalID,
			"chain_id", current.ChainID,
			"revoked", revoked,
		)

	default:
		s.log.Info("auth.refresh.fail", "reason", resultLabel(outcome))
	}

	return TokenPair{}, outcome
}

// Logout revokes exactly the presented token. Unknown, expired and already
// revoked tokens succeed silently; other tokens in the chain stay valid.
func (s *Service) Logout(ctx context.Context, presented string) (err error) {
	start := time.Now()
	defer s.metrics.observe("logout", start)

	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil
	}

	now := s.now().UTC()
	id := s.hasher.Hash(presented)

	// Queue behind any refresh of the same chain so the decision is made on
	// committed state.
	var lk session.Lookup
	err = s.tokens.Atomically(ctx, id, func(tx session.Store) error {
		var err error
		lk, err = tx.FindActive(ctx, id, now)
		if err != nil || lk.Status != session.StatusActive {
			return err
		}
		return tx.Revoke(ctx, id, now, session.ReasonLogout)
	})
	if err != nil {
		return storeErr(ctx, "logout", err)
	}
	if lk.Status != session.StatusActive {
		return nil
	}

	s.metrics.loggedOut()
	s.log.Info("auth.logout.ok", "principal_id", lk.Token.PrincipalID, "chain_id", lk.Token.ChainID)
	s.emit(ctx, audit.Event{
		Time:        now,
		Type:        audit.TypeLogout,
		PrincipalID: lk.Token.PrincipalID,
		ChainID:     lk.Token.ChainID,
	})
	return nil
}
