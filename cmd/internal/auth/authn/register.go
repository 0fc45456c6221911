package authn

import (
	"context"
	"strings"
	"time"

	"credo/cmd/identity"
	"credo/cmd/internal/auth/audit"
)

// RegisterInput is a new principal's credentials. Roles must name at least one role.
type RegisterInput struct {
	Identifier string
	Password   string
	Roles      []string
}

// Register creates a principal. No token is issued.
func (s *Service) Register(ctx context.Context, in RegisterInput) (p identity.Profile, err error) {
	start := time.Now()
	defer func() {
		s.metrics.registered(err)
		s.metrics.observe("register", start)
	}()

	now := s.now().UTC()

	identifier := strings.TrimSpace(in.Identifier)
	if err := identity.ValidateIdentifier(identifier); err != nil {
		return identity.Profile{}, ValidationError{Field: "identifier", Msg: "must be an email address"}
	}

	roles, err := identity.NormalizeRoles(in.Roles)
	if err != nil {
		return identity.Profile{}, ValidationError{Field: "roles", Msg: "malformed role name"}
	}
	if len(roles) == 0 {
		return identity.Profile{}, ValidationError{Field: "roles", Msg: "at least one role is required"}
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		if _, msg, ok := identity.InvalidField(err); ok {
			return identity.Profile{}, ValidationError{Field: "password", Msg: msg}
		}
		return identity.Profile{}, err
	}

	principal, err := s.principals.Create(ctx, identity.CreatePrincipalInput{
		Identifier:   identifier,
		PasswordHash: hash,
		Roles:        roles,
		Now:          now,
	})
	switch {
	case identity.IsDuplicateIdentifier(err):
		return identity.Profile{}, ErrDuplicateIdentifier
	case identity.IsInvalidInput(err):
		field, msg, _ := identity.InvalidField(err)
		return identity.Profile{}, ValidationError{Field: field, Msg: msg}
	case err != nil:
		return identity.Profile{}, storeErr(ctx, "register", err)
	}

	s.log.Info("auth.register.ok", "principal_id", principal.ID, "roles", len(principal.Roles))
	s.emit(ctx, audit.Event{Time: now, Type: audit.TypeRegister, PrincipalID: principal.ID})

	return principal.Profile(), nil
}
