package identity

import (
	"context"
	"time"
)

// Principal is an identity that can authenticate.
type Principal struct {
	ID             string
	Identifier     string
	IdentifierNorm string
	PasswordHash   string
	Roles          []string
	Locked         bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Profile is the sanitized view of a Principal. It never carries the hash.
type Profile struct {
	ID         string
	Identifier string
	Roles      []string
	CreatedAt  time.Time
}

// Profile returns the sanitized view of p.
func (p Principal) Profile() Profile {
	roles := make([]string, len(p.Roles))
	copy(roles, p.Roles)
	return Profile{ID: p.ID, Identifier: p.Identifier, Roles: roles, CreatedAt: p.CreatedAt}
}

// HasRole reports whether p carries role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CreatePrincipalInput describes a new principal. PasswordHash must already be
// a PHC string; Roles must already be normalized.
type CreatePrincipalInput struct {
	Identifier   string
	PasswordHash string
	Roles        []string
	Now          time.Time
}

// Store is the credential persistence boundary.
type Store interface {
	// FindByLoginIdentifier looks up by normalized identifier.
	// Absent principals yield a NotFoundError.
	FindByLoginIdentifier(ctx context.Context, identifier string) (Principal, error)
	FindByID(ctx context.Context, id string) (Principal, error)

	// Create fails with ConflictError{Field: "identifier"} when the
	// normalized identifier is taken.
	Create(ctx context.Context, in CreatePrincipalInput) (Principal, error)

	SetLocked(ctx context.Context, id string, locked bool, now time.Time) error
	SetRoles(ctx context.Context, id string, roles []string, now time.Time) error
}
