package session

import (
	"context"
	"time"
)

// Revocation reasons recorded on tokens.
const (
	ReasonRotated       = "rotated"
	ReasonLogout        = "logout"
	ReasonReuseDetected = "reuse_detected"
	ReasonLocked        = "principal_locked"
)

// RefreshToken is one stored token of a chain.
type RefreshToken struct {
	// ID is the hash of the secret.
	ID          string
	ChainID     string
	PrincipalID string

	// ParentID is nil for a chain root.
	ParentID     *string
	ReplacedByID *string

	IssuedAt  time.Time
	ExpiresAt time.Time

	RevokedAt        *time.Time
	RevocationReason string
}

// Revoked reports whether the token has been revoked for any reason.
func (t RefreshToken) Revoked() bool { return t.RevokedAt != nil }

// State classifies t at now. Revocation takes precedence over expiry.
func (t RefreshToken) State(now time.Time) Status {
	switch {
	case t.RevokedAt != nil:
		return StatusRevoked
	case !now.Before(t.ExpiresAt):
		return StatusExpired
	default:
		return StatusActive
	}
}

// Status is the outcome of FindActive.
type Status int

const (
	StatusNotFound Status = iota
	StatusExpired
	StatusRevoked
	StatusActive
)

func (s Status) String() string {
	switch s {
	case StatusExpired:
		return "expired"
	case StatusRevoked:
		return "revoked"
	case StatusActive:
		return "active"
	default:
		return "not_found"
	}
}

// Lookup is the explicit result of FindActive. Token is zero when Status is
// StatusNotFound.
type Lookup struct {
	Status Status
	Token  RefreshToken
}

// IssueInput describes a token to persist. An empty ChainID starts a new
// chain; a child must carry its parent's ChainID.
type IssueInput struct {
	ID          string
	PrincipalID string
	ParentID    *string
	ChainID     string
	Now         time.Time
	ExpiresAt   time.Time
}

// Store persists refresh tokens.
type Store interface {
	Issue(ctx context.Context, in IssueInput) (RefreshToken, error)
	FindActive(ctx context.Context, id string, now time.Time) (Lookup, error)

	// MarkRotated revokes id with ReasonRotated and links it to its
	// replacement. It fails with ErrAlreadyRevoked if id is not active.
	MarkRotated(ctx context.Context, id, replacementID string, now time.Time) error

	// RevokeChain revokes every still-active token in the lineage of id and
	// returns how many it revoked.
	RevokeChain(ctx context.Context, id string, now time.Time, reason string) (int, error)

	// Revoke revokes only id. Unknown or already revoked ids are not errors.
	Revoke(ctx context.Context, id string, now time.Time, reason string) error

	// ListChain returns the lineage of id ordered by issue time.
	ListChain(ctx context.Context, id string) ([]RefreshToken, error)

	// Atomically runs fn as one serializable unit scoped to the chain of id.
	// Changes made through the Store passed to fn are discarded if fn or the
	// commit fails, or if ctx is done.
	Atomically(ctx context.Context, id string, fn func(Store) error) error
}
