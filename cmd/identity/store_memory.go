package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]Principal
	byNorm map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]Principal),
		byNorm: make(map[string]string),
	}
}

func (s *MemoryStore) FindByLoginIdentifier(ctx context.Context, identifier string) (Principal, error) {
	const op = "identity.FindByLoginIdentifier"

	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byNorm[NormalizeIdentifier(identifier)]
	if !ok {
		return Principal{}, NotFoundError{Op: op, By: "identifier"}
	}
	return clonePrincipal(s.byID[id]), nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (Principal, error) {
	const op = "identity.FindByID"

	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byID[id]
	if !ok {
		return Principal{}, NotFoundError{Op: op, By: "id"}
	}
	return clonePrincipal(p), nil
}

func (s *MemoryStore) Create(ctx context.Context, in CreatePrincipalInput) (Principal, error) {
	const op = "identity.Create"

	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}

	identifier := strings.TrimSpace(in.Identifier)
	if identifier == "" {
		return Principal{}, invalid(op, "identifier", "identifier is required")
	}
	if strings.TrimSpace(in.PasswordHash) == "" {
		return Principal{}, invalid(op, "password_hash", "password hash is required")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewULID(now)
	if err != nil {
		return Principal{}, err
	}

	p := Principal{
		ID:             id,
		Identifier:     identifier,
		IdentifierNorm: NormalizeIdentifier(identifier),
		PasswordHash:   in.PasswordHash,
		Roles:          cloneRoles(in.Roles),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byNorm[p.IdentifierNorm]; taken {
		return Principal{}, ConflictError{Op: op, Field: "identifier"}
	}
	s.byID[p.ID] = p
	s.byNorm[p.IdentifierNorm] = p.ID

	return clonePrincipal(p), nil
}

func (s *MemoryStore) SetLocked(ctx context.Context, id string, locked bool, now time.Time) error {
	return s.update(ctx, "identity.SetLocked", id, now, func(p *Principal) {
		p.Locked = locked
	})
}

func (s *MemoryStore) SetRoles(ctx context.Context, id string, roles []string, now time.Time) error {
	return s.update(ctx, "identity.SetRoles", id, now, func(p *Principal) {
		p.Roles = cloneRoles(roles)
	})
}

func (s *MemoryStore) update(ctx context.Context, op, id string, now time.Time, fn func(*Principal)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return NotFoundError{Op: op, By: "id"}
	}
	fn(&p)
	p.UpdatedAt = now
	s.byID[id] = p
	return nil
}

func clonePrincipal(p Principal) Principal {
	p.Roles = cloneRoles(p.Roles)
	return p
}

func cloneRoles(roles []string) []string {
	out := make([]string, len(roles))
	copy(out, roles)
	return out
}
