package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and database-less dev runs.
//
// Atomically serializes on a per-chain mutex and undoes the unit's writes if
// it fails.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]RefreshToken

	chainMu sync.Mutex
	chains  map[string]*sync.Mutex
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]RefreshToken),
		chains: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) Issue(ctx context.Context, in IssueInput) (RefreshToken, error) {
	return s.issue(ctx, in, nil)
}

func (s *MemoryStore) FindActive(ctx context.Context, id string, now time.Time) (Lookup, error) {
	if err := ctx.Err(); err != nil {
		return Lookup{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return Lookup{Status: StatusNotFound}, nil
	}
	return Lookup{Status: t.State(now), Token: cloneToken(t)}, nil
}

func (s *MemoryStore) MarkRotated(ctx context.Context, id, replacementID string, now time.Time) error {
	return s.markRotated(ctx, id, replacementID, now, nil)
}

func (s *MemoryStore) RevokeChain(ctx context.Context, id string, now time.Time, reason string) (int, error) {
	return s.revokeChain(ctx, id, now, reason, nil)
}

func (s *MemoryStore) Revoke(ctx context.Context, id string, now time.Time, reason string) error {
	return s.revoke(ctx, id, now, reason, nil)
}

func (s *MemoryStore) ListChain(ctx context.Context, id string) ([]RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]RefreshToken, 0, 4)
	for _, c := range s.tokens {
		if c.ChainID == t.ChainID {
			out = append(out, cloneToken(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out, nil
}

func (s *MemoryStore) Atomically(ctx context.Context, id string, fn func(Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	chainID := s.tokens[id].ChainID
	s.mu.Unlock()

	if chainID != "" {
		lock := s.chainLock(chainID)
		lock.Lock()
		defer lock.Unlock()
	}

	tx := &memoryTx{store: s, before: make(map[string]*RefreshToken)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) chainLock(chainID string) *sync.Mutex {
	s.chainMu.Lock()
	defer s.chainMu.Unlock()

	m, ok := s.chains[chainID]
	if !ok {
		m = &sync.Mutex{}
		s.chains[chainID] = m
	}
	return m
}

// ---- write paths shared by the store and its transactional view ----

func (s *MemoryStore) issue(ctx context.Context, in IssueInput, tx *memoryTx) (RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return RefreshToken{}, err
	}
	t, err := newToken(in)
	if err != nil {
		return RefreshToken{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[t.ID]; exists {
		return RefreshToken{}, ErrConflict
	}
	if t.ParentID != nil {
		parent, ok := s.tokens[*t.ParentID]
		if !ok {
			return RefreshToken{}, ErrNotFound
		}
		if parent.ChainID != t.ChainID || parent.PrincipalID != t.PrincipalID {
			return RefreshToken{}, ErrInvalidInput
		}
	}

	tx.record(t.ID, nil)
	s.tokens[t.ID] = t
	return cloneToken(t), nil
}

func (s *MemoryStore) markRotated(ctx context.Context, id, replacementID string, now time.Time, tx *memoryTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	if t.RevokedAt != nil {
		return ErrAlreadyRevoked
	}

	tx.record(id, &t)
	ts := now.UTC()
	rep := replacementID
	t.RevokedAt = &ts
	t.ReplacedByID = &rep
	t.RevocationReason = ReasonRotated
	s.tokens[id] = t
	return nil
}

func (s *MemoryStore) revokeChain(ctx context.Context, id string, now time.Time, reason string, tx *memoryTx) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	root, ok := s.tokens[id]
	if !ok {
		return 0, nil
	}

	n := 0
	ts := now.UTC()
	for k, t := range s.tokens {
		if t.ChainID != root.ChainID || t.RevokedAt != nil {
			continue
		}
		tx.record(k, &t)
		revokedAt := ts
		t.RevokedAt = &revokedAt
		t.RevocationReason = reason
		s.tokens[k] = t
		n++
	}
	return n, nil
}

func (s *MemoryStore) revoke(ctx context.Context, id string, now time.Time, reason string, tx *memoryTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok || t.RevokedAt != nil {
		return nil
	}

	tx.record(id, &t)
	ts := now.UTC()
	t.RevokedAt = &ts
	t.RevocationReason = reason
	s.tokens[id] = t
	return nil
}

// memoryTx is the Store handed to Atomically callbacks. It remembers the
// pre-image of every token it touches so a failed unit can be undone.
type memoryTx struct {
	store  *MemoryStore
	before map[string]*RefreshToken
}

// record saves the pre-image of id once; nil marks a token created in the unit.
// Called with store.mu held.
func (tx *memoryTx) record(id string, prev *RefreshToken) {
	if tx == nil {
		return
	}
	if _, seen := tx.before[id]; seen {
		return
	}
	if prev == nil {
		tx.before[id] = nil
		return
	}
	cp := cloneToken(*prev)
	tx.before[id] = &cp
}

func (tx *memoryTx) rollback() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	for id, prev := range tx.before {
		if prev == nil {
			delete(tx.store.tokens, id)
			continue
		}
		tx.store.tokens[id] = *prev
	}
}

func (tx *memoryTx) Issue(ctx context.Context, in IssueInput) (RefreshToken, error) {
	return tx.store.issue(ctx, in, tx)
}

func (tx *memoryTx) FindActive(ctx context.Context, id string, now time.Time) (Lookup, error) {
	return tx.store.FindActive(ctx, id, now)
}

func (tx *memoryTx) MarkRotated(ctx context.Context, id, replacementID string, now time.Time) error {
	return tx.store.markRotated(ctx, id, replacementID, now, tx)
}

func (tx *memoryTx) RevokeChain(ctx context.Context, id string, now time.Time, reason string) (int, error) {
	return tx.store.revokeChain(ctx, id, now, reason, tx)
}

func (tx *memoryTx) Revoke(ctx context.Context, id string, now time.Time, reason string) error {
	return tx.store.revoke(ctx, id, now, reason, tx)
}

func (tx *memoryTx) ListChain(ctx context.Context, id string) ([]RefreshToken, error) {
	return tx.store.ListChain(ctx, id)
}

// Atomically inside a unit joins the enclosing unit.
func (tx *memoryTx) Atomically(_ context.Context, _ string, fn func(Store) error) error {
	return fn(tx)
}

// ---- helpers ----

func newToken(in IssueInput) (RefreshToken, error) {
	id := strings.TrimSpace(in.ID)
	principalID := strings.TrimSpace(in.PrincipalID)
	if id == "" || principalID == "" {
		return RefreshToken{}, ErrInvalidInput
	}
	if in.ParentID != nil && in.ChainID == "" {
		return RefreshToken{}, ErrInvalidInput
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	if !in.ExpiresAt.After(now) {
		return RefreshToken{}, ErrInvalidInput
	}

	chainID := in.ChainID
	if chainID == "" {
		chainID = uuid.NewString()
	} else if _, err := uuid.Parse(chainID); err != nil {
		return RefreshToken{}, ErrInvalidInput
	}

	t := RefreshToken{
		ID:          id,
		ChainID:     chainID,
		PrincipalID: principalID,

		// Postgres keeps microseconds; both stores agree on stored instants.
		IssuedAt:  now.UTC().Truncate(time.Microsecond),
		ExpiresAt: in.ExpiresAt.UTC().Truncate(time.Microsecond),
	}
	if in.ParentID != nil {
		p := *in.ParentID
		t.ParentID = &p
	}
	return t, nil
}

func cloneToken(t RefreshToken) RefreshToken {
	if t.ParentID != nil {
		p := *t.ParentID
		t.ParentID = &p
	}
	if t.ReplacedByID != nil {
		r := *t.ReplacedByID
		t.ReplacedByID = &r
	}
	if t.RevokedAt != nil {
		ts := *t.RevokedAt
		t.RevokedAt = &ts
	}
	return t
}
