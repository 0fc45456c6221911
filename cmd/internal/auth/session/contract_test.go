package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"credo/cmd/security/token"
)

// storeFactory returns a fresh store plus a principal id that may own tokens.
type storeFactory func(t *testing.T) (Store, string)

var contractBase = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newTokenID(t *testing.T) string {
	t.Helper()
	secret, err := token.NewRefreshSecret(token.DefaultRefreshSecretBytes)
	if err != nil {
		t.Fatalf("NewRefreshSecret: %v", err)
	}
	return token.HashSHA256Hex(secret)
}

func mustIssue(t *testing.T, s Store, in IssueInput) RefreshToken {
	t.Helper()
	out, err := s.Issue(context.Background(), in)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return out
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("IssueRootAndFind", func(t *testing.T) {
		s, pid := newStore(t)
		ctx := context.Background()

		root := mustIssue(t, s, IssueInput{
			ID: newTokenID(t), PrincipalID: pid,
			Now: contractBase, ExpiresAt: contractBase.Add(time.Hour),
		})
		if root.ChainID == "" || root.ParentID != nil || root.Revoked() {
			t.Fatalf("unexpected root: %+v", root)
		}

		l, err := s.FindActive(ctx, root.ID, contractBase.Add(time.Minute))
		if err != nil {
			t.Fatalf("FindActive: %v", err)
		}
		if l.Status != StatusActive || l.Token.ID != root.ID || l.Token.PrincipalID != pid {
			t.Fatalf("unexpected lookup: %+v", l)
		}

		l, err = s.FindActive(ctx, newTokenID(t), contractBase)
		if err != nil || l.Status != StatusNotFound {
			t.Fatalf("expected not found, got %+v, %v", l, err)
		}
	})

	t.Run("ExpiryBoundary", func(t *testing.T) {
		s, pid := newStore(t)
		ctx := context.Background()

		exp := contractBase.Add(time.Hour)
		tok := mustIssue(t, s, IssueInput{ID: newTokenID(t), PrincipalID: pid, Now: contractBase, ExpiresAt: exp})

		l, _ := s.FindActive(ctx, tok.ID, exp.Add(-time.Microsecond))
		if l.Status != StatusActive {
			t.Fatalf("expected active just before expiry, got %v", l.Status)
		}
		l, _ = s.FindActive(ctx, tok.ID, exp)
		if l.Status != StatusExpired {
			t.Fatalf("expected expired at expiry, got %v", l.Status)
		}
	})

	t.Run("RotateThenReplayIsRevoked", func(t *testing.T) {
		s, pid := newStore(t)
		ctx := context.Background()

		root := mustIssue(t, s, IssueInput{ID: newTokenID(t), PrincipalID: pid, Now: contractBase, ExpiresAt: contractBase.Add(time.Hour)})
		child := mustIssue(t, s, IssueInput{
			ID: newTokenID(t), PrincipalID: pid, ParentID: &root.ID, ChainID: root.ChainID,
			Now: contractBase.Add(time.Minute), ExpiresAt: contractBase.Add(2 * time.Hour),
		})
		if err := s.MarkRotated(ctx, root.ID, child.ID, contractBase.Add(time.Minute)); err != nil {
			t.Fatalf("MarkRotated: %v", err)
		}

		l, _ := s.FindActive(ctx, root.ID, contractBase.Add(2*time.Minute))
		if l.Status != StatusRevoked || l.Token.RevocationReason != ReasonRotated {
			t.Fatalf("expected rotated root, got %+v", l)
		}
		if l.Token.ReplacedByID == nil || *l.Token.ReplacedByID != child.ID {
			t.Fatalf("replaced-by not linked: %+v", l.Token)
		}

		// Revocation wins over expiry.
		l, _ = s.FindActive(ctx, root.ID, contractBase.Add(3*time.Hour))
		if l.Status != StatusRevoked {
			t.Fatalf("expected revoked to take precedence, got %v", l.Status)
		}

		if err := s.MarkRotated(ctx, root.ID, child.ID, contractBase.Add(3*time.Minute)); !errors.Is(err, ErrAlreadyRevoked) {
			t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
		}
		if err := s.MarkRotated(ctx, newTokenID(t), child.ID, contractBase); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("IssueRejectsForeignParent", func(t *testing.T) {
		s, pid := newStore(t)

		a := mustIssue(t, s, IssueInput{ID: newTokenID(t), PrincipalID: pid, Now: contractBase, ExpiresAt: contractBase.Add(time.Hour)})
		b := mustIssue(t, s, IssueInput{ID: newTokenID(t), PrincipalID: pid, Now: contractBase, ExpiresAt: contractBase.Add(time.Hour)})

		_, err := s.Issue(context.Background(), IssueInput{
			ID: newTokenID(t), PrincipalID: pid, ParentID: &a.ID, ChainID: b.ChainID,
			Now: contractBase, ExpiresAt: contractBase.Add(time.Hour),
		})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}

		_, err = s.Issue(context.Background(), IssueInput{
			ID: newTokenID(t), PrincipalID: pid, Now: contractBase, ExpiresAt: contractBase,
		})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for non-positive lifetime, got %v", err)
		}
	})

	t.Run("RevokeChainCoversWholeLineage", func(t *testing.T) {
		s, pid := newStore(t)
		ctx := context.Background()

		ids := make([]string, 0, 4)
		prev := mustIssue(t, s, IssueInput{ID: newTokenID(t), PrincipalID: pid, Now: contractBase, ExpiresAt: contractBase.Add(time.Hour)})
		ids = append(ids, prev.ID)
		for i := 1; i < 4; i++ {
			at := contractBase.Add(time.Duration(i) * time.Minute)
			next := mustIssue(t, s, IssueInput{
				ID: newTokenID(t), PrincipalID: pid, ParentID: &prev.ID, ChainID: prev.ChainID,
				Now: at, ExpiresAt: at.Add(time.Hour),
			})
			if err := s.MarkRotated(ctx, prev.ID, next.ID, at); err != nil {
				t.Fatalf("MarkRotated: %v", err)
			}
			prev = next
			ids = append(ids, next.ID)
		}
		other := mustIssue(t, s, IssueInput{ID: newTokenID(t), PrincipalID: pid, Now: contractBase, ExpiresAt: contractBase.Add(time.Hour)})

		// Revoking from the middle reaches the active leaf.
		n, err := s.RevokeChain(ctx, ids[1], contractBase.Add(10*time.Minute), ReasonReuseDetected)
		if err != nil {
			t.Fatalf("RevokeChain: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 newly revoked token, got %d", n)
		}

		chain, err := s.ListChain(ctx, ids[3])
		if err != nil {
			t.Fatalf("ListChain: %v", err)
		}
		if len(chain) != 4 {
			t.Fatalf("expected chain of 4, got %d", len(chain))
		}
		for i, tok := range chain {
			if tok.ID != ids[i] {
				t.Fatalf("chain order mismatch at %d", i)
			}
			if !tok.Revoked() {
				t.Fatalf("token %d not revoked", i)
			}
		}
		if chain[3].RevocationReason != ReasonReuseDetected || chain[0].RevocationReason != ReasonRotated {
			t.Fatalf("unexpected reasons: %q %q", chain[0].RevocationReason, chain[3].RevocationReason)
		}

		l, _ := s.FindActive(ctx, other.ID, contractBase.Add(10*time.Minute))
		if l.Status != StatusActive {
			t.Fatalf("unrelated chain was revoked")
		}

		n, err = s.RevokeChain(ctx, newTokenID(t), contractBase, ReasonReuseDetected)
		if err != nil || n != 0 {
			t.Fatalf("RevokeChain(unknown) = %d, %v", n, err)
		}
	})

	t.Run("RevokeIsIdempotent", func(t *testing.T) {
		s, pid := newStore(t)
		ctx := context.Background()

		tok := mustIssue(t, s, IssueInput{ID: newTokenID(t), PrincipalID: pid, Now: contractBase, ExpiresAt: contractBase.Add(time.Hour)})
		for i := 0; i < 2; i++ {
			if err := s.Revoke(ctx, tok.ID, contractBase.Add(time.Duration(i+1)*time.Minute), ReasonLogout); err != nil {
				t.Fatalf("Revoke #%d: %v", i, err)
			}
		}
		if err := s.Revoke(ctx, newTokenID(t), contractBase, ReasonLogout); err != nil {
			t.Fatalf("Revoke(unknown): %v", err)
		}

		l, _ := s.FindActive(ctx, tok.ID, contractBase.Add(5*time.Minute))
		if l.Status != StatusRevoked || l.Token.RevocationReason != ReasonLogout {
			t.Fatalf("unexpected lookup: %+v", l)
		}
		if !l.Token.RevokedAt.Equal(contractBase.Add(time.Minute)) {
			t.Fatalf("second revoke overwrote revoked_at: %v", l.Token.RevokedAt)
		}
	})

	t.Run("AtomicallyRollsBackOnError", func(t *testing.T) {
		s, pid := newStore(t)
		ctx := context.Background()

		root := mustIssue(t, s, IssueInput{ID: newTokenID(t), PrincipalID: pid, Now: contractBase, ExpiresAt: contractBase.Add(time.Hour)})
		childID := newTokenID(t)
		boom := errors.New("boom")

		err := s.Atomically(ctx, root.ID, func(tx Store) error {
			if _, err := tx.Issue(ctx, IssueInput{
				ID: childID, PrincipalID: pid, ParentID: &root.ID, ChainID: root.ChainID,
				Now: contractBase, ExpiresAt: contractBase.Add(time.Hour),
			}); err != nil {
				return err
			}
			if err := tx.MarkRotated(ctx, root.ID, childID, contractBase); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}

		l, _ := s.FindActive(ctx, root.ID, contractBase)
		if l.Status != StatusActive {
			t.Fatalf("root should be active after rollback, got %v", l.Status)
		}
		l, _ = s.FindActive(ctx, childID, contractBase)
		if l.Status != StatusNotFound {
			t.Fatalf("child should not survive rollback, got %v", l.Status)
		}
	})

	t.Run("AtomicallyRollsBackOnCancel", func(t *testing.T) {
		s, pid := newStore(t)

		root := mustIssue(t, s, IssueInput{ID: newTokenID(t), PrincipalID: pid, Now: contractBase, ExpiresAt: contractBase.Add(time.Hour)})
		ctx, cancel := context.WithCancel(context.Background())

		err := s.Atomically(ctx, root.ID, func(tx Store) error {
			if err := tx.Revoke(ctx, root.ID, contractBase, ReasonLogout); err != nil {
				return err
			}
			cancel()
			return nil
		})
		if err == nil {
			t.Fatalf("expected error after cancellation")
		}

		l, _ := s.FindActive(context.Background(), root.ID, contractBase)
		if l.Status != StatusActive {
			t.Fatalf("revoke should have been rolled back, got %v", l.Status)
		}
	})

	t.Run("AtomicallySerializesSameChain", func(t *testing.T) {
		s, pid := newStore(t)
		ctx := context.Background()

		root := mustIssue(t, s, IssueInput{ID: newTokenID(t), PrincipalID: pid, Now: contractBase, ExpiresAt: contractBase.Add(time.Hour)})

		const workers = 8
		var (
			wg       sync.WaitGroup
			rotated  atomic.Int32
			rejected atomic.Int32
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.Atomically(ctx, root.ID, func(tx Store) error {
					l, err := tx.FindActive(ctx, root.ID, contractBase)
					if err != nil {
						return err
					}
					if l.Status != StatusActive {
						rejected.Add(1)
						return nil
					}
					childID := newTokenIDNoT(i)
					if _, err := tx.Issue(ctx, IssueInput{
						ID: childID, PrincipalID: pid, ParentID: &root.ID, ChainID: root.ChainID,
						Now: contractBase, ExpiresAt: contractBase.Add(time.Hour),
					}); err != nil {
						return err
					}
					if err := tx.MarkRotated(ctx, root.ID, childID, contractBase); err != nil {
						return err
					}
					rotated.Add(1)
					return nil
				})
				if err != nil {
					t.Errorf("Atomically: %v", err)
				}
			}(i)
		}
		wg.Wait()

		if rotated.Load() != 1 || rejected.Load() != workers-1 {
			t.Fatalf("rotated=%d rejected=%d", rotated.Load(), rejected.Load())
		}
		chain, err := s.ListChain(ctx, root.ID)
		if err != nil || len(chain) != 2 {
			t.Fatalf("expected exactly one child, chain=%d err=%v", len(chain), err)
		}
	})

	t.Run("ReuseRevocationCoversConcurrentRotation", func(t *testing.T) {
		s, pid := newStore(t)
		ctx := context.Background()

		r0 := mustIssue(t, s, IssueInput{ID: newTokenID(t), PrincipalID: pid, Now: contractBase, ExpiresAt: contractBase.Add(time.Hour)})
		r1 := mustIssue(t, s, IssueInput{
			ID: newTokenID(t), PrincipalID: pid, ParentID: &r0.ID, ChainID: r0.ChainID,
			Now: contractBase, ExpiresAt: contractBase.Add(time.Hour),
		})
		if err := s.MarkRotated(ctx, r0.ID, r1.ID, contractBase); err != nil {
			t.Fatalf("MarkRotated: %v", err)
		}
		r2ID := newTokenID(t)

		// The holder of r1 rotates it and stalls before committing.
		issued := make(chan struct{})
		release := make(chan struct{})
		rotateDone := make(chan error, 1)
		go func() {
			rotateDone <- s.Atomically(ctx, r1.ID, func(tx Store) error {
				if _, err := tx.Issue(ctx, IssueInput{
					ID: r2ID, PrincipalID: pid, ParentID: &r1.ID, ChainID: r1.ChainID,
					Now: contractBase, ExpiresAt: contractBase.Add(time.Hour),
				}); err != nil {
					return err
				}
				if err := tx.MarkRotated(ctx, r1.ID, r2ID, contractBase); err != nil {
					return err
				}
				close(issued)
				<-release
				return nil
			})
		}()
		<-issued

		// Meanwhile r0 is replayed.
		reuseDone := make(chan error, 1)
		go func() {
			reuseDone <- s.Atomically(ctx, r0.ID, func(tx Store) error {
				l, err := tx.FindActive(ctx, r0.ID, contractBase)
				if err != nil {
					return err
				}
				if l.Status != StatusRevoked {
					return fmt.Errorf("replayed token status %v", l.Status)
				}
				_, err = tx.RevokeChain(ctx, r0.ID, contractBase, ReasonReuseDetected)
				return err
			})
		}()

		time.Sleep(50 * time.Millisecond)
		close(release)

		if err := <-rotateDone; err != nil {
			t.Fatalf("rotate: %v", err)
		}
		if err := <-reuseDone; err != nil {
			t.Fatalf("reuse: %v", err)
		}

		l, err := s.FindActive(ctx, r2ID, contractBase)
		if err != nil {
			t.Fatalf("FindActive: %v", err)
		}
		if l.Status != StatusRevoked {
			t.Fatalf("descendant rotated during reuse handling must be revoked, got %v", l.Status)
		}
	})
}

// newTokenIDNoT is safe to call from goroutines spawned by a test.
func newTokenIDNoT(i int) string {
	secret, err := token.NewRefreshSecret(token.DefaultRefreshSecretBytes)
	if err != nil {
		secret = fmt.Sprintf("fallback-%d-%d", i, time.Now().UnixNano())
	}
	return token.HashSHA256Hex(secret)
}
