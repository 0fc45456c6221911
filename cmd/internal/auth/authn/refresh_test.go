package authn

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"credo/cmd/internal/auth/audit"
	"credo/cmd/internal/auth/session"
)

func TestRefresh_RotatesAndDetectsReuse(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerAlice(t)
	first := f.mustLogin(t, "alice@example.com", "Sw0rdFish!")
	ctx := context.Background()

	f.clock.Advance(time.Minute)
	second, err := f.svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken || second.AccessToken == first.AccessToken {
		t.Fatalf("refresh must issue new tokens")
	}

	claims, err := f.svc.VerifyAccess(second.AccessToken)
	if err != nil || !claims.HasRole("Manager") {
		t.Fatalf("expected Manager claims, got %+v, %v", claims, err)
	}

	// Replaying the consumed token revokes the whole lineage.
	_ = f.events.Events()
	if _, err := f.svc.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("expected ErrTokenReuseDetected, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("successor must be revoked after reuse, got %v", err)
	}

	events := f.events.Events()
	if len(events) == 0 || events[0].Type != audit.TypeRefreshReuseDetected || events[0].Revoked != 1 {
		t.Fatalf("expected reuse event revoking the successor, got %+v", events)
	}
	if events[0].Reason != session.ReasonRotated {
		t.Fatalf("expected reason of the replayed token, got %q", events[0].Reason)
	}
}

func TestRefresh_LineageLinks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerAlice(t)
	pair := f.mustLogin(t, "alice@example.com", "Sw0rdFish!")
	ctx := context.Background()

	rootID := f.svc.hasher.Hash(pair.RefreshToken)

	next, err := f.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	childID := f.svc.hasher.Hash(next.RefreshToken)

	chain, err := f.tokens.ListChain(ctx, childID)
	if err != nil {
		t.Fatalf("list chain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected 2 tokens in chain, got %d", len(chain))
	}

	var root, child session.RefreshToken
	for _, tok := range chain {
		switch tok.ID {
		case rootID:
			root = tok
		case childID:
			child = tok
		}
	}
	if root.ReplacedByID == nil || *root.ReplacedByID != childID || root.RevocationReason != session.ReasonRotated {
		t.Fatalf("root not rotated to child: %+v", root)
	}
	if child.ParentID == nil || *child.ParentID != rootID || child.ChainID != root.ChainID || child.Revoked() {
		t.Fatalf("child not linked: %+v", child)
	}
}

func TestRefresh_PreservesRolesAcrossRotations(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.registerAlice(t)
	pair := f.mustLogin(t, "alice@example.com", "Sw0rdFish!")

	for i := 0; i < 5; i++ {
		f.clock.Advance(10 * time.Minute)
		next, err := f.svc.Refresh(context.Background(), pair.RefreshToken)
		if err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
		claims, err := f.svc.VerifyAccess(next.AccessToken)
		if err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
		if claims.PrincipalID != p.ID || len(claims.Roles) != 1 || claims.Roles[0] != "Manager" {
			t.Fatalf("roles drifted at %d: %+v", i, claims)
		}
		pair = next
	}

	// Role changes show up on the next rotation.
	if err := f.principals.SetRoles(context.Background(), p.ID, []string{"Manager", "SecurityAuditor"}, f.clock.Now()); err != nil {
		t.Fatalf("set roles: %v", err)
	}
	next, err := f.svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	claims, _ := f.svc.VerifyAccess(next.AccessToken)
	if !claims.HasRole("SecurityAuditor") {
		t.Fatalf("expected updated roles, got %v", claims.Roles)
	}
}

func TestRefresh_ExpiryBoundary(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerAlice(t)

	a := f.mustLogin(t, "alice@example.com", "Sw0rdFish!")
	b := f.mustLogin(t, "alice@example.com", "Sw0rdFish!")

	f.clock.Advance(f.cfg.RefreshTokenTTL - time.Microsecond)
	if _, err := f.svc.Refresh(context.Background(), a.RefreshToken); err != nil {
		t.Fatalf("just before expiry: %v", err)
	}

	f.clock.Advance(time.Microsecond)
	if _, err := f.svc.Refresh(context.Background(), b.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("at expiry: expected ErrTokenExpired, got %v", err)
	}
}

func TestRefresh_UnknownAndEmpty(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	for _, presented := range []string{"", "   ", "never-issued"} {
		if _, err := f.svc.Refresh(context.Background(), presented); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%q: expected ErrInvalidToken, got %v", presented, err)
		}
	}
}

func TestRefresh_ConcurrentPresentationsYieldOneWinner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerAlice(t)
	pair := f.mustLogin(t, "alice@example.com", "Sw0rdFish!")

	const workers = 2
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Refresh(context.Background(), pair.RefreshToken)
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, reuse int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrTokenReuseDetected):
			reuse++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || reuse != 1 {
		t.Fatalf("expected one success and one reuse, got ok=%d reuse=%d", ok, reuse)
	}

	// Every token of the lineage ends up revoked.
	chain, err := f.tokens.ListChain(context.Background(), f.svc.hasher.Hash(pair.RefreshToken))
	if err != nil {
		t.Fatalf("list chain: %v", err)
	}
	for _, tok := range chain {
		if !tok.Revoked() {
			t.Fatalf("token %s still active after reuse", tok.ID)
		}
	}
}

func TestRefresh_LockedPrincipalRevokesChain(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.registerAlice(t)
	pair := f.mustLogin(t, "alice@example.com", "Sw0rdFish!")

	if err := f.principals.SetLocked(context.Background(), p.ID, true, f.clock.Now()); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if _, err := f.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	lk, err := f.tokens.FindActive(context.Background(), f.svc.hasher.Hash(pair.RefreshToken), f.clock.Now())
	if err != nil || lk.Status != session.StatusRevoked || lk.Token.RevocationReason != session.ReasonLocked {
		t.Fatalf("expected revoked root, got %+v, %v", lk, err)
	}
}

func TestLogout_RevokesOnlyPresentedToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerAlice(t)
	ctx := context.Background()

	laptop := f.mustLogin(t, "alice@example.com", "Sw0rdFish!")
	phone := f.mustLogin(t, "alice@example.com", "Sw0rdFish!")

	if err := f.svc.Logout(ctx, laptop.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := f.svc.Logout(ctx, laptop.RefreshToken); err != nil {
		t.Fatalf("second logout must be a no-op: %v", err)
	}
	if err := f.svc.Logout(ctx, "unknown-token"); err != nil {
		t.Fatalf("unknown logout must succeed: %v", err)
	}

	if _, err := f.svc.Refresh(ctx, phone.RefreshToken); err != nil {
		t.Fatalf("other session must survive: %v", err)
	}

	// A logged-out token presented again is treated as reuse.
	if _, err := f.svc.Refresh(ctx, laptop.RefreshToken); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("expected reuse after logout, got %v", err)
	}
}

func TestLogout_WaitsForInFlightRefresh(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerAlice(t)
	pair := f.mustLogin(t, "alice@example.com", "Sw0rdFish!")
	ctx := context.Background()
	id := f.svc.hasher.Hash(pair.RefreshToken)

	rotated := make(chan struct{})
	release := make(chan struct{})
	unitDone := make(chan error, 1)
	go func() {
		unitDone <- f.tokens.Atomically(ctx, id, func(tx session.Store) error {
			if err := tx.MarkRotated(ctx, id, "replacement", f.clock.Now()); err != nil {
				return err
			}
			close(rotated)
			<-release
			return errors.New("client went away")
		})
	}()
	<-rotated

	logoutDone := make(chan error, 1)
	go func() { logoutDone <- f.svc.Logout(ctx, pair.RefreshToken) }()

	select {
	case err := <-logoutDone:
		t.Fatalf("logout finished before the refresh unit resolved: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-unitDone; err == nil {
		t.Fatal("unit should have failed")
	}
	if err := <-logoutDone; err != nil {
		t.Fatalf("logout: %v", err)
	}

	lk, err := f.tokens.FindActive(ctx, id, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if lk.Status != session.StatusRevoked || lk.Token.RevocationReason != session.ReasonLogout {
		t.Fatalf("logged-out token: status=%v reason=%q", lk.Status, lk.Token.RevocationReason)
	}
}

type failingStore struct {
	session.Store
	err error
}

func (s failingStore) Atomically(context.Context, string, func(session.Store) error) error {
	return s.err
}

func (s failingStore) FindActive(context.Context, string, time.Time) (session.Lookup, error) {
	return session.Lookup{}, s.err
}

func TestRefresh_StoreFailureIsWrapped(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	f := newFixtureWith(t, failingStore{Store: session.NewMemoryStore(), err: cause}, nil)

	_, err := f.svc.Refresh(context.Background(), "some-token")
	var se StoreError
	if !errors.As(err, &se) || se.Op != "refresh" || !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if IsReauthRequired(err) {
		t.Fatalf("store failures must not ask for reauthentication")
	}

	if err := f.svc.Logout(context.Background(), "some-token"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from logout, got %v", err)
	}
}

func TestRefresh_CanceledContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerAlice(t)
	pair := f.mustLogin(t, "alice@example.com", "Sw0rdFish!")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Nothing was consumed.
	if _, err := f.svc.Refresh(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("token must still be usable: %v", err)
	}
}

func TestMetrics_Exported(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	f := newFixtureWith(t, nil, NewMetrics(reg))
	f.registerAlice(t)
	pair := f.mustLogin(t, "alice@example.com", "Sw0rdFish!")
	_, _ = f.svc.Login(context.Background(), "alice@example.com", "nope")
	_, _ = f.svc.Refresh(context.Background(), pair.RefreshToken)
	_, _ = f.svc.Refresh(context.Background(), pair.RefreshToken)

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	out := rec.Body.String()

	for _, want := range []string{
		`credo_auth_register_total{result="success"} 1`,
		`credo_auth_login_total{result="success"} 1`,
		`credo_auth_login_total{result="invalid_credentials"} 1`,
		`credo_auth_refresh_total{result="success"} 1`,
		`credo_auth_refresh_total{result="reuse_detected"} 1`,
		`credo_auth_reuse_detected_total 1`,
		`credo_auth_chain_tokens_revoked_total 1`,
		`credo_auth_operation_seconds_count{op="refresh"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}
