package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are opt-in and require CREDO_DATABASE_URL.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore_CreateAndFind(t *testing.T) {
	t.Parallel()

	s, _ := mustIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Microsecond)
	p, err := s.Create(ctx, CreatePrincipalInput{
		Identifier:   "Alice@Example.com",
		PasswordHash: "$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		Roles:        []string{"Manager"},
		Now:          now,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.FindByLoginIdentifier(ctx, "alice@EXAMPLE.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != p.ID || got.IdentifierNorm != "alice@example.com" || !got.HasRole("Manager") || got.Locked {
		t.Fatalf("unexpected principal: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at mismatch: %v vs %v", got.CreatedAt, now)
	}

	byID, err := s.FindByID(ctx, p.ID)
	if err != nil || byID.Identifier != "Alice@Example.com" {
		t.Fatalf("find by id: %+v, %v", byID, err)
	}
}

func TestPostgresStore_Create_ConflictIdentifier_CaseInsensitive(t *testing.T) {
	t.Parallel()

	s, _ := mustIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := s.Create(ctx, CreatePrincipalInput{Identifier: "User@Example.com", PasswordHash: "h"}); err != nil {
		t.Fatalf("create 1: %v", err)
	}

	_, err := s.Create(ctx, CreatePrincipalInput{Identifier: "user@example.COM", PasswordHash: "h"})
	if !IsConflict(err) {
		t.Fatalf("expected conflict error, got: %v", err)
	}
	var ce ConflictError
	if !errors.As(err, &ce) || ce.Field != "identifier" {
		t.Fatalf("expected identifier conflict, got %v", err)
	}
}

func TestPostgresStore_NotFound(t *testing.T) {
	t.Parallel()

	s, _ := mustIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := s.FindByLoginIdentifier(ctx, "ghost@example.com"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.SetLocked(ctx, mustNewULIDLike(t), true, time.Now()); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresStore_SetLockedAndRoles(t *testing.T) {
	t.Parallel()

	s, _ := mustIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	p, err := s.Create(ctx, CreatePrincipalInput{Identifier: "bob@example.com", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(p.Roles) != 0 {
		t.Fatalf("expected no roles, got %v", p.Roles)
	}

	if err := s.SetRoles(ctx, p.ID, []string{"Manager", "SecurityAuditor"}, time.Now()); err != nil {
		t.Fatalf("set roles: %v", err)
	}
	if err := s.SetLocked(ctx, p.ID, true, time.Now()); err != nil {
		t.Fatalf("set locked: %v", err)
	}

	got, err := s.FindByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !got.Locked || strings.Join(got.Roles, ",") != "Manager,SecurityAuditor" {
		t.Fatalf("unexpected principal: %+v", got)
	}
}

func TestWithSchema_RejectsUnsafeIdentifier(t *testing.T) {
	t.Parallel()

	st := &PostgresStore{}
	if err := WithSchema(`credo"; DROP TABLE x; --`)(st); err == nil {
		t.Fatalf("expected error for unsafe schema")
	}
	if err := WithSchema("  ")(st); err == nil {
		t.Fatalf("expected error for empty schema")
	}
}

// ---- helpers ----

func mustIntegrationStore(t *testing.T) (*PostgresStore, *pgxpool.Pool) {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyIdentitySchema(t, pool, schema)

	s, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, pool
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CREDO_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CREDO_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse CREDO_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (CREDO_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "credo_it_" + strings.ToLower(mustNewULIDLike(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplyIdentitySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  identifier TEXT NOT NULL,
  identifier_norm TEXT NOT NULL,
  password_hash TEXT NOT NULL,
  roles TEXT[] NOT NULL DEFAULT '{}',
  locked BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT chk_principals_id_ulid_len CHECK (char_length(id) = 26),
  CONSTRAINT uq_principals_identifier_norm UNIQUE (identifier_norm)
);
`, pgIdent(schema, "principals"))

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}

func mustNewULIDLike(t *testing.T) string {
	t.Helper()

	id, err := NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	return id
}
