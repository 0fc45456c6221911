package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL (<schema>.refresh_tokens).
// The pool is owned by the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	db     querier
	table  string
	schema string
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore creates a Postgres-backed store in schema (default "credo").
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "credo"
	}
	if !pgIdentRe.MatchString(schema) {
		return nil, fmt.Errorf("session: invalid schema identifier")
	}
	return &PostgresStore{
		pool:   pool,
		db:     pool,
		schema: schema,
		table:  pgx.Identifier{schema, "refresh_tokens"}.Sanitize(),
	}, nil
}

const tokenColumns = `id, chain_id::text, principal_id, parent_id, replaced_by_id,
	issued_at, expires_at, revoked_at, revocation_reason`

func (s *PostgresStore) Issue(ctx context.Context, in IssueInput) (RefreshToken, error) {
	t, err := newToken(in)
	if err != nil {
		return RefreshToken{}, err
	}

	if t.ParentID != nil {
		var parentChain, parentPrincipal string
		err := s.db.QueryRow(ctx,
			`SELECT chain_id::text, principal_id FROM `+s.table+` WHERE id = $1`,
			*t.ParentID,
		).Scan(&parentChain, &parentPrincipal)
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		if err != nil {
			return RefreshToken{}, err
		}
		if parentChain != t.ChainID || parentPrincipal != t.PrincipalID {
			return RefreshToken{}, ErrInvalidInput
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO `+s.table+` (
			id, chain_id, principal_id, parent_id, replaced_by_id,
			issued_at, expires_at, revoked_at, revocation_reason
		) VALUES ($1, $2::uuid, $3, $4, NULL, $5, $6, NULL, NULL)
	`, t.ID, t.ChainID, t.PrincipalID, t.ParentID, t.IssuedAt, t.ExpiresAt)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return RefreshToken{}, ErrConflict
		}
		if pgIsForeignKeyViolation(err) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, err
	}

	return t, nil
}

func (s *PostgresStore) FindActive(ctx context.Context, id string, now time.Time) (Lookup, error) {
	t, err := s.get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Lookup{Status: StatusNotFound}, nil
	}
	if err != nil {
		return Lookup{}, err
	}
	return Lookup{Status: t.State(now), Token: t}, nil
}

func (s *PostgresStore) MarkRotated(ctx context.Context, id, replacementID string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE `+s.table+`
		SET
			revoked_at = $2,
			replaced_by_id = $3,
			revocation_reason = $4
		WHERE id = $1 AND revoked_at IS NULL
	`, id, now.UTC(), replacementID, ReasonRotated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := s.get(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyRevoked
}

func (s *PostgresStore) RevokeChain(ctx context.Context, id string, now time.Time, reason string) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE `+s.table+`
		SET revoked_at = $2,
		    revocation_reason = $3
		WHERE chain_id = (SELECT chain_id FROM `+s.table+` WHERE id = $1)
		  AND revoked_at IS NULL
	`, id, now.UTC(), reason)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Revoke revokes a single token (idempotent).
func (s *PostgresStore) Revoke(ctx context.Context, id string, now time.Time, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE `+s.table+`
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE id = $1
	`, id, now.UTC(), reason)
	return err
}

func (s *PostgresStore) ListChain(ctx context.Context, id string) ([]RefreshToken, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM `+s.table+`
		WHERE chain_id = (SELECT chain_id FROM `+s.table+` WHERE id = $1)
		ORDER BY issued_at, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RefreshToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Atomically runs fn in one transaction holding a transaction-scoped
// advisory lock on id's chain and a row lock on id. Units touching any token
// of the same chain queue on the advisory lock, so every statement in fn
// sees the committed state of the unit before it.
func (s *PostgresStore) Atomically(ctx context.Context, id string, fn func(Store) error) error {
	if _, inTx := s.db.(pgx.Tx); inTx {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var chainID string
	err = tx.QueryRow(ctx, `SELECT chain_id::text FROM `+s.table+` WHERE id = $1`, id).Scan(&chainID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return err
	default:
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, chainLockKey(chainID)); err != nil {
			return err
		}
		var locked string
		err = tx.QueryRow(ctx, `SELECT id FROM `+s.table+` WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
	}

	view := &PostgresStore{pool: s.pool, db: tx, table: s.table, schema: s.schema}
	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// chainLockKey namespaces chain advisory locks from any others on the database.
func chainLockKey(chainID string) string {
	return "credo.refresh_chain:" + chainID
}

func (s *PostgresStore) get(ctx context.Context, id string) (RefreshToken, error) {
	row := s.db.QueryRow(ctx, `SELECT `+tokenColumns+` FROM `+s.table+` WHERE id = $1`, id)
	t, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshToken{}, ErrNotFound
	}
	return t, err
}

func scanToken(row pgx.Row) (RefreshToken, error) {
	var (
		t      RefreshToken
		reason *string
	)
	err := row.Scan(
		&t.ID,
		&t.ChainID,
		&t.PrincipalID,
		&t.ParentID,
		&t.ReplacedByID,
		&t.IssuedAt,
		&t.ExpiresAt,
		&t.RevokedAt,
		&reason,
	)
	if err != nil {
		return RefreshToken{}, err
	}
	if reason != nil {
		t.RevocationReason = *reason
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	if t.RevokedAt != nil {
		ts := t.RevokedAt.UTC()
		t.RevokedAt = &ts
	}
	return t, nil
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
