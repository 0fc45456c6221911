package identity

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

// PostgresStore implements the credential store over PostgreSQL.
//
// The pgx pool is owned by the caller; the store never closes it.
// Schema identifiers are quoted via pgx.Identifier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "credo").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !PgIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "credo",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

const principalColumns = `id, identifier, identifier_norm, password_hash, roles, locked, created_at, updated_at`

func (s *PostgresStore) FindByLoginIdentifier(ctx context.Context, identifier string) (Principal, error) {
	const op = "identity.FindByLoginIdentifier"

	norm := NormalizeIdentifier(identifier)
	if norm == "" {
		return Principal{}, NotFoundError{Op: op, By: "identifier"}
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+principalColumns+`
		   FROM `+pgIdent(s.schema, "principals")+`
		  WHERE identifier_norm = $1`,
		norm,
	)
	return scanPrincipal(op, row)
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (Principal, error) {
	const op = "identity.FindByID"

	if strings.TrimSpace(id) == "" {
		return Principal{}, NotFoundError{Op: op, By: "id"}
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+principalColumns+`
		   FROM `+pgIdent(s.schema, "principals")+`
		  WHERE id = $1`,
		id,
	)
	return scanPrincipal(op, row)
}

func (s *PostgresStore) Create(ctx context.Context, in CreatePrincipalInput) (Principal, error) {
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

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "principals")+` (
		     id, identifier, identifier_norm, password_hash, roles, locked, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, false, $6, $6)`,
		p.ID, p.Identifier, p.IdentifierNorm, p.PasswordHash, p.Roles, now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return Principal{}, ConflictError{Op: op, Field: field}
		}
		return Principal{}, err
	}

	return p, nil
}

func (s *PostgresStore) SetLocked(ctx context.Context, id string, locked bool, now time.Time) error {
	const op = "identity.SetLocked"
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "principals")+`
		    SET locked = $2, updated_at = $3
		  WHERE id = $1`,
		id, locked, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, By: "id"}
	}
	return nil
}

func (s *PostgresStore) SetRoles(ctx context.Context, id string, roles []string, now time.Time) error {
	const op = "identity.SetRoles"
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "principals")+`
		    SET roles = $2, updated_at = $3
		  WHERE id = $1`,
		id, cloneRoles(roles), now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, By: "id"}
	}
	return nil
}

func scanPrincipal(op string, row pgx.Row) (Principal, error) {
	var p Principal
	err := row.Scan(
		&p.ID,
		&p.Identifier,
		&p.IdentifierNorm,
		&p.PasswordHash,
		&p.Roles,
		&p.Locked,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, NotFoundError{Op: op}
		}
		return Principal{}, err
	}
	if p.Roles == nil {
		p.Roles = []string{}
	}
	return p, nil
}

// ---- helpers ----

// PgIdentIsValid reports whether s is a plain Postgres identifier.
func PgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_principals_identifier_norm", strings.Contains(c, "identifier"):
		return "identifier", true
	default:
		return "unique", true
	}
}
