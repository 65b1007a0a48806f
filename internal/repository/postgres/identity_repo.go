package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/postbox/internal/errs"
	"github.com/and161185/postbox/internal/model"
	"github.com/jackc/pgx/v5"
)

const (
	usernameConstraint = "identities_username_key"
	tokenConstraint    = "identities_pkey"
)

// IdentityRepo implements repository.Directory using PostgreSQL.
type IdentityRepo struct{ db *DB }

// NewIdentityRepo constructs an identity repository.
func NewIdentityRepo(db *DB) *IdentityRepo { return &IdentityRepo{db: db} }

// Create inserts a new identity row. The unique constraints make the
// username check and the insert a single atomic step.
func (r *IdentityRepo) Create(ctx context.Context, id *model.Identity) error {
	const q = `
INSERT INTO identities (token, username, public_key, last_seen)
VALUES ($1, $2, $3, now())`
	_, err := r.db.Pool.Exec(ctx, q, id.Token[:], id.Username, id.PublicKey)
	if constraint, ok := uniqueViolation(err); ok {
		if constraint == tokenConstraint {
			return errs.ErrTokenCollision
		}
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByToken selects an identity by token.
func (r *IdentityRepo) GetByToken(ctx context.Context, t model.Token) (*model.Identity, error) {
	const q = `
SELECT token, username, public_key, last_seen
FROM identities WHERE token=$1`
	return r.getOne(ctx, q, t[:])
}

// GetByUsername selects an identity by username.
func (r *IdentityRepo) GetByUsername(ctx context.Context, username string) (*model.Identity, error) {
	const q = `
SELECT token, username, public_key, last_seen
FROM identities WHERE username=$1`
	return r.getOne(ctx, q, username)
}

func (r *IdentityRepo) getOne(ctx context.Context, q string, arg any) (*model.Identity, error) {
	var (
		raw []byte
		id  model.Identity
	)
	err := r.db.Pool.QueryRow(ctx, q, arg).Scan(&raw, &id.Username, &id.PublicKey, &id.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	t, ok := model.TokenFromBytes(raw)
	if !ok {
		return nil, fmt.Errorf("identity %q: token of %d bytes", id.Username, len(raw))
	}
	id.Token = t
	return &id, nil
}

// ListExcluding returns every other identity ordered by username using
// byte-wise collation. Rows with a malformed token are skipped.
func (r *IdentityRepo) ListExcluding(ctx context.Context, t model.Token) ([]model.Identity, error) {
	const q = `
SELECT token, username, public_key, last_seen
FROM identities
WHERE token <> $1
ORDER BY username COLLATE "C" ASC`
	rows, err := r.db.Pool.Query(ctx, q, t[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Identity
	for rows.Next() {
		var (
			raw      []byte
			name     string
			key      string
			lastSeen time.Time
		)
		if err = rows.Scan(&raw, &name, &key, &lastSeen); err != nil {
			return nil, err
		}
		tk, ok := model.TokenFromBytes(raw)
		if !ok {
			continue
		}
		out = append(out, model.Identity{Token: tk, Username: name, PublicKey: key, LastSeen: lastSeen})
	}
	return out, rows.Err()
}

// TouchLastSeen sets last_seen to the server clock.
func (r *IdentityRepo) TouchLastSeen(ctx context.Context, t model.Token) error {
	const q = `UPDATE identities SET last_seen = now() WHERE token=$1`
	tag, err := r.db.Pool.Exec(ctx, q, t[:])
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
