// Package sqlite contains a single-file SQLite implementation of the
// repository interfaces, for deployments without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/and161185/postbox/internal/errs"
	"github.com/and161185/postbox/internal/migrate"
	"github.com/and161185/postbox/internal/model"
)

// Store implements repository.Directory and repository.Mailbox on one file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// one writer at a time; sqlite serializes writes anyway
	db.SetMaxOpenConns(1)
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err = migrate.UpDB(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the handle is usable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Create inserts a new identity.
func (s *Store) Create(ctx context.Context, id *model.Identity) error {
	const q = `INSERT INTO identities (token, username, public_key, last_seen) VALUES (?, ?, ?, ?)`
	last := id.LastSeen
	if last.IsZero() {
		last = s.now()
	}
	_, err := s.db.ExecContext(ctx, q, id.Token[:], id.Username, id.PublicKey, last.UnixNano())
	return mapConstraint(err)
}

func mapConstraint(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return err
	}
	switch {
	case se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey,
		strings.Contains(se.Error(), "identities.token"):
		return errs.ErrTokenCollision
	case se.ExtendedCode == sqlite3.ErrConstraintUnique:
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByToken loads an identity by token.
func (s *Store) GetByToken(ctx context.Context, t model.Token) (*model.Identity, error) {
	const q = `SELECT token, username, public_key, last_seen FROM identities WHERE token = ?`
	return s.getOne(ctx, q, t[:])
}

// GetByUsername loads an identity by username.
func (s *Store) GetByUsername(ctx context.Context, username string) (*model.Identity, error) {
	const q = `SELECT token, username, public_key, last_seen FROM identities WHERE username = ?`
	return s.getOne(ctx, q, username)
}

func (s *Store) getOne(ctx context.Context, q string, arg any) (*model.Identity, error) {
	var (
		raw  []byte
		id   model.Identity
		nano int64
	)
	err := s.db.QueryRowContext(ctx, q, arg).Scan(&raw, &id.Username, &id.PublicKey, &nano)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	t, ok := model.TokenFromBytes(raw)
	if !ok {
		return nil, fmt.Errorf("identity %q: token of %d bytes", id.Username, len(raw))
	}
	id.Token = t
	id.LastSeen = time.Unix(0, nano)
	return &id, nil
}

// ListExcluding returns every other identity. SQLite's default BINARY
// collation already compares byte-wise.
func (s *Store) ListExcluding(ctx context.Context, t model.Token) ([]model.Identity, error) {
	const q = `SELECT token, username, public_key, last_seen FROM identities WHERE token <> ? ORDER BY username ASC`
	rows, err := s.db.QueryContext(ctx, q, t[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Identity
	for rows.Next() {
		var (
			raw  []byte
			id   model.Identity
			nano int64
		)
		if err = rows.Scan(&raw, &id.Username, &id.PublicKey, &nano); err != nil {
			return nil, err
		}
		tk, ok := model.TokenFromBytes(raw)
		if !ok {
			continue
		}
		id.Token = tk
		id.LastSeen = time.Unix(0, nano)
		out = append(out, id)
	}
	return out, rows.Err()
}

// TouchLastSeen refreshes last_seen.
func (s *Store) TouchLastSeen(ctx context.Context, t model.Token) error {
	res, err := s.db.ExecContext(ctx, `UPDATE identities SET last_seen = ? WHERE token = ?`, s.now().UnixNano(), t[:])
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Enqueue inserts a message. AUTOINCREMENT keeps ids strictly increasing
// even after rows are deleted.
func (s *Store) Enqueue(ctx context.Context, recipient, sender model.Token, typ uint8, content []byte) (int64, error) {
	const q = `INSERT INTO messages (recipient, sender, type, content, created_at) VALUES (?, ?, ?, ?, ?)`
	if content == nil {
		content = []byte{}
	}
	res, err := s.db.ExecContext(ctx, q, recipient[:], sender[:], int(typ), content, s.now().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DequeueAll reads and deletes the recipient's messages in one IMMEDIATE
// transaction. A row that fails to scan rolls it back, leaving the box intact.
func (s *Store) DequeueAll(ctx context.Context, recipient model.Token) ([]model.PendingMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	const sel = `SELECT id, sender, type, content, created_at FROM messages WHERE recipient = ? ORDER BY id ASC`
	rows, err := tx.QueryContext(ctx, sel, recipient[:])
	if err != nil {
		return nil, err
	}
	var out []model.PendingMessage
	for rows.Next() {
		var (
			m      model.PendingMessage
			sender []byte
			typ    int
			nano   int64
		)
		if err = rows.Scan(&m.ID, &sender, &typ, &m.Content, &nano); err != nil {
			_ = rows.Close()
			return nil, err
		}
		m.Sender, _ = model.TokenFromBytes(sender)
		m.Recipient = recipient
		m.Type = uint8(typ)
		m.CreatedAt = time.Unix(0, nano)
		out = append(out, m)
	}
	if err = rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(out) == 0 {
		return nil, tx.Commit()
	}

	// the write lock is held since BEGIN, so nothing was added or taken in between
	const del = `DELETE FROM messages WHERE recipient = ? AND id <= ?`
	if _, err = tx.ExecContext(ctx, del, recipient[:], out[len(out)-1].ID); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}
