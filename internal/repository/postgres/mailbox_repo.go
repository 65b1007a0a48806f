package postgres

import (
	"context"
	"sort"
	"time"

	"github.com/and161185/postbox/internal/model"
)

// MailboxRepo implements repository.Mailbox using PostgreSQL.
type MailboxRepo struct{ db *DB }

// NewMailboxRepo constructs a mailbox repository.
func NewMailboxRepo(db *DB) *MailboxRepo { return &MailboxRepo{db: db} }

// Enqueue inserts a message and returns its BIGSERIAL id.
func (r *MailboxRepo) Enqueue(ctx context.Context, recipient, sender model.Token, typ uint8, content []byte) (int64, error) {
	const q = `
INSERT INTO messages (recipient, sender, type, content)
VALUES ($1, $2, $3, $4)
RETURNING id`
	if content == nil {
		content = []byte{}
	}
	var id int64
	if err := r.db.Pool.QueryRow(ctx, q, recipient[:], sender[:], int16(typ), content).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// DequeueAll deletes and returns the recipient's messages in one statement.
// Concurrent pulls serialize on the row locks, so a row is returned at most once.
func (r *MailboxRepo) DequeueAll(ctx context.Context, recipient model.Token) ([]model.PendingMessage, error) {
	const q = `
DELETE FROM messages
WHERE recipient=$1
RETURNING id, sender, type, content, created_at`
	rows, err := r.db.Pool.Query(ctx, q, recipient[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PendingMessage
	for rows.Next() {
		var (
			id        int64
			sender    []byte
			typ       int16
			content   []byte
			createdAt time.Time
		)
		if err = rows.Scan(&id, &sender, &typ, &content, &createdAt); err != nil {
			return nil, err
		}
		// a malformed sender resolves to no identity and is dropped upstream
		st, _ := model.TokenFromBytes(sender)
		out = append(out, model.PendingMessage{
			ID:        id,
			Recipient: recipient,
			Sender:    st,
			Type:      uint8(typ),
			Content:   content,
			CreatedAt: createdAt,
		})
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING carries no ordering guarantee.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
