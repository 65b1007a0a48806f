package repository

import (
	"context"

	"github.com/and161185/postbox/internal/model"
)

// Mailbox is the per-recipient store-and-forward queue.
type Mailbox interface {
	// Enqueue appends a message for recipient and returns its id. Ids are
	// strictly increasing across the whole store.
	Enqueue(ctx context.Context, recipient, sender model.Token, typ uint8, content []byte) (int64, error)
	// DequeueAll atomically returns and removes every pending message for
	// recipient, ordered by ascending id. Two calls never observe the same message.
	DequeueAll(ctx context.Context, recipient model.Token) ([]model.PendingMessage, error)
}

// Store bundles the two collaborators a relay needs. Directory and Mailbox
// may be served by different backends.
type Store struct {
	Directory Directory
	Mailbox   Mailbox
}

// Pinger is implemented by backends that hold a connection worth probing.
type Pinger interface {
	Ping(ctx context.Context) error
}
