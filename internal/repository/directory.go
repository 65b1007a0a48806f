// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/postbox/internal/model"
)

// Directory provides access to registered client identities.
type Directory interface {
	// Create inserts a new identity. It fails with errs.ErrAlreadyExists when
	// the username is taken and errs.ErrTokenCollision when the token is.
	// The uniqueness check and insert are one atomic step.
	Create(ctx context.Context, id *model.Identity) error
	// GetByToken loads an identity by token.
	GetByToken(ctx context.Context, t model.Token) (*model.Identity, error)
	// GetByUsername loads an identity by exact username.
	GetByUsername(ctx context.Context, username string) (*model.Identity, error)
	// ListExcluding returns every identity except t, ordered by username (byte-wise).
	ListExcluding(ctx context.Context, t model.Token) ([]model.Identity, error)
	// TouchLastSeen refreshes the last-seen timestamp of t.
	TouchLastSeen(ctx context.Context, t model.Token) error
}
