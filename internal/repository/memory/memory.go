// Package memory contains in-process implementations of repository interfaces.
// State is lost on restart; it backs tests and single-process dev runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/and161185/postbox/internal/errs"
	"github.com/and161185/postbox/internal/model"
)

// Store implements both repository.Directory and repository.Mailbox.
type Store struct {
	mu         sync.Mutex
	byToken    map[model.Token]*model.Identity
	byUsername map[string]model.Token
	boxes      map[model.Token][]model.PendingMessage
	lastID     int64
	now        func() time.Time
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		byToken:    map[model.Token]*model.Identity{},
		byUsername: map[string]model.Token{},
		boxes:      map[model.Token][]model.PendingMessage{},
		now:        time.Now,
	}
}

// Create inserts a new identity; username and token uniqueness are checked under the lock.
func (s *Store) Create(_ context.Context, id *model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byUsername[id.Username]; taken {
		return errs.ErrAlreadyExists
	}
	if _, taken := s.byToken[id.Token]; taken {
		return errs.ErrTokenCollision
	}
	cpy := *id
	if cpy.LastSeen.IsZero() {
		cpy.LastSeen = s.now()
	}
	s.byToken[cpy.Token] = &cpy
	s.byUsername[cpy.Username] = cpy.Token
	return nil
}

// GetByToken returns a copy of the identity.
func (s *Store) GetByToken(_ context.Context, t model.Token) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[t]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *id
	return &c, nil
}

// GetByUsername returns a copy of the identity.
func (s *Store) GetByUsername(_ context.Context, username string) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byUsername[username]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *s.byToken[t]
	return &c, nil
}

// ListExcluding returns all identities but t, sorted by username.
func (s *Store) ListExcluding(_ context.Context, t model.Token) ([]model.Identity, error) {
	s.mu.Lock()
	out := make([]model.Identity, 0, len(s.byToken))
	for tk, id := range s.byToken {
		if tk == t {
			continue
		}
		out = append(out, *id)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// TouchLastSeen updates the identity's last-seen time.
func (s *Store) TouchLastSeen(_ context.Context, t model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[t]
	if !ok {
		return errs.ErrNotFound
	}
	id.LastSeen = s.now()
	return nil
}

// Enqueue appends to the recipient's box with the next global id.
func (s *Store) Enqueue(_ context.Context, recipient, sender model.Token, typ uint8, content []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	s.boxes[recipient] = append(s.boxes[recipient], model.PendingMessage{
		ID:        s.lastID,
		Recipient: recipient,
		Sender:    sender,
		Type:      typ,
		Content:   append([]byte(nil), content...),
		CreatedAt: s.now(),
	})
	return s.lastID, nil
}

// DequeueAll detaches the recipient's box under the lock. Ids are appended in
// increasing order, so the slice is already sorted.
func (s *Store) DequeueAll(_ context.Context, recipient model.Token) ([]model.PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.boxes[recipient]
	delete(s.boxes, recipient)
	return msgs, nil
}

// Pending reports how many messages wait for recipient.
func (s *Store) Pending(recipient model.Token) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.boxes[recipient])
}
