// Package service contains the relay's business rules: registration, the
// directory, and mailbox delivery. Transport and storage stay behind interfaces.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/postbox/internal/errs"
	"github.com/and161185/postbox/internal/limiter"
	"github.com/and161185/postbox/internal/model"
	"github.com/and161185/postbox/internal/repository"
)

// maxTokenAttempts bounds token regeneration on a collision.
const maxTokenAttempts = 3

// RelayService defines the operations behind the five request codes.
type RelayService interface {
	// Register creates a new identity and returns its token.
	Register(ctx context.Context, remoteIP, username, publicKey string) (model.Token, error)
	// ListPeers returns every identity except requester, ordered by username.
	ListPeers(ctx context.Context, requester model.Token) ([]model.Identity, error)
	// PublicKey resolves target to its identity.
	PublicKey(ctx context.Context, requester, target model.Token) (*model.Identity, error)
	// Send queues content for recipient and returns the message id.
	Send(ctx context.Context, sender, recipient model.Token, typ uint8, content []byte) (int64, error)
	// Pull drains requester's mailbox. Messages from senders that no longer
	// resolve are consumed but not returned.
	Pull(ctx context.Context, requester model.Token) ([]model.PendingMessage, error)
}

type RelayServiceImpl struct {
	dir      repository.Directory
	box      repository.Mailbox
	lim      limiter.Limiter
	newToken func() (model.Token, error)
}

// NewRelayService constructs RelayService. A nil limiter disables throttling.
func NewRelayService(dir repository.Directory, box repository.Mailbox, lim limiter.Limiter) *RelayServiceImpl {
	if lim == nil {
		lim = limiter.Nop{}
	}
	return &RelayServiceImpl{dir: dir, box: box, lim: lim, newToken: model.NewToken}
}

// Register validates the name, applies per-IP throttling and inserts the
// identity. The lookup before insert only short-circuits the common case; the
// store's uniqueness constraint decides concurrent races.
func (s *RelayServiceImpl) Register(ctx context.Context, remoteIP, username, publicKey string) (model.Token, error) {
	ipHash := limiter.HashIP(remoteIP)

	allowed, _, err := s.lim.Allow(ctx, ipHash)
	if err != nil {
		return model.NilToken, err
	}
	if !allowed {
		return model.NilToken, errs.ErrRateLimited
	}

	tok, err := s.register(ctx, username, publicKey)
	switch {
	case err == nil:
		_ = s.lim.Success(ctx, ipHash)
		return tok, nil
	case errors.Is(err, errs.ErrAlreadyExists), errors.Is(err, errs.ErrMalformed):
		if blocked, _, ferr := s.lim.Failure(ctx, ipHash); ferr == nil && blocked {
			return model.NilToken, fmt.Errorf("%w: %w", errs.ErrRateLimited, err)
		}
	}
	return model.NilToken, err
}

func (s *RelayServiceImpl) register(ctx context.Context, username, publicKey string) (model.Token, error) {
	if username == "" {
		return model.NilToken, fmt.Errorf("empty username: %w", errs.ErrMalformed)
	}
	if _, err := s.dir.GetByUsername(ctx, username); err == nil {
		return model.NilToken, errs.ErrAlreadyExists
	} else if !errors.Is(err, errs.ErrNotFound) {
		return model.NilToken, err
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		tok, err := s.newToken()
		if err != nil {
			return model.NilToken, err
		}
		err = s.dir.Create(ctx, &model.Identity{Token: tok, Username: username, PublicKey: publicKey})
		if errors.Is(err, errs.ErrTokenCollision) {
			continue
		}
		if err != nil {
			return model.NilToken, err
		}
		return tok, nil
	}
	return model.NilToken, errs.ErrTokenCollision
}

// ListPeers does not require the requester to be registered.
func (s *RelayServiceImpl) ListPeers(ctx context.Context, requester model.Token) ([]model.Identity, error) {
	s.touch(ctx, requester)
	return s.dir.ListExcluding(ctx, requester)
}

// PublicKey only checks the target.
func (s *RelayServiceImpl) PublicKey(ctx context.Context, requester, target model.Token) (*model.Identity, error) {
	s.touch(ctx, requester)
	return s.dir.GetByToken(ctx, target)
}

// Send requires both ends to be registered.
func (s *RelayServiceImpl) Send(ctx context.Context, sender, recipient model.Token, typ uint8, content []byte) (int64, error) {
	if _, err := s.dir.GetByToken(ctx, sender); err != nil {
		return 0, fmt.Errorf("sender %s: %w", sender.Short(), err)
	}
	if _, err := s.dir.GetByToken(ctx, recipient); err != nil {
		return 0, fmt.Errorf("recipient %s: %w", recipient.Short(), err)
	}
	s.touch(ctx, sender)
	return s.box.Enqueue(ctx, recipient, sender, typ, content)
}

// Pull drains the mailbox. A lookup failure other than not-found keeps the
// message, since it is already gone from the store.
func (s *RelayServiceImpl) Pull(ctx context.Context, requester model.Token) ([]model.PendingMessage, error) {
	if _, err := s.dir.GetByToken(ctx, requester); err != nil {
		return nil, fmt.Errorf("requester %s: %w", requester.Short(), err)
	}
	s.touch(ctx, requester)

	msgs, err := s.box.DequeueAll(ctx, requester)
	if err != nil {
		return nil, err
	}

	known := map[model.Token]bool{}
	out := msgs[:0]
	for _, m := range msgs {
		ok, seen := known[m.Sender]
		if !seen {
			ok = !m.Sender.IsZero()
			if ok {
				_, lerr := s.dir.GetByToken(ctx, m.Sender)
				ok = !errors.Is(lerr, errs.ErrNotFound)
			}
			known[m.Sender] = ok
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// touch refreshes last-seen; unknown tokens and store errors are ignored.
func (s *RelayServiceImpl) touch(ctx context.Context, t model.Token) {
	if t.IsZero() {
		return
	}
	_ = s.dir.TouchLastSeen(ctx, t)
}
