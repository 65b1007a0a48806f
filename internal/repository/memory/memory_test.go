package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/and161185/postbox/internal/errs"
	"github.com/and161185/postbox/internal/model"
	"github.com/and161185/postbox/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ repository.Directory = (*Store)(nil)
	_ repository.Mailbox   = (*Store)(nil)
)

func mustToken(t *testing.T) model.Token {
	t.Helper()
	tk, err := model.NewToken()
	require.NoError(t, err)
	return tk
}

func TestStore_CreateAndLookups(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	tk := mustToken(t)

	require.NoError(t, s.Create(ctx, &model.Identity{Token: tk, Username: "alice", PublicKey: "k"}))

	got, err := s.GetByToken(ctx, tk)
	require.NoError(t, err)
	require.Equal(t, "alice", got.Username)
	require.False(t, got.LastSeen.IsZero())

	got, err = s.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, tk, got.Token)

	_, err = s.GetByUsername(ctx, "Alice")
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = s.GetByToken(ctx, mustToken(t))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_CreateConflicts(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	tk := mustToken(t)

	require.NoError(t, s.Create(ctx, &model.Identity{Token: tk, Username: "alice"}))
	require.ErrorIs(t, s.Create(ctx, &model.Identity{Token: mustToken(t), Username: "alice"}), errs.ErrAlreadyExists)
	require.ErrorIs(t, s.Create(ctx, &model.Identity{Token: tk, Username: "bob"}), errs.ErrTokenCollision)

	_, err := s.GetByUsername(ctx, "bob")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_CreateRace_SingleWinner(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	var ok, conflict atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, _ := model.NewToken()
			err := s.Create(ctx, &model.Identity{Token: tk, Username: "same"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, errs.ErrAlreadyExists):
				conflict.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), ok.Load())
	require.Equal(t, int32(31), conflict.Load())
}

func TestStore_ListExcluding_SortedByUsername(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tokens := map[string]model.Token{}
	for _, name := range []string{"carol", "alice", "bob"} {
		tk := mustToken(t)
		tokens[name] = tk
		require.NoError(t, s.Create(ctx, &model.Identity{Token: tk, Username: name}))
	}

	list, err := s.ListExcluding(ctx, tokens["bob"])
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "alice", list[0].Username)
	require.Equal(t, "carol", list[1].Username)
}

func TestStore_TouchLastSeen(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	tk := mustToken(t)
	require.NoError(t, s.Create(ctx, &model.Identity{Token: tk, Username: "a"}))

	before, _ := s.GetByToken(ctx, tk)
	require.NoError(t, s.TouchLastSeen(ctx, tk))
	after, _ := s.GetByToken(ctx, tk)
	require.False(t, after.LastSeen.Before(before.LastSeen))

	require.ErrorIs(t, s.TouchLastSeen(ctx, mustToken(t)), errs.ErrNotFound)
}

func TestStore_EnqueueDequeue_OrderAndDrain(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	r, snd := mustToken(t), mustToken(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.Enqueue(ctx, r, snd, 3, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Less(t, ids[0], ids[1])
	require.Less(t, ids[1], ids[2])

	msgs, err := s.DequeueAll(ctx, r)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		require.Equal(t, ids[i], m.ID)
		require.Equal(t, snd, m.Sender)
		require.Equal(t, fmt.Sprintf("m%d", i), string(m.Content))
	}

	msgs, err = s.DequeueAll(ctx, r)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestStore_Enqueue_CopiesContent(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	r := mustToken(t)

	buf := []byte("abc")
	_, err := s.Enqueue(ctx, r, r, 1, buf)
	require.NoError(t, err)
	buf[0] = 'z'

	msgs, _ := s.DequeueAll(ctx, r)
	require.Equal(t, "abc", string(msgs[0].Content))
}

// Concurrent senders and pullers: every message is delivered exactly once.
func TestStore_ConcurrentPulls_ExactlyOnce(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	r, snd := mustToken(t), mustToken(t)

	const senders, perSender, pullers = 8, 200, 4
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		seen     = map[int64]int{}
		sendDone = make(chan struct{})
	)

	record := func(msgs []model.PendingMessage) {
		mu.Lock()
		defer mu.Unlock()
		for i, m := range msgs {
			seen[m.ID]++
			if i > 0 {
				assert.Less(t, msgs[i-1].ID, m.ID)
			}
		}
	}

	for p := 0; p < pullers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-sendDone:
					return
				default:
				}
				msgs, err := s.DequeueAll(ctx, r)
				if err == nil {
					record(msgs)
				}
			}
		}()
	}

	var sendWG sync.WaitGroup
	for i := 0; i < senders; i++ {
		sendWG.Add(1)
		go func() {
			defer sendWG.Done()
			for j := 0; j < perSender; j++ {
				_, _ = s.Enqueue(ctx, r, snd, 3, []byte("x"))
			}
		}()
	}
	sendWG.Wait()
	close(sendDone)
	wg.Wait()

	rest, err := s.DequeueAll(ctx, r)
	require.NoError(t, err)
	record(rest)

	require.Len(t, seen, senders*perSender)
	for id, n := range seen {
		require.Equal(t, 1, n, "message %d delivered %d times", id, n)
	}
}
