package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/and161185/postbox/internal/errs"
	"github.com/and161185/postbox/internal/limiter"
	"github.com/and161185/postbox/internal/model"
	"github.com/and161185/postbox/internal/repository"
	"github.com/and161185/postbox/internal/repository/memory"
)

// fakeDir wraps the in-memory store so individual calls can fail.
type fakeDir struct {
	*memory.Store

	getNameErr error
	createErrs []error // consumed one per Create call
	getTokErr  map[model.Token]error

	mu      sync.Mutex
	touched []model.Token
}

var _ repository.Directory = (*fakeDir)(nil)

func newFakeDir() *fakeDir { return &fakeDir{Store: memory.New(), getTokErr: map[model.Token]error{}} }

func (f *fakeDir) Create(ctx context.Context, id *model.Identity) error {
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return err
		}
	}
	return f.Store.Create(ctx, id)
}

func (f *fakeDir) GetByUsername(ctx context.Context, name string) (*model.Identity, error) {
	if f.getNameErr != nil {
		return nil, f.getNameErr
	}
	return f.Store.GetByUsername(ctx, name)
}

func (f *fakeDir) GetByToken(ctx context.Context, t model.Token) (*model.Identity, error) {
	if err := f.getTokErr[t]; err != nil {
		return nil, err
	}
	return f.Store.GetByToken(ctx, t)
}

func (f *fakeDir) TouchLastSeen(ctx context.Context, t model.Token) error {
	f.mu.Lock()
	f.touched = append(f.touched, t)
	f.mu.Unlock()
	return f.Store.TouchLastSeen(ctx, t)
}

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	allowCalls   int
	failureCalls int
	successCalls int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(context.Context, []byte) (bool, time.Duration, error) {
	l.allowCalls++
	return l.allowOK, 0, l.allowErr
}
func (l *fakeLimiter) Success(context.Context, []byte) error {
	l.successCalls++
	return nil
}
func (l *fakeLimiter) Failure(context.Context, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, 0, l.failErr
}

func newSvc(dir *fakeDir, lim limiter.Limiter) *RelayServiceImpl {
	return NewRelayService(dir, dir.Store, lim)
}

func mustRegister(t *testing.T, s *RelayServiceImpl, name, key string) model.Token {
	t.Helper()
	tok, err := s.Register(context.Background(), "127.0.0.1", name, key)
	if err != nil {
		t.Fatalf("Register %q: %v", name, err)
	}
	return tok
}

func TestRegister_Basics(t *testing.T) {
	t.Parallel()
	dir := newFakeDir()
	lim := &fakeLimiter{allowOK: true}
	s := newSvc(dir, lim)
	ctx := context.Background()

	tok := mustRegister(t, s, "alice", "key-a")
	if tok.IsZero() {
		t.Fatalf("zero token issued")
	}
	got, err := dir.GetByToken(ctx, tok)
	if err != nil || got.Username != "alice" || got.PublicKey != "key-a" {
		t.Fatalf("stored identity: %+v err=%v", got, err)
	}
	if lim.successCalls != 1 {
		t.Fatalf("Success calls = %d", lim.successCalls)
	}

	if _, err := s.Register(ctx, "127.0.0.1", "alice", "other"); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
	got, _ = dir.GetByToken(ctx, tok)
	if got.PublicKey != "key-a" {
		t.Fatalf("duplicate registration must not update, key=%q", got.PublicKey)
	}

	if _, err := s.Register(ctx, "127.0.0.1", "", "k"); !errors.Is(err, errs.ErrMalformed) {
		t.Fatalf("want ErrMalformed on empty name, got %v", err)
	}
	if lim.failureCalls != 2 {
		t.Fatalf("Failure calls = %d, want 2", lim.failureCalls)
	}
}

func TestRegister_RaceOnStoreConstraint(t *testing.T) {
	t.Parallel()
	dir := newFakeDir()
	dir.createErrs = []error{errs.ErrAlreadyExists}
	s := newSvc(dir, nil)

	if _, err := s.Register(context.Background(), "ip", "bob", ""); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists from store, got %v", err)
	}
}

func TestRegister_TokenCollisionRetries(t *testing.T) {
	t.Parallel()
	dir := newFakeDir()
	dir.createErrs = []error{errs.ErrTokenCollision, errs.ErrTokenCollision}
	s := newSvc(dir, nil)
	calls := 0
	s.newToken = func() (model.Token, error) {
		calls++
		return model.NewToken()
	}

	if _, err := s.Register(context.Background(), "ip", "carol", ""); err != nil {
		t.Fatalf("Register after collisions: %v", err)
	}
	if calls != 3 {
		t.Fatalf("token generated %d times, want 3", calls)
	}

	dir.createErrs = []error{errs.ErrTokenCollision, errs.ErrTokenCollision, errs.ErrTokenCollision}
	if _, err := s.Register(context.Background(), "ip", "dave", ""); !errors.Is(err, errs.ErrTokenCollision) {
		t.Fatalf("want ErrTokenCollision after %d attempts, got %v", maxTokenAttempts, err)
	}
}

func TestRegister_Limiter(t *testing.T) {
	t.Parallel()
	dir := newFakeDir()
	lim := &fakeLimiter{allowOK: true}
	s := newSvc(dir, lim)
	ctx := context.Background()

	lim.allowErr = errors.New("lim-err")
	if _, err := s.Register(ctx, "ip", "alice", ""); err == nil {
		t.Fatalf("want limiter error propagated")
	}
	lim.allowErr = nil

	lim.allowOK = false
	if _, err := s.Register(ctx, "ip", "alice", ""); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
	lim.allowOK = true

	mustRegister(t, s, "alice", "")
	lim.failBlocked = true
	_, err := s.Register(ctx, "ip", "alice", "")
	if !errors.Is(err, errs.ErrRateLimited) || !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("want rate-limited duplicate, got %v", err)
	}

	dir.getNameErr = errors.New("db down")
	lim.failureCalls = 0
	if _, err := s.Register(ctx, "ip", "zed", ""); err == nil || errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("want storage error, got %v", err)
	}
	if lim.failureCalls != 0 {
		t.Fatalf("storage faults must not count as failures")
	}
}

func TestListPeers_OrderAndExclusion(t *testing.T) {
	t.Parallel()
	dir := newFakeDir()
	s := newSvc(dir, nil)

	mustRegister(t, s, "carol", "")
	mustRegister(t, s, "alice", "")
	bob := mustRegister(t, s, "bob", "")

	peers, err := s.ListPeers(context.Background(), bob)
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}
	if len(peers) != 2 || peers[0].Username != "alice" || peers[1].Username != "carol" {
		t.Fatalf("peers = %+v", peers)
	}

	var unknown model.Token
	unknown[0] = 1
	all, err := s.ListPeers(context.Background(), unknown)
	if err != nil || len(all) != 3 {
		t.Fatalf("unregistered requester: %d peers err=%v", len(all), err)
	}
}

func TestPublicKey(t *testing.T) {
	t.Parallel()
	dir := newFakeDir()
	s := newSvc(dir, nil)
	a := mustRegister(t, s, "alice", "key-a")
	b := mustRegister(t, s, "bob", "")

	id, err := s.PublicKey(context.Background(), b, a)
	if err != nil || id.PublicKey != "key-a" || id.Token != a {
		t.Fatalf("PublicKey: %+v err=%v", id, err)
	}
	if len(dir.touched) == 0 || dir.touched[len(dir.touched)-1] != b {
		t.Fatalf("requester last-seen not refreshed")
	}

	var unknown model.Token
	unknown[15] = 9
	if _, err := s.PublicKey(context.Background(), b, unknown); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSendAndPull(t *testing.T) {
	t.Parallel()
	dir := newFakeDir()
	s := newSvc(dir, nil)
	ctx := context.Background()
	a := mustRegister(t, s, "alice", "")
	r := mustRegister(t, s, "rcpt", "")

	var ids []int64
	for _, body := range []string{"one", "two", "three"} {
		id, err := s.Send(ctx, a, r, model.MsgTypeText, []byte(body))
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		ids = append(ids, id)
	}
	if !(ids[0] < ids[1] && ids[1] < ids[2]) {
		t.Fatalf("ids not increasing: %v", ids)
	}

	msgs, err := s.Pull(ctx, r)
	if err != nil || len(msgs) != 3 {
		t.Fatalf("Pull: %d msgs err=%v", len(msgs), err)
	}
	for i, m := range msgs {
		if m.ID != ids[i] || m.Sender != a {
			t.Fatalf("msg %d = %+v", i, m)
		}
	}
	if string(msgs[2].Content) != "three" {
		t.Fatalf("content = %q", msgs[2].Content)
	}

	msgs, err = s.Pull(ctx, r)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("second Pull: %d msgs err=%v", len(msgs), err)
	}
}

func TestSend_UnknownEnds(t *testing.T) {
	t.Parallel()
	dir := newFakeDir()
	s := newSvc(dir, nil)
	ctx := context.Background()
	a := mustRegister(t, s, "alice", "")
	var ghost model.Token
	ghost[3] = 3

	if _, err := s.Send(ctx, ghost, a, 1, nil); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown sender: %v", err)
	}
	if _, err := s.Send(ctx, a, ghost, 1, nil); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown recipient: %v", err)
	}
	if n := dir.Pending(ghost); n != 0 {
		t.Fatalf("nothing must be queued, got %d", n)
	}
	if _, err := s.Pull(ctx, ghost); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown puller: %v", err)
	}
}

func TestPull_DropsUnresolvedSenders(t *testing.T) {
	t.Parallel()
	dir := newFakeDir()
	s := newSvc(dir, nil)
	ctx := context.Background()
	a := mustRegister(t, s, "alice", "")
	r := mustRegister(t, s, "rcpt", "")
	var ghost model.Token
	ghost[0] = 0xee

	// queued directly: the sender was never registered
	if _, err := dir.Enqueue(ctx, r, ghost, 3, []byte("lost")); err != nil {
		t.Fatal(err)
	}
	if _, err := dir.Enqueue(ctx, r, model.NilToken, 3, []byte("zero")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Send(ctx, a, r, 3, []byte("kept")); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Pull(ctx, r)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Content) != "kept" {
		t.Fatalf("msgs = %+v", msgs)
	}
	if dir.Pending(r) != 0 {
		t.Fatalf("dropped messages must still be consumed")
	}
}

func TestPull_TransientSenderLookupKeepsMessage(t *testing.T) {
	t.Parallel()
	dir := newFakeDir()
	s := newSvc(dir, nil)
	ctx := context.Background()
	a := mustRegister(t, s, "alice", "")
	r := mustRegister(t, s, "rcpt", "")
	if _, err := s.Send(ctx, a, r, 3, []byte("x")); err != nil {
		t.Fatal(err)
	}

	dir.getTokErr[a] = errors.New("timeout")
	msgs, err := s.Pull(ctx, r)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("want message kept, got %d err=%v", len(msgs), err)
	}
}

func TestPull_ConcurrentExactlyOnce(t *testing.T) {
	t.Parallel()
	dir := newFakeDir()
	s := newSvc(dir, nil)
	ctx := context.Background()
	a := mustRegister(t, s, "alice", "")
	r := mustRegister(t, s, "rcpt", "")

	const n = 200
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int64]int{}
	stop := make(chan struct{})

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msgs, err := s.Pull(ctx, r)
				if err != nil {
					t.Errorf("Pull: %v", err)
					return
				}
				mu.Lock()
				for _, m := range msgs {
					seen[m.ID]++
				}
				mu.Unlock()
				select {
				case <-stop:
					return
				default:
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		if _, err := s.Send(ctx, a, r, 3, []byte{byte(i)}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	close(stop)
	wg.Wait()

	rest, err := s.Pull(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range rest {
		seen[m.ID]++
	}
	if len(seen) != n {
		t.Fatalf("delivered %d distinct messages, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("message %d delivered %d times", id, c)
		}
	}
}
