package limiter

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory is an in-process limiter with the same window and lockout rules as PG.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*memEntry
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

// NewMemory constructs an in-process limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{
		entries:  map[string]*memEntry{},
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
	}
}

// NewMemoryOrNop returns a Memory limiter, or Nop when maxFails is not positive.
func NewMemoryOrNop(window time.Duration, maxFails int, blockFor time.Duration) Limiter {
	if maxFails <= 0 {
		return Nop{}
	}
	return NewMemory(window, maxFails, blockFor)
}

// Allow reports whether ipHash is currently unblocked.
func (m *Memory) Allow(_ context.Context, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[string(ipHash)]
	if !ok {
		return true, 0, nil
	}
	if now := m.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success forgets ipHash.
func (m *Memory) Success(_ context.Context, ipHash []byte) error {
	m.mu.Lock()
	delete(m.entries, string(ipHash))
	m.mu.Unlock()
	return nil
}

// Failure counts a failed attempt; the count restarts after a quiet window.
func (m *Memory) Failure(_ context.Context, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.prune(now)
	e, ok := m.entries[string(ipHash)]
	if !ok {
		e = &memEntry{}
		m.entries[string(ipHash)] = e
	}
	if now.Sub(e.updatedAt) > m.window {
		e.fails = 0
	}
	e.fails++
	e.updatedAt = now
	if e.fails >= m.maxFails {
		e.blockedUntil = now.Add(m.blockFor)
		return true, m.blockFor, nil
	}
	return false, 0, nil
}

// prune drops entries whose window and block have both run out. Caller holds mu.
func (m *Memory) prune(now time.Time) {
	for k, e := range m.entries {
		if now.Sub(e.updatedAt) > m.window && !e.blockedUntil.After(now) {
			delete(m.entries, k)
		}
	}
}
