// Package limiter throttles registration attempts per remote address.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter tracks failed registrations per hashed remote IP and blocks an
// address for a while once it fails too often within the window.
type Limiter interface {
	// Allow reports whether ipHash may register now, and the remaining block otherwise.
	Allow(ctx context.Context, ipHash []byte) (bool, time.Duration, error)
	// Success resets the counters of ipHash.
	Success(ctx context.Context, ipHash []byte) error
	// Failure records a failed attempt and reports whether ipHash is now blocked.
	Failure(ctx context.Context, ipHash []byte) (bool, time.Duration, error)
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

// Nop never blocks.
type Nop struct{}

// Allow always allows.
func (Nop) Allow(context.Context, []byte) (bool, time.Duration, error) { return true, 0, nil }

// Success is a no-op.
func (Nop) Success(context.Context, []byte) error { return nil }

// Failure is a no-op.
func (Nop) Failure(context.Context, []byte) (bool, time.Duration, error) { return false, 0, nil }
