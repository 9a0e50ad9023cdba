// internal/pkg/lock/lock.go
package lock

import (
	"context"
	"time"
)

// Locker is a best-effort distributed lock. It keeps overlapping scheduler
// sweeps from double-driving renewals; correctness never depends on it, since
// every record mutation is still compare-and-swap guarded.
type Locker interface {
	// Acquire returns true when the lock was taken. A false return means
	// another holder owns it; the caller should skip its pass.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}
