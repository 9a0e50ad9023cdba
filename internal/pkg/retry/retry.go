// internal/pkg/retry/retry.go
package retry

import (
	"context"
	"time"

	xerrors "billing-service/internal/pkg/errors"
)

// Policy declares the retry behavior of an operation up front: the number of
// retries, the base delay, and whether delays grow exponentially.
type Policy struct {
	MaxRetries         int
	Delay              time.Duration
	ExponentialBackoff bool
}

// DefaultPolicy retries three times with a one second base delay.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, Delay: time.Second, ExponentialBackoff: true}
}

// Do runs op at most policy.MaxRetries+1 times, sleeping between attempts.
// Permanent errors (validation-class, see xerrors.IsPermanent) are returned
// immediately without consuming a retry. The last error is returned when the
// budget is exhausted. Context cancellation interrupts the delay.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.delayFor(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if xerrors.IsPermanent(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// delayFor returns the wait before the attempt-th retry (zero based).
func (p Policy) delayFor(attempt int) time.Duration {
	if !p.ExponentialBackoff {
		return p.Delay
	}
	return p.Delay * time.Duration(1<<uint(attempt))
}
