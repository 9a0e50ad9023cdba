package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	xerrors "billing-service/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 3, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsRetryBudget(t *testing.T) {
	calls := 0
	lastErr := errors.New("still down")
	err := Do(context.Background(), Policy{MaxRetries: 2, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return lastErr
	})
	assert.ErrorIs(t, err, lastErr)
	assert.Equal(t, 3, calls, "maxRetries=2 means exactly 3 total attempts")
}

func TestDoRecoversMidway(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 3, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoPermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 5, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return fmt.Errorf("rejecting request: %w", xerrors.ErrValidation)
	})
	assert.ErrorIs(t, err, xerrors.ErrValidation)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, Policy{MaxRetries: 10, Delay: time.Hour}, func(ctx context.Context) error {
		calls++
		return errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelaySequence(t *testing.T) {
	p := Policy{MaxRetries: 4, Delay: 100 * time.Millisecond, ExponentialBackoff: true}
	assert.Equal(t, 100*time.Millisecond, p.delayFor(0))
	assert.Equal(t, 200*time.Millisecond, p.delayFor(1))
	assert.Equal(t, 400*time.Millisecond, p.delayFor(2))

	flat := Policy{MaxRetries: 4, Delay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, flat.delayFor(2))
}
