// internal/domain/billing/repository.go
package billing

import (
	"context"
	"fmt"
	"time"

	xerrors "billing-service/internal/pkg/errors"
)

// SubscriptionStore is the atomic persistence contract for subscriptions.
// All mutation goes through CompareAndSwapSubscription; no caller may
// read-then-write without it.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetActiveSubscriptionForUser(ctx context.Context, userID string) (*Subscription, error)
	FindByExternalID(ctx context.Context, externalSubscriptionID string) (*Subscription, error)
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// CompareAndSwapSubscription persists sub only if the stored version still
	// equals expectedVersion, bumping the version on success. It fails with
	// xerrors.ErrVersionConflict when a concurrent writer got there first and
	// xerrors.ErrSubscriptionNotFound when the record is missing.
	CompareAndSwapSubscription(ctx context.Context, id string, expectedVersion int64, sub *Subscription) error

	// ListDueSubscriptions returns active subscriptions whose current period
	// has elapsed as of asOf, oldest first.
	ListDueSubscriptions(ctx context.Context, asOf time.Time, limit int) ([]Subscription, error)
}

// TransactionStore is the append-only charge ledger. CreateIfAbsent is the
// idempotency primitive of the whole engine: among concurrent callers with the
// same gateway event id, exactly one observes created=true; the rest receive
// the already-stored row.
type TransactionStore interface {
	CreateIfAbsent(ctx context.Context, txn *Transaction) (created bool, existing *Transaction, err error)
	LatestForSubscription(ctx context.Context, subscriptionID string) (*Transaction, error)
}

// PlanStore is the read-only plan catalog.
type PlanStore interface {
	FindPlan(ctx context.Context, id string) (*Plan, error)
}

// UserStore is the user lookup collaborator.
type UserStore interface {
	FindUser(ctx context.Context, id string) (*User, error)
}

// UpdateWithCAS reads the subscription, applies mutate, and writes it back
// with a compare-and-swap, retrying the whole cycle on version conflicts.
// A mutation that loses every race fails with ErrTransient so callers can
// surface a retryable outcome instead of overwriting a concurrent update.
func UpdateWithCAS(ctx context.Context, store SubscriptionStore, id string, attempts int, mutate func(*Subscription) error) (*Subscription, error) {
	for i := 0; i < attempts; i++ {
		sub, err := store.GetSubscription(ctx, id)
		if err != nil {
			return nil, err
		}

		expected := sub.Version
		if err := mutate(sub); err != nil {
			return nil, err
		}
		sub.SyncDerived()
		sub.UpdatedAt = time.Now().UTC()

		err = store.CompareAndSwapSubscription(ctx, id, expected, sub)
		if err == nil {
			return sub, nil
		}
		if !xerrors.Is(err, xerrors.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("subscription %s: lost %d compare-and-swap races: %w", id, attempts, xerrors.ErrTransient)
}
