// internal/repository/postgres/subscription_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"billing-service/internal/domain/billing"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const subscriptionColumns = `
	id, user_id, plan_id, billing_period, status, is_active,
	cancel_at_period_end, cancelled_at, cancellation_reason,
	current_period_start, current_period_end,
	external_subscription_id, pending_adjustment,
	version, metadata, created_at, updated_at`

type SubscriptionRepository struct {
	db *pgxpool.Pool
}

func NewSubscriptionRepository(db *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// CreateSubscription inserts a new subscription record.
func (r *SubscriptionRepository) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, user_id, plan_id, billing_period, status, is_active,
			cancel_at_period_end, cancelled_at, cancellation_reason,
			current_period_start, current_period_end,
			external_subscription_id, pending_adjustment,
			version, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`

	if sub.Version == 0 {
		sub.Version = 1
	}

	metadataJSON, err := marshalMetadata(sub.Metadata)
	if err != nil {
		return err
	}

	err = r.db.QueryRow(
		ctx, query,
		sub.ID, sub.UserID, sub.PlanID, sub.BillingPeriod, sub.Status, sub.IsActive,
		sub.CancelAtPeriodEnd, sub.CancelledAt, nullableString(sub.CancellationReason),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		nullableString(sub.ExternalSubscriptionID), sub.PendingAdjustment,
		sub.Version, metadataJSON,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return xerrors.ErrConflict
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	return nil
}

// GetSubscription retrieves a subscription by ID.
func (r *SubscriptionRepository) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// GetActiveSubscriptionForUser retrieves the active subscription for a user.
func (r *SubscriptionRepository) GetActiveSubscriptionForUser(ctx context.Context, userID string) (*billing.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND status = 'active'
		ORDER BY current_period_end DESC
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRow(ctx, query, userID))
}

// FindByExternalID retrieves a subscription by its gateway-side id.
func (r *SubscriptionRepository) FindByExternalID(ctx context.Context, externalID string) (*billing.Subscription, error) {
	if externalID == "" {
		return nil, xerrors.ErrSubscriptionNotFound
	}
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE external_subscription_id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, externalID))
}

// CompareAndSwapSubscription writes sub only if the stored version still
// matches expectedVersion. The version bump and the field update are a single
// statement, so a concurrent writer can never be silently overwritten.
func (r *SubscriptionRepository) CompareAndSwapSubscription(ctx context.Context, id string, expectedVersion int64, sub *billing.Subscription) error {
	query := `
		UPDATE subscriptions SET
			plan_id = $3, billing_period = $4, status = $5, is_active = $6,
			cancel_at_period_end = $7, cancelled_at = $8, cancellation_reason = $9,
			current_period_start = $10, current_period_end = $11,
			external_subscription_id = $12, pending_adjustment = $13,
			metadata = $14,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`

	metadataJSON, err := marshalMetadata(sub.Metadata)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(
		ctx, query,
		id, expectedVersion,
		sub.PlanID, sub.BillingPeriod, sub.Status, sub.IsActive,
		sub.CancelAtPeriodEnd, sub.CancelledAt, nullableString(sub.CancellationReason),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		nullableString(sub.ExternalSubscriptionID), sub.PendingAdjustment,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Either the record is gone or another writer bumped the version.
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM subscriptions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check subscription existence: %w", err)
		}
		if !exists {
			return xerrors.ErrSubscriptionNotFound
		}
		return xerrors.ErrVersionConflict
	}

	sub.Version = expectedVersion + 1
	return nil
}

// ListDueSubscriptions returns active subscriptions whose period elapsed.
func (r *SubscriptionRepository) ListDueSubscriptions(ctx context.Context, asOf time.Time, limit int) ([]billing.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = 'active' AND current_period_end <= $1
		ORDER BY current_period_end ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (r *SubscriptionRepository) scanOne(row pgx.Row) (*billing.Subscription, error) {
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var sub billing.Subscription
	var cancellationReason, externalID *string
	var metadataJSON []byte

	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.BillingPeriod, &sub.Status, &sub.IsActive,
		&sub.CancelAtPeriodEnd, &sub.CancelledAt, &cancellationReason,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&externalID, &sub.PendingAdjustment,
		&sub.Version, &metadataJSON, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if cancellationReason != nil {
		sub.CancellationReason = *cancellationReason
	}
	if externalID != nil {
		sub.ExternalSubscriptionID = *externalID
	}
	if len(metadataJSON) > 0 {
		json.Unmarshal(metadataJSON, &sub.Metadata)
	}

	return &sub, nil
}

func marshalMetadata(metadata map[string]interface{}) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
