// internal/repository/postgres/transaction_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"billing-service/internal/domain/billing"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TransactionRepository struct {
	db *pgxpool.Pool
}

func NewTransactionRepository(db *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// CreateIfAbsent inserts the transaction unless a row with the same gateway
// event id already exists. The ON CONFLICT DO NOTHING insert makes this
// atomic: among concurrent duplicate deliveries exactly one caller sees
// created=true, everyone else gets the stored row back.
func (r *TransactionRepository) CreateIfAbsent(ctx context.Context, txn *billing.Transaction) (bool, *billing.Transaction, error) {
	query := `
		INSERT INTO transactions (
			id, subscription_id, user_id, amount, currency, status, gateway_event_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (gateway_event_id) DO NOTHING
		RETURNING created_at
	`

	err := r.db.QueryRow(
		ctx, query,
		txn.ID, nullableString(txn.SubscriptionID), txn.UserID,
		txn.Amount, txn.Currency, txn.Status, txn.GatewayEventID,
	).Scan(&txn.CreatedAt)

	if err == nil {
		return true, txn, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	// Conflict path: a transaction for this gateway event already exists.
	existing, err := r.findByGatewayEventID(ctx, txn.GatewayEventID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// LatestForSubscription returns the most recent ledger row for a subscription.
func (r *TransactionRepository) LatestForSubscription(ctx context.Context, subscriptionID string) (*billing.Transaction, error) {
	query := `
		SELECT id, subscription_id, user_id, amount, currency, status, gateway_event_id, created_at
		FROM transactions
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRow(ctx, query, subscriptionID))
}

func (r *TransactionRepository) findByGatewayEventID(ctx context.Context, gatewayEventID string) (*billing.Transaction, error) {
	query := `
		SELECT id, subscription_id, user_id, amount, currency, status, gateway_event_id, created_at
		FROM transactions
		WHERE gateway_event_id = $1
	`
	return r.scanOne(r.db.QueryRow(ctx, query, gatewayEventID))
}

func (r *TransactionRepository) scanOne(row pgx.Row) (*billing.Transaction, error) {
	var txn billing.Transaction
	var subscriptionID *string

	err := row.Scan(
		&txn.ID, &subscriptionID, &txn.UserID,
		&txn.Amount, &txn.Currency, &txn.Status, &txn.GatewayEventID, &txn.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}

	if subscriptionID != nil {
		txn.SubscriptionID = *subscriptionID
	}
	return &txn, nil
}
