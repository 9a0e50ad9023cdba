// internal/repository/postgres/plan_repo.go
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

type PlanRepository struct {
	db *pgxpool.Pool
}

func NewPlanRepository(db *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{db: db}
}

// FindPlan retrieves a plan by ID. Plans are administrator-owned and
// read-only to the billing engine.
func (r *PlanRepository) FindPlan(ctx context.Context, id string) (*billing.Plan, error) {
	query := `
		SELECT id, name, price_monthly, price_annual, currency, created_at
		FROM plans
		WHERE id = $1
	`

	var plan billing.Plan
	err := r.db.QueryRow(ctx, query, id).Scan(
		&plan.ID, &plan.Name, &plan.PriceMonthly, &plan.PriceAnnual, &plan.Currency, &plan.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find plan: %w", err)
	}

	return &plan, nil
}
