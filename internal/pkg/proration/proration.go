// internal/pkg/proration/proration.go
package proration

import (
	"time"

	xerrors "billing-service/internal/pkg/errors"

	"github.com/shopspring/decimal"
)

// Result is the outcome of a mid-cycle plan change. A positive amount is an
// additional charge owed by the user, a negative amount is a credit.
type Result struct {
	Amount    decimal.Decimal `json:"amount"`
	IsUpgrade bool            `json:"is_upgrade"`
}

// Calculate computes the signed, time-weighted adjustment for switching from
// currentPrice to newPrice at now, inside the period [periodStart, periodEnd).
// It is pure: identical inputs always produce identical results.
func Calculate(currentPrice, newPrice decimal.Decimal, now, periodStart, periodEnd time.Time) (Result, error) {
	totalDays := periodEnd.Sub(periodStart).Hours() / 24
	if totalDays <= 0 {
		return Result{}, xerrors.ErrInvalidPeriod
	}

	remainingDays := periodEnd.Sub(now).Hours() / 24
	if remainingDays < 0 {
		remainingDays = 0
	}
	if remainingDays > totalDays {
		remainingDays = totalDays
	}

	isUpgrade := newPrice.GreaterThan(currentPrice)
	if remainingDays == 0 {
		return Result{Amount: decimal.Zero, IsUpgrade: isUpgrade}, nil
	}

	ratio := decimal.NewFromFloat(remainingDays).Div(decimal.NewFromFloat(totalDays))
	unusedCredit := currentPrice.Mul(ratio)
	newCharge := newPrice.Mul(ratio)

	return Result{
		Amount:    newCharge.Sub(unusedCredit).Round(4),
		IsUpgrade: isUpgrade,
	}, nil
}
