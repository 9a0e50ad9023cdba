// internal/domain/billing/entity.go
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "monthly"
	PeriodAnnual  BillingPeriod = "annual"
)

// Valid reports whether p is a recognized billing period.
func (p BillingPeriod) Valid() bool {
	return p == PeriodMonthly || p == PeriodAnnual
}

// Advance returns the period boundary one billing period after from.
func (p BillingPeriod) Advance(from time.Time) time.Time {
	if p == PeriodAnnual {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

type SubscriptionStatus string

const (
	StatusPending   SubscriptionStatus = "pending"
	StatusActive    SubscriptionStatus = "active"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
)

type TransactionStatus string

const (
	TransactionSuccessful TransactionStatus = "successful"
	TransactionFailed     TransactionStatus = "failed"
)

// Plan is an immutable catalog entry, created by administrators and read-only
// to the billing engine.
type Plan struct {
	ID           string          `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	PriceMonthly decimal.Decimal `json:"price_monthly" db:"price_monthly"`
	PriceAnnual  decimal.Decimal `json:"price_annual" db:"price_annual"`
	Currency     string          `json:"currency" db:"currency"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// PriceFor returns the plan price for the given billing period.
func (p *Plan) PriceFor(period BillingPeriod) decimal.Decimal {
	if period == PeriodAnnual {
		return p.PriceAnnual
	}
	return p.PriceMonthly
}

// User is the minimal projection of the user service this engine needs.
type User struct {
	ID    string `json:"id" db:"id"`
	Email string `json:"email" db:"email"`
}

// Subscription is the billing relationship for one user. It is mutated only
// through compare-and-swap writes and never deleted, only status-transitioned.
type Subscription struct {
	ID                     string             `json:"id" db:"id"`
	UserID                 string             `json:"user_id" db:"user_id"`
	PlanID                 string             `json:"plan_id" db:"plan_id"`
	BillingPeriod          BillingPeriod      `json:"billing_period" db:"billing_period"`
	Status                 SubscriptionStatus `json:"status" db:"status"`
	IsActive               bool               `json:"is_active" db:"is_active"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	CancelledAt            *time.Time         `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancellationReason     string             `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	CurrentPeriodStart     time.Time          `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end" db:"current_period_end"`
	ExternalSubscriptionID string             `json:"external_subscription_id,omitempty" db:"external_subscription_id"`
	PendingAdjustment      decimal.Decimal    `json:"pending_adjustment" db:"pending_adjustment"`

	// Version guards every write; see SubscriptionStore.CompareAndSwapSubscription.
	Version int64 `json:"version" db:"version"`

	Metadata  map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt time.Time              `json:"updated_at" db:"updated_at"`
}

// SyncDerived re-establishes the derived-field invariants after a mutation:
// is_active mirrors status, and cancel_at_period_end is only meaningful while
// still active.
func (s *Subscription) SyncDerived() {
	s.IsActive = s.Status == StatusActive
	if s.Status != StatusActive {
		s.CancelAtPeriodEnd = false
	}
}

// Transaction is one ledger row per attempted charge, keyed by the gateway
// event id. Rows are append-only and never updated after creation.
type Transaction struct {
	ID             string            `json:"id" db:"id"`
	SubscriptionID string            `json:"subscription_id,omitempty" db:"subscription_id"`
	UserID         string            `json:"user_id" db:"user_id"`
	Amount         decimal.Decimal   `json:"amount" db:"amount"`
	Currency       string            `json:"currency" db:"currency"`
	Status         TransactionStatus `json:"status" db:"status"`
	GatewayEventID string            `json:"gateway_event_id" db:"gateway_event_id"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}
