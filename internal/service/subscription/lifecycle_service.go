// internal/service/subscription/lifecycle_service.go
package subscription

import (
	"context"
	"fmt"
	"time"

	"billing-service/internal/domain/billing"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/proration"
	"billing-service/internal/pkg/reference"
	"billing-service/internal/pkg/retry"
	"billing-service/internal/service/gateway"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// casAttempts bounds how often a mutation retries after losing a
// compare-and-swap race before failing transiently.
const casAttempts = 5

// LifecycleService owns every user-driven subscription transition: create,
// cancel (immediate or deferred), and mid-cycle plan or period changes. It
// never moves money itself; proration obligations are recorded on the
// subscription and confirmed by the webhook path.
type LifecycleService struct {
	subs        billing.SubscriptionStore
	plans       billing.PlanStore
	users       billing.UserStore
	gatewayC    gateway.ChargeRequester
	retryPolicy retry.Policy
	logger      *zap.Logger

	now func() time.Time
}

func NewLifecycleService(
	subs billing.SubscriptionStore,
	plans billing.PlanStore,
	users billing.UserStore,
	gatewayC gateway.ChargeRequester,
	logger *zap.Logger,
) *LifecycleService {
	return &LifecycleService{
		subs:        subs,
		plans:       plans,
		users:       users,
		gatewayC:    gatewayC,
		retryPolicy: retry.DefaultPolicy(),
		logger:      logger,
		now:         time.Now,
	}
}

// Create creates a pending subscription; it becomes active on the first
// confirmed successful payment delivered via webhook.
func (s *LifecycleService) Create(ctx context.Context, req *billing.CreateSubscriptionRequest) (*billing.Subscription, error) {
	if !req.BillingPeriod.Valid() {
		return nil, fmt.Errorf("billing period %q: %w", req.BillingPeriod, xerrors.ErrValidation)
	}

	user, err := s.users.FindUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := s.plans.FindPlan(ctx, req.PlanID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sub := &billing.Subscription{
		ID:                 reference.Subscription(),
		UserID:             user.ID,
		PlanID:             req.PlanID,
		BillingPeriod:      req.BillingPeriod,
		Status:             billing.StatusPending,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   req.BillingPeriod.Advance(now),
		PendingAdjustment:  decimal.Zero,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	sub.SyncDerived()

	if err := s.subs.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	s.logger.Info("subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("user_id", sub.UserID),
		zap.String("plan_id", sub.PlanID),
		zap.String("billing_period", string(sub.BillingPeriod)),
	)

	return sub, nil
}

// Get retrieves a subscription by ID.
func (s *LifecycleService) Get(ctx context.Context, id string) (*billing.Subscription, error) {
	return s.subs.GetSubscription(ctx, id)
}

// GetActiveForUser retrieves the active subscription for a user.
func (s *LifecycleService) GetActiveForUser(ctx context.Context, userID string) (*billing.Subscription, error) {
	return s.subs.GetActiveSubscriptionForUser(ctx, userID)
}

// Cancel cancels a subscription. Immediate cancellation transitions right
// away; deferred cancellation only flags cancel_at_period_end and leaves the
// subscription active until the scheduler reaches the period boundary.
func (s *LifecycleService) Cancel(ctx context.Context, id string, req *billing.CancelSubscriptionRequest) (*billing.Subscription, error) {
	sub, err := billing.UpdateWithCAS(ctx, s.subs, id, casAttempts, func(sub *billing.Subscription) error {
		if sub.Status == billing.StatusCancelled {
			return fmt.Errorf("subscription is already cancelled: %w", xerrors.ErrValidation)
		}
		if sub.Status == billing.StatusExpired {
			return fmt.Errorf("expired subscriptions cannot be cancelled: %w", xerrors.ErrValidation)
		}
		if req.Immediate {
			now := s.now().UTC()
			sub.Status = billing.StatusCancelled
			sub.CancelledAt = &now
			sub.CancellationReason = req.Reason
			return nil
		}
		if sub.Status != billing.StatusActive {
			return fmt.Errorf("only active subscriptions can be cancelled at period end: %w", xerrors.ErrValidation)
		}
		sub.CancelAtPeriodEnd = true
		sub.CancellationReason = req.Reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	cancelType := "at period end"
	if req.Immediate {
		cancelType = "immediately"
	}
	s.logger.Info("subscription cancelled",
		zap.String("subscription_id", id),
		zap.String("cancel_type", cancelType),
		zap.String("reason", req.Reason),
	)

	return sub, nil
}

// Update applies a mid-cycle plan or billing-period change. A plan change is
// prorated over the remaining period; a non-zero adjustment is recorded on
// the subscription and, when money is owed, a charge intent is emitted for
// the gateway to confirm asynchronously.
func (s *LifecycleService) Update(ctx context.Context, id string, req *billing.UpdateSubscriptionRequest) (*billing.Subscription, error) {
	if req.PlanID == nil && req.BillingPeriod == nil {
		return nil, fmt.Errorf("nothing to update: %w", xerrors.ErrValidation)
	}
	if req.BillingPeriod != nil && !req.BillingPeriod.Valid() {
		return nil, fmt.Errorf("billing period %q: %w", *req.BillingPeriod, xerrors.ErrValidation)
	}

	var adjustment proration.Result

	sub, err := billing.UpdateWithCAS(ctx, s.subs, id, casAttempts, func(sub *billing.Subscription) error {
		adjustment = proration.Result{Amount: decimal.Zero}

		if req.PlanID != nil && *req.PlanID != sub.PlanID {
			currentPlan, err := s.plans.FindPlan(ctx, sub.PlanID)
			if err != nil {
				return err
			}
			newPlan, err := s.plans.FindPlan(ctx, *req.PlanID)
			if err != nil {
				return err
			}

			result, err := proration.Calculate(
				currentPlan.PriceFor(sub.BillingPeriod),
				newPlan.PriceFor(sub.BillingPeriod),
				s.now().UTC(), sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
			)
			if err != nil {
				return err
			}

			adjustment = result
			sub.PlanID = *req.PlanID
			if !result.Amount.IsZero() {
				sub.PendingAdjustment = sub.PendingAdjustment.Add(result.Amount)
			}
		}

		if req.BillingPeriod != nil && *req.BillingPeriod != sub.BillingPeriod {
			// Recompute the boundary from the existing period start so
			// already-elapsed time is not prorated twice.
			sub.BillingPeriod = *req.BillingPeriod
			sub.CurrentPeriodEnd = req.BillingPeriod.Advance(sub.CurrentPeriodStart)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("subscription updated",
		zap.String("subscription_id", id),
		zap.String("plan_id", sub.PlanID),
		zap.String("billing_period", string(sub.BillingPeriod)),
		zap.String("proration_amount", adjustment.Amount.String()),
		zap.Bool("is_upgrade", adjustment.IsUpgrade),
	)

	// Money owed is collected by the gateway; the confirming transaction
	// arrives on the webhook path. Credits stay on the subscription.
	if adjustment.Amount.Sign() > 0 {
		s.emitAdjustmentCharge(ctx, sub, adjustment.Amount)
	}

	return sub, nil
}

// FinalizeDeferredCancel transitions an active cancel_at_period_end
// subscription to cancelled. Called by the due-payment scheduler at the
// period boundary; no charge is attempted.
func (s *LifecycleService) FinalizeDeferredCancel(ctx context.Context, id string) (*billing.Subscription, error) {
	sub, err := billing.UpdateWithCAS(ctx, s.subs, id, casAttempts, func(sub *billing.Subscription) error {
		if sub.Status != billing.StatusActive || !sub.CancelAtPeriodEnd {
			return fmt.Errorf("subscription is not pending deferred cancellation: %w", xerrors.ErrValidation)
		}
		now := s.now().UTC()
		sub.Status = billing.StatusCancelled
		sub.CancelledAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("deferred cancellation finalized", zap.String("subscription_id", id))
	return sub, nil
}

// Expire transitions a subscription whose renewal charge failed beyond the
// grace window to expired.
func (s *LifecycleService) Expire(ctx context.Context, id, reason string) (*billing.Subscription, error) {
	sub, err := billing.UpdateWithCAS(ctx, s.subs, id, casAttempts, func(sub *billing.Subscription) error {
		if sub.Status != billing.StatusActive {
			return fmt.Errorf("only active subscriptions expire: %w", xerrors.ErrValidation)
		}
		sub.Status = billing.StatusExpired
		sub.CancellationReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warn("subscription expired",
		zap.String("subscription_id", id),
		zap.String("reason", reason),
	)
	return sub, nil
}

// emitAdjustmentCharge fires the proration charge intent. Failures are logged
// and left for the scheduler's renewal path; the obligation is already
// recorded on the subscription.
func (s *LifecycleService) emitAdjustmentCharge(ctx context.Context, sub *billing.Subscription, amount decimal.Decimal) {
	plan, err := s.plans.FindPlan(ctx, sub.PlanID)
	if err != nil {
		s.logger.Error("failed to load plan for adjustment charge", zap.Error(err))
		return
	}

	intent := gateway.ChargeIntent{
		Reference:      reference.Transaction(),
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Amount:         amount,
		Currency:       plan.Currency,
		Narrative:      "plan change proration",
	}

	err = retry.Do(ctx, s.retryPolicy, func(ctx context.Context) error {
		return s.gatewayC.RequestCharge(ctx, intent)
	})
	if err != nil {
		s.logger.Error("failed to emit adjustment charge intent",
			zap.String("subscription_id", sub.ID),
			zap.Error(err),
		)
	}
}
