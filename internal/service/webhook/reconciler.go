// internal/service/webhook/reconciler.go
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/webhook"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/reference"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Outcome is the reconciler's answer to the gateway. Every outcome maps to a
// single acknowledgement; the gateway is never left uncertain about whether
// to redeliver.
type Outcome string

const (
	// OutcomeApplied means the event mutated local state.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event was seen before; nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event referenced state we do not hold.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeAcknowledged means the event was understood well enough to
	// accept but carried nothing to apply (unknown type, missing fields).
	OutcomeAcknowledged Outcome = "acknowledged"
)

const casAttempts = 5

// Reconciler verifies, deduplicates, and applies gateway events to local
// subscription and transaction state. It is the only writer of the
// transaction ledger.
type Reconciler struct {
	subs   billing.SubscriptionStore
	txns   billing.TransactionStore
	secret []byte
	logger *zap.Logger

	now func() time.Time
}

func NewReconciler(
	subs billing.SubscriptionStore,
	txns billing.TransactionStore,
	secret []byte,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		subs:   subs,
		txns:   txns,
		secret: secret,
		logger: logger,
		now:    time.Now,
	}
}

// HandleEvent runs the full reconciliation protocol on one delivery:
// authenticate, parse, deduplicate, dispatch. Deliveries are at-least-once
// and possibly reordered; everything after the signature check is either
// idempotent via the gateway event id or compare-and-swap guarded.
func (r *Reconciler) HandleEvent(ctx context.Context, rawPayload []byte, signatureHeader string) (Outcome, error) {
	if err := r.verifySignature(rawPayload, signatureHeader); err != nil {
		return "", err
	}

	env, err := webhook.Parse(rawPayload)
	if err != nil {
		return "", err
	}

	kind := env.Kind()
	if kind == webhook.EventUnknown {
		r.logger.Info("unrecognized gateway event acknowledged", zap.String("event", env.Event))
		return OutcomeAcknowledged, nil
	}

	// Lenient policy: a recognized type missing its mandatory fields is
	// swallowed rather than turned into a broken record. Logged loudly so
	// gateway-side integration bugs stay visible.
	if env.Data.TxRef == "" {
		r.logger.Warn("gateway event missing tx_ref, acknowledging without side effects",
			zap.String("event", env.Event),
		)
		return OutcomeAcknowledged, nil
	}

	created, existing, err := r.txns.CreateIfAbsent(ctx, r.buildTransaction(env))
	if err != nil {
		return "", fmt.Errorf("transaction dedup failed: %w: %v", xerrors.ErrTransient, err)
	}
	if !created {
		return r.handleDuplicate(ctx, env, existing)
	}

	switch kind {
	case webhook.EventChargeCompleted:
		if env.ChargeSucceeded() {
			return r.applyChargeSuccess(ctx, env)
		}
		// A failed charge is ledger-only: the subscription keeps its prior
		// state and the scheduler's retry/expire logic picks it up.
		r.logger.Info("failed charge recorded",
			zap.String("gateway_event_id", env.Data.TxRef),
			zap.String("subscription_id", env.Data.Meta.SubscriptionID),
		)
		return OutcomeApplied, nil
	case webhook.EventSubscriptionCancelled:
		return r.applyGatewayCancellation(ctx, env)
	}

	return OutcomeAcknowledged, nil
}

// verifySignature checks the HMAC-SHA256 hex signature over the raw body.
func (r *Reconciler) verifySignature(rawPayload []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return fmt.Errorf("missing signature header: %w", xerrors.ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, r.secret)
	mac.Write(rawPayload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return xerrors.ErrSignatureInvalid
	}
	return nil
}

// buildTransaction shapes the ledger row for an incoming event. The row for a
// gateway-side cancellation anchors idempotency with a zero amount.
func (r *Reconciler) buildTransaction(env *webhook.Envelope) *billing.Transaction {
	status := billing.TransactionSuccessful
	if env.Kind() == webhook.EventChargeCompleted && !env.ChargeSucceeded() {
		status = billing.TransactionFailed
	}

	amount := env.Data.Amount
	if env.Kind() == webhook.EventSubscriptionCancelled {
		amount = decimal.Zero
	}

	return &billing.Transaction{
		ID:             reference.Transaction(),
		SubscriptionID: env.Data.Meta.SubscriptionID,
		UserID:         env.Data.Meta.UserID,
		Amount:         amount,
		Currency:       env.Data.Currency,
		Status:         status,
		GatewayEventID: env.Data.TxRef,
		CreatedAt:      r.now().UTC(),
	}
}

// handleDuplicate acknowledges a redelivery. If an earlier delivery recorded
// the ledger row but lost its subscription write (transient CAS exhaustion),
// the redelivery repairs it before answering duplicate.
func (r *Reconciler) handleDuplicate(ctx context.Context, env *webhook.Envelope, existing *billing.Transaction) (Outcome, error) {
	if env.ChargeSucceeded() && existing.SubscriptionID != "" {
		sub, err := r.subs.GetSubscription(ctx, existing.SubscriptionID)
		if err == nil && chargeWriteLost(sub, existing) {
			if _, err := r.activate(ctx, sub.ID); err != nil {
				return "", err
			}
			r.logger.Warn("repaired partially applied charge on redelivery",
				zap.String("subscription_id", sub.ID),
				zap.String("gateway_event_id", env.Data.TxRef),
			)
		}
	}

	r.logger.Info("duplicate gateway event",
		zap.String("gateway_event_id", env.Data.TxRef),
		zap.String("event", env.Event),
	)
	return OutcomeDuplicate, nil
}

// chargeWriteLost reports whether the ledger row landed but the subscription
// write it should have carried did not: the target is still pending, or it is
// active with a period boundary older than the recorded charge, meaning the
// renewal advance never applied.
func chargeWriteLost(sub *billing.Subscription, txn *billing.Transaction) bool {
	if sub.Status == billing.StatusPending {
		return true
	}
	return sub.Status == billing.StatusActive && sub.CurrentPeriodEnd.Before(txn.CreatedAt)
}

// applyChargeSuccess activates or renews the target subscription. A
// first-time purchase carries no subscription id and is created from the
// checkout metadata instead.
func (r *Reconciler) applyChargeSuccess(ctx context.Context, env *webhook.Envelope) (Outcome, error) {
	meta := env.Data.Meta

	if meta.SubscriptionID != "" {
		_, err := r.subs.GetSubscription(ctx, meta.SubscriptionID)
		switch {
		case err == nil:
			if _, err := r.activate(ctx, meta.SubscriptionID); err != nil {
				return "", err
			}
			return OutcomeApplied, nil
		case !xerrors.Is(err, xerrors.ErrSubscriptionNotFound):
			return "", fmt.Errorf("subscription lookup failed: %w: %v", xerrors.ErrTransient, err)
		}
	}

	if meta.UserID == "" || meta.PlanID == "" {
		r.logger.Warn("charge success without resolvable subscription, ignoring",
			zap.String("gateway_event_id", env.Data.TxRef),
			zap.String("subscription_id", meta.SubscriptionID),
		)
		return OutcomeIgnored, nil
	}

	return r.createFromCheckout(ctx, env)
}

// activate transitions the subscription to active and advances its period
// one billing period from max(now, currentPeriodEnd). A pending subscription
// starts its clock at activation instead, so the provisional period set at
// creation is not paid for twice.
func (r *Reconciler) activate(ctx context.Context, id string) (*billing.Subscription, error) {
	now := r.now().UTC()
	sub, err := billing.UpdateWithCAS(ctx, r.subs, id, casAttempts, func(sub *billing.Subscription) error {
		base := sub.CurrentPeriodEnd
		if sub.Status == billing.StatusPending || now.After(base) {
			base = now
		}
		sub.Status = billing.StatusActive
		sub.CurrentPeriodStart = base
		sub.CurrentPeriodEnd = sub.BillingPeriod.Advance(base)
		sub.PendingAdjustment = decimal.Zero
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("subscription activated by charge confirmation",
		zap.String("subscription_id", sub.ID),
		zap.Time("current_period_end", sub.CurrentPeriodEnd),
	)
	return sub, nil
}

// createFromCheckout materializes a brand-new active subscription from the
// metadata the gateway echoed back from checkout.
func (r *Reconciler) createFromCheckout(ctx context.Context, env *webhook.Envelope) (Outcome, error) {
	meta := env.Data.Meta

	period := meta.BillingPeriod
	if !period.Valid() {
		period = billing.PeriodMonthly
	}

	now := r.now().UTC()
	sub := &billing.Subscription{
		ID:                     reference.Subscription(),
		UserID:                 meta.UserID,
		PlanID:                 meta.PlanID,
		BillingPeriod:          period,
		Status:                 billing.StatusActive,
		CurrentPeriodStart:     now,
		CurrentPeriodEnd:       period.Advance(now),
		ExternalSubscriptionID: env.Data.ID,
		PendingAdjustment:      decimal.Zero,
		Version:                1,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	sub.SyncDerived()

	if err := r.subs.CreateSubscription(ctx, sub); err != nil {
		return "", fmt.Errorf("failed to create subscription from checkout: %w: %v", xerrors.ErrTransient, err)
	}

	r.logger.Info("subscription created from first-time purchase",
		zap.String("subscription_id", sub.ID),
		zap.String("user_id", sub.UserID),
		zap.String("plan_id", sub.PlanID),
		zap.String("gateway_event_id", env.Data.TxRef),
	)
	return OutcomeApplied, nil
}

// applyGatewayCancellation cancels the subscription the gateway names by its
// external id. A missing local record is not an error; it may already be
// gone.
func (r *Reconciler) applyGatewayCancellation(ctx context.Context, env *webhook.Envelope) (Outcome, error) {
	sub, err := r.subs.FindByExternalID(ctx, env.Data.ID)
	if xerrors.Is(err, xerrors.ErrSubscriptionNotFound) {
		r.logger.Info("cancellation for unknown external subscription ignored",
			zap.String("external_subscription_id", env.Data.ID),
		)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("subscription lookup failed: %w: %v", xerrors.ErrTransient, err)
	}

	now := r.now().UTC()
	_, err = billing.UpdateWithCAS(ctx, r.subs, sub.ID, casAttempts, func(sub *billing.Subscription) error {
		if sub.Status == billing.StatusCancelled {
			return nil
		}
		sub.Status = billing.StatusCancelled
		sub.CancelledAt = &now
		sub.CancellationReason = "cancelled by gateway"
		return nil
	})
	if err != nil {
		return "", err
	}

	r.logger.Info("subscription cancelled by gateway event",
		zap.String("subscription_id", sub.ID),
		zap.String("external_subscription_id", env.Data.ID),
	)
	return OutcomeApplied, nil
}
