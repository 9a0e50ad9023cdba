// internal/service/webhook/reconciler_test.go
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"billing-service/internal/domain/billing"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSecret = []byte("test-webhook-secret")

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestReconciler(store *memory.Store) *Reconciler {
	r := NewReconciler(store, store, testSecret, zap.NewNop())
	r.now = func() time.Time { return testNow }
	return r
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, testSecret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func chargePayload(txRef, status, subscriptionID string, amount string) []byte {
	return []byte(fmt.Sprintf(`{
		"event": "charge.completed",
		"data": {
			"id": "evt-%s",
			"tx_ref": %q,
			"status": %q,
			"amount": %s,
			"currency": "USD",
			"customer": {"email": "jo@example.com"},
			"meta": {"subscriptionId": %q}
		}
	}`, txRef, txRef, status, amount, subscriptionID))
}

func seedActiveSubscription(t *testing.T, store *memory.Store, id string) *billing.Subscription {
	t.Helper()
	sub := &billing.Subscription{
		ID:                 id,
		UserID:             "user-1",
		PlanID:             "plan-basic",
		BillingPeriod:      billing.PeriodMonthly,
		Status:             billing.StatusActive,
		CurrentPeriodStart: testNow.AddDate(0, -1, 0).AddDate(0, 0, 10),
		CurrentPeriodEnd:   testNow.AddDate(0, 0, 10),
		PendingAdjustment:  decimal.Zero,
		Version:            1,
		CreatedAt:          testNow.AddDate(0, -1, 0),
		UpdatedAt:          testNow.AddDate(0, -1, 0),
	}
	sub.SyncDerived()
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
	return sub
}

func seedPendingSubscription(t *testing.T, store *memory.Store, id string) *billing.Subscription {
	t.Helper()
	sub := &billing.Subscription{
		ID:                 id,
		UserID:             "user-1",
		PlanID:             "plan-basic",
		BillingPeriod:      billing.PeriodMonthly,
		Status:             billing.StatusPending,
		CurrentPeriodStart: testNow.AddDate(0, 0, -2),
		CurrentPeriodEnd:   testNow.AddDate(0, 1, -2),
		PendingAdjustment:  decimal.Zero,
		Version:            1,
		CreatedAt:          testNow.AddDate(0, 0, -2),
		UpdatedAt:          testNow.AddDate(0, 0, -2),
	}
	sub.SyncDerived()
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
	return sub
}

func TestHandleEventRejectsBadSignature(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)
	body := chargePayload("tx-1", "successful", "sub-1", "29.99")

	_, err := r.HandleEvent(context.Background(), body, "")
	assert.ErrorIs(t, err, xerrors.ErrSignatureInvalid)

	_, err = r.HandleEvent(context.Background(), body, "deadbeef")
	assert.ErrorIs(t, err, xerrors.ErrSignatureInvalid)

	assert.Equal(t, 0, store.TransactionCount())
}

func TestHandleEventRejectsMalformedPayload(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)
	body := []byte(`{"event": "charge.completed", "data":`)

	_, err := r.HandleEvent(context.Background(), body, sign(body))
	assert.ErrorIs(t, err, xerrors.ErrMalformedPayload)
	assert.Equal(t, 0, store.TransactionCount())
}

func TestHandleEventAcknowledgesUnknownType(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)
	body := []byte(`{"event": "invoice.created", "data": {"tx_ref": "tx-9"}}`)

	outcome, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcknowledged, outcome)
	assert.Equal(t, 0, store.TransactionCount())
}

func TestHandleEventAcknowledgesMissingTxRef(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)
	body := []byte(`{"event": "charge.completed", "data": {"status": "successful", "amount": 10}}`)

	outcome, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcknowledged, outcome)
	assert.Equal(t, 0, store.TransactionCount())
}

func TestHandleEventActivatesPendingSubscription(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)
	seedPendingSubscription(t, store, "sub-1")

	body := chargePayload("tx-1", "successful", "sub-1", "29.99")
	outcome, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	sub, err := store.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.True(t, sub.IsActive)
	// A pending subscription starts its paid period at activation.
	assert.Equal(t, testNow, sub.CurrentPeriodStart)
	assert.Equal(t, testNow.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
	assert.Equal(t, 1, store.TransactionCount())

	txn, err := store.LatestForSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, billing.TransactionSuccessful, txn.Status)
	assert.Equal(t, "tx-1", txn.GatewayEventID)
	assert.True(t, txn.Amount.Equal(decimal.RequireFromString("29.99")))
}

func TestHandleEventRedeliveryIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)
	seedPendingSubscription(t, store, "sub-1")

	body := chargePayload("tx-1", "successful", "sub-1", "29.99")

	outcome, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	first, err := store.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		outcome, err := r.HandleEvent(context.Background(), body, sign(body))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	}

	after, err := store.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, first.Version, after.Version)
	assert.Equal(t, first.CurrentPeriodEnd, after.CurrentPeriodEnd)
	assert.Equal(t, 1, store.TransactionCount())
}

func TestHandleEventRenewalExtendsFromPeriodEnd(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)
	sub := seedActiveSubscription(t, store, "sub-1")
	prevEnd := sub.CurrentPeriodEnd

	body := chargePayload("tx-renew", "successful", "sub-1", "29.99")
	outcome, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	after, err := store.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	// An early renewal does not shorten the period the user already paid for.
	assert.Equal(t, prevEnd, after.CurrentPeriodStart)
	assert.Equal(t, billing.PeriodMonthly.Advance(prevEnd), after.CurrentPeriodEnd)
	assert.True(t, after.PendingAdjustment.IsZero())
}

func TestHandleEventRenewalAfterLapseRestartsClock(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)
	sub := seedActiveSubscription(t, store, "sub-1")

	// Push the period end into the past.
	sub.CurrentPeriodEnd = testNow.AddDate(0, 0, -5)
	require.NoError(t, store.CompareAndSwapSubscription(context.Background(), sub.ID, sub.Version, sub))

	body := chargePayload("tx-late", "successful", "sub-1", "29.99")
	_, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)

	after, err := store.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, testNow, after.CurrentPeriodStart)
	assert.Equal(t, testNow.AddDate(0, 1, 0), after.CurrentPeriodEnd)
}

func TestHandleEventFailedChargeIsLedgerOnly(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)
	sub := seedActiveSubscription(t, store, "sub-1")

	body := chargePayload("tx-fail", "failed", "sub-1", "29.99")
	outcome, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	after, err := store.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, after.Status)
	assert.Equal(t, sub.CurrentPeriodEnd, after.CurrentPeriodEnd)
	assert.Equal(t, sub.Version, after.Version)

	txn, err := store.LatestForSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, billing.TransactionFailed, txn.Status)
}

func TestHandleEventFirstPurchaseCreatesSubscription(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)

	body := []byte(`{
		"event": "charge.completed",
		"data": {
			"id": "ext-77",
			"tx_ref": "tx-first",
			"status": "successful",
			"amount": 99.99,
			"currency": "USD",
			"meta": {"userId": "user-9", "planId": "plan-pro", "billingPeriod": "annual"}
		}
	}`)

	outcome, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	sub, err := store.GetActiveSubscriptionForUser(context.Background(), "user-9")
	require.NoError(t, err)
	assert.Equal(t, "plan-pro", sub.PlanID)
	assert.Equal(t, billing.PeriodAnnual, sub.BillingPeriod)
	assert.Equal(t, "ext-77", sub.ExternalSubscriptionID)
	assert.Equal(t, testNow, sub.CurrentPeriodStart)
	assert.Equal(t, testNow.AddDate(1, 0, 0), sub.CurrentPeriodEnd)
}

func TestHandleEventUnresolvableChargeIgnored(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)

	body := chargePayload("tx-ghost", "successful", "sub-unknown", "29.99")
	outcome, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	// The ledger row still exists so a redelivery stays a duplicate.
	assert.Equal(t, 1, store.TransactionCount())
}

func TestHandleEventGatewayCancellation(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)
	sub := seedActiveSubscription(t, store, "sub-1")
	sub.ExternalSubscriptionID = "ext-1"
	require.NoError(t, store.CompareAndSwapSubscription(context.Background(), sub.ID, sub.Version, sub))

	body := []byte(`{
		"event": "subscription.cancelled",
		"data": {"id": "ext-1", "tx_ref": "tx-cancel", "status": "cancelled"}
	}`)

	outcome, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	after, err := store.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCancelled, after.Status)
	assert.False(t, after.IsActive)
	assert.Equal(t, "cancelled by gateway", after.CancellationReason)
	require.NotNil(t, after.CancelledAt)
	assert.Equal(t, testNow, *after.CancelledAt)

	// Redelivery is a no-op duplicate.
	outcome, err = r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestHandleEventCancellationForUnknownExternalID(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)

	body := []byte(`{
		"event": "subscription.cancelled",
		"data": {"id": "ext-missing", "tx_ref": "tx-c2", "status": "cancelled"}
	}`)

	outcome, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestHandleEventRepairsPartiallyAppliedCharge(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)
	seedPendingSubscription(t, store, "sub-1")

	// Simulate an earlier delivery that recorded the ledger row but lost its
	// subscription write.
	_, _, err := store.CreateIfAbsent(context.Background(), &billing.Transaction{
		ID:             "TXN-PRIOR",
		SubscriptionID: "sub-1",
		UserID:         "user-1",
		Amount:         decimal.RequireFromString("29.99"),
		Currency:       "USD",
		Status:         billing.TransactionSuccessful,
		GatewayEventID: "tx-1",
		CreatedAt:      testNow.Add(-time.Minute),
	})
	require.NoError(t, err)

	body := chargePayload("tx-1", "successful", "sub-1", "29.99")
	outcome, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	sub, err := store.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Equal(t, 1, store.TransactionCount())
}

func TestHandleEventRepairsLostRenewalAdvance(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)
	sub := seedActiveSubscription(t, store, "sub-1")

	// The subscription stayed behind its paid boundary: the renewal charge
	// was recorded but the period-advance write was lost.
	sub.CurrentPeriodEnd = testNow.Add(-48 * time.Hour)
	require.NoError(t, store.CompareAndSwapSubscription(context.Background(), sub.ID, sub.Version, sub))

	_, _, err := store.CreateIfAbsent(context.Background(), &billing.Transaction{
		ID:             "TXN-PRIOR",
		SubscriptionID: "sub-1",
		UserID:         "user-1",
		Amount:         decimal.RequireFromString("29.99"),
		Currency:       "USD",
		Status:         billing.TransactionSuccessful,
		GatewayEventID: "tx-renew",
		CreatedAt:      testNow.Add(-time.Minute),
	})
	require.NoError(t, err)

	body := chargePayload("tx-renew", "successful", "sub-1", "29.99")
	outcome, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	after, err := store.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, after.Status)
	assert.Equal(t, testNow, after.CurrentPeriodStart)
	assert.Equal(t, testNow.AddDate(0, 1, 0), after.CurrentPeriodEnd)
	assert.Equal(t, 1, store.TransactionCount())
}

func TestHandleEventDuplicateLeavesAppliedRenewalAlone(t *testing.T) {
	store := memory.NewStore()
	r := newTestReconciler(store)
	seedActiveSubscription(t, store, "sub-1")

	body := chargePayload("tx-renew", "successful", "sub-1", "29.99")
	_, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)

	applied, err := store.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)

	outcome, err := r.HandleEvent(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	after, err := store.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	// The period already advanced past the ledger row; no second advance.
	assert.Equal(t, applied.CurrentPeriodEnd, after.CurrentPeriodEnd)
	assert.Equal(t, applied.Version, after.Version)
}
