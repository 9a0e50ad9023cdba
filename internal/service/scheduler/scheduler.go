// internal/service/scheduler/scheduler.go
package scheduler

import (
	"context"
	"sync"
	"time"

	"billing-service/internal/domain/billing"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/lock"
	"billing-service/internal/pkg/reference"
	"billing-service/internal/pkg/retry"
	"billing-service/internal/service/gateway"
	subscriptionsvc "billing-service/internal/service/subscription"

	"go.uber.org/zap"
)

const (
	sweepLockKey = "billing:scheduler:sweep"
	sweepLockTTL = 10 * time.Minute
	sweepBatch   = 500
)

// Config tunes the due-payment scheduler.
type Config struct {
	Interval    time.Duration
	GracePeriod time.Duration
	RetryPolicy retry.Policy
}

// Status is the ops-surface snapshot of the scheduler.
type Status struct {
	Running     bool          `json:"running"`
	Enabled     bool          `json:"enabled"`
	Interval    time.Duration `json:"interval"`
	LastSweepAt *time.Time    `json:"last_sweep_at,omitempty"`
	LastSwept   int           `json:"last_swept"`
}

// Scheduler drives the periodic renewal sweep: for every active subscription
// whose current period has elapsed, it finalizes deferred cancellations,
// requests renewal charges, and expires subscriptions whose renewal failed
// beyond the grace window. It is an explicitly constructed service with a
// start/stop lifecycle, not a process-wide singleton, so tests can run
// isolated instances.
type Scheduler struct {
	subs      billing.SubscriptionStore
	txns      billing.TransactionStore
	plans     billing.PlanStore
	lifecycle *subscriptionsvc.LifecycleService
	gatewayC  gateway.ChargeRequester
	locker    lock.Locker
	logger    *zap.Logger

	cfg Config
	now func() time.Time

	mu          sync.Mutex
	running     bool
	enabled     bool
	stop        chan struct{}
	done        chan struct{}
	trigger     chan struct{}
	lastSweepAt *time.Time
	lastSwept   int
}

func NewScheduler(
	subs billing.SubscriptionStore,
	txns billing.TransactionStore,
	plans billing.PlanStore,
	lifecycle *subscriptionsvc.LifecycleService,
	gatewayC gateway.ChargeRequester,
	locker lock.Locker,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 72 * time.Hour
	}
	if cfg.RetryPolicy == (retry.Policy{}) {
		cfg.RetryPolicy = retry.DefaultPolicy()
	}
	return &Scheduler{
		subs:      subs,
		txns:      txns,
		plans:     plans,
		lifecycle: lifecycle,
		gatewayC:  gatewayC,
		locker:    locker,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		enabled:   true,
		trigger:   make(chan struct{}, 1),
	}
}

// Start launches the sweep loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go s.loop(ctx, stop, done)
	s.logger.Info("due-payment scheduler started", zap.Duration("interval", s.interval()))
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	s.logger.Info("due-payment scheduler stopped")
}

// TriggerNow requests an immediate sweep from the loop. When the scheduler is
// not running the sweep executes inline.
func (s *Scheduler) TriggerNow(ctx context.Context) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		s.RunSweep(ctx)
		return
	}
	select {
	case s.trigger <- struct{}{}:
	default: // a sweep is already queued
	}
}

// SetInterval reconfigures the sweep cadence; takes effect on the next tick.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.Interval = d
	s.mu.Unlock()
}

// SetEnabled toggles sweeping without tearing down the loop.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Status reports the current scheduler state for the ops surface.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:     s.running,
		Enabled:     s.enabled,
		Interval:    s.cfg.Interval,
		LastSweepAt: s.lastSweepAt,
		LastSwept:   s.lastSwept,
	}
}

func (s *Scheduler) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunSweep(ctx)
			ticker.Reset(s.interval())
		case <-s.trigger:
			s.RunSweep(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunSweep executes one pass over all due subscriptions. The pass takes a
// best-effort distributed lock so replicas do not double-drive renewals, and
// isolates per-subscription failures: one bad record is logged and skipped,
// never aborting the rest of the sweep.
func (s *Scheduler) RunSweep(ctx context.Context) {
	if !s.isEnabled() {
		return
	}

	acquired, err := s.locker.Acquire(ctx, sweepLockKey, sweepLockTTL)
	if err != nil {
		s.logger.Error("failed to acquire sweep lock", zap.Error(err))
		return
	}
	if !acquired {
		s.logger.Info("sweep lock held elsewhere, skipping pass")
		return
	}
	defer func() {
		if err := s.locker.Release(ctx, sweepLockKey); err != nil {
			s.logger.Warn("failed to release sweep lock", zap.Error(err))
		}
	}()

	now := s.now().UTC()
	due, err := s.subs.ListDueSubscriptions(ctx, now, sweepBatch)
	if err != nil {
		s.logger.Error("failed to list due subscriptions", zap.Error(err))
		return
	}

	swept := 0
	for i := range due {
		sub := due[i]
		if err := s.processDue(ctx, &sub, now); err != nil {
			s.logger.Error("failed to process due subscription",
				zap.String("subscription_id", sub.ID),
				zap.Error(err),
			)
			continue
		}
		swept++
	}

	s.mu.Lock()
	s.lastSweepAt = &now
	s.lastSwept = swept
	s.mu.Unlock()

	s.logger.Info("renewal sweep completed",
		zap.Int("due", len(due)),
		zap.Int("swept", swept),
	)
}

// processDue handles one elapsed subscription. Deferred cancellations become
// terminal without a charge. Otherwise a renewal charge intent is emitted;
// when the grace window has passed and the last known attempt failed, the
// subscription expires instead.
func (s *Scheduler) processDue(ctx context.Context, sub *billing.Subscription, now time.Time) error {
	if sub.CancelAtPeriodEnd {
		_, err := s.lifecycle.FinalizeDeferredCancel(ctx, sub.ID)
		if xerrors.Is(err, xerrors.ErrValidation) {
			// Lost the race to a concurrent webhook transition; the record
			// is no longer in the state our snapshot saw. Nothing to do.
			return nil
		}
		return err
	}

	if now.After(sub.CurrentPeriodEnd.Add(s.gracePeriod())) {
		last, err := s.txns.LatestForSubscription(ctx, sub.ID)
		if err != nil && !xerrors.Is(err, xerrors.ErrNotFound) {
			return err
		}
		if last != nil && last.Status == billing.TransactionFailed {
			_, err := s.lifecycle.Expire(ctx, sub.ID, "renewal charge failed")
			if xerrors.Is(err, xerrors.ErrValidation) {
				return nil
			}
			return err
		}
	}

	return s.emitRenewalCharge(ctx, sub)
}

// emitRenewalCharge asks the gateway to attempt the renewal. Confirmation or
// failure arrives on the webhook path; this pass only records the intent.
func (s *Scheduler) emitRenewalCharge(ctx context.Context, sub *billing.Subscription) error {
	plan, err := s.plans.FindPlan(ctx, sub.PlanID)
	if err != nil {
		return xerrors.Wrap(err, "failed to price renewal")
	}

	// Any outstanding proration adjustment rides along with the renewal.
	amount := plan.PriceFor(sub.BillingPeriod).Add(sub.PendingAdjustment)

	// The reference is derived from the period being renewed, not freshly
	// generated: a second sweep over a still-due subscription re-emits the
	// same reference and the gateway deduplicates instead of double-charging.
	intent := gateway.ChargeIntent{
		Reference:      reference.Renewal(sub.ID, sub.CurrentPeriodEnd),
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Amount:         amount,
		Currency:       plan.Currency,
		Narrative:      "subscription renewal",
	}

	err = retry.Do(ctx, s.cfg.RetryPolicy, func(ctx context.Context) error {
		return s.gatewayC.RequestCharge(ctx, intent)
	})
	if err != nil {
		return xerrors.Wrap(err, "failed to request renewal charge")
	}

	s.logger.Info("renewal charge requested",
		zap.String("subscription_id", sub.ID),
		zap.String("reference", intent.Reference),
	)
	return nil
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval
}

func (s *Scheduler) gracePeriod() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.GracePeriod
}

func (s *Scheduler) isEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}
