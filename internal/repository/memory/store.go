// internal/repository/memory/store.go
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"billing-service/internal/domain/billing"
	xerrors "billing-service/internal/pkg/errors"
)

// Store is an in-process implementation of the billing store contracts with
// the same atomicity semantics as the Postgres repositories. It backs tests
// and local development runs.
type Store struct {
	mu            sync.Mutex
	subscriptions map[string]*billing.Subscription
	transactions  map[string]*billing.Transaction // keyed by gateway event id
	plans         map[string]*billing.Plan
	users         map[string]*billing.User
}

func NewStore() *Store {
	return &Store{
		subscriptions: make(map[string]*billing.Subscription),
		transactions:  make(map[string]*billing.Transaction),
		plans:         make(map[string]*billing.Plan),
		users:         make(map[string]*billing.User),
	}
}

// ---------- SubscriptionStore ----------

func (s *Store) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, xerrors.ErrSubscriptionNotFound
	}
	return cloneSubscription(sub), nil
}

func (s *Store) GetActiveSubscriptionForUser(ctx context.Context, userID string) (*billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.Status == billing.StatusActive {
			return cloneSubscription(sub), nil
		}
	}
	return nil, xerrors.ErrSubscriptionNotFound
}

func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if externalID == "" {
		return nil, xerrors.ErrSubscriptionNotFound
	}
	for _, sub := range s.subscriptions {
		if sub.ExternalSubscriptionID == externalID {
			return cloneSubscription(sub), nil
		}
	}
	return nil, xerrors.ErrSubscriptionNotFound
}

func (s *Store) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID]; exists {
		return xerrors.ErrConflict
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	s.subscriptions[sub.ID] = cloneSubscription(sub)
	return nil
}

func (s *Store) CompareAndSwapSubscription(ctx context.Context, id string, expectedVersion int64, sub *billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.subscriptions[id]
	if !ok {
		return xerrors.ErrSubscriptionNotFound
	}
	if current.Version != expectedVersion {
		return xerrors.ErrVersionConflict
	}

	next := cloneSubscription(sub)
	next.Version = expectedVersion + 1
	s.subscriptions[id] = next
	sub.Version = next.Version
	return nil
}

func (s *Store) ListDueSubscriptions(ctx context.Context, asOf time.Time, limit int) ([]billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []billing.Subscription
	for _, sub := range s.subscriptions {
		if sub.Status == billing.StatusActive && !sub.CurrentPeriodEnd.After(asOf) {
			due = append(due, *cloneSubscription(sub))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CurrentPeriodEnd.Before(due[j].CurrentPeriodEnd)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ---------- TransactionStore ----------

func (s *Store) CreateIfAbsent(ctx context.Context, txn *billing.Transaction) (bool, *billing.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.transactions[txn.GatewayEventID]; ok {
		return false, cloneTransaction(existing), nil
	}
	stored := cloneTransaction(txn)
	s.transactions[txn.GatewayEventID] = stored
	return true, cloneTransaction(stored), nil
}

func (s *Store) LatestForSubscription(ctx context.Context, subscriptionID string) (*billing.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *billing.Transaction
	for _, txn := range s.transactions {
		if txn.SubscriptionID != subscriptionID {
			continue
		}
		if latest == nil || txn.CreatedAt.After(latest.CreatedAt) {
			latest = txn
		}
	}
	if latest == nil {
		return nil, xerrors.ErrNotFound
	}
	return cloneTransaction(latest), nil
}

// TransactionCount reports the ledger size; test helper.
func (s *Store) TransactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}

// ---------- PlanStore / UserStore ----------

func (s *Store) FindPlan(ctx context.Context, id string) (*billing.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[id]
	if !ok {
		return nil, xerrors.ErrPlanNotFound
	}
	cp := *plan
	return &cp, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (*billing.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil, xerrors.ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

// AddPlan seeds the catalog.
func (s *Store) AddPlan(plan *billing.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *plan
	s.plans[plan.ID] = &cp
}

// AddUser seeds the user directory.
func (s *Store) AddUser(user *billing.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[user.ID] = &cp
}

func cloneSubscription(sub *billing.Subscription) *billing.Subscription {
	cp := *sub
	if sub.CancelledAt != nil {
		at := *sub.CancelledAt
		cp.CancelledAt = &at
	}
	if sub.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(sub.Metadata))
		for k, v := range sub.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneTransaction(txn *billing.Transaction) *billing.Transaction {
	cp := *txn
	return &cp
}
