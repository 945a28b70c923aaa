package account

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is an in-memory account store for demo/development mode.
type MemoryStore struct {
	accounts   map[string]*Account
	byCustomer map[string]string    // customer ref → account ID
	applied    map[string]time.Time // event ID → applied at
	mu         sync.Mutex
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*Account),
		byCustomer: make(map[string]string),
		applied:    make(map[string]time.Time),
	}
}

func (m *MemoryStore) Create(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.ID]; ok {
		return ErrAccountExists
	}
	if a.PaymentCustomerRef != "" {
		if _, ok := m.byCustomer[a.PaymentCustomerRef]; ok {
			return ErrAccountExists
		}
	}
	stored := normalize(a.clone())
	m.accounts[a.ID] = stored
	if a.PaymentCustomerRef != "" {
		m.byCustomer[a.PaymentCustomerRef] = a.ID
	}
	*a = *stored.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a.clone(), nil
}

func (m *MemoryStore) GetByCustomerRef(ctx context.Context, customerRef string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byCustomer[customerRef]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return m.accounts[id].clone(), nil
}

// Transition runs fn while holding the store lock, which serialises all
// mutations the same way the Postgres row lock does.
func (m *MemoryStore) Transition(ctx context.Context, id string, fn TransitionFunc) (*Account, error) {
	return m.transition(ctx, id, "", fn)
}

func (m *MemoryStore) TransitionEvent(ctx context.Context, id, eventID string, fn TransitionFunc) (*Account, error) {
	if eventID == "" {
		return nil, errors.New("transition event: empty event id")
	}
	return m.transition(ctx, id, eventID, fn)
}

func (m *MemoryStore) transition(ctx context.Context, id, eventID string, fn TransitionFunc) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if eventID != "" {
		if _, seen := m.applied[eventID]; seen {
			return current.clone(), ErrEventApplied
		}
	}

	next := current.clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			m.markApplied(eventID)
			return current.clone(), nil
		}
		return nil, err
	}
	if err := checkTransition(current, next); err != nil {
		return nil, err
	}
	if next.PaymentCustomerRef != current.PaymentCustomerRef {
		if owner, taken := m.byCustomer[next.PaymentCustomerRef]; taken && owner != id {
			return nil, ErrAccountExists
		}
		delete(m.byCustomer, current.PaymentCustomerRef)
		if next.PaymentCustomerRef != "" {
			m.byCustomer[next.PaymentCustomerRef] = id
		}
	}

	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	m.accounts[id] = next
	m.markApplied(eventID)
	return next.clone(), nil
}

func (m *MemoryStore) markApplied(eventID string) {
	if eventID != "" {
		m.applied[eventID] = time.Now().UTC()
	}
}

func (m *MemoryStore) PruneAppliedEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, at := range m.applied {
		if at.Before(olderThan) {
			delete(m.applied, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ResetLeadCredits(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := time.Now().UTC()
	for _, a := range m.accounts {
		if a.LeadCreditsUsed == 0 {
			continue
		}
		a.LeadCreditsUsed = 0
		a.Version++
		a.UpdatedAt = now
		n++
	}
	return n, nil
}

// normalize fills defaults for a freshly created account.
func normalize(a *Account) *Account {
	if a.Tier == "" {
		a.Tier = TierFree
	}
	if a.SubscriptionStatus == "" {
		a.SubscriptionStatus = SubscriptionActive
	}
	if a.DisputeStatus == "" {
		a.DisputeStatus = DisputeNone
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	return a
}
