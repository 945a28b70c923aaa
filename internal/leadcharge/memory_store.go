package leadcharge

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory charge store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	charges map[string]*Charge // by ID
	byKey   map[string]string  // idempotency key → ID
}

// NewMemoryStore creates a new in-memory charge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		charges: make(map[string]*Charge),
		byKey:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, c *Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[c.IdempotencyKey]; ok {
		return ErrAttemptExists
	}
	for _, existing := range m.charges {
		if existing.ProviderID == c.ProviderID && existing.LeadID == c.LeadID && existing.Attempt == c.Attempt {
			return ErrAttemptExists
		}
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	m.charges[c.ID] = &cp
	m.byKey[c.IdempotencyKey] = c.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.charges[id]
	if !ok {
		return nil, ErrChargeNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Latest(ctx context.Context, providerID, leadID string) (*Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Charge
	for _, c := range m.charges {
		if c.ProviderID != providerID || c.LeadID != leadID {
			continue
		}
		if latest == nil || c.Attempt > latest.Attempt {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrChargeNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) MarkSucceeded(ctx context.Context, id, chargeRef, paymentIntentRef string) error {
	return m.finish(id, StatusSucceeded, "", chargeRef, paymentIntentRef)
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id, reason, chargeRef, paymentIntentRef string) error {
	return m.finish(id, StatusFailed, reason, chargeRef, paymentIntentRef)
}

func (m *MemoryStore) finish(id string, status Status, reason, chargeRef, paymentIntentRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.charges[id]
	if !ok {
		return ErrChargeNotFound
	}
	if c.Status != StatusPending {
		return ErrNotPending
	}
	if status == StatusSucceeded {
		for _, other := range m.charges {
			if other.ID != id && other.ProviderID == c.ProviderID && other.LeadID == c.LeadID && other.Status == StatusSucceeded {
				return ErrNotPending
			}
		}
	}
	c.Status = status
	c.FailureReason = reason
	c.ChargeRef = chargeRef
	c.PaymentIntentRef = paymentIntentRef
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Charge
	for _, c := range m.charges {
		if c.Status == StatusPending && c.UpdatedAt.Before(olderThan) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Charge
	for _, c := range m.charges {
		if c.ProviderID == providerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
