package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sweepline/billing/internal/idgen"
)

// MemoryStore is an in-memory history store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*Entry
	byCharge map[string]*Entry
	byIntent map[string]*Entry
}

// NewMemoryStore creates a new in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byCharge: make(map[string]*Entry),
		byIntent: make(map[string]*Entry),
	}
}

func (m *MemoryStore) Record(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ChargeRef != "" {
		if _, ok := m.byCharge[e.ChargeRef]; ok {
			return nil
		}
	}
	if e.ID == "" {
		e.ID = idgen.WithPrefix(idgen.PrefixHistory)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	if cp.ChargeRef != "" {
		m.byCharge[cp.ChargeRef] = &cp
	}
	if cp.PaymentIntentRef != "" {
		if _, ok := m.byIntent[cp.PaymentIntentRef]; !ok {
			m.byIntent[cp.PaymentIntentRef] = &cp
		}
	}
	return nil
}

func (m *MemoryStore) FindByChargeRef(ctx context.Context, chargeRef string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.byCharge[chargeRef]; ok && chargeRef != "" {
		cp := *e
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) FindByPaymentIntentRef(ctx context.Context, paymentIntentRef string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.byIntent[paymentIntentRef]; ok && paymentIntentRef != "" {
		cp := *e
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.ProviderID == providerID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
