package dispute

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute // by dispute ref
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func clone(d *Dispute) *Dispute {
	cp := *d
	if d.EvidenceDueBy != nil {
		t := *d.EvidenceDueBy
		cp.EvidenceDueBy = &t
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (m *MemoryStore) CreateIfAbsent(ctx context.Context, d *Dispute) (*Dispute, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.disputes[d.DisputeRef]; ok {
		return clone(existing), false, nil
	}
	now := time.Now().UTC()
	if d.OpenedAt.IsZero() {
		d.OpenedAt = now
	}
	d.UpdatedAt = now
	m.disputes[d.DisputeRef] = clone(d)
	return clone(d), true, nil
}

func (m *MemoryStore) Get(ctx context.Context, disputeRef string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[disputeRef]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) Attribute(ctx context.Context, disputeRef, providerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[disputeRef]
	if !ok {
		return false, ErrDisputeNotFound
	}
	if d.ProviderID != "" {
		return false, nil
	}
	d.ProviderID = providerID
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) SetApplied(ctx context.Context, disputeRef string, applied bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[disputeRef]
	if !ok {
		return false, ErrDisputeNotFound
	}
	if d.Applied == applied {
		return false, nil
	}
	d.Applied = applied
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) Close(ctx context.Context, disputeRef string, status Status, at time.Time) (*Dispute, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[disputeRef]
	if !ok {
		return nil, false, ErrDisputeNotFound
	}
	if d.Status.IsTerminal() {
		return clone(d), false, nil
	}
	d.Status = status
	resolved := at.UTC()
	d.ResolvedAt = &resolved
	d.UpdatedAt = resolved
	return clone(d), true, nil
}

func (m *MemoryStore) CountOpenByProvider(ctx context.Context, providerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.disputes {
		if d.ProviderID == providerID && d.Status == StatusOpen {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Dispute, error) {
	return m.list(limit, func(d *Dispute) bool { return d.ProviderID == providerID }), nil
}

func (m *MemoryStore) ListUnattributed(ctx context.Context, limit int) ([]*Dispute, error) {
	return m.list(limit, func(d *Dispute) bool { return d.ProviderID == "" }), nil
}

func (m *MemoryStore) list(limit int, keep func(*Dispute) bool) []*Dispute {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if keep(d) {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
