package ingress

import (
	"context"
	"sync"
	"time"
)

type claim struct {
	eventType   string
	status      ClaimStatus
	claimedAt   time.Time
	processedAt time.Time
}

// MemoryStore is an in-memory idempotency table for demo/development mode.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]*claim
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]*claim), now: time.Now}
}

func (m *MemoryStore) Claim(ctx context.Context, eventID, eventType string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if c, ok := m.claims[eventID]; ok {
		if c.status == ClaimProcessed || now.Sub(c.claimedAt) < lease {
			return false, nil
		}
		c.claimedAt = now
		return true, nil
	}
	m.claims[eventID] = &claim{eventType: eventType, status: ClaimProcessing, claimedAt: now}
	return true, nil
}

func (m *MemoryStore) Complete(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[eventID]; ok {
		c.status = ClaimProcessed
		c.processedAt = m.now()
	}
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[eventID]; ok && c.status == ClaimProcessing {
		delete(m.claims, eventID)
	}
	return nil
}

func (m *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.claims {
		touched := c.claimedAt
		if c.status == ClaimProcessed {
			touched = c.processedAt
		}
		if touched.Before(olderThan) {
			delete(m.claims, id)
			n++
		}
	}
	return n, nil
}
