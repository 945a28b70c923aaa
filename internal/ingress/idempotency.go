package ingress

import (
	"context"
	"time"
)

// DefaultLease is how long a claim may stay in processing before another
// delivery of the same event may take it over.
const DefaultLease = 5 * time.Minute

// ClaimStatus is the state of a processed_events row.
type ClaimStatus string

const (
	ClaimProcessing ClaimStatus = "processing"
	ClaimProcessed  ClaimStatus = "processed"
)

// Store is the inbound-event idempotency table. A delivery claims the
// event id before any side effect runs, marks it processed afterwards, and
// releases it on failure so the provider's redelivery is retried.
type Store interface {
	// Claim reports whether the caller now owns eventID. It is false when
	// the event was processed, or is being processed under a live lease.
	Claim(ctx context.Context, eventID, eventType string, lease time.Duration) (bool, error)
	Complete(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
	// Prune deletes claims last touched before olderThan.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}
