// Package dispute records payment-provider chargebacks against provider
// accounts and tracks them to resolution.
package dispute

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrInvalidOutcome  = errors.New("dispute outcome must be won, lost or warning_closed")
	ErrUnattributed    = errors.New("dispute cannot be attributed to a provider")
)

// Status is a dispute's lifecycle state.
type Status string

const (
	StatusOpen          Status = "open"
	StatusWon           Status = "won"
	StatusLost          Status = "lost"
	StatusWarningClosed Status = "warning_closed"
)

// IsTerminal reports whether the dispute is resolved.
func (s Status) IsTerminal() bool {
	return s == StatusWon || s == StatusLost || s == StatusWarningClosed
}

// OutcomeFromProvider maps the provider's closing status onto an outcome.
func OutcomeFromProvider(status string) (Status, error) {
	s := Status(status)
	if !s.IsTerminal() {
		return "", ErrInvalidOutcome
	}
	return s, nil
}

// Dispute is one chargeback.
type Dispute struct {
	ID               string     `json:"id"`
	DisputeRef       string     `json:"disputeRef"`
	ProviderID       string     `json:"providerId,omitempty"`
	ChargeRef        string     `json:"chargeRef,omitempty"`
	PaymentIntentRef string     `json:"paymentIntentRef,omitempty"`
	CustomerRef      string     `json:"customerRef,omitempty"`
	AmountCents      int64      `json:"amountCents"`
	Currency         string     `json:"currency"`
	Reason           string     `json:"reason,omitempty"`
	Status           Status     `json:"status"`
	EvidenceDueBy    *time.Time `json:"evidenceDueBy,omitempty"`
	// Applied is set once the account has been counted and flagged.
	Applied    bool       `json:"applied"`
	OpenedAt   time.Time  `json:"openedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Unattributed reports whether no provider could be found for the dispute.
func (d *Dispute) Unattributed() bool { return d.ProviderID == "" }

// Opening is the information carried by a "dispute opened" notice.
type Opening struct {
	DisputeRef       string
	ChargeRef        string
	PaymentIntentRef string
	CustomerRef      string
	AmountCents      int64
	Currency         string
	Reason           string
	EvidenceDueBy    *time.Time
}

// Store persists disputes.
type Store interface {
	// CreateIfAbsent inserts d unless its DisputeRef exists. It returns the
	// stored dispute and whether this call created it.
	CreateIfAbsent(ctx context.Context, d *Dispute) (*Dispute, bool, error)
	Get(ctx context.Context, disputeRef string) (*Dispute, error)
	// Attribute sets the provider of an unattributed dispute. It returns
	// false if the dispute already had one.
	Attribute(ctx context.Context, disputeRef, providerID string) (bool, error)
	// SetApplied flips the applied flag and reports whether it changed.
	SetApplied(ctx context.Context, disputeRef string, applied bool) (bool, error)
	// Close moves an open dispute to a terminal status. It returns false
	// with the stored dispute when the dispute was already closed.
	Close(ctx context.Context, disputeRef string, status Status, at time.Time) (*Dispute, bool, error)
	CountOpenByProvider(ctx context.Context, providerID string) (int, error)
	ListByProvider(ctx context.Context, providerID string, limit int) ([]*Dispute, error)
	ListUnattributed(ctx context.Context, limit int) ([]*Dispute, error)
}
