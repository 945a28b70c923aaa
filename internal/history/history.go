// Package history records successful payments (per-lead charges and
// subscription invoices) in one place so a later chargeback can be traced
// back to the provider that was charged.
package history

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("payment history entry not found")

// Source is what a payment was for.
type Source string

const (
	SourceLeadCharge   Source = "lead_charge"
	SourceSubscription Source = "subscription"
)

// Entry is one successful payment.
type Entry struct {
	ID               string    `json:"id"`
	ProviderID       string    `json:"providerId"`
	Source           Source    `json:"source"`
	ChargeRef        string    `json:"chargeRef,omitempty"`
	PaymentIntentRef string    `json:"paymentIntentRef,omitempty"`
	CustomerRef      string    `json:"customerRef,omitempty"`
	LeadID           string    `json:"leadId,omitempty"`
	AmountCents      int64     `json:"amountCents"`
	Currency         string    `json:"currency"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Store persists payment history.
type Store interface {
	// Record inserts e. Recording a charge ref that is already present is a
	// no-op, so replayed events and re-driven charges never duplicate rows.
	Record(ctx context.Context, e *Entry) error
	FindByChargeRef(ctx context.Context, chargeRef string) (*Entry, error)
	FindByPaymentIntentRef(ctx context.Context, paymentIntentRef string) (*Entry, error)
	ListByProvider(ctx context.Context, providerID string, limit int) ([]*Entry, error)
}
