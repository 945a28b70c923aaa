// Package leadcharge decides whether claiming a lead costs the provider
// money and, when it does, charges the provider's stored card exactly once.
//
// Every charge attempt is persisted as pending before the gateway is called
// and carries an idempotency key derived from (provider, lead, attempt), so
// a crash, timeout or concurrent claim can only ever replay the same charge.
package leadcharge

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNeedsPaymentMethod is user-actionable: the provider must add or fix
	// a card. Match with errors.Is; *DeclineError carries the reason.
	ErrNeedsPaymentMethod = errors.New("payment method required")
	// ErrTransientProvider means the gateway could not be reached in time.
	// The charge is left pending and is safe to retry.
	ErrTransientProvider = errors.New("payment provider temporarily unavailable")
	// ErrConfiguration means a tier has no fee or allowance configured, or
	// the provider rejected the charge request as invalid.
	ErrConfiguration = errors.New("billing configuration error")

	ErrChargeNotFound = errors.New("lead charge not found")
	ErrAttemptExists  = errors.New("lead charge attempt already exists")
	ErrNotPending     = errors.New("lead charge is not pending")
)

// DeclineError reports a charge the provider refused.
type DeclineError struct {
	Reason   string
	ChargeID string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNeedsPaymentMethod, e.Reason)
}

func (e *DeclineError) Unwrap() error { return ErrNeedsPaymentMethod }

// Status is a charge attempt's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Charge is one attempt to charge a provider for one lead.
type Charge struct {
	ID               string    `json:"id"`
	ProviderID       string    `json:"providerId"`
	LeadID           string    `json:"leadId"`
	Attempt          int       `json:"attempt"`
	IdempotencyKey   string    `json:"idempotencyKey"`
	AmountCents      int64     `json:"amountCents"`
	Currency         string    `json:"currency"`
	CustomerRef      string    `json:"customerRef"`
	InstrumentRef    string    `json:"instrumentRef"`
	Status           Status    `json:"status"`
	ChargeRef        string    `json:"providerChargeRef,omitempty"`
	PaymentIntentRef string    `json:"paymentIntentRef,omitempty"`
	FailureReason    string    `json:"failureReason,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the attempt has left pending.
func (c *Charge) IsTerminal() bool {
	return c.Status == StatusSucceeded || c.Status == StatusFailed
}

// IdempotencyKey derives the gateway key for an attempt.
func IdempotencyKey(providerID, leadID string, attempt int) string {
	return fmt.Sprintf("lead_%s_%s_%d", providerID, leadID, attempt)
}

// Outcome is the successful result of AttemptLeadCharge.
type Outcome string

const (
	OutcomeNoChargeRequired Outcome = "no_charge_required"
	OutcomeCharged          Outcome = "charged"
)

// Result is returned when a lead may be claimed.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Charge  *Charge `json:"charge,omitempty"`
}

// Store persists charge attempts.
type Store interface {
	// Create inserts a pending attempt, returning ErrAttemptExists when the
	// (provider, lead, attempt) triple is already taken.
	Create(ctx context.Context, c *Charge) error
	Get(ctx context.Context, id string) (*Charge, error)
	// Latest returns the highest attempt for a lead, or ErrChargeNotFound.
	Latest(ctx context.Context, providerID, leadID string) (*Charge, error)
	// MarkSucceeded and MarkFailed move a pending attempt to a terminal
	// state. Both return ErrNotPending if the attempt already left pending.
	MarkSucceeded(ctx context.Context, id, chargeRef, paymentIntentRef string) error
	MarkFailed(ctx context.Context, id, reason, chargeRef, paymentIntentRef string) error
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Charge, error)
	ListByProvider(ctx context.Context, providerID string, limit int) ([]*Charge, error)
}
