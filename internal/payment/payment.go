// Package payment is the narrow capability this service needs from the card
// payment provider: off-session charges, stored-instrument lookup, and
// verified webhook events.
//
// Provider failures are classified once, here, into an *Error carrying a
// Kind. Callers branch on the kind, never on provider message strings.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sweepline/billing/internal/circuitbreaker"
)

// ChargeStatus is the outcome of a completed charge call.
type ChargeStatus string

const (
	ChargeSucceeded      ChargeStatus = "succeeded"
	ChargeDeclined       ChargeStatus = "declined"
	ChargeRequiresAction ChargeStatus = "requires_action"
)

// ChargeRequest is an off-session charge against a stored instrument.
type ChargeRequest struct {
	CustomerRef    string
	InstrumentRef  string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

// ChargeResult is what the provider reported for a charge.
type ChargeResult struct {
	Status           ChargeStatus
	ChargeRef        string
	PaymentIntentRef string
	DeclineReason    string // human-readable, set when not succeeded
}

// Instrument is a stored payment method.
type Instrument struct {
	Ref     string `json:"ref"`
	Brand   string `json:"brand,omitempty"`
	Last4   string `json:"last4,omitempty"`
	Default bool   `json:"default"`
}

// Gateway talks to the payment provider.
//
// Charge returns a result for every outcome the provider decided
// (succeeded, declined, requires_action) and an *Error for everything else.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// DefaultInstrument returns the instrument to charge, or an *Error of
	// KindNoInstrument when the customer has none on file.
	DefaultInstrument(ctx context.Context, customerRef string) (*Instrument, error)
	ListInstruments(ctx context.Context, customerRef string) ([]Instrument, error)
	// ChargeCustomer returns the customer a charge was made for, or "" when
	// the charge has none.
	ChargeCustomer(ctx context.Context, chargeRef string) (string, error)
}

// Kind tags a gateway failure.
type Kind string

const (
	KindDeclined               Kind = "declined"
	KindAuthenticationRequired Kind = "authentication_required"
	KindTransient              Kind = "transient"
	KindInvalidRequest         Kind = "invalid_request"
	KindNoInstrument           Kind = "no_instrument"
)

// Error is a classified gateway failure.
type Error struct {
	Kind    Kind
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("payment %s: %s (%s): %s", e.Op, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("payment %s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err. Deadlines, cancellations, an open breaker, and any
// error not already classified are transient: the same idempotency key can
// safely be replayed.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

func transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// classifyContext turns the errors a timeout or open circuit produces into
// transient gateway errors.
func classifyContext(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	te := transient(op, err)
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		te.Code = "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		te.Code = "timeout"
	case errors.Is(err, context.Canceled):
		te.Code = "canceled"
	}
	return te
}

// EventType is a provider-neutral inbound event type.
type EventType string

const (
	EventSubscriptionPaymentFailed    EventType = "subscription-payment-failed"
	EventSubscriptionPaymentSucceeded EventType = "subscription-payment-succeeded"
	EventDisputeOpened                EventType = "dispute-opened"
	EventDisputeClosed                EventType = "dispute-closed"
)

// Event is a verified inbound webhook event. Exactly one of Invoice or
// Dispute is set for recognised types; both are nil for others.
type Event struct {
	ID           string
	ProviderType string // the provider's own type string
	Type         EventType
	Created      time.Time
	Livemode     bool
	Invoice      *InvoiceNotice
	Dispute      *DisputeNotice
}

// Recognised reports whether the event maps to a billing handler.
func (e *Event) Recognised() bool {
	return e.Type != ""
}

// InvoiceNotice carries the subscription-payment fields of an event.
type InvoiceNotice struct {
	InvoiceRef       string
	CustomerRef      string
	SubscriptionRef  string
	ChargeRef        string
	PaymentIntentRef string
	AmountCents      int64
	Currency         string
	AttemptCount     int64
}

// DisputeNotice carries the chargeback fields of an event.
type DisputeNotice struct {
	DisputeRef       string
	ChargeRef        string
	PaymentIntentRef string
	CustomerRef      string
	AmountCents      int64
	Currency         string
	Reason           string
	Status           string
	EvidenceDueBy    *time.Time
}

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

// Verifier authenticates a raw webhook delivery and decodes it.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (*Event, error)
}
