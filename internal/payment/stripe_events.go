package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Stripe event types routed to billing handlers.
var stripeEventTypes = map[stripe.EventType]EventType{
	stripe.EventTypeInvoicePaymentFailed:    EventSubscriptionPaymentFailed,
	stripe.EventTypeInvoicePaymentSucceeded: EventSubscriptionPaymentSucceeded,
	stripe.EventTypeInvoicePaid:             EventSubscriptionPaymentSucceeded,
	stripe.EventTypeChargeDisputeCreated:    EventDisputeOpened,
	stripe.EventTypeChargeDisputeClosed:     EventDisputeClosed,
}

// StripeVerifier checks the Stripe-Signature header and decodes the event.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier for the endpoint's signing secret.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

// Verify authenticates payload and returns the decoded event. Events are
// accepted regardless of the API version they were rendered with; only the
// fields read below matter.
func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret,
		webhook.ConstructEventOptions{
			Tolerance:                v.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return DecodeStripeEvent(evt)
}

// DecodeStripeEvent maps a Stripe event onto Event.
func DecodeStripeEvent(evt stripe.Event) (*Event, error) {
	if evt.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	out := &Event{
		ID:           evt.ID,
		ProviderType: string(evt.Type),
		Type:         stripeEventTypes[evt.Type],
		Created:      time.Unix(evt.Created, 0).UTC(),
		Livemode:     evt.Livemode,
	}
	if !out.Recognised() {
		return out, nil
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s has no data object", ErrMalformedEvent, evt.ID)
	}

	switch out.Type {
	case EventSubscriptionPaymentFailed, EventSubscriptionPaymentSucceeded:
		var inv stripe.Invoice
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: invoice: %v", ErrMalformedEvent, err)
		}
		out.Invoice = invoiceNotice(&inv)
		if out.Invoice.CustomerRef == "" {
			return nil, fmt.Errorf("%w: invoice %s has no customer", ErrMalformedEvent, inv.ID)
		}
	case EventDisputeOpened, EventDisputeClosed:
		var d stripe.Dispute
		if err := json.Unmarshal(evt.Data.Raw, &d); err != nil {
			return nil, fmt.Errorf("%w: dispute: %v", ErrMalformedEvent, err)
		}
		if d.ID == "" {
			return nil, fmt.Errorf("%w: dispute without id", ErrMalformedEvent)
		}
		out.Dispute = disputeNotice(&d)
	}
	return out, nil
}

func invoiceNotice(inv *stripe.Invoice) *InvoiceNotice {
	n := &InvoiceNotice{
		InvoiceRef:   inv.ID,
		AmountCents:  inv.AmountDue,
		Currency:     string(inv.Currency),
		AttemptCount: inv.AttemptCount,
	}
	if inv.AmountPaid > 0 {
		n.AmountCents = inv.AmountPaid
	}
	if inv.Customer != nil {
		n.CustomerRef = inv.Customer.ID
	}
	if inv.Subscription != nil {
		n.SubscriptionRef = inv.Subscription.ID
	}
	if inv.Charge != nil {
		n.ChargeRef = inv.Charge.ID
	}
	if inv.PaymentIntent != nil {
		n.PaymentIntentRef = inv.PaymentIntent.ID
	}
	return n
}

func disputeNotice(d *stripe.Dispute) *DisputeNotice {
	n := &DisputeNotice{
		DisputeRef:  d.ID,
		AmountCents: d.Amount,
		Currency:    string(d.Currency),
		Reason:      string(d.Reason),
		Status:      string(d.Status),
	}
	if d.Charge != nil {
		n.ChargeRef = d.Charge.ID
		if d.Charge.Customer != nil {
			n.CustomerRef = d.Charge.Customer.ID
		}
	}
	if d.PaymentIntent != nil {
		n.PaymentIntentRef = d.PaymentIntent.ID
	}
	if d.EvidenceDetails != nil && d.EvidenceDetails.DueBy > 0 {
		due := time.Unix(d.EvidenceDetails.DueBy, 0).UTC()
		n.EvidenceDueBy = &due
	}
	return n
}

// IsSignatureError reports whether err came from signature verification.
func IsSignatureError(err error) bool {
	return errors.Is(err, ErrInvalidSignature)
}
