package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// Compile-time check that StripeGateway implements Gateway.
var _ Gateway = (*StripeGateway)(nil)

// StripeGateway charges stored cards through Stripe PaymentIntents.
type StripeGateway struct {
	api      *client.API
	currency string
}

// NewStripeGateway creates a gateway using the given secret key.
func NewStripeGateway(secretKey, currency string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return NewStripeGatewayWithClient(api, currency)
}

// NewStripeGatewayWithClient wraps an initialised client (tests point its
// backends at a stub server).
func NewStripeGatewayWithClient(api *client.API, currency string) *StripeGateway {
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeGateway{api: api, currency: currency}
}

// Charge creates and confirms an off-session PaymentIntent. The idempotency
// key makes a replay return the original intent instead of charging twice.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	currency := req.Currency
	if currency == "" {
		currency = g.currency
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(req.CustomerRef),
		PaymentMethod: stripe.String(req.InstrumentRef),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.Context = ctx

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return resultFromError(classifyStripeError("charge", err))
	}

	result := &ChargeResult{PaymentIntentRef: pi.ID}
	if pi.LatestCharge != nil {
		result.ChargeRef = pi.LatestCharge.ID
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		result.Status = ChargeSucceeded
	case stripe.PaymentIntentStatusRequiresAction:
		result.Status = ChargeRequiresAction
		result.DeclineReason = "the card requires authentication by the cardholder"
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		result.Status = ChargeDeclined
		result.DeclineReason = lastErrorMessage(pi)
	default:
		// processing and friends: the outcome arrives later, replay the key.
		return nil, &Error{Kind: KindTransient, Op: "charge", Code: string(pi.Status),
			Message: "payment intent not settled"}
	}
	return result, nil
}

// resultFromError converts provider decisions (declines, authentication
// challenges) into results and passes every other failure through.
func resultFromError(err *Error) (*ChargeResult, error) {
	switch err.Kind {
	case KindDeclined:
		return &ChargeResult{Status: ChargeDeclined, DeclineReason: err.Message, ChargeRef: chargeRefFrom(err)}, nil
	case KindAuthenticationRequired:
		return &ChargeResult{Status: ChargeRequiresAction, DeclineReason: err.Message, ChargeRef: chargeRefFrom(err)}, nil
	default:
		return nil, err
	}
}

func chargeRefFrom(err *Error) string {
	var se *stripe.Error
	if errors.As(err.Err, &se) {
		return se.ChargeID
	}
	return ""
}

func lastErrorMessage(pi *stripe.PaymentIntent) string {
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		return pi.LastPaymentError.Msg
	}
	return "the card was declined"
}

// DefaultInstrument returns the customer's invoice default payment method,
// falling back to the first stored card.
func (g *StripeGateway) DefaultInstrument(ctx context.Context, customerRef string) (*Instrument, error) {
	if customerRef == "" {
		return nil, &Error{Kind: KindNoInstrument, Op: "default_instrument", Message: "no customer on file"}
	}

	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddExpand("invoice_settings.default_payment_method")
	cust, err := g.api.Customers.Get(customerRef, params)
	if err != nil {
		ce := classifyStripeError("default_instrument", err)
		if ce.Code == string(stripe.ErrorCodeResourceMissing) {
			ce.Kind = KindNoInstrument
		}
		return nil, ce
	}
	if cust.Deleted {
		return nil, &Error{Kind: KindNoInstrument, Op: "default_instrument", Message: "customer deleted"}
	}
	if cust.InvoiceSettings != nil && cust.InvoiceSettings.DefaultPaymentMethod != nil {
		inst := instrumentFrom(cust.InvoiceSettings.DefaultPaymentMethod)
		inst.Default = true
		return &inst, nil
	}

	instruments, err := g.ListInstruments(ctx, customerRef)
	if err != nil {
		return nil, err
	}
	if len(instruments) == 0 {
		return nil, &Error{Kind: KindNoInstrument, Op: "default_instrument", Message: "no stored payment method"}
	}
	return &instruments[0], nil
}

// ListInstruments lists the customer's stored cards.
func (g *StripeGateway) ListInstruments(ctx context.Context, customerRef string) ([]Instrument, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerRef),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx

	var out []Instrument
	iter := g.api.PaymentMethods.List(params)
	for iter.Next() {
		out = append(out, instrumentFrom(iter.PaymentMethod()))
	}
	if err := iter.Err(); err != nil {
		return nil, classifyStripeError("list_instruments", err)
	}
	return out, nil
}

// ChargeCustomer looks up the customer on a charge. Dispute events carry the
// charge as a bare id, so this is how a dispute finds its customer.
func (g *StripeGateway) ChargeCustomer(ctx context.Context, chargeRef string) (string, error) {
	if chargeRef == "" {
		return "", &Error{Kind: KindInvalidRequest, Op: "charge_customer", Message: "charge ref is required"}
	}
	params := &stripe.ChargeParams{}
	params.Context = ctx
	ch, err := g.api.Charges.Get(chargeRef, params)
	if err != nil {
		return "", classifyStripeError("charge_customer", err)
	}
	if ch.Customer == nil {
		return "", nil
	}
	return ch.Customer.ID, nil
}

func instrumentFrom(pm *stripe.PaymentMethod) Instrument {
	inst := Instrument{Ref: pm.ID}
	if pm.Card != nil {
		inst.Brand = string(pm.Card.Brand)
		inst.Last4 = pm.Card.Last4
	}
	return inst
}

// classifyStripeError maps Stripe's error shape onto Kind.
func classifyStripeError(op string, err error) *Error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		// Network failures never reached Stripe's error envelope.
		return transient(op, err)
	}

	out := &Error{Op: op, Code: string(se.Code), Message: se.Msg, Err: err}
	switch {
	case se.Code == stripe.ErrorCodeAuthenticationRequired:
		out.Kind = KindAuthenticationRequired
	case se.Type == stripe.ErrorTypeCard:
		out.Kind = KindDeclined
		if out.Message == "" {
			out.Message = "the card was declined"
		}
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= http.StatusInternalServerError,
		se.Type == stripe.ErrorTypeAPI:
		out.Kind = KindTransient
	default:
		out.Kind = KindInvalidRequest
	}
	return out
}
