package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/sweepline/billing/internal/account"
	"github.com/sweepline/billing/internal/history"
	"github.com/sweepline/billing/internal/logging"
	"github.com/sweepline/billing/internal/payment"
)

// Attribution names the lookup that found a dispute's provider.
type Attribution string

const (
	ViaChargeRef        Attribution = "charge_ref"
	ViaPaymentIntentRef Attribution = "payment_intent_ref"
	ViaCustomerRef      Attribution = "customer_ref"
)

// ChargeLookup finds the customer behind a charge. payment.Gateway
// satisfies it.
type ChargeLookup interface {
	ChargeCustomer(ctx context.Context, chargeRef string) (string, error)
}

// Resolver maps a chargeback to the provider that was charged.
type Resolver struct {
	history  history.Store
	accounts account.Store
	charges  ChargeLookup
}

// NewResolver creates a resolver.
func NewResolver(hist history.Store, accounts account.Store) *Resolver {
	return &Resolver{history: hist, accounts: accounts}
}

// WithChargeLookup lets the resolver ask the provider for the customer when
// a dispute arrives with only a charge id.
func (r *Resolver) WithChargeLookup(charges ChargeLookup) *Resolver {
	r.charges = charges
	return r
}

// Resolve tries the payment record by charge ref, then by payment-intent
// ref, then the account holding the customer ref. ErrUnattributed means
// all three missed. A missing customer ref is fetched from the provider's
// charge when a ChargeLookup is set.
func (r *Resolver) Resolve(ctx context.Context, o Opening) (string, Attribution, error) {
	if o.ChargeRef != "" {
		e, err := r.history.FindByChargeRef(ctx, o.ChargeRef)
		switch {
		case err == nil:
			return e.ProviderID, ViaChargeRef, nil
		case !errors.Is(err, history.ErrNotFound):
			return "", "", fmt.Errorf("attribute by charge: %w", err)
		}
	}
	if o.PaymentIntentRef != "" {
		e, err := r.history.FindByPaymentIntentRef(ctx, o.PaymentIntentRef)
		switch {
		case err == nil:
			return e.ProviderID, ViaPaymentIntentRef, nil
		case !errors.Is(err, history.ErrNotFound):
			return "", "", fmt.Errorf("attribute by payment intent: %w", err)
		}
	}
	if o.CustomerRef == "" && o.ChargeRef != "" && r.charges != nil {
		customer, err := r.charges.ChargeCustomer(ctx, o.ChargeRef)
		switch {
		case err == nil:
			o.CustomerRef = customer
		case payment.KindOf(err) == payment.KindInvalidRequest:
			logging.L(ctx).Warn("dispute charge not found at provider", "charge_ref", o.ChargeRef, "error", err)
		default:
			return "", "", fmt.Errorf("look up charge customer: %w", err)
		}
	}
	if o.CustomerRef != "" {
		a, err := r.accounts.GetByCustomerRef(ctx, o.CustomerRef)
		switch {
		case err == nil:
			return a.ID, ViaCustomerRef, nil
		case !errors.Is(err, account.ErrAccountNotFound):
			return "", "", fmt.Errorf("attribute by customer: %w", err)
		}
	}
	return "", "", ErrUnattributed
}
