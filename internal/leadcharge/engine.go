package leadcharge

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweepline/billing/internal/account"
	"github.com/sweepline/billing/internal/history"
	"github.com/sweepline/billing/internal/idgen"
	"github.com/sweepline/billing/internal/logging"
	"github.com/sweepline/billing/internal/notify"
	"github.com/sweepline/billing/internal/payment"
	"github.com/sweepline/billing/internal/syncutil"
	"github.com/sweepline/billing/internal/traces"
)

var chargesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Subsystem: "leadcharge",
	Name:      "lead_charges_total",
	Help:      "Lead charge decisions by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(chargesTotal)
}

// maxCreateRaces bounds how often a caller re-reads after losing the
// insert race for an attempt before giving up.
const maxCreateRaces = 3

// Engine decides payability of a lead claim and executes the charge.
type Engine struct {
	accounts  account.Store
	charges   Store
	gateway   payment.Gateway
	history   history.Store
	notifier  *notify.Dispatcher
	catalogue account.Catalogue
	locks     *syncutil.KeyedMutex
	currency  string
}

// NewEngine creates a lead charge engine using the default tier catalogue.
func NewEngine(accounts account.Store, charges Store, gateway payment.Gateway, hist history.Store, notifier *notify.Dispatcher) *Engine {
	return &Engine{
		accounts:  accounts,
		charges:   charges,
		gateway:   gateway,
		history:   hist,
		notifier:  notifier,
		catalogue: account.DefaultCatalogue,
		locks:     syncutil.NewKeyedMutex(0),
		currency:  "usd",
	}
}

// WithCatalogue overrides the tier fee and allowance table.
func (e *Engine) WithCatalogue(c account.Catalogue) *Engine {
	e.catalogue = c
	return e
}

// WithCurrency sets the charge currency.
func (e *Engine) WithCurrency(currency string) *Engine {
	if currency != "" {
		e.currency = currency
	}
	return e
}

// AttemptLeadCharge decides whether claiming leadID costs providerID
// anything under tier and, if so, charges the stored card. It returns a
// Result when the lead may be claimed. Errors match ErrNeedsPaymentMethod,
// ErrTransientProvider or ErrConfiguration; a transient error leaves the
// attempt pending and the lead unclaimed.
func (e *Engine) AttemptLeadCharge(ctx context.Context, providerID, leadID string, tier account.Tier) (_ *Result, retErr error) {
	ctx = logging.WithProvider(ctx, providerID)
	ctx, span := traces.StartSpan(ctx, "leadcharge.Attempt",
		traces.ProviderID(providerID), traces.LeadID(leadID))
	defer func() { traces.End(span, retErr) }()

	result, err := e.attempt(ctx, providerID, leadID, tier)
	chargesTotal.WithLabelValues(outcomeLabel(result, err)).Inc()
	return result, err
}

func (e *Engine) attempt(ctx context.Context, providerID, leadID string, tier account.Tier) (*Result, error) {
	log := logging.L(ctx).With("lead_id", leadID)

	cfg, err := e.catalogue.Lookup(tier)
	if err != nil {
		log.Error("lead charge configuration missing", "tier", tier, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if cfg.NeverCharges() {
		return &Result{Outcome: OutcomeNoChargeRequired}, nil
	}

	acct, err := e.accounts.Get(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("load provider account: %w", err)
	}
	if !cfg.RequiresPayment(acct.LeadCreditsUsed) {
		return &Result{Outcome: OutcomeNoChargeRequired}, nil
	}

	// In-process serialisation only trims gateway round trips; the unique
	// attempt key is what makes concurrent claims safe.
	unlock, err := e.locks.Lock(ctx, providerID+"/"+leadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for i := 0; i < maxCreateRaces; i++ {
		prior, err := e.charges.Latest(ctx, providerID, leadID)
		if err != nil && !errors.Is(err, ErrChargeNotFound) {
			return nil, fmt.Errorf("load lead charge: %w", err)
		}

		if prior != nil {
			switch prior.Status {
			case StatusSucceeded:
				log.Debug("lead already charged", "charge_id", prior.ID)
				return &Result{Outcome: OutcomeCharged, Charge: prior}, nil
			case StatusPending:
				return e.drive(ctx, prior)
			}
		}

		attempt := 1
		if prior != nil {
			attempt = prior.Attempt + 1
		}

		inst, err := e.resolveInstrument(ctx, acct)
		if err != nil {
			return nil, err
		}

		charge := &Charge{
			ID:             idgen.WithPrefix(idgen.PrefixLeadCharge),
			ProviderID:     providerID,
			LeadID:         leadID,
			Attempt:        attempt,
			IdempotencyKey: IdempotencyKey(providerID, leadID, attempt),
			AmountCents:    cfg.LeadFeeCents,
			Currency:       e.currency,
			CustomerRef:    acct.PaymentCustomerRef,
			InstrumentRef:  inst.Ref,
			Status:         StatusPending,
		}
		err = e.charges.Create(ctx, charge)
		if errors.Is(err, ErrAttemptExists) {
			log.Info("lost lead charge attempt race, re-reading", "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create lead charge: %w", err)
		}
		return e.drive(ctx, charge)
	}
	return nil, fmt.Errorf("%w: attempt creation kept racing", ErrTransientProvider)
}

// resolveInstrument finds the card to charge. No customer or no card is
// the provider's problem to fix, never a retry.
func (e *Engine) resolveInstrument(ctx context.Context, acct *account.Account) (*payment.Instrument, error) {
	if acct.PaymentCustomerRef == "" {
		return nil, &DeclineError{Reason: "no payment method on file"}
	}
	inst, err := e.gateway.DefaultInstrument(ctx, acct.PaymentCustomerRef)
	if err == nil {
		return inst, nil
	}
	switch payment.KindOf(err) {
	case payment.KindNoInstrument:
		return nil, &DeclineError{Reason: "no payment method on file"}
	case payment.KindTransient:
		return nil, fmt.Errorf("%w: %v", ErrTransientProvider, err)
	default:
		return nil, fmt.Errorf("%w: resolve payment instrument: %v", ErrConfiguration, err)
	}
}

// Redrive replays a pending charge with its stored idempotency key. The
// reconciler uses it; terminal charges are returned as they are.
func (e *Engine) Redrive(ctx context.Context, c *Charge) (_ *Result, retErr error) {
	ctx = logging.WithProvider(ctx, c.ProviderID)
	ctx, span := traces.StartSpan(ctx, "leadcharge.Redrive",
		traces.ProviderID(c.ProviderID), traces.LeadID(c.LeadID))
	defer func() { traces.End(span, retErr) }()

	unlock, err := e.locks.Lock(ctx, c.ProviderID+"/"+c.LeadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := e.charges.Get(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	result, err := e.drive(ctx, current)
	chargesTotal.WithLabelValues(outcomeLabel(result, err)).Inc()
	return result, err
}

// drive moves a charge from pending to terminal by calling the gateway.
func (e *Engine) drive(ctx context.Context, c *Charge) (*Result, error) {
	if c.IsTerminal() {
		return settled(c)
	}
	log := logging.L(ctx).With("lead_id", c.LeadID, "charge_id", c.ID, "attempt", c.Attempt)

	res, err := e.gateway.Charge(ctx, payment.ChargeRequest{
		CustomerRef:    c.CustomerRef,
		InstrumentRef:  c.InstrumentRef,
		AmountCents:    c.AmountCents,
		Currency:       c.Currency,
		IdempotencyKey: c.IdempotencyKey,
		Description:    "Lead " + c.LeadID,
		Metadata: map[string]string{
			"provider_id": c.ProviderID,
			"lead_id":     c.LeadID,
		},
	})
	if err != nil {
		switch payment.KindOf(err) {
		case payment.KindTransient:
			log.Warn("lead charge left pending", "error", err)
			return nil, fmt.Errorf("%w: %v", ErrTransientProvider, err)
		case payment.KindNoInstrument:
			return e.fail(ctx, c, "no payment method on file", "", "")
		case payment.KindDeclined, payment.KindAuthenticationRequired:
			return e.fail(ctx, c, declineMessage(err), "", "")
		default:
			// The provider refused the request itself. Retrying with the
			// same key cannot succeed.
			log.Error("lead charge rejected by gateway", "error", err)
			if ferr := e.charges.MarkFailed(ctx, c.ID, "payment request rejected by provider", "", ""); ferr != nil && !errors.Is(ferr, ErrNotPending) {
				return nil, ferr
			}
			return nil, fmt.Errorf("%w: lead charge %s: %v", ErrConfiguration, c.ID, err)
		}
	}

	switch res.Status {
	case payment.ChargeSucceeded:
		return e.succeed(ctx, c, res)
	default:
		return e.fail(ctx, c, res.DeclineReason, res.ChargeRef, res.PaymentIntentRef)
	}
}

func (e *Engine) succeed(ctx context.Context, c *Charge, res *payment.ChargeResult) (*Result, error) {
	err := e.charges.MarkSucceeded(ctx, c.ID, res.ChargeRef, res.PaymentIntentRef)
	if errors.Is(err, ErrNotPending) {
		return e.reload(ctx, c.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("mark lead charge succeeded: %w", err)
	}
	c.Status = StatusSucceeded
	c.ChargeRef = res.ChargeRef
	c.PaymentIntentRef = res.PaymentIntentRef

	if err := e.history.Record(ctx, &history.Entry{
		ProviderID:       c.ProviderID,
		Source:           history.SourceLeadCharge,
		ChargeRef:        c.ChargeRef,
		PaymentIntentRef: c.PaymentIntentRef,
		CustomerRef:      c.CustomerRef,
		LeadID:           c.LeadID,
		AmountCents:      c.AmountCents,
		Currency:         c.Currency,
	}); err != nil {
		// The money moved; a missing history row only weakens dispute
		// attribution, which falls back to the customer ref.
		logging.L(ctx).Error("record lead charge history failed", "charge_id", c.ID, "error", err)
	}

	logging.L(ctx).Info("lead charged", "lead_id", c.LeadID, "charge_id", c.ID, "amount_cents", c.AmountCents)
	e.notifier.Send(ctx, notify.ProviderRecipient(c.ProviderID), notify.KindLeadChargeSucceeded, map[string]interface{}{
		"leadId":      c.LeadID,
		"amountCents": c.AmountCents,
		"currency":    c.Currency,
		"chargeRef":   c.ChargeRef,
	})
	return &Result{Outcome: OutcomeCharged, Charge: c}, nil
}

func (e *Engine) fail(ctx context.Context, c *Charge, reason, chargeRef, intentRef string) (*Result, error) {
	if reason == "" {
		reason = "the card was declined"
	}
	err := e.charges.MarkFailed(ctx, c.ID, reason, chargeRef, intentRef)
	if errors.Is(err, ErrNotPending) {
		return e.reload(ctx, c.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("mark lead charge failed: %w", err)
	}

	logging.L(ctx).Info("lead charge declined", "lead_id", c.LeadID, "charge_id", c.ID, "reason", reason)
	e.notifier.Send(ctx, notify.ProviderRecipient(c.ProviderID), notify.KindLeadChargeFailed, map[string]interface{}{
		"leadId":      c.LeadID,
		"amountCents": c.AmountCents,
		"reason":      reason,
	})
	return nil, &DeclineError{Reason: reason, ChargeID: c.ID}
}

func declineMessage(err error) string {
	var pe *payment.Error
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return "the card was declined"
}

// reload returns whatever terminal state a concurrent driver committed.
func (e *Engine) reload(ctx context.Context, id string) (*Result, error) {
	current, err := e.charges.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return settled(current)
}

func settled(c *Charge) (*Result, error) {
	switch c.Status {
	case StatusSucceeded:
		return &Result{Outcome: OutcomeCharged, Charge: c}, nil
	case StatusFailed:
		return nil, &DeclineError{Reason: c.FailureReason, ChargeID: c.ID}
	default:
		return nil, fmt.Errorf("%w: charge %s still pending", ErrTransientProvider, c.ID)
	}
}

func outcomeLabel(r *Result, err error) string {
	switch {
	case err == nil && r != nil:
		return string(r.Outcome)
	case errors.Is(err, ErrNeedsPaymentMethod):
		return "needs_payment_method"
	case errors.Is(err, ErrTransientProvider):
		return "transient"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "error"
	}
}

// ListByProvider returns a provider's charge attempts, newest first.
func (e *Engine) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Charge, error) {
	return e.charges.ListByProvider(ctx, providerID, limit)
}
