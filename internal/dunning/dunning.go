// Package dunning advances a provider's subscription billing state on each
// failed or successful subscription payment.
//
// The machine is keyed by (paymentFailureCount, gracePeriodEnd, now):
//
//	first failure        start grace period, past_due, notify attempt 1 of N
//	later failure < N    keep grace period, notify attempt k of N
//	failure >= N         final warning while now < grace end, else downgrade
//	success              reset the episode, active
//
// Each step runs inside account.Store.Transition so concurrent deliveries
// for the same provider cannot both see themselves as the first failure.
// Webhook-driven steps use TransitionEvent, which records the provider event
// id in the same write, so a redelivered event never counts twice. A failure
// that happened before the account's last successful payment is stale and
// changes nothing. Notifications go out after the transition commits and
// are best effort.
package dunning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweepline/billing/internal/account"
	"github.com/sweepline/billing/internal/logging"
	"github.com/sweepline/billing/internal/notify"
	"github.com/sweepline/billing/internal/traces"
)

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Subsystem: "dunning",
	Name:      "transitions_total",
	Help:      "Dunning transitions by action.",
}, []string{"action"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// Action is what a failure did to the account.
type Action string

const (
	ActionGraceStarted Action = "grace_started"
	ActionReminder     Action = "reminder"
	ActionFinalWarning Action = "final_warning"
	ActionDowngraded   Action = "downgraded"
	// ActionDuplicate means the event already transitioned the account.
	ActionDuplicate Action = "duplicate"
	// ActionStale means the failure predates the last successful payment.
	ActionStale Action = "stale"
)

// Payment identifies the provider event behind a subscription payment
// outcome. The zero value is a direct call: no event id, occurring now.
type Payment struct {
	EventID    string
	InvoiceRef string
	OccurredAt time.Time
}

// State is the outcome of a failure transition.
type State struct {
	Action             Action                     `json:"action"`
	Attempt            int                        `json:"attempt"`
	MaxAttempts        int                        `json:"maxAttempts"`
	GracePeriodEnd     *time.Time                 `json:"gracePeriodEnd,omitempty"`
	Tier               account.Tier               `json:"tier"`
	SubscriptionStatus account.SubscriptionStatus `json:"subscriptionStatus"`
}

// Machine is the dunning state machine.
type Machine struct {
	accounts    account.Store
	notifier    *notify.Dispatcher
	gracePeriod time.Duration
	maxAttempts int
	now         func() time.Time
}

// New creates a dunning machine. maxAttempts below 2 is raised to 2 so the
// first failure always leaves room for a grace period.
func New(accounts account.Store, notifier *notify.Dispatcher, gracePeriod time.Duration, maxAttempts int) *Machine {
	if maxAttempts < 2 {
		maxAttempts = 2
	}
	return &Machine{
		accounts:    accounts,
		notifier:    notifier,
		gracePeriod: gracePeriod,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// WithClock replaces the time source (tests).
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// MaxAttempts returns the configured failure limit.
func (m *Machine) MaxAttempts() int { return m.maxAttempts }

// OnPaymentFailed records one subscription payment failure. Every call
// counts; use RecordFailure to deduplicate provider events.
func (m *Machine) OnPaymentFailed(ctx context.Context, providerID, invoiceRef string) (*State, error) {
	return m.RecordFailure(ctx, providerID, Payment{InvoiceRef: invoiceRef})
}

// RecordFailure records the failure described by p. A p.EventID already
// applied to the account returns ActionDuplicate without side effects.
func (m *Machine) RecordFailure(ctx context.Context, providerID string, p Payment) (_ *State, retErr error) {
	ctx = logging.WithProvider(ctx, providerID)
	ctx, span := traces.StartSpan(ctx, "dunning.RecordFailure", traces.ProviderID(providerID))
	defer func() { traces.End(span, retErr) }()

	var (
		state        State
		previousTier account.Tier
		repaired     bool
	)
	now := m.now().UTC()
	occurred := now
	if !p.OccurredAt.IsZero() {
		occurred = p.OccurredAt.UTC()
	}

	acct, err := m.transition(ctx, providerID, p.EventID, func(a *account.Account) error {
		previousTier = a.Tier
		repaired = false
		if a.LastPaymentAt != nil && occurred.Before(*a.LastPaymentAt) {
			state = m.stateOf(a, ActionStale, a.PaymentFailures)
			return account.ErrNoChange
		}
		state = m.fail(a, now, &repaired)
		return nil
	})
	log := logging.L(ctx)
	if errors.Is(err, account.ErrEventApplied) {
		transitionsTotal.WithLabelValues(string(ActionDuplicate)).Inc()
		log.Debug("subscription payment failure already applied", "invoice_ref", p.InvoiceRef)
		state = m.stateOf(acct, ActionDuplicate, acct.PaymentFailures)
		return &state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dunning failure transition: %w", err)
	}

	transitionsTotal.WithLabelValues(string(state.Action)).Inc()
	if state.Action == ActionStale {
		log.Info("ignoring subscription payment failure older than last payment",
			"invoice_ref", p.InvoiceRef,
			"occurred_at", occurred,
		)
		return &state, nil
	}
	if repaired {
		log.Warn("payment failure count without grace period, grace period started now",
			"attempt", state.Attempt)
	}
	log.Info("subscription payment failed",
		"action", state.Action,
		"attempt", state.Attempt,
		"max_attempts", state.MaxAttempts,
		"invoice_ref", p.InvoiceRef,
	)

	m.notifyFailure(ctx, providerID, p.InvoiceRef, previousTier, &state)
	return &state, nil
}

func (m *Machine) transition(ctx context.Context, providerID, eventID string, fn account.TransitionFunc) (*account.Account, error) {
	if eventID == "" {
		return m.accounts.Transition(ctx, providerID, fn)
	}
	return m.accounts.TransitionEvent(ctx, providerID, eventID, fn)
}

// fail applies one failure to a. It is the whole transition table.
func (m *Machine) fail(a *account.Account, now time.Time, repaired *bool) State {
	switch {
	case a.PaymentFailures == 0:
		a.PaymentFailures = 1
		end := now.Add(m.gracePeriod)
		a.GracePeriodEnd = &end
		a.SubscriptionStatus = account.SubscriptionPastDue
		return m.stateOf(a, ActionGraceStarted, 1)
	case a.GracePeriodEnd == nil:
		end := now.Add(m.gracePeriod)
		a.GracePeriodEnd = &end
		*repaired = true
	}

	a.PaymentFailures++
	a.SubscriptionStatus = account.SubscriptionPastDue
	attempt := a.PaymentFailures

	if attempt < m.maxAttempts {
		return m.stateOf(a, ActionReminder, attempt)
	}
	if now.Before(*a.GracePeriodEnd) {
		return m.stateOf(a, ActionFinalWarning, attempt)
	}

	a.Tier = account.TierFree
	a.GracePeriodEnd = nil
	a.PaymentFailures = 0
	a.SubscriptionStatus = account.SubscriptionCanceled
	return m.stateOf(a, ActionDowngraded, attempt)
}

func (m *Machine) stateOf(a *account.Account, action Action, attempt int) State {
	s := State{
		Action:             action,
		Attempt:            attempt,
		MaxAttempts:        m.maxAttempts,
		Tier:               a.Tier,
		SubscriptionStatus: a.SubscriptionStatus,
	}
	if a.GracePeriodEnd != nil {
		end := *a.GracePeriodEnd
		s.GracePeriodEnd = &end
	}
	return s
}

func (m *Machine) notifyFailure(ctx context.Context, providerID, invoiceRef string, previousTier account.Tier, s *State) {
	data := map[string]interface{}{
		"attempt":     s.Attempt,
		"maxAttempts": s.MaxAttempts,
		"invoiceRef":  invoiceRef,
	}
	if s.GracePeriodEnd != nil {
		data["gracePeriodEnd"] = s.GracePeriodEnd.Format(time.RFC3339)
	}

	kind := notify.KindPaymentFailed
	switch s.Action {
	case ActionFinalWarning:
		kind = notify.KindFinalWarning
	case ActionDowngraded:
		kind = notify.KindDowngraded
		data["previousTier"] = string(previousTier)
		data["tier"] = string(s.Tier)
	}
	m.notifier.Send(ctx, notify.ProviderRecipient(providerID), kind, data)
}

// OnPaymentSucceeded ends any open failure episode. It is a no-op, without
// a notification, when the account is already in good standing.
func (m *Machine) OnPaymentSucceeded(ctx context.Context, providerID string) error {
	return m.RecordSuccess(ctx, providerID, Payment{})
}

// RecordSuccess ends any open failure episode and remembers when the
// payment happened, so failures delivered late are recognised as stale.
func (m *Machine) RecordSuccess(ctx context.Context, providerID string, p Payment) (retErr error) {
	ctx = logging.WithProvider(ctx, providerID)
	ctx, span := traces.StartSpan(ctx, "dunning.RecordSuccess", traces.ProviderID(providerID))
	defer func() { traces.End(span, retErr) }()

	occurred := m.now().UTC()
	if !p.OccurredAt.IsZero() {
		occurred = p.OccurredAt.UTC()
	}

	var (
		recovered bool
		failures  int
	)
	_, err := m.transition(ctx, providerID, p.EventID, func(a *account.Account) error {
		recovered = a.InFailureEpisode()
		failures = a.PaymentFailures
		newer := a.LastPaymentAt == nil || occurred.After(*a.LastPaymentAt)
		if !recovered && a.SubscriptionStatus == account.SubscriptionActive && !newer {
			return account.ErrNoChange
		}
		if newer {
			a.LastPaymentAt = &occurred
		}
		a.PaymentFailures = 0
		a.GracePeriodEnd = nil
		a.SubscriptionStatus = account.SubscriptionActive
		return nil
	})
	if errors.Is(err, account.ErrEventApplied) {
		logging.L(ctx).Debug("subscription payment success already applied", "invoice_ref", p.InvoiceRef)
		return nil
	}
	if err != nil && !errors.Is(err, account.ErrNoChange) {
		return fmt.Errorf("dunning success transition: %w", err)
	}
	if !recovered {
		return nil
	}

	transitionsTotal.WithLabelValues("recovered").Inc()
	logging.L(ctx).Info("subscription payment recovered", "failures", failures)
	m.notifier.Send(ctx, notify.ProviderRecipient(providerID), notify.KindPaymentRecovered, map[string]interface{}{
		"failures": failures,
	})
	return nil
}
