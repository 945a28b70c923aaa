package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweepline/billing/internal/account"
	"github.com/sweepline/billing/internal/idgen"
	"github.com/sweepline/billing/internal/logging"
	"github.com/sweepline/billing/internal/notify"
	"github.com/sweepline/billing/internal/traces"
)

var disputesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Subsystem: "dispute",
	Name:      "disputes_total",
	Help:      "Dispute ledger events.",
}, []string{"event"})

func init() {
	prometheus.MustRegister(disputesTotal)
}

// Ledger records chargebacks and keeps each account's dispute flags in
// step with its open disputes.
type Ledger struct {
	store    Store
	accounts account.Store
	resolver *Resolver
	notifier *notify.Dispatcher
	ops      string
	now      func() time.Time
}

// NewLedger creates a dispute ledger. opsRecipient receives the operator
// copies and the unattributed escalations.
func NewLedger(store Store, accounts account.Store, resolver *Resolver, notifier *notify.Dispatcher, opsRecipient string) *Ledger {
	return &Ledger{
		store:    store,
		accounts: accounts,
		resolver: resolver,
		notifier: notifier,
		ops:      opsRecipient,
		now:      time.Now,
	}
}

// WithClock replaces the time source (tests).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// OnDisputeOpened records a chargeback. A redelivered open is a no-op once
// the account has been flagged. A dispute that cannot be attributed is kept
// and escalated to ops instead of being dropped.
func (l *Ledger) OnDisputeOpened(ctx context.Context, o Opening) (_ *Dispute, retErr error) {
	ctx, span := traces.StartSpan(ctx, "dispute.OnDisputeOpened", traces.DisputeRef(o.DisputeRef), traces.AmountCents(o.AmountCents))
	defer func() { traces.End(span, retErr) }()

	if o.DisputeRef == "" {
		return nil, errors.New("dispute ref is required")
	}

	providerID, via, err := l.resolver.Resolve(ctx, o)
	if err != nil && !errors.Is(err, ErrUnattributed) {
		return nil, err
	}

	d, created, err := l.store.CreateIfAbsent(ctx, &Dispute{
		ID:               idgen.WithPrefix(idgen.PrefixDispute),
		DisputeRef:       o.DisputeRef,
		ProviderID:       providerID,
		ChargeRef:        o.ChargeRef,
		PaymentIntentRef: o.PaymentIntentRef,
		CustomerRef:      o.CustomerRef,
		AmountCents:      o.AmountCents,
		Currency:         o.Currency,
		Reason:           o.Reason,
		Status:           StatusOpen,
		EvidenceDueBy:    o.EvidenceDueBy,
		OpenedAt:         l.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("record dispute: %w", err)
	}

	// A redelivery may attribute what the first delivery could not.
	if !created && d.Unattributed() && providerID != "" {
		ok, err := l.store.Attribute(ctx, d.DisputeRef, providerID)
		if err != nil {
			return nil, fmt.Errorf("attribute dispute: %w", err)
		}
		if ok {
			d.ProviderID = providerID
			logging.L(ctx).Info("dispute attributed on redelivery", "dispute_ref", d.DisputeRef, "via", via)
		}
	}

	if d.Unattributed() {
		if created {
			disputesTotal.WithLabelValues("unattributed").Inc()
			logging.L(ctx).Warn("dispute could not be attributed to a provider",
				"dispute_ref", d.DisputeRef,
				"charge_ref", d.ChargeRef,
				"customer_ref", d.CustomerRef,
			)
			l.notifier.Send(ctx, l.ops, notify.KindDisputeUnattributed, disputeData(d))
		}
		return d, nil
	}
	if d.Applied {
		disputesTotal.WithLabelValues("duplicate").Inc()
		logging.L(ctx).Debug("dispute already recorded", "dispute_ref", d.DisputeRef)
		return d, nil
	}

	applied, err := l.apply(ctx, d)
	if err != nil {
		return nil, err
	}
	if !applied {
		disputesTotal.WithLabelValues("duplicate").Inc()
		return d, nil
	}

	ctx = logging.WithProvider(ctx, d.ProviderID)
	disputesTotal.WithLabelValues("opened").Inc()
	logging.L(ctx).Info("dispute opened",
		"dispute_ref", d.DisputeRef,
		"amount_cents", d.AmountCents,
		"reason", d.Reason,
		"via", via,
	)
	data := disputeData(d)
	l.notifier.Send(ctx, notify.ProviderRecipient(d.ProviderID), notify.KindDisputeOpened, data)
	l.notifier.Send(ctx, l.ops, notify.KindDisputeOpenedOps, data)
	return d, nil
}

// apply counts the dispute against its account. The applied flag is
// claimed first so that only one delivery increments the counter; a failed
// account transition hands the claim back for the next redelivery.
func (l *Ledger) apply(ctx context.Context, d *Dispute) (bool, error) {
	claimed, err := l.store.SetApplied(ctx, d.DisputeRef, true)
	if err != nil {
		return false, fmt.Errorf("claim dispute: %w", err)
	}
	if !claimed {
		return false, nil
	}

	_, err = l.accounts.Transition(ctx, d.ProviderID, func(a *account.Account) error {
		a.DisputeCount++
		return l.refreshStatus(ctx, a)
	})
	if err != nil {
		if _, uerr := l.store.SetApplied(ctx, d.DisputeRef, false); uerr != nil {
			logging.L(ctx).Error("failed to release dispute claim",
				"dispute_ref", d.DisputeRef, "error", uerr)
		}
		return false, fmt.Errorf("flag account for dispute: %w", err)
	}
	d.Applied = true
	return true, nil
}

// refreshStatus derives the account's dispute flag from its open disputes.
// It runs inside the account transition so that an open and a close for
// the same account cannot leave a stale flag behind.
func (l *Ledger) refreshStatus(ctx context.Context, a *account.Account) error {
	open, err := l.store.CountOpenByProvider(ctx, a.ID)
	if err != nil {
		return err
	}
	if open > 0 {
		a.DisputeStatus = account.DisputeUnderReview
	} else {
		a.DisputeStatus = account.DisputeNone
	}
	return nil
}

// OnDisputeClosed resolves a dispute. The account keeps under_review while
// any other dispute on it is still open. The dispute count never changes.
func (l *Ledger) OnDisputeClosed(ctx context.Context, disputeRef string, outcome Status) (_ *Dispute, retErr error) {
	ctx, span := traces.StartSpan(ctx, "dispute.OnDisputeClosed", traces.DisputeRef(disputeRef))
	defer func() { traces.End(span, retErr) }()

	if !outcome.IsTerminal() {
		return nil, ErrInvalidOutcome
	}

	d, changed, err := l.store.Close(ctx, disputeRef, outcome, l.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("close dispute: %w", err)
	}
	if !changed {
		disputesTotal.WithLabelValues("duplicate").Inc()
		logging.L(ctx).Debug("dispute already closed", "dispute_ref", disputeRef, "status", d.Status)
		return d, nil
	}

	if d.Unattributed() {
		disputesTotal.WithLabelValues("closed").Inc()
		logging.L(ctx).Warn("unattributed dispute closed", "dispute_ref", disputeRef, "outcome", outcome)
		l.notifier.Send(ctx, l.ops, notify.KindDisputeUnattributed, disputeData(d))
		return d, nil
	}

	ctx = logging.WithProvider(ctx, d.ProviderID)
	acct, err := l.accounts.Transition(ctx, d.ProviderID, func(a *account.Account) error {
		before := a.DisputeStatus
		if err := l.refreshStatus(ctx, a); err != nil {
			return err
		}
		if a.DisputeStatus == before {
			return account.ErrNoChange
		}
		return nil
	})
	if err != nil && !errors.Is(err, account.ErrNoChange) {
		return nil, fmt.Errorf("refresh dispute status: %w", err)
	}

	disputesTotal.WithLabelValues("closed").Inc()
	log := logging.L(ctx)
	if acct != nil {
		log = log.With("dispute_status", acct.DisputeStatus)
	}
	log.Info("dispute closed", "dispute_ref", disputeRef, "outcome", outcome)

	l.notifier.Send(ctx, notify.ProviderRecipient(d.ProviderID), notify.KindDisputeClosed, disputeData(d))
	return d, nil
}

// Get returns a dispute by its provider reference.
func (l *Ledger) Get(ctx context.Context, disputeRef string) (*Dispute, error) {
	return l.store.Get(ctx, disputeRef)
}

// ListByProvider returns a provider's disputes, newest first.
func (l *Ledger) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Dispute, error) {
	return l.store.ListByProvider(ctx, providerID, limit)
}

// ListUnattributed returns disputes awaiting human attribution.
func (l *Ledger) ListUnattributed(ctx context.Context, limit int) ([]*Dispute, error) {
	return l.store.ListUnattributed(ctx, limit)
}

func disputeData(d *Dispute) map[string]interface{} {
	data := map[string]interface{}{
		"disputeRef":  d.DisputeRef,
		"amountCents": d.AmountCents,
		"currency":    d.Currency,
		"status":      string(d.Status),
	}
	if d.ProviderID != "" {
		data["providerId"] = d.ProviderID
	}
	if d.ChargeRef != "" {
		data["chargeRef"] = d.ChargeRef
	}
	if d.CustomerRef != "" {
		data["customerRef"] = d.CustomerRef
	}
	if d.Reason != "" {
		data["reason"] = d.Reason
	}
	if d.EvidenceDueBy != nil {
		data["evidenceDueBy"] = d.EvidenceDueBy.Format(time.RFC3339)
	}
	if d.ResolvedAt != nil {
		data["resolvedAt"] = d.ResolvedAt.Format(time.RFC3339)
	}
	return data
}
