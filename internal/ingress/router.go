package ingress

import (
	"context"
	"errors"
	"fmt"

	"github.com/sweepline/billing/internal/account"
	"github.com/sweepline/billing/internal/dispute"
	"github.com/sweepline/billing/internal/dunning"
	"github.com/sweepline/billing/internal/history"
	"github.com/sweepline/billing/internal/logging"
	"github.com/sweepline/billing/internal/notify"
	"github.com/sweepline/billing/internal/payment"
)

// Router hands a verified event to the engine that owns it.
type Router struct {
	accounts account.Store
	dunning  *dunning.Machine
	ledger   *dispute.Ledger
	history  history.Store
	notifier *notify.Dispatcher
	ops      string
}

// NewRouter creates an event router. opsRecipient receives escalations for
// subscription events whose customer maps to no provider.
func NewRouter(accounts account.Store, machine *dunning.Machine, ledger *dispute.Ledger, hist history.Store, notifier *notify.Dispatcher, opsRecipient string) *Router {
	return &Router{
		accounts: accounts,
		dunning:  machine,
		ledger:   ledger,
		history:  hist,
		notifier: notifier,
		ops:      opsRecipient,
	}
}

// Route applies evt. It returns ResultUnattributed for subscription events
// that were escalated instead of applied; both outcomes are acknowledged.
func (r *Router) Route(ctx context.Context, evt *payment.Event) (Result, error) {
	switch evt.Type {
	case payment.EventSubscriptionPaymentFailed, payment.EventSubscriptionPaymentSucceeded:
		return r.subscription(ctx, evt)
	case payment.EventDisputeOpened:
		if _, err := r.ledger.OnDisputeOpened(ctx, opening(evt.Dispute)); err != nil {
			return "", err
		}
		return ResultProcessed, nil
	case payment.EventDisputeClosed:
		return r.disputeClosed(ctx, evt.Dispute)
	default:
		return ResultIgnored, nil
	}
}

func (r *Router) subscription(ctx context.Context, evt *payment.Event) (Result, error) {
	inv := evt.Invoice
	acct, err := r.accounts.GetByCustomerRef(ctx, inv.CustomerRef)
	if errors.Is(err, account.ErrAccountNotFound) {
		logging.L(ctx).Warn("subscription event for unknown customer",
			"customer_ref", inv.CustomerRef,
			"invoice_ref", inv.InvoiceRef,
			"type", evt.Type,
		)
		r.notifier.Send(ctx, r.ops, notify.KindSubscriptionUnattributed, map[string]interface{}{
			"eventId":     evt.ID,
			"eventType":   string(evt.Type),
			"customerRef": inv.CustomerRef,
			"invoiceRef":  inv.InvoiceRef,
			"amountCents": inv.AmountCents,
		})
		return ResultUnattributed, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve customer: %w", err)
	}
	ctx = logging.WithProvider(ctx, acct.ID)

	p := dunning.Payment{EventID: evt.ID, InvoiceRef: inv.InvoiceRef, OccurredAt: evt.Created}
	if evt.Type == payment.EventSubscriptionPaymentFailed {
		state, err := r.dunning.RecordFailure(ctx, acct.ID, p)
		if err != nil {
			return "", err
		}
		if state.Action == dunning.ActionDuplicate {
			return ResultDuplicate, nil
		}
		return ResultProcessed, nil
	}

	if inv.ChargeRef != "" || inv.PaymentIntentRef != "" {
		err := r.history.Record(ctx, &history.Entry{
			ProviderID:       acct.ID,
			Source:           history.SourceSubscription,
			ChargeRef:        inv.ChargeRef,
			PaymentIntentRef: inv.PaymentIntentRef,
			CustomerRef:      inv.CustomerRef,
			AmountCents:      inv.AmountCents,
			Currency:         inv.Currency,
		})
		if err != nil {
			return "", fmt.Errorf("record subscription payment: %w", err)
		}
	}
	if err := r.dunning.RecordSuccess(ctx, acct.ID, p); err != nil {
		return "", err
	}
	return ResultProcessed, nil
}

// disputeClosed tolerates a close that overtakes its open by recording the
// dispute from the close payload first.
func (r *Router) disputeClosed(ctx context.Context, n *payment.DisputeNotice) (Result, error) {
	outcome, err := dispute.OutcomeFromProvider(n.Status)
	if err != nil {
		logging.L(ctx).Warn("dispute closed with unexpected status", "dispute_ref", n.DisputeRef, "status", n.Status)
		return ResultIgnored, nil
	}

	_, err = r.ledger.OnDisputeClosed(ctx, n.DisputeRef, outcome)
	if errors.Is(err, dispute.ErrDisputeNotFound) {
		logging.L(ctx).Info("dispute closed before it was opened", "dispute_ref", n.DisputeRef)
		if _, err := r.ledger.OnDisputeOpened(ctx, opening(n)); err != nil {
			return "", err
		}
		_, err = r.ledger.OnDisputeClosed(ctx, n.DisputeRef, outcome)
	}
	if err != nil {
		return "", err
	}
	return ResultProcessed, nil
}

func opening(n *payment.DisputeNotice) dispute.Opening {
	return dispute.Opening{
		DisputeRef:       n.DisputeRef,
		ChargeRef:        n.ChargeRef,
		PaymentIntentRef: n.PaymentIntentRef,
		CustomerRef:      n.CustomerRef,
		AmountCents:      n.AmountCents,
		Currency:         n.Currency,
		Reason:           n.Reason,
		EvidenceDueBy:    n.EvidenceDueBy,
	}
}
