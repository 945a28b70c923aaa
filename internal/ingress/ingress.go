// Package ingress receives payment-provider webhooks, drops redeliveries
// and routes each new event to the dunning machine or the dispute ledger.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweepline/billing/internal/logging"
	"github.com/sweepline/billing/internal/payment"
	"github.com/sweepline/billing/internal/traces"
)

var eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Subsystem: "webhook",
	Name:      "events_total",
	Help:      "Inbound webhook events by type and result.",
}, []string{"type", "result"})

func init() {
	prometheus.MustRegister(eventsTotal)
}

// Result is what happened to a delivery.
type Result string

const (
	ResultProcessed    Result = "processed"
	ResultDuplicate    Result = "duplicate"
	ResultIgnored      Result = "ignored"
	ResultUnattributed Result = "unattributed"
)

// Ingress verifies, deduplicates and routes webhook deliveries.
type Ingress struct {
	verifier payment.Verifier
	store    Store
	router   *Router
	lease    time.Duration
}

// New creates an ingress.
func New(verifier payment.Verifier, store Store, router *Router) *Ingress {
	return &Ingress{verifier: verifier, store: store, router: router, lease: DefaultLease}
}

// WithLease overrides the processing lease.
func (in *Ingress) WithLease(lease time.Duration) *Ingress {
	in.lease = lease
	return in
}

// Handle processes one raw delivery. Verification failures wrap
// payment.ErrInvalidSignature or payment.ErrMalformedEvent. Any other
// error means the event was not applied and its claim was released.
func (in *Ingress) Handle(ctx context.Context, payload []byte, signature string) (_ Result, retErr error) {
	evt, err := in.verifier.Verify(payload, signature)
	if err != nil {
		eventsTotal.WithLabelValues("unknown", "rejected").Inc()
		return "", err
	}

	ctx = logging.WithEvent(ctx, evt.ID)
	ctx, span := traces.StartSpan(ctx, "ingress.Handle", traces.EventID(evt.ID), traces.EventType(evt.ProviderType))
	defer func() { traces.End(span, retErr) }()

	if !evt.Recognised() {
		eventsTotal.WithLabelValues(evt.ProviderType, string(ResultIgnored)).Inc()
		logging.L(ctx).Debug("ignoring webhook event", "type", evt.ProviderType)
		return ResultIgnored, nil
	}
	label := string(evt.Type)

	claimed, err := in.store.Claim(ctx, evt.ID, evt.ProviderType, in.lease)
	if err != nil {
		eventsTotal.WithLabelValues(label, "error").Inc()
		return "", fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		eventsTotal.WithLabelValues(label, string(ResultDuplicate)).Inc()
		logging.L(ctx).Debug("duplicate webhook event", "type", evt.Type)
		return ResultDuplicate, nil
	}

	result, err := in.router.Route(ctx, evt)
	if err != nil {
		eventsTotal.WithLabelValues(label, "error").Inc()
		if rerr := in.store.Release(context.WithoutCancel(ctx), evt.ID); rerr != nil {
			logging.L(ctx).Error("failed to release event claim", "error", rerr)
		}
		logging.L(ctx).Error("webhook event failed", "type", evt.Type, "error", err)
		return "", err
	}

	// The side effects are committed. A failed Complete or an expired lease
	// lets the event be claimed again; account transitions record the event
	// id and dispute steps are keyed by dispute ref, so a second pass
	// changes nothing.
	if err := in.store.Complete(context.WithoutCancel(ctx), evt.ID); err != nil {
		logging.L(ctx).Error("failed to complete event claim", "error", err)
	}

	eventsTotal.WithLabelValues(label, string(result)).Inc()
	logging.L(ctx).Info("webhook event processed", "type", evt.Type, "result", result)
	return result, nil
}

// IsRejected reports whether err means the delivery itself was invalid.
func IsRejected(err error) bool {
	return errors.Is(err, payment.ErrInvalidSignature) || errors.Is(err, payment.ErrMalformedEvent)
}
