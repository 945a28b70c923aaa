package payment

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweepline/billing/internal/circuitbreaker"
)

var gatewayDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "billing",
	Subsystem: "gateway",
	Name:      "call_duration_seconds",
	Help:      "Payment gateway call latency by operation and outcome.",
	Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
}, []string{"op", "outcome"})

func init() {
	prometheus.MustRegister(gatewayDuration)
}

// Compile-time check that ResilientGateway implements Gateway.
var _ Gateway = (*ResilientGateway)(nil)

// ResilientGateway bounds every call with a timeout and routes it through a
// circuit breaker. Only transient failures count against the breaker.
type ResilientGateway struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

// NewResilientGateway wraps next.
func NewResilientGateway(next Gateway, breaker *circuitbreaker.Breaker, timeout time.Duration) *ResilientGateway {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &ResilientGateway{next: next, breaker: breaker, timeout: timeout}
}

func (g *ResilientGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	var result *ChargeResult
	err := g.call(ctx, "charge", func(ctx context.Context) error {
		var err error
		result, err = g.next.Charge(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *ResilientGateway) DefaultInstrument(ctx context.Context, customerRef string) (*Instrument, error) {
	var inst *Instrument
	err := g.call(ctx, "default_instrument", func(ctx context.Context) error {
		var err error
		inst, err = g.next.DefaultInstrument(ctx, customerRef)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (g *ResilientGateway) ListInstruments(ctx context.Context, customerRef string) ([]Instrument, error) {
	var out []Instrument
	err := g.call(ctx, "list_instruments", func(ctx context.Context) error {
		var err error
		out, err = g.next.ListInstruments(ctx, customerRef)
		return err
	})
	return out, err
}

func (g *ResilientGateway) ChargeCustomer(ctx context.Context, chargeRef string) (string, error) {
	var customer string
	err := g.call(ctx, "charge_customer", func(ctx context.Context) error {
		var err error
		customer, err = g.next.ChargeCustomer(ctx, chargeRef)
		return err
	})
	return customer, err
}

func (g *ResilientGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	err := g.breaker.Execute(op, IsTransient, func() error {
		return classifyContext(op, fn(ctx))
	})
	err = classifyContext(op, err)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	gatewayDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	return err
}

// ChargeCircuit reports the breaker state guarding charges.
func (g *ResilientGateway) ChargeCircuit() circuitbreaker.State {
	return g.breaker.State("charge")
}
