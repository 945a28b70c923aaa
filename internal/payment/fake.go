package payment

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Compile-time check that FakeGateway implements Gateway.
var _ Gateway = (*FakeGateway)(nil)

// FakeGateway is an in-memory Gateway for demo mode and tests. Like the real
// provider it replays the stored result for a repeated idempotency key.
type FakeGateway struct {
	mu          sync.Mutex
	instruments map[string][]Instrument  // customer ref → instruments
	results     map[string]*ChargeResult // idempotency key → result
	customers   map[string]string        // charge ref → customer ref
	outcomes    []fakeOutcome            // scripted, consumed in order
	delay       time.Duration
	calls       int
	seq         int
}

type fakeOutcome struct {
	status ChargeStatus
	reason string
	err    error
}

// NewFakeGateway creates an empty fake.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		instruments: make(map[string][]Instrument),
		results:     make(map[string]*ChargeResult),
		customers:   make(map[string]string),
	}
}

// AddInstrument stores a card for customerRef. The first one is the default.
func (f *FakeGateway) AddInstrument(customerRef, ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.instruments[customerRef]
	list = append(list, Instrument{Ref: ref, Brand: "visa", Last4: "4242", Default: len(list) == 0})
	f.instruments[customerRef] = list
}

// Decline makes the next new charge decline with reason.
func (f *FakeGateway) Decline(reason string) {
	f.script(fakeOutcome{status: ChargeDeclined, reason: reason})
}

// RequireAction makes the next new charge need cardholder authentication.
func (f *FakeGateway) RequireAction() {
	f.script(fakeOutcome{status: ChargeRequiresAction, reason: "authentication required"})
}

// FailNext makes the next new charge return err without recording a result.
func (f *FakeGateway) FailNext(err error) {
	f.script(fakeOutcome{err: err})
}

// SetDelay makes every charge wait d (or until ctx is done).
func (f *FakeGateway) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *FakeGateway) script(o fakeOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
}

// Calls returns how many Charge calls reached the fake.
func (f *FakeGateway) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Succeeded returns how many distinct charges succeeded.
func (f *FakeGateway) Succeeded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.results {
		if r.Status == ChargeSucceeded {
			n++
		}
	}
	return n
}

func (f *FakeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	f.mu.Lock()
	f.calls++
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.results[req.IdempotencyKey]; ok {
		cp := *r
		return &cp, nil
	}
	if req.AmountCents <= 0 {
		return nil, &Error{Kind: KindInvalidRequest, Op: "charge", Message: "amount must be positive"}
	}

	outcome := fakeOutcome{status: ChargeSucceeded}
	if len(f.outcomes) > 0 {
		outcome = f.outcomes[0]
		f.outcomes = f.outcomes[1:]
	}
	if outcome.err != nil {
		return nil, outcome.err
	}

	f.seq++
	r := &ChargeResult{
		Status:           outcome.status,
		ChargeRef:        fmt.Sprintf("ch_fake_%d", f.seq),
		PaymentIntentRef: fmt.Sprintf("pi_fake_%d", f.seq),
		DeclineReason:    outcome.reason,
	}
	f.results[req.IdempotencyKey] = r
	f.customers[r.ChargeRef] = req.CustomerRef
	cp := *r
	return &cp, nil
}

func (f *FakeGateway) DefaultInstrument(ctx context.Context, customerRef string) (*Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.instruments[customerRef]
	if len(list) == 0 {
		return nil, &Error{Kind: KindNoInstrument, Op: "default_instrument", Message: "no stored payment method"}
	}
	inst := list[0]
	return &inst, nil
}

func (f *FakeGateway) ListInstruments(ctx context.Context, customerRef string) ([]Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Instrument(nil), f.instruments[customerRef]...), nil
}

// SetChargeCustomer records a charge made outside the fake, such as a
// subscription invoice charge.
func (f *FakeGateway) SetChargeCustomer(chargeRef, customerRef string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers[chargeRef] = customerRef
}

func (f *FakeGateway) ChargeCustomer(ctx context.Context, chargeRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	customer, ok := f.customers[chargeRef]
	if !ok {
		return "", &Error{Kind: KindInvalidRequest, Op: "charge_customer", Code: "resource_missing", Message: "no such charge"}
	}
	return customer, nil
}
