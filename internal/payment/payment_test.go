package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/sweepline/billing/internal/circuitbreaker"
)

func TestClassifyStripeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"card declined", &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined, HTTPStatusCode: 402}, KindDeclined},
		{"authentication required", &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeAuthenticationRequired, HTTPStatusCode: 402}, KindAuthenticationRequired},
		{"rate limited", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 429}, KindTransient},
		{"server error", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 500}, KindTransient},
		{"bad request", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 400}, KindInvalidRequest},
		{"idempotency mismatch", &stripe.Error{Type: stripe.ErrorTypeIdempotency, HTTPStatusCode: 400}, KindInvalidRequest},
		{"network", errors.New("dial tcp: connection refused"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyStripeError("charge", tt.err).Kind)
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindDeclined, KindOf(&Error{Kind: KindDeclined}))
	assert.Equal(t, KindNoInstrument, KindOf(errors.Join(errors.New("ctx"), &Error{Kind: KindNoInstrument})))
	assert.Equal(t, KindTransient, KindOf(errors.New("anything else")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(&Error{Kind: KindInvalidRequest}))
}

func TestClassifyContext(t *testing.T) {
	err := classifyContext("charge", circuitbreaker.ErrOpen)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindTransient, pe.Kind)
	assert.Equal(t, "circuit_open", pe.Code)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	err = classifyContext("charge", context.DeadlineExceeded)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "timeout", pe.Code)

	declined := &Error{Kind: KindDeclined}
	assert.Same(t, declined, classifyContext("charge", declined))
}

func stubStripe(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	api := &client.API{}
	api.Init("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return NewStripeGatewayWithClient(api, "usd")
}

func TestStripeGateway_ChargeSucceeded(t *testing.T) {
	var gotKey string
	gw := stubStripe(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "1000", r.PostForm.Get("amount"))
		assert.Equal(t, "true", r.PostForm.Get("off_session"))
		assert.Equal(t, "true", r.PostForm.Get("confirm"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_1","object":"payment_intent","status":"succeeded","latest_charge":"ch_1"}`))
	})

	res, err := gw.Charge(context.Background(), ChargeRequest{
		CustomerRef: "cus_1", InstrumentRef: "pm_1", AmountCents: 1000, IdempotencyKey: "lead_p_l_1",
	})
	require.NoError(t, err)
	assert.Equal(t, ChargeSucceeded, res.Status)
	assert.Equal(t, "ch_1", res.ChargeRef)
	assert.Equal(t, "pi_1", res.PaymentIntentRef)
	assert.Equal(t, "lead_p_l_1", gotKey)
}

func TestStripeGateway_ChargeDeclined(t *testing.T) {
	gw := stubStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined.","charge":"ch_2"}}`))
	})

	res, err := gw.Charge(context.Background(), ChargeRequest{
		CustomerRef: "cus_1", InstrumentRef: "pm_1", AmountCents: 1000, IdempotencyKey: "k",
	})
	require.NoError(t, err)
	assert.Equal(t, ChargeDeclined, res.Status)
	assert.Equal(t, "Your card was declined.", res.DeclineReason)
	assert.Equal(t, "ch_2", res.ChargeRef)
}

func TestStripeGateway_ChargeServerErrorIsTransient(t *testing.T) {
	gw := stubStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	})

	_, err := gw.Charge(context.Background(), ChargeRequest{
		CustomerRef: "cus_1", InstrumentRef: "pm_1", AmountCents: 1000, IdempotencyKey: "k",
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestStripeGateway_DefaultInstrumentFallsBackToList(t *testing.T) {
	gw := stubStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/customers/cus_1":
			_, _ = w.Write([]byte(`{"id":"cus_1","object":"customer","invoice_settings":{"default_payment_method":null}}`))
		case "/v1/payment_methods":
			_, _ = w.Write([]byte(`{"object":"list","has_more":false,"data":[{"id":"pm_9","object":"payment_method","type":"card","card":{"brand":"visa","last4":"4242"}}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	inst, err := gw.DefaultInstrument(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "pm_9", inst.Ref)
	assert.Equal(t, "4242", inst.Last4)
}

func TestStripeGateway_DefaultInstrumentNone(t *testing.T) {
	gw := stubStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/customers/cus_1":
			_, _ = w.Write([]byte(`{"id":"cus_1","object":"customer"}`))
		default:
			_, _ = w.Write([]byte(`{"object":"list","has_more":false,"data":[]}`))
		}
	})

	_, err := gw.DefaultInstrument(context.Background(), "cus_1")
	assert.Equal(t, KindNoInstrument, KindOf(err))

	_, err = gw.DefaultInstrument(context.Background(), "")
	assert.Equal(t, KindNoInstrument, KindOf(err))
}

func TestStripeGateway_ChargeCustomer(t *testing.T) {
	gw := stubStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/charges/ch_external":
			_, _ = w.Write([]byte(`{"id":"ch_external","object":"charge","customer":"cus_1"}`))
		case "/v1/charges/ch_guest":
			_, _ = w.Write([]byte(`{"id":"ch_guest","object":"charge","customer":null}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such charge"}}`))
		}
	})
	ctx := context.Background()

	customer, err := gw.ChargeCustomer(ctx, "ch_external")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", customer)

	customer, err = gw.ChargeCustomer(ctx, "ch_guest")
	require.NoError(t, err)
	assert.Empty(t, customer)

	_, err = gw.ChargeCustomer(ctx, "ch_missing")
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestFakeGateway_ChargeCustomer(t *testing.T) {
	ctx := context.Background()
	fake := NewFakeGateway()
	gw := NewResilientGateway(fake, nil, time.Second)

	res, err := gw.Charge(ctx, ChargeRequest{CustomerRef: "cus_1", InstrumentRef: "pm_1", AmountCents: 100, IdempotencyKey: "k"})
	require.NoError(t, err)
	customer, err := gw.ChargeCustomer(ctx, res.ChargeRef)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", customer)

	fake.SetChargeCustomer("ch_sub", "cus_2")
	customer, err = gw.ChargeCustomer(ctx, "ch_sub")
	require.NoError(t, err)
	assert.Equal(t, "cus_2", customer)

	_, err = gw.ChargeCustomer(ctx, "ch_unknown")
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestResilientGateway_TimeoutIsTransient(t *testing.T) {
	fake := NewFakeGateway()
	fake.SetDelay(time.Second)
	gw := NewResilientGateway(fake, circuitbreaker.New(5, time.Minute), 20*time.Millisecond)

	_, err := gw.Charge(context.Background(), ChargeRequest{AmountCents: 100, IdempotencyKey: "k"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResilientGateway_OpensOnTransientOnly(t *testing.T) {
	fake := NewFakeGateway()
	breaker := circuitbreaker.New(2, time.Minute)
	gw := NewResilientGateway(fake, breaker, time.Second)
	ctx := context.Background()

	fake.Decline("insufficient funds")
	fake.Decline("insufficient funds")
	for i := 0; i < 2; i++ {
		res, err := gw.Charge(ctx, ChargeRequest{AmountCents: 100, IdempotencyKey: string(rune('a' + i))})
		require.NoError(t, err)
		assert.Equal(t, ChargeDeclined, res.Status)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State("charge"))

	fake.FailNext(errors.New("connection reset"))
	fake.FailNext(errors.New("connection reset"))
	for i := 0; i < 2; i++ {
		_, err := gw.Charge(ctx, ChargeRequest{AmountCents: 100, IdempotencyKey: "x"})
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State("charge"))

	calls := fake.Calls()
	_, err := gw.Charge(ctx, ChargeRequest{AmountCents: 100, IdempotencyKey: "y"})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.True(t, IsTransient(err))
	assert.Equal(t, calls, fake.Calls())
}

func TestFakeGateway_ReplaysIdempotencyKey(t *testing.T) {
	fake := NewFakeGateway()
	ctx := context.Background()

	first, err := fake.Charge(ctx, ChargeRequest{AmountCents: 100, IdempotencyKey: "same"})
	require.NoError(t, err)
	second, err := fake.Charge(ctx, ChargeRequest{AmountCents: 100, IdempotencyKey: "same"})
	require.NoError(t, err)

	assert.Equal(t, first.ChargeRef, second.ChargeRef)
	assert.Equal(t, 1, fake.Succeeded())
	assert.Equal(t, 2, fake.Calls())
}

func TestFakeGateway_ConcurrentSameKey(t *testing.T) {
	fake := NewFakeGateway()
	var refs atomic.Value
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			r, err := fake.Charge(context.Background(), ChargeRequest{AmountCents: 100, IdempotencyKey: "k"})
			if assert.NoError(t, err) {
				refs.Store(r.ChargeRef)
			}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Equal(t, 1, fake.Succeeded())
	assert.Equal(t, "ch_fake_1", refs.Load())
}

func TestResilientGateway_ListInstruments(t *testing.T) {
	fake := NewFakeGateway()
	fake.AddInstrument("cus_1", "pm_1")
	fake.AddInstrument("cus_1", "pm_2")
	gw := NewResilientGateway(fake, circuitbreaker.New(5, time.Minute), time.Second)

	list, err := gw.ListInstruments(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Default)
	assert.False(t, list[1].Default)

	list, err = gw.ListInstruments(context.Background(), "cus_none")
	require.NoError(t, err)
	assert.Empty(t, list)
}
