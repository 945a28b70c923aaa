package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sweepline/billing/internal/circuitbreaker"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestDatabaseChecker(t *testing.T) {
	ok := DatabaseChecker("database", pingFunc(func(context.Context) error { return nil }))(context.Background())
	assert.True(t, ok.Healthy)
	assert.Equal(t, "database", ok.Name)

	bad := DatabaseChecker("database", pingFunc(func(context.Context) error { return errors.New("connection refused") }))(context.Background())
	assert.False(t, bad.Healthy)
	assert.Equal(t, "connection refused", bad.Detail)
}

func TestCircuitChecker(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := circuitbreaker.New(1, time.Minute).WithClock(func() time.Time { return now })
	check := CircuitChecker("payment_gateway", func() circuitbreaker.State { return b.State("charge") })

	assert.True(t, check(context.Background()).Healthy)

	b.RecordFailure("charge")
	st := check(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, circuitbreaker.StateOpen.String(), st.Detail)
}

func TestConnectionChecker(t *testing.T) {
	connected := true
	check := ConnectionChecker("notifications", func() bool { return connected })
	assert.True(t, check(context.Background()).Healthy)

	connected = false
	st := check(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "disconnected", st.Detail)
}
