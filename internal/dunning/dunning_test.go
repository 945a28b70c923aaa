package dunning

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweepline/billing/internal/account"
	"github.com/sweepline/billing/internal/logging"
	"github.com/sweepline/billing/internal/notify"
)

const grace = 7 * 24 * time.Hour

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T) (*Machine, *account.MemoryStore, *notify.Recorder, *clock) {
	t.Helper()
	accounts := account.NewMemoryStore()
	require.NoError(t, accounts.Create(context.Background(), &account.Account{
		ID: "prov_1", Tier: account.TierPro, PaymentCustomerRef: "cus_1",
	}))
	rec := notify.NewRecorder()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(accounts, notify.NewDispatcher(rec), grace, 3).WithClock(clk.Now)
	return m, accounts, rec, clk
}

func TestOnPaymentFailed_FirstFailureStartsGrace(t *testing.T) {
	m, accounts, rec, clk := setup(t)
	ctx := context.Background()

	state, err := m.OnPaymentFailed(ctx, "prov_1", "in_1")
	require.NoError(t, err)
	assert.Equal(t, ActionGraceStarted, state.Action)
	assert.Equal(t, 1, state.Attempt)
	assert.Equal(t, 3, state.MaxAttempts)
	require.NotNil(t, state.GracePeriodEnd)
	assert.Equal(t, clk.Now().Add(grace), *state.GracePeriodEnd)

	acct, _ := accounts.Get(ctx, "prov_1")
	assert.Equal(t, 1, acct.PaymentFailures)
	assert.Equal(t, account.SubscriptionPastDue, acct.SubscriptionStatus)
	assert.Equal(t, account.TierPro, acct.Tier)
	assert.NoError(t, acct.Validate())

	sent := rec.OfKind(notify.KindPaymentFailed)
	require.Len(t, sent, 1)
	assert.Equal(t, "provider:prov_1", sent[0].Recipient)
	assert.Equal(t, 1, sent[0].Data["attempt"])
	assert.Equal(t, 3, sent[0].Data["maxAttempts"])
}

func TestOnPaymentFailed_GracePeriodSetOnce(t *testing.T) {
	m, accounts, rec, clk := setup(t)
	ctx := context.Background()

	first, err := m.OnPaymentFailed(ctx, "prov_1", "in_1")
	require.NoError(t, err)

	clk.Advance(2 * 24 * time.Hour)
	second, err := m.OnPaymentFailed(ctx, "prov_1", "in_1")
	require.NoError(t, err)

	assert.Equal(t, ActionReminder, second.Action)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, *first.GracePeriodEnd, *second.GracePeriodEnd)

	acct, _ := accounts.Get(ctx, "prov_1")
	assert.Equal(t, *first.GracePeriodEnd, *acct.GracePeriodEnd)
	assert.Equal(t, 2, acct.PaymentFailures)

	sent := rec.OfKind(notify.KindPaymentFailed)
	require.Len(t, sent, 2)
	assert.Equal(t, first.GracePeriodEnd.Format(time.RFC3339), sent[1].Data["gracePeriodEnd"])
}

func TestOnPaymentFailed_FinalWarningInsideGrace(t *testing.T) {
	m, accounts, rec, clk := setup(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.OnPaymentFailed(ctx, "prov_1", "in_1")
		require.NoError(t, err)
		clk.Advance(24 * time.Hour)
	}
	state, err := m.OnPaymentFailed(ctx, "prov_1", "in_1")
	require.NoError(t, err)
	assert.Equal(t, ActionFinalWarning, state.Action)
	assert.Equal(t, 3, state.Attempt)

	acct, _ := accounts.Get(ctx, "prov_1")
	assert.Equal(t, account.TierPro, acct.Tier)
	assert.NotNil(t, acct.GracePeriodEnd)
	assert.Equal(t, 1, rec.Count(notify.KindFinalWarning))
	assert.Equal(t, 0, rec.Count(notify.KindDowngraded))
}

func TestOnPaymentFailed_DowngradeAfterGrace(t *testing.T) {
	m, accounts, rec, clk := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.OnPaymentFailed(ctx, "prov_1", "in_1")
		require.NoError(t, err)
	}
	clk.Advance(grace)

	state, err := m.OnPaymentFailed(ctx, "prov_1", "in_1")
	require.NoError(t, err)
	assert.Equal(t, ActionDowngraded, state.Action)
	assert.Equal(t, account.TierFree, state.Tier)
	assert.Nil(t, state.GracePeriodEnd)

	acct, _ := accounts.Get(ctx, "prov_1")
	assert.Equal(t, account.TierFree, acct.Tier)
	assert.Equal(t, 0, acct.PaymentFailures)
	assert.Nil(t, acct.GracePeriodEnd)
	assert.Equal(t, account.SubscriptionCanceled, acct.SubscriptionStatus)
	assert.NoError(t, acct.Validate())

	downgrades := rec.OfKind(notify.KindDowngraded)
	require.Len(t, downgrades, 1)
	assert.Equal(t, "pro", downgrades[0].Data["previousTier"])

	// a further failure opens a new episode instead of downgrading again
	next, err := m.OnPaymentFailed(ctx, "prov_1", "in_2")
	require.NoError(t, err)
	assert.Equal(t, ActionGraceStarted, next.Action)
	assert.Equal(t, 1, rec.Count(notify.KindDowngraded))
}

func TestOnPaymentFailed_RepairsMissingGrace(t *testing.T) {
	m, accounts, _, clk := setup(t)
	ctx := context.Background()
	_, err := accounts.Transition(ctx, "prov_1", func(a *account.Account) error {
		a.PaymentFailures = 1
		return nil
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	ctx = logging.WithLogger(ctx, logging.NewWithWriter(&buf, "info", "json"))
	state, err := m.OnPaymentFailed(ctx, "prov_1", "in_1")
	require.NoError(t, err)

	assert.Equal(t, ActionReminder, state.Action)
	require.NotNil(t, state.GracePeriodEnd)
	assert.Equal(t, clk.Now().Add(grace), *state.GracePeriodEnd)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestOnPaymentFailed_ConcurrentFirstFailures(t *testing.T) {
	m, accounts, rec, _ := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	actions := make(chan Action, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.OnPaymentFailed(ctx, "prov_1", "in_x")
			if assert.NoError(t, err) {
				actions <- s.Action
			}
		}()
	}
	wg.Wait()
	close(actions)

	var got []Action
	for a := range actions {
		got = append(got, a)
	}
	assert.ElementsMatch(t, []Action{ActionGraceStarted, ActionReminder}, got)

	acct, _ := accounts.Get(ctx, "prov_1")
	assert.Equal(t, 2, acct.PaymentFailures)
	assert.Equal(t, 2, rec.Count(notify.KindPaymentFailed))
}

func TestOnPaymentSucceeded_ResetsEpisode(t *testing.T) {
	for failures := 1; failures < 3; failures++ {
		m, accounts, rec, _ := setup(t)
		ctx := context.Background()
		for i := 0; i < failures; i++ {
			_, err := m.OnPaymentFailed(ctx, "prov_1", "in_1")
			require.NoError(t, err)
		}

		require.NoError(t, m.OnPaymentSucceeded(ctx, "prov_1"))

		acct, _ := accounts.Get(ctx, "prov_1")
		assert.Equal(t, 0, acct.PaymentFailures)
		assert.Nil(t, acct.GracePeriodEnd)
		assert.Equal(t, account.SubscriptionActive, acct.SubscriptionStatus)
		assert.Equal(t, account.TierPro, acct.Tier)
		assert.Equal(t, 1, rec.Count(notify.KindPaymentRecovered))
	}
}

func TestOnPaymentSucceeded_NoEpisodeOnlyRecordsPaymentTime(t *testing.T) {
	m, accounts, rec, clk := setup(t)
	ctx := context.Background()

	require.NoError(t, m.OnPaymentSucceeded(ctx, "prov_1"))

	acct, _ := accounts.Get(ctx, "prov_1")
	assert.Equal(t, 0, acct.PaymentFailures)
	require.NotNil(t, acct.LastPaymentAt)
	assert.Equal(t, clk.Now(), *acct.LastPaymentAt)
	assert.Empty(t, rec.All())

	// Same instant again writes nothing.
	require.NoError(t, m.OnPaymentSucceeded(ctx, "prov_1"))
	again, _ := accounts.Get(ctx, "prov_1")
	assert.Equal(t, acct.Version, again.Version)
}

func TestRecordFailure_SameEventCountsOnce(t *testing.T) {
	m, accounts, rec, _ := setup(t)
	ctx := context.Background()
	p := Payment{EventID: "evt_same", InvoiceRef: "in_1"}

	first, err := m.RecordFailure(ctx, "prov_1", p)
	require.NoError(t, err)
	assert.Equal(t, ActionGraceStarted, first.Action)

	second, err := m.RecordFailure(ctx, "prov_1", p)
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, second.Action)
	assert.Equal(t, 1, second.Attempt)

	acct, _ := accounts.Get(ctx, "prov_1")
	assert.Equal(t, 1, acct.PaymentFailures)
	assert.Equal(t, 1, rec.Count(notify.KindPaymentFailed))
}

func TestRecordFailure_ConcurrentSameEvent(t *testing.T) {
	m, accounts, rec, _ := setup(t)
	ctx := context.Background()
	p := Payment{EventID: "evt_race", InvoiceRef: "in_1"}

	var wg sync.WaitGroup
	actions := make(chan Action, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.RecordFailure(ctx, "prov_1", p)
			if assert.NoError(t, err) {
				actions <- s.Action
			}
		}()
	}
	wg.Wait()
	close(actions)

	counts := map[Action]int{}
	for a := range actions {
		counts[a]++
	}
	assert.Equal(t, map[Action]int{ActionGraceStarted: 1, ActionDuplicate: 3}, counts)

	acct, _ := accounts.Get(ctx, "prov_1")
	assert.Equal(t, 1, acct.PaymentFailures)
	assert.Equal(t, 1, rec.Count(notify.KindPaymentFailed))
}

func TestRecordFailure_DowngradeNotRepeatedByRedelivery(t *testing.T) {
	m, accounts, rec, clk := setup(t)
	ctx := context.Background()

	for _, id := range []string{"evt_1", "evt_2"} {
		_, err := m.RecordFailure(ctx, "prov_1", Payment{EventID: id, InvoiceRef: "in_1"})
		require.NoError(t, err)
	}
	clk.Advance(grace)

	final := Payment{EventID: "evt_final", InvoiceRef: "in_1"}
	s, err := m.RecordFailure(ctx, "prov_1", final)
	require.NoError(t, err)
	require.Equal(t, ActionDowngraded, s.Action)

	s, err = m.RecordFailure(ctx, "prov_1", final)
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, s.Action)

	acct, _ := accounts.Get(ctx, "prov_1")
	assert.Equal(t, account.TierFree, acct.Tier)
	assert.Equal(t, 0, acct.PaymentFailures)
	assert.Equal(t, 1, rec.Count(notify.KindDowngraded))
}

func TestRecordFailure_OlderThanLastPaymentIsStale(t *testing.T) {
	m, accounts, rec, clk := setup(t)
	ctx := context.Background()
	failedAt := clk.Now()
	clk.Advance(time.Hour)

	// invoice.paid is processed before the earlier invoice.payment_failed.
	require.NoError(t, m.RecordSuccess(ctx, "prov_1", Payment{EventID: "evt_paid", OccurredAt: clk.Now()}))

	s, err := m.RecordFailure(ctx, "prov_1", Payment{EventID: "evt_failed", InvoiceRef: "in_1", OccurredAt: failedAt})
	require.NoError(t, err)
	assert.Equal(t, ActionStale, s.Action)

	acct, _ := accounts.Get(ctx, "prov_1")
	assert.Equal(t, 0, acct.PaymentFailures)
	assert.Nil(t, acct.GracePeriodEnd)
	assert.Equal(t, account.SubscriptionActive, acct.SubscriptionStatus)
	assert.Empty(t, rec.All())

	// A failure after the payment opens a new episode.
	s, err = m.RecordFailure(ctx, "prov_1", Payment{EventID: "evt_next", InvoiceRef: "in_2", OccurredAt: clk.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, ActionGraceStarted, s.Action)
}

func TestRecordSuccess_RedeliveryDoesNotNotifyTwice(t *testing.T) {
	m, _, rec, _ := setup(t)
	ctx := context.Background()
	_, err := m.OnPaymentFailed(ctx, "prov_1", "in_1")
	require.NoError(t, err)

	p := Payment{EventID: "evt_paid", InvoiceRef: "in_1"}
	require.NoError(t, m.RecordSuccess(ctx, "prov_1", p))
	require.NoError(t, m.RecordSuccess(ctx, "prov_1", p))
	assert.Equal(t, 1, rec.Count(notify.KindPaymentRecovered))
}

func TestOnPaymentSucceeded_ReactivatesCanceledWithoutNotice(t *testing.T) {
	m, accounts, rec, _ := setup(t)
	ctx := context.Background()
	_, err := accounts.Transition(ctx, "prov_1", func(a *account.Account) error {
		a.SubscriptionStatus = account.SubscriptionCanceled
		a.Tier = account.TierFree
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, m.OnPaymentSucceeded(ctx, "prov_1"))
	acct, _ := accounts.Get(ctx, "prov_1")
	assert.Equal(t, account.SubscriptionActive, acct.SubscriptionStatus)
	assert.Equal(t, account.TierFree, acct.Tier)
	assert.Empty(t, rec.All())
}

func TestNotificationFailureDoesNotBlockTransition(t *testing.T) {
	m, accounts, rec, _ := setup(t)
	rec.FailWith(errors.New("smtp down"))
	ctx := context.Background()

	_, err := m.OnPaymentFailed(ctx, "prov_1", "in_1")
	require.NoError(t, err)

	acct, _ := accounts.Get(ctx, "prov_1")
	assert.Equal(t, 1, acct.PaymentFailures)
}

func TestUnknownProvider(t *testing.T) {
	m, _, _, _ := setup(t)
	_, err := m.OnPaymentFailed(context.Background(), "nobody", "in_1")
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
	assert.ErrorIs(t, m.OnPaymentSucceeded(context.Background(), "nobody"), account.ErrAccountNotFound)
}

func TestNew_ClampsMaxAttempts(t *testing.T) {
	m := New(account.NewMemoryStore(), nil, grace, 1)
	assert.Equal(t, 2, m.MaxAttempts())
}
