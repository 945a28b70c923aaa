package dispute

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweepline/billing/internal/account"
	"github.com/sweepline/billing/internal/history"
	"github.com/sweepline/billing/internal/notify"
)

const ops = "ops:billing"

type fixture struct {
	ledger   *Ledger
	store    *MemoryStore
	accounts *account.MemoryStore
	history  *history.MemoryStore
	rec      *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		accounts: account.NewMemoryStore(),
		history:  history.NewMemoryStore(),
		rec:      notify.NewRecorder(),
	}
	ctx := context.Background()
	require.NoError(t, f.accounts.Create(ctx, &account.Account{
		ID: "prov_1", Tier: account.TierBasic, PaymentCustomerRef: "cus_1",
	}))
	require.NoError(t, f.history.Record(ctx, &history.Entry{
		ProviderID: "prov_1", Source: history.SourceLeadCharge,
		ChargeRef: "ch_1", PaymentIntentRef: "pi_1", AmountCents: 1000, Currency: "usd",
	}))
	f.ledger = NewLedger(f.store, f.accounts, NewResolver(f.history, f.accounts), notify.NewDispatcher(f.rec), ops).
		WithClock(func() time.Time { return time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC) })
	return f
}

func (f *fixture) account(t *testing.T) *account.Account {
	t.Helper()
	a, err := f.accounts.Get(context.Background(), "prov_1")
	require.NoError(t, err)
	return a
}

func opening(ref string) Opening {
	return Opening{DisputeRef: ref, ChargeRef: "ch_1", AmountCents: 1000, Currency: "usd", Reason: "fraudulent"}
}

func TestOnDisputeOpened_FlagsAccountAndNotifiesBoth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.ledger.OnDisputeOpened(ctx, opening("dp_1"))
	require.NoError(t, err)
	assert.Equal(t, "prov_1", d.ProviderID)
	assert.Equal(t, StatusOpen, d.Status)
	assert.True(t, d.Applied)

	a := f.account(t)
	assert.Equal(t, 1, a.DisputeCount)
	assert.Equal(t, account.DisputeUnderReview, a.DisputeStatus)

	provider := f.rec.OfKind(notify.KindDisputeOpened)
	require.Len(t, provider, 1)
	assert.Equal(t, "provider:prov_1", provider[0].Recipient)
	opsSent := f.rec.OfKind(notify.KindDisputeOpenedOps)
	require.Len(t, opsSent, 1)
	assert.Equal(t, ops, opsSent[0].Recipient)
}

func TestOnDisputeOpened_DuplicateIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.OnDisputeOpened(ctx, opening("dp_1"))
	require.NoError(t, err)
	_, err = f.ledger.OnDisputeOpened(ctx, opening("dp_1"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.account(t).DisputeCount)
	assert.Equal(t, 1, f.rec.Count(notify.KindDisputeOpened))
	assert.Len(t, f.rec.OfKind(notify.KindDisputeOpenedOps), 1)
}

func TestOnDisputeOpened_ConcurrentDuplicatesCountOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.OnDisputeOpened(ctx, opening("dp_1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.account(t).DisputeCount)
	assert.Len(t, f.rec.OfKind(notify.KindDisputeOpened), 1)
}

func TestOnDisputeOpened_AttributionOrder(t *testing.T) {
	tests := []struct {
		name string
		o    Opening
	}{
		{"charge ref", Opening{DisputeRef: "dp_a", ChargeRef: "ch_1"}},
		{"payment intent ref", Opening{DisputeRef: "dp_b", ChargeRef: "ch_unknown", PaymentIntentRef: "pi_1"}},
		{"customer ref", Opening{DisputeRef: "dp_c", ChargeRef: "ch_unknown", CustomerRef: "cus_1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d, err := f.ledger.OnDisputeOpened(context.Background(), tt.o)
			require.NoError(t, err)
			assert.Equal(t, "prov_1", d.ProviderID)
			assert.Equal(t, 1, f.account(t).DisputeCount)
		})
	}
}

func TestOnDisputeOpened_UnattributedEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := Opening{DisputeRef: "dp_x", ChargeRef: "ch_nobody", CustomerRef: "cus_nobody", AmountCents: 500}
	d, err := f.ledger.OnDisputeOpened(ctx, o)
	require.NoError(t, err)
	assert.True(t, d.Unattributed())
	assert.False(t, d.Applied)

	sent := f.rec.OfKind(notify.KindDisputeUnattributed)
	require.Len(t, sent, 1)
	assert.Equal(t, ops, sent[0].Recipient)
	assert.Equal(t, "dp_x", sent[0].Data["disputeRef"])

	// Redelivery does not escalate twice.
	_, err = f.ledger.OnDisputeOpened(ctx, o)
	require.NoError(t, err)
	assert.Len(t, f.rec.OfKind(notify.KindDisputeUnattributed), 1)

	list, err := f.ledger.ListUnattributed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "dp_x", list[0].DisputeRef)
	assert.Equal(t, 0, f.account(t).DisputeCount)
}

func TestOnDisputeOpened_RedeliveryAttributesLater(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := Opening{DisputeRef: "dp_late", ChargeRef: "ch_2"}
	d, err := f.ledger.OnDisputeOpened(ctx, o)
	require.NoError(t, err)
	assert.True(t, d.Unattributed())

	require.NoError(t, f.history.Record(ctx, &history.Entry{
		ProviderID: "prov_1", Source: history.SourceSubscription, ChargeRef: "ch_2", AmountCents: 4900,
	}))

	d, err = f.ledger.OnDisputeOpened(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, "prov_1", d.ProviderID)
	assert.True(t, d.Applied)
	assert.Equal(t, 1, f.account(t).DisputeCount)
	assert.Equal(t, account.DisputeUnderReview, f.account(t).DisputeStatus)
}

func TestOnDisputeOpened_MissingAccountReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.history.Record(ctx, &history.Entry{
		ProviderID: "prov_gone", Source: history.SourceLeadCharge, ChargeRef: "ch_gone",
	}))

	_, err := f.ledger.OnDisputeOpened(ctx, Opening{DisputeRef: "dp_gone", ChargeRef: "ch_gone"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, account.ErrAccountNotFound))

	d, err := f.store.Get(ctx, "dp_gone")
	require.NoError(t, err)
	assert.False(t, d.Applied, "claim must be handed back for redelivery")
	assert.Empty(t, f.rec.All())
}

func TestOnDisputeClosed_CountNeverDecreases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.OnDisputeOpened(ctx, opening("dp_1"))
	require.NoError(t, err)

	d, err := f.ledger.OnDisputeClosed(ctx, "dp_1", StatusWon)
	require.NoError(t, err)
	assert.Equal(t, StatusWon, d.Status)
	require.NotNil(t, d.ResolvedAt)

	a := f.account(t)
	assert.Equal(t, 1, a.DisputeCount)
	assert.Equal(t, account.DisputeNone, a.DisputeStatus)

	closed := f.rec.OfKind(notify.KindDisputeClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "won", closed[0].Data["status"])
}

func TestOnDisputeClosed_StatusTracksRemainingOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.OnDisputeOpened(ctx, opening("dp_1"))
	require.NoError(t, err)
	_, err = f.ledger.OnDisputeOpened(ctx, opening("dp_2"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.account(t).DisputeCount)

	_, err = f.ledger.OnDisputeClosed(ctx, "dp_1", StatusLost)
	require.NoError(t, err)
	a := f.account(t)
	assert.Equal(t, account.DisputeUnderReview, a.DisputeStatus)
	assert.Equal(t, 2, a.DisputeCount)

	_, err = f.ledger.OnDisputeClosed(ctx, "dp_2", StatusWon)
	require.NoError(t, err)
	a = f.account(t)
	assert.Equal(t, account.DisputeNone, a.DisputeStatus)
	assert.Equal(t, 2, a.DisputeCount)
}

func TestOnDisputeClosed_DuplicateCloseNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.OnDisputeOpened(ctx, opening("dp_1"))
	require.NoError(t, err)
	_, err = f.ledger.OnDisputeClosed(ctx, "dp_1", StatusWon)
	require.NoError(t, err)
	d, err := f.ledger.OnDisputeClosed(ctx, "dp_1", StatusLost)
	require.NoError(t, err)

	assert.Equal(t, StatusWon, d.Status, "first outcome sticks")
	assert.Len(t, f.rec.OfKind(notify.KindDisputeClosed), 1)
}

func TestOnDisputeClosed_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.OnDisputeClosed(ctx, "dp_missing", StatusWon)
	assert.ErrorIs(t, err, ErrDisputeNotFound)

	_, err = f.ledger.OnDisputeClosed(ctx, "dp_missing", StatusOpen)
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}

func TestOnDisputeClosed_UnattributedGoesToOps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.OnDisputeOpened(ctx, Opening{DisputeRef: "dp_x", ChargeRef: "ch_nobody"})
	require.NoError(t, err)
	_, err = f.ledger.OnDisputeClosed(ctx, "dp_x", StatusLost)
	require.NoError(t, err)

	assert.Len(t, f.rec.OfKind(notify.KindDisputeUnattributed), 2)
	assert.Empty(t, f.rec.OfKind(notify.KindDisputeClosed))
}

func TestOutcomeFromProvider(t *testing.T) {
	for _, s := range []string{"won", "lost", "warning_closed"} {
		got, err := OutcomeFromProvider(s)
		require.NoError(t, err)
		assert.Equal(t, Status(s), got)
	}
	for _, s := range []string{"", "open", "needs_response"} {
		_, err := OutcomeFromProvider(s)
		assert.ErrorIs(t, err, ErrInvalidOutcome, s)
	}
}
