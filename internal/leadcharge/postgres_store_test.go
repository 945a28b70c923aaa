//go:build integration

package leadcharge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweepline/billing/internal/account"
	"github.com/sweepline/billing/internal/history"
	"github.com/sweepline/billing/internal/notify"
	"github.com/sweepline/billing/internal/payment"
	"github.com/sweepline/billing/internal/testutil"
)

func TestPostgresLeadCharge_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, account.NewPostgresStore(db).Create(ctx, &account.Account{ID: "prov_pg", Tier: account.TierBasic}))
	store := NewPostgresStore(db)

	c := &Charge{
		ID: "lc_pg1", ProviderID: "prov_pg", LeadID: "lead_1", Attempt: 1,
		IdempotencyKey: IdempotencyKey("prov_pg", "lead_1", 1), AmountCents: 1000, Currency: "usd",
		CustomerRef: "cus_pg", InstrumentRef: "pm_pg", Status: StatusPending,
	}
	require.NoError(t, store.Create(ctx, c))

	dup := *c
	dup.ID = "lc_pg2"
	assert.ErrorIs(t, store.Create(ctx, &dup), ErrAttemptExists)

	pending, err := store.ListPending(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, store.MarkSucceeded(ctx, "lc_pg1", "ch_1", "pi_1"))
	assert.ErrorIs(t, store.MarkFailed(ctx, "lc_pg1", "late", "", ""), ErrNotPending)
	assert.ErrorIs(t, store.MarkFailed(ctx, "lc_missing", "", "", ""), ErrChargeNotFound)

	latest, err := store.Latest(ctx, "prov_pg", "lead_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, latest.Status)
	assert.Equal(t, "ch_1", latest.ChargeRef)

	// a second attempt can never also succeed for the same lead
	second := *c
	second.ID, second.Attempt, second.IdempotencyKey = "lc_pg3", 2, IdempotencyKey("prov_pg", "lead_1", 2)
	require.NoError(t, store.Create(ctx, &second))
	assert.ErrorIs(t, store.MarkSucceeded(ctx, "lc_pg3", "ch_2", "pi_2"), ErrNotPending)
}

func TestPostgresLeadCharge_ConcurrentEnginesChargeOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	accounts := account.NewPostgresStore(db)
	require.NoError(t, accounts.Create(ctx, &account.Account{
		ID: "prov_cc", Tier: account.TierFree, PaymentCustomerRef: "cus_cc", LeadCreditsUsed: 3,
	}))
	gw := payment.NewFakeGateway()
	gw.AddInstrument("cus_cc", "pm_cc")
	charges := NewPostgresStore(db)
	hist := history.NewPostgresStore(db)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng := NewEngine(accounts, charges, gw, hist, notify.NewDispatcher(notify.NewRecorder()))
			_, err := eng.AttemptLeadCharge(ctx, "prov_cc", "lead_1", account.TierFree)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var succeeded int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lead_charge_attempts WHERE provider_id = 'prov_cc' AND status = 'succeeded'`,
	).Scan(&succeeded))
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, gw.Succeeded())
}
