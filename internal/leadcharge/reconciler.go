package leadcharge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sweepline/billing/internal/retry"
)

// Report summarises one reconciliation pass.
type Report struct {
	Scanned      int `json:"scanned"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	StillPending int `json:"stillPending"`
	Errors       int `json:"errors"`
}

// Reconciler settles charges left pending by a timeout or crash. Replaying
// the stored idempotency key returns the gateway's original decision, so a
// charge that actually went through is recorded rather than repeated.
type Reconciler struct {
	engine  *Engine
	charges Store
	logger  *slog.Logger
	minAge  time.Duration
	batch   int
	policy  retry.Policy
}

// NewReconciler creates a reconciler over engine's store.
func NewReconciler(engine *Engine, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		engine:  engine,
		charges: engine.charges,
		logger:  logger,
		minAge:  2 * time.Minute,
		batch:   100,
		policy:  retry.DefaultPolicy,
	}
}

// WithMinAge skips charges touched more recently than d, which are most
// likely still being driven by their original caller.
func (r *Reconciler) WithMinAge(d time.Duration) *Reconciler {
	r.minAge = d
	return r
}

// WithPolicy sets the per-charge retry policy.
func (r *Reconciler) WithPolicy(p retry.Policy) *Reconciler {
	r.policy = p
	return r
}

// Run re-drives one batch of stale pending charges.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	pending, err := r.charges.ListPending(ctx, time.Now().Add(-r.minAge), r.batch)
	if err != nil {
		return nil, err
	}

	report := &Report{Scanned: len(pending)}
	for _, c := range pending {
		err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
			_, err := r.engine.Redrive(ctx, c)
			if err != nil && errors.Is(err, ErrTransientProvider) {
				return err
			}
			return retry.Permanent(err)
		})

		switch {
		case err == nil:
			report.Succeeded++
		case errors.Is(err, ErrNeedsPaymentMethod):
			report.Failed++
		case errors.Is(err, ErrTransientProvider):
			report.StillPending++
		default:
			report.Errors++
			r.logger.Error("reconcile lead charge failed", "charge_id", c.ID, "error", err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	if report.Scanned > 0 {
		r.logger.Info("lead charge reconciliation complete",
			"scanned", report.Scanned,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
			"still_pending", report.StillPending,
			"errors", report.Errors,
		)
	}
	return report, nil
}
