package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweepline/billing/internal/account"
	"github.com/sweepline/billing/internal/ingress"
	"github.com/sweepline/billing/internal/leadcharge"
)

var jobRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Subsystem: "scheduler",
	Name:      "job_runs_total",
	Help:      "Scheduled job runs by job and result.",
}, []string{"job", "result"})

func init() {
	prometheus.MustRegister(jobRunsTotal)
}

const (
	// EventRetention is how long processed webhook ids are remembered.
	EventRetention = 30 * 24 * time.Hour
	jobTimeout     = 5 * time.Minute
)

// Jobs holds the periodic billing maintenance tasks.
type Jobs struct {
	accounts   account.Store
	reconciler *leadcharge.Reconciler
	events     ingress.Store
	logger     *slog.Logger
	now        func() time.Time
}

// NewJobs creates the job set.
func NewJobs(accounts account.Store, reconciler *leadcharge.Reconciler, events ingress.Store, logger *slog.Logger) *Jobs {
	return &Jobs{
		accounts:   accounts,
		reconciler: reconciler,
		events:     events,
		logger:     logger,
		now:        time.Now,
	}
}

// ResetLeadCredits starts a new lead-credit period for every account.
func (j *Jobs) ResetLeadCredits() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.accounts.ResetLeadCredits(ctx)
	if err != nil {
		jobRunsTotal.WithLabelValues("credit_reset", "error").Inc()
		j.logger.Error("lead credit reset failed", "error", err)
		return
	}
	jobRunsTotal.WithLabelValues("credit_reset", "ok").Inc()
	j.logger.Info("lead credits reset", "accounts", n)
}

// ReconcileLeadCharges settles stale pending lead charges.
func (j *Jobs) ReconcileLeadCharges() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	report, err := j.reconciler.Run(ctx)
	if err != nil {
		jobRunsTotal.WithLabelValues("reconcile", "error").Inc()
		j.logger.Error("lead charge reconciliation failed", "error", err)
		return
	}
	jobRunsTotal.WithLabelValues("reconcile", "ok").Inc()
	if report.Scanned > 0 {
		j.logger.Info("lead charges reconciled",
			"scanned", report.Scanned,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
			"still_pending", report.StillPending,
			"errors", report.Errors,
		)
	}
}

// PruneProcessedEvents forgets webhook ids, and the event ids recorded on
// account transitions, older than EventRetention.
func (j *Jobs) PruneProcessedEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := j.now().Add(-EventRetention)
	n, err := j.events.Prune(ctx, cutoff)
	if err != nil {
		jobRunsTotal.WithLabelValues("prune_events", "error").Inc()
		j.logger.Warn("failed to prune processed events", "error", err)
		return
	}
	applied, err := j.accounts.PruneAppliedEvents(ctx, cutoff)
	if err != nil {
		jobRunsTotal.WithLabelValues("prune_events", "error").Inc()
		j.logger.Warn("failed to prune applied account events", "error", err)
		return
	}
	jobRunsTotal.WithLabelValues("prune_events", "ok").Inc()
	if n > 0 || applied > 0 {
		j.logger.Info("processed events pruned", "count", n, "applied", applied)
	}
}
