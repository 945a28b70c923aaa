// Package scheduler runs the billing maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// PruneSchedule runs the processed-event prune once a day.
const PruneSchedule = "@daily"

// Schedules are cron expressions for each job.
type Schedules struct {
	CreditReset string
	Reconcile   string
	Prune       string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// New creates a scheduler. Jobs never overlap with themselves.
func New(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	if schedules.Prune == "" {
		schedules.Prune = PruneSchedule
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler. An invalid
// schedule is returned before anything runs.
func (s *Scheduler) Start() error {
	entries := []struct {
		name     string
		schedule string
		fn       func()
	}{
		{"credit_reset", s.schedules.CreditReset, s.jobs.ResetLeadCredits},
		{"reconcile", s.schedules.Reconcile, s.jobs.ReconcileLeadCharges},
		{"prune_events", s.schedules.Prune, s.jobs.PruneProcessedEvents},
	}
	for _, e := range entries {
		if _, err := s.cron.AddFunc(e.schedule, e.fn); err != nil {
			return fmt.Errorf("schedule %s job %q: %w", e.name, e.schedule, err)
		}
		s.logger.Info("scheduled job", "job", e.name, "schedule", e.schedule)
	}

	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
