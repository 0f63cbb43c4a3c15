package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/notify"
)

// Dispatch delivers a due job's message into its conversation and returns the
// agent's reply (unused beyond logging).
type Dispatch func(ctx context.Context, job Job) (string, error)

// SystemHandler runs built-in jobs (currently skills auto-update).
type SystemHandler func(ctx context.Context, job Job) error

// Runner executes due jobs. A try-lock per tick means a slow run never stacks
// overlapping executions.
type Runner struct {
	store    *Store
	dispatch Dispatch
	system   SystemHandler
	notifier *notify.Store

	mu sync.Mutex
}

// NewRunner wires the runner. notifier may be nil.
func NewRunner(store *Store, dispatch Dispatch, system SystemHandler, notifier *notify.Store) *Runner {
	return &Runner{store: store, dispatch: dispatch, system: system, notifier: notifier}
}

// RunDue executes all currently due jobs once. Returns the number of jobs
// that ran. Skips entirely when a previous tick is still running.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	if !r.mu.TryLock() {
		return 0, nil
	}
	defer r.mu.Unlock()

	now := r.store.now()
	due, err := r.store.DueJobs(now)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, job := range due {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		if err := r.runOne(ctx, job); err != nil {
			slog.Error("cron job failed", "job_id", job.ID, "label", job.Label, "error", err)
		}
		// next_run_at always advances, even on failure, so a broken job
		// cannot hot-loop the scheduler.
		if err := r.store.MarkRan(job, r.store.now()); err != nil {
			slog.Error("cron job not advanced", "job_id", job.ID, "error", err)
			continue
		}
		ran++
	}
	return ran, nil
}

func (r *Runner) runOne(ctx context.Context, job Job) error {
	slog.Info("cron job due", "job_id", job.ID, "label", job.Label, "name", job.Name, "channel", job.Channel)

	var runErr error
	if job.IsSystem() {
		if r.system == nil {
			return fmt.Errorf("no handler for system job %q", job.Label)
		}
		runErr = r.system(ctx, job)
	} else {
		if r.dispatch == nil {
			return fmt.Errorf("no dispatcher configured")
		}
		_, runErr = r.dispatch(ctx, job)
	}

	if r.notifier != nil {
		title := fmt.Sprintf("Cron job ran: %s", job.Label)
		priority := notify.PriorityLow
		if runErr != nil {
			title = fmt.Sprintf("Cron job failed: %s", job.Label)
			priority = notify.PriorityHigh
		}
		if _, nerr := r.notifier.CreateWithWindow(title, job.Message, priority, "cron", job.NotifyWindow()); nerr != nil {
			slog.Warn("cron notification not recorded", "job_id", job.ID, "error", nerr)
		}
	}
	return runErr
}

// Scheduler polls RunDue on an interval.
type Scheduler struct {
	runner *Runner
	every  time.Duration
}

// NewScheduler builds the poll loop; interval is already battery-adjusted by
// the caller.
func NewScheduler(runner *Runner, every time.Duration) *Scheduler {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Scheduler{runner: runner, every: every}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.runner.RunDue(ctx); err != nil && ctx.Err() == nil {
				slog.Error("cron tick failed", "error", err)
			}
		}
	}
}
