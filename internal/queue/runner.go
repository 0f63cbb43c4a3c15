package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/clawlite/internal/config"
)

// Captured output stored per task is capped at 4000 characters.
const maxTaskOutput = 4000

// Runner is the worker subprocess loop: claim, execute, report, poll. One
// Runner serves exactly one worker id; the parent launches it via
// "clawlite agents worker --worker-id N".
type Runner struct {
	mgr          *Manager
	workerID     int64
	pollInterval time.Duration
	taskTimeout  time.Duration
	onResult     func(task Task) // optional delivery callback

	run func(ctx context.Context, argv []string) (string, error)
}

// NewRunner builds a runner for one worker. The poll interval honors battery
// mode throttling.
func NewRunner(mgr *Manager, workerID int64, battery config.BatteryModeConfig, onResult func(Task)) *Runner {
	poll := time.Duration(battery.EffectivePollSeconds(2) * float64(time.Second))
	return &Runner{
		mgr:          mgr,
		workerID:     workerID,
		pollInterval: poll,
		taskTimeout:  10 * time.Minute,
		onResult:     onResult,
		run:          runCommand,
	}
}

// Run executes the loop until ctx is cancelled or the worker is disabled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.mgr.RecordWorkerStarted(r.workerID, os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if err := r.mgr.RecordWorkerStopped(r.workerID); err != nil {
			slog.Warn("worker stop not recorded", "worker_id", r.workerID, "error", err)
		}
	}()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		w, err := r.mgr.GetWorker(r.workerID)
		if err != nil {
			return err
		}
		if !w.Enabled {
			slog.Info("worker disabled, exiting", "worker_id", r.workerID, "label", w.Label)
			return nil
		}

		task, err := r.mgr.ClaimNext(r.workerID)
		switch {
		case err == nil:
			r.execute(ctx, w, task)
			continue // drain the queue before sleeping again
		case err == ErrNoTask:
			// fall through to poll wait
		default:
			slog.Error("task claim failed", "worker_id", r.workerID, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) execute(ctx context.Context, w Worker, task Task) {
	argv, err := RenderCommand(w.Command, w, task)
	if err != nil {
		r.report(task, "", err)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, r.taskTimeout)
	defer cancel()

	slog.Info("task started", "worker_id", w.ID, "task_id", task.ID, "label", w.Label)
	output, err := r.run(taskCtx, argv)
	r.report(task, output, err)
}

func (r *Runner) report(task Task, output string, err error) {
	if err != nil {
		msg := err.Error()
		if output != "" {
			msg = msg + "\n" + output
		}
		if ferr := r.mgr.Fail(task.ID, truncate(msg, maxTaskOutput)); ferr != nil {
			slog.Error("task fail not recorded", "task_id", task.ID, "error", ferr)
		}
		slog.Warn("task failed", "task_id", task.ID, "error", err)
	} else {
		if cerr := r.mgr.Complete(task.ID, truncate(output, maxTaskOutput)); cerr != nil {
			slog.Error("task completion not recorded", "task_id", task.ID, "error", cerr)
		}
		slog.Info("task done", "task_id", task.ID)
	}
	if r.onResult != nil {
		if done, gerr := r.mgr.GetTask(task.ID); gerr == nil {
			r.onResult(done)
		}
	}
}

func runCommand(ctx context.Context, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("command %s: %w", argv[0], err)
	}
	return output, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back off to a rune boundary so the cut never splits UTF-8.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "\n[truncated]"
}
