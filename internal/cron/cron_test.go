package cron

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/store"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	db, err := store.OpenMultiagent(filepath.Join(t.TempDir(), "multiagent.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewStore(db)
	clock := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestAddJobInterval(t *testing.T) {
	s, clock := newTestStore(t)

	job, err := s.AddJob("telegram", "42", "", "standup", "", "time for standup", 30*time.Minute, "")
	if err != nil {
		t.Fatal(err)
	}
	if !job.Enabled || job.IntervalSeconds != 1800 {
		t.Fatalf("job = %+v", job)
	}
	want := clock.Add(30 * time.Minute)
	if !job.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", job.NextRunAt, want)
	}
}

func TestAddJobValidation(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.AddJob("telegram", "42", "", "bad", "", "m", 0, ""); err == nil {
		t.Fatal("no interval and no schedule should fail")
	}
	if _, err := s.AddJob("telegram", "42", "", "bad", "", "m", time.Minute, "* * * * *"); err == nil {
		t.Fatal("interval and schedule together should fail")
	}
	if _, err := s.AddJob("telegram", "42", "", "bad", "", "m", 0, "not a cron"); err == nil {
		t.Fatal("invalid cron expression should fail")
	}
	if _, err := s.AddJob("telegram", "42", "", "", "", "m", time.Minute, ""); err == nil {
		t.Fatal("missing label should fail")
	}
}

func TestAddJobSchedule(t *testing.T) {
	s, clock := newTestStore(t)

	job, err := s.AddJob("slack", "C1", "", "hourly", "", "tick", 0, "0 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	want := clock.Truncate(time.Hour).Add(time.Hour)
	if !job.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want top of next hour %v", job.NextRunAt, want)
	}
}

func TestAddJobUpsertsOnSameKey(t *testing.T) {
	s, _ := newTestStore(t)

	first, err := s.AddJob("telegram", "42", "", "reports", "daily", "status diário", time.Hour, "")
	if err != nil {
		t.Fatal(err)
	}
	s.SetEnabled(first.ID, false)

	// Same key again: the existing row is updated and re-enabled, never
	// duplicated into a second firing job.
	second, err := s.AddJob("telegram", "42", "", "reports", "daily", "status semanal", 2*time.Hour, "")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert created a duplicate: %d != %d", second.ID, first.ID)
	}
	if second.Message != "status semanal" || second.IntervalSeconds != 7200 || !second.Enabled {
		t.Fatalf("job after upsert = %+v", second)
	}
	jobs, _ := s.ListJobs("telegram", "42")
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}

	// A different name under the same label is a distinct job.
	other, err := s.AddJob("telegram", "42", "", "reports", "weekly", "resumo", 24*time.Hour, "")
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Fatal("distinct name should create a new job")
	}
}

func TestDueJobsAndMarkRan(t *testing.T) {
	s, clock := newTestStore(t)
	job, _ := s.AddJob("telegram", "42", "", "reminder", "", "drink water", 10*time.Minute, "")

	due, err := s.DueJobs(*clock)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("job due immediately: %+v", due)
	}

	*clock = clock.Add(11 * time.Minute)
	due, _ = s.DueJobs(*clock)
	if len(due) != 1 || due[0].ID != job.ID {
		t.Fatalf("due = %+v", due)
	}

	if err := s.MarkRan(due[0], *clock); err != nil {
		t.Fatal(err)
	}
	after, _ := s.GetJob(job.ID)
	if !after.LastRunAt.Equal(*clock) {
		t.Fatalf("last_run_at = %v", after.LastRunAt)
	}
	if !after.NextRunAt.Equal(clock.Add(10 * time.Minute)) {
		t.Fatalf("next_run_at = %v, want ran+interval", after.NextRunAt)
	}

	// Disabled jobs never come due.
	s.SetEnabled(job.ID, false)
	*clock = clock.Add(time.Hour)
	if due, _ := s.DueJobs(*clock); len(due) != 0 {
		t.Fatalf("disabled job reported due: %+v", due)
	}
}

func TestRunnerRoutesSystemJobs(t *testing.T) {
	s, clock := newTestStore(t)
	s.AddJob(SystemChannel, "", "", SystemSkillsLabel, SystemAutoUpdateName, "{}", time.Minute, "")
	s.AddJob("telegram", "42", "", "normal", "", "hello", time.Minute, "")
	*clock = clock.Add(2 * time.Minute)

	var systemRuns, dispatchRuns []string
	runner := NewRunner(s,
		func(_ context.Context, job Job) (string, error) {
			dispatchRuns = append(dispatchRuns, job.Label)
			return "ok", nil
		},
		func(_ context.Context, job Job) error {
			systemRuns = append(systemRuns, job.Name)
			return nil
		},
		nil)

	ran, err := runner.RunDue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ran != 2 {
		t.Fatalf("ran = %d, want 2", ran)
	}
	if len(systemRuns) != 1 || systemRuns[0] != SystemAutoUpdateName {
		t.Fatalf("system runs = %v", systemRuns)
	}
	if len(dispatchRuns) != 1 || dispatchRuns[0] != "normal" {
		t.Fatalf("dispatch runs = %v", dispatchRuns)
	}
}

func TestRunnerAdvancesFailedJobs(t *testing.T) {
	s, clock := newTestStore(t)
	job, _ := s.AddJob("telegram", "42", "", "flaky", "", "msg", time.Minute, "")
	*clock = clock.Add(2 * time.Minute)

	runner := NewRunner(s,
		func(context.Context, Job) (string, error) { return "", errors.New("boom") },
		nil, nil)

	if _, err := runner.RunDue(context.Background()); err != nil {
		t.Fatal(err)
	}
	after, _ := s.GetJob(job.ID)
	if !after.NextRunAt.After(*clock) {
		t.Fatalf("failed job did not advance: next_run_at = %v, now = %v", after.NextRunAt, *clock)
	}
}

func TestNotifyWindowCapped(t *testing.T) {
	if w := (Job{IntervalSeconds: 60}).NotifyWindow(); w != time.Minute {
		t.Fatalf("window = %v, want 1m", w)
	}
	if w := (Job{IntervalSeconds: 3600}).NotifyWindow(); w != 10*time.Minute {
		t.Fatalf("window = %v, want cap 10m", w)
	}
	if w := (Job{}).NotifyWindow(); w != 10*time.Minute {
		t.Fatalf("window for schedule-based job = %v, want 10m", w)
	}
}
