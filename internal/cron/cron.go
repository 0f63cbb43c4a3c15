// Package cron schedules recurring conversation jobs: fixed intervals or
// cron expressions, persisted in the multiagent database and polled by the
// gateway scheduler.
package cron

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Jobs on the system channel are routed to built-in handlers instead of the
// agent; label and name select the handler.
const (
	SystemChannel        = "system"
	SystemSkillsLabel    = "skills"
	SystemAutoUpdateName = "auto-update"
)

// Job is one recurring schedule bound to a conversation. The (channel,
// chat_id, thread_id, label, name) tuple is unique; re-adding it updates the
// existing job in place.
type Job struct {
	ID              int64     `json:"id"`
	Channel         string    `json:"channel"`
	ChatID          string    `json:"chat_id"`
	ThreadID        string    `json:"thread_id,omitempty"`
	Label           string    `json:"label"`
	Name            string    `json:"name,omitempty"`
	Message         string    `json:"message"`
	IntervalSeconds float64   `json:"interval_seconds,omitempty"`
	Schedule        string    `json:"schedule,omitempty"` // cron expression, overrides interval
	NextRunAt       time.Time `json:"next_run_at"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	LastRunAt       time.Time `json:"last_run_at,omitzero"`
}

// IsSystem reports whether the job targets a built-in handler.
func (j Job) IsSystem() bool { return j.Channel == SystemChannel }

// NotifyWindow is the dedupe window for this job's run notification: its own
// interval, capped at ten minutes.
func (j Job) NotifyWindow() time.Duration {
	window := time.Duration(j.IntervalSeconds * float64(time.Second))
	if window <= 0 || window > 10*time.Minute {
		window = 10 * time.Minute
	}
	return window
}

// Store persists cron jobs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an opened multiagent database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AddJob registers a job, or updates the one already holding the same
// (channel, chat_id, thread_id, label, name) key. Exactly one of interval
// and schedule must be set; schedule must be a valid cron expression.
func (s *Store) AddJob(channel, chatID, threadID, label, name, message string, interval time.Duration, schedule string) (Job, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return Job{}, fmt.Errorf("cron label required")
	}
	name = strings.TrimSpace(name)
	schedule = strings.TrimSpace(schedule)
	if (interval <= 0) == (schedule == "") {
		return Job{}, fmt.Errorf("cron job needs an interval or a schedule, not both")
	}
	if schedule != "" && !gronx.New().IsValid(schedule) {
		return Job{}, fmt.Errorf("invalid cron expression %q", schedule)
	}

	now := s.now()
	next, err := nextRun(now, interval, schedule)
	if err != nil {
		return Job{}, err
	}

	_, err = s.db.Exec(`
		INSERT INTO conversation_cron_jobs
		    (channel, chat_id, thread_id, label, name, message, interval_seconds, schedule, next_run_at, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (channel, chat_id, thread_id, label, name)
		DO UPDATE SET message = excluded.message,
		              interval_seconds = excluded.interval_seconds,
		              schedule = excluded.schedule,
		              next_run_at = excluded.next_run_at,
		              enabled = 1`,
		channel, chatID, threadID, label, name, message, interval.Seconds(), schedule,
		unixF(next), now.Unix())
	if err != nil {
		return Job{}, fmt.Errorf("upsert cron job: %w", err)
	}
	return s.FindJob(channel, chatID, threadID, label, name)
}

// FindJob looks a job up by its unique key.
func (s *Store) FindJob(channel, chatID, threadID, label, name string) (Job, error) {
	row := s.db.QueryRow(selectJob+
		` WHERE channel = ? AND chat_id = ? AND thread_id = ? AND label = ? AND name = ?`,
		channel, chatID, threadID, label, name)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("cron job %s/%s/%s not found", channel, label, name)
	}
	return j, err
}

// GetJob loads one job.
func (s *Store) GetJob(id int64) (Job, error) {
	row := s.db.QueryRow(selectJob+` WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("cron job %d not found", id)
	}
	return j, err
}

// ListJobs returns jobs, optionally scoped to one conversation.
func (s *Store) ListJobs(channel, chatID string) ([]Job, error) {
	query := selectJob
	var args []any
	if channel != "" {
		query += ` WHERE channel = ? AND chat_id = ?`
		args = append(args, channel, chatID)
	}
	query += ` ORDER BY id`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RemoveJob deletes a job.
func (s *Store) RemoveJob(id int64) error {
	res, err := s.db.Exec(`DELETE FROM conversation_cron_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove cron job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cron job %d not found", id)
	}
	return nil
}

// SetEnabled pauses or resumes a job.
func (s *Store) SetEnabled(id int64, enabled bool) error {
	res, err := s.db.Exec(`UPDATE conversation_cron_jobs SET enabled = ? WHERE id = ?`, b2i(enabled), id)
	if err != nil {
		return fmt.Errorf("set cron enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cron job %d not found", id)
	}
	return nil
}

// DueJobs returns enabled jobs whose next_run_at has passed.
func (s *Store) DueJobs(now time.Time) ([]Job, error) {
	rows, err := s.db.Query(selectJob+` WHERE enabled = 1 AND next_run_at <= ? ORDER BY next_run_at`, unixF(now))
	if err != nil {
		return nil, fmt.Errorf("due cron jobs: %w", err)
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkRan records a completed run and advances next_run_at.
func (s *Store) MarkRan(job Job, ranAt time.Time) error {
	interval := time.Duration(job.IntervalSeconds * float64(time.Second))
	next, err := nextRun(ranAt, interval, job.Schedule)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE conversation_cron_jobs SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		unixF(ranAt), unixF(next), job.ID)
	if err != nil {
		return fmt.Errorf("mark cron ran: %w", err)
	}
	return nil
}

func nextRun(from time.Time, interval time.Duration, schedule string) (time.Time, error) {
	if schedule != "" {
		next, err := gronx.NextTickAfter(schedule, from, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron next tick: %w", err)
		}
		return next, nil
	}
	return from.Add(interval), nil
}

const selectJob = `SELECT id, channel, chat_id, thread_id, label, name, message,
    interval_seconds, schedule, next_run_at, enabled, created_at, last_run_at
  FROM conversation_cron_jobs`

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (Job, error) {
	var (
		j       Job
		next    float64
		enabled int
		created int64
		lastRun sql.NullFloat64
	)
	err := row.Scan(&j.ID, &j.Channel, &j.ChatID, &j.ThreadID, &j.Label, &j.Name, &j.Message,
		&j.IntervalSeconds, &j.Schedule, &next, &enabled, &created, &lastRun)
	if err != nil {
		return Job{}, err
	}
	j.NextRunAt = fromUnixF(next)
	j.Enabled = enabled != 0
	j.CreatedAt = time.Unix(created, 0)
	if lastRun.Valid {
		j.LastRunAt = fromUnixF(lastRun.Float64)
	}
	return j, nil
}

func unixF(t time.Time) float64     { return float64(t.UnixMilli()) / 1000 }
func fromUnixF(f float64) time.Time { return time.UnixMilli(int64(f * 1000)) }

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
