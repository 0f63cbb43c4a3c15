// Package queue implements per-conversation background workers and their
// task queues, persisted in the multiagent database so the CLI, gateway and
// worker subprocesses share one view.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"syscall"
	"time"
)

// Task statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// ErrWorkerDisabled is returned when enqueueing to a disabled worker.
var ErrWorkerDisabled = errors.New("worker is disabled")

// ErrNoTask signals an empty queue on claim.
var ErrNoTask = errors.New("no queued task")

// Worker is one registered background worker, scoped to a conversation.
type Worker struct {
	ID        int64     `json:"id"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Label     string    `json:"label"`
	Command   string    `json:"command"`
	Enabled   bool      `json:"enabled"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is one unit of queued work.
type Task struct {
	ID         int64     `json:"id"`
	WorkerID   int64     `json:"worker_id"`
	Text       string    `json:"text"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Manager mediates all worker and task state.
type Manager struct {
	db *sql.DB

	now   func() time.Time
	alive func(pid int) bool
	spawn func(workerID int64) (int, error)
}

// NewManager wraps an opened multiagent database.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db, now: time.Now, alive: PIDAlive, spawn: spawnWorker}
}

// UpsertWorker registers a worker for a conversation, or refreshes the
// command of an existing one. Re-registering re-enables a stopped worker.
func (m *Manager) UpsertWorker(channel, chatID, threadID, label, command string) (Worker, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return Worker{}, fmt.Errorf("worker label required")
	}
	if strings.TrimSpace(command) == "" {
		return Worker{}, fmt.Errorf("worker command required")
	}
	_, err := m.db.Exec(`
		INSERT INTO workers (channel, chat_id, thread_id, label, command, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (channel, chat_id, thread_id, label)
		DO UPDATE SET command = excluded.command, enabled = 1`,
		channel, chatID, threadID, label, command, m.now().Unix())
	if err != nil {
		return Worker{}, fmt.Errorf("upsert worker: %w", err)
	}
	return m.FindWorker(channel, chatID, threadID, label)
}

// GetWorker loads a worker by id.
func (m *Manager) GetWorker(id int64) (Worker, error) {
	row := m.db.QueryRow(
		`SELECT id, channel, chat_id, thread_id, label, command, enabled, pid, started_at, created_at
		   FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

// FindWorker looks a worker up by its conversation scope and label.
func (m *Manager) FindWorker(channel, chatID, threadID, label string) (Worker, error) {
	row := m.db.QueryRow(
		`SELECT id, channel, chat_id, thread_id, label, command, enabled, pid, started_at, created_at
		   FROM workers WHERE channel = ? AND chat_id = ? AND thread_id = ? AND label = ?`,
		channel, chatID, threadID, label)
	return scanWorker(row)
}

// ListWorkers returns workers, optionally scoped to one conversation.
func (m *Manager) ListWorkers(channel, chatID string) ([]Worker, error) {
	query := `SELECT id, channel, chat_id, thread_id, label, command, enabled, pid, started_at, created_at
	            FROM workers`
	var args []any
	if channel != "" {
		query += ` WHERE channel = ? AND chat_id = ?`
		args = append(args, channel, chatID)
	}
	query += ` ORDER BY id`

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// SetEnabled flips a worker on or off without touching its queue.
func (m *Manager) SetEnabled(id int64, enabled bool) error {
	res, err := m.db.Exec(`UPDATE workers SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set worker enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %d not found", id)
	}
	return nil
}

// RecordWorkerStarted notes the subprocess pid serving this worker.
func (m *Manager) RecordWorkerStarted(id int64, pid int) error {
	_, err := m.db.Exec(`UPDATE workers SET pid = ?, started_at = ? WHERE id = ?`, pid, m.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("record worker start: %w", err)
	}
	return nil
}

// RecordWorkerStopped clears the pid after a clean shutdown.
func (m *Manager) RecordWorkerStopped(id int64) error {
	_, err := m.db.Exec(`UPDATE workers SET pid = NULL, started_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("record worker stop: %w", err)
	}
	return nil
}

// StartWorker makes sure a subprocess is serving the worker: a live pid is
// returned as-is, otherwise a detached worker loop is spawned, the worker is
// re-enabled and the new pid recorded.
func (m *Manager) StartWorker(id int64) (int, error) {
	w, err := m.GetWorker(id)
	if err != nil {
		return 0, err
	}
	if w.PID > 0 && m.alive(w.PID) {
		return w.PID, nil
	}
	if !w.Enabled {
		if err := m.SetEnabled(id, true); err != nil {
			return 0, err
		}
	}
	pid, err := m.spawn(id)
	if err != nil {
		return 0, fmt.Errorf("start worker %d: %w", id, err)
	}
	if err := m.RecordWorkerStarted(id, pid); err != nil {
		return pid, err
	}
	return pid, nil
}

// StopWorker disables a worker and signals its subprocess when still alive.
func (m *Manager) StopWorker(id int64) error {
	w, err := m.GetWorker(id)
	if err != nil {
		return err
	}
	if err := m.SetEnabled(id, false); err != nil {
		return err
	}
	if w.PID > 0 && m.alive(w.PID) {
		// Best effort: the loop also exits on its own once it sees enabled=0.
		_ = syscall.Kill(w.PID, syscall.SIGTERM)
	}
	return m.RecordWorkerStopped(id)
}

// DeleteWorker removes a worker and, via FK cascade, its tasks.
func (m *Manager) DeleteWorker(id int64) error {
	if err := m.StopWorker(id); err != nil {
		return err
	}
	if _, err := m.db.Exec(`DELETE FROM workers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return nil
}

// Enqueue adds a task for an enabled worker.
func (m *Manager) Enqueue(workerID int64, text string) (Task, error) {
	w, err := m.GetWorker(workerID)
	if err != nil {
		return Task{}, err
	}
	if !w.Enabled {
		return Task{}, fmt.Errorf("enqueue to worker %q: %w", w.Label, ErrWorkerDisabled)
	}
	res, err := m.db.Exec(
		`INSERT INTO tasks (worker_id, text, status, created_at) VALUES (?, ?, ?, ?)`,
		workerID, text, StatusQueued, m.now().Unix())
	if err != nil {
		return Task{}, fmt.Errorf("enqueue task: %w", err)
	}
	id, _ := res.LastInsertId()
	return m.GetTask(id)
}

// GetTask loads one task.
func (m *Manager) GetTask(id int64) (Task, error) {
	row := m.db.QueryRow(
		`SELECT id, worker_id, text, status, result, error, created_at, started_at, finished_at
		   FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ClaimNext atomically moves the oldest queued task of a worker to running.
// The conditional UPDATE makes concurrent claimers race safely: exactly one
// wins, the others see zero affected rows and try the next task.
func (m *Manager) ClaimNext(workerID int64) (Task, error) {
	for {
		var id int64
		err := m.db.QueryRow(
			`SELECT id FROM tasks WHERE worker_id = ? AND status = ? ORDER BY id LIMIT 1`,
			workerID, StatusQueued).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNoTask
		}
		if err != nil {
			return Task{}, fmt.Errorf("find queued task: %w", err)
		}

		res, err := m.db.Exec(
			`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			StatusRunning, m.now().Unix(), id, StatusQueued)
		if err != nil {
			return Task{}, fmt.Errorf("claim task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return m.GetTask(id)
		}
		// Lost the race; loop for the next queued task.
	}
}

// Complete marks a task done with its output.
func (m *Manager) Complete(taskID int64, result string) error {
	_, err := m.db.Exec(
		`UPDATE tasks SET status = ?, result = ?, finished_at = ? WHERE id = ?`,
		StatusDone, result, m.now().Unix(), taskID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// Fail marks a task failed with its error text.
func (m *Manager) Fail(taskID int64, errMsg string) error {
	_, err := m.db.Exec(
		`UPDATE tasks SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		StatusFailed, errMsg, m.now().Unix(), taskID)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// Tasks returns the newest limit tasks for a worker.
func (m *Manager) Tasks(workerID int64, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := m.db.Query(
		`SELECT id, worker_id, text, status, result, error, created_at, started_at, finished_at
		   FROM tasks WHERE worker_id = ? ORDER BY id DESC LIMIT ?`, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RecoverOrphans re-queues running tasks whose worker process is gone,
// clears stale pids and restarts every enabled worker without a live
// process. Run at startup and periodically from the scheduler.
func (m *Manager) RecoverOrphans() (requeued, restarted int, err error) {
	workers, err := m.ListWorkers("", "")
	if err != nil {
		return 0, 0, err
	}
	for _, w := range workers {
		if w.PID > 0 && m.alive(w.PID) {
			continue
		}
		res, err := m.db.Exec(
			`UPDATE tasks SET status = ?, started_at = NULL WHERE worker_id = ? AND status = ?`,
			StatusQueued, w.ID, StatusRunning)
		if err != nil {
			return requeued, restarted, fmt.Errorf("requeue orphans: %w", err)
		}
		n, _ := res.RowsAffected()
		requeued += int(n)
		if w.PID > 0 {
			if err := m.RecordWorkerStopped(w.ID); err != nil {
				return requeued, restarted, err
			}
		}
		if !w.Enabled {
			continue
		}
		if _, err := m.StartWorker(w.ID); err != nil {
			slog.Warn("worker restart failed", "worker_id", w.ID, "label", w.Label, "error", err)
			continue
		}
		restarted++
	}
	return requeued, restarted, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanWorker(row scannable) (Worker, error) {
	var (
		w       Worker
		enabled int
		pid     sql.NullInt64
		started sql.NullInt64
		created int64
	)
	err := row.Scan(&w.ID, &w.Channel, &w.ChatID, &w.ThreadID, &w.Label, &w.Command,
		&enabled, &pid, &started, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Worker{}, fmt.Errorf("worker not found")
	}
	if err != nil {
		return Worker{}, fmt.Errorf("scan worker: %w", err)
	}
	w.Enabled = enabled != 0
	if pid.Valid {
		w.PID = int(pid.Int64)
	}
	if started.Valid {
		w.StartedAt = time.Unix(started.Int64, 0)
	}
	w.CreatedAt = time.Unix(created, 0)
	return w, nil
}

func scanTask(row scannable) (Task, error) {
	var (
		t        Task
		result   sql.NullString
		errMsg   sql.NullString
		created  int64
		started  sql.NullInt64
		finished sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.WorkerID, &t.Text, &t.Status, &result, &errMsg,
		&created, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task not found")
	}
	if err != nil {
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Result = result.String
	t.Error = errMsg.String
	t.CreatedAt = time.Unix(created, 0)
	if started.Valid {
		t.StartedAt = time.Unix(started.Int64, 0)
	}
	if finished.Valid {
		t.FinishedAt = time.Unix(finished.Int64, 0)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
