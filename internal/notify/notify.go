// Package notify is the local notification inbox backed by the multiagent
// database. Background loops (cron, heartbeat, workers) write here; channels
// and the gateway read.
package notify

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Priority levels. Stored as integers so listing can filter with >=.
const (
	PriorityLow    = 1
	PriorityNormal = 2
	PriorityHigh   = 3
)

// Notification is one inbox entry.
type Notification struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Priority  int       `json:"priority"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

// Store persists notifications with a dedupe window.
type Store struct {
	db           *sql.DB
	enabled      bool
	dedupeWindow time.Duration

	now func() time.Time
}

// NewStore wires the notification store. dedupeWindow <= 0 disables dedupe.
func NewStore(db *sql.DB, enabled bool, dedupeWindow time.Duration) *Store {
	return &Store{db: db, enabled: enabled, dedupeWindow: dedupeWindow, now: time.Now}
}

// ParsePriority maps "low"/"normal"/"high" (or a digit) to a priority level.
func ParsePriority(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "1":
		return PriorityLow
	case "high", "3":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// InferPriority guesses a level from the title when the caller gave none.
func InferPriority(title string) int {
	lower := strings.ToLower(title)
	for _, kw := range []string{"urgent", "error", "fail", "alert", "critical", "down"} {
		if strings.Contains(lower, kw) {
			return PriorityHigh
		}
	}
	for _, kw := range []string{"fyi", "info", "note"} {
		if strings.Contains(lower, kw) {
			return PriorityLow
		}
	}
	return PriorityNormal
}

// Create inserts a notification unless an identical title+body was recorded
// inside the store's dedupe window. Returns the new id, or 0 when suppressed.
func (s *Store) Create(title, body string, priority int, source string) (int64, error) {
	return s.createWindow(title, body, priority, source, s.dedupeWindow)
}

// CreateWithWindow is Create with a caller-chosen dedupe window, used by
// periodic producers whose natural window is their own interval.
func (s *Store) CreateWithWindow(title, body string, priority int, source string, window time.Duration) (int64, error) {
	return s.createWindow(title, body, priority, source, window)
}

func (s *Store) createWindow(title, body string, priority int, source string, window time.Duration) (int64, error) {
	if !s.enabled {
		return 0, nil
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return 0, fmt.Errorf("notification title required")
	}
	if priority < PriorityLow || priority > PriorityHigh {
		priority = InferPriority(title)
	}
	now := s.now()

	if window > 0 {
		cutoff := float64(now.Add(-window).UnixMilli()) / 1000
		var count int
		err := s.db.QueryRow(
			`SELECT COUNT(*) FROM notifications WHERE title = ? AND body = ? AND created_at >= ?`,
			title, body, cutoff,
		).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("notification dedupe check: %w", err)
		}
		if count > 0 {
			slog.Debug("notification deduplicated", "title", title, "source", source)
			return 0, nil
		}
	}

	res, err := s.db.Exec(
		`INSERT INTO notifications (title, body, priority, source, created_at) VALUES (?, ?, ?, ?, ?)`,
		title, body, priority, source, float64(now.UnixMilli())/1000,
	)
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("notification id: %w", err)
	}
	return id, nil
}

// List returns the newest limit notifications at or above minPriority.
func (s *Store) List(limit, minPriority int) ([]Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	if minPriority < PriorityLow {
		minPriority = PriorityLow
	}
	rows, err := s.db.Query(
		`SELECT id, title, body, priority, source, created_at, read
		   FROM notifications WHERE priority >= ?
		  ORDER BY created_at DESC, id DESC LIMIT ?`,
		minPriority, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var createdAt float64
		var read int
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.Priority, &n.Source, &createdAt, &read); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.CreatedAt = time.UnixMilli(int64(createdAt * 1000))
		n.Read = read != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead flags notifications as read. Empty ids marks everything.
func (s *Store) MarkRead(ids ...int64) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`UPDATE notifications SET read = 1 WHERE read = 0`)
		if err != nil {
			return fmt.Errorf("mark notifications read: %w", err)
		}
		return nil
	}
	for _, id := range ids {
		if _, err := s.db.Exec(`UPDATE notifications SET read = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark notification %d read: %w", id, err)
		}
	}
	return nil
}

// UnreadCount reports how many notifications are pending.
func (s *Store) UnreadCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM notifications WHERE read = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return n, nil
}
