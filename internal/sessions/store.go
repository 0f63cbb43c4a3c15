// Package sessions persists conversation history as append-only JSONL files,
// one file per session under state/sessions, and keeps the channel session
// index used for proactive delivery.
package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Turn is one persisted conversation entry. Tool results and meta turns use
// role values beyond user/assistant ("tool", "system").
type Turn struct {
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Ts      time.Time      `json:"ts"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Info is lightweight session metadata for listing.
type Info struct {
	SessionID string    `json:"session_id"`
	TurnCount int       `json:"turn_count"`
	Updated   time.Time `json:"updated"`
	SizeBytes int64     `json:"size_bytes"`
}

var unsafeSessionChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// safeSlug maps a session id to a filename-safe slug. Distinct ids that
// collide after sanitization share a file, which is acceptable because ids
// are built from sanitized channel/chat components.
func safeSlug(sessionID string) string {
	slug := unsafeSessionChars.ReplaceAllString(sessionID, "_")
	slug = strings.Trim(slug, "._")
	if slug == "" {
		slug = "default"
	}
	return slug
}

// Store is the append-only JSONL session store.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, safeSlug(sessionID)+".jsonl")
}

// Append adds one turn to the session log. The file is opened in append mode
// so a crash can at worst lose the in-flight line.
func (s *Store) Append(sessionID string, turn Turn) error {
	if turn.Ts.IsZero() {
		turn.Ts = time.Now()
	}
	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// History returns the last limit turns (all when limit <= 0). Corrupt lines
// are skipped so one bad write does not poison the whole session.
func (s *Store) History(sessionID string, limit int) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	var turns []Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var t Turn
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			continue
		}
		turns = append(turns, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}

	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// List enumerates sessions, most recently updated first.
func (s *Store) List() ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		count := 0
		if data, err := os.ReadFile(filepath.Join(s.dir, e.Name())); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.TrimSpace(line) != "" {
					count++
				}
			}
		}
		infos = append(infos, Info{
			SessionID: strings.TrimSuffix(e.Name(), ".jsonl"),
			TurnCount: count,
			Updated:   fi.ModTime(),
			SizeBytes: fi.Size(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Updated.After(infos[j].Updated) })
	return infos, nil
}

// Delete removes a session log. Missing files are not an error.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Reset truncates a session log in place, keeping the file.
func (s *Store) Reset(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Truncate(s.path(sessionID), 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset session: %w", err)
	}
	return nil
}
