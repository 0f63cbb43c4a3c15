// Package memory is the long-term note store: SQLite rows with optional
// embeddings, searched by a hybrid of keyword overlap and vector cosine,
// decayed by note age.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS notes (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    content    TEXT NOT NULL,
    tags       TEXT NOT NULL DEFAULT '',
    embedding  TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_created ON notes (created_at);
`

// Embedder turns text into a vector. Nil disables the vector component and
// search falls back to keyword-only scoring.
type Embedder func(ctx context.Context, text string) ([]float64, error)

// Note is one stored memory.
type Note struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Result is a search hit with its combined score.
type Result struct {
	Note
	Score float64 `json:"score"`
}

// Store is the memory note store.
type Store struct {
	db       *sql.DB
	cfg      config.MemoryConfig
	embedder Embedder

	now func() time.Time
}

// NewStore initializes the notes schema on db.
func NewStore(db *sql.DB, cfg config.MemoryConfig, embedder Embedder) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("memory schema: %w", err)
	}
	return &Store{db: db, cfg: cfg, embedder: embedder, now: time.Now}, nil
}

// Add stores a note, embedding it when an embedder is configured. Embedding
// failures degrade to keyword-only rather than losing the note.
func (s *Store) Add(ctx context.Context, content string, tags []string) (int64, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0, fmt.Errorf("memory content required")
	}

	var embJSON sql.NullString
	if s.embedder != nil {
		if vec, err := s.embedder(ctx, content); err == nil && len(vec) > 0 {
			if data, err := json.Marshal(vec); err == nil {
				embJSON = sql.NullString{String: string(data), Valid: true}
			}
		} else if err != nil {
			slog.Debug("memory embedding failed, storing keyword-only", "error", err)
		}
	}

	res, err := s.db.Exec(
		`INSERT INTO notes (content, tags, embedding, created_at) VALUES (?, ?, ?, ?)`,
		content, strings.Join(tags, ","), embJSON, s.now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert note: %w", err)
	}
	return res.LastInsertId()
}

// Search ranks notes against query with the hybrid score, drops results below
// the configured minimum and returns at most MaxResults.
func (s *Store) Search(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	var queryVec []float64
	if s.embedder != nil {
		if vec, err := s.embedder(ctx, query); err == nil {
			queryVec = vec
		}
	}
	queryTokens := tokenize(query)

	rows, err := s.db.Query(`SELECT id, content, tags, embedding, created_at FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("scan notes: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var results []Result
	for rows.Next() {
		var (
			note    Note
			tags    string
			embJSON sql.NullString
			created int64
		)
		if err := rows.Scan(&note.ID, &note.Content, &tags, &embJSON, &created); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		note.CreatedAt = time.Unix(created, 0)
		if tags != "" {
			note.Tags = strings.Split(tags, ",")
		}

		keyword := keywordScore(queryTokens, note.Content, tags)

		vector := 0.0
		haveVector := false
		if queryVec != nil && embJSON.Valid {
			var noteVec []float64
			if json.Unmarshal([]byte(embJSON.String), &noteVec) == nil {
				vector = cosine(queryVec, noteVec)
				haveVector = true
			}
		}

		var score float64
		if haveVector {
			score = s.cfg.VectorWeight*vector + s.cfg.KeywordWeight*keyword
		} else {
			score = keyword
		}
		score *= temporalDecay(now.Sub(note.CreatedAt))

		if score >= s.cfg.MinScore {
			results = append(results, Result{Note: note, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	max := s.cfg.MaxResults
	if max <= 0 {
		max = 6
	}
	if len(results) > max {
		results = results[:max]
	}
	return results, nil
}

// Delete removes a note by id.
func (s *Store) Delete(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete note %d: %w", id, err)
	}
	return nil
}

// List returns the newest limit notes.
func (s *Store) List(limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, content, tags, created_at FROM notes ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()
	var notes []Note
	for rows.Next() {
		var n Note
		var tags string
		var created int64
		if err := rows.Scan(&n.ID, &n.Content, &tags, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = time.Unix(created, 0)
		if tags != "" {
			n.Tags = strings.Split(tags, ",")
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// Consolidate deduplicates identical contents (keeping the newest copy) and
// caps the store at maxNotes, evicting the oldest. Returns rows removed.
func (s *Store) Consolidate(maxNotes int) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM notes WHERE id NOT IN (
			SELECT MAX(id) FROM notes GROUP BY content
		)`)
	if err != nil {
		return 0, fmt.Errorf("dedupe notes: %w", err)
	}
	removed, _ := res.RowsAffected()

	if maxNotes > 0 {
		res, err = s.db.Exec(`
			DELETE FROM notes WHERE id NOT IN (
				SELECT id FROM notes ORDER BY created_at DESC, id DESC LIMIT ?
			)`, maxNotes)
		if err != nil {
			return int(removed), fmt.Errorf("trim notes: %w", err)
		}
		trimmed, _ := res.RowsAffected()
		removed += trimmed
	}
	return int(removed), nil
}

// temporalDecay weights a note by age: fresh notes score near 1.0, a month
// old note near 0.95, decaying toward 0.9.
func temporalDecay(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	ageDays := age.Hours() / 24
	return 0.9 + 0.1/(1+ageDays/30)
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var tokens []string
	for _, f := range fields {
		if len(f) >= 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// keywordScore is the fraction of query tokens present in the note, with tag
// hits counting the same as content hits.
func keywordScore(queryTokens []string, content, tags string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	haystack := strings.ToLower(content + " " + tags)
	hits := 0
	for _, tok := range queryTokens {
		if strings.Contains(haystack, tok) {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
