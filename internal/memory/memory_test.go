package memory

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/store"
)

func newTestStore(t *testing.T, embedder Embedder) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, config.Default().Memory, embedder)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestKeywordSearch(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := s.Add(ctx, "user prefers metric units for weather reports", []string{"preference"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(ctx, "the deploy script lives in scripts/deploy.sh", nil); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "weather units preference")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Content != "user prefers metric units for weather reports" {
		t.Fatalf("top result = %q", results[0].Content)
	}
	if results[0].Score < 0.25 {
		t.Fatalf("score %f below threshold yet returned", results[0].Score)
	}
}

func TestSearchFiltersLowScores(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	s.Add(ctx, "completely unrelated note about gardening", nil)

	results, err := s.Search(ctx, "kubernetes ingress timeout")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %+v, want none below min score", results)
	}
}

func TestVectorSearchBlendsScores(t *testing.T) {
	// Toy embedder: axis 0 for "cats", axis 1 for everything else.
	embedder := func(_ context.Context, text string) ([]float64, error) {
		if containsWord(text, "cats") || containsWord(text, "cat") {
			return []float64{1, 0}, nil
		}
		return []float64{0, 1}, nil
	}
	s := newTestStore(t, embedder)
	ctx := context.Background()

	s.Add(ctx, "the cat sleeps all day", nil)
	s.Add(ctx, "invoice due on friday", nil)

	results, err := s.Search(ctx, "cats")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Content != "the cat sleeps all day" {
		t.Fatalf("top result = %q", results[0].Content)
	}
}

func containsWord(text, word string) bool {
	for _, tok := range tokenize(text) {
		if tok == word {
			return true
		}
	}
	return false
}

func TestTemporalDecay(t *testing.T) {
	fresh := temporalDecay(0)
	if math.Abs(fresh-1.0) > 1e-9 {
		t.Fatalf("fresh decay = %f, want 1.0", fresh)
	}
	month := temporalDecay(30 * 24 * time.Hour)
	if math.Abs(month-0.95) > 1e-9 {
		t.Fatalf("30d decay = %f, want 0.95", month)
	}
	if old := temporalDecay(365 * 24 * time.Hour); old >= month || old < 0.9 {
		t.Fatalf("1y decay = %f, want in [0.9, %f)", old, month)
	}
}

func TestConsolidate(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	s.Add(ctx, "duplicate fact", nil)
	s.Add(ctx, "duplicate fact", nil)
	s.Add(ctx, "unique fact", nil)

	removed, err := s.Consolidate(10)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	notes, err := s.List(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 2 {
		t.Fatalf("notes after consolidate = %d, want 2", len(notes))
	}

	// Cap enforcement evicts oldest beyond the limit.
	for i := 0; i < 5; i++ {
		s.Add(ctx, "filler "+string(rune('a'+i)), nil)
	}
	if _, err := s.Consolidate(3); err != nil {
		t.Fatal(err)
	}
	notes, _ = s.List(10)
	if len(notes) != 3 {
		t.Fatalf("notes after cap = %d, want 3", len(notes))
	}
}
