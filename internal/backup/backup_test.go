package backup

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func seedHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	files := map[string]string{
		"config.json":            `{"model":"openai/gpt-4o-mini"}`,
		"multiagent.db":          "not-a-real-db",
		"workspace/IDENTITY.md":  "# IDENTITY",
		"workspace/HEARTBEAT.md": "# HEARTBEAT",
		"dashboard/sessions.jsonl": `{"session_id":"tg_1"}`,
	}
	for name, content := range files {
		path := filepath.Join(home, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return home
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	home := seedHome(t)
	s := NewStore(home)

	archive, entries, err := s.Create("antes-da-migração", 7)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if archive.SizeBytes == 0 {
		t.Error("archive is empty")
	}
	for _, want := range []string{"config.json", "multiagent.db", "workspace", "dashboard"} {
		if !slices.Contains(entries, want) {
			t.Errorf("entries = %v, missing %q", entries, want)
		}
	}

	target := t.TempDir()
	restored, err := NewStore(target).Restore(archive.Path)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(restored) == 0 {
		t.Fatal("nothing restored")
	}
	got, err := os.ReadFile(filepath.Join(target, "workspace", "IDENTITY.md"))
	if err != nil {
		t.Fatalf("restored workspace file: %v", err)
	}
	if string(got) != "# IDENTITY" {
		t.Errorf("restored content = %q", got)
	}
}

func TestCreateFailsOnEmptyHome(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, _, err := s.Create("manual", 7); err == nil {
		t.Fatal("expected error for empty home")
	}
}

func TestRetentionKeepsNewest(t *testing.T) {
	home := seedHome(t)
	s := NewStore(home)
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		if _, _, err := s.Create("auto", 2); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	archives, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 2 {
		t.Fatalf("kept %d archives, want 2", len(archives))
	}
	if archives[0].Name < archives[1].Name {
		t.Errorf("list not newest first: %v", archives)
	}
}

func TestSafeLabel(t *testing.T) {
	cases := []struct{ in, want string }{
		{"manual", "manual"},
		{"Pré-Deploy!", "pr-deploy"},
		{"   ", "manual"},
		{"a_b-c", "a_b-c"},
	}
	for _, tc := range cases {
		if got := safeLabel(tc.in); got != tc.want {
			t.Errorf("safeLabel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
