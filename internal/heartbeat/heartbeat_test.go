package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/agent"
)

func writeHeartbeat(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, heartbeatFile), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestEffectivelyEmpty(t *testing.T) {
	tests := []struct {
		content string
		empty   bool
	}{
		{"", true},
		{"\n\n", true},
		{"# just a comment\n\n# another\n", true},
		{"# comment\ncheck the build\n", false},
		{"do things", false},
	}
	for _, tt := range tests {
		if got := EffectivelyEmpty(tt.content); got != tt.empty {
			t.Errorf("EffectivelyEmpty(%q) = %v, want %v", tt.content, got, tt.empty)
		}
	}
}

func TestTickSkipsEmptyFile(t *testing.T) {
	ws := t.TempDir()
	writeHeartbeat(t, ws, "# nothing to do\n")

	called := false
	l := NewLoop(ws, t.TempDir(), func(context.Context, agent.Request) agent.Result {
		called = true
		return agent.Result{}
	}, nil, nil)

	out, err := l.Tick(context.Background())
	if err != nil || out != "" {
		t.Fatalf("Tick = %q, %v", out, err)
	}
	if called {
		t.Error("agent invoked for an effectively empty file")
	}
}

func TestTickMissingFileIsSilent(t *testing.T) {
	l := NewLoop(t.TempDir(), t.TempDir(), func(context.Context, agent.Request) agent.Result {
		t.Fatal("agent should not run")
		return agent.Result{}
	}, nil, nil)
	if out, err := l.Tick(context.Background()); err != nil || out != "" {
		t.Fatalf("Tick = %q, %v", out, err)
	}
}

func TestTickDecideSkip(t *testing.T) {
	ws := t.TempDir()
	writeHeartbeat(t, ws, "check on things\n")

	calls := 0
	l := NewLoop(ws, t.TempDir(), func(_ context.Context, req agent.Request) agent.Result {
		calls++
		if !strings.Contains(req.Prompt, "check on things") {
			t.Errorf("decide prompt missing file content: %q", req.Prompt)
		}
		return agent.Result{Text: `{"action":"skip"}`}
	}, nil, nil)

	out, err := l.Tick(context.Background())
	if err != nil || out != "" {
		t.Fatalf("Tick = %q, %v", out, err)
	}
	if calls != 1 {
		t.Errorf("agent called %d times, want 1 (decide only)", calls)
	}
	if st := l.LoadState(); st.LastResult != "skip" || st.RunsToday != 1 {
		t.Errorf("state = %+v", st)
	}
}

func TestTickLegacyOKMarker(t *testing.T) {
	ws := t.TempDir()
	writeHeartbeat(t, ws, "stuff\n")

	calls := 0
	l := NewLoop(ws, t.TempDir(), func(context.Context, agent.Request) agent.Result {
		calls++
		return agent.Result{Text: "HEARTBEAT_OK"}
	}, nil, nil)

	if out, _ := l.Tick(context.Background()); out != "" {
		t.Errorf("out = %q", out)
	}
	if calls != 1 {
		t.Errorf("calls = %d", calls)
	}
}

func TestTickRunExecutesAndBroadcasts(t *testing.T) {
	ws := t.TempDir()
	writeHeartbeat(t, ws, "water the plants\n")

	var broadcasted string
	calls := 0
	l := NewLoop(ws, t.TempDir(), func(_ context.Context, req agent.Request) agent.Result {
		calls++
		if calls == 1 {
			return agent.Result{Text: "```json\n{\"action\":\"run\",\"tasks\":\"water them now\"}\n```"}
		}
		if req.Prompt != "water them now" {
			t.Errorf("execute prompt = %q", req.Prompt)
		}
		return agent.Result{Text: "plants watered"}
	}, nil, func(text string) { broadcasted = text })

	out, err := l.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out != "plants watered" || broadcasted != "plants watered" {
		t.Errorf("out = %q, broadcast = %q", out, broadcasted)
	}
	if st := l.LoadState(); st.LastResult != "plants watered" {
		t.Errorf("state = %+v", st)
	}
}

func TestRunsTodayResetsAcrossDays(t *testing.T) {
	ws := t.TempDir()
	writeHeartbeat(t, ws, "x\n")

	l := NewLoop(ws, t.TempDir(), func(context.Context, agent.Request) agent.Result {
		return agent.Result{Text: `{"action":"skip"}`}
	}, nil, nil)

	day1 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return day1 }
	l.Tick(context.Background())
	l.Tick(context.Background())
	if st := l.LoadState(); st.RunsToday != 2 {
		t.Errorf("RunsToday = %d, want 2", st.RunsToday)
	}

	l.now = func() time.Time { return day1.Add(24 * time.Hour) }
	l.Tick(context.Background())
	if st := l.LoadState(); st.RunsToday != 1 {
		t.Errorf("RunsToday after day change = %d, want 1", st.RunsToday)
	}
}

func TestParseDecisionUnparseableSkips(t *testing.T) {
	dec := parseDecision("I think we should probably run everything!")
	if dec.Action != "skip" {
		t.Errorf("action = %q", dec.Action)
	}
}
