// Package heartbeat runs the periodic HEARTBEAT.md check: a decide phase
// that asks the agent whether there is actionable work, and an execute
// phase that runs it and broadcasts the result.
package heartbeat

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/agent"
	"github.com/nextlevelbuilder/clawlite/internal/notify"
)

const (
	heartbeatFile    = "HEARTBEAT.md"
	stateFile        = "heartbeat_state.json"
	sessionID        = "heartbeat"
	resultCap        = 500
	legacyOKMarker   = "HEARTBEAT_OK"
	notifyWindowSecs = 6 * 60 * 60
)

const decidePrompt = `Below is the owner's HEARTBEAT.md checklist. Decide whether any item needs
action right now. Reply with strict JSON only: {"action":"skip"} when there is
no actionable work, or {"action":"run","tasks":"<what to do>"} when there is.
Do not invent work; skip is the normal answer.

---
%s`

// State is persisted between runs.
type State struct {
	LastRun    time.Time `json:"last_run"`
	LastResult string    `json:"last_result"`
	RunsToday  int       `json:"runs_today"`
}

// RunFunc is the agent entrypoint used for both phases.
type RunFunc func(ctx context.Context, req agent.Request) agent.Result

// Broadcast delivers proactive output to recently active channels.
type Broadcast func(text string)

// Loop is the heartbeat runner.
type Loop struct {
	workspace string
	stateDir  string
	runFn     RunFunc
	notifier  *notify.Store
	broadcast Broadcast

	now func() time.Time
}

func NewLoop(workspace, stateDir string, runFn RunFunc, notifier *notify.Store, broadcast Broadcast) *Loop {
	return &Loop{
		workspace: workspace,
		stateDir:  stateDir,
		runFn:     runFn,
		notifier:  notifier,
		broadcast: broadcast,
		now:       time.Now,
	}
}

// decision is the strict JSON shape expected from the decide phase.
type decision struct {
	Action string `json:"action"`
	Tasks  string `json:"tasks,omitempty"`
}

// Tick runs one heartbeat cycle. Returns the executed result text, or ""
// when the cycle skipped.
func (l *Loop) Tick(ctx context.Context) (string, error) {
	content, err := os.ReadFile(filepath.Join(l.workspace, heartbeatFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read heartbeat file: %w", err)
	}
	if EffectivelyEmpty(string(content)) {
		return "", nil
	}

	// Decide phase.
	res := l.runFn(ctx, agent.Request{
		Prompt:    fmt.Sprintf(decidePrompt, string(content)),
		SessionID: sessionID,
	})
	if res.Meta.Error != "" {
		return "", fmt.Errorf("heartbeat decide failed: %s", res.Meta.Error)
	}

	dec := parseDecision(res.Text)
	if dec.Action != "run" {
		l.saveState("skip")
		slog.Debug("heartbeat skipped")
		return "", nil
	}

	// Execute phase.
	tasks := dec.Tasks
	if strings.TrimSpace(tasks) == "" {
		tasks = string(content)
	}
	res = l.runFn(ctx, agent.Request{Prompt: tasks, SessionID: sessionID})
	if res.Meta.Error != "" {
		l.saveState("error: " + truncate(res.Meta.Error, resultCap))
		return "", fmt.Errorf("heartbeat execute failed: %s", res.Meta.Error)
	}

	result := truncate(res.Text, resultCap)
	l.saveState(result)

	if l.notifier != nil {
		day := l.now().Format("2006-01-02")
		hash := sha256.Sum256([]byte(res.Text))
		title := fmt.Sprintf("Heartbeat %s %x", day, hash[:4])
		if _, err := l.notifier.CreateWithWindow(title, result, notify.PriorityNormal, "heartbeat", notifyWindowSecs*time.Second); err != nil {
			slog.Warn("heartbeat notification failed", "error", err)
		}
	}
	if l.broadcast != nil {
		l.broadcast(res.Text)
	}
	return res.Text, nil
}

// Run ticks on the given interval until the context ends.
func (l *Loop) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Tick(ctx); err != nil {
				slog.Warn("heartbeat tick failed", "error", err)
			}
		}
	}
}

// EffectivelyEmpty reports whether every non-blank line is a comment.
func EffectivelyEmpty(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return false
		}
	}
	return true
}

// parseDecision accepts strict JSON, JSON wrapped in code fences, and the
// legacy HEARTBEAT_OK marker.
func parseDecision(text string) decision {
	trimmed := strings.TrimSpace(text)
	if strings.Contains(trimmed, legacyOKMarker) {
		return decision{Action: "skip"}
	}

	// Strip a markdown fence if the model added one.
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	var dec decision
	if err := json.Unmarshal([]byte(trimmed), &dec); err != nil {
		// Unparseable output is treated as skip rather than running
		// arbitrary text.
		slog.Warn("heartbeat decision unparseable", "text", truncate(trimmed, 120))
		return decision{Action: "skip"}
	}
	return dec
}

func (l *Loop) statePath() string {
	return filepath.Join(l.stateDir, stateFile)
}

// LoadState reads the persisted heartbeat state; a missing file is zero state.
func (l *Loop) LoadState() State {
	var st State
	data, err := os.ReadFile(l.statePath())
	if err != nil {
		return st
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}
	}
	return st
}

func (l *Loop) saveState(result string) {
	st := l.LoadState()
	now := l.now()
	if st.LastRun.Format("2006-01-02") != now.Format("2006-01-02") {
		st.RunsToday = 0
	}
	st.LastRun = now
	st.LastResult = result
	st.RunsToday++

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(l.stateDir, 0o755); err != nil {
		slog.Warn("heartbeat state dir", "error", err)
		return
	}
	tmp, err := os.CreateTemp(l.stateDir, ".heartbeat-*.json")
	if err != nil {
		slog.Warn("heartbeat state write", "error", err)
		return
	}
	if _, err := tmp.Write(data); err == nil {
		tmp.Sync()
		tmp.Close()
		os.Rename(tmp.Name(), l.statePath())
	} else {
		tmp.Close()
		os.Remove(tmp.Name())
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
