// Package subagent runs background agent tasks on a bounded pool and
// reports results back to the originating conversation.
package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/agent"
)

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const resultPreviewCap = 600

// Run is one background agent task.
type Run struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	Task          string    `json:"task"`
	Label         string    `json:"label,omitempty"`
	Status        string    `json:"status"`
	ResultPreview string    `json:"result_preview,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	DoneAt        time.Time `json:"done_at,omitempty"`
}

// RunFunc is the agent entrypoint a run executes.
type RunFunc func(ctx context.Context, req agent.Request) agent.Result

// Notifier delivers the formatted result back to the original session.
type Notifier func(sessionID, message string)

// Pool executes runs with at most maxWorkers in flight.
type Pool struct {
	runFn    RunFunc
	notifier Notifier
	slots    chan struct{}

	mu     sync.Mutex
	nextID int64
	runs   map[int64]*runState

	wg sync.WaitGroup
}

type runState struct {
	Run
	cancel context.CancelFunc
}

// NewPool builds a pool; maxWorkers is clamped to at least 1.
func NewPool(maxWorkers int, runFn RunFunc, notifier Notifier) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Pool{
		runFn:    runFn,
		notifier: notifier,
		slots:    make(chan struct{}, maxWorkers),
		runs:     make(map[int64]*runState),
	}
}

// Spawn submits a task and returns the run id immediately.
func (p *Pool) Spawn(sessionID, task, label string) (int64, error) {
	if task == "" {
		return 0, fmt.Errorf("task required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	rs := &runState{
		Run: Run{
			ID:        id,
			SessionID: sessionID,
			Task:      task,
			Label:     label,
			Status:    StatusQueued,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
	p.runs[id] = rs
	p.mu.Unlock()

	p.wg.Add(1)
	go p.execute(ctx, rs)
	return id, nil
}

func (p *Pool) execute(ctx context.Context, rs *runState) {
	defer p.wg.Done()

	// Wait for a slot; a cancel while queued never runs the task.
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.finish(rs, StatusCancelled, "")
		return
	}
	defer func() { <-p.slots }()

	p.mu.Lock()
	if rs.Status == StatusCancelled {
		p.mu.Unlock()
		return
	}
	rs.Status = StatusRunning
	p.mu.Unlock()

	derived := fmt.Sprintf("%s:subagent:%d", rs.SessionID, rs.ID)
	res := p.runFn(ctx, agent.Request{Prompt: rs.Task, SessionID: derived})

	status := StatusDone
	if ctx.Err() != nil {
		status = StatusCancelled
	} else if res.Meta.Error != "" {
		status = StatusFailed
	}
	p.finish(rs, status, res.Text)

	if p.notifier != nil && status != StatusCancelled {
		p.notifier(rs.SessionID, formatResult(rs.Label, rs.ID, status, res.Text))
	}
}

func (p *Pool) finish(rs *runState, status, result string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rs.Status == StatusDone || rs.Status == StatusFailed || rs.Status == StatusCancelled {
		return
	}
	rs.Status = status
	rs.DoneAt = time.Now()
	if len(result) > resultPreviewCap {
		result = result[:resultPreviewCap]
	}
	rs.ResultPreview = result
	slog.Info("subagent finished", "run", rs.ID, "status", status, "session", rs.SessionID)
}

func formatResult(label string, id int64, status, text string) string {
	name := label
	if name == "" {
		name = fmt.Sprintf("subagent #%d", id)
	}
	if status == StatusFailed {
		return fmt.Sprintf("[%s failed]\n%s", name, text)
	}
	return fmt.Sprintf("[%s]\n%s", name, text)
}

// Status reports a run's state as a short human string.
func (p *Pool) Status(runID int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.runs[runID]
	if !ok {
		return "", fmt.Errorf("no run #%d", runID)
	}
	s := fmt.Sprintf("run #%d: %s", rs.ID, rs.Status)
	if rs.ResultPreview != "" {
		s += "\n" + rs.ResultPreview
	}
	return s, nil
}

// Cancel stops a run, best effort: queued runs never start, running ones
// get their context cancelled.
func (p *Pool) Cancel(runID int64) error {
	p.mu.Lock()
	rs, ok := p.runs[runID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("no run #%d", runID)
	}
	if rs.Status == StatusQueued {
		rs.Status = StatusCancelled
		rs.DoneAt = time.Now()
	}
	cancel := rs.cancel
	p.mu.Unlock()

	cancel()
	return nil
}

// CancelSession cancels every active run belonging to a session.
func (p *Pool) CancelSession(sessionID string) int {
	p.mu.Lock()
	var ids []int64
	for id, rs := range p.runs {
		if rs.SessionID == sessionID && (rs.Status == StatusQueued || rs.Status == StatusRunning) {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		_ = p.Cancel(id)
	}
	return len(ids)
}

// List returns all known runs, newest first.
func (p *Pool) List() []Run {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Run, 0, len(p.runs))
	for _, rs := range p.runs {
		out = append(out, rs.Run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Wait blocks until every submitted run has finished. Used in shutdown.
func (p *Pool) Wait() { p.wg.Wait() }
