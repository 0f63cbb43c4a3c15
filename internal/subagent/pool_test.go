package subagent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/agent"
)

func TestSpawnDeliversResultToNotifier(t *testing.T) {
	var mu sync.Mutex
	var gotSession, gotMessage string

	pool := NewPool(2, func(_ context.Context, req agent.Request) agent.Result {
		if !strings.Contains(req.SessionID, ":subagent:") {
			t.Errorf("derived session id = %q", req.SessionID)
		}
		return agent.Result{Text: "research complete"}
	}, func(sessionID, message string) {
		mu.Lock()
		gotSession, gotMessage = sessionID, message
		mu.Unlock()
	})

	id, err := pool.Spawn("tg_123", "research something", "research")
	if err != nil {
		t.Fatal(err)
	}
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	if gotSession != "tg_123" {
		t.Errorf("notifier session = %q", gotSession)
	}
	if !strings.Contains(gotMessage, "research complete") || !strings.Contains(gotMessage, "research") {
		t.Errorf("notifier message = %q", gotMessage)
	}

	status, err := pool.Status(id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, StatusDone) {
		t.Errorf("status = %q", status)
	}
}

func TestFailedRunStatus(t *testing.T) {
	pool := NewPool(1, func(context.Context, agent.Request) agent.Result {
		return agent.Result{Text: "boom", Meta: agent.Meta{Error: "provider exploded"}}
	}, nil)

	id, _ := pool.Spawn("s", "task", "")
	pool.Wait()

	runs := pool.List()
	if len(runs) != 1 || runs[0].ID != id || runs[0].Status != StatusFailed {
		t.Errorf("runs = %+v", runs)
	}
}

func TestBoundedConcurrency(t *testing.T) {
	var active, peak int32
	release := make(chan struct{})

	pool := NewPool(2, func(ctx context.Context, _ agent.Request) agent.Result {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
		return agent.Result{Text: "ok"}
	}, nil)

	for i := 0; i < 5; i++ {
		if _, err := pool.Spawn("s", "task", ""); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	pool.Wait()

	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestCancelQueuedRunNeverStarts(t *testing.T) {
	var started atomic.Int32
	block := make(chan struct{})

	pool := NewPool(1, func(ctx context.Context, _ agent.Request) agent.Result {
		started.Add(1)
		<-block
		return agent.Result{Text: "ok"}
	}, nil)

	first, _ := pool.Spawn("s", "long task", "")
	time.Sleep(20 * time.Millisecond)
	second, _ := pool.Spawn("s", "queued task", "")

	if err := pool.Cancel(second); err != nil {
		t.Fatal(err)
	}
	close(block)
	pool.Wait()

	if started.Load() != 1 {
		t.Errorf("started %d runs, want 1", started.Load())
	}
	status, _ := pool.Status(second)
	if !strings.Contains(status, StatusCancelled) {
		t.Errorf("second status = %q", status)
	}
	status, _ = pool.Status(first)
	if !strings.Contains(status, StatusDone) {
		t.Errorf("first status = %q", status)
	}
}

func TestCancelSession(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, func(ctx context.Context, _ agent.Request) agent.Result {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return agent.Result{Text: "ok"}
	}, nil)

	pool.Spawn("mine", "a", "")
	pool.Spawn("mine", "b", "")
	pool.Spawn("other", "c", "")
	time.Sleep(20 * time.Millisecond)

	if n := pool.CancelSession("mine"); n != 2 {
		t.Errorf("cancelled %d runs, want 2", n)
	}
	close(block)
	pool.Wait()

	for _, r := range pool.List() {
		if r.SessionID == "other" && r.Status != StatusDone {
			t.Errorf("other session run status = %q", r.Status)
		}
	}
}

func TestStatusUnknownRun(t *testing.T) {
	pool := NewPool(1, func(context.Context, agent.Request) agent.Result { return agent.Result{} }, nil)
	if _, err := pool.Status(99); err == nil {
		t.Error("expected error for unknown run")
	}
	if err := pool.Cancel(99); err == nil {
		t.Error("expected error cancelling unknown run")
	}
}
