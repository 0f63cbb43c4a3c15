package queue

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := store.OpenMultiagent(filepath.Join(t.TempDir(), "multiagent.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(db)
}

func TestUpsertWorkerIdempotent(t *testing.T) {
	m := newTestManager(t)

	w1, err := m.UpsertWorker("telegram", "42", "", "builder", "make build")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetEnabled(w1.ID, false); err != nil {
		t.Fatal(err)
	}

	// Same scope + label: command refreshed, worker re-enabled, same row.
	w2, err := m.UpsertWorker("telegram", "42", "", "builder", "make rebuild")
	if err != nil {
		t.Fatal(err)
	}
	if w2.ID != w1.ID {
		t.Fatalf("upsert created new row: %d != %d", w2.ID, w1.ID)
	}
	if w2.Command != "make rebuild" || !w2.Enabled {
		t.Fatalf("worker after upsert = %+v", w2)
	}

	// Different label in the same conversation is a distinct worker.
	w3, err := m.UpsertWorker("telegram", "42", "", "tester", "make test")
	if err != nil {
		t.Fatal(err)
	}
	if w3.ID == w1.ID {
		t.Fatal("distinct label should create a new worker")
	}
}

func TestEnqueueRequiresEnabledWorker(t *testing.T) {
	m := newTestManager(t)
	w, _ := m.UpsertWorker("slack", "C1", "", "builder", "true")

	if _, err := m.Enqueue(w.ID, "run it"); err != nil {
		t.Fatal(err)
	}
	m.SetEnabled(w.ID, false)
	if _, err := m.Enqueue(w.ID, "run again"); err == nil {
		t.Fatal("enqueue to disabled worker should fail")
	}
}

func TestClaimLifecycle(t *testing.T) {
	m := newTestManager(t)
	w, _ := m.UpsertWorker("slack", "C1", "", "builder", "true")
	first, _ := m.Enqueue(w.ID, "first")
	m.Enqueue(w.ID, "second")

	task, err := m.ClaimNext(w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if task.ID != first.ID || task.Status != StatusRunning {
		t.Fatalf("claimed %+v, want oldest queued running", task)
	}

	if err := m.Complete(task.ID, "ok"); err != nil {
		t.Fatal(err)
	}
	done, _ := m.GetTask(task.ID)
	if done.Status != StatusDone || done.Result != "ok" || done.FinishedAt.IsZero() {
		t.Fatalf("completed task = %+v", done)
	}

	next, err := m.ClaimNext(w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next.Text != "second" {
		t.Fatalf("next task = %q", next.Text)
	}
	m.Fail(next.ID, "boom")
	failed, _ := m.GetTask(next.ID)
	if failed.Status != StatusFailed || failed.Error != "boom" {
		t.Fatalf("failed task = %+v", failed)
	}

	if _, err := m.ClaimNext(w.ID); err != ErrNoTask {
		t.Fatalf("claim on empty queue: %v, want ErrNoTask", err)
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	m := newTestManager(t)
	w, _ := m.UpsertWorker("irc", "#ops", "", "builder", "true")
	for i := 0; i < 5; i++ {
		m.Enqueue(w.ID, "task")
	}

	var mu sync.Mutex
	claimed := map[int64]int{}
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := m.ClaimNext(w.ID)
				if err == ErrNoTask {
					return
				}
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
				m.Complete(task.ID, "")
			}
		}()
	}
	wg.Wait()

	if len(claimed) != 5 {
		t.Fatalf("claimed %d distinct tasks, want 5", len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("task %d claimed %d times", id, n)
		}
	}
}

func TestRecoverOrphans(t *testing.T) {
	m := newTestManager(t)
	m.alive = func(pid int) bool { return pid == 111 || pid == 555 }
	var spawned []int64
	m.spawn = func(id int64) (int, error) {
		spawned = append(spawned, id)
		return 555, nil
	}

	dead, _ := m.UpsertWorker("telegram", "1", "", "dead", "true")
	live, _ := m.UpsertWorker("telegram", "1", "", "live", "true")
	m.RecordWorkerStarted(dead.ID, 999)
	m.RecordWorkerStarted(live.ID, 111)

	dt, _ := m.Enqueue(dead.ID, "orphan")
	lt, _ := m.Enqueue(live.ID, "active")
	m.ClaimNext(dead.ID)
	m.ClaimNext(live.ID)

	requeued, restarted, err := m.RecoverOrphans()
	if err != nil {
		t.Fatal(err)
	}
	if requeued != 1 {
		t.Fatalf("requeued = %d, want 1", requeued)
	}
	if restarted != 1 || len(spawned) != 1 || spawned[0] != dead.ID {
		t.Fatalf("restarted = %d, spawned = %v, want the dead worker relaunched", restarted, spawned)
	}

	orphan, _ := m.GetTask(dt.ID)
	if orphan.Status != StatusQueued {
		t.Fatalf("orphan status = %s, want queued", orphan.Status)
	}
	active, _ := m.GetTask(lt.ID)
	if active.Status != StatusRunning {
		t.Fatalf("live task status = %s, want running", active.Status)
	}
	deadW, _ := m.GetWorker(dead.ID)
	if deadW.PID != 555 || !deadW.Enabled {
		t.Fatalf("dead worker after recovery = %+v, want live pid 555", deadW)
	}
}

func TestRecoverOrphansSkipsDisabledWorkers(t *testing.T) {
	m := newTestManager(t)
	m.alive = func(int) bool { return false }
	m.spawn = func(id int64) (int, error) {
		t.Fatalf("disabled worker %d should not be relaunched", id)
		return 0, nil
	}

	w, _ := m.UpsertWorker("telegram", "1", "", "paused", "true")
	task, _ := m.Enqueue(w.ID, "pending")
	m.ClaimNext(w.ID)
	m.SetEnabled(w.ID, false)
	m.RecordWorkerStarted(w.ID, 999)

	requeued, restarted, err := m.RecoverOrphans()
	if err != nil {
		t.Fatal(err)
	}
	if requeued != 1 || restarted != 0 {
		t.Fatalf("requeued = %d, restarted = %d, want 1 and 0", requeued, restarted)
	}
	got, _ := m.GetTask(task.ID)
	if got.Status != StatusQueued {
		t.Fatalf("task status = %s, want queued", got.Status)
	}
}

func TestStartWorker(t *testing.T) {
	m := newTestManager(t)
	m.alive = func(pid int) bool { return pid == 321 }
	calls := 0
	m.spawn = func(int64) (int, error) {
		calls++
		return 321, nil
	}

	w, _ := m.UpsertWorker("slack", "C1", "", "builder", "true")
	m.SetEnabled(w.ID, false)

	pid, err := m.StartWorker(w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pid != 321 || calls != 1 {
		t.Fatalf("pid = %d, spawns = %d", pid, calls)
	}
	started, _ := m.GetWorker(w.ID)
	if !started.Enabled || started.PID != 321 || started.StartedAt.IsZero() {
		t.Fatalf("worker after start = %+v", started)
	}

	// Second start against a live pid reuses the process.
	if pid, err = m.StartWorker(w.ID); err != nil || pid != 321 || calls != 1 {
		t.Fatalf("restart: pid = %d, spawns = %d, err = %v", pid, calls, err)
	}
}

func TestRenderCommandArgvSafe(t *testing.T) {
	w := Worker{Channel: "telegram", ChatID: "42", ThreadID: "7", Label: "builder"}
	task := Task{Text: "build it; rm -rf /"}

	argv, err := RenderCommand("claw-task {label} {text} --chat {chat_id}", w, task)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"claw-task", "builder", "build it; rm -rf /", "--chat", "42"}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("argv = %q, want %q", argv, want)
	}

	if _, err := RenderCommand("   ", w, task); err == nil {
		t.Fatal("empty template should error")
	}
}

func TestRenderCommandStripsFieldQuotes(t *testing.T) {
	w := Worker{Channel: "telegram", ChatID: "42", Label: "builder"}
	task := Task{Text: "status diário"}

	argv, err := RenderCommand(`clawlite run "{text}"`, w, task)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"clawlite", "run", "status diário"}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("argv = %q, want %q", argv, want)
	}

	// Single quotes, and quotes inside the substituted text stay literal.
	argv, err = RenderCommand(`notify '{label}'`, w, Task{Text: `say "hi"`})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(argv, []string{"notify", "builder"}) {
		t.Fatalf("argv = %q", argv)
	}
	argv, _ = RenderCommand(`echo {text}`, w, Task{Text: `say "hi"`})
	if !reflect.DeepEqual(argv, []string{"echo", `say "hi"`}) {
		t.Fatalf("argv = %q", argv)
	}
}

func TestTaskOutputTruncated(t *testing.T) {
	m := newTestManager(t)
	w, _ := m.UpsertWorker("slack", "C1", "", "big", "true")
	queued, _ := m.Enqueue(w.ID, "noisy")
	task, _ := m.ClaimNext(w.ID)
	if task.ID != queued.ID {
		t.Fatalf("claimed %d, want %d", task.ID, queued.ID)
	}

	r := NewRunner(m, w.ID, config.BatteryModeConfig{}, nil)
	r.report(task, strings.Repeat("x", maxTaskOutput+500), nil)

	done, _ := m.GetTask(task.ID)
	if !strings.HasSuffix(done.Result, "[truncated]") {
		t.Fatalf("result not truncated: %d bytes", len(done.Result))
	}
	if len(done.Result) > maxTaskOutput+len("\n[truncated]") {
		t.Fatalf("result length = %d, want at most %d", len(done.Result), maxTaskOutput+len("\n[truncated]"))
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 10) // 2 bytes per rune
	got := truncate(s, 5)
	cut := strings.TrimSuffix(got, "\n[truncated]")
	if cut != strings.Repeat("é", 2) {
		t.Fatalf("cut = %q, want whole runes only", cut)
	}
}

func TestRunnerDrainsQueueAndStopsWhenDisabled(t *testing.T) {
	m := newTestManager(t)
	w, _ := m.UpsertWorker("slack", "C1", "", "echo", "claw-echo {text}")
	m.Enqueue(w.ID, "one")
	m.Enqueue(w.ID, "two")

	var delivered []Task
	r := NewRunner(m, w.ID, config.BatteryModeConfig{}, func(t Task) {
		delivered = append(delivered, t)
	})
	executed := 0
	r.run = func(_ context.Context, argv []string) (string, error) {
		executed++
		if executed == 2 {
			// Simulate an operator stopping the worker mid-run.
			m.SetEnabled(w.ID, false)
		}
		return "ran " + argv[len(argv)-1], nil
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if executed != 2 {
		t.Fatalf("executed = %d, want 2", executed)
	}
	if len(delivered) != 2 || delivered[0].Result != "ran one" || delivered[1].Result != "ran two" {
		t.Fatalf("delivered = %+v", delivered)
	}
	stopped, _ := m.GetWorker(w.ID)
	if stopped.PID != 0 {
		t.Fatalf("pid after run = %d, want cleared", stopped.PID)
	}
}
