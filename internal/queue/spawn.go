package queue

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// spawnWorker re-invokes the current binary as "agents worker --worker-id N",
// detached into its own session so the gateway can restart or exit without
// taking the worker down with it.
func spawnWorker(workerID int64) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(exe, "agents", "worker", "--worker-id", strconv.FormatInt(workerID, 10))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn worker process: %w", err)
	}
	pid := cmd.Process.Pid
	// Reap the child on exit so PIDAlive sees it gone.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
