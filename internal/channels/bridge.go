package channels

import (
	"bufio"
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// LineBridge supervises an external bridge process (signal-cli, an iMessage
// helper) that emits one JSON document per stdout line. The process is
// restarted with capped backoff until the context is cancelled.
type LineBridge struct {
	Name string   // channel name, for logs
	Argv []string // command and arguments, no shell interpretation

	// OnLine receives each stdout line. Parse errors belong to the caller.
	OnLine func(line string)

	// test hook
	start func(ctx context.Context) (*exec.Cmd, *bufio.Scanner, error)
}

const (
	bridgeBackoffInitial = 2 * time.Second
	bridgeBackoffMax     = 60 * time.Second
	bridgeScanBufferMax  = 1 << 20
)

// Run blocks until ctx is cancelled, supervising the bridge process.
func (b *LineBridge) Run(ctx context.Context) {
	if b.start == nil {
		b.start = b.startProcess
	}
	backoff := bridgeBackoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		cmd, scanner, err := b.start(ctx)
		if err != nil {
			slog.Warn("bridge start failed", "channel", b.Name, "error", err)
		} else {
			started := time.Now()
			for scanner.Scan() {
				if line := scanner.Text(); line != "" && b.OnLine != nil {
					b.OnLine(line)
				}
			}
			_ = cmd.Wait()
			// A bridge that stayed up for a while earns a fresh backoff.
			if time.Since(started) > bridgeBackoffMax {
				backoff = bridgeBackoffInitial
			}
			slog.Warn("bridge exited", "channel", b.Name, "error", scanner.Err())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < bridgeBackoffMax {
			backoff *= 2
		}
	}
}

func (b *LineBridge) startProcess(ctx context.Context) (*exec.Cmd, *bufio.Scanner, error) {
	cmd := exec.CommandContext(ctx, b.Argv[0], b.Argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), bridgeScanBufferMax)
	return cmd, scanner, nil
}

// RunCommand executes an argv command synchronously and returns combined
// output. Used by bridge adapters for one-shot sends.
func RunCommand(ctx context.Context, argv ...string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
