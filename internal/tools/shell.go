package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const shellTimeout = 2 * time.Minute
const shellOutputCap = 32 * 1024

// denyPatterns block clearly destructive or escalating commands even when
// shell execution is enabled.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/var/run/docker\.sock`),
}

// ShellTool runs commands through /bin/sh in the workspace directory.
type ShellTool struct {
	enabled bool
	workdir string

	run func(ctx context.Context, command, dir string) (string, error)
}

// NewShellTool gates execution on security.allow_shell_exec.
func NewShellTool(enabled bool, workdir string) *ShellTool {
	return &ShellTool{enabled: enabled, workdir: workdir, run: runShell}
}

func (t *ShellTool) Name() string { return "shell" }
func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace and return its output."
}

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to run.",
			},
		},
		"required": []string{"command"},
	}
}

// BlockedCommand reports whether a command matches the deny list.
func BlockedCommand(command string) bool {
	for _, pattern := range denyPatterns {
		if pattern.MatchString(command) {
			return true
		}
	}
	return false
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) *Result {
	command := strings.TrimSpace(strArg(args, "command"))
	if command == "" {
		return ErrorResult("shell: command required")
	}
	if !t.enabled {
		return ErrorResult("Ferramenta bloqueada: shell execution is disabled (security.allow_shell_exec)")
	}
	if BlockedCommand(command) {
		slog.Warn("shell command blocked", "command", command)
		return ErrorResult("Ferramenta bloqueada: command matches the deny list")
	}

	out, err := t.run(ctx, command, t.workdir)
	if len(out) > shellOutputCap {
		out = out[:shellOutputCap] + "\n[truncated]"
	}
	if err != nil {
		msg := fmt.Sprintf("command failed: %v", err)
		if out != "" {
			msg += "\n" + out
		}
		return ErrorResult(msg).WithError(err)
	}
	if out == "" {
		out = "(no output)"
	}
	return NewResult(out)
}

func runShell(ctx context.Context, command, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return strings.TrimSpace(buf.String()), err
}
