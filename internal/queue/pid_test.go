package queue

import (
	"errors"
	"os"
	"testing"
)

func TestProcState(t *testing.T) {
	tests := []struct {
		stat string
		want string
	}{
		{"1234 (clawlite) S 1 1234 1234 0 -1 4194304", "S"},
		{"1234 (worker loop) Z 1 1234 1234 0 -1", "Z"},
		// Comm may itself contain parentheses; parsing anchors on the last ')'.
		{"77 (a (weird) name) R 1 77 77", "R"},
		{"malformed", ""},
		{"99 (no close paren", ""},
		{"99 (tail only)", ""},
	}
	for _, tt := range tests {
		if got := procState(tt.stat); got != tt.want {
			t.Errorf("procState(%q) = %q, want %q", tt.stat, got, tt.want)
		}
	}
}

func TestPIDAliveTreatsZombieAsDead(t *testing.T) {
	orig := readProcStat
	t.Cleanup(func() { readProcStat = orig })

	readProcStat = func(string) ([]byte, error) {
		return []byte("4242 (claw worker) Z 1 4242 4242 0 -1"), nil
	}
	if PIDAlive(4242) {
		t.Fatal("zombie process reported alive")
	}

	readProcStat = func(string) ([]byte, error) {
		return []byte("4242 (claw worker) S 1 4242 4242 0 -1"), nil
	}
	if !PIDAlive(4242) {
		t.Fatal("sleeping process reported dead")
	}
}

func TestPIDAliveBounds(t *testing.T) {
	if PIDAlive(0) || PIDAlive(-1) {
		t.Fatal("non-positive pids must be dead")
	}
	orig := readProcStat
	t.Cleanup(func() { readProcStat = orig })
	readProcStat = func(name string) ([]byte, error) { return nil, errors.New("no procfs") }
	if !PIDAlive(os.Getpid()) {
		t.Fatal("own pid must be alive via the signal fallback")
	}
}
