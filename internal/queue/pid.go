package queue

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

// readProcStat is swapped in tests to feed crafted stat lines.
var readProcStat = os.ReadFile

// PIDAlive reports whether pid names a live process. A zombie counts as dead:
// the loop exited and only the parent's wait is pending, so no task will ever
// be picked up by it again.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if data, err := readProcStat("/proc/" + strconv.Itoa(pid) + "/stat"); err == nil {
		if procState(string(data)) == "Z" {
			return false
		}
		return true
	}
	// No procfs (macOS): fall back to signal 0.
	return syscall.Kill(pid, 0) == nil
}

// procState extracts the state field from /proc/<pid>/stat. The comm field
// is parenthesized and may contain spaces, so parse from the last ')'.
func procState(stat string) string {
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 || idx+2 >= len(stat) {
		return ""
	}
	fields := strings.Fields(stat[idx+1:])
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
