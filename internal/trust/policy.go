package trust

import (
	"strings"
	"sync"
	"time"
)

// Tool policy verdicts.
const (
	PolicyAllow  = "allow"
	PolicyReview = "review"
	PolicyDeny   = "deny"
)

// dangerousTools default to review: they touch the host or spend money.
var dangerousTools = map[string]bool{
	"shell":          true,
	"write_file":     true,
	"delete_file":    true,
	"browser":        true,
	"spawn_subagent": true,
	"skill_install":  true,
}

// safeTools default to allow.
var safeTools = map[string]bool{
	"read_file":     true,
	"list_dir":      true,
	"web_fetch":     true,
	"web_search":    true,
	"memory_search": true,
	"memory_store":  true,
	"notify":        true,
}

// ResolveToolPolicy returns the verdict for a tool: explicit configuration
// first, then the built-in defaults (dangerous -> review, safe -> allow,
// unknown -> review).
func ResolveToolPolicy(policies map[string]string, tool string) string {
	if v, ok := policies[tool]; ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case PolicyAllow:
			return PolicyAllow
		case PolicyDeny:
			return PolicyDeny
		case PolicyReview:
			return PolicyReview
		}
	}
	if safeTools[tool] {
		return PolicyAllow
	}
	if dangerousTools[tool] {
		return PolicyReview
	}
	return PolicyReview
}

// AuditEntry records one tool invocation decision.
type AuditEntry struct {
	Time     time.Time `json:"time"`
	Tool     string    `json:"tool"`
	Verdict  string    `json:"verdict"`
	Session  string    `json:"session,omitempty"`
	Argument string    `json:"argument,omitempty"`
}

const auditCap = 500

// Audit is an in-memory ring of recent tool decisions.
type Audit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record appends an entry, evicting the oldest past the cap.
func (a *Audit) Record(entry AuditEntry) {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	if len(a.entries) > auditCap {
		a.entries = a.entries[len(a.entries)-auditCap:]
	}
}

// Recent returns the newest limit entries, newest first.
func (a *Audit) Recent(limit int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit > len(a.entries) {
		limit = len(a.entries)
	}
	out := make([]AuditEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = a.entries[len(a.entries)-1-i]
	}
	return out
}
