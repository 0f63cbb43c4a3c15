package agent

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawlite/internal/providers"
)

// Rough chars-per-token estimate used for context budgeting.
const charsPerToken = 4

const compactKeepLast = 6

// estimateTokens approximates the token footprint of a message list.
func estimateTokens(messages []providers.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + 64
		}
	}
	return chars / charsPerToken
}

// compactHistory folds older turns into a deterministic summary block when
// the history outgrows its share of the context window. The last
// compactKeepLast turns survive verbatim; older ones are digested line by
// line. Returns the (possibly rewritten) history.
func compactHistory(history []providers.Message, contextWindow int, threshold float64) []providers.Message {
	if threshold <= 0 {
		threshold = 0.75
	}
	budget := int(float64(contextWindow) * threshold)
	if estimateTokens(history) <= budget || len(history) <= compactKeepLast {
		return history
	}

	older := history[:len(history)-compactKeepLast]
	recent := history[len(history)-compactKeepLast:]

	var b strings.Builder
	b.WriteString("[Conversation summary]\n")
	for _, m := range older {
		line := strings.TrimSpace(m.Content)
		if line == "" {
			continue
		}
		if len(line) > 160 {
			line = line[:160] + "…"
		}
		fmt.Fprintf(&b, "- %s: %s\n", m.Role, line)
	}

	summary := b.String()
	// The digest itself must respect the budget; keep the newest lines.
	maxChars := budget * charsPerToken / 4
	if len(summary) > maxChars {
		summary = "[Conversation summary]\n…" + summary[len(summary)-maxChars:]
	}

	compacted := make([]providers.Message, 0, len(recent)+2)
	compacted = append(compacted,
		providers.Message{Role: "user", Content: summary},
		providers.Message{Role: "assistant", Content: "Understood, I have the earlier context."},
	)
	return append(compacted, recent...)
}
