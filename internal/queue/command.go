package queue

import (
	"fmt"
	"strings"
)

// RenderCommand turns a worker command template into argv. The template is
// split into fields first, then placeholders are substituted inside each
// field, so task text can never inject extra arguments or shell syntax.
// Matching quotes around a field are stripped, so `run "{text}"` yields a
// clean argv element; quoting never joins fields across whitespace.
// Supported placeholders: {text} {label} {chat_id} {thread_id} {channel}.
func RenderCommand(template string, w Worker, t Task) ([]string, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty worker command")
	}
	repl := strings.NewReplacer(
		"{text}", t.Text,
		"{label}", w.Label,
		"{chat_id}", w.ChatID,
		"{thread_id}", w.ThreadID,
		"{channel}", w.Channel,
	)
	argv := make([]string, len(fields))
	for i, f := range fields {
		argv[i] = repl.Replace(unquoteField(f))
	}
	return argv, nil
}

func unquoteField(f string) string {
	if len(f) >= 2 && (f[0] == '"' || f[0] == '\'') && f[len(f)-1] == f[0] {
		return f[1 : len(f)-1]
	}
	return f
}
