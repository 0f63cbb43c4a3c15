package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawlite/internal/memory"
	"github.com/nextlevelbuilder/clawlite/internal/notify"
)

type sessionKey struct{}

// WithSessionID tags ctx with the conversation a tool call belongs to.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionIDFromContext returns the tagged conversation id, or "".
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// MemorySearchTool surfaces the hybrid note search to the model.
type MemorySearchTool struct{ store *memory.Store }

func NewMemorySearchTool(store *memory.Store) *MemorySearchTool {
	return &MemorySearchTool{store: store}
}

func (t *MemorySearchTool) Name() string        { return "memory_search" }
func (t *MemorySearchTool) Description() string { return "Search long-term memory notes." }
func (t *MemorySearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "What to look for."},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	results, err := t.store.Search(ctx, strArg(args, "query"))
	if err != nil {
		return ErrorResult("memory_search: " + err.Error()).WithError(err)
	}
	if len(results) == 0 {
		return NewResult("no matching memories")
	}
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "- [%.2f] %s", r.Score, r.Content)
		if len(r.Tags) > 0 {
			fmt.Fprintf(&b, " (tags: %s)", strings.Join(r.Tags, ", "))
		}
		b.WriteString("\n")
	}
	return NewResult(strings.TrimRight(b.String(), "\n"))
}

// MemoryStoreTool persists a note for later recall.
type MemoryStoreTool struct{ store *memory.Store }

func NewMemoryStoreTool(store *memory.Store) *MemoryStoreTool {
	return &MemoryStoreTool{store: store}
}

func (t *MemoryStoreTool) Name() string { return "memory_store" }
func (t *MemoryStoreTool) Description() string {
	return "Store a fact in long-term memory. Use for durable user preferences and facts."
}
func (t *MemoryStoreTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{"type": "string", "description": "The fact to remember."},
			"tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"content"},
	}
}

func (t *MemoryStoreTool) Execute(ctx context.Context, args map[string]any) *Result {
	var tags []string
	if raw, ok := args["tags"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
	}
	id, err := t.store.Add(ctx, strArg(args, "content"), tags)
	if err != nil {
		return ErrorResult("memory_store: " + err.Error()).WithError(err)
	}
	return NewResult(fmt.Sprintf("stored memory #%d", id))
}

// NotifyTool creates an owner-facing notification.
type NotifyTool struct{ store *notify.Store }

func NewNotifyTool(store *notify.Store) *NotifyTool {
	return &NotifyTool{store: store}
}

func (t *NotifyTool) Name() string { return "notify" }
func (t *NotifyTool) Description() string {
	return "Send a notification to the owner's notification feed."
}
func (t *NotifyTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":    map[string]any{"type": "string"},
			"body":     map[string]any{"type": "string"},
			"priority": map[string]any{"type": "string", "enum": []string{"low", "normal", "high"}},
		},
		"required": []string{"title"},
	}
}

func (t *NotifyTool) Execute(_ context.Context, args map[string]any) *Result {
	title := strings.TrimSpace(strArg(args, "title"))
	if title == "" {
		return ErrorResult("notify: title required")
	}
	priority := 0
	if p := strArg(args, "priority"); p != "" {
		priority = notify.ParsePriority(p)
	}
	id, err := t.store.Create(title, strArg(args, "body"), priority, "agent")
	if err != nil {
		return ErrorResult("notify: " + err.Error()).WithError(err)
	}
	if id == 0 {
		return NewResult("notification suppressed (duplicate within dedupe window)")
	}
	return NewResult(fmt.Sprintf("notification #%d created", id))
}

// SubagentRunner is implemented by the subagent pool. Declared here so the
// tool layer does not import the pool, which itself builds tool registries.
type SubagentRunner interface {
	Spawn(sessionID, task, label string) (int64, error)
	Status(runID int64) (string, error)
	Cancel(runID int64) error
}

// SpawnSubagentTool hands a task to a background agent run.
type SpawnSubagentTool struct {
	runner    SubagentRunner
	sessionID string
}

func NewSpawnSubagentTool(runner SubagentRunner, sessionID string) *SpawnSubagentTool {
	return &SpawnSubagentTool{runner: runner, sessionID: sessionID}
}

func (t *SpawnSubagentTool) Name() string { return "spawn_subagent" }
func (t *SpawnSubagentTool) Description() string {
	return "Run a task in a background subagent. The result is delivered back to this conversation when done."
}
func (t *SpawnSubagentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task":  map[string]any{"type": "string", "description": "What the subagent should do."},
			"label": map[string]any{"type": "string", "description": "Short label for status listings."},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnSubagentTool) Execute(ctx context.Context, args map[string]any) *Result {
	task := strings.TrimSpace(strArg(args, "task"))
	if task == "" {
		return ErrorResult("spawn_subagent: task required")
	}
	sessionID := t.sessionID
	if sid := SessionIDFromContext(ctx); sid != "" {
		sessionID = sid
	}
	id, err := t.runner.Spawn(sessionID, task, strArg(args, "label"))
	if err != nil {
		return ErrorResult("spawn_subagent: " + err.Error()).WithError(err)
	}
	return NewResult(fmt.Sprintf("subagent run #%d started; its result will arrive in this conversation", id))
}

// SubagentStatusTool reports a run's state.
type SubagentStatusTool struct{ runner SubagentRunner }

func NewSubagentStatusTool(runner SubagentRunner) *SubagentStatusTool {
	return &SubagentStatusTool{runner: runner}
}

func (t *SubagentStatusTool) Name() string        { return "subagent_status" }
func (t *SubagentStatusTool) Description() string { return "Check the status of a subagent run." }
func (t *SubagentStatusTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"run_id": map[string]any{"type": "integer"},
		},
		"required": []string{"run_id"},
	}
}

func (t *SubagentStatusTool) Execute(_ context.Context, args map[string]any) *Result {
	status, err := t.runner.Status(int64(intArg(args, "run_id", 0)))
	if err != nil {
		return ErrorResult("subagent_status: " + err.Error()).WithError(err)
	}
	return NewResult(status)
}

// SubagentCancelTool cancels a run, best effort.
type SubagentCancelTool struct{ runner SubagentRunner }

func NewSubagentCancelTool(runner SubagentRunner) *SubagentCancelTool {
	return &SubagentCancelTool{runner: runner}
}

func (t *SubagentCancelTool) Name() string        { return "subagent_cancel" }
func (t *SubagentCancelTool) Description() string { return "Cancel a running subagent." }
func (t *SubagentCancelTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"run_id": map[string]any{"type": "integer"},
		},
		"required": []string{"run_id"},
	}
}

func (t *SubagentCancelTool) Execute(_ context.Context, args map[string]any) *Result {
	if err := t.runner.Cancel(int64(intArg(args, "run_id", 0))); err != nil {
		return ErrorResult("subagent_cancel: " + err.Error()).WithError(err)
	}
	return NewResult("cancellation requested")
}

// SkillLibrary exposes installed skill bundles to the skill tool.
type SkillLibrary interface {
	List() []string
	Load(slug string) (string, error)
}

// SkillTool loads an installed skill's instructions into the conversation.
type SkillTool struct{ lib SkillLibrary }

func NewSkillTool(lib SkillLibrary) *SkillTool { return &SkillTool{lib: lib} }

func (t *SkillTool) Name() string { return "skill" }
func (t *SkillTool) Description() string {
	return "Load an installed skill's instructions. Call without a slug to list installed skills."
}
func (t *SkillTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"slug": map[string]any{"type": "string", "description": "Installed skill to load."},
		},
	}
}

func (t *SkillTool) Execute(_ context.Context, args map[string]any) *Result {
	slug := strings.TrimSpace(strArg(args, "slug"))
	if slug == "" {
		names := t.lib.List()
		if len(names) == 0 {
			return NewResult("no skills installed")
		}
		return NewResult("installed skills: " + strings.Join(names, ", "))
	}
	content, err := t.lib.Load(slug)
	if err != nil {
		return ErrorResult("skill: " + err.Error()).WithError(err)
	}
	return NewResult(content)
}
