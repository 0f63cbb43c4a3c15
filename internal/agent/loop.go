// Package agent implements the think-act-observe loop: it renders the
// system prompt from workspace identity files, replays session history,
// recalls memories, drives the provider chain and dispatches tool calls.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/memory"
	"github.com/nextlevelbuilder/clawlite/internal/providers"
	"github.com/nextlevelbuilder/clawlite/internal/sessions"
	"github.com/nextlevelbuilder/clawlite/internal/tools"
	"github.com/nextlevelbuilder/clawlite/internal/trust"
)

var tracer = otel.Tracer("clawlite/agent")

const (
	defaultMaxIterations = 40
	maxIterationsMessage = "max iterations reached: the task needed more tool calls than allowed"
	toolResultCap        = 16 * 1024
)

// Meta describes how a run was served and what it consumed.
type Meta struct {
	Mode             string  `json:"mode"`
	Reason           string  `json:"reason,omitempty"`
	Model            string  `json:"model"`
	RequestedModel   string  `json:"requested_model"`
	ModelProvider    string  `json:"model_provider"`
	ModelDisplayName string  `json:"model_display_name"`
	ContextWindow    int     `json:"context_window"`
	MaxOutputTokens  int     `json:"max_output_tokens"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Tokens           int     `json:"tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	Error            string  `json:"error,omitempty"`
	ErrorType        string  `json:"error_type,omitempty"`
}

// Request is one agent invocation.
type Request struct {
	Prompt        string
	SessionID     string
	Skill         string // optional skill slug loaded into the prompt
	WorkspacePath string // overrides the loop default when set
	OnChunk       func(string)
}

// Result is the run outcome. Text is user-facing even on failure.
type Result struct {
	Text string `json:"text"`
	Meta Meta   `json:"meta"`
}

// Loop runs agent requests against a fixed set of collaborators.
type Loop struct {
	cfg       *config.Config
	registry  *tools.Registry
	sessions  *sessions.Store
	memory    *memory.Store      // nil disables recall and consolidation
	skills    tools.SkillLibrary // nil disables the skills block
	audit     *trust.Audit
	workspace string

	complete func(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, providers.Meta)
}

// NewLoop wires the loop. fb drives provider selection and offline fallback.
func NewLoop(cfg *config.Config, fb *providers.Fallback, registry *tools.Registry, store *sessions.Store, mem *memory.Store, skillLib tools.SkillLibrary, audit *trust.Audit, workspace string) *Loop {
	l := &Loop{
		cfg:       cfg,
		registry:  registry,
		sessions:  store,
		memory:    mem,
		skills:    skillLib,
		audit:     audit,
		workspace: workspace,
	}
	l.complete = func(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, providers.Meta) {
		if onChunk != nil {
			return fb.ChatStream(ctx, req, onChunk)
		}
		return fb.Chat(ctx, req)
	}
	return l
}

// Run executes one request to completion. Failures are reported through
// Meta.Error/Meta.ErrorType rather than a Go error so every caller gets a
// deliverable text plus structured meta.
func (l *Loop) Run(ctx context.Context, req Request) Result {
	ctx, span := tracer.Start(ctx, "agent.run")
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.Int("prompt.len", len(req.Prompt)),
	)
	defer span.End()

	res := l.run(ctx, req)
	if res.Meta.Error != "" {
		span.SetStatus(codes.Error, res.Meta.Error)
	}
	span.SetAttributes(
		attribute.String("mode", res.Meta.Mode),
		attribute.Int("tokens", res.Meta.Tokens),
	)
	return res
}

// RunWithTimeout bounds Run by a wall clock and returns structured timeout
// meta when exceeded.
func (l *Loop) RunWithTimeout(ctx context.Context, req Request, timeout time.Duration) Result {
	if timeout <= 0 {
		secs := l.cfg.Agent.AttemptTimeoutS
		if secs <= 0 {
			secs = 90
		}
		timeout = time.Duration(secs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- l.Run(ctx, req) }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return Result{
			Text: "the request took too long and was aborted",
			Meta: l.normalizeMeta(providers.Meta{
				Mode:  providers.ModeError,
				Error: fmt.Sprintf("timed out after %s", timeout),
			}, nil, "timeout"),
		}
	}
}

func (l *Loop) run(ctx context.Context, req Request) Result {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Result{
			Text: "empty prompt",
			Meta: l.normalizeMeta(providers.Meta{Mode: providers.ModeError, Error: "empty prompt"}, nil, "invalid_input"),
		}
	}

	messages := l.buildMessages(ctx, req, prompt)

	maxIter := l.cfg.Agent.MaxToolIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	options := map[string]any{providers.OptTemperature: 0.7}
	if l.cfg.Agent.MaxOutputTokens > 0 {
		options[providers.OptMaxTokens] = l.cfg.Agent.MaxOutputTokens
	}

	var (
		totalUsage   providers.Usage
		finalContent string
		lastMeta     providers.Meta
	)

	var onChunk func(providers.StreamChunk)
	if req.OnChunk != nil {
		onChunk = func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				req.OnChunk(chunk.Content)
			}
		}
	}

	exhausted := true
	for iteration := 1; iteration <= maxIter; iteration++ {
		resp, meta := l.complete(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    l.registry.Definitions(),
			Options:  options,
		}, onChunk)
		lastMeta = meta

		if meta.Mode == providers.ModeError {
			return Result{
				Text: meta.Error,
				Meta: l.normalizeMeta(meta, &totalUsage, "provider_error"),
			}
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			exhausted = false
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			result := l.executeToolCall(ctx, req.SessionID, tc)
			content := result.ForLLM
			if len(content) > toolResultCap {
				content = content[:toolResultCap] + "\n[truncated]"
			}
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: tc.ID,
			})
		}

		if ctx.Err() != nil {
			return Result{
				Text: "the request was cancelled",
				Meta: l.normalizeMeta(providers.Meta{Mode: providers.ModeError, Error: ctx.Err().Error()}, &totalUsage, "cancelled"),
			}
		}
	}

	if exhausted {
		finalContent = maxIterationsMessage
	}
	if strings.TrimSpace(finalContent) == "" {
		finalContent = "(no response)"
	}

	l.persistTurns(req.SessionID, prompt, finalContent, lastMeta)
	l.consolidate(ctx, prompt, finalContent)

	return Result{Text: finalContent, Meta: l.normalizeMeta(lastMeta, &totalUsage, "")}
}

// buildMessages renders system prompt + compacted history + user prompt.
func (l *Loop) buildMessages(ctx context.Context, req Request, prompt string) []providers.Message {
	workspace := l.workspace
	if req.WorkspacePath != "" {
		workspace = req.WorkspacePath
	}

	skillsBlock := l.skillsBlock(req.Skill)
	memoryBlock := l.memoryBlock(ctx, prompt)
	system := BuildSystemPrompt(workspace, l.registry.Names(), skillsBlock, memoryBlock)

	messages := []providers.Message{{Role: "system", Content: system}}

	limit := l.cfg.Agent.HistoryLimit
	if limit <= 0 {
		limit = 20
	}
	turns, err := l.sessions.History(req.SessionID, limit)
	if err != nil {
		slog.Warn("history read failed", "session", req.SessionID, "error", err)
	}

	var history []providers.Message
	for _, t := range turns {
		if t.Role != "user" && t.Role != "assistant" {
			continue
		}
		history = append(history, providers.Message{Role: t.Role, Content: t.Content})
	}
	history = compactHistory(history, l.contextWindow(), l.cfg.Agent.CompactThreshold)

	messages = append(messages, history...)
	return append(messages, providers.Message{Role: "user", Content: prompt})
}

func (l *Loop) contextWindow() int {
	if l.cfg.Agent.ContextWindow > 0 {
		return l.cfg.Agent.ContextWindow
	}
	return LookupModel(l.cfg.Model).ContextWindow
}

func (l *Loop) skillsBlock(slug string) string {
	if l.skills == nil {
		return ""
	}
	if slug != "" {
		content, err := l.skills.Load(slug)
		if err != nil {
			slog.Warn("skill load failed", "skill", slug, "error", err)
			return ""
		}
		return content
	}
	names := l.skills.List()
	if len(names) == 0 {
		return ""
	}
	return "Installed skills (load with the skill tool): " + strings.Join(names, ", ")
}

func (l *Loop) memoryBlock(ctx context.Context, prompt string) string {
	if l.memory == nil {
		return ""
	}
	results, err := l.memory.Search(ctx, prompt)
	if err != nil {
		slog.Warn("memory recall failed", "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range results {
		b.WriteString("- " + r.Content + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// executeToolCall applies the tool policy, records the audit row and runs
// the tool. DENY never reaches the tool.
func (l *Loop) executeToolCall(ctx context.Context, sessionID string, tc providers.ToolCall) *tools.Result {
	ctx, span := tracer.Start(ctx, "agent.tool")
	span.SetAttributes(attribute.String("tool.name", tc.Name))
	defer span.End()

	verdict := trust.ResolveToolPolicy(l.cfg.Security.ToolPolicies, tc.Name)

	argsJSON, _ := json.Marshal(tc.Arguments)
	if l.audit != nil {
		arg := string(argsJSON)
		if len(arg) > 200 {
			arg = arg[:200]
		}
		l.audit.Record(trust.AuditEntry{Tool: tc.Name, Verdict: verdict, Session: sessionID, Argument: arg})
	}

	switch verdict {
	case trust.PolicyDeny:
		span.SetStatus(codes.Error, "denied by policy")
		slog.Warn("tool denied", "tool", tc.Name, "session", sessionID)
		return tools.ErrorResult("Ferramenta bloqueada: bloqueada pela política")
	case trust.PolicyReview:
		slog.Info("tool allowed under review", "tool", tc.Name, "session", sessionID)
	}

	tool, ok := l.registry.Get(tc.Name)
	if !ok {
		span.SetStatus(codes.Error, "unknown tool")
		return tools.ErrorResult(fmt.Sprintf("unknown tool %q", tc.Name))
	}

	slog.Info("tool call", "tool", tc.Name, "args_len", len(argsJSON))
	result := tool.Execute(tools.WithSessionID(ctx, sessionID), tc.Arguments)
	if result.IsError {
		msg := result.ForLLM
		if len(msg) > 200 {
			msg = msg[:200]
		}
		span.SetStatus(codes.Error, msg)
		slog.Warn("tool error", "tool", tc.Name, "error", msg)
	}
	return result
}

func (l *Loop) persistTurns(sessionID, prompt, reply string, meta providers.Meta) {
	if err := l.sessions.Append(sessionID, sessions.Turn{Role: "user", Content: prompt}); err != nil {
		slog.Warn("persist user turn failed", "session", sessionID, "error", err)
	}
	turnMeta := map[string]any{"mode": meta.Mode}
	if meta.ModelUsed != "" {
		turnMeta["model"] = meta.ModelUsed
	}
	if err := l.sessions.Append(sessionID, sessions.Turn{Role: "assistant", Content: reply, Meta: turnMeta}); err != nil {
		slog.Warn("persist assistant turn failed", "session", sessionID, "error", err)
	}
}

// consolidate folds the exchange into long-term memory as a compact snippet.
func (l *Loop) consolidate(ctx context.Context, prompt, reply string) {
	if l.memory == nil {
		return
	}
	snippet := fmt.Sprintf("Q: %s\nA: %s", truncate(prompt, 200), truncate(reply, 300))
	if _, err := l.memory.Add(ctx, snippet, []string{"conversation"}); err != nil {
		slog.Debug("memory consolidation failed", "error", err)
	}
}

// normalizeMeta fills in catalog-derived fields that the provider layer
// does not know about.
func (l *Loop) normalizeMeta(pm providers.Meta, usage *providers.Usage, errorType string) Meta {
	requested := l.cfg.Model
	model := pm.ModelUsed
	if model == "" {
		model = requested
	}
	info := LookupModel(model)

	m := Meta{
		Mode:             pm.Mode,
		Reason:           pm.Reason,
		Model:            model,
		RequestedModel:   requested,
		ModelProvider:    pm.Provider,
		ModelDisplayName: info.DisplayName,
		ContextWindow:    info.ContextWindow,
		MaxOutputTokens:  info.MaxOutputTokens,
		Error:            pm.Error,
		ErrorType:        errorType,
	}
	if m.ModelProvider == "" {
		m.ModelProvider, _ = providers.ParseModelSpec(model)
	}
	if l.cfg.Agent.ContextWindow > 0 {
		m.ContextWindow = l.cfg.Agent.ContextWindow
	}
	if l.cfg.Agent.MaxOutputTokens > 0 {
		m.MaxOutputTokens = l.cfg.Agent.MaxOutputTokens
	}
	if usage != nil {
		m.PromptTokens = usage.PromptTokens
		m.CompletionTokens = usage.CompletionTokens
		m.Tokens = usage.TotalTokens
		if m.Tokens == 0 {
			m.Tokens = m.PromptTokens + m.CompletionTokens
		}
		m.EstimatedCostUSD = EstimateCostUSD(info, m.PromptTokens, m.CompletionTokens)
	}
	if pm.Error != "" && m.ErrorType == "" {
		m.ErrorType = "provider_error"
	}
	return m
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
