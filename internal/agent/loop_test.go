package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/providers"
	"github.com/nextlevelbuilder/clawlite/internal/sessions"
	"github.com/nextlevelbuilder/clawlite/internal/tools"
	"github.com/nextlevelbuilder/clawlite/internal/trust"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

type echoTool struct {
	calls int
}

func (t *echoTool) Name() string                { return "echo" }
func (t *echoTool) Description() string         { return "echoes" }
func (t *echoTool) Parameters() map[string]any  { return map[string]any{"type": "object"} }
func (t *echoTool) Execute(_ context.Context, args map[string]any) *tools.Result {
	t.calls++
	if v, ok := args["text"].(string); ok {
		return tools.NewResult("echo: " + v)
	}
	return tools.NewResult("echo")
}

func testLoop(t *testing.T, reg *tools.Registry, complete func(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, providers.Meta)) (*Loop, *sessions.Store) {
	t.Helper()
	store, err := sessions.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	if reg == nil {
		reg = tools.NewRegistry()
	}
	l := &Loop{
		cfg:       cfg,
		registry:  reg,
		sessions:  store,
		audit:     &trust.Audit{},
		workspace: t.TempDir(),
		complete:  complete,
	}
	return l, store
}

func TestRunSimpleReplyPersistsTurns(t *testing.T) {
	l, store := testLoop(t, nil, func(_ context.Context, req providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, providers.Meta) {
		if req.Messages[0].Role != "system" {
			t.Errorf("first message should be system, got %q", req.Messages[0].Role)
		}
		return &providers.ChatResponse{
			Content: "hello back",
			Usage:   &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, providers.Meta{Mode: providers.ModeOnline, ModelUsed: "openai/gpt-4o-mini", Provider: "openai"}
	})

	res := l.Run(context.Background(), Request{Prompt: "hi", SessionID: "chat-1"})
	if res.Text != "hello back" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Meta.Mode != "online" || res.Meta.Tokens != 15 || res.Meta.PromptTokens != 10 {
		t.Errorf("meta = %+v", res.Meta)
	}
	if res.Meta.ModelDisplayName != "GPT-4o mini" {
		t.Errorf("display name = %q", res.Meta.ModelDisplayName)
	}
	if res.Meta.EstimatedCostUSD <= 0 {
		t.Error("expected nonzero cost estimate")
	}

	turns, err := store.History("chat-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("persisted turns = %+v", turns)
	}
	if turns[1].Meta["mode"] != "online" {
		t.Errorf("assistant turn meta = %+v", turns[1].Meta)
	}
}

func TestRunDispatchesToolCalls(t *testing.T) {
	echo := &echoTool{}
	reg := tools.NewRegistry()
	reg.Register(echo)

	call := 0
	l, _ := testLoop(t, reg, func(_ context.Context, req providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, providers.Meta) {
		call++
		if call == 1 {
			return &providers.ChatResponse{
				ToolCalls: []providers.ToolCall{{ID: "tc1", Name: "echo", Arguments: map[string]any{"text": "ping"}}},
			}, providers.Meta{Mode: providers.ModeOnline, ModelUsed: "openai/gpt-4o-mini"}
		}
		// Second round must carry the tool result back.
		last := req.Messages[len(req.Messages)-1]
		if last.Role != "tool" || last.Content != "echo: ping" || last.ToolCallID != "tc1" {
			t.Errorf("tool message = %+v", last)
		}
		return &providers.ChatResponse{Content: "done"}, providers.Meta{Mode: providers.ModeOnline, ModelUsed: "openai/gpt-4o-mini"}
	})

	res := l.Run(context.Background(), Request{Prompt: "use the tool", SessionID: "s"})
	if res.Text != "done" {
		t.Errorf("Text = %q", res.Text)
	}
	if echo.calls != 1 {
		t.Errorf("tool executed %d times", echo.calls)
	}
}

func TestRunDeniedToolNeverExecutes(t *testing.T) {
	echo := &echoTool{}
	reg := tools.NewRegistry()
	reg.Register(echo)

	call := 0
	l, _ := testLoop(t, reg, func(_ context.Context, req providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, providers.Meta) {
		call++
		if call == 1 {
			return &providers.ChatResponse{
				ToolCalls: []providers.ToolCall{{ID: "tc1", Name: "echo", Arguments: map[string]any{}}},
			}, providers.Meta{Mode: providers.ModeOnline}
		}
		last := req.Messages[len(req.Messages)-1]
		if !strings.Contains(last.Content, "Ferramenta bloqueada") {
			t.Errorf("denied tool result = %q", last.Content)
		}
		return &providers.ChatResponse{Content: "ok"}, providers.Meta{Mode: providers.ModeOnline}
	})
	l.cfg.Security.ToolPolicies = map[string]string{"echo": "deny"}

	l.Run(context.Background(), Request{Prompt: "x", SessionID: "s"})
	if echo.calls != 0 {
		t.Errorf("denied tool executed %d times", echo.calls)
	}
	recent := l.audit.Recent(1)
	if len(recent) != 1 || recent[0].Verdict != trust.PolicyDeny {
		t.Errorf("audit = %+v", recent)
	}
}

func TestRunMaxIterations(t *testing.T) {
	echo := &echoTool{}
	reg := tools.NewRegistry()
	reg.Register(echo)

	l, _ := testLoop(t, reg, func(context.Context, providers.ChatRequest, func(providers.StreamChunk)) (*providers.ChatResponse, providers.Meta) {
		return &providers.ChatResponse{
			ToolCalls: []providers.ToolCall{{ID: "t", Name: "echo", Arguments: map[string]any{}}},
		}, providers.Meta{Mode: providers.ModeOnline}
	})
	l.cfg.Agent.MaxToolIterations = 3

	res := l.Run(context.Background(), Request{Prompt: "loop forever", SessionID: "s"})
	if res.Text != maxIterationsMessage {
		t.Errorf("Text = %q", res.Text)
	}
	if echo.calls != 3 {
		t.Errorf("tool ran %d times, want 3", echo.calls)
	}
}

func TestRunProviderError(t *testing.T) {
	l, _ := testLoop(t, nil, func(context.Context, providers.ChatRequest, func(providers.StreamChunk)) (*providers.ChatResponse, providers.Meta) {
		return nil, providers.Meta{Mode: providers.ModeError, Error: "token ausente"}
	})
	res := l.Run(context.Background(), Request{Prompt: "hi", SessionID: "s"})
	if res.Meta.Mode != "error" || res.Meta.Error != "token ausente" || res.Meta.ErrorType != "provider_error" {
		t.Errorf("meta = %+v", res.Meta)
	}
	if res.Text != "token ausente" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestRunWithTimeout(t *testing.T) {
	l, _ := testLoop(t, nil, func(ctx context.Context, _ providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, providers.Meta) {
		<-ctx.Done()
		return nil, providers.Meta{Mode: providers.ModeError, Error: ctx.Err().Error()}
	})
	res := l.RunWithTimeout(context.Background(), Request{Prompt: "hi", SessionID: "s"}, 30*time.Millisecond)
	if res.Meta.ErrorType != "timeout" {
		t.Errorf("meta = %+v", res.Meta)
	}
}

func TestRunStreamingChunks(t *testing.T) {
	l, _ := testLoop(t, nil, func(_ context.Context, _ providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, providers.Meta) {
		onChunk(providers.StreamChunk{Content: "hel"})
		onChunk(providers.StreamChunk{Content: "lo"})
		return &providers.ChatResponse{Content: "hello"}, providers.Meta{Mode: providers.ModeOnline}
	})

	var got strings.Builder
	res := l.Run(context.Background(), Request{
		Prompt:    "hi",
		SessionID: "s",
		OnChunk:   func(s string) { got.WriteString(s) },
	})
	if got.String() != "hello" || res.Text != "hello" {
		t.Errorf("stream = %q, text = %q", got.String(), res.Text)
	}
}

func TestCompactHistory(t *testing.T) {
	long := strings.Repeat("x", 400)
	var history []providers.Message
	for i := 0; i < 40; i++ {
		history = append(history,
			providers.Message{Role: "user", Content: long},
			providers.Message{Role: "assistant", Content: long},
		)
	}

	compacted := compactHistory(history, 1000, 0.75)
	if len(compacted) >= len(history) {
		t.Fatalf("history not compacted: %d -> %d", len(history), len(compacted))
	}
	if !strings.Contains(compacted[0].Content, "[Conversation summary]") {
		t.Errorf("first message = %q", compacted[0].Content[:40])
	}
	// Recent turns survive verbatim.
	tail := compacted[len(compacted)-1]
	if tail.Content != long {
		t.Error("recent turn was rewritten")
	}

	small := []providers.Message{{Role: "user", Content: "hi"}}
	if got := compactHistory(small, 128000, 0.75); len(got) != 1 {
		t.Errorf("small history rewritten: %+v", got)
	}
}

func TestLookupModel(t *testing.T) {
	tests := []struct {
		spec    string
		display string
		window  int
	}{
		{"openai/gpt-4o-mini", "GPT-4o mini", 128000},
		{"anthropic/claude-sonnet-4-5", "Claude Sonnet 4.5", 200000},
		{"ollama/llama3.2:latest", "Llama 3.2 (local)", 131072},
		{"openrouter/some-unknown-model", "some-unknown-model", 128000},
	}
	for _, tt := range tests {
		info := LookupModel(tt.spec)
		if info.DisplayName != tt.display || info.ContextWindow != tt.window {
			t.Errorf("LookupModel(%q) = %+v", tt.spec, info)
		}
	}
}

func TestEstimateCostUSD(t *testing.T) {
	info := modelCatalog["gpt-4o-mini"]
	cost := EstimateCostUSD(info, 1_000_000, 1_000_000)
	if cost != 0.75 {
		t.Errorf("cost = %f, want 0.75", cost)
	}
	local := LookupModel("ollama/llama3.2")
	if EstimateCostUSD(local, 1000, 1000) != 0 {
		t.Error("local models should cost nothing")
	}
}

func TestBuildSystemPromptIncludesIdentity(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "IDENTITY.md", "I am Claw.")
	writeFile(t, dir, "SOUL.md", "Calm and direct.")

	prompt := BuildSystemPrompt(dir, []string{"shell", "notify"}, "skill block", "remembered fact")
	for _, want := range []string{"I am Claw.", "Calm and direct.", "shell, notify", "skill block", "remembered fact"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
