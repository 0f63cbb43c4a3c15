package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/config"
)

type fakeProvider struct {
	name  string
	reply string
	err   error
	calls int
}

func (f *fakeProvider) Chat(context.Context, ChatRequest) (*ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ChatResponse{Content: f.reply, FinishReason: "stop"}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp, err := f.Chat(ctx, req)
	if err == nil && onChunk != nil {
		onChunk(StreamChunk{Content: resp.Content})
		onChunk(StreamChunk{Done: true})
	}
	return resp, err
}

func (f *fakeProvider) DefaultModel() string { return "fake" }
func (f *fakeProvider) Name() string         { return f.name }

// testFallback wires a Fallback whose registry resolves to canned providers.
func testFallback(cfg *config.Config, online bool, backends map[string]*fakeProvider) *Fallback {
	f := NewFallback(cfg, NewRegistry(cfg))
	f.probe = func(time.Duration) bool { return online }
	origTry := backends
	f.resolve = func(spec string) (Provider, string, error) {
		name, model := ParseModelSpec(spec)
		if p, ok := origTry[spec]; ok {
			return p, model, nil
		}
		return nil, "", errors.New(name + ": token ausente")
	}
	return f
}

func TestFallbackOnlinePrimary(t *testing.T) {
	cfg := config.Default()
	cfg.Model = "openai/gpt-4o-mini"
	primary := &fakeProvider{name: "openai", reply: "hello"}
	f := testFallback(cfg, true, map[string]*fakeProvider{"openai/gpt-4o-mini": primary})

	resp, meta := f.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if meta.Mode != ModeOnline || resp == nil || resp.Content != "hello" {
		t.Fatalf("resp=%+v meta=%+v", resp, meta)
	}
	if meta.ModelUsed != "openai/gpt-4o-mini" || meta.Provider != "openai" {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestFallbackChainSkipsOllamaEntries(t *testing.T) {
	cfg := config.Default()
	cfg.Model = "openai/gpt-4o-mini"
	cfg.ModelFallback = config.FlexibleStringSlice{"anthropic/claude-3-5-haiku-latest", "ollama/llama3.1:8b"}

	primary := &fakeProvider{name: "openai", err: errors.New("down")}
	secondary := &fakeProvider{name: "anthropic", reply: "from claude"}
	ollama := &fakeProvider{name: "ollama", reply: "local"}
	f := testFallback(cfg, true, map[string]*fakeProvider{
		"openai/gpt-4o-mini":                primary,
		"anthropic/claude-3-5-haiku-latest": secondary,
		"ollama/llama3.1:8b":                ollama,
	})

	resp, meta := f.Chat(context.Background(), ChatRequest{})
	if meta.Mode != ModeOnline || resp.Content != "from claude" {
		t.Fatalf("resp=%+v meta=%+v", resp, meta)
	}
	if ollama.calls != 0 {
		t.Fatal("ollama entry in fallback list must be skipped while online")
	}
}

func TestFallbackOfflineGoesLocal(t *testing.T) {
	cfg := config.Default()
	cfg.Model = "openai/gpt-4o-mini"
	remote := &fakeProvider{name: "openai", reply: "never"}
	local := &fakeProvider{name: "ollama", reply: "local answer"}
	f := testFallback(cfg, false, map[string]*fakeProvider{
		"openai/gpt-4o-mini": remote,
		"ollama/llama3.1:8b": local,
	})

	resp, meta := f.Chat(context.Background(), ChatRequest{})
	if meta.Mode != ModeOfflineFallback || resp.Content != "local answer" {
		t.Fatalf("resp=%+v meta=%+v", resp, meta)
	}
	if remote.calls != 0 {
		t.Fatal("remote must not be called while offline")
	}
}

func TestFallbackOfflineDisabledFallback(t *testing.T) {
	cfg := config.Default()
	cfg.OfflineMode.AutoFallbackToOllama = false
	f := testFallback(cfg, false, nil)

	resp, meta := f.Chat(context.Background(), ChatRequest{})
	if resp != nil || meta.Mode != ModeError {
		t.Fatalf("resp=%+v meta=%+v, want error mode", resp, meta)
	}
}

func TestFallbackExplicitOllamaModel(t *testing.T) {
	cfg := config.Default()
	local := &fakeProvider{name: "ollama", reply: "direct"}
	f := testFallback(cfg, true, map[string]*fakeProvider{"ollama/mistral:7b": local})

	resp, meta := f.Chat(context.Background(), ChatRequest{Model: "ollama/mistral:7b"})
	if meta.Mode != ModeOllama || resp.Content != "direct" {
		t.Fatalf("resp=%+v meta=%+v", resp, meta)
	}
}

func TestFallbackAllRemotesFailThenLocal(t *testing.T) {
	cfg := config.Default()
	cfg.Model = "openai/gpt-4o-mini"
	cfg.ModelFallback = nil
	remote := &fakeProvider{name: "openai", err: errors.New("503")}
	local := &fakeProvider{name: "ollama", reply: "rescued"}
	f := testFallback(cfg, true, map[string]*fakeProvider{
		"openai/gpt-4o-mini": remote,
		"ollama/llama3.1:8b": local,
	})

	resp, meta := f.Chat(context.Background(), ChatRequest{})
	if meta.Mode != ModeOfflineFallback || resp.Content != "rescued" {
		t.Fatalf("resp=%+v meta=%+v", resp, meta)
	}
}

func TestHumanizeRateLimit(t *testing.T) {
	err := &HTTPError{Status: 429, Body: "slow down"}
	if got := humanizeProviderError(err); got != "limite de requisições excedido" {
		t.Fatalf("humanize = %q", got)
	}
}

func TestParseModelSpec(t *testing.T) {
	cases := []struct {
		spec, provider, model string
	}{
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"anthropic/claude-sonnet-4-5", "anthropic", "claude-sonnet-4-5"},
		{"ollama/llama3.1:8b", "ollama", "llama3.1:8b"},
		{"openrouter/meta-llama/llama-3-70b", "openrouter", "meta-llama/llama-3-70b"},
		{"gpt-4o-mini", "openai", "gpt-4o-mini"},
	}
	for _, tc := range cases {
		p, m := ParseModelSpec(tc.spec)
		if p != tc.provider || m != tc.model {
			t.Errorf("ParseModelSpec(%q) = (%q, %q), want (%q, %q)", tc.spec, p, m, tc.provider, tc.model)
		}
	}
}
