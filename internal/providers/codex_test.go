package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func codexTestProvider(t *testing.T, handler http.HandlerFunc) *CodexProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewCodexProvider("tok", "acct-1", "gpt-5-codex")
	p.baseURL = srv.URL
	p.retryConfig = RetryConfig{MaxAttempts: 1}
	return p
}

func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, ev := range events {
		w.Write([]byte("data: " + ev + "\n\n"))
	}
	w.Write([]byte("data: [DONE]\n\n"))
}

func TestCodexStreamReassemblesDeltas(t *testing.T) {
	p := codexTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("chatgpt-account-id") != "acct-1" {
			t.Errorf("account header missing, got %q", r.Header.Get("chatgpt-account-id"))
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("bad auth header %q", r.Header.Get("Authorization"))
		}
		writeSSE(w,
			`{"type":"response.output_text.delta","delta":"Ol"}`,
			`{"type":"response.output_text.delta","delta":"á!"}`,
			`{"type":"response.output_item.done","item":{"type":"message","content":[{"type":"output_text","text":"ignored when deltas were seen"}]}}`,
		)
	})

	var chunks []string
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "oi"}},
	}, func(c StreamChunk) {
		if c.Content != "" {
			chunks = append(chunks, c.Content)
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Content != "Olá!" {
		t.Errorf("content = %q, want %q", resp.Content, "Olá!")
	}
	if got := strings.Join(chunks, ""); got != "Olá!" {
		t.Errorf("streamed = %q", got)
	}
}

func TestCodexStreamFallsBackToDoneItem(t *testing.T) {
	p := codexTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w,
			`{"type":"response.output_item.done","item":{"type":"reasoning","content":[{"type":"text","text":"skip"}]}}`,
			`{"type":"response.output_item.done","item":{"type":"message","content":[{"type":"output_text","text":"resposta completa"}]}}`,
		)
	})

	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "oi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "resposta completa" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestCodexFriendlyAuthErrors(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{http.StatusTooManyRequests, "limite de requisições excedido"},
		{http.StatusUnauthorized, "OAuth inválido/expirado"},
		{http.StatusForbidden, "não tem acesso"},
	}
	for _, tc := range cases {
		p := codexTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "oi"}}})
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("status %d: err = %v, want substring %q", tc.status, err, tc.want)
		}
	}
}

func TestCodexRequiresAccountID(t *testing.T) {
	p := NewCodexProvider("tok", "", "gpt-5-codex")
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "oi"}}})
	if err == nil || !strings.Contains(err.Error(), "account id") {
		t.Errorf("err = %v, want account id error", err)
	}
}

func TestStripCodexModelPrefix(t *testing.T) {
	cases := []struct{ in, want string }{
		{"openai-codex/gpt-5-codex", "gpt-5-codex"},
		{"openai_codex/gpt-5-codex", "gpt-5-codex"},
		{"gpt-5-codex", "gpt-5-codex"},
		{"  openai-codex/x  ", "x"},
	}
	for _, tc := range cases {
		if got := stripCodexModelPrefix(tc.in); got != tc.want {
			t.Errorf("stripCodexModelPrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCodexCredentialsFromAuthFile(t *testing.T) {
	dir := t.TempDir()
	authJSON := `{"tokens":{"access_token":"at-123","account_id":"acct-9"}}`
	if err := os.WriteFile(filepath.Join(dir, "auth.json"), []byte(authJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CODEX_HOME", dir)

	token, account := codexCredentials()
	if token != "at-123" || account != "acct-9" {
		t.Errorf("codexCredentials() = (%q, %q)", token, account)
	}

	t.Setenv("CODEX_HOME", filepath.Join(dir, "missing"))
	if token, _ := codexCredentials(); token != "" {
		t.Errorf("expected empty token for missing file, got %q", token)
	}
}

func TestCodexRequestBodyUsesSystemAsInstructions(t *testing.T) {
	p := NewCodexProvider("tok", "acct", "gpt-5-codex")
	body := p.buildRequestBody(ChatRequest{
		Model: "openai-codex/gpt-5-codex",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "oi"},
			{Role: "assistant", Content: "olá"},
		},
	})
	if body["model"] != "gpt-5-codex" {
		t.Errorf("model = %v", body["model"])
	}
	if body["instructions"] != "be brief" {
		t.Errorf("instructions = %v", body["instructions"])
	}
	input := body["input"].([]map[string]any)
	if len(input) != 2 {
		t.Fatalf("input len = %d", len(input))
	}
	if input[1]["role"] != "assistant" {
		t.Errorf("second input role = %v", input[1]["role"])
	}
}
