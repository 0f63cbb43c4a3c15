package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const codexResponsesURL = "https://chatgpt.com/backend-api/codex/responses"

// CodexProvider speaks the ChatGPT-backend responses API using the OAuth
// token minted by the Codex CLI. Responses arrive as SSE only; tools are
// not offered on this path.
type CodexProvider struct {
	accessToken string
	accountID   string
	model       string
	baseURL     string
	client      *http.Client
	retryConfig RetryConfig
}

// codexCredentials reads the Codex CLI token file: $CODEX_HOME/auth.json,
// defaulting to ~/.codex/auth.json.
func codexCredentials() (accessToken, accountID string) {
	dir := strings.TrimSpace(os.Getenv("CODEX_HOME"))
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", ""
		}
		dir = filepath.Join(home, ".codex")
	}
	raw, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		return "", ""
	}
	var auth struct {
		Tokens struct {
			AccessToken string `json:"access_token"`
			AccountID   string `json:"account_id"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &auth); err != nil {
		return "", ""
	}
	return strings.TrimSpace(auth.Tokens.AccessToken), strings.TrimSpace(auth.Tokens.AccountID)
}

// NewCodexProvider builds the OAuth-backed provider.
func NewCodexProvider(accessToken, accountID, model string) *CodexProvider {
	if model == "" {
		model = "gpt-5-codex"
	}
	return &CodexProvider{
		accessToken: accessToken,
		accountID:   accountID,
		model:       model,
		baseURL:     codexResponsesURL,
		client:      &http.Client{Timeout: remoteTimeout()},
		retryConfig: DefaultRetryConfig(),
	}
}

func (p *CodexProvider) Name() string         { return "openai-codex" }
func (p *CodexProvider) DefaultModel() string { return p.model }

func (p *CodexProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := p.ChatStream(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("openai-codex: resposta sem conteúdo textual")
	}
	return resp, nil
}

func (p *CodexProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	if p.accountID == "" {
		return nil, fmt.Errorf("openai-codex: account id ausente em auth.json; rode `codex login` novamente")
	}
	body := p.buildRequestBody(req)

	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return nil, fmt.Errorf("openai-codex: %s", codexFriendlyError(httpErr))
		}
		return nil, err
	}
	defer respBody.Close()

	result := &ChatResponse{FinishReason: "stop"}
	sawDelta := false
	fallbackText := ""

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event codexEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		switch event.Type {
		case "response.output_text.delta":
			if event.Delta != "" {
				sawDelta = true
				result.Content += event.Delta
				if onChunk != nil {
					onChunk(StreamChunk{Content: event.Delta})
				}
			}
		case "response.output_item.done":
			// Kept as a fallback: some responses deliver the full message
			// here without ever emitting deltas.
			if event.Item.Type != "message" {
				continue
			}
			var parts []string
			for _, part := range event.Item.Content {
				if part.Type != "output_text" && part.Type != "text" {
					continue
				}
				if text := strings.TrimSpace(part.Text); text != "" {
					parts = append(parts, text)
				}
			}
			if len(parts) > 0 {
				fallbackText = strings.Join(parts, "\n")
			}
		case "error", "response.failed":
			return nil, fmt.Errorf("openai-codex: falha reportada no stream")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("openai-codex: read stream: %w", err)
	}

	if !sawDelta && fallbackText != "" {
		result.Content = fallbackText
		if onChunk != nil {
			onChunk(StreamChunk{Content: fallbackText})
		}
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

// buildRequestBody flattens the conversation into responses-API input items.
// Tool definitions are dropped: this backend only serves plain text here.
func (p *CodexProvider) buildRequestBody(req ChatRequest) map[string]any {
	model := req.Model
	if model == "" {
		model = p.model
	}
	model = stripCodexModelPrefix(model)

	instructions := ""
	input := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		if m.Role == "system" && instructions == "" {
			instructions = m.Content
			continue
		}
		role := m.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		contentType := "input_text"
		if role == "assistant" {
			contentType = "output_text"
		}
		input = append(input, map[string]any{
			"role":    role,
			"content": []map[string]any{{"type": contentType, "text": m.Content}},
		})
	}

	return map[string]any{
		"model":        model,
		"store":        false,
		"stream":       true,
		"instructions": instructions,
		"input":        input,
		"text":         map[string]any{"verbosity": "medium"},
		"include":      []string{"reasoning.encrypted_content"},
		"tool_choice":  "none",
	}
}

func (p *CodexProvider) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai-codex: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai-codex: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.accessToken)
	httpReq.Header.Set("chatgpt-account-id", p.accountID)
	httpReq.Header.Set("OpenAI-Beta", "responses=experimental")
	httpReq.Header.Set("originator", "clawlite")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai-codex: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// stripCodexModelPrefix accepts both "openai-codex/gpt-5-codex" and the bare
// model name.
func stripCodexModelPrefix(model string) string {
	model = strings.TrimSpace(model)
	for _, prefix := range []string{"openai-codex/", "openai_codex/"} {
		if strings.HasPrefix(model, prefix) {
			return strings.TrimPrefix(model, prefix)
		}
	}
	return model
}

func codexFriendlyError(err *HTTPError) string {
	switch err.Status {
	case http.StatusTooManyRequests:
		return "limite de requisições excedido"
	case http.StatusUnauthorized:
		return "OAuth inválido/expirado; rode `codex login` novamente"
	case http.StatusForbidden:
		return "a conta atual não tem acesso ao Codex"
	}
	return err.Error()
}

type codexEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Item  struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"item"`
}
