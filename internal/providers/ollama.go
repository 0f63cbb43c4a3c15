package providers

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// OllamaProvider runs models through the local ollama CLI. It works with the
// network down, which is the whole point: it is the terminal link of the
// offline fallback chain. Tool calling is not supported.
type OllamaProvider struct {
	model string

	run func(ctx context.Context, model, prompt string) (string, error)
}

// NewOllamaProvider targets a local model like "llama3.1:8b".
func NewOllamaProvider(model string) *OllamaProvider {
	return &OllamaProvider{model: model, run: runOllama}
}

func (p *OllamaProvider) Name() string         { return "ollama" }
func (p *OllamaProvider) DefaultModel() string { return p.model }

func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := strings.TrimPrefix(req.Model, "ollama/")
	if model == "" {
		model = p.model
	}
	out, err := p.run(ctx, model, flattenPrompt(req.Messages))
	if err != nil {
		return nil, err
	}
	return &ChatResponse{Content: strings.TrimSpace(out), FinishReason: "stop"}, nil
}

func (p *OllamaProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		if resp.Content != "" {
			onChunk(StreamChunk{Content: resp.Content})
		}
		onChunk(StreamChunk{Done: true})
	}
	return resp, nil
}

// flattenPrompt folds the conversation into one prompt, since the CLI takes
// plain text rather than structured messages.
func flattenPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case "system":
			b.WriteString("[instructions]\n")
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		case "assistant":
			b.WriteString("Assistant: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		case "tool":
			// Local models get tool output as plain context.
			b.WriteString("[tool result]\n")
			b.WriteString(m.Content)
			b.WriteString("\n")
		default:
			b.WriteString("User: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	b.WriteString("Assistant:")
	return b.String()
}

func runOllama(ctx context.Context, model, prompt string) (string, error) {
	if _, err := exec.LookPath("ollama"); err != nil {
		return "", fmt.Errorf("ollama binary not found: %w", err)
	}
	cmd := exec.CommandContext(ctx, "ollama", "run", model)
	cmd.Stdin = strings.NewReader(prompt)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("ollama run %s: %s", model, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("ollama run %s: %w", model, err)
	}
	return string(out), nil
}
