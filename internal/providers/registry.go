package providers

import (
	"fmt"
	"os"
	"strings"

	"github.com/nextlevelbuilder/clawlite/internal/config"
)

// providerSpec describes how to reach one provider family.
type providerSpec struct {
	apiBase      string
	envKey       string
	defaultModel string
}

// Model specs use the "provider/model" form; the prefix picks the backend.
var providerSpecs = map[string]providerSpec{
	"openai":     {apiBase: "https://api.openai.com/v1", envKey: "OPENAI_API_KEY", defaultModel: "gpt-4o-mini"},
	"openrouter": {apiBase: "https://openrouter.ai/api/v1", envKey: "OPENROUTER_API_KEY", defaultModel: "anthropic/claude-sonnet-4-5"},
	"groq":       {apiBase: "https://api.groq.com/openai/v1", envKey: "GROQ_API_KEY", defaultModel: "llama-3.3-70b-versatile"},
	"deepseek":   {apiBase: "https://api.deepseek.com/v1", envKey: "DEEPSEEK_API_KEY", defaultModel: "deepseek-chat"},
	"gemini":     {apiBase: "https://generativelanguage.googleapis.com/v1beta/openai", envKey: "GEMINI_API_KEY", defaultModel: "gemini-2.0-flash"},
	"zai":        {apiBase: "https://api.z.ai/api/paas/v4", envKey: "ZAI_API_KEY", defaultModel: "glm-4.6"},
}

// ParseModelSpec splits "provider/model". A bare model defaults to openai.
func ParseModelSpec(spec string) (provider, model string) {
	spec = strings.TrimSpace(spec)
	if idx := strings.Index(spec, "/"); idx > 0 {
		return strings.ToLower(spec[:idx]), spec[idx+1:]
	}
	return "openai", spec
}

// Registry resolves model specs to configured providers.
type Registry struct {
	cfg *config.Config
}

// NewRegistry binds the registry to the live config.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg}
}

// Resolve returns the provider and concrete model name for a spec like
// "anthropic/claude-sonnet-4-5" or "ollama/llama3.1:8b".
func (r *Registry) Resolve(spec string) (Provider, string, error) {
	name, model := ParseModelSpec(spec)

	switch name {
	case "ollama":
		if model == "" {
			model = r.cfg.Ollama.Model
		}
		return NewOllamaProvider(model), model, nil
	case "openai-codex":
		token, accountID := codexCredentials()
		if token == "" {
			if auth, ok := r.cfg.Auth.Providers[name]; ok {
				token = auth.Token
			}
		}
		if token == "" {
			return nil, "", fmt.Errorf("openai-codex: token ausente")
		}
		p := NewCodexProvider(token, accountID, model)
		if model == "" {
			model = p.DefaultModel()
		}
		return p, model, nil
	case "anthropic":
		key := r.apiKey(name, "ANTHROPIC_API_KEY")
		if key == "" {
			return nil, "", fmt.Errorf("anthropic: token ausente")
		}
		p := NewAnthropicProvider(key, model)
		if model == "" {
			model = p.DefaultModel()
		}
		return p, model, nil
	default:
		ps, ok := providerSpecs[name]
		if !ok {
			return nil, "", fmt.Errorf("unknown provider %q in model spec %q", name, spec)
		}
		key := r.apiKey(name, ps.envKey)
		if key == "" {
			return nil, "", fmt.Errorf("%s: token ausente", name)
		}
		if model == "" {
			model = ps.defaultModel
		}
		return NewOpenAIProvider(name, key, ps.apiBase, ps.defaultModel), model, nil
	}
}

// apiKey prefers the environment and falls back to stored auth config.
func (r *Registry) apiKey(provider, envKey string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if auth, ok := r.cfg.Auth.Providers[provider]; ok {
		return auth.Token
	}
	return ""
}
