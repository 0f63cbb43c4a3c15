package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/config"
)

// Meta modes reported alongside a fallback-managed response.
const (
	ModeOnline          = "online"
	ModeOfflineFallback = "offline-fallback"
	ModeOllama          = "ollama"
	ModeError           = "error"
)

// Meta describes which path actually served a request.
type Meta struct {
	Mode      string `json:"mode"`
	Reason    string `json:"reason,omitempty"`
	ModelUsed string `json:"model_used,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Fallback routes chat calls through the configured model chain, degrading
// to the local ollama model when the network or every remote fails.
type Fallback struct {
	cfg      *config.Config
	registry *Registry

	probe   func(timeout time.Duration) bool
	resolve func(spec string) (Provider, string, error)
}

// NewFallback wires the chain against the live config.
func NewFallback(cfg *config.Config, registry *Registry) *Fallback {
	f := &Fallback{cfg: cfg, registry: registry, probe: probeConnectivity}
	f.resolve = registry.Resolve
	return f
}

// probeConnectivity checks for a usable network path with a cheap TCP dial
// to a public DNS resolver. DNS itself is deliberately not involved.
func probeConnectivity(timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", "1.1.1.1:53", timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (f *Fallback) connectivityTimeout() time.Duration {
	secs := f.cfg.OfflineMode.ConnectivityTimeoutSec
	if secs <= 0 {
		secs = 1.5
	}
	return time.Duration(secs * float64(time.Second))
}

// Chat runs the request against the primary model, then the fallback chain,
// then ollama, reporting in Meta which path answered.
func (f *Fallback) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, Meta) {
	return f.run(ctx, req, nil)
}

// ChatStream is Chat with streaming. Chunks only fire for the link that
// serves the request: failed links error out before streaming starts.
func (f *Fallback) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, Meta) {
	return f.run(ctx, req, onChunk)
}

func (f *Fallback) run(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, Meta) {
	primary := req.Model
	if primary == "" {
		primary = f.cfg.Model
	}

	// Explicit ollama models skip the remote path entirely.
	if strings.HasPrefix(primary, "ollama/") {
		resp, err := f.tryModel(ctx, primary, req, onChunk)
		if err != nil {
			return nil, Meta{Mode: ModeError, ModelUsed: primary, Provider: "ollama", Error: err.Error()}
		}
		return resp, Meta{Mode: ModeOllama, ModelUsed: primary, Provider: "ollama"}
	}

	online := true
	if f.cfg.OfflineMode.Enabled {
		online = f.probe(f.connectivityTimeout())
	}
	if !online {
		if f.cfg.OfflineMode.AutoFallbackToOllama {
			return f.ollamaFallback(ctx, req, onChunk, "connectivity")
		}
		return nil, Meta{Mode: ModeError, Reason: "connectivity", Error: "network unreachable and ollama fallback disabled"}
	}

	var lastErr error
	for _, spec := range f.chain(primary) {
		resp, err := f.tryModel(ctx, spec, req, onChunk)
		if err == nil {
			providerName, _ := ParseModelSpec(spec)
			return resp, Meta{Mode: ModeOnline, ModelUsed: spec, Provider: providerName}
		}
		lastErr = err
		slog.Warn("model failed, trying next", "model", spec, "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	if f.cfg.OfflineMode.AutoFallbackToOllama && ctx.Err() == nil {
		slog.Warn("all remote models failed", "error", errString(lastErr))
		return f.ollamaFallback(ctx, req, onChunk, "provider_failure")
	}
	return nil, Meta{Mode: ModeError, Reason: "provider_failure", Error: humanizeProviderError(lastErr)}
}

// chain is the primary model followed by the configured fallbacks, skipping
// the primary itself and any ollama entries (those are the offline path).
func (f *Fallback) chain(primary string) []string {
	chain := []string{primary}
	for _, spec := range f.cfg.ModelFallback {
		if spec == primary || strings.HasPrefix(spec, "ollama/") {
			continue
		}
		chain = append(chain, spec)
	}
	return chain
}

func (f *Fallback) tryModel(ctx context.Context, spec string, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	provider, model, err := f.resolve(spec)
	if err != nil {
		return nil, err
	}
	attempt := req
	attempt.Model = model
	if onChunk != nil {
		return provider.ChatStream(ctx, attempt, onChunk)
	}
	return provider.Chat(ctx, attempt)
}

func (f *Fallback) ollamaFallback(ctx context.Context, req ChatRequest, onChunk func(StreamChunk), reason string) (*ChatResponse, Meta) {
	spec := "ollama/" + f.cfg.Ollama.Model
	resp, err := f.tryModel(ctx, spec, req, onChunk)
	if err != nil {
		return nil, Meta{
			Mode:   ModeError,
			Reason: reason,
			Error:  fmt.Sprintf("remote failed (%s) and local fallback failed: %s", reason, err),
		}
	}
	slog.Info("served by offline fallback", "model", spec, "reason", reason)
	return resp, Meta{Mode: ModeOfflineFallback, Reason: reason, ModelUsed: spec, Provider: "ollama"}
}

// humanizeProviderError keeps the user-facing strings stable.
func humanizeProviderError(err error) string {
	if err == nil {
		return "unknown provider error"
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusTooManyRequests {
		return "limite de requisições excedido"
	}
	return err.Error()
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
