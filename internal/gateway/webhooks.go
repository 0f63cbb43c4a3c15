package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/channels"
)

const (
	webhookBodyLimit     = 1 << 20
	webhookProcessBudget = 2 * time.Minute
)

// handleWhatsAppVerify answers the Meta Cloud API subscription handshake:
// echo hub.challenge when hub.verify_token matches the configured one.
func (s *Server) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	adapter, ok := s.webhookAdapter(w, "whatsapp")
	if !ok {
		return
	}
	verifier, ok := adapter.(interface{ VerifyToken() string })
	if !ok {
		writeError(w, http.StatusNotFound, "whatsapp adapter does not support verification")
		return
	}
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != verifier.VerifyToken() {
		writeError(w, http.StatusForbidden, "verification failed")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// handleWebhook accepts a platform push and hands the raw payload to the
// channel's webhook adapter. Processing may invoke the agent, so it runs
// off the request goroutine to keep the platform's delivery timeout happy.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	adapter, ok := s.webhookAdapter(w, channel)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty payload")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookProcessBudget)
		defer cancel()
		if err := adapter.ProcessWebhookPayload(ctx, body); err != nil {
			slog.Warn("webhook payload rejected", "channel", channel, "error", err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *Server) webhookAdapter(w http.ResponseWriter, channel string) (channels.WebhookAdapter, bool) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "channel manager not running")
		return nil, false
	}
	instance, ok := s.deps.Manager.Instance(channel)
	if !ok {
		writeError(w, http.StatusNotFound, "channel not running")
		return nil, false
	}
	adapter, ok := instance.(channels.WebhookAdapter)
	if !ok {
		writeError(w, http.StatusNotFound, "channel does not accept webhooks")
		return nil, false
	}
	return adapter, true
}
