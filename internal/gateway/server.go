// Package gateway exposes the HTTP and WebSocket surface: dashboard
// REST endpoints under /api, inbound webhooks for the push channels,
// and event/chat/log streams over WebSocket.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/channels"
	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/cron"
	"github.com/nextlevelbuilder/clawlite/internal/notify"
	"github.com/nextlevelbuilder/clawlite/internal/queue"
	"github.com/nextlevelbuilder/clawlite/internal/sessions"
	"github.com/nextlevelbuilder/clawlite/internal/skills"
	"github.com/nextlevelbuilder/clawlite/internal/subagent"
	"github.com/nextlevelbuilder/clawlite/internal/trust"
)

// Deps collects the runtime components the gateway serves. Nil fields
// disable the corresponding endpoints with 503.
type Deps struct {
	Manager     *channels.Manager
	Run         channels.RunFunc // chat entry for /ws/chat
	Sessions    *sessions.Store
	Index       *sessions.Index
	Cron        *cron.Store
	Queue       *queue.Manager
	Notify      *notify.Store
	Pairing     *trust.Pairing
	Audit       *trust.Audit
	Marketplace *skills.Marketplace
	Library     *skills.Library
	Subagents   *subagent.Pool
	Version     string
}

// Server is the gateway HTTP server.
type Server struct {
	cfg     *config.Config
	cfgPath string
	deps    Deps
	events  bus.EventPublisher
	started time.Time

	mu      sync.RWMutex
	clients map[string]struct{}

	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer creates a gateway server. configPath is needed so pairing
// approvals can persist the updated allowlist.
func NewServer(cfg *config.Config, configPath string, events bus.EventPublisher, deps Deps) *Server {
	return &Server{
		cfg:     cfg,
		cfgPath: configPath,
		deps:    deps,
		events:  events,
		started: time.Now(),
		clients: make(map[string]struct{}),
	}
}

// authToken resolves the bearer token. The environment wins over config
// so tokens can be rotated without editing config.json.
func (s *Server) authToken() string {
	if t := os.Getenv("CLAWLITE_GATEWAY_TOKEN"); t != "" {
		return t
	}
	return s.cfg.Gateway.Token
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// WebSocket clients cannot set headers from browsers.
	return r.URL.Query().Get("token")
}

// isViewer reports whether the presented token is a read-only RBAC token.
func (s *Server) isViewer(token string) bool {
	for _, vt := range s.cfg.Security.RBAC.ViewerTokens {
		if vt != "" && token == vt {
			return true
		}
	}
	return false
}

// auth guards an /api handler. Admin token grants everything; viewer
// tokens grant GET only. An empty configured token leaves the API open
// (local single-user install).
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		admin := s.authToken()
		if admin != "" {
			presented := bearerToken(r)
			switch {
			case presented == admin:
			case s.isViewer(presented):
				if r.Method != http.MethodGet {
					writeJSON(w, http.StatusForbidden, map[string]string{"error": "viewer token is read-only"})
					return
				}
			default:
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

// cors applies the wildcard CORS policy used by the local dashboard.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BuildMux creates and caches the route table. Call before Start when
// the mux is needed for an additional listener (the tsnet one).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/status", s.auth(s.handleStatus))
	mux.HandleFunc("GET /api/metrics", s.auth(s.handleMetrics))
	mux.HandleFunc("GET /api/channels/status", s.auth(s.handleChannelsStatus))
	mux.HandleFunc("GET /api/models/catalog", s.auth(s.handleModelCatalog))

	mux.HandleFunc("GET /api/cron", s.auth(s.handleCronList))
	mux.HandleFunc("POST /api/cron", s.auth(s.handleCronAdd))
	mux.HandleFunc("DELETE /api/cron/{id}", s.auth(s.handleCronRemove))
	mux.HandleFunc("POST /api/cron/{id}/enabled", s.auth(s.handleCronSetEnabled))

	mux.HandleFunc("GET /api/sessions", s.auth(s.handleSessionsList))
	mux.HandleFunc("GET /api/sessions/{id}", s.auth(s.handleSessionHistory))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.auth(s.handleSessionDelete))

	mux.HandleFunc("GET /api/pairing/pending", s.auth(s.handlePairingPending))
	mux.HandleFunc("POST /api/pairing/approve", s.auth(s.handlePairingApprove))
	mux.HandleFunc("POST /api/pairing/reject", s.auth(s.handlePairingReject))

	mux.HandleFunc("GET /api/security/audit", s.auth(s.handleAudit))

	mux.HandleFunc("GET /api/skills", s.auth(s.handleSkillsList))
	mux.HandleFunc("POST /api/skills/install", s.auth(s.handleSkillInstall))

	mux.HandleFunc("GET /api/agents", s.auth(s.handleAgentsList))
	mux.HandleFunc("POST /api/agents", s.auth(s.handleAgentCreate))
	mux.HandleFunc("GET /api/agents/{id}/tasks", s.auth(s.handleAgentTasks))
	mux.HandleFunc("POST /api/agents/{id}/tasks", s.auth(s.handleAgentEnqueue))
	mux.HandleFunc("POST /api/agents/{id}/start", s.auth(s.handleAgentStart))
	mux.HandleFunc("POST /api/agents/{id}/stop", s.auth(s.handleAgentStop))

	mux.HandleFunc("GET /api/notifications", s.auth(s.handleNotificationsList))
	mux.HandleFunc("POST /api/notifications/read", s.auth(s.handleNotificationsRead))

	// Webhooks carry the remote platform's own verification, not ours.
	mux.HandleFunc("GET /api/webhooks/whatsapp", s.handleWhatsAppVerify)
	mux.HandleFunc("POST /api/webhooks/{channel}", s.handleWebhook)

	mux.HandleFunc("GET /ws", s.handleEvents)
	mux.HandleFunc("GET /ws/chat", s.handleChat)
	mux.HandleFunc("GET /ws/logs", s.handleLogs)

	s.mux = mux
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           cors(s.BuildMux()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.authToken() == "" {
		slog.Warn("gateway API token not set; /api is open")
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutCtx); err != nil {
			slog.Error("gateway shutdown", "error", err)
		}
	}()

	slog.Info("gateway listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
