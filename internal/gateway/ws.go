package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/channels"
)

const wsWriteTimeout = 10 * time.Second

// wsAuthorized checks the token on a WebSocket upgrade request. Viewer
// tokens are enough for read-only streams; chat needs the admin token.
func (s *Server) wsAuthorized(r *http.Request, needAdmin bool) bool {
	admin := s.authToken()
	if admin == "" {
		return true
	}
	presented := bearerToken(r)
	if presented == admin {
		return true
	}
	return !needAdmin && s.isViewer(presented)
}

func (s *Server) acceptWS(w http.ResponseWriter, r *http.Request, needAdmin bool) (*websocket.Conn, bool) {
	if !s.wsAuthorized(r, needAdmin) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Debug("ws accept failed", "error", err)
		return nil, false
	}
	return conn, true
}

func (s *Server) registerClient(id string) {
	s.mu.Lock()
	s.clients[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unregisterClient(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// handleEvents streams every broadcast event to the client.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, "")
}

// handleLogs streams only "log" events.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, "log")
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, filter string) {
	conn, ok := s.acceptWS(w, r, false)
	if !ok {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	id := uuid.NewString()
	s.registerClient(id)
	defer s.unregisterClient(id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan bus.Event, 64)
	s.events.Subscribe(id, func(ev bus.Event) {
		if filter != "" && ev.Name != filter {
			return
		}
		// Drop instead of blocking the broadcaster on a slow client.
		select {
		case events <- ev:
		default:
		}
	})
	defer s.events.Unsubscribe(id)

	// Drain the read side to notice the client going away.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			writeCtx, writeCancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

// chatRequest is one dashboard chat message.
type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content"`
}

// chatResponse carries the agent's reply or the failure.
type chatResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleChat runs an interactive agent conversation over WebSocket.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.acceptWS(w, r, true)
	if !ok {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if s.deps.Run == nil {
		_ = wsjson.Write(r.Context(), conn, chatResponse{Error: "agent not running"})
		return
	}

	id := uuid.NewString()
	s.registerClient(id)
	defer s.unregisterClient(id)

	defaultSession := channels.SessionID("ws", id)
	ctx := r.Context()
	for {
		var req chatRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		if req.Content == "" {
			continue
		}
		sid := req.SessionID
		if sid == "" {
			sid = defaultSession
		}

		reply, err := s.deps.Run(ctx, bus.InboundMessage{
			Channel:   "ws",
			SessionID: sid,
			SenderID:  "dashboard",
			ChatID:    id,
			Content:   req.Content,
			PeerKind:  channels.PeerDirect,
		})
		resp := chatResponse{SessionID: sid, Reply: reply}
		if err != nil {
			resp.Error = err.Error()
		}
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return
		}
	}
}
