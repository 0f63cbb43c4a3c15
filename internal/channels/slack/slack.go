// Package slack connects ClawLite to Slack using Socket Mode: a websocket
// for inbound events and the Web API for outbound messages.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/channels"
	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/outbound"
)

const (
	defaultAPIBase = "https://slack.com/api"
	messageLimit   = 4000
)

// Adapter is one Slack workspace connection.
type Adapter struct {
	*channels.BaseAdapter
	botToken string
	appToken string
	apiBase  string
	client   *http.Client

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// Factory builds Slack adapter instances for the channel manager.
func Factory(account string, acct config.AccountConfig, cfg config.ChannelConfig) (channels.Adapter, error) {
	botToken := acct.Token
	if botToken == "" {
		botToken = cfg.Token
	}
	if botToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack requires both token and app_token")
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("slack", account, outbound.Options{
			Timeout: 15 * time.Second,
		}),
		botToken: botToken,
		appToken: cfg.AppToken,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: 20 * time.Second},
	}, nil
}

// socketEnvelope is the Socket Mode wire frame.
type socketEnvelope struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type eventPayload struct {
	Event struct {
		Type        string `json:"type"`
		SubType     string `json:"subtype"`
		User        string `json:"user"`
		BotID       string `json:"bot_id"`
		Text        string `json:"text"`
		Channel     string `json:"channel"`
		ChannelType string `json:"channel_type"`
		ThreadTS    string `json:"thread_ts"`
		TS          string `json:"ts"`
	} `json:"event"`
}

// Start opens the Socket Mode connection and begins the read loop with
// automatic reconnection.
func (a *Adapter) Start(ctx context.Context, onMessage bus.InboundHandler) error {
	a.SetHandler(onMessage)
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.connect(runCtx); err != nil {
		// The read loop keeps retrying; a cold start without Slack up is
		// not fatal.
		slog.Warn("initial slack connection failed, will retry", "error", err)
	}
	go a.readLoop(runCtx)

	a.SetRunning(true)
	return nil
}

// Stop closes the websocket and stops the read loop.
func (a *Adapter) Stop(context.Context) error {
	a.SetRunning(false)
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()
	return nil
}

// connect asks the Web API for a Socket Mode URL and dials it.
func (a *Adapter) connect(ctx context.Context) error {
	wsURL, err := a.openConnection(ctx)
	if err != nil {
		return err
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial slack socket: %w", err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	slog.Info("slack socket connected", "instance", a.InstanceKey())
	return nil
}

func (a *Adapter) openConnection(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/apps.connections.open", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+a.appToken)
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("apps.connections.open: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		OK    bool   `json:"ok"`
		URL   string `json:"url"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode connections.open: %w", err)
	}
	if !out.OK {
		return "", fmt.Errorf("apps.connections.open: %s", out.Error)
	}
	return out.URL, nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()

		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := a.connect(ctx); err != nil {
				slog.Warn("slack reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("slack read error, will reconnect", "error", err)
			a.mu.Lock()
			if a.conn != nil {
				_ = a.conn.Close()
				a.conn = nil
			}
			a.mu.Unlock()
			continue
		}
		a.handleFrame(data)
	}
}

func (a *Adapter) handleFrame(data []byte) {
	var env socketEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("invalid slack frame", "error", err)
		return
	}
	if env.EnvelopeID != "" {
		a.ack(env.EnvelopeID)
	}
	if env.Type != "events_api" {
		return
	}
	var payload eventPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	ev := payload.Event
	// Skip bot echoes and message edits/joins.
	if ev.Type != "message" || ev.BotID != "" || ev.SubType != "" || ev.User == "" || ev.Text == "" {
		return
	}

	peerKind := channels.PeerGroup
	if ev.ChannelType == "im" {
		peerKind = channels.PeerDirect
	}
	inbound := bus.InboundMessage{
		SessionID:  channels.SessionID(channels.PrefixSlack, ev.Channel),
		SenderID:   ev.User,
		ChatID:     ev.Channel,
		ThreadID:   ev.ThreadTS,
		Content:    ev.Text,
		PeerKind:   peerKind,
		Candidates: []string{ev.User},
		Metadata:   map[string]string{"ts": ev.TS},
	}

	go func() {
		reply, err := a.Dispatch(inbound)
		if err != nil {
			slog.Error("slack dispatch failed", "channel", ev.Channel, "error", err)
			return
		}
		if reply == "" {
			return
		}
		if res := a.Send(context.Background(), ev.Channel, reply); !res.OK && res.Error != nil {
			slog.Warn("slack reply failed", "channel", ev.Channel, "code", res.Error.Code)
		}
	}()
}

func (a *Adapter) ack(envelopeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return
	}
	frame, _ := json.Marshal(map[string]string{"envelope_id": envelopeID})
	if err := a.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		slog.Warn("slack ack failed", "error", err)
	}
}

// Send posts text via chat.postMessage, chunking at the message limit.
func (a *Adapter) Send(ctx context.Context, target, text string) outbound.SendResult {
	chunks := channels.ChunkText(text, messageLimit)
	return a.Delivery().Deliver(ctx, "slack", target, text, "none", func(opCtx context.Context) error {
		for _, chunk := range chunks {
			if err := a.postMessage(opCtx, target, chunk); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Adapter) postMessage(ctx context.Context, channel, text string) error {
	body, _ := json.Marshal(map[string]string{"channel": channel, "text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.botToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat.postMessage: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("decode chat.postMessage: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("chat.postMessage: %s", out.Error)
	}
	return nil
}
