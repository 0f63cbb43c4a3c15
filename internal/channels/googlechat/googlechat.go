// Package googlechat connects ClawLite to Google Chat. Inbound events
// arrive through the gateway webhook; outbound messages go to the space's
// incoming webhook URL.
package googlechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/channels"
	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/outbound"
)

// Adapter is one Google Chat integration. The configured token is the
// incoming webhook URL used for outbound sends.
type Adapter struct {
	*channels.BaseAdapter
	webhookURL string
	client     *http.Client
}

// Factory builds Google Chat adapter instances for the channel manager.
func Factory(account string, acct config.AccountConfig, cfg config.ChannelConfig) (channels.Adapter, error) {
	webhookURL := acct.Token
	if webhookURL == "" {
		webhookURL = cfg.Token
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("googlechat", account, outbound.Options{
			Timeout: 15 * time.Second,
		}),
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 20 * time.Second},
	}, nil
}

// Start marks the instance as accepting webhook traffic.
func (a *Adapter) Start(_ context.Context, onMessage bus.InboundHandler) error {
	a.SetHandler(onMessage)
	a.SetRunning(true)
	slog.Info("googlechat webhook adapter ready", "instance", a.InstanceKey())
	return nil
}

// Stop stops accepting webhook traffic.
func (a *Adapter) Stop(context.Context) error {
	a.SetRunning(false)
	return nil
}

// chatEvent mirrors the Google Chat event payload.
type chatEvent struct {
	Type    string `json:"type"`
	Message struct {
		Text   string `json:"text"`
		Sender struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
			Type        string `json:"type"`
		} `json:"sender"`
		Thread struct {
			Name string `json:"name"`
		} `json:"thread"`
	} `json:"message"`
	Space struct {
		Name string `json:"name"` // "spaces/AAA..."
		Type string `json:"type"` // "DM" or "ROOM"
	} `json:"space"`
}

// ProcessWebhookPayload normalizes a chat event and routes it through the
// inbound handler.
func (a *Adapter) ProcessWebhookPayload(ctx context.Context, payload []byte) error {
	var ev chatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("parse googlechat event: %w", err)
	}
	if ev.Type != "MESSAGE" || ev.Message.Sender.Type == "BOT" {
		return nil
	}
	text := strings.TrimSpace(ev.Message.Text)
	if text == "" {
		return nil
	}

	scope := "space"
	peerKind := channels.PeerGroup
	if ev.Space.Type == "DM" {
		scope = "dm"
		peerKind = channels.PeerDirect
	}

	inbound := bus.InboundMessage{
		SessionID:  channels.SessionID(channels.PrefixGoogleChat, scope, ev.Space.Name),
		SenderID:   ev.Message.Sender.Name,
		ChatID:     ev.Space.Name,
		ThreadID:   ev.Message.Thread.Name,
		Content:    text,
		PeerKind:   peerKind,
		Candidates: []string{ev.Message.Sender.Name, ev.Message.Sender.DisplayName},
		Metadata:   map[string]string{"display_name": ev.Message.Sender.DisplayName},
	}

	reply, err := a.Dispatch(inbound)
	if err != nil {
		return err
	}
	if reply == "" {
		return nil
	}
	if res := a.Send(ctx, ev.Space.Name, reply); !res.OK && res.Error != nil {
		slog.Warn("googlechat reply failed", "space", ev.Space.Name, "code", res.Error.Code)
	}
	return nil
}

// Send posts text to the configured incoming webhook.
func (a *Adapter) Send(ctx context.Context, target, text string) outbound.SendResult {
	if a.webhookURL == "" {
		return a.Delivery().Unavailable("googlechat", target, text, "webhook url not configured", "none")
	}
	return a.Delivery().Deliver(ctx, "googlechat", target, text, "none", func(opCtx context.Context) error {
		body, _ := json.Marshal(map[string]string{"text": text})
		req, err := http.NewRequestWithContext(opCtx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")

		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			return fmt.Errorf("chat webhook %d: %s", resp.StatusCode, string(data))
		}
		return nil
	})
}
