// Package whatsapp connects ClawLite to the Meta Cloud API. Inbound
// messages arrive through the gateway webhook; outbound messages go to the
// Graph API.
package whatsapp

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

const defaultGraphBase = "https://graph.facebook.com/v19.0"

// Adapter is one WhatsApp Business number.
type Adapter struct {
	*channels.BaseAdapter
	token         string
	phoneNumberID string
	verifyToken   string
	graphBase     string
	client        *http.Client
}

// Factory builds WhatsApp adapter instances for the channel manager.
func Factory(account string, acct config.AccountConfig, cfg config.ChannelConfig) (channels.Adapter, error) {
	token := acct.Token
	if token == "" {
		token = cfg.Token
	}
	if token == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp requires token and phone_number_id")
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("whatsapp", account, outbound.Options{
			Timeout: 20 * time.Second,
		}),
		token:         token,
		phoneNumberID: cfg.PhoneNumberID,
		verifyToken:   cfg.VerifyToken,
		graphBase:     defaultGraphBase,
		client:        &http.Client{Timeout: 25 * time.Second},
	}, nil
}

// Start marks the instance as accepting webhook traffic. There is no socket
// to open; Meta pushes events to the gateway.
func (a *Adapter) Start(_ context.Context, onMessage bus.InboundHandler) error {
	a.SetHandler(onMessage)
	a.SetRunning(true)
	slog.Info("whatsapp webhook adapter ready", "instance", a.InstanceKey(), "phone_number_id", a.phoneNumberID)
	return nil
}

// Stop stops accepting webhook traffic.
func (a *Adapter) Stop(context.Context) error {
	a.SetRunning(false)
	return nil
}

// VerifyToken returns the webhook handshake token for the gateway's GET
// verification endpoint.
func (a *Adapter) VerifyToken() string { return a.verifyToken }

// webhookEnvelope mirrors the Meta Cloud API notification shape:
// entry[].changes[].value.messages[].
type webhookEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ProcessWebhookPayload normalizes a Cloud API notification and routes each
// text message through the inbound handler.
func (a *Adapter) ProcessWebhookPayload(ctx context.Context, payload []byte) error {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("parse whatsapp webhook: %w", err)
	}
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			name := ""
			if len(change.Value.Contacts) > 0 {
				name = change.Value.Contacts[0].Profile.Name
			}
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || strings.TrimSpace(msg.Text.Body) == "" {
					continue
				}
				inbound := bus.InboundMessage{
					SessionID:  channels.SessionID(channels.PrefixWhatsApp, msg.From),
					SenderID:   msg.From,
					ChatID:     msg.From,
					Content:    msg.Text.Body,
					PeerKind:   channels.PeerDirect,
					Candidates: []string{msg.From},
					Metadata:   map[string]string{"message_id": msg.ID, "user_name": name},
				}
				reply, err := a.Dispatch(inbound)
				if err != nil {
					slog.Error("whatsapp dispatch failed", "from", msg.From, "error", err)
					continue
				}
				if reply == "" {
					continue
				}
				if res := a.Send(ctx, msg.From, reply); !res.OK && res.Error != nil {
					slog.Warn("whatsapp reply failed", "to", msg.From, "code", res.Error.Code)
				}
			}
		}
	}
	return nil
}

// Send posts a text message to the Graph API.
func (a *Adapter) Send(ctx context.Context, target, text string) outbound.SendResult {
	return a.Delivery().Deliver(ctx, "whatsapp", target, text, "none", func(opCtx context.Context) error {
		body, _ := json.Marshal(map[string]any{
			"messaging_product": "whatsapp",
			"to":                target,
			"type":              "text",
			"text":              map[string]string{"body": text},
		})
		url := fmt.Sprintf("%s/%s/messages", a.graphBase, a.phoneNumberID)
		req, err := http.NewRequestWithContext(opCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+a.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			return fmt.Errorf("graph api %d: %s", resp.StatusCode, string(data))
		}
		return nil
	})
}
