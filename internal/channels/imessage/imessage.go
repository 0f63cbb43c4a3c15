// Package imessage connects ClawLite to iMessage through an external
// bridge binary (macOS only): a supervised watch process for inbound, a
// send subcommand for outbound.
package imessage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/channels"
	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/outbound"
)

// Adapter drives an iMessage bridge binary.
type Adapter struct {
	*channels.BaseAdapter
	cliPath string
	cancel  context.CancelFunc

	// test hook
	runCmd func(ctx context.Context, argv ...string) (string, error)
}

// Factory builds iMessage adapter instances for the channel manager.
func Factory(account string, _ config.AccountConfig, cfg config.ChannelConfig) (channels.Adapter, error) {
	if cfg.CLIPath == "" {
		return nil, fmt.Errorf("imessage cli_path is required")
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("imessage", account, outbound.Options{
			Timeout: 15 * time.Second,
		}),
		cliPath: cfg.CLIPath,
		runCmd:  channels.RunCommand,
	}, nil
}

// bridgeEvent is one line of the bridge's watch output.
type bridgeEvent struct {
	Sender  string `json:"sender"`
	ChatID  string `json:"chat_id"`
	Text    string `json:"text"`
	IsGroup bool   `json:"is_group"`
	FromMe  bool   `json:"from_me"`
}

// Start launches the supervised watch process.
func (a *Adapter) Start(ctx context.Context, onMessage bus.InboundHandler) error {
	a.SetHandler(onMessage)
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	bridge := &channels.LineBridge{
		Name:   "imessage",
		Argv:   []string{a.cliPath, "watch", "--json"},
		OnLine: a.handleLine,
	}
	go bridge.Run(runCtx)

	a.SetRunning(true)
	slog.Info("imessage bridge started", "instance", a.InstanceKey())
	return nil
}

// Stop terminates the watch process.
func (a *Adapter) Stop(context.Context) error {
	a.SetRunning(false)
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *Adapter) handleLine(line string) {
	var ev bridgeEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		slog.Debug("imessage line skipped", "error", err)
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" || ev.Sender == "" || ev.FromMe {
		return
	}

	scope := "dm"
	peerKind := channels.PeerDirect
	chatID := ev.ChatID
	if chatID == "" {
		chatID = ev.Sender
	}
	if ev.IsGroup {
		scope = "group"
		peerKind = channels.PeerGroup
	}

	inbound := bus.InboundMessage{
		SessionID:  channels.SessionID(channels.PrefixIMessage, scope, chatID),
		SenderID:   ev.Sender,
		ChatID:     chatID,
		Content:    text,
		PeerKind:   peerKind,
		Candidates: []string{ev.Sender},
	}

	go func() {
		reply, err := a.Dispatch(inbound)
		if err != nil {
			slog.Error("imessage dispatch failed", "chat", chatID, "error", err)
			return
		}
		if reply == "" {
			return
		}
		if res := a.Send(context.Background(), chatID, reply); !res.OK && res.Error != nil {
			slog.Warn("imessage reply failed", "chat", chatID, "code", res.Error.Code)
		}
	}()
}

// ProcessWebhookPayload accepts one bridge event pushed over HTTP instead
// of the supervised watch process.
func (a *Adapter) ProcessWebhookPayload(_ context.Context, payload []byte) error {
	var ev bridgeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("parse imessage webhook payload: %w", err)
	}
	if ev.Sender == "" {
		return fmt.Errorf("imessage webhook payload missing sender")
	}
	a.handleLine(string(payload))
	return nil
}

// Send delivers text with a one-shot bridge invocation.
func (a *Adapter) Send(ctx context.Context, target, text string) outbound.SendResult {
	return a.Delivery().Deliver(ctx, "imessage-bridge", target, text, "none", func(opCtx context.Context) error {
		out, err := a.runCmd(opCtx, a.cliPath, "send", "--to", target, "--text", text)
		if err != nil {
			return fmt.Errorf("imessage send: %w: %s", err, channels.Truncate(out, 200))
		}
		return nil
	})
}
