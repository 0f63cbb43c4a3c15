// Package signalcli connects ClawLite to Signal through the signal-cli
// binary: a supervised receive process for inbound, one-shot sends for
// outbound.
package signalcli

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

// Adapter is one Signal account driven through signal-cli.
type Adapter struct {
	*channels.BaseAdapter
	cliPath string
	account string
	cancel  context.CancelFunc

	// test hook
	runCmd func(ctx context.Context, argv ...string) (string, error)
}

// Factory builds Signal adapter instances for the channel manager.
func Factory(account string, _ config.AccountConfig, cfg config.ChannelConfig) (channels.Adapter, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("signal account number is required")
	}
	cliPath := cfg.CLIPath
	if cliPath == "" {
		cliPath = "signal-cli"
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("signal", account, outbound.Options{
			Timeout: 22 * time.Second,
		}),
		cliPath: cliPath,
		account: cfg.Account,
		runCmd:  channels.RunCommand,
	}, nil
}

// envelope mirrors signal-cli's JSON receive output.
type envelope struct {
	Envelope struct {
		Source      string `json:"source"`
		SourceName  string `json:"sourceName"`
		DataMessage struct {
			Message   string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// Start launches the supervised receive process.
func (a *Adapter) Start(ctx context.Context, onMessage bus.InboundHandler) error {
	a.SetHandler(onMessage)
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	bridge := &channels.LineBridge{
		Name:   "signal",
		Argv:   []string{a.cliPath, "-a", a.account, "-o", "json", "receive", "--timeout", "-1"},
		OnLine: a.handleLine,
	}
	go bridge.Run(runCtx)

	a.SetRunning(true)
	slog.Info("signal bridge started", "instance", a.InstanceKey(), "account", a.account)
	return nil
}

// Stop terminates the receive process.
func (a *Adapter) Stop(context.Context) error {
	a.SetRunning(false)
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *Adapter) handleLine(line string) {
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		slog.Debug("signal line skipped", "error", err)
		return
	}
	text := strings.TrimSpace(env.Envelope.DataMessage.Message)
	sender := env.Envelope.Source
	if text == "" || sender == "" {
		return
	}

	scope := "dm"
	peerKind := channels.PeerDirect
	chatID := sender
	if gi := env.Envelope.DataMessage.GroupInfo; gi != nil && gi.GroupID != "" {
		scope = "group"
		peerKind = channels.PeerGroup
		chatID = gi.GroupID
	}

	inbound := bus.InboundMessage{
		SessionID:  channels.SessionID(channels.PrefixSignal, scope, chatID),
		SenderID:   sender,
		ChatID:     chatID,
		Content:    text,
		PeerKind:   peerKind,
		Candidates: []string{sender, env.Envelope.SourceName},
	}

	go func() {
		reply, err := a.Dispatch(inbound)
		if err != nil {
			slog.Error("signal dispatch failed", "chat", chatID, "error", err)
			return
		}
		if reply == "" {
			return
		}
		if res := a.Send(context.Background(), chatID, reply); !res.OK && res.Error != nil {
			slog.Warn("signal reply failed", "chat", chatID, "code", res.Error.Code)
		}
	}()
}

// ProcessWebhookPayload accepts one receive envelope pushed by an external
// signal-cli daemon instead of the supervised process.
func (a *Adapter) ProcessWebhookPayload(_ context.Context, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("parse signal webhook payload: %w", err)
	}
	if env.Envelope.Source == "" {
		return fmt.Errorf("signal webhook payload missing envelope.source")
	}
	a.handleLine(string(payload))
	return nil
}

// Send delivers text with a one-shot signal-cli invocation. Group ids are
// routed with -g, phone numbers as direct recipients.
func (a *Adapter) Send(ctx context.Context, target, text string) outbound.SendResult {
	return a.Delivery().Deliver(ctx, "signal-cli", target, text, "none", func(opCtx context.Context) error {
		argv := []string{a.cliPath, "-a", a.account, "send", "-m", text}
		if strings.HasPrefix(target, "+") {
			argv = append(argv, target)
		} else {
			argv = append(argv, "-g", target)
		}
		out, err := a.runCmd(opCtx, argv...)
		if err != nil {
			return fmt.Errorf("signal-cli send: %w: %s", err, channels.Truncate(out, 200))
		}
		return nil
	})
}
