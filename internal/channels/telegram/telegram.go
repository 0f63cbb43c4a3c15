// Package telegram connects ClawLite to the Telegram Bot API via long
// polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/channels"
	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/outbound"
)

// Telegram rejects messages above 4096 UTF-8 characters.
const messageLimit = 4096

// Adapter is one Telegram bot instance.
type Adapter struct {
	*channels.BaseAdapter
	bot *telego.Bot
	cfg config.ChannelConfig

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// Factory builds Telegram adapter instances for the channel manager.
func Factory(account string, acct config.AccountConfig, cfg config.ChannelConfig) (channels.Adapter, error) {
	token := acct.Token
	if token == "" {
		token = cfg.Token
	}
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("telegram", account, outbound.Options{
			Timeout: 15 * time.Second,
		}),
		bot: bot,
		cfg: cfg,
	}, nil
}

// Start begins long polling for updates. The polling goroutine exits when
// Stop cancels its context.
func (a *Adapter) Start(ctx context.Context, onMessage bus.InboundHandler) error {
	a.SetHandler(onMessage)

	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	a.SetRunning(true)
	slog.Info("telegram connected", "instance", a.InstanceKey(), "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					a.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the poll goroutine so Telegram
// releases the getUpdates lock before a reconnect.
func (a *Adapter) Stop(context.Context) error {
	a.SetRunning(false)
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	content := msg.Text
	if content == "" && msg.Caption != "" {
		content = msg.Caption
	}
	if len(msg.Photo) > 0 {
		content += "\n[image attached]"
	}
	if content == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	senderID := strconv.FormatInt(msg.From.ID, 10)
	peerKind := channels.PeerGroup
	if msg.Chat.Type == telego.ChatTypePrivate {
		peerKind = channels.PeerDirect
	}

	candidates := []string{senderID, chatID}
	if msg.From.Username != "" {
		candidates = append(candidates, msg.From.Username, "@"+msg.From.Username)
	}

	inbound := bus.InboundMessage{
		SessionID:  channels.SessionID(channels.PrefixTelegram, chatID),
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		PeerKind:   peerKind,
		Candidates: candidates,
		Metadata:   map[string]string{"message_id": strconv.Itoa(msg.MessageID)},
	}

	// Dispatch off the poll loop so one slow reply does not stall updates.
	go func() {
		reply, err := a.Dispatch(inbound)
		if err != nil {
			slog.Error("telegram dispatch failed", "chat_id", chatID, "error", err)
			return
		}
		if reply == "" {
			return
		}
		if res := a.Send(ctx, chatID, reply); !res.OK && res.Error != nil {
			slog.Warn("telegram reply failed", "chat_id", chatID, "code", res.Error.Code)
		}
	}()
}

// Send delivers text to a chat, chunking at the Telegram message limit.
func (a *Adapter) Send(ctx context.Context, target, text string) outbound.SendResult {
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return a.Delivery().Unavailable("telegram", target, text, "invalid chat id: "+target, "none")
	}
	chunks := channels.ChunkText(text, messageLimit)
	return a.Delivery().Deliver(ctx, "telegram", target, text, "none", func(opCtx context.Context) error {
		for _, chunk := range chunks {
			if _, err := a.bot.SendMessage(opCtx, tu.Message(tu.ID(id), chunk)); err != nil {
				return err
			}
		}
		return nil
	})
}
