// Package discord connects ClawLite to Discord over the gateway websocket.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/channels"
	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/outbound"
)

// Discord caps messages at 2000 characters.
const messageLimit = 2000

// Adapter is one Discord bot instance.
type Adapter struct {
	*channels.BaseAdapter
	session *discordgo.Session
	cfg     config.ChannelConfig
	removeHandler func()
}

// Factory builds Discord adapter instances for the channel manager.
func Factory(account string, acct config.AccountConfig, cfg config.ChannelConfig) (channels.Adapter, error) {
	token := acct.Token
	if token == "" {
		token = cfg.Token
	}
	if token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("discord", account, outbound.Options{
			Timeout: 15 * time.Second,
		}),
		session: session,
		cfg:     cfg,
	}, nil
}

// Start opens the gateway connection and registers the message handler.
func (a *Adapter) Start(_ context.Context, onMessage bus.InboundHandler) error {
	a.SetHandler(onMessage)
	a.removeHandler = a.session.AddHandler(a.handleMessage)
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	a.SetRunning(true)
	slog.Info("discord connected", "instance", a.InstanceKey())
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(context.Context) error {
	a.SetRunning(false)
	if a.removeHandler != nil {
		a.removeHandler()
	}
	if err := a.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (a *Adapter) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	// Guild scoping: when configured, ignore traffic from other guilds.
	if a.cfg.GuildID != "" && m.GuildID != "" && m.GuildID != a.cfg.GuildID {
		return
	}

	peerKind := channels.PeerGroup
	if m.GuildID == "" {
		peerKind = channels.PeerDirect
	}

	candidates := []string{m.Author.ID, m.Author.Username}
	if m.Author.GlobalName != "" {
		candidates = append(candidates, m.Author.GlobalName)
	}

	inbound := bus.InboundMessage{
		SessionID:  channels.SessionID(channels.PrefixDiscord, m.ChannelID),
		SenderID:   m.Author.ID,
		ChatID:     m.ChannelID,
		Content:    m.Content,
		PeerKind:   peerKind,
		Candidates: candidates,
		Metadata:   map[string]string{"message_id": m.ID, "guild_id": m.GuildID},
	}

	go func() {
		reply, err := a.Dispatch(inbound)
		if err != nil {
			slog.Error("discord dispatch failed", "channel_id", m.ChannelID, "error", err)
			return
		}
		if reply == "" {
			return
		}
		if res := a.Send(context.Background(), m.ChannelID, reply); !res.OK && res.Error != nil {
			slog.Warn("discord reply failed", "channel_id", m.ChannelID, "code", res.Error.Code)
		}
	}()
}

// Send delivers text to a Discord channel, chunking at the message limit.
func (a *Adapter) Send(ctx context.Context, target, text string) outbound.SendResult {
	chunks := channels.ChunkText(text, messageLimit)
	return a.Delivery().Deliver(ctx, "discord", target, text, "none", func(context.Context) error {
		for _, chunk := range chunks {
			if _, err := a.session.ChannelMessageSend(target, chunk); err != nil {
				return err
			}
		}
		return nil
	})
}
