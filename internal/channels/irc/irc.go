// Package irc connects ClawLite to an IRC server over a plain TCP
// connection speaking the classic line protocol.
package irc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/channels"
	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/outbound"
)

// IRC lines are capped at 512 bytes including command and CRLF; 400 leaves
// room for the PRIVMSG envelope.
const lineLimit = 400

// Adapter is one IRC server connection.
type Adapter struct {
	*channels.BaseAdapter
	server string
	nick   string
	join   []string

	mu     sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc

	// test hook
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Factory builds IRC adapter instances for the channel manager.
func Factory(account string, _ config.AccountConfig, cfg config.ChannelConfig) (channels.Adapter, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("irc server is required")
	}
	nick := cfg.Nick
	if nick == "" {
		nick = "clawlite"
	}
	a := &Adapter{
		BaseAdapter: channels.NewBaseAdapter("irc", account, outbound.Options{
			Timeout: 8 * time.Second,
		}),
		server: cfg.Server,
		nick:   nick,
		join:   cfg.ChannelsJoin,
	}
	a.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: 10 * time.Second}
		return d.DialContext(ctx, "tcp", addr)
	}
	return a, nil
}

// Start connects, registers and begins the read loop with reconnection.
func (a *Adapter) Start(ctx context.Context, onMessage bus.InboundHandler) error {
	a.SetHandler(onMessage)
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.connect(runCtx); err != nil {
		slog.Warn("initial irc connection failed, will retry", "server", a.server, "error", err)
	}
	go a.readLoop(runCtx)

	a.SetRunning(true)
	return nil
}

// Stop quits and closes the connection.
func (a *Adapter) Stop(context.Context) error {
	a.SetRunning(false)
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	if a.conn != nil {
		fmt.Fprintf(a.conn, "QUIT :bye\r\n")
		_ = a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) connect(ctx context.Context) error {
	conn, err := a.dial(ctx, a.server)
	if err != nil {
		return fmt.Errorf("dial irc %s: %w", a.server, err)
	}
	fmt.Fprintf(conn, "NICK %s\r\n", a.nick)
	fmt.Fprintf(conn, "USER %s 0 * :ClawLite\r\n", a.nick)
	for _, ch := range a.join {
		if !strings.HasPrefix(ch, "#") {
			ch = "#" + ch
		}
		fmt.Fprintf(conn, "JOIN %s\r\n", ch)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	slog.Info("irc connected", "server", a.server, "nick", a.nick)
	return nil
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
				slog.Warn("irc reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			a.handleLine(strings.TrimRight(scanner.Text(), "\r"))
		}
		if ctx.Err() != nil {
			return
		}
		slog.Warn("irc connection lost, will reconnect", "error", scanner.Err())
		a.mu.Lock()
		if a.conn != nil {
			_ = a.conn.Close()
			a.conn = nil
		}
		a.mu.Unlock()
	}
}

// handleLine parses one server line: PING keepalives and PRIVMSG traffic.
func (a *Adapter) handleLine(line string) {
	if strings.HasPrefix(line, "PING") {
		a.write("PONG" + strings.TrimPrefix(line, "PING") + "\r\n")
		return
	}
	sender, target, text, ok := parsePrivmsg(line)
	if !ok || sender == a.nick {
		return
	}

	// Messages to our nick are DMs; replies go back to the sender.
	peerKind := channels.PeerGroup
	scope := "group"
	chatID := target
	if strings.EqualFold(target, a.nick) {
		peerKind = channels.PeerDirect
		scope = "dm"
		chatID = sender
	}

	inbound := bus.InboundMessage{
		SessionID:  channels.SessionID(channels.PrefixIRC, scope, chatID),
		SenderID:   sender,
		ChatID:     chatID,
		Content:    text,
		PeerKind:   peerKind,
		Candidates: []string{sender},
	}

	go func() {
		reply, err := a.Dispatch(inbound)
		if err != nil {
			slog.Error("irc dispatch failed", "target", chatID, "error", err)
			return
		}
		if reply == "" {
			return
		}
		if res := a.Send(context.Background(), chatID, reply); !res.OK && res.Error != nil {
			slog.Warn("irc reply failed", "target", chatID, "code", res.Error.Code)
		}
	}()
}

// ProcessWebhookPayload accepts a message relayed by an external bouncer
// as JSON and runs it through the normal inbound path.
func (a *Adapter) ProcessWebhookPayload(_ context.Context, payload []byte) error {
	var ev struct {
		Sender string `json:"sender"`
		Target string `json:"target"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("parse irc webhook payload: %w", err)
	}
	if ev.Sender == "" || ev.Text == "" {
		return fmt.Errorf("irc webhook payload missing sender or text")
	}
	target := ev.Target
	if target == "" {
		target = a.nick
	}
	a.handleLine(fmt.Sprintf(":%s!relay@webhook PRIVMSG %s :%s", ev.Sender, target, ev.Text))
	return nil
}

// parsePrivmsg splits ":nick!user@host PRIVMSG <target> :<text>".
func parsePrivmsg(line string) (sender, target, text string, ok bool) {
	if !strings.HasPrefix(line, ":") {
		return "", "", "", false
	}
	rest := line[1:]
	bangOrSpace := strings.IndexAny(rest, "! ")
	if bangOrSpace < 0 {
		return "", "", "", false
	}
	sender = rest[:bangOrSpace]

	idx := strings.Index(rest, " PRIVMSG ")
	if idx < 0 {
		return "", "", "", false
	}
	rest = rest[idx+len(" PRIVMSG "):]
	colon := strings.Index(rest, " :")
	if colon < 0 {
		return "", "", "", false
	}
	target = rest[:colon]
	text = rest[colon+2:]
	if target == "" || text == "" {
		return "", "", "", false
	}
	return sender, target, text, true
}

func (a *Adapter) write(raw string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return
	}
	if _, err := a.conn.Write([]byte(raw)); err != nil {
		slog.Warn("irc write failed", "error", err)
	}
}

// Send delivers text as PRIVMSG lines, one per chunk.
func (a *Adapter) Send(ctx context.Context, target, text string) outbound.SendResult {
	return a.Delivery().Deliver(ctx, "irc", target, text, "none", func(context.Context) error {
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("irc not connected")
		}
		for _, line := range strings.Split(text, "\n") {
			for _, chunk := range channels.ChunkText(line, lineLimit) {
				if chunk == "" {
					continue
				}
				if _, err := fmt.Fprintf(conn, "PRIVMSG %s :%s\r\n", target, chunk); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
