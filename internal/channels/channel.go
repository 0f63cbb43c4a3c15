// Package channels defines the adapter contract shared by every messaging
// transport and the lifecycle manager that owns running instances. Adapters
// normalize platform traffic into bus.InboundMessage and deliver replies
// through the outbound resilience engine.
package channels

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/outbound"
)

// Session id prefixes, one per transport.
const (
	PrefixTelegram   = "tg"
	PrefixSlack      = "sl"
	PrefixDiscord    = "dc"
	PrefixWhatsApp   = "wa"
	PrefixGoogleChat = "gc"
	PrefixIRC        = "irc"
	PrefixSignal     = "signal"
	PrefixIMessage   = "imessage"
)

// Peer kinds carried on inbound messages.
const (
	PeerDirect = "direct"
	PeerGroup  = "group"
)

// Adapter is the contract every transport implements. Start must return
// quickly; long-running work (polling, sockets) happens on goroutines owned
// by the adapter and shut down by Stop.
type Adapter interface {
	Name() string
	InstanceKey() string
	Start(ctx context.Context, onMessage bus.InboundHandler) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, target, text string) outbound.SendResult
	Running() bool
	Metrics() outbound.Snapshot
	Health() outbound.HealthReport
}

// WebhookAdapter is implemented by transports driven by HTTP webhooks. The
// gateway routes vendor payloads here; the adapter normalizes them and calls
// the inbound handler installed at Start.
type WebhookAdapter interface {
	Adapter
	ProcessWebhookPayload(ctx context.Context, payload []byte) error
}

// BaseAdapter carries the state every adapter needs: identity, the inbound
// handler, the running flag and the per-instance delivery engine. Concrete
// adapters embed it.
type BaseAdapter struct {
	name string
	key  string

	delivery *outbound.Resilience
	running  atomic.Bool

	mu      sync.RWMutex
	handler bus.InboundHandler
}

// NewBaseAdapter builds the shared adapter state. An empty account yields the
// primary instance key (the channel name); extras are keyed "channel:account".
func NewBaseAdapter(name, account string, opts outbound.Options) *BaseAdapter {
	key := name
	if account != "" {
		key = name + ":" + account
	}
	return &BaseAdapter{
		name:     name,
		key:      key,
		delivery: outbound.New(name, opts),
	}
}

func (b *BaseAdapter) Name() string        { return b.name }
func (b *BaseAdapter) InstanceKey() string { return b.key }
func (b *BaseAdapter) Running() bool       { return b.running.Load() }

// SetRunning flips the instance running flag. Only running instances accept
// sends.
func (b *BaseAdapter) SetRunning(running bool) { b.running.Store(running) }

// SetHandler installs the inbound handler. Called by Start before any
// traffic flows.
func (b *BaseAdapter) SetHandler(h bus.InboundHandler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Dispatch forwards a normalized message to the installed handler and
// returns the reply text. A nil handler drops the message.
func (b *BaseAdapter) Dispatch(msg bus.InboundMessage) (string, error) {
	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h == nil {
		return "", nil
	}
	return h(msg)
}

// Delivery exposes the resilience engine so adapters route sends through it.
func (b *BaseAdapter) Delivery() *outbound.Resilience { return b.delivery }

func (b *BaseAdapter) Metrics() outbound.Snapshot   { return b.delivery.Snapshot() }
func (b *BaseAdapter) Health() outbound.HealthReport { return outbound.EvaluateHealth(b.delivery.Snapshot()) }

// sessionPrefixes maps channel names to their session id prefix.
var sessionPrefixes = map[string]string{
	"telegram":   PrefixTelegram,
	"slack":      PrefixSlack,
	"discord":    PrefixDiscord,
	"whatsapp":   PrefixWhatsApp,
	"googlechat": PrefixGoogleChat,
	"irc":        PrefixIRC,
	"signal":     PrefixSignal,
	"imessage":   PrefixIMessage,
}

// SessionPrefix returns the session id prefix for a channel name, falling
// back to the name itself.
func SessionPrefix(channel string) string {
	if p, ok := sessionPrefixes[channel]; ok {
		return p
	}
	return channel
}

// SafeSlug normalizes an external identifier for use inside a session id:
// lowercase, alphanumerics kept, everything else collapsed to '-'.
func SafeSlug(s string) string {
	var sb strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && sb.Len() > 0 {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}

// SessionID joins a channel prefix with scope parts, slugging each part.
// Example: SessionID("irc", "dm", "Alice!u@host") -> "irc_dm_alice-u-host".
func SessionID(prefix string, parts ...string) string {
	elems := make([]string, 0, len(parts)+1)
	elems = append(elems, prefix)
	for _, p := range parts {
		if slug := SafeSlug(p); slug != "" {
			elems = append(elems, slug)
		}
	}
	return strings.Join(elems, "_")
}

// ChunkText splits text into pieces of at most max bytes, preferring to cut
// at a line break and falling back to a space. Transports with hard message
// size limits call this before sending.
func ChunkText(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}
	var chunks []string
	for len(text) > max {
		cut := max
		if idx := strings.LastIndexByte(text[:max], '\n'); idx > max/2 {
			cut = idx
		} else if idx := strings.LastIndexByte(text[:max], ' '); idx > max/2 {
			cut = idx
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], " \n"))
		text = strings.TrimLeft(text[cut:], " \n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// Truncate shortens a string for log previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
