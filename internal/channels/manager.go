package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/outbound"
	"github.com/nextlevelbuilder/clawlite/internal/sessions"
	"github.com/nextlevelbuilder/clawlite/internal/trust"
)

// Factory builds an adapter instance for one credential set. account is ""
// for the primary instance (channel-level token).
type Factory func(account string, acct config.AccountConfig, cfg config.ChannelConfig) (Adapter, error)

// RunFunc routes an authorized inbound message to the agent and returns the
// reply text.
type RunFunc func(ctx context.Context, msg bus.InboundMessage) (string, error)

// BroadcastReport summarizes a proactive broadcast across channels.
type BroadcastReport struct {
	Delivered []string `json:"delivered"`
	Failed    []string `json:"failed"`
	Skipped   []string `json:"skipped"`
}

// Manager owns adapter instances: it starts them from config, installs the
// inbound pipeline (stop short-circuit, trust gate, session tracking, agent
// dispatch) and aggregates outbound metrics per channel.
type Manager struct {
	cfg     *config.Config
	pairing *trust.Pairing
	index   *sessions.Index
	run     RunFunc

	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Adapter

	inflightMu sync.Mutex
	inflight   map[string]*inflightTask // session id -> active agent run
}

type inflightTask struct {
	cancel context.CancelFunc
}

// NewManager wires the manager. pairing and index may be nil in tests.
func NewManager(cfg *config.Config, pairing *trust.Pairing, index *sessions.Index, run RunFunc) *Manager {
	return &Manager{
		cfg:       cfg,
		pairing:   pairing,
		index:     index,
		run:       run,
		factories: make(map[string]Factory),
		instances: make(map[string]Adapter),
		inflight:  make(map[string]*inflightTask),
	}
}

// RegisterFactory declares how to build adapters for a channel name.
func (m *Manager) RegisterFactory(channel string, f Factory) {
	m.mu.Lock()
	m.factories[channel] = f
	m.mu.Unlock()
}

// StartAll starts every enabled channel that has a registered factory.
// Individual channel failures are logged, not fatal.
func (m *Manager) StartAll(ctx context.Context) {
	names := make([]string, 0, len(m.cfg.Channels))
	for name, ch := range m.cfg.Channels {
		if ch.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := m.StartChannel(ctx, name); err != nil {
			slog.Error("channel start failed", "channel", name, "error", err)
		}
	}
}

// StartChannel builds and starts all instances of one channel: the primary
// credential plus one per configured account.
func (m *Manager) StartChannel(ctx context.Context, channel string) error {
	chCfg, ok := m.cfg.Channels[channel]
	if !ok || !chCfg.Enabled {
		return fmt.Errorf("channel %s is not enabled", channel)
	}
	m.mu.RLock()
	factory, ok := m.factories[channel]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no adapter registered for channel %s", channel)
	}

	credentials := []config.AccountConfig{{Token: chCfg.Token, ChatID: chCfg.ChatID}}
	credentials = append(credentials, chCfg.Accounts...)

	var firstErr error
	for _, cred := range credentials {
		adapter, err := factory(cred.Name, cred, chCfg)
		if err != nil {
			slog.Error("adapter build failed", "channel", channel, "account", cred.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		key := adapter.InstanceKey()
		m.mu.Lock()
		if existing, dup := m.instances[key]; dup {
			m.mu.Unlock()
			_ = existing // already running, skip double start
			slog.Warn("instance already running", "instance", key)
			continue
		}
		m.instances[key] = adapter
		m.mu.Unlock()

		if err := adapter.Start(ctx, m.buildMessageHandler(key, channel)); err != nil {
			slog.Error("adapter start failed", "instance", key, "error", err)
			m.mu.Lock()
			delete(m.instances, key)
			m.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		slog.Info("channel instance started", "instance", key)
	}
	return firstErr
}

// buildMessageHandler is the inbound pipeline for one instance: /stop
// short-circuit, trust gate, session index touch, then agent dispatch under
// a cancellable per-session context.
func (m *Manager) buildMessageHandler(instanceKey, channel string) bus.InboundHandler {
	return func(msg bus.InboundMessage) (string, error) {
		msg.Channel = channel
		msg.InstanceKey = instanceKey
		if strings.TrimSpace(msg.Content) == "" {
			return "", nil
		}

		if strings.TrimSpace(msg.Content) == "/stop" {
			if m.cancelInflight(msg.SessionID) {
				return "Stopped.", nil
			}
			return "Nothing to stop.", nil
		}

		decision := m.authorize(channel, msg)
		if !decision.Allowed {
			if decision.Reply != "" {
				slog.Info("sender not paired", "channel", channel, "sender", msg.SenderID)
			}
			return decision.Reply, nil
		}

		if m.index != nil {
			_ = m.index.Touch(msg.SessionID, sessions.Peer{
				Channel:  channel,
				ChatID:   msg.ChatID,
				ThreadID: msg.ThreadID,
				PeerKind: msg.PeerKind,
				LastSeen: time.Now(),
			})
		}

		runCtx, cancel := context.WithCancel(context.Background())
		task := m.trackInflight(msg.SessionID, cancel)
		defer m.clearInflight(msg.SessionID, task)

		reply, err := m.run(runCtx, msg)
		if runCtx.Err() == context.Canceled {
			// /stop won the race; the stop reply already went out.
			return "", nil
		}
		return reply, err
	}
}

// authorize applies the trust gate: any candidate identifier passing the
// allowlist admits the message; otherwise pairing (when enabled) issues a
// code and the prompt goes back as the reply.
func (m *Manager) authorize(channel string, msg bus.InboundMessage) trust.Decision {
	candidates := msg.Candidates
	if len(candidates) == 0 {
		candidates = []string{msg.SenderID}
	}
	allowFrom := m.cfg.Channels[channel].AllowFrom
	for _, cand := range candidates {
		if cand == "" {
			continue
		}
		if trust.SenderAllowed(allowFrom, cand) {
			if len(allowFrom) > 0 || !m.cfg.Security.Pairing.Enabled {
				return trust.Decision{Allowed: true}
			}
			break
		}
	}
	decision, err := trust.CheckSender(m.cfg, m.pairing, channel, msg.SenderID)
	if err != nil {
		slog.Error("trust check failed", "channel", channel, "sender", msg.SenderID, "error", err)
		return trust.Decision{Allowed: false}
	}
	return decision
}

func (m *Manager) trackInflight(sessionID string, cancel context.CancelFunc) *inflightTask {
	task := &inflightTask{cancel: cancel}
	m.inflightMu.Lock()
	if prev, ok := m.inflight[sessionID]; ok {
		prev.cancel() // one inflight task per session
	}
	m.inflight[sessionID] = task
	m.inflightMu.Unlock()
	return task
}

func (m *Manager) clearInflight(sessionID string, task *inflightTask) {
	m.inflightMu.Lock()
	if m.inflight[sessionID] == task {
		delete(m.inflight, sessionID)
	}
	m.inflightMu.Unlock()
	task.cancel()
}

func (m *Manager) cancelInflight(sessionID string) bool {
	m.inflightMu.Lock()
	task, ok := m.inflight[sessionID]
	if ok {
		delete(m.inflight, sessionID)
	}
	m.inflightMu.Unlock()
	if ok {
		task.cancel()
	}
	return ok
}

// cancelInstanceTasks cancels any inflight agent task whose session id
// carries the channel's session prefix.
func (m *Manager) cancelInstanceTasks(channel string) {
	prefix := SessionPrefix(channel) + "_"
	m.inflightMu.Lock()
	for sid, task := range m.inflight {
		if strings.HasPrefix(sid, prefix) {
			task.cancel()
			delete(m.inflight, sid)
		}
	}
	m.inflightMu.Unlock()
}

// StopInstance cancels the instance's inflight sessions and stops the
// adapter. Unknown keys error.
func (m *Manager) StopInstance(ctx context.Context, key string) error {
	m.mu.Lock()
	adapter, ok := m.instances[key]
	if ok {
		delete(m.instances, key)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("instance %s not found", key)
	}
	m.cancelInstanceTasks(adapter.Name())
	if err := adapter.Stop(ctx); err != nil {
		return fmt.Errorf("stop %s: %w", key, err)
	}
	slog.Info("channel instance stopped", "instance", key)
	return nil
}

// StopAll stops every instance in deterministic key order.
func (m *Manager) StopAll(ctx context.Context) {
	for _, key := range m.InstanceKeys() {
		if err := m.StopInstance(ctx, key); err != nil {
			slog.Error("stop instance failed", "instance", key, "error", err)
		}
	}
}

// Reconnect stops all instances of a channel and starts it again.
func (m *Manager) Reconnect(ctx context.Context, channel string) error {
	for _, key := range m.InstanceKeys() {
		if key == channel || strings.HasPrefix(key, channel+":") {
			if err := m.StopInstance(ctx, key); err != nil {
				slog.Warn("reconnect stop failed", "instance", key, "error", err)
			}
		}
	}
	return m.StartChannel(ctx, channel)
}

// Instance returns the adapter registered under an instance key.
func (m *Manager) Instance(key string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.instances[key]
	return a, ok
}

// InstanceKeys returns registered instance keys, sorted.
func (m *Manager) InstanceKeys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.instances))
	for key := range m.instances {
		keys = append(keys, key)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// channelInstances returns running instances of one channel, primary first.
func (m *Manager) channelInstances(channel string) []Adapter {
	var primary Adapter
	var extras []Adapter
	m.mu.RLock()
	for key, a := range m.instances {
		switch {
		case key == channel:
			primary = a
		case strings.HasPrefix(key, channel+":"):
			extras = append(extras, a)
		}
	}
	m.mu.RUnlock()
	sort.Slice(extras, func(i, j int) bool { return extras[i].InstanceKey() < extras[j].InstanceKey() })
	if primary != nil {
		return append([]Adapter{primary}, extras...)
	}
	return extras
}

// Send routes a message to the first running instance of a channel.
func (m *Manager) Send(ctx context.Context, channel, target, text string) outbound.SendResult {
	for _, adapter := range m.channelInstances(channel) {
		if adapter.Running() {
			return adapter.Send(ctx, target, text)
		}
	}
	r := outbound.New(channel, outbound.Options{})
	return r.Unavailable(channel, target, text, "no running instance", "none")
}

// Status describes all instances for the gateway surface.
func (m *Manager) Status() map[string]any {
	status := make(map[string]any)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, adapter := range m.instances {
		status[key] = map[string]any{
			"channel": adapter.Name(),
			"running": adapter.Running(),
			"health":  adapter.Health().Level,
		}
	}
	return status
}

// OutboundMetrics aggregates per-instance snapshots into one snapshot per
// channel; circuit state takes the worst case among instances.
func (m *Manager) OutboundMetrics() map[string]outbound.Snapshot {
	byChannel := make(map[string][]outbound.Snapshot)
	m.mu.RLock()
	for _, adapter := range m.instances {
		byChannel[adapter.Name()] = append(byChannel[adapter.Name()], adapter.Metrics())
	}
	m.mu.RUnlock()

	agg := make(map[string]outbound.Snapshot, len(byChannel))
	for channel, snaps := range byChannel {
		agg[channel] = outbound.Aggregate(channel, snaps)
	}
	return agg
}

// BroadcastProactive delivers a message to the most recent bound session of
// every running channel, falling back to the configured chat_id. Channels
// without a target are skipped.
func (m *Manager) BroadcastProactive(ctx context.Context, message, prefix string) BroadcastReport {
	if prefix != "" {
		message = prefix + message
	}
	var report BroadcastReport

	seen := make(map[string]bool)
	m.mu.RLock()
	channelNames := make([]string, 0, len(m.instances))
	for _, adapter := range m.instances {
		if !seen[adapter.Name()] {
			seen[adapter.Name()] = true
			channelNames = append(channelNames, adapter.Name())
		}
	}
	m.mu.RUnlock()
	sort.Strings(channelNames)

	for _, channel := range channelNames {
		target := ""
		if m.index != nil {
			if peers := m.index.ByChannel(channel); len(peers) > 0 {
				target = peers[0].ChatID
			}
		}
		if target == "" {
			target = m.cfg.Channels[channel].ChatID
		}
		if target == "" {
			report.Skipped = append(report.Skipped, channel)
			continue
		}
		if res := m.Send(ctx, channel, target, message); res.OK {
			report.Delivered = append(report.Delivered, channel)
		} else {
			report.Failed = append(report.Failed, channel)
		}
	}
	return report
}
