package channels

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/outbound"
	"github.com/nextlevelbuilder/clawlite/internal/sessions"
	"github.com/nextlevelbuilder/clawlite/internal/trust"
)

type fakeAdapter struct {
	*BaseAdapter
	mu   sync.Mutex
	sent []string
	fail bool
}

func newFakeAdapter(name, account string) *fakeAdapter {
	// One attempt and no backoff keep the failure tests fast.
	return &fakeAdapter{BaseAdapter: NewBaseAdapter(name, account, outbound.Options{
		MaxAttempts: 1,
		BaseBackoff: -1,
	})}
}

func (f *fakeAdapter) Start(_ context.Context, h bus.InboundHandler) error {
	f.SetHandler(h)
	f.SetRunning(true)
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.SetRunning(false)
	return nil
}

func (f *fakeAdapter) Send(ctx context.Context, target, text string) outbound.SendResult {
	return f.Delivery().Deliver(ctx, f.Name(), target, text, "none", func(context.Context) error {
		if f.fail {
			return errors.New("transport down")
		}
		f.mu.Lock()
		f.sent = append(f.sent, target+"|"+text)
		f.mu.Unlock()
		return nil
	})
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Channels = map[string]config.ChannelConfig{
		"fake": {
			Enabled:  true,
			Token:    "primary-token",
			Accounts: []config.AccountConfig{{Name: "work", Token: "work-token"}},
		},
	}
	return cfg
}

func testManager(t *testing.T, cfg *config.Config, run RunFunc) (*Manager, map[string]*fakeAdapter) {
	t.Helper()
	idx, err := sessions.NewIndex(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatal(err)
	}
	pairing, err := trust.NewPairing(filepath.Join(t.TempDir(), "pairing.json"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if run == nil {
		run = func(_ context.Context, msg bus.InboundMessage) (string, error) {
			return "echo: " + msg.Content, nil
		}
	}
	m := NewManager(cfg, pairing, idx, run)
	built := make(map[string]*fakeAdapter)
	m.RegisterFactory("fake", func(account string, _ config.AccountConfig, _ config.ChannelConfig) (Adapter, error) {
		a := newFakeAdapter("fake", account)
		built[a.InstanceKey()] = a
		return a, nil
	})
	return m, built
}

func TestStartChannelCreatesInstances(t *testing.T) {
	m, built := testManager(t, testConfig(), nil)
	if err := m.StartChannel(context.Background(), "fake"); err != nil {
		t.Fatal(err)
	}

	keys := m.InstanceKeys()
	if len(keys) != 2 || keys[0] != "fake" || keys[1] != "fake:work" {
		t.Fatalf("instance keys = %v", keys)
	}
	for key, a := range built {
		if !a.Running() {
			t.Errorf("instance %s not running", key)
		}
	}

	if err := m.StopInstance(context.Background(), "fake:work"); err != nil {
		t.Fatal(err)
	}
	if built["fake:work"].Running() {
		t.Error("stopped instance still running")
	}
	if _, ok := m.Instance("fake:work"); ok {
		t.Error("stopped instance still registered")
	}

	m.StopAll(context.Background())
	if len(m.InstanceKeys()) != 0 {
		t.Errorf("instances after StopAll = %v", m.InstanceKeys())
	}
}

func TestInboundPipelineRoutesToAgent(t *testing.T) {
	var gotSession string
	run := func(_ context.Context, msg bus.InboundMessage) (string, error) {
		gotSession = msg.SessionID
		return "reply", nil
	}
	m, built := testManager(t, testConfig(), run)
	if err := m.StartChannel(context.Background(), "fake"); err != nil {
		t.Fatal(err)
	}

	reply, err := built["fake"].Dispatch(bus.InboundMessage{
		SessionID: "fake_dm_42",
		SenderID:  "42",
		ChatID:    "42",
		Content:   "hello",
	})
	if err != nil || reply != "reply" {
		t.Fatalf("reply = %q, %v", reply, err)
	}
	if gotSession != "fake_dm_42" {
		t.Errorf("session = %q", gotSession)
	}

	// The session index now routes proactive sends back to this chat.
	peers := m.index.ByChannel("fake")
	if len(peers) != 1 || peers[0].ChatID != "42" {
		t.Errorf("peers = %+v", peers)
	}
}

func TestPairingGateIssuesCode(t *testing.T) {
	cfg := testConfig()
	cfg.Security.Pairing.Enabled = true
	m, built := testManager(t, cfg, func(context.Context, bus.InboundMessage) (string, error) {
		t.Fatal("agent must not run for unpaired sender")
		return "", nil
	})
	if err := m.StartChannel(context.Background(), "fake"); err != nil {
		t.Fatal(err)
	}

	reply, err := built["fake"].Dispatch(bus.InboundMessage{
		SessionID: "fake_dm_stranger",
		SenderID:  "stranger",
		Content:   "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	codeRe := regexp.MustCompile(`[A-Z0-9]{6}`)
	if !codeRe.MatchString(reply) {
		t.Errorf("pairing reply without code: %q", reply)
	}
}

func TestAllowlistWithoutPairingDeniesSilently(t *testing.T) {
	cfg := testConfig()
	ch := cfg.Channels["fake"]
	ch.AllowFrom = []string{"alice"}
	cfg.Channels["fake"] = ch

	m, built := testManager(t, cfg, nil)
	if err := m.StartChannel(context.Background(), "fake"); err != nil {
		t.Fatal(err)
	}

	reply, err := built["fake"].Dispatch(bus.InboundMessage{
		SessionID: "fake_dm_bob",
		SenderID:  "bob",
		Content:   "hi",
	})
	if err != nil || reply != "" {
		t.Errorf("denied sender got reply %q, %v", reply, err)
	}

	// A candidate identifier matching the allowlist admits the message.
	reply, err = built["fake"].Dispatch(bus.InboundMessage{
		SessionID:  "fake_dm_123",
		SenderID:   "123",
		Candidates: []string{"123", "alice"},
		Content:    "hi",
	})
	if err != nil || !strings.HasPrefix(reply, "echo:") {
		t.Errorf("allowed candidate got reply %q, %v", reply, err)
	}
}

func TestStopCancelsInflightRun(t *testing.T) {
	started := make(chan struct{})
	run := func(ctx context.Context, msg bus.InboundMessage) (string, error) {
		close(started)
		<-ctx.Done()
		return "should be suppressed", nil
	}
	m, built := testManager(t, testConfig(), run)
	if err := m.StartChannel(context.Background(), "fake"); err != nil {
		t.Fatal(err)
	}

	type result struct {
		reply string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := built["fake"].Dispatch(bus.InboundMessage{
			SessionID: "fake_dm_1", SenderID: "1", Content: "long task",
		})
		done <- result{reply, err}
	}()
	<-started

	stopReply, err := built["fake"].Dispatch(bus.InboundMessage{
		SessionID: "fake_dm_1", SenderID: "1", Content: "/stop",
	})
	if err != nil || stopReply != "Stopped." {
		t.Fatalf("stop reply = %q, %v", stopReply, err)
	}

	select {
	case res := <-done:
		if res.reply != "" || res.err != nil {
			t.Errorf("cancelled run replied %q, %v", res.reply, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled run never returned")
	}

	if reply, _ := built["fake"].Dispatch(bus.InboundMessage{
		SessionID: "fake_dm_1", SenderID: "1", Content: "/stop",
	}); reply != "Nothing to stop." {
		t.Errorf("idle stop reply = %q", reply)
	}
}

func TestBroadcastProactive(t *testing.T) {
	cfg := testConfig()
	cfg.Channels["other"] = config.ChannelConfig{Enabled: true}
	m, built := testManager(t, cfg, nil)
	m.RegisterFactory("other", func(account string, _ config.AccountConfig, _ config.ChannelConfig) (Adapter, error) {
		return newFakeAdapter("other", account), nil
	})
	m.StartAll(context.Background())

	// Bind a session on "fake" only; "other" has no target at all.
	if err := m.index.Touch("fake_dm_7", sessions.Peer{Channel: "fake", ChatID: "7"}); err != nil {
		t.Fatal(err)
	}

	report := m.BroadcastProactive(context.Background(), "ping", "[heartbeat] ")
	if len(report.Delivered) != 1 || report.Delivered[0] != "fake" {
		t.Errorf("delivered = %v", report.Delivered)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != "other" {
		t.Errorf("skipped = %v", report.Skipped)
	}
	if built["fake"].sentCount() != 1 || built["fake"].sent[0] != "7|[heartbeat] ping" {
		t.Errorf("sent = %v", built["fake"].sent)
	}
}

func TestOutboundMetricsAggregateWorstCircuit(t *testing.T) {
	m, built := testManager(t, testConfig(), nil)
	if err := m.StartChannel(context.Background(), "fake"); err != nil {
		t.Fatal(err)
	}

	// Drive the secondary instance into an open circuit.
	broken := built["fake:work"]
	broken.fail = true
	for i := 0; i < 6; i++ {
		broken.Send(context.Background(), "t", "payload-"+string(rune('a'+i)))
	}
	if ok := built["fake"].Send(context.Background(), "t", "fine").OK; !ok {
		t.Fatal("healthy instance send failed")
	}

	agg := m.OutboundMetrics()["fake"]
	if agg.CircuitState != outbound.CircuitOpen {
		t.Errorf("aggregated circuit = %q", agg.CircuitState)
	}
	if agg.SentOK != 1 || agg.SendFailCount == 0 {
		t.Errorf("aggregated metrics = %+v", agg)
	}
}

func TestSessionIDHelpers(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{SessionID(PrefixTelegram, "12345"), "tg_12345"},
		{SessionID(PrefixIRC, "dm", "Alice!u@host"), "irc_dm_alice-u-host"},
		{SessionID(PrefixGoogleChat, "dm", "spaces/AAA"), "gc_dm_spaces-aaa"},
		{SessionID(PrefixSignal, "group", "+55 11 9999"), "signal_group_55-11-9999"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("session id = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestChunkText(t *testing.T) {
	text := strings.Repeat("line one\n", 100)
	chunks := ChunkText(text, 80)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > 80 {
			t.Errorf("chunk exceeds limit: %d bytes", len(c))
		}
	}
	if got := ChunkText("short", 80); len(got) != 1 || got[0] != "short" {
		t.Errorf("short chunk = %v", got)
	}
}
