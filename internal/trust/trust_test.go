package trust

import (
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawlite/internal/config"
)

var codeRe = regexp.MustCompile(`^[A-Z2-9]{6}$`)

func newTestPairing(t *testing.T) (*Pairing, *time.Time) {
	t.Helper()
	p, err := NewPairing(filepath.Join(t.TempDir(), "pairing.json"), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }
	return p, &clock
}

func TestPairingRequestReusesPendingCode(t *testing.T) {
	p, _ := newTestPairing(t)

	first, err := p.Request("telegram", "99887")
	if err != nil {
		t.Fatal(err)
	}
	if !codeRe.MatchString(first.Code) {
		t.Fatalf("code %q not 6 uppercase alphanumerics", first.Code)
	}

	second, err := p.Request("telegram", "99887")
	if err != nil {
		t.Fatal(err)
	}
	if second.Code != first.Code {
		t.Fatalf("repeat request minted new code %q, want %q", second.Code, first.Code)
	}

	other, _ := p.Request("telegram", "11111")
	if other.Code == first.Code {
		t.Fatal("different sender must get a different code")
	}
	if len(p.Pending()) != 2 {
		t.Fatalf("pending = %d, want 2", len(p.Pending()))
	}
}

func TestPairingApproveCaseInsensitive(t *testing.T) {
	p, _ := newTestPairing(t)
	req, _ := p.Request("discord", "user#1")

	got, err := p.Approve("  " + lower(req.Code) + " ")
	if err != nil {
		t.Fatal(err)
	}
	if got.SenderID != "user#1" {
		t.Fatalf("approved sender = %q", got.SenderID)
	}
	if _, err := p.Approve(req.Code); err == nil {
		t.Fatal("second approve of same code should fail")
	}
}

func lower(s string) string {
	b := []byte(s)
	for i := range b {
		if 'A' <= b[i] && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

func TestPairingExpiry(t *testing.T) {
	p, clock := newTestPairing(t)
	req, _ := p.Request("telegram", "5")

	*clock = clock.Add(25 * time.Hour)
	if got := p.Pending(); len(got) != 0 {
		t.Fatalf("pending after TTL = %+v", got)
	}
	if _, err := p.Approve(req.Code); err == nil {
		t.Fatal("expired code should not approve")
	}
}

func TestPairingPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")
	p1, err := NewPairing(path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := p1.Request("slack", "U1")

	p2, err := NewPairing(path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p2.Approve(req.Code); err != nil {
		t.Fatalf("reloaded state should hold the code: %v", err)
	}
}

func TestSenderAllowed(t *testing.T) {
	cases := []struct {
		name      string
		allowFrom []string
		sender    string
		want      bool
	}{
		{"empty list allows", nil, "anyone", true},
		{"listed", []string{"42", "alice"}, "alice", true},
		{"case-insensitive", []string{"Alice"}, "alice", true},
		{"wildcard", []string{"*"}, "whoever", true},
		{"unlisted", []string{"42"}, "43", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SenderAllowed(tc.allowFrom, tc.sender); got != tc.want {
				t.Fatalf("SenderAllowed(%v, %q) = %v", tc.allowFrom, tc.sender, got)
			}
		})
	}
}

func TestCheckSenderPairingFlow(t *testing.T) {
	p, _ := newTestPairing(t)
	cfg := config.Default()
	cfg.Security.Pairing.Enabled = true
	cfg.Channels = map[string]config.ChannelConfig{"telegram": {Enabled: true}}

	// Unknown sender with pairing on: denied, code issued.
	dec, err := CheckSender(cfg, p, "telegram", "777")
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed || dec.PairingCode == "" || dec.Reply == "" {
		t.Fatalf("decision = %+v, want denial with code", dec)
	}

	// Approval mirrors the sender into allowFrom and persists the config.
	configPath := filepath.Join(t.TempDir(), "config.json")
	if _, err := ApproveSender(cfg, configPath, p, dec.PairingCode); err != nil {
		t.Fatal(err)
	}
	dec, err = CheckSender(cfg, p, "telegram", "777")
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatalf("approved sender still denied: %+v", dec)
	}

	reloaded, err := config.Load(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !SenderAllowed(reloaded.Channels["telegram"].AllowFrom, "777") {
		t.Fatal("allowlist not persisted")
	}

	// Other senders remain gated.
	dec, _ = CheckSender(cfg, p, "telegram", "888")
	if dec.Allowed {
		t.Fatal("unapproved sender allowed after someone else paired")
	}
}

func TestCheckSenderPairingDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = map[string]config.ChannelConfig{
		"telegram": {AllowFrom: config.FlexibleStringSlice{"42"}},
		"slack":    {},
	}

	dec, _ := CheckSender(cfg, nil, "telegram", "43")
	if dec.Allowed || dec.PairingCode != "" {
		t.Fatalf("unlisted sender with pairing off: %+v, want silent denial", dec)
	}
	dec, _ = CheckSender(cfg, nil, "slack", "anyone")
	if !dec.Allowed {
		t.Fatal("empty allowlist with pairing off should admit")
	}
}

func TestResolveToolPolicy(t *testing.T) {
	policies := map[string]string{"shell": "allow", "web_fetch": "deny"}

	cases := []struct {
		tool, want string
	}{
		{"shell", PolicyAllow},       // explicit override beats dangerous default
		{"web_fetch", PolicyDeny},    // explicit override beats safe default
		{"write_file", PolicyReview}, // dangerous default
		{"read_file", PolicyAllow},   // safe default
		{"mystery_tool", PolicyReview},
	}
	for _, tc := range cases {
		if got := ResolveToolPolicy(policies, tc.tool); got != tc.want {
			t.Errorf("ResolveToolPolicy(%q) = %q, want %q", tc.tool, got, tc.want)
		}
	}
}

func TestAuditRing(t *testing.T) {
	var a Audit
	for i := 0; i < auditCap+50; i++ {
		a.Record(AuditEntry{Tool: "shell", Verdict: PolicyAllow})
	}
	all := a.Recent(0)
	if len(all) != auditCap {
		t.Fatalf("audit len = %d, want cap %d", len(all), auditCap)
	}

	a.Record(AuditEntry{Tool: "browser", Verdict: PolicyReview})
	recent := a.Recent(1)
	if len(recent) != 1 || recent[0].Tool != "browser" {
		t.Fatalf("recent = %+v, want newest first", recent)
	}
}
