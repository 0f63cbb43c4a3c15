package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Default()
	want.applyEnvOverrides()
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("missing file should yield defaults\n got: %+v\nwant: %+v", cfg, want)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.Model = "anthropic/claude-sonnet-4-5"
	cfg.Gateway.Port = 9900
	cfg.Channels = map[string]ChannelConfig{
		"telegram": {
			Enabled:   true,
			Token:     "123:abc",
			AllowFrom: FlexibleStringSlice{"42", "alice"},
		},
	}
	cfg.Security.Pairing.Enabled = true

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(loaded, cfg) {
		t.Fatalf("round trip mismatch\n got: %+v\nwant: %+v", loaded, cfg)
	}

	// Saving what was loaded and loading again must be a fixed point.
	if err := Save(path, loaded); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("re-load: %v", err)
	}
	if !reflect.DeepEqual(again, loaded) {
		t.Fatalf("save/load is not idempotent\n got: %+v\nwant: %+v", again, loaded)
	}
}

func TestPartialFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		// comments are allowed
		"model": "openai/gpt-4o",
		"gateway": {"port": 9000},
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model != "openai/gpt-4o" {
		t.Fatalf("model = %q", cfg.Model)
	}
	if cfg.Gateway.Port != 9000 {
		t.Fatalf("gateway.port = %d", cfg.Gateway.Port)
	}
	// untouched fields keep defaults
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Fatalf("gateway.host = %q, want default", cfg.Gateway.Host)
	}
	if cfg.Agent.MaxToolIterations != 40 {
		t.Fatalf("agent.max_tool_iterations = %d, want default 40", cfg.Agent.MaxToolIterations)
	}
}

func TestFlexibleStringSliceAcceptsNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"channels": {"telegram": {"enabled": true, "allowFrom": [123456, "bob"]}}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := cfg.Channels["telegram"].AllowFrom
	want := FlexibleStringSlice{"123456", "bob"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("allowFrom = %v, want %v", got, want)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAWLITE_GATEWAY_TOKEN", "env-token")
	t.Setenv("CLAWLITE_ATTEMPT_TIMEOUT_S", "120")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Token != "env-token" {
		t.Fatalf("gateway token = %q", cfg.Gateway.Token)
	}
	if cfg.Agent.AttemptTimeoutS != 120 {
		t.Fatalf("attempt timeout = %d", cfg.Agent.AttemptTimeoutS)
	}
}

func TestHomeRespectsEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLAWLITE_HOME", dir)
	if Home() != dir {
		t.Fatalf("Home() = %q, want %q", Home(), dir)
	}
	if got := Path(); got != filepath.Join(dir, "config.json") {
		t.Fatalf("Path() = %q", got)
	}
}

func TestBatteryModeThrottle(t *testing.T) {
	cases := []struct {
		name string
		cfg  BatteryModeConfig
		base float64
		want float64
	}{
		{"disabled", BatteryModeConfig{Enabled: false, ThrottleSeconds: 10}, 2, 2},
		{"enabled slower", BatteryModeConfig{Enabled: true, ThrottleSeconds: 10}, 2, 10},
		{"enabled already slow", BatteryModeConfig{Enabled: true, ThrottleSeconds: 3}, 5, 5},
		{"zero base", BatteryModeConfig{Enabled: false}, 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.EffectivePollSeconds(tc.base); got != tc.want {
				t.Fatalf("EffectivePollSeconds(%v) = %v, want %v", tc.base, got, tc.want)
			}
		})
	}
}
