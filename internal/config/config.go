// Package config resolves the ClawLite configuration: JSON5 on disk,
// deep-merged with defaults on read, atomically written on save.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration.
type Config struct {
	Model         string                   `json:"model"`
	ModelFallback FlexibleStringSlice      `json:"model_fallback,omitempty"`
	OfflineMode   OfflineModeConfig        `json:"offline_mode"`
	Ollama        OllamaConfig             `json:"ollama"`
	BatteryMode   BatteryModeConfig        `json:"battery_mode"`
	Notifications NotificationsConfig      `json:"notifications"`
	Gateway       GatewayConfig            `json:"gateway"`
	Update        UpdateConfig             `json:"update"`
	Channels      map[string]ChannelConfig `json:"channels,omitempty"`
	Security      SecurityConfig           `json:"security"`
	Skills        []string                 `json:"skills,omitempty"`
	WebTools      WebToolsConfig           `json:"web_tools"`
	Agent         AgentConfig              `json:"agent"`
	Memory        MemoryConfig             `json:"memory"`
	Telemetry     TelemetryConfig          `json:"telemetry,omitempty"`
	Tailscale     TailscaleConfig          `json:"tailscale,omitempty"`
	Auth          AuthConfig               `json:"auth,omitempty"`
	MCPServers    map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	Enabled    *bool             `json:"enabled,omitempty"` // nil means enabled
	Transport  string            `json:"transport"`         // stdio | sse | streamable-http
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// OfflineModeConfig controls the provider offline fallback chain.
type OfflineModeConfig struct {
	Enabled               bool    `json:"enabled"`
	AutoFallbackToOllama  bool    `json:"auto_fallback_to_ollama"`
	ConnectivityTimeoutSec float64 `json:"connectivity_timeout_sec"`
}

// OllamaConfig names the local model used when remotes are unreachable.
type OllamaConfig struct {
	Model string `json:"model"`
}

// BatteryModeConfig throttles poll loops when running on battery.
type BatteryModeConfig struct {
	Enabled         bool    `json:"enabled"`
	ThrottleSeconds float64 `json:"throttle_seconds"`
}

// EffectivePollSeconds applies the battery throttle to a base poll interval.
func (b BatteryModeConfig) EffectivePollSeconds(base float64) float64 {
	if base <= 0 {
		base = 1
	}
	if !b.Enabled {
		return base
	}
	if b.ThrottleSeconds > base {
		return b.ThrottleSeconds
	}
	return base
}

// NotificationsConfig tunes the notification store.
type NotificationsConfig struct {
	Enabled             bool `json:"enabled"`
	DedupeWindowSeconds int  `json:"dedupe_window_seconds"`
}

// GatewayConfig configures the HTTP/WebSocket surface and the autonomy loops.
type GatewayConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	Token               string `json:"token,omitempty"` // env CLAWLITE_GATEWAY_TOKEN wins
	HeartbeatIntervalS  int    `json:"heartbeat_interval_s"`
	CronPollIntervalS   float64 `json:"cron_poll_interval_s"`
}

// UpdateConfig selects the self-update channel.
type UpdateConfig struct {
	Channel      string `json:"channel"` // "stable", "beta", "dev"
	CheckOnStart bool   `json:"check_on_start"`
}

// ChannelConfig is the per-channel block under channels.<name>.
type ChannelConfig struct {
	Enabled       bool                `json:"enabled"`
	Token         string              `json:"token,omitempty"`
	ChatID        string              `json:"chat_id,omitempty"`
	Accounts      []AccountConfig     `json:"accounts,omitempty"`
	AllowFrom     FlexibleStringSlice `json:"allowFrom,omitempty"`
	AllowChannels FlexibleStringSlice `json:"allowChannels,omitempty"`

	// transport-specific knobs
	AppToken  string `json:"app_token,omitempty"`  // slack socket mode
	Server    string `json:"server,omitempty"`     // irc host:port
	Nick      string `json:"nick,omitempty"`       // irc
	ChannelsJoin FlexibleStringSlice `json:"channels,omitempty"` // irc channels to join
	Account   string `json:"account,omitempty"`    // signal-cli account number
	CLIPath   string `json:"cli_path,omitempty"`   // signal-cli / imessage bridge binary
	PhoneNumberID string `json:"phone_number_id,omitempty"` // whatsapp cloud api
	VerifyToken   string `json:"verify_token,omitempty"`    // whatsapp webhook handshake
	GuildID   string `json:"guild_id,omitempty"`   // discord
	Streaming bool   `json:"streaming,omitempty"`  // telegram draft streaming
}

// AccountConfig is an extra account for the same channel (instance "channel:name").
type AccountConfig struct {
	Name   string `json:"name"`
	Token  string `json:"token,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
}

// SecurityConfig gates tools and unknown senders.
type SecurityConfig struct {
	AllowShellExec     bool              `json:"allow_shell_exec"`
	RedactTokensInLogs bool              `json:"redact_tokens_in_logs"`
	Pairing            PairingConfig     `json:"pairing"`
	RBAC               RBACConfig        `json:"rbac"`
	ToolPolicies       map[string]string `json:"tool_policies,omitempty"` // tool name -> allow|review|deny
}

// PairingConfig controls the first-contact handshake.
type PairingConfig struct {
	Enabled        bool `json:"enabled"`
	CodeTTLSeconds int  `json:"code_ttl_seconds"`
}

// RBACConfig lists read-only dashboard tokens.
type RBACConfig struct {
	ViewerTokens FlexibleStringSlice `json:"viewer_tokens,omitempty"`
}

// WebToolsConfig enables the web fetch/search tools.
type WebToolsConfig struct {
	Enabled     bool   `json:"enabled"`
	SearchEngine string `json:"search_engine,omitempty"` // "ddg" (default) or "brave"
	BraveAPIKey string `json:"brave_api_key,omitempty"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	MaxToolIterations int     `json:"max_tool_iterations"`
	HistoryLimit      int     `json:"history_limit"`
	ContextWindow     int     `json:"context_window"`
	MaxOutputTokens   int     `json:"max_output_tokens"`
	CompactThreshold  float64 `json:"compact_threshold"` // share of window before compaction
	AttemptTimeoutS   int     `json:"attempt_timeout_s"`
	SubagentMaxWorkers int    `json:"subagent_max_workers"`
}

// MemoryConfig tunes hybrid memory search.
type MemoryConfig struct {
	VectorWeight  float64 `json:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight"`
	MinScore      float64 `json:"min_score"`
	MaxResults    int     `json:"max_results"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener (build tag tsnet).
// Auth key comes from env CLAWLITE_TSNET_AUTH_KEY only, never persisted.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// AuthConfig stores provider tokens resolved after env lookup fails.
type AuthConfig struct {
	Providers map[string]ProviderAuth `json:"providers,omitempty"`
}

// ProviderAuth is a stored token for one provider.
type ProviderAuth struct {
	Token string `json:"token,omitempty"`
}

// Default returns the baseline configuration merged under every load.
func Default() *Config {
	return &Config{
		Model:         "openai/gpt-4o-mini",
		ModelFallback: FlexibleStringSlice{"anthropic/claude-3-5-haiku-latest", "ollama/llama3.1:8b"},
		OfflineMode: OfflineModeConfig{
			Enabled:                true,
			AutoFallbackToOllama:   true,
			ConnectivityTimeoutSec: 1.5,
		},
		Ollama:      OllamaConfig{Model: "llama3.1:8b"},
		BatteryMode: BatteryModeConfig{Enabled: false, ThrottleSeconds: 6},
		Notifications: NotificationsConfig{
			Enabled:             true,
			DedupeWindowSeconds: 300,
		},
		Gateway: GatewayConfig{
			Host:               "127.0.0.1",
			Port:               8787,
			HeartbeatIntervalS: 1800,
			CronPollIntervalS:  5,
		},
		Update: UpdateConfig{Channel: "stable", CheckOnStart: true},
		Security: SecurityConfig{
			RedactTokensInLogs: true,
			Pairing:            PairingConfig{Enabled: false, CodeTTLSeconds: 24 * 60 * 60},
		},
		WebTools: WebToolsConfig{Enabled: true, SearchEngine: "ddg"},
		Agent: AgentConfig{
			MaxToolIterations:  40,
			HistoryLimit:       20,
			ContextWindow:      128000,
			MaxOutputTokens:    4096,
			CompactThreshold:   0.8,
			AttemptTimeoutS:    90,
			SubagentMaxWorkers: 2,
		},
		Memory: MemoryConfig{
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
			MinScore:      0.25,
			MaxResults:    6,
		},
	}
}

// PairingTTL returns the pairing code lifetime.
func (c *Config) PairingTTL() time.Duration {
	secs := c.Security.Pairing.CodeTTLSeconds
	if secs <= 0 {
		secs = 24 * 60 * 60
	}
	return time.Duration(secs) * time.Second
}
