package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Home resolves the ClawLite state root: CLAWLITE_HOME or ~/.clawlite.
func Home() string {
	if v := strings.TrimSpace(os.Getenv("CLAWLITE_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawlite"
	}
	return filepath.Join(home, ".clawlite")
}

// Path returns the config file location under Home.
func Path() string { return filepath.Join(Home(), "config.json") }

// SessionsDir is the JSONL session store root.
func SessionsDir() string { return filepath.Join(Home(), "state", "sessions") }

// WorkspaceDir holds the identity files (IDENTITY.md, SOUL.md, HEARTBEAT.md, ...).
func WorkspaceDir() string { return filepath.Join(Home(), "workspace") }

// MultiagentDBPath is the SQLite file backing workers, tasks, cron and notifications.
func MultiagentDBPath() string { return filepath.Join(Home(), "multiagent.db") }

// MemoryDBPath is the SQLite file backing the memory note store.
func MemoryDBPath() string { return filepath.Join(Home(), "memory.db") }

// PairingPath is the pairing state file.
func PairingPath() string { return filepath.Join(Home(), "pairing.json") }

// MarketplaceDir holds installed skills and the installed manifest.
func MarketplaceDir() string { return filepath.Join(Home(), "marketplace") }

// Load reads the config file (JSON5), overlaying it on defaults, then applies
// env overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config atomically: temp file in the same directory, fsync,
// rename. Consumers deep-merge on read, so partially populated files are safe.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Watch reloads the config whenever the file changes and invokes onChange with
// the fresh copy. Returns a stop function.
func Watch(path string, onChange func(*Config)) (func(), error) {
	if path == "" {
		path = Path()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed", "path", path, "error", err)
					continue
				}
				slog.Info("config reloaded", "path", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

// applyEnvOverrides overlays env vars onto the config. Env wins over file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLAWLITE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CLAWLITE_UPDATE_CHANNEL", &c.Update.Channel)
	envStr("CLAWLITE_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)

	if v := os.Getenv("CLAWLITE_ATTEMPT_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Agent.AttemptTimeoutS = n
		}
	}
	if v := os.Getenv("CLAWLITE_SKIP_UPDATE_CHECK"); v == "1" {
		c.Update.CheckOnStart = false
	}
}
