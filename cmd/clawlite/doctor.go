package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/store"
	"github.com/nextlevelbuilder/clawlite/internal/upgrade"
)

type check struct {
	name   string
	status string
	detail string
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local installation",
		RunE: func(*cobra.Command, []string) error {
			var checks []check
			failed := false

			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				checks = append(checks, check{"config", "FAIL", err.Error()})
				printChecks(checks)
				return fmt.Errorf("config unreadable")
			}
			if _, statErr := os.Stat(cfgPath); statErr != nil {
				checks = append(checks, check{"config", "WARN", "not found, using defaults; run `clawlite onboard`"})
			} else {
				checks = append(checks, check{"config", "OK", cfgPath})
			}

			if hasProviderKey() {
				checks = append(checks, check{"provider key", "OK", "API key found in environment"})
			} else {
				checks = append(checks, check{"provider key", "WARN", "no OPENAI_API_KEY / ANTHROPIC_API_KEY; only ollama will work"})
			}

			db, err := store.Open(config.MultiagentDBPath())
			if err != nil {
				checks = append(checks, check{"database", "FAIL", err.Error()})
				failed = true
			} else {
				status, serr := upgrade.CheckSchema(db)
				switch {
				case serr != nil:
					checks = append(checks, check{"database", "FAIL", serr.Error()})
					failed = true
				case status.Dirty:
					checks = append(checks, check{"database", "FAIL", "schema dirty from a failed migration"})
					failed = true
				case status.NeedsMigration:
					checks = append(checks, check{"database", "WARN", "schema behind; the gateway migrates on start"})
				default:
					checks = append(checks, check{"database", "OK", config.MultiagentDBPath()})
				}
				db.Close()
			}

			workspace := config.WorkspaceDir()
			if _, err := os.Stat(filepath.Join(workspace, "IDENTITY.md")); err != nil {
				checks = append(checks, check{"workspace", "WARN", "IDENTITY.md missing; run `clawlite onboard`"})
			} else {
				checks = append(checks, check{"workspace", "OK", workspace})
			}

			var enabled []string
			for name, ch := range cfg.Channels {
				if ch.Enabled {
					enabled = append(enabled, name)
				}
			}
			sort.Strings(enabled)
			if len(enabled) == 0 {
				checks = append(checks, check{"channels", "WARN", "none enabled"})
			} else {
				checks = append(checks, check{"channels", "OK", fmt.Sprint(enabled)})
			}

			if ch, ok := cfg.Channels["signal"]; ok && ch.Enabled {
				cli := ch.CLIPath
				if cli == "" {
					cli = "signal-cli"
				}
				if _, err := exec.LookPath(cli); err != nil {
					checks = append(checks, check{"signal-cli", "FAIL", cli + " not in PATH"})
					failed = true
				} else {
					checks = append(checks, check{"signal-cli", "OK", cli})
				}
			}

			printChecks(checks)
			if failed {
				return fmt.Errorf("doctor found problems")
			}
			return nil
		},
	}
}

func hasProviderKey() bool {
	for _, key := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "OPENROUTER_API_KEY"} {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

// printChecks aligns the table by display width so wide runes in paths
// do not break the columns.
func printChecks(checks []check) {
	nameWidth := 0
	for _, c := range checks {
		if w := runewidth.StringWidth(c.name); w > nameWidth {
			nameWidth = w
		}
	}
	for _, c := range checks {
		fmt.Printf("%s  %-4s %s\n", runewidth.FillRight(c.name, nameWidth), c.status, c.detail)
	}
}
