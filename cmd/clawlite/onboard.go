package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/providers"
)

const defaultIdentity = `# IDENTITY

You are a personal assistant reachable over messaging channels.
Be concise; messages are read on phones.
`

const defaultHeartbeat = `# HEARTBEAT

# List recurring things to check. Lines starting with # are ignored.
# Example: remind me to stretch if it's been a workday morning.
`

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(*cobra.Command, []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			model := cfg.Model
			var apiKey, tgToken, tgChat, gwToken string
			pairingEnabled := cfg.Security.Pairing.Enabled

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewSelect[string]().
						Title("Default model").
						Options(huh.NewOptions(
							"openai/gpt-4o-mini",
							"openai/gpt-4o",
							"anthropic/claude-sonnet-4-5",
							"anthropic/claude-haiku-4-5",
							"deepseek/deepseek-chat",
							"ollama/llama3.2",
						)...).
						Value(&model),
					huh.NewInput().
						Title("Provider API key").
						Description("Stored in config when the matching env var is not set. Leave empty to rely on the environment.").
						EchoMode(huh.EchoModePassword).
						Value(&apiKey),
				),
				huh.NewGroup(
					huh.NewInput().
						Title("Telegram bot token").
						Description("From @BotFather. Leave empty to skip Telegram.").
						EchoMode(huh.EchoModePassword).
						Value(&tgToken),
					huh.NewInput().
						Title("Telegram chat id").
						Description("Optional: your own chat id for proactive messages.").
						Value(&tgChat),
				),
				huh.NewGroup(
					huh.NewInput().
						Title("Gateway API token").
						Description("Protects /api. Leave empty to keep the API open on localhost.").
						EchoMode(huh.EchoModePassword).
						Value(&gwToken),
					huh.NewConfirm().
						Title("Require pairing for unknown senders?").
						Value(&pairingEnabled),
				),
			)
			if err := form.Run(); err != nil {
				return err
			}

			cfg.Model = model
			cfg.Gateway.Token = gwToken
			cfg.Security.Pairing.Enabled = pairingEnabled
			if apiKey != "" {
				provider, _ := providers.ParseModelSpec(model)
				if cfg.Auth.Providers == nil {
					cfg.Auth.Providers = map[string]config.ProviderAuth{}
				}
				cfg.Auth.Providers[provider] = config.ProviderAuth{Token: apiKey}
			}
			if tgToken != "" {
				if cfg.Channels == nil {
					cfg.Channels = map[string]config.ChannelConfig{}
				}
				ch := cfg.Channels["telegram"]
				ch.Enabled = true
				ch.Token = strings.TrimSpace(tgToken)
				ch.ChatID = strings.TrimSpace(tgChat)
				cfg.Channels["telegram"] = ch
			}

			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := seedWorkspace(config.WorkspaceDir()); err != nil {
				return err
			}

			fmt.Println("Config written to", cfgPath)
			fmt.Println("Start the runtime with: clawlite gateway")
			return nil
		},
	}
}

// seedWorkspace writes starter identity files, never overwriting edits.
func seedWorkspace(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	seeds := map[string]string{
		"IDENTITY.md":  defaultIdentity,
		"HEARTBEAT.md": defaultHeartbeat,
	}
	for name, content := range seeds {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
