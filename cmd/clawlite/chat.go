package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawlite/internal/agent"
	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/memory"
	"github.com/nextlevelbuilder/clawlite/internal/notify"
	"github.com/nextlevelbuilder/clawlite/internal/providers"
	"github.com/nextlevelbuilder/clawlite/internal/sessions"
	"github.com/nextlevelbuilder/clawlite/internal/skills"
	"github.com/nextlevelbuilder/clawlite/internal/store"
	"github.com/nextlevelbuilder/clawlite/internal/tools"
	"github.com/nextlevelbuilder/clawlite/internal/trust"
)

// buildLoop wires an agent loop for one-off CLI use: no channels, no MCP,
// no subagents. The gateway command does the full wiring.
func buildLoop(cfg *config.Config) (*agent.Loop, func(), error) {
	db, err := store.OpenMultiagent(config.MultiagentDBPath())
	if err != nil {
		return nil, nil, err
	}
	memDB, err := store.Open(config.MemoryDBPath())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	closer := func() {
		memDB.Close()
		db.Close()
	}

	sessStore, err := sessions.NewStore(config.SessionsDir())
	if err != nil {
		closer()
		return nil, nil, err
	}
	memStore, err := memory.NewStore(memDB, cfg.Memory, nil)
	if err != nil {
		closer()
		return nil, nil, err
	}
	notifyStore := notify.NewStore(db, cfg.Notifications.Enabled, 0)
	library := skills.NewLibrary(config.MarketplaceDir())
	workspace := config.WorkspaceDir()

	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFileTool(workspace))
	registry.Register(tools.NewWriteFileTool(workspace))
	registry.Register(tools.NewListDirTool(workspace))
	registry.Register(tools.NewShellTool(cfg.Security.AllowShellExec, workspace))
	registry.Register(tools.NewMemorySearchTool(memStore))
	registry.Register(tools.NewMemoryStoreTool(memStore))
	registry.Register(tools.NewNotifyTool(notifyStore))
	registry.Register(tools.NewSkillTool(library))
	if cfg.WebTools.Enabled {
		registry.Register(tools.NewFetchTool())
		registry.Register(tools.NewSearchTool(cfg.WebTools))
	}

	loop := agent.NewLoop(cfg, providers.NewFallback(cfg, providers.NewRegistry(cfg)),
		registry, sessStore, memStore, library, &trust.Audit{}, workspace)
	return loop, closer, nil
}

func chatCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Talk to the agent from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			loop, closer, err := buildLoop(cfg)
			if err != nil {
				return err
			}
			defer closer()

			onChunk := func(chunk string) { fmt.Print(chunk) }

			// One-shot mode when a prompt is given on the command line.
			if len(args) > 0 {
				res := loop.Run(cmd.Context(), agent.Request{
					Prompt:    strings.Join(args, " "),
					SessionID: session,
					OnChunk:   onChunk,
				})
				fmt.Println()
				if res.Meta.Error != "" {
					return fmt.Errorf("%s", res.Meta.Error)
				}
				return nil
			}

			fmt.Println("clawlite chat (/exit to quit)")
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					fmt.Println()
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/exit" || line == "/quit" {
					return nil
				}
				res := loop.Run(cmd.Context(), agent.Request{
					Prompt:    line,
					SessionID: session,
					OnChunk:   onChunk,
				})
				fmt.Println()
				if res.Meta.Error != "" {
					fmt.Fprintln(os.Stderr, "error:", res.Meta.Error)
				}
			}
		},
	}
	cmd.Flags().StringVar(&session, "session", "cli", "session id for conversation history")
	return cmd
}
