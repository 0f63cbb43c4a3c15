package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawlite/internal/agent"
	"github.com/nextlevelbuilder/clawlite/internal/autonomy"
	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/channels"
	"github.com/nextlevelbuilder/clawlite/internal/channels/discord"
	"github.com/nextlevelbuilder/clawlite/internal/channels/googlechat"
	"github.com/nextlevelbuilder/clawlite/internal/channels/imessage"
	"github.com/nextlevelbuilder/clawlite/internal/channels/irc"
	"github.com/nextlevelbuilder/clawlite/internal/channels/signalcli"
	"github.com/nextlevelbuilder/clawlite/internal/channels/slack"
	"github.com/nextlevelbuilder/clawlite/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawlite/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/cron"
	"github.com/nextlevelbuilder/clawlite/internal/gateway"
	"github.com/nextlevelbuilder/clawlite/internal/heartbeat"
	"github.com/nextlevelbuilder/clawlite/internal/mcp"
	"github.com/nextlevelbuilder/clawlite/internal/memory"
	"github.com/nextlevelbuilder/clawlite/internal/notify"
	"github.com/nextlevelbuilder/clawlite/internal/providers"
	"github.com/nextlevelbuilder/clawlite/internal/queue"
	"github.com/nextlevelbuilder/clawlite/internal/sessions"
	"github.com/nextlevelbuilder/clawlite/internal/skills"
	"github.com/nextlevelbuilder/clawlite/internal/store"
	"github.com/nextlevelbuilder/clawlite/internal/subagent"
	"github.com/nextlevelbuilder/clawlite/internal/telemetry"
	"github.com/nextlevelbuilder/clawlite/internal/tools"
	"github.com/nextlevelbuilder/clawlite/internal/trust"
	"github.com/nextlevelbuilder/clawlite/internal/upgrade"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the always-on runtime: channels, heartbeat, cron and the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGateway(cmd.Context())
		},
	}
}

func runGateway(parent context.Context) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdownTelemetry(flushCtx)
		}()
	}

	db, err := store.OpenMultiagent(config.MultiagentDBPath())
	if err != nil {
		return err
	}
	defer db.Close()
	if status, err := upgrade.CheckSchema(db); err == nil && status.Dirty {
		return fmt.Errorf("database schema is dirty; restore from backup or remove %s", config.MultiagentDBPath())
	}

	memDB, err := store.Open(config.MemoryDBPath())
	if err != nil {
		return err
	}
	defer memDB.Close()

	sessStore, err := sessions.NewStore(config.SessionsDir())
	if err != nil {
		return err
	}
	index, err := sessions.NewIndex(filepath.Join(config.Home(), "dashboard", "sessions.jsonl"))
	if err != nil {
		return err
	}
	pairing, err := trust.NewPairing(config.PairingPath(), cfg.PairingTTL())
	if err != nil {
		return err
	}
	memStore, err := memory.NewStore(memDB, cfg.Memory, nil)
	if err != nil {
		return err
	}

	notifyStore := notify.NewStore(db, cfg.Notifications.Enabled,
		time.Duration(cfg.Notifications.DedupeWindowSeconds)*time.Second)
	marketplace := skills.NewMarketplace(config.MarketplaceDir(), skills.IndexURLFromEnv())
	library := skills.NewLibrary(config.MarketplaceDir())
	audit := &trust.Audit{}
	events := bus.NewBroker()

	workspace := config.WorkspaceDir()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return err
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFileTool(workspace))
	registry.Register(tools.NewWriteFileTool(workspace))
	registry.Register(tools.NewDeleteFileTool(workspace))
	registry.Register(tools.NewListDirTool(workspace))
	registry.Register(tools.NewShellTool(cfg.Security.AllowShellExec, workspace))
	registry.Register(tools.NewMemorySearchTool(memStore))
	registry.Register(tools.NewMemoryStoreTool(memStore))
	registry.Register(tools.NewNotifyTool(notifyStore))
	registry.Register(tools.NewSkillTool(library))
	registry.Register(tools.NewBrowserTool(cfg.WebTools.Enabled))
	if cfg.WebTools.Enabled {
		registry.Register(tools.NewFetchTool())
		registry.Register(tools.NewSearchTool(cfg.WebTools))
	}

	loop := agent.NewLoop(cfg, providers.NewFallback(cfg, providers.NewRegistry(cfg)),
		registry, sessStore, memStore, library, audit, workspace)

	// The pool and the channel manager reference each other: subagent
	// results go back out through whichever channel owns the session.
	var mgr *channels.Manager
	pool := subagent.NewPool(cfg.Agent.SubagentMaxWorkers,
		func(ctx context.Context, req agent.Request) agent.Result {
			return loop.Run(ctx, req)
		},
		func(sessionID, message string) {
			if mgr == nil {
				return
			}
			peer, ok := index.Lookup(sessionID)
			if !ok {
				slog.Warn("subagent result has no route", "session", sessionID)
				return
			}
			sendCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if res := mgr.Send(sendCtx, peer.Channel, peer.ChatID, message); !res.OK {
				slog.Warn("subagent result undeliverable", "session", sessionID)
			}
		})
	registry.Register(tools.NewSpawnSubagentTool(pool, ""))
	registry.Register(tools.NewSubagentStatusTool(pool))
	registry.Register(tools.NewSubagentCancelTool(pool))

	runFunc := func(ctx context.Context, msg bus.InboundMessage) (string, error) {
		res := loop.RunWithTimeout(ctx, agent.Request{
			Prompt:    msg.Content,
			SessionID: msg.SessionID,
		}, 0)
		events.Broadcast(bus.Event{Name: "agent.reply", Payload: map[string]any{
			"session_id": msg.SessionID,
			"channel":    msg.Channel,
			"mode":       res.Meta.Mode,
			"tokens":     res.Meta.Tokens,
		}})
		return res.Text, nil
	}

	mgr = channels.NewManager(cfg, pairing, index, runFunc)
	mgr.RegisterFactory("telegram", telegram.Factory)
	mgr.RegisterFactory("discord", discord.Factory)
	mgr.RegisterFactory("slack", slack.Factory)
	mgr.RegisterFactory("whatsapp", whatsapp.Factory)
	mgr.RegisterFactory("googlechat", googlechat.Factory)
	mgr.RegisterFactory("irc", irc.Factory)
	mgr.RegisterFactory("signal", signalcli.Factory)
	mgr.RegisterFactory("imessage", imessage.Factory)

	queueMgr := queue.NewManager(db)
	if requeued, restarted, err := queueMgr.RecoverOrphans(); err != nil {
		slog.Warn("startup worker recovery failed", "error", err)
	} else if requeued > 0 || restarted > 0 {
		slog.Info("workers recovered at startup", "requeued", requeued, "restarted", restarted)
	}

	cronStore := cron.NewStore(db)
	cronRunner := cron.NewRunner(cronStore,
		func(ctx context.Context, job cron.Job) (string, error) {
			// A matching enabled worker takes the job as a queued task;
			// conversations without one go straight through the agent.
			if w, err := queueMgr.FindWorker(job.Channel, job.ChatID, job.ThreadID, job.Label); err == nil && w.Enabled {
				if _, err := queueMgr.Enqueue(w.ID, job.Message); err != nil {
					return "", fmt.Errorf("enqueue cron task: %w", err)
				}
				return "enqueued", nil
			}
			sessionID := channels.SessionID(channels.SessionPrefix(job.Channel), job.ChatID)
			reply, err := runFunc(ctx, bus.InboundMessage{
				Channel:   job.Channel,
				SessionID: sessionID,
				ChatID:    job.ChatID,
				Content:   job.Message,
			})
			if err != nil || reply == "" {
				return reply, err
			}
			if res := mgr.Send(ctx, job.Channel, job.ChatID, reply); !res.OK && res.Error != nil {
				return reply, fmt.Errorf("deliver cron reply: %s", res.Error.Code)
			}
			return reply, nil
		},
		func(ctx context.Context, job cron.Job) error {
			if job.Label == cron.SystemSkillsLabel && job.Name == cron.SystemAutoUpdateName {
				return marketplace.AutoUpdate(ctx, notifyStore)
			}
			return fmt.Errorf("unknown system job %s/%s", job.Label, job.Name)
		},
		notifyStore)
	pollSecs := cfg.BatteryMode.EffectivePollSeconds(cfg.Gateway.CronPollIntervalS)
	sched := cron.NewScheduler(cronRunner, time.Duration(pollSecs*float64(time.Second)))

	hb := heartbeat.NewLoop(workspace, filepath.Join(config.Home(), "state"),
		func(ctx context.Context, req agent.Request) agent.Result {
			return loop.Run(ctx, req)
		},
		notifyStore,
		func(text string) {
			bcCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			report := mgr.BroadcastProactive(bcCtx, text, "[heartbeat]")
			slog.Info("heartbeat broadcast", "delivered", len(report.Delivered), "skipped", len(report.Skipped))
			events.Broadcast(bus.Event{Name: "heartbeat.result", Payload: report})
		})

	mcpMgr := mcp.NewManager(registry, cfg.MCPServers)
	if err := mcpMgr.Start(ctx); err != nil {
		slog.Warn("mcp servers not fully started", "error", err)
	}
	defer mcpMgr.Stop()

	if cfg.Update.CheckOnStart {
		slog.Info("update channel", "channel", upgrade.ResolveChannel(cfg.Update.Channel))
	}

	rt := autonomy.New(cfg, cfgPath, mgr, hb, sched, queueMgr, events)
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.Stop()

	srv := gateway.NewServer(cfg, cfgPath, events, gateway.Deps{
		Manager:     mgr,
		Run:         runFunc,
		Sessions:    sessStore,
		Index:       index,
		Cron:        cronStore,
		Queue:       queueMgr,
		Notify:      notifyStore,
		Pairing:     pairing,
		Audit:       audit,
		Marketplace: marketplace,
		Library:     library,
		Subagents:   pool,
		Version:     Version,
	})
	if cfg.Tailscale.Hostname != "" {
		go func() {
			if err := srv.StartTailscale(ctx); err != nil {
				slog.Error("tailnet listener failed", "error", err)
			}
		}()
	}
	return srv.Start(ctx)
}
