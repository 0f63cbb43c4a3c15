// Package autonomy runs the always-on loops behind the gateway process:
// channel adapters, the heartbeat cycle, the cron scheduler, the orphan
// task sweep and the config watcher.
package autonomy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawlite/internal/bus"
	"github.com/nextlevelbuilder/clawlite/internal/channels"
	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/cron"
	"github.com/nextlevelbuilder/clawlite/internal/heartbeat"
	"github.com/nextlevelbuilder/clawlite/internal/queue"
)

const defaultSweepInterval = time.Minute

// Runtime supervises the background loops. Nil components disable their
// loop, so tests and trimmed-down commands can run a subset.
type Runtime struct {
	cfg        *config.Config
	configPath string

	manager   *channels.Manager
	heartbeat *heartbeat.Loop
	cron      *cron.Scheduler
	queue     *queue.Manager
	events    bus.EventPublisher

	sweepEvery time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New wires the runtime. configPath enables hot-reload; empty disables it.
func New(cfg *config.Config, configPath string, manager *channels.Manager, hb *heartbeat.Loop, sched *cron.Scheduler, q *queue.Manager, events bus.EventPublisher) *Runtime {
	return &Runtime{
		cfg:        cfg,
		configPath: configPath,
		manager:    manager,
		heartbeat:  hb,
		cron:       sched,
		queue:      q,
		events:     events,
		sweepEvery: defaultSweepInterval,
	}
}

// Start launches every configured loop and returns. Call Stop to shut
// down; Wait blocks until all loops exit.
func (r *Runtime) Start(ctx context.Context) error {
	if r.done != nil {
		return fmt.Errorf("runtime already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	g, gctx := errgroup.WithContext(runCtx)

	if r.manager != nil {
		r.manager.StartAll(gctx)
	}

	if r.heartbeat != nil {
		interval := r.heartbeatInterval()
		g.Go(func() error {
			r.heartbeat.Run(gctx, interval)
			return nil
		})
	}

	if r.cron != nil {
		g.Go(func() error {
			return r.cron.Run(gctx)
		})
	}

	if r.queue != nil {
		g.Go(func() error {
			r.sweepOrphans(gctx)
			return nil
		})
	}

	stopWatch := func() {}
	if r.configPath != "" {
		var err error
		stopWatch, err = config.Watch(r.configPath, r.onConfigChange)
		if err != nil {
			slog.Warn("config watch disabled", "error", err)
			stopWatch = func() {}
		}
	}

	go func() {
		defer close(r.done)
		if err := g.Wait(); err != nil && gctx.Err() == nil {
			slog.Error("autonomy loop failed", "error", err)
		}
		stopWatch()
		if r.manager != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			r.manager.StopAll(stopCtx)
			stopCancel()
		}
	}()
	return nil
}

// Stop cancels the loops and waits for them to exit.
func (r *Runtime) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Wait blocks until the loops exit on their own (context cancellation).
func (r *Runtime) Wait() {
	if r.done != nil {
		<-r.done
	}
}

func (r *Runtime) heartbeatInterval() time.Duration {
	secs := float64(r.cfg.Gateway.HeartbeatIntervalS)
	if secs <= 0 {
		secs = 1800
	}
	secs = r.cfg.BatteryMode.EffectivePollSeconds(secs)
	return time.Duration(secs * float64(time.Second))
}

// sweepOrphans requeues tasks whose claiming worker process died and
// relaunches enabled workers left without a live process.
func (r *Runtime) sweepOrphans(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requeued, restarted, err := r.queue.RecoverOrphans()
			if err != nil {
				slog.Error("orphan sweep failed", "error", err)
				continue
			}
			if requeued > 0 || restarted > 0 {
				slog.Info("workers recovered", "requeued", requeued, "restarted", restarted)
				if r.events != nil {
					r.events.Broadcast(bus.Event{Name: "queue.recovered",
						Payload: map[string]int{"requeued": requeued, "restarted": restarted}})
				}
			}
		}
	}
}

// onConfigChange swaps the shared config in place and restarts channel
// adapters so credential changes take effect. Adapters only read config
// at start, so the restart is the reload.
func (r *Runtime) onConfigChange(next *config.Config) {
	slog.Info("config reloaded")
	*r.cfg = *next
	if r.manager == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for name, ch := range next.Channels {
		if !ch.Enabled {
			continue
		}
		if err := r.manager.Reconnect(ctx, name); err != nil {
			slog.Warn("channel reconnect failed after reload", "channel", name, "error", err)
		}
	}
	if r.events != nil {
		r.events.Broadcast(bus.Event{Name: "config.reloaded"})
	}
}
