package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/basket/cronpilot/internal/config"
	"github.com/basket/cronpilot/internal/creds"
	"github.com/basket/cronpilot/internal/gateway"
	"github.com/basket/cronpilot/internal/notify"
)

// runDaemon wires everything and blocks until the context is cancelled by
// SIGINT or SIGTERM.
func runDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	logger.Info("cronpilot starting", "version", Version, "home", cfg.HomeDir)

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup wiring failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.close(shutdownCtx)
	}()

	// Startup recovery: sessions left running by a previous process are
	// orphans, and waiting executions whose approval no longer pends are
	// stale.
	if n, err := rt.sessions.MarkOrphans(); err != nil {
		logger.Warn("orphan session sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("marked orphaned sessions", "count", n)
	}
	if pending, err := rt.approvals.PendingIDs(ctx); err != nil {
		logger.Warn("pending approval lookup failed", "error", err)
	} else if n := rt.tracker.CleanupStale(pending); n > 0 {
		logger.Info("cleaned stale tracked executions", "count", n)
	}

	go rt.tracker.Run(ctx)
	go func() {
		if err := rt.skills.Watch(ctx); err != nil {
			logger.Warn("skill watcher unavailable", "error", err)
		}
	}()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go reloadLoop(ctx, rt, watcher, logger)
	}

	poller := notify.NewPoller(rt.channels, creds.NewStore(cfg.HomeDir),
		rt.approvals, rt.otel.Metrics, logger)
	go poller.Run(ctx)

	gw := gateway.New(gateway.Config{
		BindAddr:  cfg.BindAddr,
		Tasks:     rt.tasks,
		Scheduler: rt.sched,
		Approvals: rt.approvals,
		Logger:    logger,
	})
	if err := gw.Start(ctx); err != nil {
		logger.Error("gateway start failed", "error", err)
		return 1
	}
	defer gw.Stop()

	rt.sched.Start(ctx)
	defer rt.sched.Stop()

	logger.Info("cronpilot ready", "bind_addr", cfg.BindAddr,
		"tick", cfg.Tick(), "max_concurrent", cfg.Scheduler.MaxConcurrent)

	<-ctx.Done()
	logger.Info("cronpilot shutting down")
	return 0
}

// reloadLoop applies file-watcher events to the hot-reloadable stores.
func reloadLoop(ctx context.Context, rt *runtime, watcher *config.Watcher, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			switch filepath.Base(ev.Path) {
			case "tasks.yaml":
				if err := rt.tasks.Reload(); err != nil {
					logger.Warn("task reload failed, keeping previous set", "error", err)
				} else {
					logger.Info("tasks reloaded")
				}
			case "channels.yaml":
				if err := rt.channels.Reload(); err != nil {
					logger.Warn("channel reload failed, keeping previous set", "error", err)
				} else {
					logger.Info("channels reloaded")
				}
			case "config.yaml":
				// Scheduler cadence and bind address need a restart; log so
				// the operator knows the edit was seen.
				logger.Info("config.yaml changed, restart to apply daemon settings")
			}
		}
	}
}
