package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/basket/cronpilot/internal/agent"
	"github.com/basket/cronpilot/internal/approval"
	"github.com/basket/cronpilot/internal/bus"
	"github.com/basket/cronpilot/internal/config"
	"github.com/basket/cronpilot/internal/creds"
	"github.com/basket/cronpilot/internal/execlog"
	"github.com/basket/cronpilot/internal/executor"
	"github.com/basket/cronpilot/internal/notify"
	"github.com/basket/cronpilot/internal/otel"
	"github.com/basket/cronpilot/internal/scheduler"
	"github.com/basket/cronpilot/internal/session"
	"github.com/basket/cronpilot/internal/skills"
	"github.com/basket/cronpilot/internal/task"
)

// runtime is the wired component graph shared by the daemon and the
// one-shot execution commands.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger

	tasks    *task.Repository
	sessions *session.Manager
	logs     *execlog.Repository
	skills   *skills.Registry
	agents   *agent.Registry
	bus      *bus.Bus
	tracker  *executor.Tracker
	exec     *executor.Executor

	channels   *notify.Store
	registry   *notify.Registry
	dispatcher *notify.Dispatcher

	approvalStore *approval.Store
	approvals     *approval.Service
	sched         *scheduler.Scheduler

	otel *otel.Provider
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: cfg.Otel.Exporter,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		return nil, err
	}
	rt.otel = otelProvider

	rt.tasks, err = task.NewRepository(config.TasksPath(cfg.HomeDir))
	if err != nil {
		return nil, err
	}
	rt.sessions, err = session.NewManager(filepath.Join(cfg.HomeDir, "sessions"))
	if err != nil {
		return nil, err
	}
	rt.logs, err = execlog.NewRepository(filepath.Join(cfg.HomeDir, "logs"))
	if err != nil {
		return nil, err
	}
	rt.skills, err = skills.NewRegistry(cfg.Skills.ProjectDir, cfg.Skills.UserDir, logger)
	if err != nil {
		return nil, err
	}

	rt.agents = agent.NewRegistry()
	rt.bus = bus.New()
	rt.tracker = executor.NewTracker(rt.bus, logger)
	rt.exec = executor.New(rt.tasks, rt.sessions, rt.logs, rt.skills, rt.agents,
		rt.tracker, rt.bus, cfg.DefaultProvider, logger)

	rt.channels, err = notify.NewStore(config.ChannelsPath(cfg.HomeDir))
	if err != nil {
		return nil, err
	}
	rt.registry = notify.NewRegistry()
	credStore := creds.NewStore(cfg.HomeDir)
	rt.dispatcher = notify.NewDispatcher(rt.channels, rt.registry, credStore,
		otelProvider.Metrics, logger)

	rt.approvalStore, err = approval.Open(config.DBPath(cfg.HomeDir))
	if err != nil {
		return nil, err
	}
	rt.approvals = approval.NewService(rt.approvalStore, rt.tasks, rt.exec,
		rt.dispatcher, rt.tracker, cfg.ApprovalTTL(), otelProvider.Metrics, logger)

	rt.sched = scheduler.New(scheduler.Config{
		Tasks:         rt.tasks,
		Executor:      rt.exec,
		Tracker:       rt.tracker,
		Sweeper:       rt.approvals,
		Logger:        logger,
		Metrics:       otelProvider.Metrics,
		Interval:      cfg.Tick(),
		Window:        cfg.Window(),
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
	})
	scheduler.NewLifecycleHandler(rt.dispatcher, rt.approvals, logger).Register(rt.sched)

	return rt, nil
}

func (rt *runtime) close(ctx context.Context) {
	if rt.approvalStore != nil {
		if err := rt.approvalStore.Close(); err != nil {
			rt.logger.Warn("approval store close failed", "error", err)
		}
	}
	if rt.otel != nil {
		if err := rt.otel.Shutdown(ctx); err != nil {
			rt.logger.Warn("otel shutdown failed", "error", err)
		}
	}
}
