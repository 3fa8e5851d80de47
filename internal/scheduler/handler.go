package scheduler

import (
	"context"
	"log/slog"

	"github.com/basket/cronpilot/internal/approval"
	"github.com/basket/cronpilot/internal/execlog"
	"github.com/basket/cronpilot/internal/notify"
	"github.com/basket/cronpilot/internal/task"
)

// Notifier is the dispatcher surface lifecycle events fan into.
type Notifier interface {
	Notify(ctx context.Context, event notify.Event, t *task.Task, result *execlog.Result) []notify.MessageRef
}

// PlanService opens an approval round for a plan-phase result.
type PlanService interface {
	OnPlanReady(ctx context.Context, t *task.Task, result *execlog.Result) (*approval.PendingApproval, error)
}

// LifecycleHandler maps execution lifecycle callbacks onto notification
// events and the approval protocol.
type LifecycleHandler struct {
	notifier  Notifier
	approvals PlanService
	logger    *slog.Logger
}

func NewLifecycleHandler(notifier Notifier, approvals PlanService, logger *slog.Logger) *LifecycleHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleHandler{
		notifier:  notifier,
		approvals: approvals,
		logger:    logger.With("component", "lifecycle"),
	}
}

// Register wires the handler's callbacks into the scheduler.
func (h *LifecycleHandler) Register(s *Scheduler) {
	s.SetCallbacks(h.OnStart, h.OnComplete)
}

// OnStart fires the task_start notification before the subprocess spawns.
func (h *LifecycleHandler) OnStart(t *task.Task) {
	h.notifier.Notify(context.Background(), notify.EventTaskStart, t, nil)
}

// OnComplete routes a persisted result: plan-phase results open an
// approval, everything else becomes a success or failure notification.
func (h *LifecycleHandler) OnComplete(t *task.Task, result *execlog.Result) {
	ctx := context.Background()
	switch result.Status {
	case execlog.StatusWaitingApproval:
		if h.approvals == nil {
			h.logger.Warn("plan-phase result with no approval service", "task", t.Name)
			return
		}
		if _, err := h.approvals.OnPlanReady(ctx, t, result); err != nil {
			h.logger.Error("failed to open plan approval", "task", t.Name, "error", err)
		}
	case execlog.StatusSuccess:
		h.notifier.Notify(ctx, notify.EventTaskSuccess, t, result)
	case execlog.StatusSkipped:
		// Dry runs notify nobody.
	default:
		h.notifier.Notify(ctx, notify.EventTaskFailure, t, result)
	}
}
