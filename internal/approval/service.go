package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/cronpilot/internal/execlog"
	"github.com/basket/cronpilot/internal/executor"
	"github.com/basket/cronpilot/internal/notify"
	"github.com/basket/cronpilot/internal/otel"
	"github.com/basket/cronpilot/internal/task"
)

// Resumer continues a paused agent session. Empty feedback resumes with
// full permissions after approval; non-empty feedback resumes in plan mode.
type Resumer interface {
	Resume(ctx context.Context, t *task.Task, sessionID, feedback string) (*execlog.Result, error)
}

// Notifier is the dispatcher surface the service needs.
type Notifier interface {
	SendApproval(ctx context.Context, t *task.Task, approvalID, plan string) []notify.MessageRef
	UpdateApprovalMessages(ctx context.Context, refs []notify.MessageRef, text string)
	RemoveApprovalButtons(ctx context.Context, refs []notify.MessageRef)
	Notify(ctx context.Context, event notify.Event, t *task.Task, result *execlog.Result) []notify.MessageRef
}

// TrackerEntries is the execution tracker surface the service needs to
// release executions parked on an approval.
type TrackerEntries interface {
	GetByTask(taskID string) *executor.Entry
	SetWaitingApproval(executionID, approvalID string)
	Remove(executionID string)
}

// Service drives the plan approval protocol: create on plan-ready, decide
// on callback, expire on sweep.
type Service struct {
	store    *Store
	tasks    *task.Repository
	resumer  Resumer
	notifier Notifier
	tracker  TrackerEntries
	metrics  *otel.Metrics
	logger   *slog.Logger
	ttl      time.Duration
}

func NewService(store *Store, tasks *task.Repository, resumer Resumer, notifier Notifier, tracker TrackerEntries, ttl time.Duration, metrics *otel.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		store:    store,
		tasks:    tasks,
		resumer:  resumer,
		notifier: notifier,
		tracker:  tracker,
		metrics:  metrics,
		logger:   logger.With("component", "approval"),
		ttl:      ttl,
	}
}

// Store exposes the underlying store for the gateway's read paths.
func (s *Service) Store() *Store { return s.store }

// OnPlanReady records a pending approval for a plan-phase result and sends
// the interactive review message. Called when an execution finishes with
// waiting_approval.
func (s *Service) OnPlanReady(ctx context.Context, t *task.Task, result *execlog.Result) (*PendingApproval, error) {
	a := &PendingApproval{
		TaskID:      t.ID,
		TaskName:    t.Name,
		ScheduledAt: result.StartedAt,
		SessionID:   result.SessionID,
		Plan:        result.Output,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}

	refs := s.notifier.SendApproval(ctx, t, a.ID, a.Plan)
	if len(refs) > 0 {
		if err := s.store.ReplaceMessages(ctx, a.ID, refs); err != nil {
			s.logger.Warn("failed to record approval messages", "approval_id", a.ID, "error", err)
		}
		a.Messages = refs
	}

	// Park the tracker entry on this approval so stale-waiting cleanup and
	// decision handling can find it.
	if entry := s.tracker.GetByTask(t.ID); entry != nil {
		s.tracker.SetWaitingApproval(entry.ExecutionID, a.ID)
	}

	s.logger.Info("plan awaiting approval", "task", t.Name, "approval_id", a.ID, "channels", len(refs))
	return a, nil
}

// HandleCallback applies a button decision. Implements the poller's Handler
// contract; the returned string is the user-facing acknowledgement.
// Terminal-state callbacks are acknowledged and ignored.
func (s *Service) HandleCallback(ctx context.Context, approvalID, action, feedback string) (string, error) {
	// On-demand TTL check so a click on a long-dead approval cannot win.
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("on-demand expiry sweep failed", "error", err)
	}

	a, err := s.store.Get(ctx, approvalID)
	if err != nil {
		return "", err
	}
	if terminal(a.Status) {
		return fmt.Sprintf("Plan already %s.", a.Status), nil
	}

	switch action {
	case notify.ActionApprove:
		return s.approve(ctx, a)
	case notify.ActionReject:
		return s.reject(ctx, a)
	case notify.ActionDiscuss:
		return s.discuss(ctx, a, feedback)
	default:
		return "", fmt.Errorf("unknown approval action %q", action)
	}
}

func (s *Service) approve(ctx context.Context, a *PendingApproval) (string, error) {
	won, err := s.store.Transition(ctx, a.ID, StatusApproved, StatusPending, StatusDiscussing)
	if err != nil {
		return "", err
	}
	if !won {
		current, err := s.store.Get(ctx, a.ID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Plan already %s.", current.Status), nil
	}
	s.metrics.RecordApprovalDecision(ctx, notify.ActionApprove)

	t, err := s.tasks.FindByID(a.TaskID)
	if err != nil {
		return "", fmt.Errorf("approved task no longer exists: %w", err)
	}

	s.releaseTrackedExecution(a)
	s.notifier.UpdateApprovalMessages(ctx, a.Messages,
		notify.ApprovalStatusMessage(a.TaskName, StatusApproved, "Executing the approved plan."))
	s.notifier.Notify(ctx, notify.EventPlanApproved, t, nil)

	// The resume runs the agent to completion; do it off the callback path.
	go func() {
		result, err := s.resumer.Resume(context.Background(), t, a.SessionID, "")
		if err != nil {
			s.logger.Error("approved plan execution failed", "task", t.Name, "error", err)
			return
		}
		s.logger.Info("approved plan executed", "task", t.Name, "status", result.Status)
	}()

	return "Plan approved. Executing now.", nil
}

func (s *Service) reject(ctx context.Context, a *PendingApproval) (string, error) {
	won, err := s.store.Transition(ctx, a.ID, StatusRejected, StatusPending, StatusDiscussing)
	if err != nil {
		return "", err
	}
	if !won {
		current, err := s.store.Get(ctx, a.ID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Plan already %s.", current.Status), nil
	}
	s.metrics.RecordApprovalDecision(ctx, notify.ActionReject)

	s.releaseTrackedExecution(a)
	s.notifier.UpdateApprovalMessages(ctx, a.Messages,
		notify.ApprovalStatusMessage(a.TaskName, StatusRejected, ""))
	if t, err := s.tasks.FindByID(a.TaskID); err == nil {
		s.notifier.Notify(ctx, notify.EventPlanRejected, t, nil)
	}

	s.logger.Info("plan rejected", "task", a.TaskName, "approval_id", a.ID)
	return "Plan rejected.", nil
}

func (s *Service) discuss(ctx context.Context, a *PendingApproval, feedback string) (string, error) {
	if strings.TrimSpace(feedback) == "" {
		return "", fmt.Errorf("discuss requires feedback text")
	}
	won, err := s.store.Transition(ctx, a.ID, StatusDiscussing, StatusPending)
	if err != nil {
		return "", err
	}
	if !won {
		current, err := s.store.Get(ctx, a.ID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Plan already %s.", current.Status), nil
	}
	s.metrics.RecordApprovalDecision(ctx, notify.ActionDiscuss)

	t, err := s.tasks.FindByID(a.TaskID)
	if err != nil {
		return "", fmt.Errorf("discussed task no longer exists: %w", err)
	}

	// Strip buttons from the superseded message set so it cannot be
	// double-actioned while the revision runs.
	s.notifier.RemoveApprovalButtons(ctx, a.Messages)

	// The revision run claims the task's tracker slot itself.
	s.releaseTrackedExecution(a)
	go s.runDiscussion(context.Background(), t, a, feedback)

	return "Feedback received. Revising the plan.", nil
}

// runDiscussion resumes the session in plan mode with the feedback and,
// on success, re-pends the approval with the revised plan and a fresh
// interactive message set.
func (s *Service) runDiscussion(ctx context.Context, t *task.Task, a *PendingApproval, feedback string) {
	result, err := s.resumer.Resume(ctx, t, a.SessionID, feedback)
	if err != nil || result.Status == execlog.StatusFailure {
		s.logger.Error("plan revision failed", "task", t.Name, "error", err)
		// Put the approval back so the user can act on the previous plan.
		if _, terr := s.store.Transition(ctx, a.ID, StatusPending, StatusDiscussing); terr != nil {
			s.logger.Error("failed to re-pend approval after revision failure", "approval_id", a.ID, "error", terr)
		}
		return
	}

	if err := s.store.UpdatePlan(ctx, a.ID, result.Output); err != nil {
		s.logger.Error("failed to store revised plan", "approval_id", a.ID, "error", err)
	}

	refs := s.notifier.SendApproval(ctx, t, a.ID, result.Output)
	if err := s.store.ReplaceMessages(ctx, a.ID, refs); err != nil {
		s.logger.Warn("failed to record revised approval messages", "approval_id", a.ID, "error", err)
	}
	if _, err := s.store.Transition(ctx, a.ID, StatusPending, StatusDiscussing); err != nil {
		s.logger.Error("failed to re-pend approval after revision", "approval_id", a.ID, "error", err)
	}
	// Park the revision's execution on the approval, same as a first plan.
	if entry := s.tracker.GetByTask(t.ID); entry != nil {
		s.tracker.SetWaitingApproval(entry.ExecutionID, a.ID)
	}
	s.logger.Info("revised plan awaiting approval", "task", t.Name, "approval_id", a.ID)
}

// Sweep expires TTL-exceeded approvals and updates their messages. Runs on
// every scheduler tick and before each callback decision.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	expired, err := s.store.SweepExpired(ctx, s.ttl)
	if err != nil {
		return 0, err
	}
	for _, a := range expired {
		s.metrics.RecordApprovalDecision(ctx, StatusExpired)
		s.releaseTrackedExecution(a)
		s.notifier.UpdateApprovalMessages(ctx, a.Messages,
			notify.ApprovalStatusMessage(a.TaskName, StatusExpired, "No decision arrived in time."))
		s.logger.Info("approval expired", "task", a.TaskName, "approval_id", a.ID)
	}
	return len(expired), nil
}

// PendingIDs exposes the valid approval id set for tracker startup cleanup.
func (s *Service) PendingIDs(ctx context.Context) (map[string]bool, error) {
	return s.store.PendingIDs(ctx)
}

// releaseTrackedExecution drops the tracker entry parked on this approval.
func (s *Service) releaseTrackedExecution(a *PendingApproval) {
	entry := s.tracker.GetByTask(a.TaskID)
	if entry != nil && entry.ApprovalID == a.ID {
		s.tracker.Remove(entry.ExecutionID)
	}
}
