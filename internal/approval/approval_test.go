package approval_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/cronpilot/internal/approval"
	"github.com/basket/cronpilot/internal/execlog"
	"github.com/basket/cronpilot/internal/executor"
	"github.com/basket/cronpilot/internal/notify"
	"github.com/basket/cronpilot/internal/task"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func openStore(t *testing.T) *approval.Store {
	t.Helper()
	store, err := approval.Open(filepath.Join(t.TempDir(), "approvals.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreCreateAndGet(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	a := &approval.PendingApproval{
		TaskID:    "t1",
		TaskName:  "nightly",
		SessionID: "s1",
		Plan:      "1. do the thing",
		Messages: []notify.MessageRef{
			{ChannelID: "chat", Provider: "telegram", ChatID: "-100", MessageID: 42},
		},
	}
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID == "" {
		t.Fatal("Create did not mint an id")
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != approval.StatusPending {
		t.Fatalf("status = %s", got.Status)
	}
	if got.TaskName != "nightly" || got.SessionID != "s1" || got.Plan != "1. do the thing" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].MessageID != 42 {
		t.Fatalf("messages mismatch: %+v", got.Messages)
	}
	if got.DecidedAt != nil {
		t.Fatal("pending approval should have no decision time")
	}

	if _, err := store.Get(ctx, "missing"); err == nil {
		t.Fatal("expected ErrNotFound")
	}
}

func TestStoreTransitionsSerialize(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	a := &approval.PendingApproval{TaskID: "t1", TaskName: "x", SessionID: "s", Plan: "p"}
	if err := store.Create(ctx, a); err != nil {
		t.Fatal(err)
	}

	won, err := store.Transition(ctx, a.ID, approval.StatusApproved, approval.StatusPending, approval.StatusDiscussing)
	if err != nil || !won {
		t.Fatalf("first transition: won=%v err=%v", won, err)
	}
	won, err = store.Transition(ctx, a.ID, approval.StatusRejected, approval.StatusPending, approval.StatusDiscussing)
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Fatal("second transition should lose against terminal state")
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != approval.StatusApproved {
		t.Fatalf("terminal state overwritten: %s", got.Status)
	}
	if got.DecidedAt == nil {
		t.Fatal("decision time not stamped")
	}
}

func TestStoreDiscussRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	a := &approval.PendingApproval{TaskID: "t1", TaskName: "x", SessionID: "s", Plan: "v1"}
	if err := store.Create(ctx, a); err != nil {
		t.Fatal(err)
	}

	if won, _ := store.Transition(ctx, a.ID, approval.StatusDiscussing, approval.StatusPending); !won {
		t.Fatal("pending -> discussing should win")
	}
	if err := store.UpdatePlan(ctx, a.ID, "v2"); err != nil {
		t.Fatal(err)
	}
	newRefs := []notify.MessageRef{{ChannelID: "chat", Provider: "telegram", ChatID: "-100", MessageID: 43}}
	if err := store.ReplaceMessages(ctx, a.ID, newRefs); err != nil {
		t.Fatal(err)
	}
	if won, _ := store.Transition(ctx, a.ID, approval.StatusPending, approval.StatusDiscussing); !won {
		t.Fatal("discussing -> pending should win")
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != approval.StatusPending || got.Plan != "v2" {
		t.Fatalf("revision not recorded: %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].MessageID != 43 {
		t.Fatalf("messages not replaced: %+v", got.Messages)
	}
	if got.DecidedAt != nil {
		t.Fatal("re-pended approval should clear decision time")
	}
}

func TestStoreSweepExpired(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	old := &approval.PendingApproval{TaskID: "t1", TaskName: "old", SessionID: "s", Plan: "p",
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := &approval.PendingApproval{TaskID: "t2", TaskName: "fresh", SessionID: "s", Plan: "p"}
	for _, a := range []*approval.PendingApproval{old, fresh} {
		if err := store.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	expired, err := store.SweepExpired(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("expected only the old approval to expire, got %+v", expired)
	}

	gotOld, _ := store.Get(ctx, old.ID)
	gotFresh, _ := store.Get(ctx, fresh.ID)
	if gotOld.Status != approval.StatusExpired || gotFresh.Status != approval.StatusPending {
		t.Fatalf("sweep states: old=%s fresh=%s", gotOld.Status, gotFresh.Status)
	}

	ids, err := store.PendingIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ids[old.ID] || !ids[fresh.ID] {
		t.Fatalf("pending id set wrong: %v", ids)
	}
}

// fakeResumer records resume calls.
type fakeResumer struct {
	mu    sync.Mutex
	calls []resumeCall
	out   string
}

type resumeCall struct {
	taskID    string
	sessionID string
	feedback  string
}

func (f *fakeResumer) Resume(ctx context.Context, t *task.Task, sessionID, feedback string) (*execlog.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resumeCall{taskID: t.ID, sessionID: sessionID, feedback: feedback})
	out := f.out
	if out == "" {
		out = "done"
	}
	return &execlog.Result{TaskID: t.ID, SessionID: sessionID, Status: execlog.StatusSuccess, Output: out}, nil
}

func (f *fakeResumer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeNotifier records dispatcher interactions.
type fakeNotifier struct {
	mu           sync.Mutex
	approvals    []string // plan text per SendApproval
	updates      []string
	buttonStrips int
	events       []notify.Event
	nextMsgID    int
}

func (f *fakeNotifier) SendApproval(ctx context.Context, t *task.Task, approvalID, plan string) []notify.MessageRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals = append(f.approvals, plan)
	f.nextMsgID++
	return []notify.MessageRef{{ChannelID: "chat", Provider: "fake", ChatID: "1", MessageID: f.nextMsgID}}
}

func (f *fakeNotifier) UpdateApprovalMessages(ctx context.Context, refs []notify.MessageRef, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, text)
}

func (f *fakeNotifier) RemoveApprovalButtons(ctx context.Context, refs []notify.MessageRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buttonStrips++
}

func (f *fakeNotifier) Notify(ctx context.Context, event notify.Event, t *task.Task, result *execlog.Result) []notify.MessageRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

// fakeTracker holds one parked entry.
type fakeTracker struct {
	mu    sync.Mutex
	entry *executor.Entry
}

func (f *fakeTracker) GetByTask(taskID string) *executor.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entry == nil || f.entry.TaskID != taskID {
		return nil
	}
	cp := *f.entry
	return &cp
}

func (f *fakeTracker) SetWaitingApproval(executionID, approvalID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entry != nil && f.entry.ExecutionID == executionID {
		f.entry.Status = execlog.StatusWaitingApproval
		f.entry.ApprovalID = approvalID
	}
}

func (f *fakeTracker) Remove(executionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entry != nil && f.entry.ExecutionID == executionID {
		f.entry = nil
	}
}

type harness struct {
	service  *approval.Service
	store    *approval.Store
	tasks    *task.Repository
	resumer  *fakeResumer
	notifier *fakeNotifier
	tracker  *fakeTracker
	task     *task.Task
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	repo, err := task.NewRepository(filepath.Join(dir, "tasks.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	tk := &task.Task{
		Name:       "planner",
		Schedule:   "0 2 * * *",
		WorkingDir: dir,
		Prompt:     "review the repo",
		Timeout:    60,
		Enabled:    true,
		PlanMode:   true,
	}
	if err := repo.Save(tk); err != nil {
		t.Fatal(err)
	}

	store := openStore(t)
	resumer := &fakeResumer{}
	notifier := &fakeNotifier{}
	tracker := &fakeTracker{entry: &executor.Entry{
		ExecutionID: "exec-1",
		TaskID:      tk.ID,
		Status:      execlog.StatusRunning,
		StartedAt:   time.Now().UTC(),
	}}

	svc := approval.NewService(store, repo, resumer, notifier, tracker, 24*time.Hour, nil, nil)
	return &harness{service: svc, store: store, tasks: repo, resumer: resumer, notifier: notifier, tracker: tracker, task: tk}
}

func (h *harness) planReady(t *testing.T) *approval.PendingApproval {
	t.Helper()
	a, err := h.service.OnPlanReady(context.Background(), h.task, &execlog.Result{
		TaskID:    h.task.ID,
		SessionID: "sess-1",
		Status:    execlog.StatusWaitingApproval,
		Output:    "1. build\n2. ship",
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("OnPlanReady: %v", err)
	}
	return a
}

func TestOnPlanReady(t *testing.T) {
	h := newHarness(t)
	a := h.planReady(t)

	if len(h.notifier.approvals) != 1 {
		t.Fatalf("expected one interactive send, got %d", len(h.notifier.approvals))
	}
	got, err := h.store.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != approval.StatusPending || len(got.Messages) != 1 {
		t.Fatalf("approval not recorded: %+v", got)
	}
	if h.tracker.entry == nil || h.tracker.entry.ApprovalID != a.ID {
		t.Fatal("tracker entry not parked on the approval")
	}
}

func TestApproveResumesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	a := h.planReady(t)
	ctx := context.Background()

	ack, err := h.service.HandleCallback(ctx, a.ID, "approve", "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if ack == "" {
		t.Fatal("empty ack")
	}

	// Duplicate delivery observes the terminal state and no-ops.
	ack2, err := h.service.HandleCallback(ctx, a.ID, "approve", "")
	if err != nil {
		t.Fatalf("duplicate approve: %v", err)
	}
	if ack2 != "Plan already approved." {
		t.Fatalf("duplicate ack = %q", ack2)
	}

	waitFor(t, 2*time.Second, func() bool { return h.resumer.count() == 1 })
	h.resumer.mu.Lock()
	call := h.resumer.calls[0]
	h.resumer.mu.Unlock()
	if call.sessionID != "sess-1" || call.feedback != "" {
		t.Fatalf("resume call = %+v", call)
	}

	got, _ := h.store.Get(ctx, a.ID)
	if got.Status != approval.StatusApproved {
		t.Fatalf("status = %s", got.Status)
	}
	if len(h.notifier.updates) != 1 {
		t.Fatalf("approval message not updated: %v", h.notifier.updates)
	}
	if h.tracker.entry != nil {
		t.Fatal("parked execution not released")
	}
}

func TestRejectDoesNotResume(t *testing.T) {
	h := newHarness(t)
	a := h.planReady(t)

	if _, err := h.service.HandleCallback(context.Background(), a.ID, "reject", ""); err != nil {
		t.Fatal(err)
	}

	got, _ := h.store.Get(context.Background(), a.ID)
	if got.Status != approval.StatusRejected {
		t.Fatalf("status = %s", got.Status)
	}
	time.Sleep(50 * time.Millisecond)
	if h.resumer.count() != 0 {
		t.Fatal("reject must not resume")
	}
}

func TestDiscussRevisesPlan(t *testing.T) {
	h := newHarness(t)
	h.resumer.out = "1. build with Python 3.12\n2. ship"
	a := h.planReady(t)
	ctx := context.Background()

	if _, err := h.service.HandleCallback(ctx, a.ID, "discuss", "use Python 3.12"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, err := h.store.Get(ctx, a.ID)
		return err == nil && got.Status == approval.StatusPending && got.Plan == h.resumer.out
	})

	h.resumer.mu.Lock()
	call := h.resumer.calls[0]
	h.resumer.mu.Unlock()
	if call.feedback != "use Python 3.12" || call.sessionID != "sess-1" {
		t.Fatalf("resume call = %+v", call)
	}
	if h.notifier.buttonStrips != 1 {
		t.Fatalf("old buttons not stripped: %d", h.notifier.buttonStrips)
	}
	if len(h.notifier.approvals) != 2 {
		t.Fatalf("expected a fresh interactive message, got %d sends", len(h.notifier.approvals))
	}

	got, _ := h.store.Get(ctx, a.ID)
	if len(got.Messages) != 1 || got.Messages[0].MessageID != 2 {
		t.Fatalf("message refs not replaced: %+v", got.Messages)
	}
}

func TestDiscussRequiresFeedback(t *testing.T) {
	h := newHarness(t)
	a := h.planReady(t)
	if _, err := h.service.HandleCallback(context.Background(), a.ID, "discuss", "  "); err == nil {
		t.Fatal("expected error for empty feedback")
	}
}

func TestExpiredApprovalIgnoresCallbacks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := &approval.PendingApproval{
		TaskID:    h.task.ID,
		TaskName:  h.task.Name,
		SessionID: "sess-old",
		Plan:      "stale plan",
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	if err := h.store.Create(ctx, a); err != nil {
		t.Fatal(err)
	}

	ack, err := h.service.HandleCallback(ctx, a.ID, "approve", "")
	if err != nil {
		t.Fatal(err)
	}
	if ack != "Plan already expired." {
		t.Fatalf("ack = %q", ack)
	}
	if h.resumer.count() != 0 {
		t.Fatal("expired approval must not resume")
	}
}

func TestSweepUpdatesMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := &approval.PendingApproval{
		TaskID:    h.task.ID,
		TaskName:  h.task.Name,
		SessionID: "s",
		Plan:      "p",
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
		Messages:  []notify.MessageRef{{ChannelID: "chat", Provider: "fake", ChatID: "1", MessageID: 7}},
	}
	if err := h.store.Create(ctx, a); err != nil {
		t.Fatal(err)
	}

	n, err := h.service.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
	if len(h.notifier.updates) != 1 {
		t.Fatalf("expired message not updated: %v", h.notifier.updates)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	h := newHarness(t)
	a := h.planReady(t)
	if _, err := h.service.HandleCallback(context.Background(), a.ID, "promote", ""); err == nil {
		t.Fatal("expected error for unknown action")
	}
}
