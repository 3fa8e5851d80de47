package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/cronpilot/internal/agent"
	"github.com/basket/cronpilot/internal/bus"
	"github.com/basket/cronpilot/internal/execlog"
	"github.com/basket/cronpilot/internal/executor"
	"github.com/basket/cronpilot/internal/scheduler"
	"github.com/basket/cronpilot/internal/session"
	"github.com/basket/cronpilot/internal/skills"
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

type scriptProvider struct {
	script string
}

func (p *scriptProvider) Name() string        { return "script" }
func (p *scriptProvider) DisplayName() string { return "Script" }
func (p *scriptProvider) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		PlanMode: true, Resume: true, Streaming: true, Autonomous: true,
		Models: map[string]string{"small": "s", "medium": "m", "large": "l"},
	}
}
func (p *scriptProvider) Executable() (string, error) { return "/bin/sh", nil }
func (p *scriptProvider) BuildCommand(req agent.Request) ([]string, error) {
	return []string{"/bin/sh", "-c", p.script}, nil
}
func (p *scriptProvider) ParseOutput(raw string) agent.ParsedOutput {
	return agent.ParsedOutput{Text: strings.TrimSpace(raw)}
}
func (p *scriptProvider) ValidateRequest(agent.Request) error { return nil }

type callbackLog struct {
	mu        sync.Mutex
	starts    []string
	completes []string
}

func (c *callbackLog) onStart(t *task.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts = append(c.starts, t.Name)
}

func (c *callbackLog) onComplete(t *task.Task, result *execlog.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completes = append(c.completes, t.Name+":"+result.Status)
}

type fakeSweeper struct {
	mu    sync.Mutex
	count int
}

func (f *fakeSweeper) Sweep(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return 0, nil
}

func (f *fakeSweeper) sweeps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type harness struct {
	sched   *scheduler.Scheduler
	tasks   *task.Repository
	tracker *executor.Tracker
	logs    *execlog.Repository
	cbs     *callbackLog
	sweeper *fakeSweeper
	home    string
}

func newHarness(t *testing.T, interval time.Duration) *harness {
	t.Helper()
	home := t.TempDir()

	tasks, err := task.NewRepository(filepath.Join(home, "tasks.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	sessions, err := session.NewManager(filepath.Join(home, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	logs, err := execlog.NewRepository(filepath.Join(home, "logs"))
	if err != nil {
		t.Fatal(err)
	}
	skillReg, err := skills.NewRegistry("", filepath.Join(home, "skills"), nil)
	if err != nil {
		t.Fatal(err)
	}

	agents := agent.NewRegistry()
	agents.Register("script", func() agent.Provider { return &scriptProvider{script: "echo ok"} })

	msgBus := bus.New()
	tracker := executor.NewTracker(msgBus, nil)
	exec := executor.New(tasks, sessions, logs, skillReg, agents, tracker, msgBus, "script", nil)

	sweeper := &fakeSweeper{}
	sched := scheduler.New(scheduler.Config{
		Tasks:    tasks,
		Executor: exec,
		Tracker:  tracker,
		Sweeper:  sweeper,
		Interval: interval,
		Window:   2 * time.Minute,
	})
	cbs := &callbackLog{}
	sched.SetCallbacks(cbs.onStart, cbs.onComplete)

	return &harness{sched: sched, tasks: tasks, tracker: tracker, logs: logs, cbs: cbs, sweeper: sweeper, home: home}
}

func (h *harness) addTask(t *testing.T, name, schedule string) *task.Task {
	t.Helper()
	tk := &task.Task{
		Name:       name,
		Schedule:   schedule,
		WorkingDir: h.home,
		Prompt:     "do it",
		Provider:   "script",
		Timeout:    60,
		Enabled:    true,
	}
	if err := h.tasks.Save(tk); err != nil {
		t.Fatal(err)
	}
	return tk
}

func TestRunTaskFiresCallbacks(t *testing.T) {
	h := newHarness(t, time.Minute)
	tk := h.addTask(t, "alpha", "* * * * *")

	result, err := h.sched.RunTask(context.Background(), tk, false)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if result.Status != execlog.StatusSuccess {
		t.Fatalf("status = %s", result.Status)
	}
	if len(h.cbs.starts) != 1 || h.cbs.starts[0] != "alpha" {
		t.Fatalf("starts = %v", h.cbs.starts)
	}
	if len(h.cbs.completes) != 1 || h.cbs.completes[0] != "alpha:success" {
		t.Fatalf("completes = %v", h.cbs.completes)
	}

	stored, err := h.tasks.FindByID(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.LastStatus != execlog.StatusSuccess {
		t.Fatalf("last_status = %s", stored.LastStatus)
	}
}

func TestRunTaskRejectsOverlap(t *testing.T) {
	h := newHarness(t, time.Minute)
	tk := h.addTask(t, "alpha", "* * * * *")

	execID, ok := h.tracker.TryStart(tk.ID)
	if !ok {
		t.Fatal("claim on an idle task failed")
	}
	if _, err := h.sched.RunTask(context.Background(), tk, false); !errors.Is(err, scheduler.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	h.tracker.SetWaitingApproval(execID, "ap-1")
	if _, err := h.sched.RunTask(context.Background(), tk, false); !errors.Is(err, scheduler.ErrAlreadyRunning) {
		t.Fatalf("waiting_approval should also reject, got %v", err)
	}

	h.tracker.Remove(execID)
	if _, err := h.sched.RunTask(context.Background(), tk, false); err != nil {
		t.Fatalf("run after release failed: %v", err)
	}
}

func TestRunDueSerialNameOrder(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addTask(t, "bravo", "* * * * *")
	h.addTask(t, "alpha", "* * * * *")
	h.addTask(t, "charlie", "0 0 1 1 *") // not due

	results := h.sched.RunDue(context.Background(), 2*time.Minute, false)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if len(h.cbs.starts) != 2 || h.cbs.starts[0] != "alpha" || h.cbs.starts[1] != "bravo" {
		t.Fatalf("dispatch order = %v", h.cbs.starts)
	}
}

func TestRunDueSkipsRunningTask(t *testing.T) {
	h := newHarness(t, time.Minute)
	tk := h.addTask(t, "alpha", "* * * * *")
	if _, ok := h.tracker.TryStart(tk.ID); !ok {
		t.Fatal("claim on an idle task failed")
	}

	results := h.sched.RunDue(context.Background(), 2*time.Minute, false)
	if len(results) != 0 {
		t.Fatalf("overlapping due instance should be dropped, got %d results", len(results))
	}
}

func TestDryRunSkipsCallbacks(t *testing.T) {
	h := newHarness(t, time.Minute)
	tk := h.addTask(t, "alpha", "* * * * *")

	result, err := h.sched.RunTask(context.Background(), tk, true)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != execlog.StatusSkipped {
		t.Fatalf("status = %s", result.Status)
	}
	if len(h.cbs.starts) != 0 || len(h.cbs.completes) != 0 {
		t.Fatal("dry run fired callbacks")
	}
}

func TestRunByName(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addTask(t, "alpha", "* * * * *")

	if _, err := h.sched.RunByName(context.Background(), "alpha", false); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sched.RunByName(context.Background(), "ghost", false); err == nil {
		t.Fatal("expected error for unknown name")
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addTask(t, "alpha", "* * * * *")
	off := h.addTask(t, "bravo", "0 4 * * *")
	if err := h.tasks.SetEnabled(off.ID, false); err != nil {
		t.Fatal(err)
	}

	st := h.sched.Status()
	if st.Enabled != 1 || st.Disabled != 1 {
		t.Fatalf("counts = %d enabled, %d disabled", st.Enabled, st.Disabled)
	}
	if _, ok := st.NextRuns["alpha"]; !ok {
		t.Fatal("missing next run for alpha")
	}
	if len(st.Due) != 1 || st.Due[0] != "alpha" {
		t.Fatalf("due = %v", st.Due)
	}
}

func TestGetUpcoming(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addTask(t, "hourly", "0 * * * *")

	upcoming := h.sched.GetUpcoming(3)
	if len(upcoming) != 3 {
		t.Fatalf("expected 3 upcoming fires, got %d", len(upcoming))
	}
	for i := 1; i < len(upcoming); i++ {
		if !upcoming[i].At.After(upcoming[i-1].At) {
			t.Fatal("upcoming times not strictly increasing")
		}
	}
}

func TestLoopTicksAndSweeps(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.addTask(t, "alpha", "* * * * *")

	h.sched.Start(context.Background())
	defer h.sched.Stop()

	waitFor(t, 3*time.Second, func() bool { return h.sweeper.sweeps() >= 2 })
	waitFor(t, 3*time.Second, func() bool {
		results, err := h.logs.FindByTask(taskID(t, h, "alpha"), 10)
		return err == nil && len(results) >= 1
	})
}

func taskID(t *testing.T, h *harness, name string) string {
	t.Helper()
	tk, err := h.tasks.FindByName(name)
	if err != nil {
		t.Fatal(err)
	}
	return tk.ID
}
