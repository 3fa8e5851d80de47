package executor

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/cronpilot/internal/bus"
	"github.com/basket/cronpilot/internal/execlog"
)

// stopGrace is how long SIGTERM gets before SIGKILL.
const stopGrace = 5 * time.Second

// signalGroup signals the subprocess's whole process group, so shells and
// children it forked die with it. Falls back to the process alone when it
// never got its own group.
func signalGroup(p *os.Process, sig syscall.Signal) {
	if p == nil {
		return
	}
	if err := syscall.Kill(-p.Pid, sig); err != nil {
		_ = p.Signal(sig)
	}
}

// Entry is one live execution. In-memory only.
type Entry struct {
	ExecutionID string
	TaskID      string
	Status      string
	StartedAt   time.Time
	ApprovalID  string

	process       *os.Process
	stopRequested bool
}

// Tracker is the registry of live executions, keyed by task id. One entry
// per task at a time; the scheduler's re-entrancy check leans on this.
type Tracker struct {
	mu     sync.Mutex
	byTask map[string]*Entry
	logger *slog.Logger
	msgBus *bus.Bus
}

func NewTracker(msgBus *bus.Bus, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		byTask: make(map[string]*Entry),
		logger: logger,
		msgBus: msgBus,
	}
}

// TryStart claims the task's slot and registers a running execution. The
// claim fails while a live entry exists, including one parked on an approval;
// check-then-register races between concurrent dispatchers resolve here.
func (tr *Tracker) TryStart(taskID string) (string, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, exists := tr.byTask[taskID]; exists {
		return "", false
	}
	entry := &Entry{
		ExecutionID: uuid.NewString(),
		TaskID:      taskID,
		Status:      execlog.StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	tr.byTask[taskID] = entry
	return entry.ExecutionID, true
}

// Attach records the spawned process handle so Stop can signal it.
func (tr *Tracker) Attach(executionID string, process *os.Process) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if entry := tr.findLocked(executionID); entry != nil {
		entry.process = process
	}
}

// SetWaitingApproval parks an execution on a pending approval.
func (tr *Tracker) SetWaitingApproval(executionID, approvalID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if entry := tr.findLocked(executionID); entry != nil {
		entry.Status = execlog.StatusWaitingApproval
		entry.ApprovalID = approvalID
	}
}

// GetByTask returns a copy of the task's live entry, or nil.
func (tr *Tracker) GetByTask(taskID string) *Entry {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	entry, ok := tr.byTask[taskID]
	if !ok {
		return nil
	}
	cp := *entry
	cp.process = nil
	return &cp
}

// Running returns copies of every live entry.
func (tr *Tracker) Running() []*Entry {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]*Entry, 0, len(tr.byTask))
	for _, entry := range tr.byTask {
		cp := *entry
		cp.process = nil
		out = append(out, &cp)
	}
	return out
}

// Stop terminates an execution's process group: SIGTERM, then SIGKILL after
// the grace period. Returns false when the execution is unknown.
func (tr *Tracker) Stop(executionID string) bool {
	tr.mu.Lock()
	entry := tr.findLocked(executionID)
	if entry == nil {
		tr.mu.Unlock()
		return false
	}
	entry.stopRequested = true
	entry.Status = execlog.StatusStopped
	process := entry.process
	tr.mu.Unlock()

	if process == nil {
		return true
	}
	signalGroup(process, syscall.SIGTERM)
	go func() {
		time.Sleep(stopGrace)
		signalGroup(process, syscall.SIGKILL)
	}()
	return true
}

// StopRequested reports whether Stop was called for this execution. The
// executor uses it to record `stopped` instead of `failure` after the
// subprocess dies from our signal.
func (tr *Tracker) StopRequested(executionID string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	entry := tr.findLocked(executionID)
	return entry != nil && entry.stopRequested
}

// Remove drops an execution entry.
func (tr *Tracker) Remove(executionID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for taskID, entry := range tr.byTask {
		if entry.ExecutionID == executionID {
			delete(tr.byTask, taskID)
			return
		}
	}
}

// CleanupStale removes waiting_approval entries whose approval id is no
// longer valid. Runs at startup, after the approval store's sweep.
func (tr *Tracker) CleanupStale(validApprovalIDs map[string]bool) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	removed := 0
	for taskID, entry := range tr.byTask {
		if entry.Status == execlog.StatusWaitingApproval && !validApprovalIDs[entry.ApprovalID] {
			delete(tr.byTask, taskID)
			removed++
		}
	}
	return removed
}

// Run subscribes to completion events for self-cleanup. Blocks until ctx
// is done.
func (tr *Tracker) Run(ctx context.Context) {
	sub := tr.msgBus.Subscribe(bus.TopicExecCompleted)
	defer tr.msgBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			completed, ok := ev.Payload.(bus.ExecCompletedEvent)
			if !ok {
				continue
			}
			// Executions parked on an approval stay tracked until the
			// approval resolves.
			if completed.Status == execlog.StatusWaitingApproval {
				continue
			}
			tr.Remove(completed.ExecutionID)
		}
	}
}

func (tr *Tracker) findLocked(executionID string) *Entry {
	for _, entry := range tr.byTask {
		if entry.ExecutionID == executionID {
			return entry
		}
	}
	return nil
}
