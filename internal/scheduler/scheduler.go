// Package scheduler is the conductor: it discovers due tasks, dispatches
// them to the executor under a concurrency cap, and fires lifecycle
// callbacks for the notification and approval layers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/cronpilot/internal/cronexpr"
	"github.com/basket/cronpilot/internal/execlog"
	"github.com/basket/cronpilot/internal/executor"
	"github.com/basket/cronpilot/internal/otel"
	"github.com/basket/cronpilot/internal/task"
)

// ErrAlreadyRunning rejects a dispatch for a task that is running or parked
// on an approval. A due instance that overlaps a live one is dropped, not
// queued.
var ErrAlreadyRunning = errors.New("task is already running")

// StartFunc fires just before an execution spawns.
type StartFunc func(t *task.Task)

// CompleteFunc fires after an execution's result is persisted.
type CompleteFunc func(t *task.Task, result *execlog.Result)

// Sweeper expires stale approvals; invoked once per tick.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Config holds the scheduler's dependencies.
type Config struct {
	Tasks         *task.Repository
	Executor      *executor.Executor
	Tracker       *executor.Tracker
	Sweeper       Sweeper
	Logger        *slog.Logger
	Metrics       *otel.Metrics
	Interval      time.Duration // tick interval, default 1 minute
	Window        time.Duration // due-lookback window, default = interval
	MaxConcurrent int           // in-flight execution cap, default 1
}

// Scheduler runs tasks on their cron schedules.
type Scheduler struct {
	tasks    *task.Repository
	exec     *executor.Executor
	tracker  *executor.Tracker
	sweeper  Sweeper
	logger   *slog.Logger
	metrics  *otel.Metrics
	interval time.Duration
	window   time.Duration
	sem      chan struct{}

	cbMu       sync.RWMutex
	onStart    StartFunc
	onComplete CompleteFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	window := cfg.Window
	if window <= 0 {
		window = interval
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tasks:    cfg.Tasks,
		exec:     cfg.Executor,
		tracker:  cfg.Tracker,
		sweeper:  cfg.Sweeper,
		logger:   logger.With("component", "scheduler"),
		metrics:  cfg.Metrics,
		interval: interval,
		window:   window,
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// SetCallbacks registers the lifecycle hooks. Callbacks replace wiring the
// notification and approval layers directly; the scheduler never holds
// back-pointers to them.
func (s *Scheduler) SetCallbacks(onStart StartFunc, onComplete CompleteFunc) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onStart = onStart
	s.onComplete = onComplete
}

// FindDue returns enabled tasks due within the lookback window, sorted by
// name for deterministic dispatch order.
func (s *Scheduler) FindDue(now time.Time, window time.Duration) ([]*task.Task, error) {
	return s.tasks.FindDue(now, window)
}

// RunTask executes one task. Rejects with ErrAlreadyRunning while the task
// has a live execution, including one parked on an approval.
func (s *Scheduler) RunTask(ctx context.Context, t *task.Task, dryRun bool) (*execlog.Result, error) {
	if entry := s.tracker.GetByTask(t.ID); entry != nil {
		if entry.Status == execlog.StatusRunning || entry.Status == execlog.StatusWaitingApproval {
			return nil, fmt.Errorf("%w: %s (%s)", ErrAlreadyRunning, t.Name, entry.Status)
		}
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	if !dryRun {
		s.fireStart(t)
	}

	started := time.Now()
	result, err := s.exec.Execute(ctx, t, dryRun)
	if errors.Is(err, executor.ErrAlreadyRunning) {
		// Lost the tracker claim to a concurrent dispatch of the same task.
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, t.Name)
	}
	if result != nil {
		s.metrics.RecordExecution(ctx, t.Name, result.Status, time.Since(started))
		if !dryRun {
			s.fireComplete(t, result)
		}
	}
	return result, err
}

// RunDue executes every due task. Admission is FIFO in name order; the
// semaphore bounds how many run at once. Per-task failures are logged and
// collected, never aborting the batch.
func (s *Scheduler) RunDue(ctx context.Context, window time.Duration, dryRun bool) []*execlog.Result {
	if window <= 0 {
		window = s.window
	}
	due, err := s.tasks.FindDue(time.Now(), window)
	if err != nil {
		s.logger.Error("due task query failed", "error", err)
		return nil
	}
	return s.runBatch(ctx, due, dryRun)
}

// RunAll executes every enabled task regardless of schedule.
func (s *Scheduler) RunAll(ctx context.Context, dryRun bool) []*execlog.Result {
	return s.runBatch(ctx, s.tasks.FindEnabled(), dryRun)
}

// RunByName executes a single task by its unique name.
func (s *Scheduler) RunByName(ctx context.Context, name string, dryRun bool) (*execlog.Result, error) {
	t, err := s.tasks.FindByName(name)
	if err != nil {
		return nil, err
	}
	return s.RunTask(ctx, t, dryRun)
}

func (s *Scheduler) runBatch(ctx context.Context, batch []*task.Task, dryRun bool) []*execlog.Result {
	var (
		mu      sync.Mutex
		results []*execlog.Result
		wg      sync.WaitGroup
	)
	for _, t := range batch {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := s.RunTask(ctx, t, dryRun)
			if err != nil {
				if errors.Is(err, ErrAlreadyRunning) {
					s.logger.Info("skipping due task, already running", "task", t.Name)
				} else {
					s.logger.Error("task execution failed", "task", t.Name, "error", err)
				}
			}
			if result != nil {
				mu.Lock()
				results = append(results, result)
				mu.Unlock()
			}
		}()
		if cap(s.sem) == 1 {
			// Serial dispatch keeps batch order deterministic under the
			// default concurrency cap.
			wg.Wait()
		}
	}
	wg.Wait()
	return results
}

// Status summarizes the task set for the status surfaces.
type Status struct {
	Enabled  int                  `json:"enabled"`
	Disabled int                  `json:"disabled"`
	Running  int                  `json:"running"`
	Due      []string             `json:"due"`
	NextRuns map[string]time.Time `json:"next_runs"`
}

func (s *Scheduler) Status() *Status {
	st := &Status{NextRuns: make(map[string]time.Time)}
	now := time.Now()

	for _, t := range s.tasks.FindAll() {
		if !t.Enabled {
			st.Disabled++
			continue
		}
		st.Enabled++
		if next, err := cronexpr.NextAfter(t.Schedule, now); err == nil {
			st.NextRuns[t.Name] = next
		}
	}

	if due, err := s.tasks.FindDue(now, s.window); err == nil {
		for _, t := range due {
			st.Due = append(st.Due, t.Name)
		}
	}
	st.Running = len(s.tracker.Running())
	return st
}

// Upcoming is one predicted fire time.
type Upcoming struct {
	TaskName string    `json:"task_name"`
	Schedule string    `json:"schedule"`
	At       time.Time `json:"at"`
}

// GetUpcoming enumerates fire times across enabled tasks within the
// horizon, soonest first.
func (s *Scheduler) GetUpcoming(hours int) []Upcoming {
	if hours <= 0 {
		hours = 24
	}
	now := time.Now()
	horizon := now.Add(time.Duration(hours) * time.Hour)

	var out []Upcoming
	for _, t := range s.tasks.FindEnabled() {
		at := now
		for {
			next, err := cronexpr.NextAfter(t.Schedule, at)
			if err != nil || next.After(horizon) {
				break
			}
			out = append(out, Upcoming{TaskName: t.Name, Schedule: t.Schedule, At: next})
			at = next
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].TaskName < out[j].TaskName
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "window", s.window, "max_concurrent", cap(s.sem))
}

// Stop cancels the loop and waits for it to exit. In-flight executions run
// to completion under their own timeouts.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick sweeps expired approvals then dispatches due tasks. A panic ends
// the tick, never the loop.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", "panic", r)
		}
	}()

	if s.sweeper != nil {
		if n, err := s.sweeper.Sweep(ctx); err != nil {
			s.logger.Warn("approval sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("expired stale approvals", "count", n)
		}
	}

	results := s.RunDue(ctx, s.window, false)
	if len(results) > 0 {
		s.logger.Info("tick dispatched tasks", "count", len(results))
	}
}

func (s *Scheduler) fireStart(t *task.Task) {
	s.cbMu.RLock()
	cb := s.onStart
	s.cbMu.RUnlock()
	if cb != nil {
		cb(t)
	}
}

func (s *Scheduler) fireComplete(t *task.Task, result *execlog.Result) {
	s.cbMu.RLock()
	cb := s.onComplete
	s.cbMu.RUnlock()
	if cb != nil {
		cb(t, result)
	}
}
