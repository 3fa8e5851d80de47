// Package execlog is the append-only record of execution outcomes. Each task
// gets its own JSON-lines file under the logs directory; records are never
// mutated after append.
package execlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Execution statuses.
const (
	StatusSuccess         = "success"
	StatusFailure         = "failure"
	StatusTimeout         = "timeout"
	StatusSkipped         = "skipped"
	StatusStopped         = "stopped"
	StatusWaitingApproval = "waiting_approval"
	StatusRunning         = "running"
)

// Result is one execution outcome. Append-only.
type Result struct {
	TaskID     string            `json:"task_id"`
	SessionID  string            `json:"session_id"`
	Status     string            `json:"status"`
	Output     string            `json:"output"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Filter narrows Find queries. Zero values mean "any".
type Filter struct {
	TaskID string
	Status string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// Stats summarizes the whole log directory.
type Stats struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	TaskCount int            `json:"task_count"`
}

// Repository stores per-task JSONL files. Appends are serialized per task;
// torn trailing lines left by a crash are truncated the first time a file
// is opened for append.
type Repository struct {
	dir string

	mu      sync.Mutex
	taskMus map[string]*sync.Mutex
	healed  map[string]bool
}

func NewRepository(dir string) (*Repository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	return &Repository{
		dir:     dir,
		taskMus: make(map[string]*sync.Mutex),
		healed:  make(map[string]bool),
	}, nil
}

func (r *Repository) taskPath(taskID string) string {
	return filepath.Join(r.dir, taskID+".jsonl")
}

func (r *Repository) lockTask(taskID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.taskMus[taskID]
	if !ok {
		mu = &sync.Mutex{}
		r.taskMus[taskID] = mu
	}
	return mu
}

// Save appends one result to the task's log file.
func (r *Repository) Save(res *Result) error {
	if res.TaskID == "" {
		return fmt.Errorf("save execution result: empty task id")
	}
	mu := r.lockTask(res.TaskID)
	mu.Lock()
	defer mu.Unlock()

	if err := r.healLocked(res.TaskID); err != nil {
		return err
	}

	line, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal execution result: %w", err)
	}
	f, err := os.OpenFile(r.taskPath(res.TaskID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append execution result: %w", err)
	}
	return nil
}

// healLocked truncates a trailing line without a newline terminator. Runs
// once per task per process. Caller holds the task mutex.
func (r *Repository) healLocked(taskID string) error {
	r.mu.Lock()
	done := r.healed[taskID]
	r.healed[taskID] = true
	r.mu.Unlock()
	if done {
		return nil
	}

	path := r.taskPath(taskID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read log file: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	cut := bytes.LastIndexByte(data, '\n')
	if cut < 0 {
		return os.Truncate(path, 0)
	}
	return os.Truncate(path, int64(cut+1))
}

func (r *Repository) readTask(taskID string) ([]*Result, error) {
	f, err := os.Open(r.taskPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var out []*Result
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var res Result
		if err := json.Unmarshal(line, &res); err != nil {
			// Torn or corrupt line: skip, it will be truncated on next append.
			continue
		}
		out = append(out, &res)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan log file: %w", err)
	}
	return out, nil
}

func (r *Repository) taskIDs() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list logs dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") || name == "system.jsonl" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}
	return ids, nil
}

// sortResults orders by start timestamp, ties broken by session id.
func sortResults(results []*Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].StartedAt.Equal(results[j].StartedAt) {
			return results[i].StartedAt.Before(results[j].StartedAt)
		}
		return results[i].SessionID < results[j].SessionID
	})
}

// FindByTask returns the task's results, oldest first, capped at limit
// newest entries when limit > 0.
func (r *Repository) FindByTask(taskID string, limit int) ([]*Result, error) {
	results, err := r.readTask(taskID)
	if err != nil {
		return nil, err
	}
	sortResults(results)
	if limit > 0 && len(results) > limit {
		results = results[len(results)-limit:]
	}
	return results, nil
}

// FindLatest returns the most recent result for a task, or nil.
func (r *Repository) FindLatest(taskID string) (*Result, error) {
	results, err := r.FindByTask(taskID, 0)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	return results[len(results)-1], nil
}

// Find applies a filter across the whole log directory.
func (r *Repository) Find(f Filter) ([]*Result, error) {
	var ids []string
	if f.TaskID != "" {
		ids = []string{f.TaskID}
	} else {
		var err error
		ids, err = r.taskIDs()
		if err != nil {
			return nil, err
		}
	}

	var all []*Result
	for _, id := range ids {
		results, err := r.readTask(id)
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			if f.Status != "" && res.Status != f.Status {
				continue
			}
			if !f.Since.IsZero() && res.StartedAt.Before(f.Since) {
				continue
			}
			if !f.Until.IsZero() && res.StartedAt.After(f.Until) {
				continue
			}
			all = append(all, res)
		}
	}
	sortResults(all)

	if f.Offset > 0 {
		if f.Offset >= len(all) {
			return nil, nil
		}
		all = all[f.Offset:]
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

// OverallStats aggregates counts across every task file.
func (r *Repository) OverallStats() (*Stats, error) {
	ids, err := r.taskIDs()
	if err != nil {
		return nil, err
	}
	stats := &Stats{ByStatus: make(map[string]int)}
	for _, id := range ids {
		results, err := r.readTask(id)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			stats.TaskCount++
		}
		for _, res := range results {
			stats.Total++
			stats.ByStatus[res.Status]++
		}
	}
	return stats, nil
}

// ClearTask removes a task's log file.
func (r *Repository) ClearTask(taskID string) error {
	mu := r.lockTask(taskID)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(r.taskPath(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove log file: %w", err)
	}
	return nil
}
