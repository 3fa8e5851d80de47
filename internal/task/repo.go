package task

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound      = errors.New("task not found")
	ErrDuplicateName = errors.New("task name already exists")
)

type taskFile struct {
	Tasks []*Task `yaml:"tasks"`
}

// Repository stores tasks in a single YAML document. Writes go through an
// in-process mutex and an atomic write-temp-rename; reads serve a snapshot
// of the last loaded state.
type Repository struct {
	path string

	mu    sync.RWMutex
	tasks []*Task
}

func NewRepository(path string) (*Repository, error) {
	r := &Repository{path: path}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.tasks = nil
			return nil
		}
		return fmt.Errorf("read task file: %w", err)
	}
	var doc taskFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse task file: %w", err)
	}
	for _, t := range doc.Tasks {
		t.applyDefaults()
	}
	r.tasks = doc.Tasks
	return nil
}

// Reload re-reads the task file, replacing the in-memory snapshot.
func (r *Repository) Reload() error {
	return r.load()
}

// persist must be called with r.mu held.
func (r *Repository) persist() error {
	data, err := yaml.Marshal(taskFile{Tasks: r.tasks})
	if err != nil {
		return fmt.Errorf("marshal task file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write task file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace task file: %w", err)
	}
	return nil
}

// FindAll returns a snapshot of every task, sorted by name.
func (r *Repository) FindAll() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, len(r.tasks))
	for i, t := range r.tasks {
		cp := *t
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindEnabled returns enabled tasks, sorted by name.
func (r *Repository) FindEnabled() []*Task {
	var out []*Task
	for _, t := range r.FindAll() {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

func (r *Repository) FindByID(id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tasks {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("id %q: %w", id, ErrNotFound)
}

func (r *Repository) FindByName(name string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tasks {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("name %q: %w", name, ErrNotFound)
}

// FindDue returns enabled tasks with a fire time inside (now-window, now],
// sorted by name for deterministic dispatch order.
func (r *Repository) FindDue(now time.Time, window time.Duration) ([]*Task, error) {
	var due []*Task
	for _, t := range r.FindEnabled() {
		ok, err := t.DueWithin(now, window)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", t.Name, err)
		}
		if ok {
			due = append(due, t)
		}
	}
	return due, nil
}

// Save validates and appends a new task. A missing id is minted. Name
// collisions fail with ErrDuplicateName wrapped in a ValidationError.
func (r *Repository) Save(t *Task) error {
	t.applyDefaults()
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tasks {
		if existing.Name == t.Name {
			return &ValidationError{TaskName: t.Name, Field: "name",
				Reason: "already exists", Cause: ErrDuplicateName}
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	cp := *t
	r.tasks = append(r.tasks, &cp)
	if err := r.persist(); err != nil {
		r.tasks = r.tasks[:len(r.tasks)-1]
		return err
	}
	return nil
}

// Update replaces the stored task with the same id. Renames that collide
// with another task fail with ErrDuplicateName.
func (r *Repository) Update(t *Task) error {
	t.applyDefaults()
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := -1
	for i, existing := range r.tasks {
		if existing.ID == t.ID {
			idx = i
			continue
		}
		if existing.Name == t.Name {
			return &ValidationError{TaskName: t.Name, Field: "name",
				Reason: "already exists", Cause: ErrDuplicateName}
		}
	}
	if idx < 0 {
		return fmt.Errorf("id %q: %w", t.ID, ErrNotFound)
	}
	prev := r.tasks[idx]
	cp := *t
	r.tasks[idx] = &cp
	if err := r.persist(); err != nil {
		r.tasks[idx] = prev
		return err
	}
	return nil
}

// RecordRun updates last_run and last_status without revalidating the task,
// so a task whose working dir has since vanished still records its outcome.
func (r *Repository) RecordRun(id string, at time.Time, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.ID == id {
			ts := at
			t.LastRun = &ts
			t.LastStatus = status
			return r.persist()
		}
	}
	return fmt.Errorf("id %q: %w", id, ErrNotFound)
}

// Delete removes a task by id or name. Log records are not touched.
func (r *Repository) Delete(idOrName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tasks {
		if t.ID == idOrName || t.Name == idOrName {
			r.tasks = append(r.tasks[:i], r.tasks[i+1:]...)
			return r.persist()
		}
	}
	return fmt.Errorf("%q: %w", idOrName, ErrNotFound)
}

// SetEnabled flips a task's enabled flag by id or name.
func (r *Repository) SetEnabled(idOrName string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.ID == idOrName || t.Name == idOrName {
			t.Enabled = enabled
			return r.persist()
		}
	}
	return fmt.Errorf("%q: %w", idOrName, ErrNotFound)
}
