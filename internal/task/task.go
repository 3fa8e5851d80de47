// Package task defines the scheduled unit of agent work and its YAML-backed
// repository.
package task

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/cronpilot/internal/cronexpr"
)

const (
	MinTimeoutSeconds = 30
	MaxTimeoutSeconds = 3600
)

// ModelTiers are the provider-independent model sizes a task may request.
var ModelTiers = []string{"small", "medium", "large"}

// NotificationPolicy selects which channels hear about which events.
type NotificationPolicy struct {
	Channels      []string `yaml:"channels" json:"channels"`
	Events        []string `yaml:"events" json:"events"`
	IncludeOutput bool     `yaml:"include_output" json:"include_output"`
}

// Task is a persisted, scheduled unit of agent work. Exactly one of Skill
// and Prompt is set.
type Task struct {
	ID           string              `yaml:"id" json:"id"`
	Name         string              `yaml:"name" json:"name"`
	Schedule     string              `yaml:"schedule" json:"schedule"`
	WorkingDir   string              `yaml:"working_dir" json:"working_dir"`
	Skill        string              `yaml:"skill,omitempty" json:"skill,omitempty"`
	Prompt       string              `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	AllowedTools []string            `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	Provider     string              `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model        string              `yaml:"model" json:"model"`
	Autonomous   bool                `yaml:"autonomous" json:"autonomous"`
	PlanMode     bool                `yaml:"plan_mode,omitempty" json:"plan_mode,omitempty"`
	MaxTurns     int                 `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
	Timeout      int                 `yaml:"timeout" json:"timeout"`
	Enabled      bool                `yaml:"enabled" json:"enabled"`
	Variables    map[string]string   `yaml:"variables,omitempty" json:"variables,omitempty"`
	Notify       *NotificationPolicy `yaml:"notifications,omitempty" json:"notifications,omitempty"`
	LastRun      *time.Time          `yaml:"last_run,omitempty" json:"last_run,omitempty"`
	LastStatus   string              `yaml:"last_status,omitempty" json:"last_status,omitempty"`
}

// ValidationError reports a task that cannot be persisted or run.
type ValidationError struct {
	TaskName string
	Field    string
	Reason   string
	Cause    error
}

func (e *ValidationError) Error() string {
	if e.TaskName != "" {
		return fmt.Sprintf("task %q: invalid %s: %s", e.TaskName, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// applyDefaults fills optional fields before validation. An empty model
// means the medium tier.
func (t *Task) applyDefaults() {
	if strings.TrimSpace(t.Model) == "" {
		t.Model = "medium"
	}
}

// Validate checks all task invariants that do not depend on repository state.
// Uniqueness of name is enforced by the repository.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if err := cronexpr.Validate(t.Schedule); err != nil {
		return &ValidationError{TaskName: t.Name, Field: "schedule", Reason: err.Error(), Cause: err}
	}
	if t.WorkingDir == "" {
		return &ValidationError{TaskName: t.Name, Field: "working_dir", Reason: "must not be empty"}
	}
	if info, err := os.Stat(t.WorkingDir); err != nil || !info.IsDir() {
		return &ValidationError{TaskName: t.Name, Field: "working_dir", Reason: fmt.Sprintf("%s does not exist", t.WorkingDir)}
	}
	hasSkill := strings.TrimSpace(t.Skill) != ""
	hasPrompt := strings.TrimSpace(t.Prompt) != ""
	if hasSkill == hasPrompt {
		return &ValidationError{TaskName: t.Name, Field: "skill/prompt", Reason: "exactly one of skill and prompt must be set"}
	}
	if t.Timeout < MinTimeoutSeconds || t.Timeout > MaxTimeoutSeconds {
		return &ValidationError{TaskName: t.Name, Field: "timeout",
			Reason: fmt.Sprintf("must be between %d and %d seconds", MinTimeoutSeconds, MaxTimeoutSeconds)}
	}
	if t.MaxTurns < 0 {
		return &ValidationError{TaskName: t.Name, Field: "max_turns", Reason: "must be positive"}
	}
	if !validTier(t.Model) {
		return &ValidationError{TaskName: t.Name, Field: "model",
			Reason: fmt.Sprintf("%q is not one of %s", t.Model, strings.Join(ModelTiers, ", "))}
	}
	return nil
}

func validTier(model string) bool {
	for _, tier := range ModelTiers {
		if model == tier {
			return true
		}
	}
	return false
}

// NextRun returns the task's next fire time strictly after t.
func (t *Task) NextRun(after time.Time) (time.Time, error) {
	return cronexpr.NextAfter(t.Schedule, after)
}

// DueWithin reports whether the task had a fire time inside (now-window, now].
func (t *Task) DueWithin(now time.Time, window time.Duration) (bool, error) {
	return cronexpr.DueWithin(t.Schedule, now, window)
}
