package executor

import (
	"errors"
	"fmt"
)

// ExecutionError kinds.
const (
	KindBadWorkingDir = "bad_wd"
	KindSkillMissing  = "skill_missing"
	KindSpawn         = "spawn"
	KindInternal      = "internal"
)

var (
	ErrStopped = errors.New("execution stopped")

	// ErrAlreadyRunning reports a dispatch that lost the tracker claim to a
	// live execution of the same task.
	ErrAlreadyRunning = errors.New("task already has a live execution")
)

// ExecutionError wraps failures during strategy selection or subprocess
// handling. The executor persists a failure result before returning one.
type ExecutionError struct {
	TaskID string
	Kind   string
	Detail string
	Cause  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed (%s): %s", e.Kind, e.Detail)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }
