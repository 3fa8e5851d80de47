package bus

// Execution lifecycle topics.
const (
	TopicExecStarted   = "exec.started"
	TopicExecOutput    = "exec.output"
	TopicExecCompleted = "exec.completed"
)

// Approval lifecycle topics.
const (
	TopicApprovalCreated = "approval.created"
	TopicApprovalDecided = "approval.decided"
	TopicApprovalExpired = "approval.expired"
)

// ExecStartedEvent is published just before an agent subprocess spawns.
type ExecStartedEvent struct {
	ExecutionID string
	TaskID      string
	TaskName    string
	SessionID   string
}

// ExecOutputEvent carries one parsed text chunk from a running agent.
type ExecOutputEvent struct {
	ExecutionID string
	TaskID      string
	Chunk       string
}

// ExecCompletedEvent is published after the execution result is persisted.
type ExecCompletedEvent struct {
	ExecutionID string
	TaskID      string
	SessionID   string
	Status      string
}

// ApprovalEvent is published on approval state transitions.
type ApprovalEvent struct {
	ApprovalID string
	TaskID     string
	Status     string
}
