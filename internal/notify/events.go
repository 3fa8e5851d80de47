package notify

// Event identifies a notification trigger. Values match the strings used in
// a task's notification policy.
type Event string

const (
	EventTaskStart    Event = "task_start"
	EventTaskComplete Event = "task_complete"
	EventTaskSuccess  Event = "task_success"
	EventTaskFailure  Event = "task_failure"
	EventPlanReady    Event = "plan_ready"
	EventPlanApproved Event = "plan_approved"
	EventPlanRejected Event = "plan_rejected"
)

// completionEvents are the events a "task_complete" subscription also covers.
var completionEvents = map[Event]bool{
	EventTaskSuccess: true,
	EventTaskFailure: true,
}

// subscribed reports whether a policy's event list covers the fired event.
// An empty list means everything. "task_complete" is a shorthand that also
// matches the success and failure refinements.
func subscribed(events []string, fired Event) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if Event(e) == fired {
			return true
		}
		if Event(e) == EventTaskComplete && completionEvents[fired] {
			return true
		}
	}
	return false
}
