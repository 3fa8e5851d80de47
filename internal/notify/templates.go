package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/basket/cronpilot/internal/execlog"
	"github.com/basket/cronpilot/internal/task"
)

// CallbackPrefix tags button callback data belonging to plan approvals.
const CallbackPrefix = "plan"

// Actions carried in callback data.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionDiscuss = "discuss"
)

// CallbackData encodes a button token: "plan:<action>:<approval_id>".
func CallbackData(action, approvalID string) string {
	return CallbackPrefix + ":" + action + ":" + approvalID
}

// ParseCallbackData decodes a button token. Non-plan tokens are an error.
func ParseCallbackData(data string) (action, approvalID string, err error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != CallbackPrefix {
		return "", "", fmt.Errorf("not a plan callback: %q", data)
	}
	if parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("malformed plan callback: %q", data)
	}
	return parts[1], parts[2], nil
}

// outputPreviewLimit bounds how much captured output a notification embeds.
const outputPreviewLimit = 1500

// RenderEvent builds the HTML message body for a lifecycle event. Providers
// that cannot render HTML strip it in FormatMessage.
func RenderEvent(event Event, t *task.Task, result *execlog.Result, includeOutput bool) string {
	var b strings.Builder
	switch event {
	case EventTaskStart:
		fmt.Fprintf(&b, "⏳ <b>Task started</b>\n\n")
		fmt.Fprintf(&b, "Task: <b>%s</b>\n", html.EscapeString(t.Name))
		fmt.Fprintf(&b, "Schedule: <code>%s</code>\n", html.EscapeString(t.Schedule))
		fmt.Fprintf(&b, "Started: %s", time.Now().UTC().Format(time.RFC3339))
	case EventTaskSuccess:
		fmt.Fprintf(&b, "✅ <b>Task succeeded</b>\n\n")
		fmt.Fprintf(&b, "Task: <b>%s</b>\n", html.EscapeString(t.Name))
		appendResult(&b, result, includeOutput)
	case EventTaskFailure:
		fmt.Fprintf(&b, "❌ <b>Task failed</b>\n\n")
		fmt.Fprintf(&b, "Task: <b>%s</b>\n", html.EscapeString(t.Name))
		appendResult(&b, result, includeOutput)
		if result != nil && result.Error != "" {
			fmt.Fprintf(&b, "\nError: <code>%s</code>", html.EscapeString(truncate(result.Error, 500)))
		}
	case EventTaskComplete:
		fmt.Fprintf(&b, "<b>Task finished</b>\n\n")
		fmt.Fprintf(&b, "Task: <b>%s</b>\n", html.EscapeString(t.Name))
		appendResult(&b, result, includeOutput)
	case EventPlanReady:
		fmt.Fprintf(&b, "\U0001f4cb <b>Plan ready for review</b>\n\n")
		fmt.Fprintf(&b, "Task: <b>%s</b>", html.EscapeString(t.Name))
	case EventPlanApproved:
		fmt.Fprintf(&b, "✅ <b>Plan approved</b>\n\n")
		fmt.Fprintf(&b, "Task: <b>%s</b>", html.EscapeString(t.Name))
	case EventPlanRejected:
		fmt.Fprintf(&b, "❌ <b>Plan rejected</b>\n\n")
		fmt.Fprintf(&b, "Task: <b>%s</b>", html.EscapeString(t.Name))
	default:
		fmt.Fprintf(&b, "Task <b>%s</b>: %s", html.EscapeString(t.Name), string(event))
	}
	return b.String()
}

func appendResult(b *strings.Builder, result *execlog.Result, includeOutput bool) {
	if result == nil {
		return
	}
	fmt.Fprintf(b, "Status: <code>%s</code>\n", result.Status)
	if !result.StartedAt.IsZero() && !result.FinishedAt.IsZero() {
		fmt.Fprintf(b, "Duration: %s\n", result.FinishedAt.Sub(result.StartedAt).Round(time.Second))
	}
	if includeOutput && strings.TrimSpace(result.Output) != "" {
		fmt.Fprintf(b, "\n<pre>%s</pre>", html.EscapeString(truncate(result.Output, outputPreviewLimit)))
	}
}

// ApprovalMessage builds the interactive plan review message with the three
// decision buttons.
func ApprovalMessage(taskName, plan, approvalID string) InteractiveMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "\U0001f4cb <b>Plan approval required</b>\n\n")
	fmt.Fprintf(&b, "Task: <b>%s</b>\n\n", html.EscapeString(taskName))
	fmt.Fprintf(&b, "<pre>%s</pre>\n\n", html.EscapeString(truncate(plan, 3000)))
	fmt.Fprintf(&b, "Approve to execute, reject to discard, or discuss to refine the plan.")

	return InteractiveMessage{
		Text: b.String(),
		ButtonRows: [][]Button{{
			{Text: "✅ Approve", CallbackData: CallbackData(ActionApprove, approvalID), Style: StyleSuccess},
			{Text: "❌ Reject", CallbackData: CallbackData(ActionReject, approvalID), Style: StyleDanger},
			{Text: "\U0001f4ac Discuss", CallbackData: CallbackData(ActionDiscuss, approvalID), Style: StyleDefault},
		}},
	}
}

// ApprovalStatusMessage is the replacement text written onto an approval
// message once the decision lands.
func ApprovalStatusMessage(taskName, status, details string) string {
	var b strings.Builder
	switch status {
	case "approved":
		fmt.Fprintf(&b, "✅ <b>Plan approved</b>\n\n")
	case "rejected":
		fmt.Fprintf(&b, "❌ <b>Plan rejected</b>\n\n")
	case "expired":
		fmt.Fprintf(&b, "⏰ <b>Plan approval expired</b>\n\n")
	default:
		fmt.Fprintf(&b, "<b>Plan %s</b>\n\n", html.EscapeString(status))
	}
	fmt.Fprintf(&b, "Task: <b>%s</b>", html.EscapeString(taskName))
	if details != "" {
		fmt.Fprintf(&b, "\n\n%s", html.EscapeString(details))
	}
	return b.String()
}
