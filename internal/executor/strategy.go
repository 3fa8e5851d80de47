package executor

import (
	"fmt"
	"strings"

	"github.com/basket/cronpilot/internal/agent"
	"github.com/basket/cronpilot/internal/skills"
	"github.com/basket/cronpilot/internal/task"
)

// System prompt appended to every scheduled run. Keeps the agent from
// refusing non-coding work the user explicitly scheduled.
const taskSystemPrompt = "You are running as a scheduled task agent. You can help with ANY task the user " +
	"has scheduled, including but not limited to: coding, content creation, research, " +
	"writing, analysis, and automation. Do not refuse tasks based on them being " +
	"'non-coding' - the user has explicitly scheduled this task and expects you to " +
	"complete it."

// System prompt for the read-only planning phase.
const planModeSystemPrompt = "You are running as a scheduled task agent. You can help with ANY task the user " +
	"has scheduled, including but not limited to: coding, content creation, research, " +
	"writing, analysis, and automation. Do not refuse tasks based on them being " +
	"'non-coding' - the user has explicitly scheduled this task and expects you to " +
	"complete it. If the task involves creating content (tweets, articles, etc.), " +
	"generate the content directly. If it involves file operations, plan those operations."

// System prompt for the post-approval phase.
const approvalSystemPrompt = "You are running as a scheduled task agent. The user has reviewed and APPROVED " +
	"your plan. Complete the task now without refusing or redirecting. You can help " +
	"with ANY task: coding, content creation, research, writing, analysis, automation. " +
	"If the task involves files, create/modify them. If it's content generation, " +
	"output the final content. The user explicitly approved this - proceed fully."

// approvedPrompt is the canned resume prompt sent after the user approves.
const approvedPrompt = "USER APPROVED. Complete the task now."

// Context is the input a strategy maps into an agent request.
type Context struct {
	Task      *task.Task
	Skill     *skills.Skill
	Prompt    string
	SessionID string
	Feedback  string
}

// Strategy builds the provider request for one execution shape. Argv
// composition itself is the provider's job.
type Strategy interface {
	Name() string
	BuildRequest(c Context) (agent.Request, error)
}

// allowedTools prefers the skill's tool list over the task's.
func allowedTools(c Context) []string {
	if c.Skill != nil && len(c.Skill.AllowedTools) > 0 {
		return c.Skill.AllowedTools
	}
	return c.Task.AllowedTools
}

type headlessStrategy struct{}

func (headlessStrategy) Name() string { return "headless" }

func (headlessStrategy) BuildRequest(c Context) (agent.Request, error) {
	return agent.Request{
		Prompt:             c.Prompt,
		Model:              c.Task.Model,
		MaxTurns:           c.Task.MaxTurns,
		AllowedTools:       allowedTools(c),
		AppendSystemPrompt: taskSystemPrompt,
	}, nil
}

type autonomousStrategy struct{}

func (autonomousStrategy) Name() string { return "autonomous" }

func (autonomousStrategy) BuildRequest(c Context) (agent.Request, error) {
	return agent.Request{
		Prompt:             c.Prompt,
		Model:              c.Task.Model,
		MaxTurns:           c.Task.MaxTurns,
		AllowedTools:       allowedTools(c),
		AppendSystemPrompt: taskSystemPrompt,
		Autonomous:         true,
	}, nil
}

// skillStrategy invokes a skill with /name syntax.
type skillStrategy struct{}

func (skillStrategy) Name() string { return "skill" }

func (skillStrategy) BuildRequest(c Context) (agent.Request, error) {
	if c.Skill == nil {
		return agent.Request{}, fmt.Errorf("skill strategy requires a skill in context")
	}
	prompt := "/" + c.Skill.Name
	if strings.TrimSpace(c.Prompt) != "" {
		prompt += " " + c.Prompt
	}
	return agent.Request{
		Prompt:             prompt,
		Model:              c.Task.Model,
		MaxTurns:           c.Task.MaxTurns,
		AllowedTools:       allowedTools(c),
		AppendSystemPrompt: taskSystemPrompt,
		Autonomous:         c.Task.Autonomous,
	}, nil
}

// planModeStrategy runs the read-only planning phase.
type planModeStrategy struct{}

func (planModeStrategy) Name() string { return "plan_mode" }

func (planModeStrategy) BuildRequest(c Context) (agent.Request, error) {
	return agent.Request{
		Prompt:             c.Prompt,
		Model:              c.Task.Model,
		MaxTurns:           c.Task.MaxTurns,
		AllowedTools:       allowedTools(c),
		AppendSystemPrompt: planModeSystemPrompt,
		PlanMode:           true,
	}, nil
}

// resumeWithApprovalStrategy resumes the planning session with full
// permissions after the user approved.
type resumeWithApprovalStrategy struct{}

func (resumeWithApprovalStrategy) Name() string { return "resume_with_approval" }

func (resumeWithApprovalStrategy) BuildRequest(c Context) (agent.Request, error) {
	if c.SessionID == "" {
		return agent.Request{}, fmt.Errorf("resume strategy requires a session id")
	}
	return agent.Request{
		Prompt:             approvedPrompt,
		Model:              c.Task.Model,
		SessionID:          c.SessionID,
		AppendSystemPrompt: approvalSystemPrompt,
		Autonomous:         true,
	}, nil
}

// resumeWithFeedbackStrategy resumes the planning session, still read-only,
// with the user's feedback as the prompt.
type resumeWithFeedbackStrategy struct{}

func (resumeWithFeedbackStrategy) Name() string { return "resume_with_feedback" }

func (resumeWithFeedbackStrategy) BuildRequest(c Context) (agent.Request, error) {
	if c.SessionID == "" {
		return agent.Request{}, fmt.Errorf("resume strategy requires a session id")
	}
	if strings.TrimSpace(c.Feedback) == "" {
		return agent.Request{}, fmt.Errorf("feedback strategy requires feedback text")
	}
	return agent.Request{
		Prompt:             c.Feedback,
		Model:              c.Task.Model,
		SessionID:          c.SessionID,
		AppendSystemPrompt: planModeSystemPrompt,
		PlanMode:           true,
	}, nil
}

// SelectPrimary picks the strategy for a first (non-resume) dispatch.
func SelectPrimary(t *task.Task) Strategy {
	switch {
	case t.PlanMode:
		return planModeStrategy{}
	case t.Skill != "":
		return skillStrategy{}
	case t.Autonomous:
		return autonomousStrategy{}
	default:
		return headlessStrategy{}
	}
}

// ResumeWithApproval is the phase-2 strategy after an approve decision.
func ResumeWithApproval() Strategy { return resumeWithApprovalStrategy{} }

// ResumeWithFeedback is the phase-2 strategy after a discuss decision.
func ResumeWithFeedback() Strategy { return resumeWithFeedbackStrategy{} }
