// Package executor turns a task into a supervised agent subprocess: strategy
// selection, spawn, streaming capture, watchdog, and result persistence.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/basket/cronpilot/internal/agent"
	"github.com/basket/cronpilot/internal/bus"
	"github.com/basket/cronpilot/internal/execlog"
	"github.com/basket/cronpilot/internal/session"
	"github.com/basket/cronpilot/internal/skills"
	"github.com/basket/cronpilot/internal/task"
)

// Env vars removed from the subprocess environment so the agent uses its
// interactive auth instead of an API key.
var scrubbedEnvVars = []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY"}

const defaultTimeoutSeconds = 300

type Executor struct {
	tasks    *task.Repository
	sessions *session.Manager
	logs     *execlog.Repository
	skills   *skills.Registry
	agents   *agent.Registry
	tracker  *Tracker
	msgBus   *bus.Bus
	logger   *slog.Logger

	defaultProvider string
}

func New(
	tasks *task.Repository,
	sessions *session.Manager,
	logs *execlog.Repository,
	skillReg *skills.Registry,
	agents *agent.Registry,
	tracker *Tracker,
	msgBus *bus.Bus,
	defaultProvider string,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultProvider == "" {
		defaultProvider = "claude"
	}
	return &Executor{
		tasks:           tasks,
		sessions:        sessions,
		logs:            logs,
		skills:          skillReg,
		agents:          agents,
		tracker:         tracker,
		msgBus:          msgBus,
		logger:          logger.With("component", "executor"),
		defaultProvider: defaultProvider,
	}
}

// Execute runs a task's primary dispatch. A plan-mode task that exits
// cleanly is recorded as waiting_approval rather than success; the approval
// flow owns the second phase.
func (e *Executor) Execute(ctx context.Context, t *task.Task, dryRun bool) (*execlog.Result, error) {
	return e.run(ctx, t, SelectPrimary(t), Context{Task: t, Prompt: t.Prompt}, dryRun)
}

// Resume re-enters a paused session: full permissions after approval, or
// plan mode with feedback after a discuss decision.
func (e *Executor) Resume(ctx context.Context, t *task.Task, sessionID, feedback string) (*execlog.Result, error) {
	strategy := ResumeWithApproval()
	c := Context{Task: t, SessionID: sessionID}
	if feedback != "" {
		strategy = ResumeWithFeedback()
		c.Feedback = feedback
	}
	return e.run(ctx, t, strategy, c, false)
}

func (e *Executor) providerFor(t *task.Task) (agent.Provider, error) {
	name := t.Provider
	if name == "" {
		name = e.defaultProvider
	}
	return e.agents.Get(name)
}

func (e *Executor) run(ctx context.Context, t *task.Task, strategy Strategy, c Context, dryRun bool) (*execlog.Result, error) {
	startedAt := time.Now().UTC()

	fail := func(sessionID string, execErr *ExecutionError) (*execlog.Result, error) {
		execErr.TaskID = t.ID
		result := &execlog.Result{
			TaskID:     t.ID,
			SessionID:  sessionID,
			Status:     execlog.StatusFailure,
			Error:      execErr.Error(),
			StartedAt:  startedAt,
			FinishedAt: time.Now().UTC(),
		}
		e.persist(t, result, sessionID)
		return result, execErr
	}

	if info, err := os.Stat(t.WorkingDir); err != nil || !info.IsDir() {
		return fail("", &ExecutionError{Kind: KindBadWorkingDir,
			Detail: fmt.Sprintf("working directory %s does not exist", t.WorkingDir)})
	}

	// A resume reuses the paused session; a fresh dispatch mints one.
	sessionID := c.SessionID
	var sess *session.Session
	if sessionID == "" {
		var err error
		sess, err = e.sessions.Create(t.ID, map[string]string{"strategy": strategy.Name()})
		if err != nil {
			return fail("", &ExecutionError{Kind: KindInternal, Detail: "create session", Cause: err})
		}
		sessionID = sess.ID
	}

	if t.Skill != "" {
		skill, err := e.skills.Get(t.Skill)
		if err != nil {
			return fail(sessionID, &ExecutionError{Kind: KindSkillMissing,
				Detail: fmt.Sprintf("skill %q not found", t.Skill), Cause: err})
		}
		c.Skill = skill
		if args, ok := t.Variables["arguments"]; ok {
			c.Prompt = args
		} else {
			c.Prompt = ""
		}
	}

	provider, err := e.providerFor(t)
	if err != nil {
		return fail(sessionID, &ExecutionError{Kind: KindInternal, Detail: err.Error(), Cause: err})
	}
	req, err := strategy.BuildRequest(c)
	if err != nil {
		return fail(sessionID, &ExecutionError{Kind: KindInternal, Detail: err.Error(), Cause: err})
	}
	argv, err := provider.BuildCommand(req)
	if err != nil {
		return fail(sessionID, &ExecutionError{Kind: KindSpawn, Detail: err.Error(), Cause: err})
	}

	if dryRun {
		result := &execlog.Result{
			TaskID:     t.ID,
			SessionID:  sessionID,
			Status:     execlog.StatusSkipped,
			Output:     "dry run",
			StartedAt:  startedAt,
			FinishedAt: time.Now().UTC(),
			Metadata: map[string]string{
				"command":  strings.Join(argv, " "),
				"strategy": strategy.Name(),
			},
		}
		if err := e.logs.Save(result); err != nil {
			e.logger.Error("persist dry-run result failed", "task", t.Name, "error", err)
		}
		return result, nil
	}

	execID, claimed := e.tracker.TryStart(t.ID)
	if !claimed {
		if sess != nil {
			// The freshly minted session never ran; close it out so it is
			// not flagged as orphaned at the next startup.
			_ = e.sessions.Complete(sessionID, session.StatusFailed, "", "concurrent execution already running")
		}
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, t.Name)
	}
	e.msgBus.Publish(bus.TopicExecStarted, bus.ExecStartedEvent{
		ExecutionID: execID,
		TaskID:      t.ID,
		TaskName:    t.Name,
		SessionID:   sessionID,
	})

	result := e.supervise(ctx, t, execID, sessionID, provider, argv)
	result.Metadata = map[string]string{"strategy": strategy.Name(), "provider": provider.Name()}

	// Plan phase: a clean exit pauses the task rather than finishing it.
	if strategy.Name() == "plan_mode" && result.Status == execlog.StatusSuccess {
		result.Status = execlog.StatusWaitingApproval
	}

	e.persist(t, result, sessionID)
	e.msgBus.Publish(bus.TopicExecCompleted, bus.ExecCompletedEvent{
		ExecutionID: execID,
		TaskID:      t.ID,
		SessionID:   result.SessionID,
		Status:      result.Status,
	})
	return result, nil
}

// supervise spawns the agent and owns it until exit: streaming capture,
// watchdog, stop detection.
func (e *Executor) supervise(ctx context.Context, t *task.Task, execID, sessionID string, provider agent.Provider, argv []string) *execlog.Result {
	startedAt := time.Now().UTC()
	result := &execlog.Result{
		TaskID:    t.ID,
		SessionID: sessionID,
		StartedAt: startedAt,
	}
	finish := func(status, output, errText string, exitCode *int) *execlog.Result {
		result.Status = status
		result.Output = output
		result.Error = errText
		result.FinishedAt = time.Now().UTC()
		result.ExitCode = exitCode
		return result
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = t.WorkingDir
	cmd.Env = scrubEnv(os.Environ())
	// Own process group, so termination signals reach forked children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return finish(execlog.StatusFailure, "", fmt.Sprintf("stdout pipe: %v", err), nil)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return finish(execlog.StatusFailure, "", fmt.Sprintf("stderr pipe: %v", err), nil)
	}

	if err := cmd.Start(); err != nil {
		return finish(execlog.StatusFailure, "", fmt.Sprintf("spawn %s: %v", argv[0], err), nil)
	}
	e.tracker.Attach(execID, cmd.Process)

	var stdoutBuf, stderrBuf strings.Builder
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			line := sc.Text()
			stdoutBuf.WriteString(line)
			stdoutBuf.WriteByte('\n')
			e.msgBus.Publish(bus.TopicExecOutput, bus.ExecOutputEvent{
				ExecutionID: execID,
				TaskID:      t.ID,
				Chunk:       line,
			})
		}
	}()
	go func() {
		defer readers.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			stderrBuf.WriteString(sc.Text())
			stderrBuf.WriteByte('\n')
		}
	}()

	timeout := time.Duration(t.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		signalGroup(cmd.Process, syscall.SIGTERM)
		time.Sleep(stopGrace)
		signalGroup(cmd.Process, syscall.SIGKILL)
		// A survivor that left the group can still hold the pipes open;
		// closing the read ends bounds the drain below.
		_ = stdout.Close()
		_ = stderr.Close()
	})
	defer watchdog.Stop()

	// Host shutdown kills the process group the same way the watchdog does.
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		<-watchCtx.Done()
		if ctx.Err() != nil {
			signalGroup(cmd.Process, syscall.SIGTERM)
		}
	}()

	readers.Wait()
	waitErr := cmd.Wait()

	raw := stdoutBuf.String()
	parsed := provider.ParseOutput(raw)
	output := parsed.Text
	if output == "" {
		output = strings.TrimSpace(raw)
	}
	if parsed.SessionID != "" && parsed.SessionID != sessionID {
		// The agent minted its own session id; it is authoritative for resume.
		if err := e.sessions.SetProviderID(sessionID, parsed.SessionID); err != nil {
			e.logger.Warn("record provider session id failed", "task", t.Name, "error", err)
		}
		result.SessionID = parsed.SessionID
	}

	exitCode := 0
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		exitCode = -1
	}

	switch {
	case e.tracker.StopRequested(execID):
		return finish(execlog.StatusStopped, output, "stopped by user", &exitCode)
	case timedOut.Load():
		return finish(execlog.StatusTimeout, output,
			fmt.Sprintf("timed out after %ds", int(timeout.Seconds())), &exitCode)
	case waitErr != nil:
		errText := strings.TrimSpace(stderrBuf.String())
		if errText == "" {
			errText = waitErr.Error()
		}
		return finish(execlog.StatusFailure, output, errText, &exitCode)
	default:
		return finish(execlog.StatusSuccess, output, "", &exitCode)
	}
}

// persist records the outcome everywhere it belongs: task last-run fields,
// session completion, execution log. Failures here are logged, never fatal;
// the result must outlive any error propagation. localSessionID is the id the
// session file lives under, which differs from result.SessionID once the
// agent mints its own.
func (e *Executor) persist(t *task.Task, result *execlog.Result, localSessionID string) {
	if err := e.tasks.RecordRun(t.ID, result.StartedAt, result.Status); err != nil {
		e.logger.Error("record task run failed", "task", t.Name, "error", err)
	}
	sessionStatus := session.StatusComplete
	if result.Status == execlog.StatusFailure || result.Status == execlog.StatusTimeout {
		sessionStatus = session.StatusFailed
	}
	// waiting_approval keeps the session active for the resume phase.
	if result.Status != execlog.StatusWaitingApproval {
		if err := e.completeOwnSession(localSessionID, result, sessionStatus); err != nil {
			e.logger.Warn("complete session failed", "task", t.Name, "error", err)
		}
	}
	if err := e.logs.Save(result); err != nil {
		e.logger.Error("persist execution result failed", "task", t.Name, "error", err)
	}
}

// completeOwnSession finalizes the session record when it is one of ours. A
// resume runs against the provider's session id, which has no local file.
func (e *Executor) completeOwnSession(localID string, result *execlog.Result, status string) error {
	if localID == "" {
		localID = result.SessionID
	}
	if _, err := e.sessions.Get(localID); err != nil {
		return nil
	}
	return e.sessions.Complete(localID, status, result.Output, result.Error)
}

func scrubEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if scrubbed(name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func scrubbed(name string) bool {
	for _, v := range scrubbedEnvVars {
		if name == v {
			return true
		}
	}
	return false
}
