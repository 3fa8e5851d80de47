package agent

import (
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// claudeProvider drives the Claude Code CLI in headless stream-json mode.
type claudeProvider struct {
	execOnce sync.Once
	execPath string
	execErr  error
}

func newClaudeProvider() Provider { return &claudeProvider{} }

func (p *claudeProvider) Name() string        { return "claude" }
func (p *claudeProvider) DisplayName() string { return "Claude Code" }

func (p *claudeProvider) Capabilities() Capabilities {
	return Capabilities{
		PlanMode:       true,
		Resume:         true,
		Streaming:      true,
		Autonomous:     true,
		AutonomousFlag: "--dangerously-skip-permissions",
		Models: map[string]string{
			"small":  "haiku",
			"medium": "sonnet",
			"large":  "opus",
		},
	}
}

func (p *claudeProvider) Executable() (string, error) {
	p.execOnce.Do(func() {
		p.execPath, p.execErr = exec.LookPath("claude")
		if p.execErr != nil {
			p.execErr = &ProviderError{Provider: p.Name(),
				Detail: "claude binary not found on PATH", Cause: p.execErr}
		}
	})
	return p.execPath, p.execErr
}

func (p *claudeProvider) ValidateRequest(req Request) error {
	if strings.TrimSpace(req.Prompt) == "" && req.SessionID == "" {
		return &ProviderError{Provider: p.Name(), Detail: "empty prompt"}
	}
	if _, err := resolveModel(p.Capabilities(), p.Name(), req.Model); err != nil {
		return err
	}
	return nil
}

func (p *claudeProvider) BuildCommand(req Request) ([]string, error) {
	if err := p.ValidateRequest(req); err != nil {
		return nil, err
	}
	exe, err := p.Executable()
	if err != nil {
		return nil, err
	}
	model, err := resolveModel(p.Capabilities(), p.Name(), req.Model)
	if err != nil {
		return nil, err
	}

	argv := []string{exe, "-p", req.Prompt,
		"--output-format", "stream-json", "--verbose", "--include-partial-messages",
		"--model", model,
	}
	if req.SessionID != "" {
		argv = append(argv, "--resume", req.SessionID)
	}
	if req.PlanMode {
		argv = append(argv, "--permission-mode", "plan")
	}
	if req.AppendSystemPrompt != "" {
		argv = append(argv, "--append-system-prompt", req.AppendSystemPrompt)
	}
	if req.Autonomous {
		argv = append(argv, p.Capabilities().AutonomousFlag)
	}
	if req.MaxTurns > 0 {
		argv = append(argv, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if len(req.AllowedTools) > 0 {
		argv = append(argv, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	return argv, nil
}

// Claude stream-json event shapes. Only the fields we read.
type claudeEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Event struct {
		Type  string `json:"type"`
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
}

// ParseOutput walks the JSON-lines stream. Incremental deltas win; full
// assistant text blocks are the next best; the terminal result is the
// fallback when neither appeared. The session id is taken from the first
// event that carries one.
func (p *claudeProvider) ParseOutput(raw string) ParsedOutput {
	var deltas, blocks strings.Builder
	var result, sessionID string

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev claudeEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if sessionID == "" && ev.SessionID != "" {
			sessionID = ev.SessionID
		}
		switch ev.Type {
		case "stream_event":
			if ev.Event.Type == "content_block_delta" {
				deltas.WriteString(ev.Event.Delta.Text)
			}
		case "assistant":
			for _, block := range ev.Message.Content {
				if block.Type == "text" {
					blocks.WriteString(block.Text)
				}
			}
		case "result":
			result = ev.Result
		}
	}

	text := deltas.String()
	if text == "" {
		text = blocks.String()
	}
	if text == "" {
		text = result
	}
	return ParsedOutput{Text: text, SessionID: sessionID}
}
