package agent

import (
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
)

// codexProvider drives the Codex CLI. No plan mode, no session resume; those
// are rejected at validation time rather than discovered as CLI errors.
type codexProvider struct {
	execOnce sync.Once
	execPath string
	execErr  error
}

func newCodexProvider() Provider { return &codexProvider{} }

func (p *codexProvider) Name() string        { return "codex" }
func (p *codexProvider) DisplayName() string { return "Codex CLI" }

func (p *codexProvider) Capabilities() Capabilities {
	return Capabilities{
		PlanMode:       false,
		Resume:         false,
		Streaming:      true,
		Autonomous:     true,
		AutonomousFlag: "--full-auto",
		Models: map[string]string{
			"small":  "gpt-5.1-codex-mini",
			"medium": "gpt-5.2-codex",
			"large":  "gpt-5.1-codex-max",
		},
	}
}

func (p *codexProvider) Executable() (string, error) {
	p.execOnce.Do(func() {
		p.execPath, p.execErr = exec.LookPath("codex")
		if p.execErr != nil {
			p.execErr = &ProviderError{Provider: p.Name(),
				Detail: "codex binary not found on PATH", Cause: p.execErr}
		}
	})
	return p.execPath, p.execErr
}

func (p *codexProvider) ValidateRequest(req Request) error {
	if req.PlanMode {
		return &ProviderError{Provider: p.Name(), Detail: "plan mode is not supported"}
	}
	if req.SessionID != "" {
		return &ProviderError{Provider: p.Name(), Detail: "session resume is not supported"}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return &ProviderError{Provider: p.Name(), Detail: "empty prompt"}
	}
	if _, err := resolveModel(p.Capabilities(), p.Name(), req.Model); err != nil {
		return err
	}
	return nil
}

func (p *codexProvider) BuildCommand(req Request) ([]string, error) {
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

	argv := []string{exe, "exec", "--json", "--model", model}
	if req.Autonomous {
		argv = append(argv, p.Capabilities().AutonomousFlag)
	}
	argv = append(argv, req.Prompt)
	return argv, nil
}

type codexEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ParseOutput concatenates message, result and error event content. Codex
// never issues a session id.
func (p *codexProvider) ParseOutput(raw string) ParsedOutput {
	var out strings.Builder
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message", "result", "error":
			out.WriteString(ev.Content)
		}
	}
	return ParsedOutput{Text: out.String()}
}
