// Package agent abstracts over coding-agent CLIs. Each provider knows how to
// build an argv for a request and how to parse the binary's streaming output.
package agent

import (
	"errors"
	"fmt"
)

var ErrProviderNotFound = errors.New("agent provider not found")

// ProviderError reports an agent-side failure with provider attribution.
type ProviderError struct {
	Provider string
	Detail   string
	Cause    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Detail)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Capabilities describes what a provider's CLI supports.
type Capabilities struct {
	PlanMode   bool
	Resume     bool
	Streaming  bool
	Autonomous bool
	// AutonomousFlag is the CLI flag that grants full autonomy, empty when
	// Autonomous is false.
	AutonomousFlag string
	// Models maps the provider-independent tiers small/medium/large to
	// provider model names.
	Models map[string]string
}

// Request carries everything a provider needs to build an argv.
type Request struct {
	Prompt string
	// Model is a tier name: small, medium or large.
	Model string
	// SessionID resumes a prior session when non-empty.
	SessionID string
	PlanMode  bool
	// AppendSystemPrompt is extra system-prompt text, used by the plan and
	// approval phases.
	AppendSystemPrompt string
	Autonomous         bool
	MaxTurns           int
	AllowedTools       []string
}

// ParsedOutput is what a provider extracted from the subprocess stream.
type ParsedOutput struct {
	// Text is the concatenated assistant output.
	Text string
	// SessionID is the provider-issued session id, when the stream carried one.
	SessionID string
}

// Provider adapts one agent CLI.
type Provider interface {
	Name() string
	DisplayName() string
	Capabilities() Capabilities
	// Executable resolves the agent binary, normally via PATH. The result
	// is cached for the provider's lifetime.
	Executable() (string, error)
	// BuildCommand maps a request to a full argv (argv[0] = executable).
	BuildCommand(req Request) ([]string, error)
	// ParseOutput consumes the raw captured stdout.
	ParseOutput(raw string) ParsedOutput
	// ValidateRequest rejects requests the CLI cannot express, before any
	// subprocess is spawned.
	ValidateRequest(req Request) error
}

// resolveModel maps a tier to the provider's model name. An empty tier picks
// medium; an unknown tier is an error.
func resolveModel(caps Capabilities, providerName, tier string) (string, error) {
	if tier == "" {
		tier = "medium"
	}
	model, ok := caps.Models[tier]
	if !ok {
		return "", &ProviderError{Provider: providerName,
			Detail: fmt.Sprintf("unknown model tier %q", tier)}
	}
	return model, nil
}
