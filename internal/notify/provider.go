// Package notify delivers task lifecycle and plan approval notifications to
// chat platforms. Providers are registered by name; channels bind a provider
// to a concrete destination plus a credential id resolved at send time.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrProviderNotFound = errors.New("notification provider not found")
	ErrNotInteractive   = errors.New("provider does not support interactive messages")
)

// ProviderError wraps a chat platform API or transport failure.
type ProviderError struct {
	Provider string
	Detail   string
	Cause    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Detail)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Channel is one notification target from channels.yaml. Config holds
// provider-specific non-secret settings; secrets live behind CredentialID.
type Channel struct {
	ID           string         `yaml:"id"`
	Provider     string         `yaml:"provider"`
	Name         string         `yaml:"name"`
	Enabled      bool           `yaml:"enabled"`
	Config       map[string]any `yaml:"config"`
	CredentialID string         `yaml:"credential_id"`
}

// SendOptions tunes a plain send. A non-zero MessageID asks the provider to
// edit that message in place instead of sending a new one.
type SendOptions struct {
	MessageID int
}

// SendResult reports where a message landed.
type SendResult struct {
	MessageID int
	ChatID    string
}

// ButtonStyle hints how a platform should render a button.
type ButtonStyle string

const (
	StyleDefault ButtonStyle = "default"
	StyleSuccess ButtonStyle = "success"
	StyleDanger  ButtonStyle = "danger"
)

// Button is one interactive button. CallbackData is the opaque token the
// platform carries back on click.
type Button struct {
	Text         string
	CallbackData string
	Style        ButtonStyle
}

// InteractiveMessage is a message with button rows attached.
type InteractiveMessage struct {
	Text       string
	ButtonRows [][]Button
}

// Provider is a chat platform adapter. Implementations must be safe for
// concurrent use; the dispatcher fans out across channels.
type Provider interface {
	Name() string
	DisplayName() string

	// ConfigSchema returns a JSON Schema document describing the channel's
	// non-secret config map.
	ConfigSchema() string
	ValidateConfig(config map[string]any) error
	ValidateCredentials(creds map[string]string) error

	// FormatMessage applies platform size limits and escaping.
	FormatMessage(text string) string
	Send(ctx context.Context, ch Channel, creds map[string]string, text string, opts SendOptions) (SendResult, error)
	TestConnection(ctx context.Context, ch Channel, creds map[string]string) (string, error)
}

// Interactive is implemented by providers that can attach buttons.
// Platforms without callback support may degrade buttons to links.
type Interactive interface {
	SendInteractive(ctx context.Context, ch Channel, creds map[string]string, msg InteractiveMessage) (SendResult, error)

	// RemoveButtons strips the keyboard from a sent message. A non-empty
	// newText also replaces the message body.
	RemoveButtons(ctx context.Context, ch Channel, creds map[string]string, messageID int, newText string) error
}

// Store reads channel definitions from a single YAML file. Reload swaps the
// snapshot; reads never touch disk.
type Store struct {
	path string

	mu       sync.RWMutex
	channels []Channel
}

type channelsFile struct {
	Channels []Channel `yaml:"channels"`
}

func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the channels file. A missing file is an empty store.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.channels = nil
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read channels file: %w", err)
	}
	var doc channelsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse channels file: %w", err)
	}
	s.mu.Lock()
	s.channels = doc.Channels
	s.mu.Unlock()
	return nil
}

// FindAll returns a copy of every channel.
func (s *Store) FindAll() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Channel, len(s.channels))
	copy(out, s.channels)
	return out
}

// Get returns the channel with the given id.
func (s *Store) Get(id string) (Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if ch.ID == id {
			return ch, nil
		}
	}
	return Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
}
