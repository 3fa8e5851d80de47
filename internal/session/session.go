// Package session correlates task executions with agent subprocesses. Each
// session is one JSON file under the sessions directory; the id doubles as
// the resume handle unless the provider issues its own.
package session

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Session statuses.
const (
	StatusActive   = "active"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusOrphaned = "orphaned"
)

// Session is one execution attempt's correlation record.
type Session struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Output    string            `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// ProviderSessionID is the agent-issued session id, recorded when it
	// differs from ours. It is authoritative for resume.
	ProviderSessionID string `json:"provider_session_id,omitempty"`
}

// ResumeID returns the id to pass to the agent on resume.
func (s *Session) ResumeID() string {
	if s.ProviderSessionID != "" {
		return s.ProviderSessionID
	}
	return s.ID
}

// Manager owns session records. One JSON file per session; writes serialized
// behind a mutex.
type Manager struct {
	dir string
	mu  sync.Mutex
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// NewID mints a collision-resistant session id: 128 random bits rendered
// base36 lowercase.
func NewID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("mint session id: %w", err)
	}
	n := new(big.Int).SetBytes(buf[:])
	return n.Text(36), nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+".json")
}

// Create mints and persists a new active session for a task.
func (m *Manager) Create(taskID string, metadata map[string]string) (*Session, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:        id,
		TaskID:    taskID,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	if err := m.write(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) write(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	tmp := m.path(s.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, m.path(s.ID)); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	return nil
}

// Get loads a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	data, err := os.ReadFile(m.path(id))
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	return &s, nil
}

// SetProviderID records the agent-issued session id as the resume alias.
func (m *Manager) SetProviderID(id, providerID string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if providerID == "" || providerID == s.ID {
		return nil
	}
	s.ProviderSessionID = providerID
	return m.write(s)
}

// Complete finalizes a session with a terminal status.
func (m *Manager) Complete(id, status, output, errText string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	s.Status = status
	s.EndedAt = &now
	s.Output = output
	s.Error = errText
	return m.write(s)
}

// MarkOrphans transitions every still-active session to orphaned. Runs at
// startup, before any new execution: an active record at that point belongs
// to a process that died.
func (m *Manager) MarkOrphans() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("list sessions dir: %w", err)
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		s, err := m.Get(id)
		if err != nil {
			continue
		}
		if s.Status != StatusActive {
			continue
		}
		now := time.Now().UTC()
		s.Status = StatusOrphaned
		s.EndedAt = &now
		if err := m.write(s); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
