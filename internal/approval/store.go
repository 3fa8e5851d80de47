// Package approval owns the plan approval state machine. Approvals live in
// sqlite so a pending decision survives a daemon restart; transitions are
// serialized with conditional updates so concurrent callbacks cannot both
// win.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/cronpilot/internal/notify"
)

// Approval states.
const (
	StatusPending    = "pending"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
	StatusDiscussing = "discussing"
	StatusExpired    = "expired"
)

// ErrNotFound is returned for unknown approval ids.
var ErrNotFound = errors.New("approval not found")

// terminal reports whether a state admits no further transitions.
func terminal(status string) bool {
	return status == StatusApproved || status == StatusRejected || status == StatusExpired
}

// PendingApproval is one paused plan-mode execution awaiting a decision.
type PendingApproval struct {
	ID          string              `json:"id"`
	TaskID      string              `json:"task_id"`
	TaskName    string              `json:"task_name"`
	ScheduledAt time.Time           `json:"scheduled_at"`
	SessionID   string              `json:"session_id"`
	Plan        string              `json:"plan"`
	Status      string              `json:"status"`
	Messages    []notify.MessageRef `json:"messages,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	DecidedAt   *time.Time          `json:"decided_at,omitempty"`
}

// Store persists approvals in sqlite with WAL journaling.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("set WAL journal mode: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		task_name TEXT NOT NULL,
		scheduled_at DATETIME NOT NULL,
		session_id TEXT NOT NULL,
		plan TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		decided_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
	CREATE TABLE IF NOT EXISTS approval_messages (
		approval_id TEXT NOT NULL REFERENCES approvals(id) ON DELETE CASCADE,
		channel_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		message_id INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approval_messages ON approval_messages(approval_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create approval schema: %w", err)
	}
	return nil
}

// Create inserts a new pending approval, minting an id when absent.
// Approval ids are uuids, safe in URLs and callback data.
func (s *Store) Create(ctx context.Context, a *PendingApproval) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = StatusPending
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.ScheduledAt.IsZero() {
		a.ScheduledAt = a.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approvals (id, task_id, task_name, scheduled_at, session_id, plan, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, a.ID, a.TaskID, a.TaskName, a.ScheduledAt, a.SessionID, a.Plan, a.Status, a.CreatedAt); err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	if err := insertMessagesTx(ctx, tx, a.ID, a.Messages); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create tx: %w", err)
	}
	return nil
}

// Get loads an approval with its channel messages.
func (s *Store) Get(ctx context.Context, id string) (*PendingApproval, error) {
	a := &PendingApproval{}
	var decidedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, task_name, scheduled_at, session_id, plan, status, created_at, decided_at
		FROM approvals WHERE id = ?;
	`, id).Scan(&a.ID, &a.TaskID, &a.TaskName, &a.ScheduledAt, &a.SessionID, &a.Plan, &a.Status, &a.CreatedAt, &decidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read approval: %w", err)
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, provider, chat_id, message_id
		FROM approval_messages WHERE approval_id = ?;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("read approval messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ref notify.MessageRef
		if err := rows.Scan(&ref.ChannelID, &ref.Provider, &ref.ChatID, &ref.MessageID); err != nil {
			return nil, fmt.Errorf("scan approval message: %w", err)
		}
		a.Messages = append(a.Messages, ref)
	}
	return a, rows.Err()
}

// Transition moves an approval from one of the expected states to the next.
// Returns false without error when the approval is not in an expected state;
// the losing side of a concurrent callback observes that and no-ops.
func (s *Store) Transition(ctx context.Context, id, next string, from ...string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition requires at least one source state")
	}
	query := `UPDATE approvals SET status = ?, decided_at = ? WHERE id = ? AND status IN (?` +
		repeatPlaceholder(len(from)-1) + `);`
	args := []any{next, decidedAtFor(next), id}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	return n == 1, nil
}

// decidedAtFor stamps decision time only on states that represent one.
// Returning to pending after a discussion clears it.
func decidedAtFor(next string) any {
	if next == StatusPending {
		return nil
	}
	return time.Now().UTC()
}

// UpdatePlan replaces the plan text, used when a discussion round produced
// a revised plan.
func (s *Store) UpdatePlan(ctx context.Context, id, plan string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE approvals SET plan = ? WHERE id = ?;`, plan, id)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ReplaceMessages swaps the channel message set, used after a discussion
// round sends a fresh interactive message.
func (s *Store) ReplaceMessages(ctx context.Context, id string, refs []notify.MessageRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace messages tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM approval_messages WHERE approval_id = ?;`, id); err != nil {
		return fmt.Errorf("clear approval messages: %w", err)
	}
	if err := insertMessagesTx(ctx, tx, id, refs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace messages tx: %w", err)
	}
	return nil
}

// FindPending returns approvals still awaiting a decision, oldest first.
func (s *Store) FindPending(ctx context.Context) ([]*PendingApproval, error) {
	return s.findByStatus(ctx, StatusPending, StatusDiscussing)
}

// PendingIDs returns the set of non-terminal approval ids. The execution
// tracker uses it to drop stale waiting entries at startup.
func (s *Store) PendingIDs(ctx context.Context) (map[string]bool, error) {
	pending, err := s.FindPending(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(pending))
	for _, a := range pending {
		ids[a.ID] = true
	}
	return ids, nil
}

// SweepExpired transitions TTL-exceeded approvals to expired and returns
// the ones this call expired.
func (s *Store) SweepExpired(ctx context.Context, ttl time.Duration) ([]*PendingApproval, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM approvals
		WHERE status IN (?, ?) AND created_at <= ?;
	`, StatusPending, StatusDiscussing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find expired approvals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []*PendingApproval
	for _, id := range ids {
		ok, err := s.Transition(ctx, id, StatusExpired, StatusPending, StatusDiscussing)
		if err != nil {
			return expired, err
		}
		if !ok {
			// A decision won the race; leave it be.
			continue
		}
		a, err := s.Get(ctx, id)
		if err != nil {
			return expired, err
		}
		expired = append(expired, a)
	}
	return expired, nil
}

func (s *Store) findByStatus(ctx context.Context, statuses ...string) ([]*PendingApproval, error) {
	query := `SELECT id FROM approvals WHERE status IN (?` +
		repeatPlaceholder(len(statuses)-1) + `) ORDER BY created_at;`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find approvals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan approval id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*PendingApproval, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func insertMessagesTx(ctx context.Context, tx *sql.Tx, approvalID string, refs []notify.MessageRef) error {
	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approval_messages (approval_id, channel_id, provider, chat_id, message_id)
			VALUES (?, ?, ?, ?, ?);
		`, approvalID, ref.ChannelID, ref.Provider, ref.ChatID, ref.MessageID); err != nil {
			return fmt.Errorf("insert approval message: %w", err)
		}
	}
	return nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
