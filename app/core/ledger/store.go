package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"callup/app/core/orchestrator/db"
	"callup/app/pkg/types"
)

// smsCodeTTL bounds how long an issued SMS ordinal stays resolvable.
const smsCodeTTL = 7 * 24 * time.Hour

type DecisionEntry struct {
	EventID   string
	TaskID    string
	Source    types.EventSource
	Label     types.StatusLabel
	Result    string // "success" or "error"
	Error     string
	CreatedAt time.Time
}

type SMSCode struct {
	Code     int
	TaskID   string
	TaskName string
}

type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// IsCompleted reports whether the task already reached a terminal state.
// Absence of a record always means "not yet completed".
func (s *Store) IsCompleted(ctx context.Context, taskID string) (bool, error) {
	var one int
	err := s.db.Conn().QueryRowContext(ctx, `SELECT 1 FROM completed_tasks WHERE task_id = ?`, taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkCompleted is idempotent; marking an already-completed task is a no-op.
func (s *Store) MarkCompleted(ctx context.Context, taskID string, name string) error {
	if strings.TrimSpace(taskID) == "" {
		return fmt.Errorf("task_id is required")
	}
	_, err := s.db.Conn().ExecContext(ctx,
		`INSERT OR IGNORE INTO completed_tasks (task_id, name, completed_at) VALUES (?, ?, ?)`,
		taskID, name, time.Now().Unix())
	return err
}

// HasSucceeded reports whether a success decision already exists for the event.
func (s *Store) HasSucceeded(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT 1 FROM callback_log WHERE event_id = ? AND result = 'success'`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordDecision appends one audit entry. A second success entry for the same
// event id violates the unique index and is returned as an error.
func (s *Store) RecordDecision(ctx context.Context, entry DecisionEntry) error {
	if strings.TrimSpace(entry.EventID) == "" {
		return fmt.Errorf("event_id is required")
	}
	if entry.Result != "success" && entry.Result != "error" {
		return fmt.Errorf("invalid result %q", entry.Result)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Conn().ExecContext(ctx,
		`INSERT INTO callback_log (event_id, task_id, source, label, result, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.EventID, entry.TaskID, string(entry.Source), string(entry.Label), entry.Result, entry.Error, createdAt.Unix())
	return err
}

func (s *Store) RecentDecisions(ctx context.Context, n int) ([]DecisionEntry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT event_id, task_id, source, label, result, COALESCE(error, ''), created_at FROM callback_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]DecisionEntry, 0, n)
	for rows.Next() {
		var entry DecisionEntry
		var source, label string
		var createdAt int64
		if err := rows.Scan(&entry.EventID, &entry.TaskID, &source, &label, &entry.Result, &entry.Error, &createdAt); err != nil {
			return nil, err
		}
		entry.Source = types.EventSource(source)
		entry.Label = types.StatusLabel(label)
		entry.CreatedAt = time.Unix(createdAt, 0)
		items = append(items, entry)
	}
	return items, rows.Err()
}

// PruneDecisions deletes the oldest entries beyond maxEntries.
func (s *Store) PruneDecisions(ctx context.Context, maxEntries int) error {
	if maxEntries <= 0 {
		return nil
	}
	_, err := s.db.Conn().ExecContext(ctx,
		`DELETE FROM callback_log WHERE id NOT IN (SELECT id FROM callback_log ORDER BY id DESC LIMIT ?)`, maxEntries)
	return err
}

// IssueSMSCode returns the existing live code for the task or assigns the next
// free ordinal. Codes older than the TTL are purged first so numbering stays
// small for the recipient.
func (s *Store) IssueSMSCode(ctx context.Context, taskID string, taskName string) (int, error) {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoff := time.Now().Add(-smsCodeTTL).Unix()
	if _, err := tx.ExecContext(ctx, `DELETE FROM sms_codes WHERE created_at < ?`, cutoff); err != nil {
		return 0, err
	}

	var code int
	err = tx.QueryRowContext(ctx, `SELECT code FROM sms_codes WHERE task_id = ?`, taskID).Scan(&code)
	if err == nil {
		return code, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(code), 0) + 1 FROM sms_codes`).Scan(&code); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sms_codes (code, task_id, task_name, created_at) VALUES (?, ?, ?, ?)`,
		code, taskID, taskName, time.Now().Unix()); err != nil {
		return 0, err
	}
	return code, tx.Commit()
}

// LookupSMSCode resolves an ordinal back to its task. Expired codes resolve
// to sql.ErrNoRows just like unknown ones.
func (s *Store) LookupSMSCode(ctx context.Context, code int) (SMSCode, error) {
	cutoff := time.Now().Add(-smsCodeTTL).Unix()
	var rec SMSCode
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT code, task_id, task_name FROM sms_codes WHERE code = ? AND created_at >= ?`, code, cutoff).
		Scan(&rec.Code, &rec.TaskID, &rec.TaskName)
	if err != nil {
		return SMSCode{}, err
	}
	return rec, nil
}

func (s *Store) GetCursor(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.Conn().QueryRowContext(ctx, `SELECT value FROM cursors WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *Store) SetCursor(ctx context.Context, name string, value string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("cursor name is required")
	}
	_, err := s.db.Conn().ExecContext(ctx,
		`INSERT INTO cursors (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		name, value)
	return err
}
