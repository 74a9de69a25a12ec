package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Remote files ---

// SaveRemoteFile appends a remote file record. Records are never updated.
func (s *Store) SaveRemoteFile(ctx context.Context, f RemoteFile) (RemoteFile, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	var sourceID any
	if f.SourceID != "" {
		sourceID = f.SourceID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_files (id, agent_id, source_id, name, remote_file_id, build_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.AgentID, sourceID, f.Name, f.RemoteFileID, f.BuildID, formatTime(f.CreatedAt),
	)
	if err != nil {
		return RemoteFile{}, fmt.Errorf("inserting remote file: %w", err)
	}
	return f, nil
}

// FreshRemoteFiles returns the records of the newest build for sourceID,
// provided that build was created strictly after the given instant. Records
// of older builds are superseded and never returned.
func (s *Store) FreshRemoteFiles(ctx context.Context, agentID, sourceID string, after time.Time) ([]RemoteFile, error) {
	cutoff := formatTime(after)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, COALESCE(source_id, ''), name, remote_file_id, build_id, created_at
		FROM remote_files
		WHERE agent_id = ? AND source_id = ? AND created_at > ?
		  AND build_id = (
			SELECT build_id FROM remote_files
			WHERE agent_id = ? AND source_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT 1
		  )
		ORDER BY created_at DESC, rowid DESC`,
		agentID, sourceID, cutoff, agentID, sourceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRemoteFiles(rows)
}

func (s *Store) ListRemoteFiles(ctx context.Context, agentID string) ([]RemoteFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, COALESCE(source_id, ''), name, remote_file_id, build_id, created_at
		FROM remote_files WHERE agent_id = ? ORDER BY created_at DESC, rowid DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRemoteFiles(rows)
}

func scanRemoteFiles(rows *sql.Rows) ([]RemoteFile, error) {
	var out []RemoteFile
	for rows.Next() {
		var f RemoteFile
		var createdAt string
		if err := rows.Scan(&f.ID, &f.AgentID, &f.SourceID, &f.Name, &f.RemoteFileID, &f.BuildID, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		f.CreatedAt = t
		out = append(out, f)
	}
	return out, rows.Err()
}

// SetAttachedFiles replaces the set of remote file ids currently attached to
// the agent's assistant.
func (s *Store) SetAttachedFiles(ctx context.Context, agentID string, fileIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_files WHERE agent_id = ?`, agentID); err != nil {
		return err
	}
	for i, id := range fileIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO agent_files (agent_id, remote_file_id, position) VALUES (?, ?, ?)`,
			agentID, id, i); err != nil {
			return fmt.Errorf("attaching %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *Store) AttachedFiles(ctx context.Context, agentID string) ([]string, error) {
	var ids []string
	err := s.each(ctx, `SELECT remote_file_id FROM agent_files WHERE agent_id = ? ORDER BY position`, agentID,
		func(r *sql.Rows) error {
			var id string
			if err := r.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		})
	return ids, err
}

// --- Messages ---

func (s *Store) SaveMessage(ctx context.Context, m MessageRecord) (MessageRecord, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, user_id, agent_id, thread_id, user_message, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.AgentID, m.ThreadID, m.UserMessage, m.Response, formatTime(m.CreatedAt),
	)
	if err != nil {
		return MessageRecord{}, fmt.Errorf("inserting message: %w", err)
	}
	return m, nil
}

// CountMessagesSince counts the user's message records created at or after since.
func (s *Store) CountMessagesSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE user_id = ? AND created_at >= ?`,
		userID, formatTime(since),
	).Scan(&n)
	return n, err
}

// ListMessages returns the agent's latest message records, newest first.
func (s *Store) ListMessages(ctx context.Context, agentID string, limit int) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, agent_id, thread_id, user_message, response, created_at
		FROM messages WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var m MessageRecord
		var createdAt string
		if err := rows.Scan(&m.ID, &m.UserID, &m.AgentID, &m.ThreadID, &m.UserMessage, &m.Response, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Errors ---

func (s *Store) SaveError(ctx context.Context, e ErrorRecord) (ErrorRecord, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_records (id, agent_id, thread_id, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.AgentID, e.ThreadID, e.Message, formatTime(e.CreatedAt),
	)
	if err != nil {
		return ErrorRecord{}, fmt.Errorf("inserting error record: %w", err)
	}
	return e, nil
}

// ListErrors returns the agent's latest error records, newest first.
func (s *Store) ListErrors(ctx context.Context, agentID string, limit int) ([]ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, thread_id, message, created_at
		FROM error_records WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var e ErrorRecord
		var createdAt string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.ThreadID, &e.Message, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Plans ---

func (s *Store) SetUserPlan(ctx context.Context, userID, plan string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_plans (user_id, plan, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET plan = excluded.plan, updated_at = excluded.updated_at`,
		userID, plan, s.timestamp(),
	)
	return err
}

// UserPlan returns the plan name bound to userID or ErrNotFound.
func (s *Store) UserPlan(ctx context.Context, userID string) (string, error) {
	var plan string
	err := s.db.QueryRowContext(ctx, `SELECT plan FROM user_plans WHERE user_id = ?`, userID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return plan, err
}
