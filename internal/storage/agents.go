package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const agentColumns = `id, user_id, name, instructions, model, temperature, max_prompt_tokens,
	max_completion_tokens, error_message, welcome_message, assistant_id, training_status,
	training_message, last_trained_at, created_at, updated_at`

// CreateAgent inserts a new agent and its source bindings. An empty ID is
// replaced with a generated one.
func (s *Store) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.TrainingStatus == "" {
		a.TrainingStatus = TrainingIdle
	}
	now := s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Agent{}, fmt.Errorf("beginning agent insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		a.ID, a.UserID, a.Name, a.Instructions, a.Model, a.Temperature, a.MaxPromptTokens,
		a.MaxCompletionTokens, a.ErrorMessage, a.WelcomeMessage, a.AssistantID, a.TrainingStatus,
		a.TrainingMessage, now, now,
	)
	if err != nil {
		return Agent{}, fmt.Errorf("inserting agent: %w", err)
	}
	if err := replaceAgentSources(ctx, tx, a.ID, a.SourceIDs); err != nil {
		return Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return Agent{}, fmt.Errorf("committing agent insert: %w", err)
	}
	return s.GetAgent(ctx, a.ID)
}

func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, err
	}
	a.SourceIDs, err = s.agentSourceIDs(ctx, id)
	if err != nil {
		return Agent{}, err
	}
	return a, nil
}

// ListAgents returns agents owned by userID, or all agents when userID is empty.
func (s *Store) ListAgents(ctx context.Context, userID string) ([]Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		agents = append(agents, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range agents {
		ids, err := s.agentSourceIDs(ctx, agents[i].ID)
		if err != nil {
			return nil, err
		}
		agents[i].SourceIDs = ids
	}
	return agents, nil
}

// UpdateAgent writes the editable agent fields and rebinds its sources.
// Remote assistant and training state are changed through their own setters.
func (s *Store) UpdateAgent(ctx context.Context, a Agent) (Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Agent{}, fmt.Errorf("beginning agent update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE agents SET name = ?, instructions = ?, model = ?, temperature = ?,
			max_prompt_tokens = ?, max_completion_tokens = ?, error_message = ?,
			welcome_message = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.Instructions, a.Model, a.Temperature, a.MaxPromptTokens,
		a.MaxCompletionTokens, a.ErrorMessage, a.WelcomeMessage, s.timestamp(), a.ID,
	)
	if err != nil {
		return Agent{}, fmt.Errorf("updating agent: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return Agent{}, err
	}
	if a.SourceIDs != nil {
		if err := replaceAgentSources(ctx, tx, a.ID, a.SourceIDs); err != nil {
			return Agent{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Agent{}, fmt.Errorf("committing agent update: %w", err)
	}
	return s.GetAgent(ctx, a.ID)
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SetAssistantID binds the remote assistant id to the agent.
func (s *Store) SetAssistantID(ctx context.Context, agentID, assistantID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET assistant_id = ?, updated_at = ? WHERE id = ?`,
		assistantID, s.timestamp(), agentID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SetTrainingState records the outcome of a training attempt. trainedAt is
// left untouched when nil.
func (s *Store) SetTrainingState(ctx context.Context, agentID, status, message string, trainedAt *time.Time) error {
	var res sql.Result
	var err error
	if trainedAt != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE agents SET training_status = ?, training_message = ?, last_trained_at = ? WHERE id = ?`,
			status, message, formatTime(*trainedAt), agentID,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE agents SET training_status = ?, training_message = ? WHERE id = ?`,
			status, message, agentID,
		)
	}
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) agentSourceIDs(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id FROM agent_sources WHERE agent_id = ? ORDER BY position ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func replaceAgentSources(ctx context.Context, tx *sql.Tx, agentID string, sourceIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_sources WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("clearing agent sources: %w", err)
	}
	for i, id := range sourceIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO agent_sources (agent_id, source_id, position) VALUES (?, ?, ?)`,
			agentID, id, i,
		); err != nil {
			return fmt.Errorf("binding source %s: %w", id, err)
		}
	}
	return nil
}

func scanAgent(row rowScanner) (Agent, error) {
	var a Agent
	var lastTrained sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Instructions, &a.Model, &a.Temperature,
		&a.MaxPromptTokens, &a.MaxCompletionTokens, &a.ErrorMessage, &a.WelcomeMessage,
		&a.AssistantID, &a.TrainingStatus, &a.TrainingMessage, &lastTrained, &createdAt, &updatedAt)
	if err != nil {
		return Agent{}, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Agent{}, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Agent{}, err
	}
	if lastTrained.Valid {
		t, err := parseTime(lastTrained.String)
		if err != nil {
			return Agent{}, err
		}
		a.LastTrainedAt = &t
	}
	return a, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
