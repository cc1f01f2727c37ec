package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nimbuschat/nimbus/internal/domain"
)

// CreateThinkingSession inserts a thinking session row.
func (s *SQLiteStore) CreateThinkingSession(ctx context.Context, session *domain.ThinkingSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thinking_sessions (id, user_id, agent_name, user_message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.AgentName, session.UserMessage,
		session.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert thinking session: %w", err)
	}
	return nil
}

// GetThinkingSession retrieves a thinking session by ID.
func (s *SQLiteStore) GetThinkingSession(ctx context.Context, id string) (*domain.ThinkingSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, agent_name, user_message, final_response,
		       total_steps, tool_calls_count, total_thinking_time, created_at, completed_at
		FROM thinking_sessions WHERE id = ?`, id)

	var sess domain.ThinkingSession
	var completedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&sess.ID, &sess.UserID, &sess.AgentName, &sess.UserMessage,
		&sess.FinalResponse, &sess.TotalSteps, &sess.ToolCallsCount,
		&sess.TotalThinkingTime, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan thinking session row: %w", err)
	}

	sess.CreatedAt = time.Unix(createdAt, 0)
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		sess.CompletedAt = &ts
	}
	return &sess, nil
}

// CompleteThinkingSession records the final response and aggregates.
func (s *SQLiteStore) CompleteThinkingSession(ctx context.Context, id, finalResponse string, totalSteps, toolCalls int, thinkingSeconds float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE thinking_sessions SET
			final_response = ?, total_steps = ?, tool_calls_count = ?,
			total_thinking_time = ?, completed_at = ?
		WHERE id = ?`,
		finalResponse, totalSteps, toolCalls, thinkingSeconds,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("complete thinking session: %w", err)
	}
	return nil
}

// InsertThinkingSteps bulk-inserts steps for a session inside one transaction.
func (s *SQLiteStore) InsertThinkingSteps(ctx context.Context, steps []*domain.ThinkingStep) error {
	if len(steps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin thinking steps tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO thinking_steps (id, session_id, step_number, phase, step_type,
			title, content, reasoning, tool_name, tool_input, tool_output,
			confidence, importance, duration_ms, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare thinking step insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, step := range steps {
		_, err := stmt.ExecContext(ctx,
			step.ID, step.SessionID, step.StepNumber, step.Phase, step.StepType,
			step.Title, step.Content, step.Reasoning, step.ToolName,
			step.ToolInput, step.ToolOutput,
			step.Confidence, step.Importance, step.DurationMS, step.Success,
			step.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert thinking step %d: %w", step.StepNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit thinking steps tx: %w", err)
	}
	return nil
}

// MaxThinkingStepNumber returns the highest persisted step number for a
// session, or 0 if none.
func (s *SQLiteStore) MaxThinkingStepNumber(ctx context.Context, sessionID string) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_number), 0) FROM thinking_steps WHERE session_id = ?`,
		sessionID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max thinking step number: %w", err)
	}
	return max, nil
}

// ListThinkingSteps returns persisted steps in step-number order.
func (s *SQLiteStore) ListThinkingSteps(ctx context.Context, sessionID string) ([]*domain.ThinkingStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, step_number, phase, step_type, title, content,
		       reasoning, tool_name, tool_input, tool_output, confidence,
		       importance, duration_ms, success, created_at
		FROM thinking_steps
		WHERE session_id = ?
		ORDER BY step_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query thinking steps: %w", err)
	}
	defer closeRows(rows, "thinking steps")

	var steps []*domain.ThinkingStep
	for rows.Next() {
		var step domain.ThinkingStep
		var createdAt int64
		if err := rows.Scan(
			&step.ID, &step.SessionID, &step.StepNumber, &step.Phase, &step.StepType,
			&step.Title, &step.Content, &step.Reasoning, &step.ToolName,
			&step.ToolInput, &step.ToolOutput, &step.Confidence,
			&step.Importance, &step.DurationMS, &step.Success, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan thinking step row: %w", err)
		}
		step.CreatedAt = time.Unix(createdAt, 0)
		steps = append(steps, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thinking steps: %w", err)
	}
	return steps, nil
}

// CountThinkingToolCalls counts persisted tool_call steps for a session.
func (s *SQLiteStore) CountThinkingToolCalls(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM thinking_steps WHERE session_id = ? AND step_type = ?`,
		sessionID, domain.StepToolCall,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count thinking tool calls: %w", err)
	}
	return count, nil
}
