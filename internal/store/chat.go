package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nimbuschat/nimbus/internal/domain"
	"github.com/nimbuschat/nimbus/internal/shared"
)

const chatSessionColumns = `
	id, user_id, title, description, system_prompt, ai_model, temperature, max_tokens,
	is_active, is_archived, is_pinned, message_count, token_usage,
	last_message_at, deleted_at, created_at, updated_at`

func scanChatSession(row interface{ Scan(...any) error }) (*domain.ChatSession, error) {
	var sess domain.ChatSession
	var lastMessageAt, deletedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Title, &sess.Description,
		&sess.SystemPrompt, &sess.AIModel, &sess.Temperature, &sess.MaxTokens,
		&sess.IsActive, &sess.IsArchived, &sess.IsPinned,
		&sess.MessageCount, &sess.TokenUsage,
		&lastMessageAt, &deletedAt, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session row: %w", err)
	}

	if lastMessageAt.Valid {
		ts := time.Unix(lastMessageAt.Int64, 0)
		sess.LastMessageAt = &ts
	}
	if deletedAt.Valid {
		ts := time.Unix(deletedAt.Int64, 0)
		sess.DeletedAt = &ts
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

// CreateChatSession inserts a chat session and returns it with its ID.
func (s *SQLiteStore) CreateChatSession(ctx context.Context, session *domain.ChatSession) (*domain.ChatSession, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (user_id, title, description, system_prompt, ai_model,
			temperature, max_tokens, is_active, is_archived, is_pinned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.UserID, session.Title, session.Description, session.SystemPrompt,
		session.AIModel, session.Temperature, session.MaxTokens,
		session.IsActive, session.IsArchived, session.IsPinned,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert chat session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("chat session insert id: %w", err)
	}
	return s.GetChatSession(ctx, session.UserID, id)
}

// GetChatSession retrieves a non-deleted chat session owned by the user.
func (s *SQLiteStore) GetChatSession(ctx context.Context, userID, sessionID int64) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chatSessionColumns+`
		FROM chat_sessions
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL`, sessionID, userID)
	return scanChatSession(row)
}

// ListChatSessions returns non-deleted sessions for a user, pinned first
// then most recent activity, paginated. Also returns the total count.
func (s *SQLiteStore) ListChatSessions(ctx context.Context, userID int64, includeArchived bool, limit, offset int) ([]*domain.ChatSession, int, error) {
	filter := `user_id = ? AND deleted_at IS NULL`
	if !includeArchived {
		filter += ` AND is_archived = 0`
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_sessions WHERE `+filter, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count chat sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chatSessionColumns+`
		FROM chat_sessions
		WHERE `+filter+`
		ORDER BY is_pinned DESC, COALESCE(last_message_at, created_at) DESC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query chat sessions: %w", err)
	}
	defer closeRows(rows, "chat sessions")

	var sessions []*domain.ChatSession
	for rows.Next() {
		sess, err := scanChatSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate chat sessions: %w", err)
	}
	return sessions, total, nil
}

// UpdateChatSession persists mutable session fields.
func (s *SQLiteStore) UpdateChatSession(ctx context.Context, session *domain.ChatSession) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET
			title = ?, description = ?, system_prompt = ?, ai_model = ?,
			temperature = ?, max_tokens = ?, is_active = ?, is_archived = ?,
			is_pinned = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		session.Title, session.Description, session.SystemPrompt, session.AIModel,
		session.Temperature, session.MaxTokens, session.IsActive, session.IsArchived,
		session.IsPinned, time.Now().Unix(),
		session.ID, session.UserID,
	)
	if err != nil {
		return fmt.Errorf("update chat session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("chat session %d not found for user %d", session.ID, session.UserID)
	}
	return nil
}

// SoftDeleteChatSession marks a session deleted without removing rows.
func (s *SQLiteStore) SoftDeleteChatSession(ctx context.Context, userID, sessionID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET deleted_at = ?, is_active = 0, updated_at = ?
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		time.Now().Unix(), time.Now().Unix(), sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("soft delete chat session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("chat session %d not found for user %d", sessionID, userID)
	}
	return nil
}

// TouchChatSession bumps message_count and token_usage and sets last_message_at.
func (s *SQLiteStore) TouchChatSession(ctx context.Context, sessionID int64, addMessages, addTokens int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET
			message_count = message_count + ?,
			token_usage = token_usage + ?,
			last_message_at = ?,
			updated_at = ?
		WHERE id = ?`,
		addMessages, addTokens, at.Unix(), time.Now().Unix(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("touch chat session: %w", err)
	}
	return nil
}

const messageColumns = `
	id, session_id, role, content, sequence_number, token_count, model, finish_reason,
	tool_calls, tool_results, is_edited, is_deleted, error_message, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*domain.Message, error) {
	var msg domain.Message
	var toolCalls, toolResults sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.SequenceNumber,
		&msg.TokenCount, &msg.Model, &msg.FinishReason,
		&toolCalls, &toolResults, &msg.IsEdited, &msg.IsDeleted,
		&msg.ErrorMessage, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}

	msg.ToolCalls = toolCalls.String
	msg.ToolResults = toolResults.String
	msg.CreatedAt = time.Unix(createdAt, 0)
	msg.UpdatedAt = time.Unix(updatedAt, 0)
	return &msg, nil
}

// CreateMessage inserts a message, assigning the next sequence number
// within the session. Sequence assignment runs under a mutex and a
// transaction so concurrent writers cannot observe the same max; a
// busy or constraint failure from an outside writer is retried.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	s.messageMu.Lock()
	defer s.messageMu.Unlock()

	err := shared.RetryOnConflict(ctx, "create message", 3, 10*time.Millisecond, func() error {
		return s.createMessageTx(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLiteStore) createMessageTx(ctx context.Context, msg *domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin message tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE session_id = ?`,
		msg.SessionID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next sequence number: %w", err)
	}

	var toolCalls, toolResults interface{}
	if msg.ToolCalls != "" {
		toolCalls = msg.ToolCalls
	}
	if msg.ToolResults != "" {
		toolResults = msg.ToolResults
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, sequence_number, token_count,
			model, finish_reason, tool_calls, tool_results, is_edited, is_deleted,
			error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Content, next, msg.TokenCount,
		msg.Model, msg.FinishReason, toolCalls, toolResults,
		msg.ErrorMessage, now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("message insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message tx: %w", err)
	}

	msg.ID = id
	msg.SequenceNumber = next
	msg.CreatedAt = now
	msg.UpdatedAt = now
	return nil
}

// ListMessages returns non-deleted messages for a session ordered by
// sequence number, paginated. Also returns the total count.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID int64, limit, offset int) ([]*domain.Message, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND is_deleted = 0`,
		sessionID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE session_id = ? AND is_deleted = 0
		ORDER BY sequence_number ASC
		LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, total, nil
}

// ListRecentMessages returns the last n non-deleted messages in sequence order.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, sessionID int64, n int) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`
			FROM messages
			WHERE session_id = ? AND is_deleted = 0
			ORDER BY sequence_number DESC
			LIMIT ?
		) ORDER BY sequence_number ASC`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer closeRows(rows, "recent messages")

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}
	return messages, nil
}
