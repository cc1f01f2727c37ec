// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/nimbuschat/nimbus/internal/domain"
)

// Repository defines the interface for persisting users, chat history,
// and thinking traces. Lookup methods return (nil, nil) when the row
// does not exist.
type Repository interface {
	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// CreateUser inserts a new user and returns it with its assigned ID.
	CreateUser(ctx context.Context, user *domain.User) (*domain.User, error)

	// GetUserByID retrieves a user by ID, including the role name.
	GetUserByID(ctx context.Context, id int64) (*domain.User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)

	// GetUserByEmail retrieves a user by email.
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// UpdateLastLogin sets the user's last_login_at timestamp.
	UpdateLastLogin(ctx context.Context, userID int64, at time.Time) error

	// UpdateUserPassword replaces the user's password hash.
	UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error

	// UpdateUserProfile replaces the user's editable profile fields.
	UpdateUserProfile(ctx context.Context, userID int64, fullName, avatarURL, bio string) error

	// GetRoleByName retrieves a role by its unique name.
	GetRoleByName(ctx context.Context, name string) (*domain.Role, error)

	// CreateUserSession records an issued refresh-token session.
	CreateUserSession(ctx context.Context, session *domain.UserSession) (*domain.UserSession, error)

	// GetUserSessionByTokenHash retrieves a session by its token digest.
	GetUserSessionByTokenHash(ctx context.Context, tokenHash string) (*domain.UserSession, error)

	// ListUserSessions returns non-revoked, unexpired sessions for a user.
	ListUserSessions(ctx context.Context, userID int64) ([]*domain.UserSession, error)

	// RevokeUserSession revokes one session owned by the user.
	RevokeUserSession(ctx context.Context, userID, sessionID int64) error

	// RevokeUserSessionByTokenHash revokes the session matching the token digest.
	RevokeUserSessionByTokenHash(ctx context.Context, tokenHash string) error

	// RevokeAllUserSessions revokes every session for a user except the
	// one with keepSessionID (pass 0 to revoke all). Returns the count.
	RevokeAllUserSessions(ctx context.Context, userID, keepSessionID int64) (int64, error)

	// DeleteExpiredUserSessions removes sessions expired or revoked
	// before the cutoff. Returns the count removed.
	DeleteExpiredUserSessions(ctx context.Context, cutoff time.Time) (int64, error)

	// CreateChatSession inserts a chat session and returns it with its ID.
	CreateChatSession(ctx context.Context, session *domain.ChatSession) (*domain.ChatSession, error)

	// GetChatSession retrieves a non-deleted chat session owned by the user.
	GetChatSession(ctx context.Context, userID, sessionID int64) (*domain.ChatSession, error)

	// ListChatSessions returns non-deleted sessions for a user, pinned
	// first then most recent activity, paginated.
	ListChatSessions(ctx context.Context, userID int64, includeArchived bool, limit, offset int) ([]*domain.ChatSession, int, error)

	// UpdateChatSession persists mutable session fields.
	UpdateChatSession(ctx context.Context, session *domain.ChatSession) error

	// SoftDeleteChatSession marks a session deleted without removing rows.
	SoftDeleteChatSession(ctx context.Context, userID, sessionID int64) error

	// TouchChatSession bumps message_count and token_usage and sets
	// last_message_at after a turn.
	TouchChatSession(ctx context.Context, sessionID int64, addMessages, addTokens int, at time.Time) error

	// CreateMessage inserts a message, assigning the next sequence
	// number within the session.
	CreateMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error)

	// ListMessages returns non-deleted messages for a session ordered by
	// sequence number, paginated.
	ListMessages(ctx context.Context, sessionID int64, limit, offset int) ([]*domain.Message, int, error)

	// ListRecentMessages returns the last n non-deleted messages for a
	// session in sequence order.
	ListRecentMessages(ctx context.Context, sessionID int64, n int) ([]*domain.Message, error)

	// CreateThinkingSession inserts a thinking session row.
	CreateThinkingSession(ctx context.Context, session *domain.ThinkingSession) error

	// GetThinkingSession retrieves a thinking session by ID.
	GetThinkingSession(ctx context.Context, id string) (*domain.ThinkingSession, error)

	// CompleteThinkingSession records the final response and aggregates.
	CompleteThinkingSession(ctx context.Context, id, finalResponse string, totalSteps, toolCalls int, thinkingSeconds float64) error

	// InsertThinkingSteps bulk-inserts steps for a session.
	InsertThinkingSteps(ctx context.Context, steps []*domain.ThinkingStep) error

	// MaxThinkingStepNumber returns the highest persisted step number
	// for a session, or 0 if none.
	MaxThinkingStepNumber(ctx context.Context, sessionID string) (int, error)

	// ListThinkingSteps returns persisted steps in step-number order.
	ListThinkingSteps(ctx context.Context, sessionID string) ([]*domain.ThinkingStep, error)

	// CountThinkingToolCalls counts persisted tool_call steps for a session.
	CountThinkingToolCalls(ctx context.Context, sessionID string) (int, error)
}
