package domain

import (
	"time"
)

// Message roles as stored in the messages table.
const (
	RoleHuman  = "human"
	RoleAI     = "ai"
	RoleSystem = "system"
	RoleTool   = "tool"
)

// ChatSession groups an ordered sequence of messages for one user.
type ChatSession struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	SystemPrompt  string     `json:"system_prompt,omitempty"`
	AIModel       string     `json:"ai_model,omitempty"`
	Temperature   float64    `json:"temperature"`
	MaxTokens     int        `json:"max_tokens"`
	IsActive      bool       `json:"is_active"`
	IsArchived    bool       `json:"is_archived"`
	IsPinned      bool       `json:"is_pinned"`
	MessageCount  int        `json:"message_count"`
	TokenUsage    int        `json:"token_usage"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	DeletedAt     *time.Time `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsDeleted returns true if the session has been soft-deleted.
func (s *ChatSession) IsDeleted() bool {
	return s.DeletedAt != nil
}

// Message is one entry in a chat session's ordered history.
// SequenceNumber is unique and strictly increasing within a session.
type Message struct {
	ID             int64     `json:"id"`
	SessionID      int64     `json:"session_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	SequenceNumber int       `json:"sequence_number"`
	TokenCount     int       `json:"token_count,omitempty"`
	Model          string    `json:"model,omitempty"`
	FinishReason   string    `json:"finish_reason,omitempty"`
	ToolCalls      string    `json:"tool_calls,omitempty"`
	ToolResults    string    `json:"tool_results,omitempty"`
	IsEdited       bool      `json:"is_edited"`
	IsDeleted      bool      `json:"is_deleted"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
