// Package chat owns chat sessions and message turns: persistence,
// per-session serialization, and handing turns to the agent.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nimbuschat/nimbus/internal/agent"
	"github.com/nimbuschat/nimbus/internal/domain"
	"github.com/nimbuschat/nimbus/internal/store"
	"github.com/nimbuschat/nimbus/internal/stream"
)

var (
	ErrSessionNotFound = errors.New("chat session not found")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrEmptyMessage    = errors.New("message content is empty")
)

// historyWindow bounds how much persisted history seeds an agent turn
// when no in-memory checkpoint exists.
const historyWindow = 20

// titleLimit caps auto-generated session titles.
const titleLimit = 50

// toolResultMeta is the persisted shape of a tool message's metadata.
type toolResultMeta struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
}

// Service coordinates chat sessions, the message store and the agent.
// Turns on the same session are serialized with a per-session mutex so
// concurrent sends cannot interleave message sequences.
type Service struct {
	repo         store.Repository
	agents       *agent.Manager
	streams      *stream.Service
	checkpoints  *agent.CheckpointStore
	defaultAgent string

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewService creates the chat service. defaultAgent names the registered
// agent handling turns that do not request one explicitly.
func NewService(repo store.Repository, agents *agent.Manager, streams *stream.Service, checkpoints *agent.CheckpointStore, defaultAgent string) *Service {
	return &Service{
		repo:         repo,
		agents:       agents,
		streams:      streams,
		checkpoints:  checkpoints,
		defaultAgent: defaultAgent,
		locks:        make(map[int64]*sync.Mutex),
	}
}

// sessionLock returns the mutex serializing turns for a session,
// creating it on first use. Locks are never evicted; they are tiny and
// bounded by the number of sessions touched since startup.
func (s *Service) sessionLock(sessionID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// CreateSessionRequest carries the user-settable session fields.
type CreateSessionRequest struct {
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	SystemPrompt string  `json:"system_prompt"`
	AIModel      string  `json:"ai_model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

// CreateSession creates a chat session for the user.
func (s *Service) CreateSession(ctx context.Context, userID int64, req CreateSessionRequest) (*domain.ChatSession, error) {
	title := req.Title
	if title == "" {
		title = "新对话"
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1500
	}

	session := &domain.ChatSession{
		UserID:       userID,
		Title:        title,
		Description:  req.Description,
		SystemPrompt: req.SystemPrompt,
		AIModel:      req.AIModel,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
		IsActive:     true,
	}
	return s.repo.CreateChatSession(ctx, session)
}

// GetSession loads a session owned by the user.
func (s *Service) GetSession(ctx context.Context, userID, sessionID int64) (*domain.ChatSession, error) {
	session, err := s.repo.GetChatSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// ListSessions pages through the user's sessions, pinned first.
func (s *Service) ListSessions(ctx context.Context, userID int64, includeArchived bool, limit, offset int) ([]*domain.ChatSession, int, error) {
	return s.repo.ListChatSessions(ctx, userID, includeArchived, limit, offset)
}

// UpdateSessionRequest carries optional session updates; nil fields are
// left unchanged.
type UpdateSessionRequest struct {
	Title      *string `json:"title"`
	IsArchived *bool   `json:"is_archived"`
	IsPinned   *bool   `json:"is_pinned"`
}

// UpdateSession applies partial updates to a session owned by the user.
func (s *Service) UpdateSession(ctx context.Context, userID, sessionID int64, req UpdateSessionRequest) (*domain.ChatSession, error) {
	session, err := s.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if req.Title != nil {
		session.Title = *req.Title
	}
	if req.IsArchived != nil {
		session.IsArchived = *req.IsArchived
	}
	if req.IsPinned != nil {
		session.IsPinned = *req.IsPinned
	}
	if err := s.repo.UpdateChatSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// DeleteSession soft-deletes a session owned by the user and drops its
// in-memory conversation checkpoint.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID int64) error {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return err
	}
	if err := s.repo.SoftDeleteChatSession(ctx, userID, sessionID); err != nil {
		return err
	}
	s.checkpoints.Delete(strconv.FormatInt(sessionID, 10))
	return nil
}

// ListMessages pages through a session's messages in sequence order.
func (s *Service) ListMessages(ctx context.Context, userID, sessionID int64, limit, offset int) ([]*domain.Message, int, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListMessages(ctx, sessionID, limit, offset)
}

// SendResult is the outcome of one message turn.
type SendResult struct {
	Response          string            `json:"response"`
	ThinkingSessionID string            `json:"thinking_session_id"`
	Messages          []*domain.Message `json:"messages"`
}

// SendMessage runs one full agent turn: persist the user message, drive
// the agent, persist everything the turn produced, and fan events out
// to the session's stream subscribers. The per-session lock is held for
// the whole turn. agentName may be empty to use the default agent.
func (s *Service) SendMessage(ctx context.Context, userID, sessionID int64, agentName, content string, emit func(agent.TurnEvent)) (*SendResult, error) {
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if agentName == "" {
		agentName = s.defaultAgent
	}
	ag := s.agents.Get(agentName)
	if ag == nil {
		return nil, ErrAgentNotFound
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	// A client disconnect cancels only delivery. The turn itself and
	// everything it persists run on an uncancellable context so a
	// started turn always completes and lands in storage.
	turnCtx := context.WithoutCancel(ctx)

	session, err := s.GetSession(turnCtx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	// History seeds the agent when its in-memory checkpoint is gone,
	// e.g. after a restart. Fetched before the new message is stored.
	history, err := s.loadHistory(turnCtx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	firstMessage := session.MessageCount == 0

	userMsg := &domain.Message{
		SessionID: sessionID,
		Role:      domain.RoleHuman,
		Content:   content,
	}
	userMsg, err = s.repo.CreateMessage(turnCtx, userMsg)
	if err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	forward := func(ev agent.TurnEvent) {
		if emit != nil {
			emit(ev)
		}
		s.streams.BroadcastToSession(sessionID, ev.Type, map[string]any{
			"node":                ev.Node,
			"content":             ev.Content,
			"tool_name":           ev.ToolName,
			"tool_args":           ev.ToolArgs,
			"thinking_session_id": ev.ThinkingSessionID,
		})
	}

	result := ag.ProcessMessage(turnCtx, agent.ChatRequest{
		UserID:    userID,
		SessionID: strconv.FormatInt(sessionID, 10),
		Message:   content,
		History:   history,
	}, forward)

	persisted := []*domain.Message{userMsg}
	for _, msg := range result.NewMessages {
		stored, storeErr := s.persistTurnMessage(turnCtx, sessionID, msg, result)
		if storeErr != nil {
			slog.Error("Failed to persist turn message",
				"error", storeErr, "session_id", sessionID, "role", msg.Role)
			continue
		}
		persisted = append(persisted, stored)
	}

	now := time.Now().UTC()
	if err := s.repo.TouchChatSession(turnCtx, sessionID, len(persisted), 0, now); err != nil {
		slog.Warn("Failed to touch chat session", "error", err, "session_id", sessionID)
	}

	if firstMessage {
		s.autoTitle(turnCtx, session, content)
	}

	return &SendResult{
		Response:          result.Response,
		ThinkingSessionID: result.ThinkingSessionID,
		Messages:          persisted,
	}, nil
}

// loadHistory converts the most recent persisted messages into agent
// history, restoring tool-call metadata.
func (s *Service) loadHistory(ctx context.Context, sessionID int64) ([]agent.Message, error) {
	stored, err := s.repo.ListRecentMessages(ctx, sessionID, historyWindow)
	if err != nil {
		return nil, err
	}

	history := make([]agent.Message, 0, len(stored))
	for _, m := range stored {
		msg := agent.Message{Role: m.Role, Content: m.Content}
		if m.ToolCalls != "" {
			if err := json.Unmarshal([]byte(m.ToolCalls), &msg.ToolCalls); err != nil {
				slog.Warn("Failed to decode stored tool calls", "error", err, "message_id", m.ID)
			}
		}
		if m.ToolResults != "" {
			var meta toolResultMeta
			if err := json.Unmarshal([]byte(m.ToolResults), &meta); err != nil {
				slog.Warn("Failed to decode stored tool result", "error", err, "message_id", m.ID)
			} else {
				msg.ToolCallID = meta.ToolCallID
				msg.ToolName = meta.ToolName
			}
		}
		history = append(history, msg)
	}
	return history, nil
}

// persistTurnMessage stores one agent-produced message with its
// tool-call metadata serialized.
func (s *Service) persistTurnMessage(ctx context.Context, sessionID int64, msg agent.Message, result *agent.TurnResult) (*domain.Message, error) {
	record := &domain.Message{
		SessionID: sessionID,
		Role:      msg.Role,
		Content:   msg.Content,
	}

	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("marshal tool calls: %w", err)
		}
		record.ToolCalls = string(data)
	}
	if msg.Role == domain.RoleTool {
		data, err := json.Marshal(toolResultMeta{ToolCallID: msg.ToolCallID, ToolName: msg.ToolName})
		if err != nil {
			return nil, fmt.Errorf("marshal tool result: %w", err)
		}
		record.ToolResults = string(data)
	}
	if msg.Role == domain.RoleAI && result.ErrorCount > 0 && msg.Content == result.Response {
		record.ErrorMessage = fmt.Sprintf("turn completed with %d errors", result.ErrorCount)
	}

	return s.repo.CreateMessage(ctx, record)
}

// autoTitle derives the session title from the first user message.
func (s *Service) autoTitle(ctx context.Context, session *domain.ChatSession, content string) {
	runes := []rune(content)
	title := content
	if len(runes) > titleLimit {
		title = string(runes[:titleLimit]) + "..."
	}
	session.Title = title
	if err := s.repo.UpdateChatSession(ctx, session); err != nil {
		slog.Warn("Failed to auto-title session", "error", err, "session_id", session.ID)
	}
}
