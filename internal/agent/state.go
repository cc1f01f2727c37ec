package agent

import (
	"github.com/nimbuschat/nimbus/internal/domain"
)

// defaultMaxErrors bounds how many node failures a turn tolerates
// before the error node uses its harsher wording.
const defaultMaxErrors = 3

// ConversationState is the transient per-turn state threaded through
// the graph nodes. It is created at turn start, mutated by each node,
// and discarded after the turn; only the message list survives across
// turns via the checkpoint store.
type ConversationState struct {
	SessionID        string
	Messages         []Message
	Context          map[string]string
	ThinkingProcess  []string
	PendingToolCalls []ToolCallRequest
	ErrorCount       int
	MaxErrors        int
	CurrentPhase     string
}

func newConversationState(sessionID string, history []Message, context map[string]string, maxErrors int) *ConversationState {
	if maxErrors <= 0 {
		maxErrors = defaultMaxErrors
	}
	if context == nil {
		context = map[string]string{}
	}
	return &ConversationState{
		SessionID: sessionID,
		Messages:  history,
		Context:   context,
		MaxErrors: maxErrors,
	}
}

// lastMessage returns the most recent message, or nil if history is empty.
func (s *ConversationState) lastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// recentMessages returns up to n of the most recent messages.
func (s *ConversationState) recentMessages(n int) []Message {
	if len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// lastAIContent returns the content of the most recent AI message
// without pending tool calls, or "" if none exists.
func (s *ConversationState) lastAIContent() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		msg := s.Messages[i]
		if msg.Role == domain.RoleAI && msg.Content != "" {
			return msg.Content
		}
	}
	return ""
}
