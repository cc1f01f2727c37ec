package agent

import (
	"context"
)

// ToolCallRequest is a structured tool invocation requested by the LLM.
type ToolCallRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is one entry in the in-turn conversation history. Roles
// follow the domain constants (human/ai/system/tool).
type Message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
}

// Completion is the LLM's reply: plain text, a tool-call list, or both.
type Completion struct {
	Content   string
	ToolCalls []ToolCallRequest
}

// GenerateOptions carries per-call LLM parameters.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
	Tools       []Tool
}

// LLMClient issues one chat-completion request. Implementations must be
// safe for concurrent use.
type LLMClient interface {
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (*Completion, error)
}
