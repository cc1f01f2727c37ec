// Package agent implements the conversational agent: a fixed five-node
// state machine per turn, step-by-step reasoning capture, and tool
// invocation against an OpenAI-compatible LLM.
package agent

import "context"

// Tool is one callable capability an agent can bind to its LLM calls.
type Tool interface {
	// Name is the exact identifier the LLM uses to request the tool.
	Name() string

	// Description tells the LLM when to use the tool.
	Description() string

	// Parameters returns the JSON-schema object for the tool arguments.
	Parameters() map[string]any

	// Call invokes the tool. The returned string goes into the message
	// history verbatim; errors are folded into a degraded tool result
	// by the caller, never propagated out of the turn.
	Call(ctx context.Context, args map[string]any) (string, error)
}
