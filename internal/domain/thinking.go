package domain

import (
	"time"
)

// Thinking phases describe where in a turn a reasoning step was recorded.
const (
	PhaseAnalysis           = "analysis"
	PhasePlanning           = "planning"
	PhaseExecution          = "execution"
	PhaseReflection         = "reflection"
	PhaseToolSelection      = "tool_selection"
	PhaseResponseGeneration = "response_generation"
)

// Thinking step types classify the kind of reasoning captured.
const (
	StepObservation = "observation"
	StepAnalysis    = "analysis"
	StepHypothesis  = "hypothesis"
	StepDecision    = "decision"
	StepActionPlan  = "action_plan"
	StepToolCall    = "tool_call"
	StepEvaluation  = "evaluation"
	StepConclusion  = "conclusion"
)

// ThinkingSession records one conversational turn's reasoning trace.
type ThinkingSession struct {
	ID                string     `json:"id"`
	UserID            int64      `json:"user_id"`
	AgentName         string     `json:"agent_name"`
	UserMessage       string     `json:"user_message"`
	FinalResponse     string     `json:"final_response,omitempty"`
	TotalSteps        int        `json:"total_steps"`
	ToolCallsCount    int        `json:"tool_calls_count"`
	TotalThinkingTime float64    `json:"total_thinking_time"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// ThinkingStep is one recorded unit of agent reasoning.
// StepNumber is unique and contiguous within its session; steps are
// never mutated after they are flushed to storage.
type ThinkingStep struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	StepNumber int       `json:"step_number"`
	Phase      string    `json:"phase"`
	StepType   string    `json:"step_type"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Reasoning  string    `json:"reasoning,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolInput  string    `json:"tool_input,omitempty"`
	ToolOutput string    `json:"tool_output,omitempty"`
	Confidence float64   `json:"confidence"`
	Importance float64   `json:"importance"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Success    bool      `json:"success"`
	FromBuffer bool      `json:"from_buffer,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
