package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimbuschat/nimbus/internal/domain"
	"github.com/nimbuschat/nimbus/internal/store"
)

// StepData describes one thinking step before it is numbered and
// persisted.
type StepData struct {
	Phase      string
	StepType   string
	Title      string
	Content    string
	Reasoning  string
	ToolName   string
	ToolInput  map[string]any
	ToolOutput string
	Confidence float64
	Importance float64
	Duration   time.Duration
	Success    bool
}

type sessionBuffer struct {
	session   *domain.ThinkingSession
	steps     []*domain.ThinkingStep
	flushed   int // count already persisted for this session
	toolCalls int
	startedAt time.Time
}

// Tracker records structured reasoning steps per conversational turn,
// buffering in memory and flushing to the repository. It is injected
// into agents; one tracker serves all concurrent turns. Persistence
// failures are logged and swallowed: the tracker must never abort a
// turn.
type Tracker struct {
	repo      store.Repository
	autoFlush bool

	mu     sync.Mutex
	active map[string]*sessionBuffer
}

// NewTracker creates a tracker. With autoFlush set, every recorded
// step is persisted immediately instead of waiting for scope exit.
func NewTracker(repo store.Repository, autoFlush bool) *Tracker {
	return &Tracker{
		repo:      repo,
		autoFlush: autoFlush,
		active:    make(map[string]*sessionBuffer),
	}
}

// SessionScope is an active tracked turn. Close must be called when the
// turn ends, success or not.
type SessionScope struct {
	tracker   *Tracker
	SessionID string
}

// TrackSession creates a persisted thinking session and registers its
// in-memory buffer. A storage failure is logged and the turn proceeds
// with in-memory tracking only.
func (t *Tracker) TrackSession(ctx context.Context, userID int64, agentName, userMessage string) *SessionScope {
	session := &domain.ThinkingSession{
		ID:          uuid.NewString(),
		UserID:      userID,
		AgentName:   agentName,
		UserMessage: userMessage,
		CreatedAt:   time.Now(),
	}

	if err := t.repo.CreateThinkingSession(ctx, session); err != nil {
		slog.Warn("Failed to persist thinking session", "error", err, "session_id", session.ID)
	}

	t.mu.Lock()
	t.active[session.ID] = &sessionBuffer{
		session:   session,
		startedAt: time.Now(),
	}
	t.mu.Unlock()

	return &SessionScope{tracker: t, SessionID: session.ID}
}

// Close flushes remaining steps, records the final response and
// aggregate counters, and discards in-memory state for the session
// regardless of flush outcome.
func (s *SessionScope) Close(ctx context.Context, finalResponse string) {
	t := s.tracker

	if err := t.Flush(ctx, s.SessionID); err != nil {
		slog.Warn("Failed to flush thinking steps on close", "error", err, "session_id", s.SessionID)
	}

	t.mu.Lock()
	buf, ok := t.active[s.SessionID]
	delete(t.active, s.SessionID)
	t.mu.Unlock()
	if !ok {
		return
	}

	totalSteps, err := t.repo.MaxThinkingStepNumber(ctx, s.SessionID)
	if err != nil {
		slog.Warn("Failed to count persisted steps", "error", err, "session_id", s.SessionID)
		totalSteps = buf.flushed
	}
	// Count tool calls from what actually landed in storage; the
	// in-memory counter overcounts when a partial flush failed.
	toolCalls, err := t.repo.CountThinkingToolCalls(ctx, s.SessionID)
	if err != nil {
		slog.Warn("Failed to count persisted tool calls", "error", err, "session_id", s.SessionID)
		toolCalls = buf.toolCalls
	}
	elapsed := time.Since(buf.startedAt).Seconds()

	if err := t.repo.CompleteThinkingSession(ctx, s.SessionID, finalResponse, totalSteps, toolCalls, elapsed); err != nil {
		slog.Warn("Failed to finalize thinking session", "error", err, "session_id", s.SessionID)
	}
}

// AddStep appends a step to the session's in-memory buffer. Recording
// against an unknown session ID is a silent no-op logged at warning
// level, never an error.
func (t *Tracker) AddStep(ctx context.Context, sessionID string, data StepData) {
	toolInput := ""
	if data.ToolInput != nil {
		if encoded, err := json.Marshal(data.ToolInput); err == nil {
			toolInput = string(encoded)
		}
	}
	if data.Importance == 0 {
		data.Importance = 0.5
	}

	step := &domain.ThinkingStep{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Phase:      data.Phase,
		StepType:   data.StepType,
		Title:      data.Title,
		Content:    data.Content,
		Reasoning:  data.Reasoning,
		ToolName:   data.ToolName,
		ToolInput:  toolInput,
		ToolOutput: data.ToolOutput,
		Confidence: data.Confidence,
		Importance: data.Importance,
		DurationMS: data.Duration.Milliseconds(),
		Success:    data.Success,
		CreatedAt:  time.Now(),
	}

	t.mu.Lock()
	buf, ok := t.active[sessionID]
	if !ok {
		t.mu.Unlock()
		slog.Warn("Thinking step recorded for unknown session, ignoring",
			"session_id", sessionID, "step_type", data.StepType)
		return
	}
	buf.steps = append(buf.steps, step)
	if data.StepType == domain.StepToolCall {
		buf.toolCalls++
	}
	t.mu.Unlock()

	if t.autoFlush {
		if err := t.Flush(ctx, sessionID); err != nil {
			slog.Warn("Auto-flush of thinking steps failed", "error", err, "session_id", sessionID)
		}
	}
}

// AddObservation records an observation step in the analysis phase.
func (t *Tracker) AddObservation(ctx context.Context, sessionID, title, content string, confidence float64) {
	t.AddStep(ctx, sessionID, StepData{
		Phase: domain.PhaseAnalysis, StepType: domain.StepObservation,
		Title: title, Content: content, Confidence: confidence, Success: true,
	})
}

// AddAnalysis records an analysis step.
func (t *Tracker) AddAnalysis(ctx context.Context, sessionID, title, content, reasoning string, confidence float64, success bool) {
	t.AddStep(ctx, sessionID, StepData{
		Phase: domain.PhaseAnalysis, StepType: domain.StepAnalysis,
		Title: title, Content: content, Reasoning: reasoning,
		Confidence: confidence, Success: success,
	})
}

// AddDecision records a decision step in the planning phase.
func (t *Tracker) AddDecision(ctx context.Context, sessionID, title, content, reasoning string, confidence float64, success bool) {
	t.AddStep(ctx, sessionID, StepData{
		Phase: domain.PhasePlanning, StepType: domain.StepDecision,
		Title: title, Content: content, Reasoning: reasoning,
		Confidence: confidence, Success: success,
	})
}

// AddToolCall records a tool invocation step in the execution phase.
func (t *Tracker) AddToolCall(ctx context.Context, sessionID, toolName string, toolInput map[string]any, toolOutput string, confidence float64, duration time.Duration, success bool) {
	t.AddStep(ctx, sessionID, StepData{
		Phase: domain.PhaseExecution, StepType: domain.StepToolCall,
		Title:   fmt.Sprintf("调用工具 %s", toolName),
		Content: toolOutput,
		ToolName: toolName, ToolInput: toolInput, ToolOutput: toolOutput,
		Confidence: confidence, Duration: duration, Success: success,
	})
}

// AddConclusion records a conclusion step in the response-generation phase.
func (t *Tracker) AddConclusion(ctx context.Context, sessionID, title, content string, confidence float64, success bool) {
	t.AddStep(ctx, sessionID, StepData{
		Phase: domain.PhaseResponseGeneration, StepType: domain.StepConclusion,
		Title: title, Content: content, Confidence: confidence, Success: success,
	})
}

// Flush persists buffered steps, assigning step numbers contiguous with
// whatever is already stored for the session so partial flushes remain
// gap-free and monotonic.
func (t *Tracker) Flush(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	buf, ok := t.active[sessionID]
	if !ok || len(buf.steps) == 0 {
		t.mu.Unlock()
		return nil
	}
	pending := buf.steps
	buf.steps = nil
	t.mu.Unlock()

	restore := func() {
		t.mu.Lock()
		if buf, ok := t.active[sessionID]; ok {
			buf.steps = append(pending, buf.steps...)
		}
		t.mu.Unlock()
	}

	max, err := t.repo.MaxThinkingStepNumber(ctx, sessionID)
	if err != nil {
		restore()
		return fmt.Errorf("resolve next step number: %w", err)
	}
	for i, step := range pending {
		step.StepNumber = max + 1 + i
	}

	if err := t.repo.InsertThinkingSteps(ctx, pending); err != nil {
		restore()
		return fmt.Errorf("persist thinking steps: %w", err)
	}

	t.mu.Lock()
	if buf, ok := t.active[sessionID]; ok {
		buf.flushed += len(pending)
	}
	t.mu.Unlock()
	return nil
}

// SessionSteps returns the session's steps in order. With includeBuffer
// set, still-buffered steps are appended after the persisted ones with
// provisional "buffer_N" IDs and a from-buffer marker so callers can
// distinguish durable from in-flight data.
func (t *Tracker) SessionSteps(ctx context.Context, sessionID string, includeBuffer bool) ([]*domain.ThinkingStep, error) {
	persisted, err := t.repo.ListThinkingSteps(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !includeBuffer {
		return persisted, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	buf, ok := t.active[sessionID]
	if !ok {
		return persisted, nil
	}

	next := len(persisted) + 1
	for i, step := range buf.steps {
		copied := *step
		copied.ID = fmt.Sprintf("buffer_%d", i)
		copied.StepNumber = next + i
		copied.FromBuffer = true
		persisted = append(persisted, &copied)
	}
	return persisted, nil
}

// SessionSummary aggregates a session's steps by phase and type.
type SessionSummary struct {
	SessionID     string         `json:"session_id"`
	AgentName     string         `json:"agent_name"`
	TotalSteps    int            `json:"total_steps"`
	ToolCalls     int            `json:"tool_calls"`
	ByPhase       map[string]int `json:"by_phase"`
	ByType        map[string]int `json:"by_type"`
	ToolsUsed     []string       `json:"tools_used"`
	AvgConfidence float64        `json:"avg_confidence"`
	Completed     bool           `json:"completed"`
}

// SessionSummary builds the aggregate view of one tracked session,
// merging buffered steps the same way SessionSteps does.
func (t *Tracker) SessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	session, err := t.repo.GetThinkingSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	steps, err := t.SessionSteps(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}

	summary := &SessionSummary{
		SessionID: sessionID,
		AgentName: session.AgentName,
		ByPhase:   map[string]int{},
		ByType:    map[string]int{},
		Completed: session.CompletedAt != nil,
	}

	seenTools := map[string]bool{}
	var confidenceSum float64
	for _, step := range steps {
		summary.TotalSteps++
		summary.ByPhase[step.Phase]++
		summary.ByType[step.StepType]++
		confidenceSum += step.Confidence
		if step.StepType == domain.StepToolCall {
			summary.ToolCalls++
			if step.ToolName != "" && !seenTools[step.ToolName] {
				seenTools[step.ToolName] = true
				summary.ToolsUsed = append(summary.ToolsUsed, step.ToolName)
			}
		}
	}
	if summary.TotalSteps > 0 {
		summary.AvgConfidence = confidenceSum / float64(summary.TotalSteps)
	}
	return summary, nil
}
