package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nimbuschat/nimbus/internal/domain"
)

// node identifies one state of the per-turn conversation machine.
type node int

const (
	nodeThink node = iota
	nodeAct
	nodeUseTools
	nodeRespond
	nodeError
	nodeEnd
)

func (n node) String() string {
	switch n {
	case nodeThink:
		return "think"
	case nodeAct:
		return "act"
	case nodeUseTools:
		return "use_tools"
	case nodeRespond:
		return "respond"
	case nodeError:
		return "error"
	default:
		return "end"
	}
}

// Turn event types delivered to stream subscribers.
const (
	EventThinking   = "thinking"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventMessage    = "message"
	EventDone       = "done"
)

// TurnEvent is one observable unit of agent progress within a turn.
type TurnEvent struct {
	Type              string         `json:"type"`
	Node              string         `json:"node"`
	Content           string         `json:"content,omitempty"`
	ToolName          string         `json:"tool_name,omitempty"`
	ToolArgs          map[string]any `json:"tool_args,omitempty"`
	ThinkingSessionID string         `json:"thinking_session_id,omitempty"`
}

// ChatRequest is one inbound user message plus its conversation context.
type ChatRequest struct {
	UserID    int64
	SessionID string
	Message   string
	History   []Message // used to seed state when no checkpoint exists
	Context   map[string]string
}

// TurnResult is the outcome of one completed turn. A turn always
// produces a result; node failures degrade the response, they never
// surface as errors.
type TurnResult struct {
	Response          string
	ThinkingSessionID string
	NewMessages       []Message // messages appended during this turn, user message excluded
	ErrorCount        int
	TerminalNode      string
}

const (
	thinkWindow = 5
	actWindow   = 20

	// toolOutputLogLimit bounds tool output stored in thinking steps;
	// the message history keeps the untruncated result.
	toolOutputLogLimit = 500
)

const analysisPrompt = "你是一个善于思考的助手。请分析用户的最新消息，简要说明用户的意图，以及完成这个请求需要哪些步骤。"

const (
	errorMessage       = "抱歉，我在处理您的请求时遇到了一些问题，请稍后再试。"
	errorMessageHarsh  = "非常抱歉，我目前无法处理您的请求。请稍后再试，如果问题持续出现，请联系管理员。"
	fallbackApology    = "抱歉，我暂时无法回答这个问题，请稍后再试。"
	toolNotFoundFormat = "错误：未找到名为 '%s' 的工具"
	toolFailedFormat   = "工具执行失败: %v"
)

// AgentConfig describes one agent's identity and LLM parameters.
type AgentConfig struct {
	Name         string
	Description  string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	MaxErrors    int
}

// BaseAgent drives one LLM-backed conversational turn through a fixed
// five-node machine: think, act, use_tools, respond, error. The two
// decision points are pure functions of the error count and pending
// tool calls; LLM output content never influences routing directly.
type BaseAgent struct {
	cfg         AgentConfig
	llm         LLMClient
	tracker     *Tracker
	checkpoints *CheckpointStore
	tools       []Tool
}

// NewBaseAgent creates an agent with its dependencies injected.
func NewBaseAgent(cfg AgentConfig, llm LLMClient, tracker *Tracker, checkpoints *CheckpointStore, tools ...Tool) *BaseAgent {
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = defaultMaxErrors
	}
	return &BaseAgent{
		cfg:         cfg,
		llm:         llm,
		tracker:     tracker,
		checkpoints: checkpoints,
		tools:       tools,
	}
}

// Name returns the agent's registered name.
func (a *BaseAgent) Name() string { return a.cfg.Name }

// Description returns the agent's human-readable description.
func (a *BaseAgent) Description() string { return a.cfg.Description }

// Tools returns the agent's registered tools.
func (a *BaseAgent) Tools() []Tool { return a.tools }

// afterThink routes to error on any recorded failure, otherwise act.
// A single think failure ends the turn via the error node; there is no
// retry within a turn.
func afterThink(s *ConversationState) node {
	if s.ErrorCount > 0 {
		return nodeError
	}
	return nodeAct
}

// afterAct routes on the error count, then on pending tool calls.
func afterAct(s *ConversationState) node {
	if s.ErrorCount > 0 {
		return nodeError
	}
	if len(s.PendingToolCalls) > 0 {
		return nodeUseTools
	}
	return nodeRespond
}

// ProcessMessage runs one full turn for the inbound message, invoking
// emit for each observable event. It always returns a well-formed
// result: node failures degrade the response and anything unexpected is
// converted to an apologetic reply rather than propagated.
func (a *BaseAgent) ProcessMessage(ctx context.Context, req ChatRequest, emit func(TurnEvent)) (result *TurnResult) {
	if emit == nil {
		emit = func(TurnEvent) {}
	}

	scope := a.tracker.TrackSession(ctx, req.UserID, a.cfg.Name, req.Message)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Agent turn panicked", "agent", a.cfg.Name, "session_id", req.SessionID, "panic", r)
			result = &TurnResult{
				Response:          fallbackApology,
				ThinkingSessionID: scope.SessionID,
				TerminalNode:      nodeError.String(),
			}
			scope.Close(ctx, result.Response)
		}
	}()

	history := a.checkpoints.Load(req.SessionID)
	if history == nil {
		history = req.History
	}

	state := newConversationState(req.SessionID, history, req.Context, a.cfg.MaxErrors)
	state.Messages = append(state.Messages, Message{Role: domain.RoleHuman, Content: req.Message})
	baseLen := len(state.Messages)

	current := nodeThink
	terminal := nodeRespond
	for current != nodeEnd {
		switch current {
		case nodeThink:
			a.think(ctx, scope.SessionID, state, emit)
			current = afterThink(state)
		case nodeAct:
			a.act(ctx, scope.SessionID, state, emit)
			current = afterAct(state)
		case nodeUseTools:
			a.useTools(ctx, scope.SessionID, state, emit)
			current = nodeRespond
		case nodeRespond:
			a.respond(ctx, scope.SessionID, state, emit)
			terminal = nodeRespond
			current = nodeEnd
		case nodeError:
			a.errorNode(state, emit)
			terminal = nodeError
			current = nodeEnd
		}
	}

	response := state.lastAIContent()
	if response == "" {
		response = fallbackApology
	}

	a.checkpoints.Save(req.SessionID, state.Messages)
	scope.Close(ctx, response)

	return &TurnResult{
		Response:          response,
		ThinkingSessionID: scope.SessionID,
		NewMessages:       state.Messages[baseLen:],
		ErrorCount:        state.ErrorCount,
		TerminalNode:      terminal.String(),
	}
}

// think issues one analysis call over the recent context and records
// the free-text result. Failures increment the error count and record a
// zero-confidence step; the node never raises.
func (a *BaseAgent) think(ctx context.Context, thinkingID string, state *ConversationState, emit func(TurnEvent)) {
	state.CurrentPhase = domain.PhaseAnalysis

	messages := append([]Message{{Role: domain.RoleSystem, Content: analysisPrompt}},
		state.recentMessages(thinkWindow)...)

	completion, err := a.llm.Generate(ctx, messages, GenerateOptions{
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
	if err != nil {
		state.ErrorCount++
		a.tracker.AddAnalysis(ctx, thinkingID, "分析用户消息",
			fmt.Sprintf("分析失败: %v", err), "", 0.0, false)
		return
	}

	state.ThinkingProcess = append(state.ThinkingProcess, completion.Content)
	a.tracker.AddAnalysis(ctx, thinkingID, "分析用户消息", completion.Content, "", 0.8, true)
	emit(TurnEvent{
		Type: EventThinking, Node: nodeThink.String(),
		Content: completion.Content, ThinkingSessionID: thinkingID,
	})
}

// act issues the main LLM call with tools bound and either queues the
// requested tool calls or accepts the direct answer.
func (a *BaseAgent) act(ctx context.Context, thinkingID string, state *ConversationState, emit func(TurnEvent)) {
	state.CurrentPhase = domain.PhasePlanning

	messages := []Message{{Role: domain.RoleSystem, Content: a.cfg.SystemPrompt}}
	if block := contextBlock(state.Context); block != "" {
		messages = append(messages, Message{Role: domain.RoleSystem, Content: block})
	}
	messages = append(messages, state.recentMessages(actWindow)...)

	completion, err := a.llm.Generate(ctx, messages, GenerateOptions{
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
		Tools:       a.tools,
	})
	if err != nil {
		state.ErrorCount++
		a.tracker.AddDecision(ctx, thinkingID, "制定回应计划",
			fmt.Sprintf("模型调用失败: %v", err), "", 0.0, false)
		return
	}

	assistant := Message{Role: domain.RoleAI, Content: completion.Content}
	for _, call := range completion.ToolCalls {
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		assistant.ToolCalls = append(assistant.ToolCalls, call)
	}
	state.Messages = append(state.Messages, assistant)

	if len(assistant.ToolCalls) > 0 {
		state.PendingToolCalls = assistant.ToolCalls
		for _, call := range assistant.ToolCalls {
			a.tracker.AddDecision(ctx, thinkingID,
				fmt.Sprintf("选择使用工具 %s", call.Name),
				fmt.Sprintf("需要调用 %s 来完成用户请求", call.Name),
				"", 0.9, true)
			emit(TurnEvent{
				Type: EventThinking, Node: nodeAct.String(),
				Content:           fmt.Sprintf("决定调用工具 %s", call.Name),
				ThinkingSessionID: thinkingID,
			})
		}
	} else {
		a.tracker.AddDecision(ctx, thinkingID, "直接回答",
			"无需调用工具，直接生成回答", "", 0.8, true)
	}
}

// useTools executes each pending tool call in order. Missing tools and
// call failures are folded into degraded tool-result messages; the
// pending list is cleared unconditionally afterward, with no retry.
func (a *BaseAgent) useTools(ctx context.Context, thinkingID string, state *ConversationState, emit func(TurnEvent)) {
	state.CurrentPhase = domain.PhaseExecution

	for _, call := range state.PendingToolCalls {
		tool := a.findTool(call.Name)
		if tool == nil {
			content := fmt.Sprintf(toolNotFoundFormat, call.Name)
			state.Messages = append(state.Messages, Message{
				Role: domain.RoleTool, Content: content,
				ToolCallID: call.ID, ToolName: call.Name,
			})
			a.tracker.AddToolCall(ctx, thinkingID, call.Name, call.Arguments, content, 0.0, 0, false)
			emit(TurnEvent{
				Type: EventToolResult, Node: nodeUseTools.String(),
				ToolName: call.Name, Content: content, ThinkingSessionID: thinkingID,
			})
			continue
		}

		emit(TurnEvent{
			Type: EventToolCall, Node: nodeUseTools.String(),
			ToolName: call.Name, ToolArgs: call.Arguments, ThinkingSessionID: thinkingID,
		})

		start := time.Now()
		result, err := tool.Call(ctx, call.Arguments)
		elapsed := time.Since(start)
		if err != nil {
			content := fmt.Sprintf(toolFailedFormat, err)
			state.Messages = append(state.Messages, Message{
				Role: domain.RoleTool, Content: content,
				ToolCallID: call.ID, ToolName: call.Name,
			})
			a.tracker.AddToolCall(ctx, thinkingID, call.Name, call.Arguments, content, 0.0, elapsed, false)
			emit(TurnEvent{
				Type: EventToolResult, Node: nodeUseTools.String(),
				ToolName: call.Name, Content: content, ThinkingSessionID: thinkingID,
			})
			continue
		}

		state.Messages = append(state.Messages, Message{
			Role: domain.RoleTool, Content: result,
			ToolCallID: call.ID, ToolName: call.Name,
		})
		logged := truncate(result, toolOutputLogLimit)
		a.tracker.AddToolCall(ctx, thinkingID, call.Name, call.Arguments, logged, 0.95, elapsed, true)
		emit(TurnEvent{
			Type: EventToolResult, Node: nodeUseTools.String(),
			ToolName: call.Name, Content: logged, ThinkingSessionID: thinkingID,
		})
	}

	state.PendingToolCalls = nil
}

// respond synthesizes the final answer. If the previous node produced
// tool results, one more LLM call (no tools bound) summarizes them;
// otherwise the assistant message from act already is the answer.
func (a *BaseAgent) respond(ctx context.Context, thinkingID string, state *ConversationState, emit func(TurnEvent)) {
	state.CurrentPhase = domain.PhaseResponseGeneration

	last := state.lastMessage()
	if last != nil && last.Role == domain.RoleTool {
		messages := []Message{{Role: domain.RoleSystem, Content: a.cfg.SystemPrompt}}
		messages = append(messages, state.recentMessages(actWindow)...)

		completion, err := a.llm.Generate(ctx, messages, GenerateOptions{
			Temperature: a.cfg.Temperature,
			MaxTokens:   a.cfg.MaxTokens,
		})
		if err != nil {
			state.ErrorCount++
			a.tracker.AddConclusion(ctx, thinkingID, "生成最终回答",
				fmt.Sprintf("总结工具结果失败: %v", err), 0.0, false)
			return
		}

		state.Messages = append(state.Messages, Message{Role: domain.RoleAI, Content: completion.Content})
		a.tracker.AddConclusion(ctx, thinkingID, "综合工具结果作答",
			truncate(completion.Content, toolOutputLogLimit), 0.9, true)
		emit(TurnEvent{
			Type: EventMessage, Node: nodeRespond.String(),
			Content: completion.Content, ThinkingSessionID: thinkingID,
		})
		return
	}

	content := state.lastAIContent()
	a.tracker.AddConclusion(ctx, thinkingID, "直接回答",
		truncate(content, toolOutputLogLimit), 0.85, true)
	emit(TurnEvent{
		Type: EventMessage, Node: nodeRespond.String(),
		Content: content, ThinkingSessionID: thinkingID,
	})
}

// errorNode appends the terminal apology, harsher once the error count
// reaches the configured maximum.
func (a *BaseAgent) errorNode(state *ConversationState, emit func(TurnEvent)) {
	msg := errorMessage
	if state.ErrorCount >= state.MaxErrors {
		msg = errorMessageHarsh
	}
	state.Messages = append(state.Messages, Message{Role: domain.RoleAI, Content: msg})
	emit(TurnEvent{Type: EventMessage, Node: nodeError.String(), Content: msg})
}

// findTool looks a tool up by exact name among the agent's registered
// tools.
func (a *BaseAgent) findTool(name string) Tool {
	for _, t := range a.tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

func contextBlock(context map[string]string) string {
	if len(context) == 0 {
		return ""
	}
	block := "当前上下文信息：\n"
	for k, v := range context {
		block += fmt.Sprintf("- %s: %s\n", k, v)
	}
	return block
}

// truncate cuts s to at most n runes, appending an ellipsis marker.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
