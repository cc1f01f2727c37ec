package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nimbuschat/nimbus/internal/domain"
)

// scriptedLLM returns canned completions in order, one per Generate
// call.
type scriptedLLM struct {
	script []func(messages []Message, opts GenerateOptions) (*Completion, error)
	calls  int
}

func (s *scriptedLLM) Generate(_ context.Context, messages []Message, opts GenerateOptions) (*Completion, error) {
	if s.calls >= len(s.script) {
		return nil, errors.New("unexpected LLM call")
	}
	fn := s.script[s.calls]
	s.calls++
	return fn(messages, opts)
}

func reply(content string) func([]Message, GenerateOptions) (*Completion, error) {
	return func([]Message, GenerateOptions) (*Completion, error) {
		return &Completion{Content: content}, nil
	}
}

func replyWithToolCall(id, name string, args map[string]any) func([]Message, GenerateOptions) (*Completion, error) {
	return func([]Message, GenerateOptions) (*Completion, error) {
		return &Completion{ToolCalls: []ToolCallRequest{{ID: id, Name: name, Arguments: args}}}, nil
	}
}

func failLLM(msg string) func([]Message, GenerateOptions) (*Completion, error) {
	return func([]Message, GenerateOptions) (*Completion, error) {
		return nil, errors.New(msg)
	}
}

func newTestAgent(t *testing.T, llm LLMClient, tools ...Tool) (*BaseAgent, *Tracker) {
	t.Helper()
	repo := newTestRepo(t)
	createTestUser(t, repo, "tester")
	tracker := NewTracker(repo, false)
	agent := NewBaseAgent(AgentConfig{
		Name:         "测试助手",
		SystemPrompt: "你是一个助手",
		Temperature:  0.7,
		MaxTokens:    500,
		MaxErrors:    3,
	}, llm, tracker, NewCheckpointStore(), tools...)
	return agent, tracker
}

func TestProcessMessageDirectAnswer(t *testing.T) {
	t.Parallel()

	llm := &scriptedLLM{script: []func([]Message, GenerateOptions) (*Completion, error){
		reply("用户在打招呼"),
		reply("你好！有什么可以帮你？"),
	}}
	agent, _ := newTestAgent(t, llm)

	result := agent.ProcessMessage(context.Background(), ChatRequest{
		UserID: 1, SessionID: "s1", Message: "你好",
	}, nil)

	if result.Response != "你好！有什么可以帮你？" {
		t.Fatalf("unexpected response: %q", result.Response)
	}
	if result.TerminalNode != "respond" {
		t.Fatalf("expected terminal node respond, got %q", result.TerminalNode)
	}
	if result.ErrorCount != 0 {
		t.Fatalf("expected no errors, got %d", result.ErrorCount)
	}
	if llm.calls != 2 {
		t.Fatalf("expected 2 LLM calls (think, act), got %d", llm.calls)
	}
	if len(result.NewMessages) != 1 {
		t.Fatalf("expected 1 new message, got %d", len(result.NewMessages))
	}
	if result.NewMessages[0].Role != domain.RoleAI || len(result.NewMessages[0].ToolCalls) != 0 {
		t.Fatalf("unexpected final message: %+v", result.NewMessages[0])
	}
}

func TestProcessMessageWeatherToolFlow(t *testing.T) {
	t.Parallel()

	llm := &scriptedLLM{script: []func([]Message, GenerateOptions) (*Completion, error){
		reply("用户想查询北京的天气"),
		replyWithToolCall("call_1", "get_weather", map[string]any{"city": "北京"}),
		reply("北京今天晴，气温15度。"),
	}}
	agent, _ := newTestAgent(t, llm, NewMockWeatherTool())

	var toolCallEvents, toolResultEvents int
	result := agent.ProcessMessage(context.Background(), ChatRequest{
		UserID: 1, SessionID: "s-weather", Message: "北京天气怎么样？",
	}, func(ev TurnEvent) {
		switch ev.Type {
		case EventToolCall:
			toolCallEvents++
			if ev.ToolArgs["city"] != "北京" {
				t.Errorf("unexpected tool args: %v", ev.ToolArgs)
			}
		case EventToolResult:
			toolResultEvents++
		}
	})

	if result.Response != "北京今天晴，气温15度。" {
		t.Fatalf("unexpected response: %q", result.Response)
	}
	if toolCallEvents != 1 || toolResultEvents != 1 {
		t.Fatalf("expected exactly one tool call and result event, got %d/%d", toolCallEvents, toolResultEvents)
	}

	// Expect: assistant message carrying the call, one tool result, one
	// final answer without tool metadata.
	if len(result.NewMessages) != 3 {
		t.Fatalf("expected 3 new messages, got %d", len(result.NewMessages))
	}
	assistant := result.NewMessages[0]
	if assistant.Role != domain.RoleAI || len(assistant.ToolCalls) != 1 {
		t.Fatalf("expected assistant message with one tool call, got %+v", assistant)
	}
	if assistant.ToolCalls[0].Arguments["city"] != "北京" {
		t.Fatalf("unexpected tool call arguments: %v", assistant.ToolCalls[0].Arguments)
	}

	toolMsg := result.NewMessages[1]
	if toolMsg.Role != domain.RoleTool || toolMsg.ToolCallID != "call_1" || toolMsg.ToolName != "get_weather" {
		t.Fatalf("unexpected tool message: %+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, "北京") || !strings.Contains(toolMsg.Content, "15") {
		t.Fatalf("tool result should carry Beijing mock data: %q", toolMsg.Content)
	}

	final := result.NewMessages[2]
	if final.Role != domain.RoleAI || len(final.ToolCalls) != 0 || final.ToolCallID != "" {
		t.Fatalf("final message must not carry tool metadata: %+v", final)
	}
	if llm.calls != 3 {
		t.Fatalf("expected 3 LLM calls (think, act, respond), got %d", llm.calls)
	}
}

func TestProcessMessageThinkFailureRoutesToError(t *testing.T) {
	t.Parallel()

	llm := &scriptedLLM{script: []func([]Message, GenerateOptions) (*Completion, error){
		failLLM("model unavailable"),
	}}
	agent, _ := newTestAgent(t, llm)

	result := agent.ProcessMessage(context.Background(), ChatRequest{
		UserID: 1, SessionID: "s-err", Message: "你好",
	}, nil)

	if result.TerminalNode != "error" {
		t.Fatalf("expected terminal node error, got %q", result.TerminalNode)
	}
	if result.ErrorCount != 1 {
		t.Fatalf("expected error count 1, got %d", result.ErrorCount)
	}
	if result.Response != errorMessage {
		t.Fatalf("unexpected error response: %q", result.Response)
	}
	if llm.calls != 1 {
		t.Fatalf("think failure must short-circuit to error, got %d LLM calls", llm.calls)
	}
}

func TestProcessMessageUnknownToolDegrades(t *testing.T) {
	t.Parallel()

	llm := &scriptedLLM{script: []func([]Message, GenerateOptions) (*Completion, error){
		reply("需要一个工具"),
		replyWithToolCall("call_x", "does_not_exist", map[string]any{"q": "?"}),
		reply("抱歉，我无法使用该工具。"),
	}}
	agent, tracker := newTestAgent(t, llm, NewMockWeatherTool())

	result := agent.ProcessMessage(context.Background(), ChatRequest{
		UserID: 1, SessionID: "s-unknown", Message: "帮我查一下",
	}, nil)

	toolMsg := result.NewMessages[1]
	if toolMsg.Role != domain.RoleTool {
		t.Fatalf("expected tool message, got %+v", toolMsg)
	}
	want := "错误：未找到名为 'does_not_exist' 的工具"
	if toolMsg.Content != want {
		t.Fatalf("unexpected tool result: %q", toolMsg.Content)
	}
	if result.TerminalNode != "respond" {
		t.Fatalf("unknown tool must not route to error, got %q", result.TerminalNode)
	}

	steps, err := tracker.SessionSteps(context.Background(), result.ThinkingSessionID, false)
	if err != nil {
		t.Fatalf("SessionSteps failed: %v", err)
	}
	var found bool
	for _, step := range steps {
		if step.StepType == domain.StepToolCall && step.ToolName == "does_not_exist" {
			found = true
			if step.Confidence != 0.0 || step.Success {
				t.Fatalf("unknown-tool step must be zero-confidence failure: %+v", step)
			}
		}
	}
	if !found {
		t.Fatal("expected a tool-call step for the unknown tool")
	}
}

func TestProcessMessageRecoversFromPanic(t *testing.T) {
	t.Parallel()

	panicking := &scriptedLLM{script: []func([]Message, GenerateOptions) (*Completion, error){
		func([]Message, GenerateOptions) (*Completion, error) { panic("boom") },
	}}
	agent, _ := newTestAgent(t, panicking)

	result := agent.ProcessMessage(context.Background(), ChatRequest{
		UserID: 1, SessionID: "s-panic", Message: "你好",
	}, nil)

	if result == nil {
		t.Fatal("expected a result despite panic")
	}
	if result.Response != fallbackApology {
		t.Fatalf("expected fallback apology, got %q", result.Response)
	}
	if result.TerminalNode != "error" {
		t.Fatalf("expected terminal node error, got %q", result.TerminalNode)
	}
}

func TestAfterThinkAndAfterActRouting(t *testing.T) {
	t.Parallel()

	clean := &ConversationState{}
	if got := afterThink(clean); got != nodeAct {
		t.Fatalf("afterThink on clean state: got %v, want act", got)
	}
	if got := afterAct(clean); got != nodeRespond {
		t.Fatalf("afterAct with no pending calls: got %v, want respond", got)
	}

	errored := &ConversationState{ErrorCount: 1}
	if got := afterThink(errored); got != nodeError {
		t.Fatalf("afterThink with errors: got %v, want error", got)
	}
	if got := afterAct(errored); got != nodeError {
		t.Fatalf("afterAct with errors: got %v, want error", got)
	}

	pending := &ConversationState{PendingToolCalls: []ToolCallRequest{{Name: "get_weather"}}}
	if got := afterAct(pending); got != nodeUseTools {
		t.Fatalf("afterAct with pending calls: got %v, want use_tools", got)
	}
}

func TestCheckpointSeedsNextTurn(t *testing.T) {
	t.Parallel()

	llm := &scriptedLLM{script: []func([]Message, GenerateOptions) (*Completion, error){
		reply("分析1"),
		reply("第一轮回答"),
		reply("分析2"),
		func(messages []Message, _ GenerateOptions) (*Completion, error) {
			// The second act call must see the first turn's exchange.
			var sawFirstAnswer bool
			for _, m := range messages {
				if m.Content == "第一轮回答" {
					sawFirstAnswer = true
				}
			}
			if !sawFirstAnswer {
				return nil, errors.New("missing checkpointed history")
			}
			return &Completion{Content: "第二轮回答"}, nil
		},
	}}
	agent, _ := newTestAgent(t, llm)

	first := agent.ProcessMessage(context.Background(), ChatRequest{
		UserID: 1, SessionID: "s-ckpt", Message: "第一句",
	}, nil)
	if first.Response != "第一轮回答" {
		t.Fatalf("unexpected first response: %q", first.Response)
	}

	second := agent.ProcessMessage(context.Background(), ChatRequest{
		UserID: 1, SessionID: "s-ckpt", Message: "第二句",
	}, nil)
	if second.Response != "第二轮回答" {
		t.Fatalf("unexpected second response: %q", second.Response)
	}
}
