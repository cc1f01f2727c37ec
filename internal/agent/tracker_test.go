package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nimbuschat/nimbus/internal/domain"
	"github.com/nimbuschat/nimbus/internal/store"
)

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func createTestUser(t *testing.T, repo store.Repository, username string) *domain.User {
	t.Helper()
	ctx := context.Background()

	role, err := repo.GetRoleByName(ctx, "user")
	if err != nil || role == nil {
		t.Fatalf("GetRoleByName failed: %v", err)
	}
	user, err := repo.CreateUser(ctx, &domain.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "not-a-real-hash",
		IsActive:     true,
		RoleID:       role.ID,
	})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return user
}

func TestTrackerStepNumbersContiguousAcrossFlushes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newTestRepo(t)
	user := createTestUser(t, repo, "tracker-contig")
	tracker := NewTracker(repo, false)

	scope := tracker.TrackSession(ctx, user.ID, "tester", "北京天气怎么样")

	tracker.AddObservation(ctx, scope.SessionID, "观察", "用户询问天气", 0.8)
	tracker.AddAnalysis(ctx, scope.SessionID, "分析", "需要查询天气", "城市已给出", 0.8, true)
	if err := tracker.Flush(ctx, scope.SessionID); err != nil {
		t.Fatalf("first Flush failed: %v", err)
	}

	tracker.AddDecision(ctx, scope.SessionID, "决策", "调用天气工具", "工具可用", 0.9, true)
	tracker.AddToolCall(ctx, scope.SessionID, "get_weather", map[string]any{"city": "北京"}, "晴", 0.95, 50*time.Millisecond, true)
	tracker.AddConclusion(ctx, scope.SessionID, "总结", "回复用户", 0.9, true)
	scope.Close(ctx, "北京今天晴")

	steps, err := tracker.SessionSteps(ctx, scope.SessionID, false)
	if err != nil {
		t.Fatalf("SessionSteps failed: %v", err)
	}
	if len(steps) != 5 {
		t.Fatalf("expected 5 persisted steps, got %d", len(steps))
	}
	for i, step := range steps {
		if step.StepNumber != i+1 {
			t.Fatalf("step %d has number %d, want %d", i, step.StepNumber, i+1)
		}
		if step.FromBuffer {
			t.Fatalf("persisted step %d marked as buffered", i)
		}
	}

	session, err := repo.GetThinkingSession(ctx, scope.SessionID)
	if err != nil || session == nil {
		t.Fatalf("GetThinkingSession failed: %v", err)
	}
	if session.TotalSteps != 5 {
		t.Fatalf("expected total_steps 5, got %d", session.TotalSteps)
	}
	if session.ToolCallsCount != 1 {
		t.Fatalf("expected tool_calls_count 1, got %d", session.ToolCallsCount)
	}
	if session.FinalResponse != "北京今天晴" {
		t.Fatalf("unexpected final response: %q", session.FinalResponse)
	}
	if session.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
}

func TestTrackerUnknownSessionIsNoOp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newTestRepo(t)
	tracker := NewTracker(repo, false)

	// Must not panic or create anything.
	tracker.AddObservation(ctx, "no-such-session", "观察", "内容", 0.5)

	steps, err := tracker.SessionSteps(ctx, "no-such-session", true)
	if err != nil {
		t.Fatalf("SessionSteps failed: %v", err)
	}
	if len(steps) != 0 {
		t.Fatalf("expected no steps for unknown session, got %d", len(steps))
	}
}

func TestTrackerBufferedStepsAreMarked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newTestRepo(t)
	user := createTestUser(t, repo, "tracker-buffer")
	tracker := NewTracker(repo, false)

	scope := tracker.TrackSession(ctx, user.ID, "tester", "你好")
	tracker.AddDecision(ctx, scope.SessionID, "决策", "直接回复", "无需工具", 0.9, true)

	buffered, err := tracker.SessionSteps(ctx, scope.SessionID, true)
	if err != nil {
		t.Fatalf("SessionSteps failed: %v", err)
	}
	if len(buffered) != 1 {
		t.Fatalf("expected 1 buffered step, got %d", len(buffered))
	}
	step := buffered[0]
	if !step.FromBuffer {
		t.Fatal("expected from-buffer marker on unflushed step")
	}
	if step.ID != "buffer_0" {
		t.Fatalf("expected provisional id buffer_0, got %q", step.ID)
	}
	if step.Phase != domain.PhasePlanning || step.StepType != domain.StepDecision {
		t.Fatalf("unexpected phase/type: %s/%s", step.Phase, step.StepType)
	}
	if step.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9, got %v", step.Confidence)
	}
	if step.StepNumber != 1 {
		t.Fatalf("expected provisional step number 1, got %d", step.StepNumber)
	}

	persisted, err := tracker.SessionSteps(ctx, scope.SessionID, false)
	if err != nil {
		t.Fatalf("SessionSteps failed: %v", err)
	}
	if len(persisted) != 0 {
		t.Fatalf("expected no persisted steps before flush, got %d", len(persisted))
	}
}

// brokenStepsRepo refuses to persist thinking steps so aggregates must
// fall back to what actually landed in storage.
type brokenStepsRepo struct {
	store.Repository
}

func (r *brokenStepsRepo) InsertThinkingSteps(context.Context, []*domain.ThinkingStep) error {
	return errors.New("disk full")
}

func TestTrackerCloseCountsOnlyPersistedToolCalls(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newTestRepo(t)
	user := createTestUser(t, repo, "tracker-lost-steps")
	tracker := NewTracker(&brokenStepsRepo{repo}, false)

	scope := tracker.TrackSession(ctx, user.ID, "tester", "北京天气")
	tracker.AddToolCall(ctx, scope.SessionID, "get_weather", map[string]any{"city": "北京"}, "晴", 0.95, 10*time.Millisecond, true)
	tracker.AddToolCall(ctx, scope.SessionID, "get_weather", map[string]any{"city": "北京"}, "晴", 0.95, 10*time.Millisecond, true)
	scope.Close(ctx, "北京今天晴")

	session, err := repo.GetThinkingSession(ctx, scope.SessionID)
	if err != nil || session == nil {
		t.Fatalf("GetThinkingSession failed: %v", err)
	}
	if session.TotalSteps != 0 {
		t.Fatalf("no steps were persisted, total_steps must be 0, got %d", session.TotalSteps)
	}
	if session.ToolCallsCount != 0 {
		t.Fatalf("no tool calls were persisted, tool_calls_count must be 0, got %d", session.ToolCallsCount)
	}
	if session.CompletedAt == nil {
		t.Fatal("session must still be finalized")
	}
}

func TestTrackerSummaryAggregates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newTestRepo(t)
	user := createTestUser(t, repo, "tracker-summary")
	tracker := NewTracker(repo, false)

	scope := tracker.TrackSession(ctx, user.ID, "tester", "上海天气")
	tracker.AddAnalysis(ctx, scope.SessionID, "分析", "查询上海天气", "", 0.8, true)
	tracker.AddToolCall(ctx, scope.SessionID, "get_weather", map[string]any{"city": "上海"}, "多云", 0.95, 10*time.Millisecond, true)
	tracker.AddToolCall(ctx, scope.SessionID, "get_weather", map[string]any{"city": "上海"}, "多云", 0.95, 10*time.Millisecond, true)
	tracker.AddConclusion(ctx, scope.SessionID, "总结", "回复", 0.85, true)

	summary, err := tracker.SessionSummary(ctx, scope.SessionID)
	if err != nil || summary == nil {
		t.Fatalf("SessionSummary failed: %v", err)
	}
	if summary.TotalSteps != 4 {
		t.Fatalf("expected 4 steps in summary, got %d", summary.TotalSteps)
	}
	if summary.ToolCalls != 2 {
		t.Fatalf("expected 2 tool calls, got %d", summary.ToolCalls)
	}
	if len(summary.ToolsUsed) != 1 || summary.ToolsUsed[0] != "get_weather" {
		t.Fatalf("unexpected tools used: %v", summary.ToolsUsed)
	}
	if summary.ByPhase[domain.PhaseExecution] != 2 {
		t.Fatalf("expected 2 execution-phase steps, got %d", summary.ByPhase[domain.PhaseExecution])
	}
	if summary.Completed {
		t.Fatal("session should not be marked completed before Close")
	}
}
