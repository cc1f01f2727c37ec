package stream

import (
	"context"
	"testing"
	"time"

	"github.com/nimbuschat/nimbus/internal/config"
)

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		QueueSize:         4,
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 300 * time.Second,
		CleanupInterval:   300 * time.Second,
		RetryDelay:        5 * time.Second,
	}
}

func TestSendQueueFullEvictsOldestAndInjectsError(t *testing.T) {
	t.Parallel()

	cfg := testStreamConfig()
	svc := NewService(cfg)
	conn := svc.Connect(1, 0)

	for i := 0; i < cfg.QueueSize; i++ {
		if err := svc.Send(conn.ID, "message", map[string]any{"n": i}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	if err := svc.Send(conn.ID, "message", map[string]any{"n": cfg.QueueSize}); err == nil {
		t.Fatal("expected error when queue is full")
	}

	if got := len(conn.queue); got != cfg.QueueSize {
		t.Fatalf("queue must stay at capacity %d, got %d", cfg.QueueSize, got)
	}

	// The oldest event (n=0) was evicted; the tail is the synthesized
	// error event.
	var drained []Event
	for len(conn.queue) > 0 {
		drained = append(drained, <-conn.queue)
	}
	if drained[0].Data["n"] != 1 {
		t.Fatalf("expected oldest event evicted, head is %v", drained[0].Data)
	}
	tail := drained[len(drained)-1]
	if tail.Type != EventError {
		t.Fatalf("expected queue-full error event at tail, got %q", tail.Type)
	}
	if tail.Data["dropped_type"] != "message" {
		t.Fatalf("error event should name the dropped type: %v", tail.Data)
	}
}

func TestSequencesAreMonotonicPerConnection(t *testing.T) {
	t.Parallel()

	svc := NewService(testStreamConfig())
	conn := svc.Connect(7, 0)

	for i := 0; i < 3; i++ {
		if err := svc.Send(conn.ID, "message", nil); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	var last uint64
	for len(conn.queue) > 0 {
		ev := <-conn.queue
		if ev.Sequence <= last {
			t.Fatalf("sequence not monotonic: %d after %d", ev.Sequence, last)
		}
		last = ev.Sequence
	}
}

func TestSendToUnknownOrDisconnectedConnection(t *testing.T) {
	t.Parallel()

	svc := NewService(testStreamConfig())
	if err := svc.Send("missing", "message", nil); err == nil {
		t.Fatal("expected error for unknown connection")
	}

	conn := svc.Connect(1, 0)
	svc.Disconnect(conn.ID)
	if err := svc.Send(conn.ID, "message", nil); err == nil {
		t.Fatal("expected error for disconnected connection")
	}
}

func TestBroadcastMatchesUserAndSession(t *testing.T) {
	t.Parallel()

	svc := NewService(testStreamConfig())
	a1 := svc.Connect(1, 10)
	a2 := svc.Connect(1, 0)
	b := svc.Connect(2, 10)

	if got := svc.BroadcastToUser(1, "message", nil); got != 2 {
		t.Fatalf("expected 2 deliveries to user 1, got %d", got)
	}
	if len(a1.queue) != 1 || len(a2.queue) != 1 || len(b.queue) != 0 {
		t.Fatalf("unexpected queue lengths: %d %d %d", len(a1.queue), len(a2.queue), len(b.queue))
	}

	if got := svc.BroadcastToSession(10, "message", nil); got != 2 {
		t.Fatalf("expected 2 deliveries to session 10, got %d", got)
	}
	if len(b.queue) != 1 {
		t.Fatalf("session broadcast missed the other user's connection")
	}
}

func TestBroadcastToleratesDisconnectedTargets(t *testing.T) {
	t.Parallel()

	svc := NewService(testStreamConfig())
	live := svc.Connect(1, 0)
	dead := svc.Connect(1, 0)
	svc.Disconnect(dead.ID)

	if got := svc.BroadcastToUser(1, "message", nil); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if len(live.queue) != 1 {
		t.Fatal("live connection did not receive the event")
	}
}

func TestHeartbeatSweepDisconnectsStaleConnections(t *testing.T) {
	t.Parallel()

	cfg := testStreamConfig()
	cfg.ConnectionTimeout = 50 * time.Millisecond
	svc := NewService(cfg)

	stale := svc.Connect(1, 0)
	fresh := svc.Connect(2, 0)

	stale.touch(time.Now().UTC().Add(-time.Second))
	svc.sweepStale(time.Now().UTC())

	if stale.Status() != StatusDisconnected {
		t.Fatalf("stale connection should be disconnected, got %q", stale.Status())
	}
	if fresh.Status() == StatusDisconnected {
		t.Fatal("fresh connection must survive the sweep")
	}
}

func TestSendRefreshesHeartbeat(t *testing.T) {
	t.Parallel()

	cfg := testStreamConfig()
	cfg.ConnectionTimeout = 50 * time.Millisecond
	svc := NewService(cfg)

	conn := svc.Connect(1, 0)
	conn.touch(time.Now().UTC().Add(-time.Second))

	if err := svc.Send(conn.ID, "message", nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	svc.sweepStale(time.Now().UTC())
	if conn.Status() == StatusDisconnected {
		t.Fatal("delivery must count as liveness")
	}
}

func TestCleanupRemovesOnlyDisconnected(t *testing.T) {
	t.Parallel()

	svc := NewService(testStreamConfig())
	gone := svc.Connect(1, 0)
	kept := svc.Connect(2, 0)
	svc.Disconnect(gone.ID)

	if removed := svc.removeDisconnected(); removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if svc.Get(gone.ID) != nil {
		t.Fatal("disconnected connection still registered")
	}
	if svc.Get(kept.ID) == nil {
		t.Fatal("live connection was removed")
	}
}

func TestEventsEmitsStartHeartbeatAndEnd(t *testing.T) {
	t.Parallel()

	cfg := testStreamConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	svc := NewService(cfg)
	conn := svc.Connect(1, 0)

	ctx, cancel := context.WithCancel(context.Background())

	var events []Event
	for ev, err := range svc.Events(ctx, conn.ID) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		events = append(events, ev)
		if len(events) == 2 {
			// stream_start plus one heartbeat observed, hang up.
			cancel()
		}
	}
	cancel()

	if len(events) < 3 {
		t.Fatalf("expected start, heartbeat and end, got %d events", len(events))
	}
	if events[0].Type != EventStreamStart {
		t.Fatalf("first event must be stream_start, got %q", events[0].Type)
	}
	if events[1].Type != EventHeartbeat {
		t.Fatalf("quiet stream must heartbeat, got %q", events[1].Type)
	}
	if events[len(events)-1].Type != EventStreamEnd {
		t.Fatalf("last event must be stream_end, got %q", events[len(events)-1].Type)
	}
	if conn.Status() != StatusDisconnected {
		t.Fatalf("connection must be disconnected after the stream ends, got %q", conn.Status())
	}
}

func TestIdleEventLoopAgesOutDespiteHeartbeats(t *testing.T) {
	t.Parallel()

	cfg := testStreamConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.ConnectionTimeout = 30 * time.Millisecond
	svc := NewService(cfg)
	conn := svc.Connect(1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan []Event, 1)
	go func() {
		var events []Event
		for ev, err := range svc.Events(ctx, conn.ID) {
			if err != nil {
				t.Errorf("stream error: %v", err)
				break
			}
			events = append(events, ev)
		}
		done <- events
	}()

	// Let several synthesized heartbeats fire; they must not count as
	// liveness, so the sweep still sees a stale connection.
	time.Sleep(60 * time.Millisecond)
	svc.sweepStale(time.Now().UTC())

	if conn.Status() != StatusDisconnected {
		t.Fatalf("idle connection must age out, got %q", conn.Status())
	}

	var events []Event
	select {
	case events = <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop kept running after force-disconnect")
	}

	if len(events) < 3 {
		t.Fatalf("expected start, heartbeats and end, got %d events", len(events))
	}
	if events[1].Type != EventHeartbeat {
		t.Fatalf("idle stream must heartbeat, got %q", events[1].Type)
	}
	last := events[len(events)-1]
	if last.Type != EventStreamEnd || last.Data["reason"] != "disconnected" {
		t.Fatalf("loop must end with a disconnected stream_end, got %+v", last)
	}
}

func TestEventsEndsAfterExplicitDisconnect(t *testing.T) {
	t.Parallel()

	cfg := testStreamConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	svc := NewService(cfg)
	conn := svc.Connect(1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan Event, 1)
	go func() {
		var last Event
		for ev, err := range svc.Events(ctx, conn.ID) {
			if err != nil {
				t.Errorf("stream error: %v", err)
				break
			}
			last = ev
		}
		done <- last
	}()

	time.Sleep(15 * time.Millisecond)
	svc.Disconnect(conn.ID)

	select {
	case last := <-done:
		if last.Type != EventStreamEnd {
			t.Fatalf("expected stream_end after disconnect, got %q", last.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("event loop kept emitting after disconnect")
	}
}

func TestEventsDeliversQueuedPayloads(t *testing.T) {
	t.Parallel()

	svc := NewService(testStreamConfig())
	conn := svc.Connect(1, 0)

	if err := svc.Send(conn.ID, "message", map[string]any{"text": "hello"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got *Event
	for ev, err := range svc.Events(ctx, conn.ID) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		if ev.Type == "message" {
			copied := ev
			got = &copied
			cancel()
		}
	}

	if got == nil {
		t.Fatal("queued message never delivered")
	}
	if got.Data["text"] != "hello" {
		t.Fatalf("unexpected payload: %v", got.Data)
	}
	if got.Timestamp.IsZero() || got.Sequence == 0 {
		t.Fatalf("event must carry timestamp and sequence: %+v", got)
	}
}

func TestStatsCountsConnectionsAndQueues(t *testing.T) {
	t.Parallel()

	svc := NewService(testStreamConfig())
	c1 := svc.Connect(1, 0)
	svc.Connect(1, 5)
	svc.Connect(2, 0)
	_ = svc.Send(c1.ID, "message", nil)

	stats := svc.Stats()
	if stats["total_connections"] != 3 {
		t.Fatalf("expected 3 connections, got %v", stats["total_connections"])
	}
	if stats["unique_users"] != 2 {
		t.Fatalf("expected 2 unique users, got %v", stats["unique_users"])
	}
	if stats["queued_events"] != 1 {
		t.Fatalf("expected 1 queued event, got %v", stats["queued_events"])
	}
}
