// Package stream fans chat and agent events out to connected clients
// over SSE and WebSocket transports. Each connection owns a bounded
// event queue; slow consumers lose the oldest pending event rather
// than blocking producers.
package stream

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nimbuschat/nimbus/internal/config"
)

// Connection statuses.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusReconnecting = "reconnecting"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// Event types emitted on a stream.
const (
	EventStreamStart = "stream_start"
	EventStreamEnd   = "stream_end"
	EventHeartbeat   = "heartbeat"
	EventError       = "error"
)

// Event is a single payload delivered to a stream consumer. Sequence
// is monotonic per connection.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  uint64         `json:"sequence"`
}

// Connection is one client stream. All mutable fields are guarded by mu
// except seq, which is atomic.
type Connection struct {
	ID        string
	UserID    int64
	SessionID int64 // 0 when the stream is not scoped to a chat session

	mu            sync.Mutex
	status        string
	lastHeartbeat time.Time
	connectedAt   time.Time
	seq           atomic.Uint64
	queue         chan Event
}

// Status returns the current connection status.
func (c *Connection) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) setStatus(status string) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

// touch refreshes the heartbeat clock. Any delivered event counts as
// liveness.
func (c *Connection) touch(at time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = at
	c.mu.Unlock()
}

func (c *Connection) heartbeatAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastHeartbeat)
}

// newEvent stamps an event with the connection's next sequence number.
func (c *Connection) newEvent(eventType string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Sequence:  c.seq.Add(1),
	}
}

// Service manages the connection registry and background sweeps.
type Service struct {
	cfg config.StreamConfig

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewService creates a stream service with the given queue and timing
// configuration.
func NewService(cfg config.StreamConfig) *Service {
	return &Service{
		cfg:   cfg,
		conns: make(map[string]*Connection),
	}
}

// Connect registers a new connection for the user. sessionID may be 0
// for a user-wide stream.
func (s *Service) Connect(userID, sessionID int64) *Connection {
	now := time.Now().UTC()
	conn := &Connection{
		ID:            uuid.NewString(),
		UserID:        userID,
		SessionID:     sessionID,
		status:        StatusConnecting,
		lastHeartbeat: now,
		connectedAt:   now,
		queue:         make(chan Event, s.cfg.QueueSize),
	}

	s.mu.Lock()
	s.conns[conn.ID] = conn
	s.mu.Unlock()

	slog.Info("Stream connected", "connection_id", conn.ID, "user_id", userID, "session_id", sessionID)
	return conn
}

// Disconnect marks the connection disconnected. The connection stays in
// the registry until the cleanup sweep removes it so that stats and
// reconnect logic can still observe it.
func (s *Service) Disconnect(connID string) {
	s.mu.RLock()
	conn := s.conns[connID]
	s.mu.RUnlock()
	if conn == nil {
		return
	}
	conn.setStatus(StatusDisconnected)
	slog.Info("Stream disconnected", "connection_id", connID)
}

// Get returns the connection or nil when unknown.
func (s *Service) Get(connID string) *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[connID]
}

// Send enqueues an event for one connection. When the queue is full the
// oldest pending event is dropped and a synthesized error event takes
// its place; the new event is lost, which the error event reports.
func (s *Service) Send(connID, eventType string, data map[string]any) error {
	s.mu.RLock()
	conn := s.conns[connID]
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("connection %s not found", connID)
	}
	if conn.Status() == StatusDisconnected {
		return fmt.Errorf("connection %s is disconnected", connID)
	}

	conn.touch(time.Now().UTC())
	event := conn.newEvent(eventType, data)

	select {
	case conn.queue <- event:
		return nil
	default:
	}

	// Queue full: evict the oldest event to make room for an error
	// notice so the consumer learns it missed data.
	select {
	case <-conn.queue:
	default:
	}
	errEvent := conn.newEvent(EventError, map[string]any{
		"error":        "queue full, message dropped",
		"dropped_type": eventType,
	})
	select {
	case conn.queue <- errEvent:
	default:
	}
	slog.Warn("Stream queue full, dropped event",
		"connection_id", connID, "event_type", eventType)
	return fmt.Errorf("queue full for connection %s", connID)
}

// BroadcastToUser fans an event out to every live connection of the
// user. Individual send failures are tolerated; the count of successful
// deliveries is returned.
func (s *Service) BroadcastToUser(userID int64, eventType string, data map[string]any) int {
	return s.broadcast(func(c *Connection) bool { return c.UserID == userID }, eventType, data)
}

// BroadcastToSession fans an event out to every connection scoped to
// the chat session.
func (s *Service) BroadcastToSession(sessionID int64, eventType string, data map[string]any) int {
	return s.broadcast(func(c *Connection) bool { return c.SessionID == sessionID }, eventType, data)
}

func (s *Service) broadcast(match func(*Connection) bool, eventType string, data map[string]any) int {
	s.mu.RLock()
	targets := make([]*Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		if match(conn) && conn.Status() != StatusDisconnected {
			targets = append(targets, conn)
		}
	}
	s.mu.RUnlock()

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, conn := range targets {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := s.Send(c.ID, eventType, data); err == nil {
				delivered.Add(1)
			}
		}(conn)
	}
	wg.Wait()
	return int(delivered.Load())
}

// Events yields the connection's event stream. The first event is
// always stream_start; quiet periods produce heartbeat events every
// heartbeat interval. A final stream_end is yielded (best effort) and
// the connection is disconnected when iteration stops for any reason.
func (s *Service) Events(ctx context.Context, connID string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		s.mu.RLock()
		conn := s.conns[connID]
		s.mu.RUnlock()
		if conn == nil {
			yield(Event{}, fmt.Errorf("connection %s not found", connID))
			return
		}

		defer s.Disconnect(connID)
		conn.setStatus(StatusConnected)

		start := conn.newEvent(EventStreamStart, map[string]any{
			"connection_id": conn.ID,
			"user_id":       conn.UserID,
		})
		if !yield(start, nil) {
			return
		}

		timer := time.NewTimer(s.cfg.HeartbeatInterval)
		defer timer.Stop()

		for {
			// Re-check liveness every iteration so a force-disconnect
			// from the sweep ends the loop instead of idling forever.
			if conn.Status() == StatusDisconnected {
				yield(conn.newEvent(EventStreamEnd, map[string]any{"reason": "disconnected"}), nil)
				return
			}
			select {
			case <-ctx.Done():
				yield(conn.newEvent(EventStreamEnd, map[string]any{"reason": "context closed"}), nil)
				return
			case event := <-conn.queue:
				if !yield(event, nil) {
					return
				}
			case <-timer.C:
				// Synthesized heartbeats do not refresh lastHeartbeat;
				// only real traffic counts as liveness, so idle
				// connections still age out.
				hb := conn.newEvent(EventHeartbeat, map[string]any{
					"status": conn.Status(),
				})
				if !yield(hb, nil) {
					return
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.cfg.HeartbeatInterval)
		}
	}
}

// StartHeartbeatSweep force-disconnects connections whose last
// heartbeat is older than the connection timeout. Runs until ctx is
// cancelled.
func (s *Service) StartHeartbeatSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepStale(time.Now().UTC())
			}
		}
	}()
}

func (s *Service) sweepStale(now time.Time) {
	s.mu.RLock()
	stale := make([]*Connection, 0)
	for _, conn := range s.conns {
		if conn.Status() != StatusDisconnected && conn.heartbeatAge(now) > s.cfg.ConnectionTimeout {
			stale = append(stale, conn)
		}
	}
	s.mu.RUnlock()

	for _, conn := range stale {
		slog.Warn("Stream heartbeat timeout, disconnecting",
			"connection_id", conn.ID, "user_id", conn.UserID)
		conn.setStatus(StatusDisconnected)
	}
}

// StartCleanup periodically removes disconnected connections from the
// registry. Runs until ctx is cancelled.
func (s *Service) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := s.removeDisconnected()
				if removed > 0 {
					slog.Info("Cleaned up stream connections", "removed", removed)
				}
			}
		}
	}()
}

func (s *Service) removeDisconnected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, conn := range s.conns {
		if conn.Status() == StatusDisconnected {
			delete(s.conns, id)
			removed++
		}
	}
	return removed
}

// Stats reports registry totals for the stats endpoint.
func (s *Service) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byStatus := make(map[string]int)
	users := make(map[int64]struct{})
	queued := 0
	for _, conn := range s.conns {
		byStatus[conn.Status()]++
		users[conn.UserID] = struct{}{}
		queued += len(conn.queue)
	}
	return map[string]any{
		"total_connections": len(s.conns),
		"unique_users":      len(users),
		"by_status":         byStatus,
		"queued_events":     queued,
		"queue_capacity":    s.cfg.QueueSize,
	}
}
