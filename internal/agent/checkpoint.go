package agent

import "sync"

// CheckpointStore keeps the accumulated message list per chat session
// so consecutive turns resume from prior context. In-memory only; a
// restart falls back to reloading history from the repository.
type CheckpointStore struct {
	mu     sync.RWMutex
	states map[string][]Message
}

// NewCheckpointStore creates an empty checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{states: make(map[string][]Message)}
}

// Load returns the checkpointed messages for a session, or nil.
func (c *CheckpointStore) Load(sessionID string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs, ok := c.states[sessionID]
	if !ok {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Save replaces the checkpointed messages for a session.
func (c *CheckpointStore) Save(sessionID string, msgs []Message) {
	stored := make([]Message, len(msgs))
	copy(stored, msgs)
	c.mu.Lock()
	c.states[sessionID] = stored
	c.mu.Unlock()
}

// Delete discards the checkpoint for a session.
func (c *CheckpointStore) Delete(sessionID string) {
	c.mu.Lock()
	delete(c.states, sessionID)
	c.mu.Unlock()
}
