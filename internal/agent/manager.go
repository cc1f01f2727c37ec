package agent

import "sync"

// Manager is an injected named-agent registry. Services resolve agents
// by name at request time; registration happens during startup wiring.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*BaseAgent
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{agents: make(map[string]*BaseAgent)}
}

// Register adds an agent under its name, replacing any previous entry.
func (m *Manager) Register(a *BaseAgent) {
	m.mu.Lock()
	m.agents[a.Name()] = a
	m.mu.Unlock()
}

// Get returns the agent registered under name, or nil.
func (m *Manager) Get(name string) *BaseAgent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agents[name]
}

// Names returns the registered agent names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	return names
}
