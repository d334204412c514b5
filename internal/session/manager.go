package session

import (
	"sync"

	"github.com/coremq-dev/coremq/internal/logger"
)

// Manager tracks all live sessions by connection id.
type Manager struct {
	sessions sync.Map
	count    int64
	mu       sync.Mutex
}

func NewManager() *Manager {
	return &Manager{}
}

// Add registers a session.
func (m *Manager) Add(s *Session) {
	m.sessions.Store(s.ID, s)
	m.mu.Lock()
	m.count++
	m.mu.Unlock()
	logger.InfoF("Client %s connected from %s", s.ID, s.RemoteAddr)
}

// Remove unregisters a session and reports whether it was present.
func (m *Manager) Remove(id string) bool {
	if _, ok := m.sessions.LoadAndDelete(id); ok {
		m.mu.Lock()
		m.count--
		m.mu.Unlock()
		logger.InfoF("Client %s disconnected", id)
		return true
	}
	return false
}

// Get looks a session up by connection id.
func (m *Manager) Get(id string) (*Session, bool) {
	if value, ok := m.sessions.Load(id); ok {
		return value.(*Session), true
	}
	return nil, false
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.count)
}
