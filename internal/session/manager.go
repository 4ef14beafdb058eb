package session

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

var errDuplicateSession = errors.New("session: already registered")

// Manager tracks the sessions of an application.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Add registers s.
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID()]; ok {
		return errDuplicateSession
	}
	m.sessions[s.ID()] = s
	return nil
}

// Remove unregisters the session with id and returns it.
func (m *Manager) Remove(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	return s, ok
}

// Sessions returns the registered sessions ordered by id.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	slices.SortFunc(sessions, func(left, right *Session) int {
		return strings.Compare(left.ID(), right.ID())
	})
	return sessions
}

// ReconnectAll resets every session's backoff so disconnected sessions retry now.
func (m *Manager) ReconnectAll() {
	for _, s := range m.Sessions() {
		s.Reconnect()
	}
}

// CloseAll closes and unregisters every session.
func (m *Manager) CloseAll() error {
	var err error
	for _, s := range m.Sessions() {
		m.Remove(s.ID())
		err = multierr.Append(err, s.Close())
	}
	return err
}
