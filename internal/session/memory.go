package session

import (
	"context"
	"sync"
)

// MemoryStore keeps sessions in process memory. Values are copied on the way
// in and out, so callers never share state with the store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Get(_ context.Context, sid string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sid]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Set(_ context.Context, sid string, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[sid] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sid)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, sid string, fn UpdateFunc) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := fn(m.sessions[sid].Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}
	m.sessions[sid] = next.Clone()
	return next, nil
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
