package concurrency

import "sync"

// SessionLockManager serializes state-mutating work per session id.
// Locks are created lazily and never removed; the set of session ids a
// single process sees is small and bounded by its users.
type SessionLockManager struct {
	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

func NewSessionLockManager() *SessionLockManager {
	return &SessionLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *SessionLockManager) Lock(sessionID string) {
	m.mu.Lock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	m.mu.Unlock()
	lock.Lock()
}

func (m *SessionLockManager) Unlock(sessionID string) {
	m.mu.Lock()
	lock, ok := m.locks[sessionID]
	m.mu.Unlock()
	if ok {
		lock.Unlock()
	}
}
