package runtime

import "sync"

type agentLock struct {
	mu   sync.Mutex
	refs int
}

// LockManager hands out per-agent advisory mutexes. Locks for idle agents
// are reclaimed once the last holder releases.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*agentLock
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: map[string]*agentLock{}}
}

// Acquire blocks until the agent's lock is held and returns the release
// handle. The holder must call release on every exit path.
func (m *LockManager) Acquire(agentID string) func() {
	if agentID == "" {
		return func() {}
	}

	m.mu.Lock()
	lock := m.locks[agentID]
	if lock == nil {
		lock = &agentLock{}
		m.locks[agentID] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(m.locks, agentID)
		}
		m.mu.Unlock()
	}
}
