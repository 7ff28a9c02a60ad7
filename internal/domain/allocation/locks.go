package allocation

import "sync"

// resourceLocks serializes committing transitions per resource.
// Unrelated resources stay fully concurrent; the lock is never held
// across catalog refreshes or event delivery (the outbox decouples
// those from the commit path).
type resourceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newResourceLocks() *resourceLocks {
	return &resourceLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the given resource and returns the unlock function.
func (l *resourceLocks) acquire(resourceID string) func() {
	l.mu.Lock()
	m, ok := l.locks[resourceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[resourceID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
