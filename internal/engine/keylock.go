package engine

import (
	"sync"

	"github.com/elissabot/elissa/internal/models"
)

// keyLock serializes work per conversation key. Events for different
// keys proceed in parallel; events for the same key queue behind one
// mutex spanning load, evaluate, advance, and persist.
type keyLock struct {
	mu    sync.Mutex
	locks map[models.ConversationKey]*sync.Mutex
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[models.ConversationKey]*sync.Mutex)}
}

// Acquire locks the key and returns the unlock function. Lock entries
// are never removed; the map is bounded by the number of
// conversations the process has touched.
func (l *keyLock) Acquire(key models.ConversationKey) func() {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
