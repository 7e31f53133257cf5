// ABOUTME: Per-conversation keyed locks for the single-writer discipline
// ABOUTME: Reference-counted so entries vanish when the last holder releases

package conversation

import "sync"

type convLock struct {
	mu   sync.Mutex
	refs int
}

// lockTable hands out one mutex per conversation ID. Entries are created on
// demand and removed when no goroutine holds or awaits them, so the table
// stays proportional to in-flight work rather than total conversations.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*convLock)}
}

// acquire blocks until the lock for id is held and returns the release func.
func (t *lockTable) acquire(id string) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &convLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}
