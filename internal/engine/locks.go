package engine

import (
	"sync"

	"storyline/internal/domain"
)

type lineageKey struct {
	kind   domain.Kind
	parent int64
}

type lineageLock struct {
	mu   sync.Mutex
	refs int
}

// lineageLocks serializes writers of one lineage within the process.
// Entries are dropped once no goroutine holds or waits on them.
type lineageLocks struct {
	mu    sync.Mutex
	locks map[lineageKey]*lineageLock
}

func newLineageLocks() *lineageLocks {
	return &lineageLocks{locks: map[lineageKey]*lineageLock{}}
}

var sharedLocks = newLineageLocks()

func (e Engine) lineageLocks() *lineageLocks {
	if e.locks != nil {
		return e.locks
	}
	return sharedLocks
}

func (l *lineageLocks) lock(kind domain.Kind, parent int64) (unlock func()) {
	key := lineageKey{kind, parent}
	l.mu.Lock()
	ll, ok := l.locks[key]
	if !ok {
		ll = &lineageLock{}
		l.locks[key] = ll
	}
	ll.refs++
	l.mu.Unlock()

	ll.mu.Lock()
	return func() {
		ll.mu.Unlock()
		l.mu.Lock()
		ll.refs--
		if ll.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
