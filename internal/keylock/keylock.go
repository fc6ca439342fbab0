// Package keylock provides mutual exclusion scoped to a string key.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker serializes work per key while letting different keys run in
// parallel. Entries are dropped once no goroutine holds or waits on them.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Locker
func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Lock acquires the lock for key and returns its release function
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.entries, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len reports how many keys are currently held or awaited
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
