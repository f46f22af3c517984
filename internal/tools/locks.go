package tools

import (
	"fmt"
	"sync"
)

// Locks hands out one mutex per record key. Entries are dropped once no
// caller holds or waits on them.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{entries: make(map[string]*lockEntry)}
}

func RecordKey(collection string, id int64) string {
	return fmt.Sprintf("%s:%d", collection, id)
}

// Lock blocks until key is free and returns the matching unlock.
func (l *Locks) Lock(key string) func() {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

func (l *Locks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
