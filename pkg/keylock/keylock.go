// Package keylock implements the per-user lock map required by spec.md §5
// and §9: mutating container operations for the same username are
// serialized, operations on different usernames proceed concurrently, and
// an entry is evicted as soon as no caller holds or waits for it. The map
// does not track migrations: an in-progress migration holds no entry and
// does not keep one alive.
package keylock

import "sync"

type entry struct {
	mu       sync.Mutex
	refCount int
}

// Map is a sharded, reference-counted set of per-key mutexes. The zero
// value is ready to use.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns a ready-to-use Map.
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock acquires the lock for key, blocking until available, and returns an
// unlock function. The caller must call it exactly once to release the
// lock and allow eviction once refcount returns to zero.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[string]*entry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refCount++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refCount--
			if e.refCount == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len reports the number of currently tracked keys, for tests.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
