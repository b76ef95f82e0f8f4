// Package ondemand implements the §4.13 "on-demand keyed map" primitive:
// a map K→V backed by reference counting so that entries are dropped once
// their last holder releases them, without leaking memory for inactive
// rooms. It is a Go translation of grapevine's on_demand_hashmap.rs, which
// achieves the same thing with a weak-pointer map and a cleanup task; Go has
// no generic weak pointers usable here, so this version does the equivalent
// bookkeeping with an explicit refcount under the map's own mutex.
package ondemand

import "sync"

// Map hands out reference-counted values for a key, creating one lazily via
// New on first request and removing it once every Token for that key has
// been released.
type Map[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	create  func(K) V
}

type entry[V any] struct {
	value V
	refs  int
}

func NewMap[K comparable, V any](create func(K) V) *Map[K, V] {
	return &Map[K, V]{
		entries: make(map[K]*entry[V]),
		create:  create,
	}
}

// Token is a held reference to a Map entry. Callers must call Release
// exactly once when done; the underlying value is removed from the map
// when the last outstanding Token for its key is released.
type Token[K comparable, V any] struct {
	m   *Map[K, V]
	key K
	e   *entry[V]
}

func (t Token[K, V]) Value() V { return t.e.value }

// Release drops this reference. If it was the last live reference for the
// key, the entry is removed from the map.
func (t Token[K, V]) Release() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.e.refs--
	if t.e.refs <= 0 {
		if cur, ok := t.m.entries[t.key]; ok && cur == t.e {
			delete(t.m.entries, t.key)
		}
	}
}

// Get returns a Token for key, creating the value via the Map's create
// func if this is the first live reference.
func (m *Map[K, V]) Get(key K) Token[K, V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry[V]{value: m.create(key)}
		m.entries[key] = e
	}
	e.refs++
	return Token[K, V]{m: m, key: key, e: e}
}

// Len reports the number of distinct live keys, for metrics/tests.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
