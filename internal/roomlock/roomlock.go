// Package roomlock provides the three independent per-room mutexes spec.md
// §5 requires — state, insert, federation — plus the global state-resolution
// mutex. Each per-room mutex is reference-counted and released automatically
// once no holder remains (spec.md §3 "ownership and lifecycle"), built on
// top of internal/ondemand.
package roomlock

import (
	"context"
	"sync"

	"github.com/gravelmoss/grapevine/internal/ondemand"
)

// Kind names which of the three independent locks is being requested.
// Callers acquiring more than one must take them in this order: state,
// insert, federation (spec.md §5).
type Kind int

const (
	KindState Kind = iota
	KindInsert
	KindFederation
)

// Manager hands out per-room, per-kind mutexes from three independent
// on-demand maps, and owns the single global stateres mutex that serializes
// state resolution across all rooms.
type Manager struct {
	state      *ondemand.Map[string, *sync.Mutex]
	insert     *ondemand.Map[string, *sync.Mutex]
	federation *ondemand.Map[string, *sync.Mutex]

	stateres sync.Mutex
}

func NewManager() *Manager {
	return &Manager{
		state:      ondemand.NewMap(func(string) *sync.Mutex { return &sync.Mutex{} }),
		insert:     ondemand.NewMap(func(string) *sync.Mutex { return &sync.Mutex{} }),
		federation: ondemand.NewMap(func(string) *sync.Mutex { return &sync.Mutex{} }),
	}
}

// Lock acquires the named per-room mutex and returns an unlock func. The
// context is honored only while waiting to acquire; once held the caller
// owns it until Unlock is called.
func (m *Manager) Lock(ctx context.Context, kind Kind, roomID string) (unlock func(), err error) {
	var mp *ondemand.Map[string, *sync.Mutex]
	switch kind {
	case KindState:
		mp = m.state
	case KindInsert:
		mp = m.insert
	case KindFederation:
		mp = m.federation
	}

	token := mp.Get(roomID)
	mu := token.Value()

	acquired := make(chan struct{})
	go func() {
		mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() {
			mu.Unlock()
			token.Release()
		}, nil
	case <-ctx.Done():
		// We'll still end up acquiring it in the background goroutine and
		// immediately releasing; the caller never sees the lock.
		go func() {
			<-acquired
			mu.Unlock()
			token.Release()
		}()
		return nil, ctx.Err()
	}
}

// LockStateRes acquires the global stateres mutex used to serialize
// expensive state-resolution computations across rooms (spec.md §4.7, §5).
func (m *Manager) LockStateRes() (unlock func()) {
	m.stateres.Lock()
	return m.stateres.Unlock
}
