// Package counter implements the single global monotonic counter that stamps
// every durable event, receipt, account-data change, device-list update, and
// sync token (spec.md §4.13, §5). It is backed by internal/storage so the
// value survives restarts, and advances are linearizable via an in-process
// mutex plus an atomic durable write.
package counter

import (
	"sync"

	"github.com/gravelmoss/grapevine/internal/storage"
)

var countKey = []byte("globals/current_count")

// Counter is the shared process-wide sequence. Short-id allocation
// (roomserver/internal/shortid) draws from the same counter so that every
// observable change — PDU, short-id, sync token — is totally ordered.
type Counter struct {
	mu    sync.Mutex
	kv    storage.KV
	value uint64
}

// New loads the last persisted value (0 if never written) and returns a
// Counter ready to hand out further values.
func New(kv storage.KV) (*Counter, error) {
	c := &Counter{kv: kv}
	raw, ok, err := kv.Get(countKey)
	if err != nil {
		return nil, err
	}
	if ok {
		c.value = storage.DecodeUint64(raw)
	}
	return c, nil
}

// Next advances and durably persists the counter, returning the new value.
// Next never returns the same value twice for the lifetime of the backing
// store, including across restarts.
func (c *Counter) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	if err := c.kv.Set(countKey, storage.EncodeUint64(c.value)); err != nil {
		c.value--
		return 0, err
	}
	return c.value, nil
}

// Current returns the last handed-out value without allocating a new one.
func (c *Counter) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
