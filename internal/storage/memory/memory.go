// Package memory implements storage.KV in a plain sorted map, used by the
// rest of the module's unit tests so they exercise real component logic
// against a real (if volatile) ordered-KV rather than mocking the contract
// itself per test.
package memory

import (
	"bytes"
	"sort"
	"sync"

	"github.com/gravelmoss/grapevine/internal/storage"
)

type DB struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers map[string][]chan []byte
}

func New() *DB {
	return &DB{data: map[string][]byte{}, watchers: map[string][]chan []byte{}}
}

func (d *DB) Get(key []byte) ([]byte, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[string(key)]
	return v, ok, nil
}

func (d *DB) Set(key, value []byte) error {
	d.mu.Lock()
	d.data[string(key)] = append([]byte(nil), value...)
	d.mu.Unlock()
	d.notify(key)
	return nil
}

func (d *DB) Delete(key []byte) error {
	d.mu.Lock()
	delete(d.data, string(key))
	d.mu.Unlock()
	d.notify(key)
	return nil
}

func (d *DB) sortedKeys(prefix []byte) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.data))
	for k := range d.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (d *DB) Iterate(prefix []byte, reverse bool, fn func(key, value []byte) (bool, error)) error {
	keys := d.sortedKeys(prefix)
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	for _, k := range keys {
		d.mu.RLock()
		v := d.data[k]
		d.mu.RUnlock()
		more, err := fn([]byte(k), v)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (d *DB) Batch(ops []storage.Op) error {
	d.mu.Lock()
	for _, op := range ops {
		if op.Delete {
			delete(d.data, string(op.Key))
			continue
		}
		d.data[string(op.Key)] = append([]byte(nil), op.Value...)
	}
	d.mu.Unlock()
	for _, op := range ops {
		d.notify(op.Key)
	}
	return nil
}

func (d *DB) Watch(prefix []byte) (<-chan []byte, func()) {
	ch := make(chan []byte, 16)
	key := string(prefix)
	d.mu.Lock()
	d.watchers[key] = append(d.watchers[key], ch)
	d.mu.Unlock()
	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		list := d.watchers[key]
		for i, c := range list {
			if c == ch {
				d.watchers[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel
}

func (d *DB) notify(key []byte) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for prefix, chans := range d.watchers {
		if !bytes.HasPrefix(key, []byte(prefix)) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- key:
			default:
			}
		}
	}
}

func (d *DB) Close() error { return nil }
