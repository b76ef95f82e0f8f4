// Package bbolt implements the storage.KV contract (C1) on top of
// go.etcd.io/bbolt, an embedded ordered B+tree that already natively
// supports prefix scans (via Cursor.Seek) and atomic batched writes (via
// Tx), making it the most direct fit for the contract of all three backends
// in the domain stack.
package bbolt

import (
	"bytes"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/gravelmoss/grapevine/internal/storage"
)

var rootBucket = []byte("grapevine")

// DB adapts a single bbolt database file to storage.KV. All keys live in one
// bucket so prefix scans across logical namespaces (see spec.md §6
// "persisted state layout") are just byte-range scans within it.
type DB struct {
	bolt *bolt.DB

	mu       sync.Mutex
	watchers map[string][]chan []byte
}

func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	if err := b.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		_ = b.Close()
		return nil, err
	}
	return &DB{bolt: b, watchers: map[string][]chan []byte{}}, nil
}

func (d *DB) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := d.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(rootBucket).Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, value != nil, err
}

func (d *DB) Set(key, value []byte) error {
	if err := d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Put(key, value)
	}); err != nil {
		return err
	}
	d.notify(key)
	return nil
}

func (d *DB) Delete(key []byte) error {
	if err := d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Delete(key)
	}); err != nil {
		return err
	}
	d.notify(key)
	return nil
}

func (d *DB) Iterate(prefix []byte, reverse bool, fn func(key, value []byte) (bool, error)) error {
	return d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		if !reverse {
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				more, err := fn(k, v)
				if err != nil {
					return err
				}
				if !more {
					return nil
				}
			}
			return nil
		}
		// Reverse scan: seek past the prefix's range, then walk back.
		upper := prefixUpperBound(prefix)
		var k, v []byte
		if upper == nil {
			k, v = c.Last()
		} else {
			k, v = c.Seek(upper)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			more, err := fn(k, v)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		return nil
	})
}

// prefixUpperBound returns the smallest key that is strictly greater than
// every key with the given prefix, or nil if the prefix is all 0xff bytes.
func prefixUpperBound(prefix []byte) []byte {
	b := append([]byte(nil), prefix...)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}

func (d *DB) Batch(ops []storage.Op) error {
	if err := d.bolt.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(rootBucket)
		for _, op := range ops {
			if op.Delete {
				if err := bkt.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := bkt.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
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
	d.mu.Lock()
	defer d.mu.Unlock()
	for prefix, chans := range d.watchers {
		if !bytes.HasPrefix(key, []byte(prefix)) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- key:
			default:
				// Slow watcher; drop rather than block a writer. Long-poll
				// callers (C13) re-check state on wake anyway.
			}
		}
	}
}

func (d *DB) Close() error { return d.bolt.Close() }
