// Package sqlite implements the storage.KV contract (C1) over
// modernc.org/sqlite (pure-Go, no cgo), for deployments that want a single
// relational file rather than bbolt's native format. The schema is a flat
// ordered key/value table; every logical namespace in spec.md §6 is a key
// prefix within it, exactly as in the bbolt backend, so callers above this
// package never need to know which engine is underneath.
package sqlite

import (
	"bytes"
	"database/sql"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/gravelmoss/grapevine/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key BLOB PRIMARY KEY,
	value BLOB NOT NULL
);
`

type DB struct {
	sql *sql.DB

	mu       sync.Mutex
	watchers map[string][]chan []byte
}

func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single ordered-KV table is written from one logical writer at a
	// time per the §5 shared-resource policy; cap the pool accordingly so
	// SQLite's single-writer model doesn't serialize behind lock timeouts.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &DB{sql: sqlDB, watchers: map[string][]chan []byte{}}, nil
}

func (d *DB) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := d.sql.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (d *DB) Set(key, value []byte) error {
	if _, err := d.sql.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return err
	}
	d.notify(key)
	return nil
}

func (d *DB) Delete(key []byte) error {
	if _, err := d.sql.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return err
	}
	d.notify(key)
	return nil
}

func (d *DB) Iterate(prefix []byte, reverse bool, fn func(key, value []byte) (bool, error)) error {
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	upper := prefixUpperBound(prefix)
	var rows *sql.Rows
	var err error
	if upper == nil {
		rows, err = d.sql.Query(`SELECT key, value FROM kv WHERE key >= ? ORDER BY key `+order, prefix)
	} else {
		rows, err = d.sql.Query(`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key `+order, prefix, upper)
	}
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		more, err := fn(k, v)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return rows.Err()
}

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
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.Delete {
			if _, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, op.Key); err != nil {
				_ = tx.Rollback()
				return err
			}
			continue
		}
		if _, err := tx.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, op.Key, op.Value); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
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
			}
		}
	}
}

func (d *DB) Close() error { return d.sql.Close() }
