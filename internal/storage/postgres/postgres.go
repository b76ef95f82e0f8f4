// Package postgres implements the storage.KV contract (C1) over
// github.com/lib/pq for deployments that want a shared relational server
// instead of an embedded engine. Same flat ordered key/value table as
// storage/sqlite; the two share the contract, not the code, because
// placeholder syntax and upsert clauses differ between the drivers.
package postgres

import (
	"bytes"
	"database/sql"
	"sync"

	_ "github.com/lib/pq"

	"github.com/gravelmoss/grapevine/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS grapevine_kv (
	key BYTEA PRIMARY KEY,
	value BYTEA NOT NULL
);
`

type DB struct {
	sql *sql.DB

	mu       sync.Mutex
	watchers map[string][]chan []byte
}

func Open(connStr string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &DB{sql: sqlDB, watchers: map[string][]chan []byte{}}, nil
}

func (d *DB) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := d.sql.QueryRow(`SELECT value FROM grapevine_kv WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (d *DB) Set(key, value []byte) error {
	if _, err := d.sql.Exec(`INSERT INTO grapevine_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return err
	}
	d.notify(key)
	return nil
}

func (d *DB) Delete(key []byte) error {
	if _, err := d.sql.Exec(`DELETE FROM grapevine_kv WHERE key = $1`, key); err != nil {
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
		rows, err = d.sql.Query(`SELECT key, value FROM grapevine_kv WHERE key >= $1 ORDER BY key `+order, prefix)
	} else {
		rows, err = d.sql.Query(`SELECT key, value FROM grapevine_kv WHERE key >= $1 AND key < $2 ORDER BY key `+order, prefix, upper)
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
			if _, err := tx.Exec(`DELETE FROM grapevine_kv WHERE key = $1`, op.Key); err != nil {
				_ = tx.Rollback()
				return err
			}
			continue
		}
		if _, err := tx.Exec(`INSERT INTO grapevine_kv (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, op.Key, op.Value); err != nil {
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
