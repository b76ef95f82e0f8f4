// Package storage defines the storage contract (C1): an ordered byte-string
// map with prefix scans and batched atomic updates. Per spec.md §1 the
// key-value engine itself is an external collaborator — this package fixes
// only the contract every other component programs against, plus one
// reference implementation per storage/bbolt, storage/sqlite and
// storage/postgres so the domain stack (bbolt/modernc.org-sqlite/lib-pq) has
// somewhere real to plug in.
package storage

import "encoding/binary"

// KV is the ordered byte-KV contract. Keys sort lexicographically by their
// raw bytes; every namespace (short-ids, state diffs, timeline, outliers,
// signing keys, ...) is a key prefix within one KV, not a separate store.
type KV interface {
	// Get returns the value for key, or ok=false if absent.
	Get(key []byte) (value []byte, ok bool, err error)
	// Set atomically writes a single key.
	Set(key, value []byte) error
	// Delete removes a key; a missing key is not an error.
	Delete(key []byte) error

	// Iterate scans keys with the given prefix in lexicographic order
	// (forward) or reverse, calling fn for each until it returns false or
	// the scan is exhausted.
	Iterate(prefix []byte, reverse bool, fn func(key, value []byte) (more bool, err error)) error

	// Batch applies every Op atomically: either all succeed and are
	// visible together, or none are.
	Batch(ops []Op) error

	// Watch registers ch to receive a notification (the modified key) on
	// any Set/Delete/Batch write under prefix. The returned cancel func
	// deregisters it. Used by C13 to wake /sync long-pollers without
	// polling.
	Watch(prefix []byte) (ch <-chan []byte, cancel func())

	Close() error
}

// Op is one mutation within an atomic Batch.
type Op struct {
	Key    []byte
	Value  []byte // ignored when Delete is set
	Delete bool
}

func SetOp(key, value []byte) Op { return Op{Key: key, Value: value} }
func DelOp(key []byte) Op        { return Op{Key: key, Delete: true} }

// EncodeUint64 / DecodeUint64 give every component a single canonical
// big-endian encoding for counters and short-ids, matching pdu_id's
// "short_room_id ∥ count" layout from spec.md §4.8 step 8.
func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func DecodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// PduID packs a room-scoped, totally-ordered timeline position: 8-byte
// big-endian short_room_id followed by 8-byte big-endian monotonic count
// (spec.md §4.8 step 8, §5 ordering guarantees).
func PduID(shortRoomID, count uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], shortRoomID)
	binary.BigEndian.PutUint64(b[8:16], count)
	return b
}

func SplitPduID(id []byte) (shortRoomID, count uint64) {
	if len(id) < 16 {
		return 0, 0
	}
	return binary.BigEndian.Uint64(id[0:8]), binary.BigEndian.Uint64(id[8:16])
}

// EncodeInt64 / DecodeInt64 sign-flip the top bit so signed values compare
// correctly as raw bytes (negative < positive, and magnitude order preserved
// within each side) - used for timeline positions, where backfilled PDUs get
// negative positions that must sort before the room's forward-assigned ones
// without colliding with or perturbing the global monotonic counter.
func EncodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v)^0x8000000000000000)
	return b
}

func DecodeInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b) ^ 0x8000000000000000)
}

// PduIDSigned packs a room-scoped timeline position that may be negative
// (spec.md §4.8 "Backfill" prepends older events with negative-orientation
// pdu_ids so they sort before the room's existing entries).
func PduIDSigned(shortRoomID uint64, position int64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], shortRoomID)
	copy(b[8:16], EncodeInt64(position))
	return b
}

func SplitPduIDSigned(id []byte) (shortRoomID uint64, position int64) {
	if len(id) < 16 {
		return 0, 0
	}
	return binary.BigEndian.Uint64(id[0:8]), DecodeInt64(id[8:16])
}
