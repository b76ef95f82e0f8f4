// Package statecompress implements the state compressor (C3): delta-chain
// encoding of room state snapshots. Each snapshot is a parent short-state-hash
// plus (added, removed) short-id pairs; reconstruction walks the chain to a
// root. Entries are packed as 16-byte (short_state_key:u64, short_event_id:u64)
// pairs per spec.md §4.2.
package statecompress

import (
	"encoding/binary"
	"fmt"

	"github.com/gravelmoss/grapevine/internal/counter"
	"github.com/gravelmoss/grapevine/internal/storage"
	"github.com/gravelmoss/grapevine/roomserver/internal/shortid"
)

// compactionInterval bounds delta-chain traversal depth: every this-many
// diffs along a chain, Save stores a full ("parentless") snapshot instead
// of a delta, per spec.md §4.2 "traversal depth is bounded by periodic
// compaction".
const compactionInterval = 100

func diffKey(snapNID shortid.StateSnapNID) []byte {
	return append([]byte("state/diff/"), storage.EncodeUint64(uint64(snapNID))...)
}

// Entry is one (state-key-short-id, event-short-id) pair: the grid
// coordinate and the event that last wrote it.
type Entry struct {
	StateKeyNID shortid.StateKeyNID
	EventNID    shortid.EventNID
}

// Snapshot is a full materialized room state: one EventNID per StateKeyNID.
type Snapshot map[shortid.StateKeyNID]shortid.EventNID

type record struct {
	parent  shortid.StateSnapNID // 0 means parentless (a root / compaction point)
	depth   uint32               // distance to the nearest root, for compaction
	added   []Entry
	removed []shortid.StateKeyNID
}

func encodeRecord(r record) []byte {
	buf := make([]byte, 0, 16+4*2+len(r.added)*16+len(r.removed)*8)
	buf = append(buf, storage.EncodeUint64(uint64(r.parent))...)
	depthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(depthBuf, r.depth)
	buf = append(buf, depthBuf...)

	addedLen := make([]byte, 4)
	binary.BigEndian.PutUint32(addedLen, uint32(len(r.added)))
	buf = append(buf, addedLen...)
	for _, e := range r.added {
		buf = append(buf, storage.EncodeUint64(uint64(e.StateKeyNID))...)
		buf = append(buf, storage.EncodeUint64(uint64(e.EventNID))...)
	}

	removedLen := make([]byte, 4)
	binary.BigEndian.PutUint32(removedLen, uint32(len(r.removed)))
	buf = append(buf, removedLen...)
	for _, k := range r.removed {
		buf = append(buf, storage.EncodeUint64(uint64(k))...)
	}
	return buf
}

func decodeRecord(buf []byte) (record, error) {
	if len(buf) < 16 {
		return record{}, fmt.Errorf("statecompress: truncated record")
	}
	r := record{
		parent: shortid.StateSnapNID(storage.DecodeUint64(buf[0:8])),
		depth:  binary.BigEndian.Uint32(buf[8:12]),
	}
	pos := 12
	addedLen := binary.BigEndian.Uint32(buf[pos : pos+4])
	pos += 4
	r.added = make([]Entry, 0, addedLen)
	for k := uint32(0); k < addedLen; k++ {
		sk := shortid.StateKeyNID(storage.DecodeUint64(buf[pos : pos+8]))
		ev := shortid.EventNID(storage.DecodeUint64(buf[pos+8 : pos+16]))
		r.added = append(r.added, Entry{StateKeyNID: sk, EventNID: ev})
		pos += 16
	}
	removedLen := binary.BigEndian.Uint32(buf[pos : pos+4])
	pos += 4
	r.removed = make([]shortid.StateKeyNID, 0, removedLen)
	for k := uint32(0); k < removedLen; k++ {
		r.removed = append(r.removed, shortid.StateKeyNID(storage.DecodeUint64(buf[pos:pos+8])))
		pos += 8
	}
	return r, nil
}

// Compressor is C3.
type Compressor struct {
	kv      storage.KV
	counter *counter.Counter
}

func New(kv storage.KV, c *counter.Counter) *Compressor {
	return &Compressor{kv: kv, counter: c}
}

// Save diffs full against the snapshot named by parent (the room's current
// short-state-hash, or 0 for a room's very first snapshot) and persists the
// result as a new short-state-hash. If parent is 0, or the chain rooted at
// parent has grown past compactionInterval, the new snapshot is stored
// parentless (a fresh root) instead of as a delta.
func (c *Compressor) Save(parent shortid.StateSnapNID, full Snapshot) (shortid.StateSnapNID, error) {
	n, err := c.counter.Next()
	if err != nil {
		return 0, err
	}
	newNID := shortid.StateSnapNID(n)

	if parent == 0 {
		if err := c.storeRecord(newNID, record{added: snapshotToEntries(full)}); err != nil {
			return 0, err
		}
		return newNID, nil
	}

	parentFull, parentDepth, err := c.Load(parent)
	if err != nil {
		return 0, err
	}
	if parentDepth+1 >= compactionInterval {
		if err := c.storeRecord(newNID, record{added: snapshotToEntries(full)}); err != nil {
			return 0, err
		}
		return newNID, nil
	}

	added, removed := diff(parentFull, full)
	if err := c.storeRecord(newNID, record{parent: parent, depth: parentDepth + 1, added: added, removed: removed}); err != nil {
		return 0, err
	}
	return newNID, nil
}

func (c *Compressor) storeRecord(nid shortid.StateSnapNID, r record) error {
	return c.kv.Set(diffKey(nid), encodeRecord(r))
}

// Load reconstructs the full snapshot named by snapNID by walking parents to
// a root, applying each diff's (added, removed) in order from root to leaf.
// It also returns the chain depth (for compaction bookkeeping).
func (c *Compressor) Load(snapNID shortid.StateSnapNID) (Snapshot, uint32, error) {
	// Walk from leaf to root collecting records, then apply root-first.
	var chain []record
	cursor := snapNID
	for {
		raw, ok, err := c.kv.Get(diffKey(cursor))
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, 0, fmt.Errorf("statecompress: unknown snapshot %d", cursor)
		}
		r, err := decodeRecord(raw)
		if err != nil {
			return nil, 0, err
		}
		chain = append(chain, r)
		if r.parent == 0 {
			break
		}
		cursor = r.parent
	}

	full := Snapshot{}
	for idx := len(chain) - 1; idx >= 0; idx-- {
		r := chain[idx]
		for _, e := range r.added {
			full[e.StateKeyNID] = e.EventNID
		}
		for _, k := range r.removed {
			delete(full, k)
		}
	}
	return full, chain[0].depth, nil
}

// LoadDelta returns the (added, removed) pair recorded for snapNID without
// walking its ancestors, for callers (C11) that only need the incremental
// change relative to the immediate parent.
func (c *Compressor) LoadDelta(snapNID shortid.StateSnapNID) (added []Entry, removed []shortid.StateKeyNID, parent shortid.StateSnapNID, err error) {
	raw, ok, err := c.kv.Get(diffKey(snapNID))
	if err != nil {
		return nil, nil, 0, err
	}
	if !ok {
		return nil, nil, 0, fmt.Errorf("statecompress: unknown snapshot %d", snapNID)
	}
	r, err := decodeRecord(raw)
	if err != nil {
		return nil, nil, 0, err
	}
	return r.added, r.removed, r.parent, nil
}

func snapshotToEntries(s Snapshot) []Entry {
	out := make([]Entry, 0, len(s))
	for k, v := range s {
		out = append(out, Entry{StateKeyNID: k, EventNID: v})
	}
	return out
}

// diff computes the added/removed sets needed to turn `from` into `to`:
// added contains every (key, event) present in `to` that differs from (or is
// absent in) `from`; removed contains every key present in `from` but absent
// from `to`.
func diff(from, to Snapshot) (added []Entry, removed []shortid.StateKeyNID) {
	for k, v := range to {
		if fv, ok := from[k]; !ok || fv != v {
			added = append(added, Entry{StateKeyNID: k, EventNID: v})
		}
	}
	for k := range from {
		if _, ok := to[k]; !ok {
			removed = append(removed, k)
		}
	}
	return added, removed
}
