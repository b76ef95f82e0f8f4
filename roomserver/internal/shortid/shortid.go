// Package shortid implements the short-ID interner (C2): bi-directional
// maps {event-id ↔ u64, (type,state_key) ↔ u64, room-id ↔ u64} with bounded
// LRU caches fronting the persistent store. Short-ids are allocated from the
// single monotonic counter shared with storage (spec.md §4.1) and, once
// allocated, are never reused (spec.md §3 "ownership and lifecycle").
package shortid

import (
	"strings"

	"github.com/dgraph-io/ristretto"

	"github.com/gravelmoss/grapevine/internal/counter"
	"github.com/gravelmoss/grapevine/internal/storage"
)

type (
	EventNID     uint64
	StateKeyNID  uint64
	RoomNID      uint64
	StateSnapNID uint64
)

const (
	keyEventFwd    = "shortid/ev/f/"  // event_id -> EventNID
	keyEventRev    = "shortid/ev/r/"  // EventNID -> event_id
	keyStateKeyFwd = "shortid/sk/f/"  // type\x00key -> StateKeyNID
	keyStateKeyRev = "shortid/sk/r/"  // StateKeyNID -> type\x00key
	keyRoomFwd     = "shortid/rm/f/"  // room_id -> RoomNID
	keyRoomRev     = "shortid/rm/r/"  // RoomNID -> room_id
)

// cacheMultiplier sets every LRU's capacity (MaxCost, with ten times as many
// counters). It is a fixed constant; no configuration value changes it.
const cacheMultiplier = 1024

// Interner is C2. It owns five bounded LRU caches — event forward/reverse,
// state-key forward/reverse, and a combined room forward+reverse cache —
// fronting the three persistent bidirectional maps.
type Interner struct {
	kv      storage.KV
	counter *counter.Counter

	eventFwd    *ristretto.Cache
	eventRev    *ristretto.Cache
	stateKeyFwd *ristretto.Cache
	stateKeyRev *ristretto.Cache
	roomCache   *ristretto.Cache // holds both directions: forward keyed by "f:"+id, reverse by uint64(nid)
}

func New(kv storage.KV, c *counter.Counter) (*Interner, error) {
	mk := func() (*ristretto.Cache, error) {
		return ristretto.NewCache(&ristretto.Config{
			NumCounters: cacheMultiplier * 10,
			MaxCost:     cacheMultiplier,
			BufferItems: 64,
		})
	}
	eventFwd, err := mk()
	if err != nil {
		return nil, err
	}
	eventRev, err := mk()
	if err != nil {
		return nil, err
	}
	stateKeyFwd, err := mk()
	if err != nil {
		return nil, err
	}
	stateKeyRev, err := mk()
	if err != nil {
		return nil, err
	}
	roomCache, err := mk()
	if err != nil {
		return nil, err
	}
	return &Interner{
		kv: kv, counter: c,
		eventFwd: eventFwd, eventRev: eventRev,
		stateKeyFwd: stateKeyFwd, stateKeyRev: stateKeyRev,
		roomCache: roomCache,
	}, nil
}

// EventNID allocates (or returns the existing) short-id for an event_id.
func (i *Interner) EventNID(eventID string) (EventNID, error) {
	if v, ok := i.eventFwd.Get(eventID); ok {
		return v.(EventNID), nil
	}
	raw, ok, err := i.kv.Get([]byte(keyEventFwd + eventID))
	if err != nil {
		return 0, err
	}
	if ok {
		nid := EventNID(storage.DecodeUint64(raw))
		i.eventFwd.Set(eventID, nid, 1)
		return nid, nil
	}
	nid := EventNID(0)
	n, err := i.counter.Next()
	if err != nil {
		return 0, err
	}
	nid = EventNID(n)
	if err := i.kv.Batch([]storage.Op{
		storage.SetOp([]byte(keyEventFwd+eventID), storage.EncodeUint64(uint64(nid))),
		storage.SetOp([]byte(keyEventRev+string(storage.EncodeUint64(uint64(nid)))), []byte(eventID)),
	}); err != nil {
		return 0, err
	}
	i.eventFwd.Set(eventID, nid, 1)
	i.eventRev.Set(uint64(nid), eventID, 1)
	return nid, nil
}

// LookupEventNID returns the short-id for an event_id without allocating.
func (i *Interner) LookupEventNID(eventID string) (EventNID, bool, error) {
	if v, ok := i.eventFwd.Get(eventID); ok {
		return v.(EventNID), true, nil
	}
	raw, ok, err := i.kv.Get([]byte(keyEventFwd + eventID))
	if err != nil || !ok {
		return 0, false, err
	}
	nid := EventNID(storage.DecodeUint64(raw))
	i.eventFwd.Set(eventID, nid, 1)
	return nid, true, nil
}

func (i *Interner) EventID(nid EventNID) (string, bool, error) {
	if v, ok := i.eventRev.Get(uint64(nid)); ok {
		return v.(string), true, nil
	}
	raw, ok, err := i.kv.Get([]byte(keyEventRev + string(storage.EncodeUint64(uint64(nid)))))
	if err != nil || !ok {
		return "", false, err
	}
	eventID := string(raw)
	i.eventRev.Set(uint64(nid), eventID, 1)
	return eventID, true, nil
}

func stateKeyStorageKey(eventType, stateKey string) string {
	return eventType + "\x00" + stateKey
}

// StateKeyNID allocates (or returns) the short-id for a (type, state_key) pair.
func (i *Interner) StateKeyNID(eventType, stateKey string) (StateKeyNID, error) {
	sk := stateKeyStorageKey(eventType, stateKey)
	if v, ok := i.stateKeyFwd.Get(sk); ok {
		return v.(StateKeyNID), nil
	}
	raw, ok, err := i.kv.Get([]byte(keyStateKeyFwd + sk))
	if err != nil {
		return 0, err
	}
	if ok {
		nid := StateKeyNID(storage.DecodeUint64(raw))
		i.stateKeyFwd.Set(sk, nid, 1)
		return nid, nil
	}
	n, err := i.counter.Next()
	if err != nil {
		return 0, err
	}
	nid := StateKeyNID(n)
	if err := i.kv.Batch([]storage.Op{
		storage.SetOp([]byte(keyStateKeyFwd+sk), storage.EncodeUint64(uint64(nid))),
		storage.SetOp([]byte(keyStateKeyRev+string(storage.EncodeUint64(uint64(nid)))), []byte(sk)),
	}); err != nil {
		return 0, err
	}
	i.stateKeyFwd.Set(sk, nid, 1)
	i.stateKeyRev.Set(uint64(nid), sk, 1)
	return nid, nil
}

func (i *Interner) StateKeyTuple(nid StateKeyNID) (eventType, stateKey string, ok bool, err error) {
	var raw []byte
	if v, hit := i.stateKeyRev.Get(uint64(nid)); hit {
		raw = []byte(v.(string))
	} else {
		var found bool
		raw, found, err = i.kv.Get([]byte(keyStateKeyRev + string(storage.EncodeUint64(uint64(nid)))))
		if err != nil || !found {
			return "", "", false, err
		}
		i.stateKeyRev.Set(uint64(nid), string(raw), 1)
	}
	parts := strings.SplitN(string(raw), "\x00", 2)
	if len(parts) != 2 {
		return "", "", false, nil
	}
	return parts[0], parts[1], true, nil
}

// RoomNID allocates (or returns) the short-id for a room_id.
func (i *Interner) RoomNID(roomID string) (RoomNID, error) {
	if v, ok := i.roomCache.Get("f:" + roomID); ok {
		return v.(RoomNID), nil
	}
	raw, ok, err := i.kv.Get([]byte(keyRoomFwd + roomID))
	if err != nil {
		return 0, err
	}
	if ok {
		nid := RoomNID(storage.DecodeUint64(raw))
		i.roomCache.Set("f:"+roomID, nid, 1)
		return nid, nil
	}
	n, err := i.counter.Next()
	if err != nil {
		return 0, err
	}
	nid := RoomNID(n)
	if err := i.kv.Batch([]storage.Op{
		storage.SetOp([]byte(keyRoomFwd+roomID), storage.EncodeUint64(uint64(nid))),
		storage.SetOp([]byte(keyRoomRev+string(storage.EncodeUint64(uint64(nid)))), []byte(roomID)),
	}); err != nil {
		return 0, err
	}
	i.roomCache.Set("f:"+roomID, nid, 1)
	i.roomCache.Set(uint64(nid), roomID, 1)
	return nid, nil
}

func (i *Interner) LookupRoomNID(roomID string) (RoomNID, bool, error) {
	if v, ok := i.roomCache.Get("f:" + roomID); ok {
		return v.(RoomNID), true, nil
	}
	raw, ok, err := i.kv.Get([]byte(keyRoomFwd + roomID))
	if err != nil || !ok {
		return 0, false, err
	}
	nid := RoomNID(storage.DecodeUint64(raw))
	i.roomCache.Set("f:"+roomID, nid, 1)
	return nid, true, nil
}

func (i *Interner) RoomID(nid RoomNID) (string, bool, error) {
	if v, ok := i.roomCache.Get(uint64(nid)); ok {
		return v.(string), true, nil
	}
	raw, ok, err := i.kv.Get([]byte(keyRoomRev + string(storage.EncodeUint64(uint64(nid)))))
	if err != nil || !ok {
		return "", false, err
	}
	roomID := string(raw)
	i.roomCache.Set(uint64(nid), roomID, 1)
	return roomID, true, nil
}
