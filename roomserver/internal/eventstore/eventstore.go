// Package eventstore is the PDU-by-short-id storage layer shared by the
// event handler (C8), the timeline (C9), the state accessor (C11) and the
// auth-chain resolver (C4): it persists each accepted PDU's canonical JSON
// indexed by its short-event-id, alongside the rejected flag and the
// auth-event NID list recorded at acceptance time. Grounded on dendrite's
// roomserver storage EventsFromIDs/StoreEvent contract (see
// bluemiles-dendrite/roomserver/internal/input/input_events.go), collapsed
// onto our single ordered-KV abstraction (C1) instead of a relational
// schema.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/gravelmoss/grapevine/internal/storage"
	"github.com/gravelmoss/grapevine/roomserver/internal/shortid"
)

func blobKey(nid shortid.EventNID) []byte {
	return append([]byte("event/blob/"), storage.EncodeUint64(uint64(nid))...)
}
func authNIDsKey(nid shortid.EventNID) []byte {
	return append([]byte("event/authnids/"), storage.EncodeUint64(uint64(nid))...)
}
func rejectedKey(nid shortid.EventNID) []byte {
	return append([]byte("event/rejected/"), storage.EncodeUint64(uint64(nid))...)
}

const timelinePrefix = "event/timeline/"

func timelineKey(pduID []byte) []byte {
	return append([]byte(timelinePrefix), pduID...)
}

func timelineRoomPrefix(roomNID uint64) []byte {
	return append([]byte(timelinePrefix), storage.EncodeUint64(roomNID)...)
}

type record struct {
	RoomVersion gomatrixserverlib.RoomVersion `json:"room_version"`
	EventJSON   json.RawMessage               `json:"event_json"`
}

// Store is the shared PDU store.
type Store struct {
	kv  storage.KV
	ids *shortid.Interner
}

func New(kv storage.KV, ids *shortid.Interner) *Store {
	return &Store{kv: kv, ids: ids}
}

// StoreEvent persists ev (allocating its short-event-id on first reference)
// together with the short-event-ids of the auth events that were in scope
// when it was accepted, and whether it was marked rejected. Calling this a
// second time for an already-known event is a safe overwrite — the event_id
// is content-addressed, so the JSON is unchanged; only rejected/authNIDs
// might legitimately be refreshed (e.g. an outlier later gains full auth
// context).
func (s *Store) StoreEvent(ctx context.Context, ev *gomatrixserverlib.HeaderedEvent, authNIDs []shortid.EventNID, rejected bool) (shortid.EventNID, error) {
	nid, err := s.ids.EventNID(ev.EventID())
	if err != nil {
		return 0, fmt.Errorf("eventstore: allocate NID: %w", err)
	}

	raw, err := json.Marshal(record{RoomVersion: ev.RoomVersion, EventJSON: ev.JSON()})
	if err != nil {
		return 0, err
	}

	encodedNIDs := make([]uint64, len(authNIDs))
	for i, n := range authNIDs {
		encodedNIDs[i] = uint64(n)
	}
	authRaw, err := json.Marshal(encodedNIDs)
	if err != nil {
		return 0, err
	}

	rejectedByte := []byte{0}
	if rejected {
		rejectedByte = []byte{1}
	}

	ops := []storage.Op{
		storage.SetOp(blobKey(nid), raw),
		storage.SetOp(authNIDsKey(nid), authRaw),
		storage.SetOp(rejectedKey(nid), rejectedByte),
	}
	if err := s.kv.Batch(ops); err != nil {
		return 0, fmt.Errorf("eventstore: batch write: %w", err)
	}
	return nid, nil
}

// RewriteRedacted overwrites the stored JSON for an already-persisted event
// with its redacted form, preserving event_id (redaction never changes
// event_id; spec.md §3 "redaction is implemented by rewriting the stored
// copy to a canonically-reduced form while preserving event_id").
func (s *Store) RewriteRedacted(ctx context.Context, redacted *gomatrixserverlib.HeaderedEvent) error {
	nid, ok, err := s.ids.LookupEventNID(redacted.EventID())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("eventstore: cannot redact unknown event %s", redacted.EventID())
	}
	raw, err := json.Marshal(record{RoomVersion: redacted.RoomVersion, EventJSON: redacted.JSON()})
	if err != nil {
		return err
	}
	return s.kv.Set(blobKey(nid), raw)
}

// HeaderedEvent returns the stored PDU for eventID, if known.
func (s *Store) HeaderedEvent(ctx context.Context, eventID string) (*gomatrixserverlib.HeaderedEvent, bool, error) {
	nid, ok, err := s.ids.LookupEventNID(eventID)
	if err != nil || !ok {
		return nil, false, err
	}
	return s.HeaderedEventByNID(ctx, nid)
}

// HeaderedEventByNID returns the stored PDU for an already-allocated
// short-event-id. Satisfies stateaccessor.EventLookup.
func (s *Store) HeaderedEventByNID(ctx context.Context, nid shortid.EventNID) (*gomatrixserverlib.HeaderedEvent, bool, error) {
	raw, ok, err := s.kv.Get(blobKey(nid))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}
	ev, err := gomatrixserverlib.NewEventFromTrustedJSON(rec.EventJSON, false, rec.RoomVersion)
	if err != nil {
		return nil, false, err
	}
	headered := ev.Headered(rec.RoomVersion)
	return &headered, true, nil
}

// IsRejected reports whether eventID was stored with the rejected flag set.
func (s *Store) IsRejected(ctx context.Context, eventID string) (bool, bool, error) {
	nid, ok, err := s.ids.LookupEventNID(eventID)
	if err != nil || !ok {
		return false, false, err
	}
	raw, ok, err := s.kv.Get(rejectedKey(nid))
	if err != nil || !ok {
		return false, false, err
	}
	return len(raw) > 0 && raw[0] == 1, true, nil
}

// AuthEventIDs satisfies authchain.Lookup: it derives the auth_events list
// directly from the stored PDU rather than the authNIDs side-table, since
// the side-table only records the auth context at acceptance time and the
// PDU's own auth_events array is the authoritative edge list.
func (s *Store) AuthEventIDs(ctx context.Context, eventID string) ([]string, bool, error) {
	ev, ok, err := s.HeaderedEvent(ctx, eventID)
	if err != nil || !ok {
		return nil, ok, err
	}
	event := ev.Unwrap()
	return event.AuthEventIDs(), true, nil
}

// PrevEventIDs satisfies statemanager.PrevEventsLookup.
func (s *Store) PrevEventIDs(ctx context.Context, eventID string) ([]string, bool, error) {
	ev, ok, err := s.HeaderedEvent(ctx, eventID)
	if err != nil || !ok {
		return nil, ok, err
	}
	event := ev.Unwrap()
	return event.PrevEventIDs(), true, nil
}

// PutTimelineEntry records pduID -> nid in the room's timeline index, so the
// sync engine (C13) can scan events in pdu_id order without re-deriving
// short_room_id ∥ position from the event store's content-addressed layout.
// pduID must come from storage.PduIDSigned so negative (backfilled) and
// positive (forward) positions interleave correctly under lexicographic
// byte order.
func (s *Store) PutTimelineEntry(pduID []byte, nid shortid.EventNID) error {
	return s.kv.Set(timelineKey(pduID), storage.EncodeUint64(uint64(nid)))
}

func backfillPosKey(roomNID uint64) []byte {
	return append([]byte("room/backfillpos/"), storage.EncodeUint64(roomNID)...)
}

// NextBackfillPosition allocates the next (strictly decreasing, starting at
// -1) timeline position for a backfilled PDU in roomNID. It is a per-room
// sequence independent of the global monotonic counter: backfilled history
// only needs to sort before the room's own forward-assigned positions, never
// a total order with other rooms or with durable-event stamping elsewhere.
func (s *Store) NextBackfillPosition(roomNID uint64) (int64, error) {
	raw, ok, err := s.kv.Get(backfillPosKey(roomNID))
	if err != nil {
		return 0, err
	}
	pos := int64(-1)
	if ok {
		pos = storage.DecodeInt64(raw) - 1
	}
	if err := s.kv.Set(backfillPosKey(roomNID), storage.EncodeInt64(pos)); err != nil {
		return 0, err
	}
	return pos, nil
}

// TimelineSince returns up to limit events for roomNID whose timeline
// position is strictly greater than since, in ascending order, plus whether
// more existed beyond limit (spec.md §4.9 step 1's "mark limited=true if
// more existed").
func (s *Store) TimelineSince(ctx context.Context, roomNID uint64, since int64, limit int) (events []*gomatrixserverlib.HeaderedEvent, limited bool, err error) {
	prefix := timelineRoomPrefix(roomNID)
	err = s.kv.Iterate(prefix, false, func(key, value []byte) (bool, error) {
		_, position := storage.SplitPduIDSigned(key[len(timelinePrefix):])
		if position <= since {
			return true, nil
		}
		if len(events) == limit {
			limited = true
			return false, nil
		}
		ev, ok, evErr := s.HeaderedEventByNID(ctx, shortid.EventNID(storage.DecodeUint64(value)))
		if evErr != nil {
			return false, evErr
		}
		if ok {
			events = append(events, ev)
		}
		return true, nil
	})
	return events, limited, err
}

// AuthEventNIDs returns the short-event-ids recorded as this event's auth
// context at acceptance time.
func (s *Store) AuthEventNIDs(ctx context.Context, eventID string) ([]shortid.EventNID, bool, error) {
	nid, ok, err := s.ids.LookupEventNID(eventID)
	if err != nil || !ok {
		return nil, false, err
	}
	raw, ok, err := s.kv.Get(authNIDsKey(nid))
	if err != nil || !ok {
		return nil, false, err
	}
	var encoded []uint64
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, false, err
	}
	out := make([]shortid.EventNID, len(encoded))
	for i, n := range encoded {
		out[i] = shortid.EventNID(n)
	}
	return out, true, nil
}
