// Package memberships maintains the per-user joined/invited-room index the
// sync engine (C13) needs to answer "which rooms does this user see" without
// scanning every room's current state. It subscribes to the same
// WriteOutputEvents stream the federation sender (C12) consumes (spec.md
// §4.8 step 10's fan-out), mirroring dendrite's syncapi output-event
// consumer pattern of projecting m.room.member events into a per-user
// index rather than querying roomserver state on every /sync.
package memberships

import (
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/gravelmoss/grapevine/internal/storage"
	"github.com/gravelmoss/grapevine/roomserver/api"
)

func indexKey(userID, roomID string) []byte {
	return []byte("sync/membership/" + userID + "\x00" + roomID)
}

func userPrefix(userID string) []byte {
	return []byte("sync/membership/" + userID + "\x00")
}

// Index is the joined/invited-room-by-user projection.
type Index struct {
	kv storage.KV
}

func New(kv storage.KV) *Index {
	return &Index{kv: kv}
}

// Entry is one room's membership state for a user.
type Entry struct {
	RoomID     string
	Membership string
}

// WriteOutputEvents satisfies timeline.Output/input.Output: every
// m.room.member event updates the target user's row in the index.
func (idx *Index) WriteOutputEvents(roomID string, events []api.OutputEvent) error {
	for _, out := range events {
		ev := eventOf(out)
		if ev == nil {
			continue
		}
		unwrapped := ev.Unwrap()
		if unwrapped.Type() != "m.room.member" || unwrapped.StateKey() == nil {
			continue
		}
		targetUser := *unwrapped.StateKey()
		var content struct {
			Membership string `json:"membership"`
		}
		if err := json.Unmarshal(unwrapped.Content(), &content); err != nil {
			continue
		}
		if err := idx.set(targetUser, roomID, content.Membership); err != nil {
			return fmt.Errorf("memberships: %w", err)
		}
	}
	return nil
}

func eventOf(out api.OutputEvent) *gomatrixserverlib.HeaderedEvent {
	switch out.Type {
	case api.OutputTypeNewRoomEvent:
		if out.NewRoomEvent != nil {
			return out.NewRoomEvent.Event
		}
	case api.OutputTypeNewInviteEvent:
		if out.NewInviteEvent != nil {
			return out.NewInviteEvent.Event
		}
	case api.OutputTypeOldRoomEvent:
		if out.OldRoomEvent != nil {
			return out.OldRoomEvent.Event
		}
	}
	return nil
}

func (idx *Index) set(userID, roomID, membership string) error {
	return idx.kv.Set(indexKey(userID, roomID), []byte(membership))
}

// RoomsFor returns every room the user has a membership row for, along with
// its current membership state.
func (idx *Index) RoomsFor(userID string) ([]Entry, error) {
	var out []Entry
	prefix := userPrefix(userID)
	err := idx.kv.Iterate(prefix, false, func(key, value []byte) (bool, error) {
		roomID := string(key[len(prefix):])
		out = append(out, Entry{RoomID: roomID, Membership: string(value)})
		return true, nil
	})
	return out, err
}

// Joined returns just the room IDs the user currently holds "join" for.
func (idx *Index) Joined(userID string) ([]string, error) {
	entries, err := idx.RoomsFor(userID)
	if err != nil {
		return nil, err
	}
	var rooms []string
	for _, e := range entries {
		if e.Membership == "join" {
			rooms = append(rooms, e.RoomID)
		}
	}
	return rooms, nil
}
