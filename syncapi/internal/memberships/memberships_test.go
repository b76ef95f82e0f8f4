package memberships_test

import (
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravelmoss/grapevine/internal/storage/memory"
	"github.com/gravelmoss/grapevine/roomserver/api"
	"github.com/gravelmoss/grapevine/syncapi/internal/memberships"
)

const roomVersion = gomatrixserverlib.RoomVersionV10

func memberEvent(t *testing.T, roomID, targetUser, membership string) *gomatrixserverlib.HeaderedEvent {
	t.Helper()
	raw := fmt.Sprintf(`{
		"type": "m.room.member",
		"room_id": %q,
		"sender": %q,
		"state_key": %q,
		"origin_server_ts": 1000,
		"content": {"membership": %q}
	}`, roomID, targetUser, targetUser, membership)
	ev, err := gomatrixserverlib.NewEventFromUntrustedJSON([]byte(raw), roomVersion)
	require.NoError(t, err)
	headered := ev.Headered(roomVersion)
	return &headered
}

func newRoomEventOutput(ev *gomatrixserverlib.HeaderedEvent) api.OutputEvent {
	return api.OutputEvent{
		Type:         api.OutputTypeNewRoomEvent,
		NewRoomEvent: &api.OutputNewRoomEvent{Event: ev},
	}
}

func TestWriteOutputEventsIndexesJoin(t *testing.T) {
	idx := memberships.New(memory.New())
	ev := memberEvent(t, "!room1:example.org", "@alice:example.org", "join")

	require.NoError(t, idx.WriteOutputEvents("!room1:example.org", []api.OutputEvent{newRoomEventOutput(ev)}))

	rooms, err := idx.Joined("@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"!room1:example.org"}, rooms)
}

func TestWriteOutputEventsUpdatesMembershipInPlace(t *testing.T) {
	idx := memberships.New(memory.New())
	joinEv := memberEvent(t, "!room1:example.org", "@alice:example.org", "join")
	require.NoError(t, idx.WriteOutputEvents("!room1:example.org", []api.OutputEvent{newRoomEventOutput(joinEv)}))

	leaveEv := memberEvent(t, "!room1:example.org", "@alice:example.org", "leave")
	require.NoError(t, idx.WriteOutputEvents("!room1:example.org", []api.OutputEvent{newRoomEventOutput(leaveEv)}))

	rooms, err := idx.Joined("@alice:example.org")
	require.NoError(t, err)
	assert.Empty(t, rooms)

	entries, err := idx.RoomsFor("@alice:example.org")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "leave", entries[0].Membership)
}

func TestWriteOutputEventsIgnoresNonMemberEvents(t *testing.T) {
	idx := memberships.New(memory.New())
	raw := `{
		"type": "m.room.message",
		"room_id": "!room1:example.org",
		"sender": "@alice:example.org",
		"origin_server_ts": 1000,
		"content": {"body": "hi"}
	}`
	ev, err := gomatrixserverlib.NewEventFromUntrustedJSON([]byte(raw), roomVersion)
	require.NoError(t, err)
	headered := ev.Headered(roomVersion)

	require.NoError(t, idx.WriteOutputEvents("!room1:example.org", []api.OutputEvent{newRoomEventOutput(&headered)}))

	rooms, err := idx.RoomsFor("@alice:example.org")
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestRoomsForScopesToUser(t *testing.T) {
	idx := memberships.New(memory.New())
	require.NoError(t, idx.WriteOutputEvents("!room1:example.org", []api.OutputEvent{
		newRoomEventOutput(memberEvent(t, "!room1:example.org", "@alice:example.org", "join")),
	}))
	require.NoError(t, idx.WriteOutputEvents("!room2:example.org", []api.OutputEvent{
		newRoomEventOutput(memberEvent(t, "!room2:example.org", "@bob:example.org", "join")),
	}))

	aliceRooms, err := idx.Joined("@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"!room1:example.org"}, aliceRooms)

	bobRooms, err := idx.Joined("@bob:example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"!room2:example.org"}, bobRooms)
}
