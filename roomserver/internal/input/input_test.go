package input

import (
	"context"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravelmoss/grapevine/internal/counter"
	"github.com/gravelmoss/grapevine/internal/storage/memory"
	"github.com/gravelmoss/grapevine/roomserver/internal/shortid"
	"github.com/gravelmoss/grapevine/roomserver/internal/stateaccessor"
	"github.com/gravelmoss/grapevine/roomserver/internal/statecompress"
	"github.com/gravelmoss/grapevine/roomserver/internal/statemanager"
)

const testRoomVersion = gomatrixserverlib.RoomVersionV10

type fakeEvents struct {
	byNID map[shortid.EventNID]*gomatrixserverlib.HeaderedEvent
}

func (f *fakeEvents) HeaderedEventByNID(_ context.Context, nid shortid.EventNID) (*gomatrixserverlib.HeaderedEvent, bool, error) {
	ev, ok := f.byNID[nid]
	return ev, ok, nil
}

func mustStateEvent(t *testing.T, evType, stateKey, content string) *gomatrixserverlib.HeaderedEvent {
	t.Helper()
	raw := fmt.Sprintf(`{
		"type": %q,
		"room_id": "!room:example.org",
		"sender": "@alice:example.org",
		"state_key": %q,
		"origin_server_ts": 1000,
		"content": %s
	}`, evType, stateKey, content)
	ev, err := gomatrixserverlib.NewEventFromUntrustedJSON([]byte(raw), testRoomVersion)
	require.NoError(t, err)
	headered := ev.Headered(testRoomVersion)
	return &headered
}

func mustMessageEvent(t *testing.T, sender string) *gomatrixserverlib.HeaderedEvent {
	t.Helper()
	raw := fmt.Sprintf(`{
		"type": "m.room.message",
		"room_id": "!room:example.org",
		"sender": %q,
		"origin_server_ts": 1000,
		"content": {"body":"hi"}
	}`, sender)
	ev, err := gomatrixserverlib.NewEventFromUntrustedJSON([]byte(raw), testRoomVersion)
	require.NoError(t, err)
	headered := ev.Headered(testRoomVersion)
	return &headered
}

// bareHandler wires a Handler with no rooms or state seeded yet.
func bareHandler(t *testing.T) (*Handler, *shortid.Interner, *statemanager.Manager, *fakeEvents) {
	t.Helper()
	kv := memory.New()
	c, err := counter.New(kv)
	require.NoError(t, err)
	ids, err := shortid.New(kv, c)
	require.NoError(t, err)
	states := statemanager.New(kv, ids, nil)
	compressor := statecompress.New(kv, c)
	events := &fakeEvents{byNID: map[shortid.EventNID]*gomatrixserverlib.HeaderedEvent{}}
	accessor, err := stateaccessor.New(compressor, ids, events)
	require.NoError(t, err)
	h := &Handler{IDs: ids, States: states, Accessor: accessor, Compressor: compressor}
	return h, ids, states, events
}

func newTestHandler(t *testing.T) (*Handler, shortid.RoomNID) {
	t.Helper()
	h, ids, states, events := bareHandler(t)

	info, err := states.EnsureRoom("!room:example.org", string(testRoomVersion))
	require.NoError(t, err)

	snap := statecompress.Snapshot{}
	skNID, err := ids.StateKeyNID("m.room.power_levels", "")
	require.NoError(t, err)
	plEv := mustStateEvent(t, "m.room.power_levels", "", `{"users":{"@admin:example.org":100},"users_default":0}`)
	nid, err := ids.EventNID(plEv.EventID())
	require.NoError(t, err)
	events.byNID[nid] = plEv
	snap[skNID] = nid
	snapNID, err := h.Compressor.Save(0, snap)
	require.NoError(t, err)
	require.NoError(t, states.SetCurrentState(info.RoomNID, snapNID))

	return h, info.RoomNID
}

func TestSenderPowerLevelReadsUsersMap(t *testing.T) {
	h, _ := newTestHandler(t)
	ev := mustMessageEvent(t, "@admin:example.org")
	assert.Equal(t, int64(100), h.senderPowerLevel(context.Background(), ev))
}

func TestSenderPowerLevelFallsBackToUsersDefault(t *testing.T) {
	h, _ := newTestHandler(t)
	ev := mustMessageEvent(t, "@rando:example.org")
	assert.Equal(t, int64(0), h.senderPowerLevel(context.Background(), ev))
}

func TestSenderPowerLevelWithNoRoomInfoReturnsZero(t *testing.T) {
	h, _, _, _ := bareHandler(t)
	ev := mustMessageEvent(t, "@rando:example.org")
	assert.Equal(t, int64(0), h.senderPowerLevel(context.Background(), ev))
}

func TestSoftFailCheckWithNoCurrentStateNeverFails(t *testing.T) {
	h, _, states, _ := bareHandler(t)
	info, err := states.EnsureRoom("!fresh:example.org", string(testRoomVersion))
	require.NoError(t, err)

	ev := mustMessageEvent(t, "@alice:example.org")
	softFailed, err := h.softFailCheck(context.Background(), info.RoomNID, ev.Unwrap())
	require.NoError(t, err)
	assert.False(t, softFailed, "a room with no current state yet can't soft-fail anything")
}
