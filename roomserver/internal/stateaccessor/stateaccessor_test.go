package stateaccessor_test

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
)

const roomVersion = gomatrixserverlib.RoomVersionV10

type fakeEvents struct {
	byNID map[shortid.EventNID]*gomatrixserverlib.HeaderedEvent
}

func (f *fakeEvents) HeaderedEventByNID(_ context.Context, nid shortid.EventNID) (*gomatrixserverlib.HeaderedEvent, bool, error) {
	ev, ok := f.byNID[nid]
	return ev, ok, nil
}

func mustEvent(t *testing.T, evType, stateKey, content string) *gomatrixserverlib.HeaderedEvent {
	t.Helper()
	raw := fmt.Sprintf(`{
		"type": %q,
		"room_id": "!room:example.org",
		"sender": "@alice:example.org",
		"state_key": %q,
		"origin_server_ts": 1000,
		"content": %s
	}`, evType, stateKey, content)
	ev, err := gomatrixserverlib.NewEventFromUntrustedJSON([]byte(raw), roomVersion)
	require.NoError(t, err)
	headered := ev.Headered(roomVersion)
	return &headered
}

// fixture wires a compressor + interner + fake event store, and saves one
// snapshot with a given history_visibility and a member's membership event,
// returning that snapshot's id.
type fixture struct {
	accessor *stateaccessor.Accessor
	snapNID  shortid.StateSnapNID
}

func newFixture(t *testing.T, visibility, memberID, membership string) *fixture {
	t.Helper()
	kv := memory.New()
	c, err := counter.New(kv)
	require.NoError(t, err)
	ids, err := shortid.New(kv, c)
	require.NoError(t, err)
	compressor := statecompress.New(kv, c)

	events := &fakeEvents{byNID: map[shortid.EventNID]*gomatrixserverlib.HeaderedEvent{}}
	snap := statecompress.Snapshot{}

	if visibility != "" {
		ev := mustEvent(t, "m.room.history_visibility", "", fmt.Sprintf(`{"history_visibility":%q}`, visibility))
		nid, err := ids.EventNID(ev.EventID())
		require.NoError(t, err)
		events.byNID[nid] = ev
		skNID, err := ids.StateKeyNID("m.room.history_visibility", "")
		require.NoError(t, err)
		snap[skNID] = nid
	}

	if memberID != "" {
		ev := mustEvent(t, "m.room.member", memberID, fmt.Sprintf(`{"membership":%q}`, membership))
		nid, err := ids.EventNID(ev.EventID())
		require.NoError(t, err)
		events.byNID[nid] = ev
		skNID, err := ids.StateKeyNID("m.room.member", memberID)
		require.NoError(t, err)
		snap[skNID] = nid
	}

	snapNID, err := compressor.Save(0, snap)
	require.NoError(t, err)

	accessor, err := stateaccessor.New(compressor, ids, events)
	require.NoError(t, err)
	return &fixture{accessor: accessor, snapNID: snapNID}
}

func TestMembershipReadsStateEventContent(t *testing.T) {
	f := newFixture(t, "", "@bob:example.org", "join")
	membership, ok, err := f.accessor.Membership(context.Background(), f.snapNID, "@bob:example.org")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "join", membership)
}

func TestMembershipUnknownUserIsNotFound(t *testing.T) {
	f := newFixture(t, "", "@bob:example.org", "join")
	_, ok, err := f.accessor.Membership(context.Background(), f.snapNID, "@carol:example.org")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanSeeWorldReadableIsAlwaysVisible(t *testing.T) {
	f := newFixture(t, "world_readable", "", "")
	visible, err := f.accessor.CanSee(context.Background(), f.snapNID, "@anyone:example.org")
	require.NoError(t, err)
	assert.True(t, visible)
}

func TestCanSeeJoinedOnlyRequiresCurrentMembership(t *testing.T) {
	f := newFixture(t, "joined", "@bob:example.org", "invite")
	visible, err := f.accessor.CanSee(context.Background(), f.snapNID, "@bob:example.org")
	require.NoError(t, err)
	assert.False(t, visible, "an invited (not joined) user can't see a 'joined'-visibility room")
}

func TestCanSeeSharedAllowsPastMembers(t *testing.T) {
	f := newFixture(t, "shared", "@bob:example.org", "leave")
	visible, err := f.accessor.CanSee(context.Background(), f.snapNID, "@bob:example.org")
	require.NoError(t, err)
	assert.True(t, visible, "'shared' visibility extends to users who have ever been in the room")
}

func TestCanSeeDefaultsToSharedWithoutAnExplicitStateEvent(t *testing.T) {
	f := newFixture(t, "", "@bob:example.org", "join")
	visible, err := f.accessor.CanSee(context.Background(), f.snapNID, "@bob:example.org")
	require.NoError(t, err)
	assert.True(t, visible)
}

func TestCanSeeIsCachedAcrossCalls(t *testing.T) {
	f := newFixture(t, "joined", "@bob:example.org", "join")
	first, err := f.accessor.CanSee(context.Background(), f.snapNID, "@bob:example.org")
	require.NoError(t, err)
	second, err := f.accessor.CanSee(context.Background(), f.snapNID, "@bob:example.org")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
