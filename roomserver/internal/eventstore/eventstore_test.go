package eventstore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravelmoss/grapevine/internal/counter"
	"github.com/gravelmoss/grapevine/internal/storage"
	"github.com/gravelmoss/grapevine/internal/storage/memory"
	"github.com/gravelmoss/grapevine/roomserver/internal/eventstore"
	"github.com/gravelmoss/grapevine/roomserver/internal/shortid"
)

const roomVersion = gomatrixserverlib.RoomVersionV10

func newStore(t *testing.T) (*eventstore.Store, storage.KV) {
	t.Helper()
	kv := memory.New()
	c, err := counter.New(kv)
	require.NoError(t, err)
	ids, err := shortid.New(kv, c)
	require.NoError(t, err)
	return eventstore.New(kv, ids), kv
}

func mustEvent(t *testing.T, authEventIDs, prevEventIDs []string, content string) *gomatrixserverlib.HeaderedEvent {
	t.Helper()
	auth, err := jsonStrings(authEventIDs)
	require.NoError(t, err)
	prev, err := jsonStrings(prevEventIDs)
	require.NoError(t, err)
	raw := fmt.Sprintf(`{
		"type": "m.room.message",
		"room_id": "!room:example.org",
		"sender": "@alice:example.org",
		"origin_server_ts": 1000,
		"auth_events": %s,
		"prev_events": %s,
		"content": %s
	}`, auth, prev, content)
	ev, err := gomatrixserverlib.NewEventFromUntrustedJSON([]byte(raw), roomVersion)
	require.NoError(t, err)
	headered := ev.Headered(roomVersion)
	return &headered
}

func jsonStrings(ss []string) (string, error) {
	if ss == nil {
		return "[]", nil
	}
	out := "["
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%q", s)
	}
	return out + "]", nil
}

func TestStoreAndFetchRoundTrip(t *testing.T) {
	store, _ := newStore(t)
	ev := mustEvent(t, nil, nil, `{"body":"hi"}`)

	nid, err := store.StoreEvent(context.Background(), ev, nil, false)
	require.NoError(t, err)

	got, ok, err := store.HeaderedEventByNID(context.Background(), nid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ev.EventID(), got.EventID())

	byID, ok, err := store.HeaderedEvent(context.Background(), ev.EventID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ev.EventID(), byID.EventID())
}

func TestIsRejectedReflectsStoredFlag(t *testing.T) {
	store, _ := newStore(t)
	ev := mustEvent(t, nil, nil, `{"body":"hi"}`)

	_, err := store.StoreEvent(context.Background(), ev, nil, true)
	require.NoError(t, err)

	rejected, ok, err := store.IsRejected(context.Background(), ev.EventID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rejected)
}

func TestAuthEventNIDsRoundTrip(t *testing.T) {
	store, _ := newStore(t)
	authEv := mustEvent(t, nil, nil, `{"body":"auth"}`)
	authNID, err := store.StoreEvent(context.Background(), authEv, nil, false)
	require.NoError(t, err)

	ev := mustEvent(t, []string{authEv.EventID()}, nil, `{"body":"child"}`)
	_, err = store.StoreEvent(context.Background(), ev, []shortid.EventNID{authNID}, false)
	require.NoError(t, err)

	nids, ok, err := store.AuthEventNIDs(context.Background(), ev.EventID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []shortid.EventNID{authNID}, nids)
}

func TestAuthEventIDsDerivesFromStoredPDU(t *testing.T) {
	store, _ := newStore(t)
	ev := mustEvent(t, []string{"$missing:example.org"}, nil, `{"body":"hi"}`)
	_, err := store.StoreEvent(context.Background(), ev, nil, false)
	require.NoError(t, err)

	authIDs, ok, err := store.AuthEventIDs(context.Background(), ev.EventID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"$missing:example.org"}, authIDs)
}

func TestRewriteRedactedPreservesEventID(t *testing.T) {
	store, _ := newStore(t)
	ev := mustEvent(t, nil, nil, `{"body":"hi"}`)
	_, err := store.StoreEvent(context.Background(), ev, nil, false)
	require.NoError(t, err)

	redacted := ev.Unwrap().Redact()
	redactedHeadered := redacted.Headered(roomVersion)
	require.NoError(t, store.RewriteRedacted(context.Background(), &redactedHeadered))

	got, ok, err := store.HeaderedEvent(context.Background(), ev.EventID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ev.EventID(), got.EventID())
}

func TestNextBackfillPositionDecreasesFromMinusOne(t *testing.T) {
	store, _ := newStore(t)
	first, err := store.NextBackfillPosition(1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), first)

	second, err := store.NextBackfillPosition(1)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), second)
}

func TestTimelineSinceRespectsLimitAndMarksLimited(t *testing.T) {
	store, _ := newStore(t)
	const roomNID = uint64(1)

	for i := 0; i < 3; i++ {
		ev := mustEvent(t, nil, nil, fmt.Sprintf(`{"body":"msg-%d"}`, i))
		nid, err := store.StoreEvent(context.Background(), ev, nil, false)
		require.NoError(t, err)
		pduID := storage.PduIDSigned(roomNID, int64(i+1))
		require.NoError(t, store.PutTimelineEntry(pduID, nid))
	}

	events, limited, err := store.TimelineSince(context.Background(), roomNID, 0, 2)
	require.NoError(t, err)
	assert.True(t, limited)
	assert.Len(t, events, 2)

	events, limited, err = store.TimelineSince(context.Background(), roomNID, 0, 10)
	require.NoError(t, err)
	assert.False(t, limited)
	assert.Len(t, events, 3)
}
