package push_test

import (
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/require"

	"github.com/gravelmoss/grapevine/internal/push"
)

const roomVersion = gomatrixserverlib.RoomVersionV10

func mustEvent(t *testing.T, sender, evType, stateKey, content string) *gomatrixserverlib.HeaderedEvent {
	t.Helper()
	var raw string
	if stateKey != "" {
		raw = fmt.Sprintf(`{
			"type": %q,
			"room_id": "!room:example.org",
			"sender": %q,
			"state_key": %q,
			"origin_server_ts": 1000,
			"content": %s
		}`, evType, sender, stateKey, content)
	} else {
		raw = fmt.Sprintf(`{
			"type": %q,
			"room_id": "!room:example.org",
			"sender": %q,
			"origin_server_ts": 1000,
			"content": %s
		}`, evType, sender, content)
	}
	ev, err := gomatrixserverlib.NewEventFromUntrustedJSON([]byte(raw), roomVersion)
	require.NoError(t, err)
	headered := ev.Headered(roomVersion)
	return &headered
}

func TestShouldNotifyIgnoresOwnEvents(t *testing.T) {
	ev := mustEvent(t, "@alice:example.org", "m.room.message", "", `{"body":"hello alice"}`)
	v := push.ShouldNotify(ev, "@alice:example.org", push.DefaultPowerLevels())
	require.False(t, v.Notify)
	require.False(t, v.Highlight)
}

func TestShouldNotifyOnDirectMention(t *testing.T) {
	ev := mustEvent(t, "@alice:example.org", "m.room.message", "", `{"body":"hey @bob:example.org, look"}`)
	v := push.ShouldNotify(ev, "@bob:example.org", push.DefaultPowerLevels())
	require.True(t, v.Notify)
	require.True(t, v.Highlight)
}

func TestShouldNotifyOnLocalpartMention(t *testing.T) {
	ev := mustEvent(t, "@alice:example.org", "m.room.message", "", `{"body":"hey bob, look"}`)
	v := push.ShouldNotify(ev, "@bob:example.org", push.DefaultPowerLevels())
	require.True(t, v.Notify)
	require.True(t, v.Highlight)
}

func TestShouldNotifyMentionDoesNotMatchSubstring(t *testing.T) {
	ev := mustEvent(t, "@alice:example.org", "m.room.message", "", `{"body":"bobcat sighting"}`)
	v := push.ShouldNotify(ev, "@bob:example.org", push.DefaultPowerLevels())
	require.True(t, v.Notify)
	require.False(t, v.Highlight)
}

func TestShouldNotifyOnAtRoomWithSufficientPower(t *testing.T) {
	ev := mustEvent(t, "@alice:example.org", "m.room.message", "", `{"body":"@room please look"}`)
	pl := push.DefaultPowerLevels()
	pl.Users = map[string]int{"@alice:example.org": 50}
	v := push.ShouldNotify(ev, "@bob:example.org", pl)
	require.True(t, v.Notify)
	require.True(t, v.Highlight)
}

func TestShouldNotifyAtRoomWithoutPowerStillNotifiesPlain(t *testing.T) {
	ev := mustEvent(t, "@alice:example.org", "m.room.message", "", `{"body":"@room please look"}`)
	v := push.ShouldNotify(ev, "@bob:example.org", push.DefaultPowerLevels())
	require.True(t, v.Notify)
	require.False(t, v.Highlight)
}

func TestShouldNotifyOnInvite(t *testing.T) {
	ev := mustEvent(t, "@alice:example.org", "m.room.member", "@bob:example.org", `{"membership":"invite"}`)
	v := push.ShouldNotify(ev, "@bob:example.org", push.DefaultPowerLevels())
	require.True(t, v.Notify)
	require.False(t, v.Highlight)
}

func TestShouldNotifyIgnoresMembershipForOthers(t *testing.T) {
	ev := mustEvent(t, "@alice:example.org", "m.room.member", "@carol:example.org", `{"membership":"invite"}`)
	v := push.ShouldNotify(ev, "@bob:example.org", push.DefaultPowerLevels())
	require.False(t, v.Notify)
}

func TestShouldNotifyOnEncryptedEvent(t *testing.T) {
	ev := mustEvent(t, "@alice:example.org", "m.room.encrypted", "", `{"algorithm":"m.megolm.v1.aes-sha2","ciphertext":"abc"}`)
	v := push.ShouldNotify(ev, "@bob:example.org", push.DefaultPowerLevels())
	require.True(t, v.Notify)
	require.False(t, v.Highlight)
}

func TestShouldNotifyIgnoresUnrelatedEventTypes(t *testing.T) {
	ev := mustEvent(t, "@alice:example.org", "m.room.topic", "", `{"topic":"bob says hi"}`)
	v := push.ShouldNotify(ev, "@bob:example.org", push.DefaultPowerLevels())
	require.False(t, v.Notify)
	require.False(t, v.Highlight)
}
