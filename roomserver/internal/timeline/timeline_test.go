package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravelmoss/grapevine/internal/counter"
	"github.com/gravelmoss/grapevine/internal/storage/memory"
	"github.com/gravelmoss/grapevine/roomserver/api"
	"github.com/gravelmoss/grapevine/roomserver/internal/eventstore"
	"github.com/gravelmoss/grapevine/roomserver/internal/shortid"
	"github.com/gravelmoss/grapevine/roomserver/internal/statecompress"
	"github.com/gravelmoss/grapevine/roomserver/internal/statemanager"
)

const roomVersion = gomatrixserverlib.RoomVersionV10

// mustEvent builds a minimal unsigned PDU. stateKey nil omits the
// state_key field entirely (a message/redaction); a non-nil stateKey
// (including "") makes it a state event.
func mustEvent(t *testing.T, evType string, stateKey *string, sender, content, redacts string) *gomatrixserverlib.HeaderedEvent {
	t.Helper()
	skField := ""
	if stateKey != nil {
		skField = fmt.Sprintf(`"state_key": %q,`, *stateKey)
	}
	redactsField := ""
	if redacts != "" {
		redactsField = fmt.Sprintf(`"redacts": %q,`, redacts)
	}
	raw := fmt.Sprintf(`{
		"type": %q,
		"room_id": "!room:example.org",
		"sender": %q,
		%s
		%s
		"origin_server_ts": 1000,
		"content": %s
	}`, evType, sender, skField, redactsField, content)
	ev, err := gomatrixserverlib.NewEventFromUntrustedJSON([]byte(raw), roomVersion)
	require.NoError(t, err)
	headered := ev.Headered(roomVersion)
	return &headered
}

func strPtr(s string) *string { return &s }

type fakeOutput struct {
	events []api.OutputEvent
}

func (f *fakeOutput) WriteOutputEvents(_ string, events []api.OutputEvent) error {
	f.events = append(f.events, events...)
	return nil
}

type fakeIndexer struct {
	indexed []*gomatrixserverlib.HeaderedEvent
}

func (f *fakeIndexer) IndexMessage(ev *gomatrixserverlib.HeaderedEvent) error {
	f.indexed = append(f.indexed, ev)
	return nil
}

type fakeAdmin struct {
	commands []string
	reply    string
	err      error
}

func (f *fakeAdmin) Execute(_ context.Context, body string) (string, error) {
	f.commands = append(f.commands, body)
	return f.reply, f.err
}

type fakeFederation struct {
	events []*gomatrixserverlib.HeaderedEvent
	err    error
}

func (f *fakeFederation) Backfill(_ context.Context, _ gomatrixserverlib.ServerName, _ gomatrixserverlib.RoomVersion, _ string, _ int, _ []string) ([]*gomatrixserverlib.HeaderedEvent, error) {
	return f.events, f.err
}

func newStore(t *testing.T) (*eventstore.Store, *shortid.Interner) {
	t.Helper()
	kv := memory.New()
	c, err := counter.New(kv)
	require.NoError(t, err)
	ids, err := shortid.New(kv, c)
	require.NoError(t, err)
	return eventstore.New(kv, ids), ids
}

func TestRequiredAuthEventsSelectsCreatePowerLevelsJoinRulesAndSenderMember(t *testing.T) {
	createEv := mustEvent(t, "m.room.create", strPtr(""), "@alice:example.org", `{"creator":"@alice:example.org"}`, "")
	plEv := mustEvent(t, "m.room.power_levels", strPtr(""), "@alice:example.org", `{}`, "")
	joinEv := mustEvent(t, "m.room.join_rules", strPtr(""), "@alice:example.org", `{"join_rule":"public"}`, "")
	memberEv := mustEvent(t, "m.room.member", strPtr("@alice:example.org"), "@alice:example.org", `{"membership":"join"}`, "")

	currentState := map[string]*gomatrixserverlib.HeaderedEvent{
		"m.room.create\x00":                  createEv,
		"m.room.power_levels\x00":             plEv,
		"m.room.join_rules\x00":               joinEv,
		"m.room.member\x00@alice:example.org": memberEv,
	}

	builder := &gomatrixserverlib.EventBuilder{
		RoomID: "!room:example.org",
		Sender: "@alice:example.org",
		Type:   "m.room.message",
	}

	ids, events := requiredAuthEvents(builder, currentState)
	assert.ElementsMatch(t, []string{createEv.EventID(), plEv.EventID(), joinEv.EventID(), memberEv.EventID()}, ids)
	assert.Len(t, events, 4)
}

func TestRequiredAuthEventsIncludesTargetMemberForMembershipEvents(t *testing.T) {
	senderMember := mustEvent(t, "m.room.member", strPtr("@alice:example.org"), "@alice:example.org", `{"membership":"join"}`, "")
	targetMember := mustEvent(t, "m.room.member", strPtr("@bob:example.org"), "@bob:example.org", `{"membership":"invite"}`, "")

	currentState := map[string]*gomatrixserverlib.HeaderedEvent{
		"m.room.member\x00@alice:example.org": senderMember,
		"m.room.member\x00@bob:example.org":   targetMember,
	}

	stateKey := "@bob:example.org"
	builder := &gomatrixserverlib.EventBuilder{
		RoomID:   "!room:example.org",
		Sender:   "@alice:example.org",
		Type:     "m.room.member",
		StateKey: &stateKey,
	}

	ids, _ := requiredAuthEvents(builder, currentState)
	assert.ElementsMatch(t, []string{senderMember.EventID(), targetMember.EventID()}, ids)
}

func TestAttachPrevStateSetsPrevSenderAndPrevContent(t *testing.T) {
	prev := mustEvent(t, "m.room.topic", strPtr(""), "@alice:example.org", `{"topic":"old"}`, "")
	builder := &gomatrixserverlib.EventBuilder{}

	require.NoError(t, attachPrevState(builder, prev))

	var unsigned struct {
		PrevSender  string          `json:"prev_sender"`
		PrevContent json.RawMessage `json:"prev_content"`
	}
	require.NoError(t, json.Unmarshal(builder.Unsigned, &unsigned))
	assert.Equal(t, "@alice:example.org", unsigned.PrevSender)
	assert.JSONEq(t, `{"topic":"old"}`, string(unsigned.PrevContent))
}

func TestApplyStateMutationMergesIntoExistingSnapshot(t *testing.T) {
	kv := memory.New()
	c, err := counter.New(kv)
	require.NoError(t, err)
	ids, err := shortid.New(kv, c)
	require.NoError(t, err)
	compressor := statecompress.New(kv, c)
	states := statemanager.New(kv, ids, nil)

	info, err := states.EnsureRoom("!room:example.org", string(roomVersion))
	require.NoError(t, err)

	topicEv := mustEvent(t, "m.room.topic", strPtr(""), "@alice:example.org", `{"topic":"old"}`, "")
	topicSK, err := ids.StateKeyNID("m.room.topic", "")
	require.NoError(t, err)
	topicNID, err := ids.EventNID(topicEv.EventID())
	require.NoError(t, err)
	baseSnapNID, err := compressor.Save(0, statecompress.Snapshot{topicSK: topicNID})
	require.NoError(t, err)
	require.NoError(t, states.SetCurrentState(info.RoomNID, baseSnapNID))

	nameEv := mustEvent(t, "m.room.name", strPtr(""), "@alice:example.org", `{"name":"room"}`, "")
	tl := &Timeline{IDs: ids, Compressor: compressor, States: states}
	require.NoError(t, tl.applyStateMutation(context.Background(), info.RoomNID, baseSnapNID, nameEv))

	newSnapNID, err := states.CurrentStateSnapshot(info.RoomNID)
	require.NoError(t, err)
	assert.NotEqual(t, baseSnapNID, newSnapNID)

	snap, _, err := compressor.Load(newSnapNID)
	require.NoError(t, err)
	assert.Len(t, snap, 2, "the merged snapshot keeps the prior topic entry and adds the new name entry")
	assert.Contains(t, snap, topicSK)
}

func TestHandleMessageIndexesBodyAndDispatchesAdminCommand(t *testing.T) {
	indexer := &fakeIndexer{}
	admin := &fakeAdmin{reply: "ok"}
	tl := &Timeline{SearchIndex: indexer, AdminBot: admin, AdminRoomID: "!admin:example.org"}

	raw := `{
		"type": "m.room.message",
		"room_id": "!admin:example.org",
		"sender": "@alice:example.org",
		"origin_server_ts": 1000,
		"content": {"body":"!admin ban @spammer:example.org"}
	}`
	adminMsg, err := gomatrixserverlib.NewEventFromUntrustedJSON([]byte(raw), roomVersion)
	require.NoError(t, err)
	adminHeadered := adminMsg.Headered(roomVersion)

	require.NoError(t, tl.handleMessage(context.Background(), &adminHeadered))
	require.Len(t, indexer.indexed, 1)
	assert.Equal(t, adminHeadered.EventID(), indexer.indexed[0].EventID())
	require.Len(t, admin.commands, 1)
	assert.Equal(t, "!admin ban @spammer:example.org", admin.commands[0])
}

func TestHandleMessageSkipsNonAdminRoomMessages(t *testing.T) {
	indexer := &fakeIndexer{}
	admin := &fakeAdmin{reply: "ok"}
	tl := &Timeline{SearchIndex: indexer, AdminBot: admin, AdminRoomID: "!admin:example.org"}

	ev := mustEvent(t, "m.room.message", nil, "@alice:example.org", `{"body":"!admin ban @spammer:example.org"}`, "")
	require.NoError(t, tl.handleMessage(context.Background(), ev))

	require.Len(t, indexer.indexed, 1, "indexing happens regardless of room")
	assert.Empty(t, admin.commands, "admin dispatch is scoped to AdminRoomID")
}

func TestHandleRedactionRewritesTargetAndPreservesEventID(t *testing.T) {
	store, ids := newStore(t)
	out := &fakeOutput{}
	tl := &Timeline{Events: store, IDs: ids, Output: out}

	target := mustEvent(t, "m.room.message", nil, "@alice:example.org", `{"body":"secret"}`, "")
	_, err := store.StoreEvent(context.Background(), target, nil, false)
	require.NoError(t, err)

	redaction := mustEvent(t, "m.room.redaction", nil, "@mod:example.org", `{"reason":"spam"}`, target.EventID())
	require.NoError(t, tl.handleRedaction(context.Background(), redaction))

	got, ok, err := store.HeaderedEvent(context.Background(), target.EventID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, target.EventID(), got.EventID())

	require.Len(t, out.events, 1)
	assert.Equal(t, api.OutputTypeRedactedEvent, out.events[0].Type)
	assert.Equal(t, target.EventID(), out.events[0].RedactedEvent.RedactedEventID)
}

func TestHandleRedactionIsNoOpWhenTargetMissing(t *testing.T) {
	store, ids := newStore(t)
	tl := &Timeline{Events: store, IDs: ids}

	redaction := mustEvent(t, "m.room.redaction", nil, "@mod:example.org", `{"reason":"spam"}`, "$missing:example.org")
	require.NoError(t, tl.handleRedaction(context.Background(), redaction))
}

func TestBackfillIfRequiredStoresFetchedEventsWithDecreasingPositions(t *testing.T) {
	kv := memory.New()
	c, err := counter.New(kv)
	require.NoError(t, err)
	ids, err := shortid.New(kv, c)
	require.NoError(t, err)
	store := eventstore.New(kv, ids)
	states := statemanager.New(kv, ids, nil)

	_, err = states.EnsureRoom("!room:example.org", string(roomVersion))
	require.NoError(t, err)

	out := &fakeOutput{}
	tl := &Timeline{Events: store, IDs: ids, States: states, Output: out}

	ev1 := mustEvent(t, "m.room.message", nil, "@alice:example.org", `{"body":"one"}`, "")
	ev2 := mustEvent(t, "m.room.message", nil, "@alice:example.org", `{"body":"two"}`, "")
	fed := &fakeFederation{events: []*gomatrixserverlib.HeaderedEvent{ev1, ev2}}

	accepted, err := tl.BackfillIfRequired(context.Background(), "!room:example.org", []string{ev1.EventID()}, 2, fed, "origin.test")
	require.NoError(t, err)
	assert.Len(t, accepted, 2)

	for _, ev := range accepted {
		_, ok, err := store.HeaderedEvent(context.Background(), ev.EventID())
		require.NoError(t, err)
		assert.True(t, ok)
	}
	require.Len(t, out.events, 2)
	assert.Equal(t, api.OutputTypeOldRoomEvent, out.events[0].Type)
}

func TestBackfillIfRequiredErrorsOnUnknownRoom(t *testing.T) {
	kv := memory.New()
	c, err := counter.New(kv)
	require.NoError(t, err)
	ids, err := shortid.New(kv, c)
	require.NoError(t, err)
	store := eventstore.New(kv, ids)
	states := statemanager.New(kv, ids, nil)
	tl := &Timeline{Events: store, IDs: ids, States: states}

	_, err = tl.BackfillIfRequired(context.Background(), "!unknown:example.org", nil, 10, &fakeFederation{}, "origin.test")
	assert.Error(t, err)
}
