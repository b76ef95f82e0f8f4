// Package timeline implements the timeline (C9): the append-and-sign path
// for locally-created events (spec.md §4.8) plus redaction rewrite and
// backfill. Grounded on dendrite's eventutil.BuildEvent/QueryAndBuildEvent
// (see other_examples/eac43d89_ike20013-dendrite__external-eventutil-events.go.go)
// for the builder-fill sequence, adapted onto this module's own shortid/
// statecompress/statemanager stack instead of dendrite's roomserver query
// API.
package timeline

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/sirupsen/logrus"

	"github.com/gravelmoss/grapevine/internal/counter"
	"github.com/gravelmoss/grapevine/internal/roomlock"
	"github.com/gravelmoss/grapevine/internal/storage"
	"github.com/gravelmoss/grapevine/roomserver/api"
	"github.com/gravelmoss/grapevine/roomserver/internal/eventstore"
	"github.com/gravelmoss/grapevine/roomserver/internal/shortid"
	"github.com/gravelmoss/grapevine/roomserver/internal/stateaccessor"
	"github.com/gravelmoss/grapevine/roomserver/internal/statecompress"
	"github.com/gravelmoss/grapevine/roomserver/internal/statemanager"
)

// maxPrevEvents is spec.md §4.8 step 1's "up to 20 current forward
// extremities".
const maxPrevEvents = 20

// SigningIdentity is the local server's federation signing key, used to
// sign every locally-created PDU.
type SigningIdentity struct {
	ServerName gomatrixserverlib.ServerName
	KeyID      gomatrixserverlib.KeyID
	PrivateKey ed25519.PrivateKey
}

// FederationClient is the minimum needed to backfill from a remote server.
type FederationClient interface {
	Backfill(ctx context.Context, origin gomatrixserverlib.ServerName, roomVersion gomatrixserverlib.RoomVersion, roomID string, limit int, fromEventIDs []string) ([]*gomatrixserverlib.HeaderedEvent, error)
}

// Output notifies downstream components (sync, federation sender) about
// newly-appended or redacted events.
type Output interface {
	WriteOutputEvents(roomID string, events []api.OutputEvent) error
}

// MessageIndexer receives every m.room.message event for full-text
// indexing, spec.md §4.8 step 9's "index body in the search index".
type MessageIndexer interface {
	IndexMessage(ev *gomatrixserverlib.HeaderedEvent) error
}

// AdminExecutor dispatches one admin-room command line, spec.md §4.8 step
// 9's "dispatch ... to the admin-bot command processor".
type AdminExecutor interface {
	Execute(ctx context.Context, body string) (string, error)
}

// Timeline is C9.
type Timeline struct {
	Events     *eventstore.Store
	IDs        *shortid.Interner
	Counter    *counter.Counter
	Locks      *roomlock.Manager
	States     *statemanager.Manager
	Accessor   *stateaccessor.Accessor
	Compressor *statecompress.Compressor
	Identity   SigningIdentity
	Output     Output
	Now        func() time.Time

	// SearchIndex, if set, is fed the body of every m.room.message event
	// that lands in the timeline.
	SearchIndex MessageIndexer

	// AdminBot and AdminRoomID, if both set, dispatch "!admin ..."
	// messages posted in the named room to the admin-bot command
	// processor.
	AdminBot    AdminExecutor
	AdminRoomID string
}

func (t *Timeline) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// BuildAndAppendPDU is build_and_append_pdu (spec.md §4.8).
func (t *Timeline) BuildAndAppendPDU(ctx context.Context, builder *gomatrixserverlib.EventBuilder, roomVersion gomatrixserverlib.RoomVersion) (*gomatrixserverlib.HeaderedEvent, []byte, error) {
	unlockInsert, err := t.Locks.Lock(ctx, roomlock.KindInsert, builder.RoomID)
	if err != nil {
		return nil, nil, err
	}
	defer unlockInsert()

	info, err := t.States.RoomInfo(builder.RoomID)
	if err != nil {
		return nil, nil, err
	}
	if info == nil {
		return nil, nil, fmt.Errorf("timeline: unknown room %s", builder.RoomID)
	}

	// Step 1: up to 20 current forward extremities as prev_events.
	prevEventIDs, err := t.States.ForwardExtremities(info.RoomNID)
	if err != nil {
		return nil, nil, err
	}
	if len(prevEventIDs) > maxPrevEvents {
		prevEventIDs = prevEventIDs[:maxPrevEvents]
	}

	// Step 3/4: depth = 1 + max(prev depth).
	var maxDepth int64
	for _, id := range prevEventIDs {
		ev, ok, err := t.Events.HeaderedEvent(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			prevEvent := ev.Unwrap()
			if d := prevEvent.Depth(); d > maxDepth {
				maxDepth = d
			}
		}
	}
	builder.Depth = maxDepth + 1
	builder.PrevEvents = prevEventIDs

	snapNID, err := t.States.CurrentStateSnapshot(info.RoomNID)
	if err != nil {
		return nil, nil, err
	}
	currentState, err := t.Accessor.StateAtSnapshot(ctx, snapNID)
	if err != nil {
		return nil, nil, err
	}

	// Step 3: auth_events per the room-version rules (create, power_levels,
	// join_rules, the sender's member event, and — for membership events —
	// the target's member event). third_party_invite is not selected.
	authEventIDs, authEvents := requiredAuthEvents(builder, currentState)
	builder.AuthEvents = authEventIDs

	// Step 5: attach prev_content/prev_sender for state events.
	if builder.StateKey != nil {
		if prev, ok := currentState[builder.Type+"\x00"+*builder.StateKey]; ok {
			if err := attachPrevState(builder, prev); err != nil {
				return nil, nil, err
			}
		}
	}

	// Step 6: sign and derive event_id.
	built, err := builder.Build(t.now(), t.Identity.ServerName, t.Identity.KeyID, t.Identity.PrivateKey, roomVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("timeline: build event: %w", err)
	}

	// Step 7: auth_check against the computed auth_events.
	auth, err := gomatrixserverlib.NewAuthEvents(nil)
	if err != nil {
		return nil, nil, err
	}
	for _, ev := range authEvents {
		if err := auth.AddEvent(ev.Unwrap()); err != nil {
			return nil, nil, err
		}
	}
	if err := gomatrixserverlib.Allowed(built, &auth); err != nil {
		return nil, nil, fmt.Errorf("timeline: event rejected by auth_check: %w", err)
	}

	headered := built.Headered(roomVersion)

	authNIDs := make([]shortid.EventNID, 0, len(authEvents))
	for _, ev := range authEvents {
		nid, err := t.IDs.EventNID(ev.EventID())
		if err != nil {
			return nil, nil, err
		}
		authNIDs = append(authNIDs, nid)
	}
	if _, err := t.Events.StoreEvent(ctx, headered, authNIDs, false); err != nil {
		return nil, nil, err
	}

	// Step 8: pdu_id = short_room_id ∥ monotonic_count.
	count, err := t.Counter.Next()
	if err != nil {
		return nil, nil, err
	}
	pduID := storage.PduIDSigned(uint64(info.RoomNID), int64(count))
	selfNID, err := t.IDs.EventNID(headered.EventID())
	if err != nil {
		return nil, nil, err
	}
	if err := t.Events.PutTimelineEntry(pduID, selfNID); err != nil {
		return nil, nil, err
	}

	// Step 9: apply state mutation before recording, and special cases.
	if builder.StateKey != nil {
		if err := t.applyStateMutation(ctx, info.RoomNID, snapNID, headered); err != nil {
			return nil, nil, err
		}
	}
	if err := t.handleSpecialCases(ctx, headered); err != nil {
		return nil, nil, err
	}

	if _, err := t.States.RecomputeExtremities(ctx, info.RoomNID, headered.EventID(), prevEventIDs, false); err != nil {
		return nil, nil, err
	}

	if t.Output != nil {
		if err := t.Output.WriteOutputEvents(builder.RoomID, []api.OutputEvent{{
			Type:         api.OutputTypeNewRoomEvent,
			NewRoomEvent: &api.OutputNewRoomEvent{Event: headered, RewritesState: builder.StateKey != nil},
		}}); err != nil {
			return nil, nil, err
		}
	}

	return headered, pduID, nil
}

// requiredAuthEvents picks create/power_levels/join_rules/sender-member (and
// for membership events, the target's member event) out of currentState —
// the room-version-independent subset of Matrix's auth-event selection
// rules (full third_party_invite handling is left to the auth_check call
// itself, which only needs the events this function does select).
func requiredAuthEvents(builder *gomatrixserverlib.EventBuilder, currentState map[string]*gomatrixserverlib.HeaderedEvent) ([]string, []*gomatrixserverlib.HeaderedEvent) {
	var ids []string
	var events []*gomatrixserverlib.HeaderedEvent
	add := func(evType, stateKey string) {
		if ev, ok := currentState[evType+"\x00"+stateKey]; ok {
			ids = append(ids, ev.EventID())
			events = append(events, ev)
		}
	}
	add("m.room.create", "")
	add("m.room.power_levels", "")
	add("m.room.join_rules", "")
	add("m.room.member", builder.Sender)
	if builder.Type == "m.room.member" && builder.StateKey != nil && *builder.StateKey != builder.Sender {
		add("m.room.member", *builder.StateKey)
	}
	return ids, events
}

func attachPrevState(builder *gomatrixserverlib.EventBuilder, prev *gomatrixserverlib.HeaderedEvent) error {
	prevEvent := prev.Unwrap()
	unsigned := map[string]interface{}{
		"prev_sender": prevEvent.Sender(),
	}
	if content := prev.Content(); len(content) > 0 {
		unsigned["prev_content"] = json.RawMessage(content)
	}
	return builder.SetUnsigned(unsigned)
}

// applyStateMutation folds the newly-built state event into the room's
// current state and records a new compressed snapshot — a local append
// never conflicts with itself, so unlike C8's step 14 this never needs
// state resolution, only a direct merge.
func (t *Timeline) applyStateMutation(ctx context.Context, roomNID shortid.RoomNID, currentSnapNID shortid.StateSnapNID, ev *gomatrixserverlib.HeaderedEvent) error {
	snap := statecompress.Snapshot{}
	if currentSnapNID != 0 {
		loaded, _, err := t.Compressor.Load(currentSnapNID)
		if err != nil {
			return err
		}
		snap = loaded
	}
	event := ev.Unwrap()
	skNID, err := t.IDs.StateKeyNID(event.Type(), *event.StateKey())
	if err != nil {
		return err
	}
	evNID, err := t.IDs.EventNID(ev.EventID())
	if err != nil {
		return err
	}
	snap[skNID] = evNID

	newSnapNID, err := t.Compressor.Save(currentSnapNID, snap)
	if err != nil {
		return err
	}
	return t.States.SetCurrentState(roomNID, newSnapNID)
}

// handleSpecialCases implements spec.md §4.8 step 9's per-type handling:
// search indexing and admin-bot dispatch for m.room.message (directly,
// below), membership cache maintenance for m.room.member (in its own
// subsystem, subscribed via Output), and the redaction rewrite (directly,
// since it mutates eventstore state other readers depend on immediately).
func (t *Timeline) handleSpecialCases(ctx context.Context, ev *gomatrixserverlib.HeaderedEvent) error {
	event := ev.Unwrap()
	switch event.Type() {
	case "m.room.message":
		return t.handleMessage(ctx, ev)
	case "m.room.redaction":
		return t.handleRedaction(ctx, ev)
	default:
		return nil
	}
}

// handleMessage implements step 9's "index body in the search index" and
// "dispatch ... to the admin-bot command processor" for m.room.message.
// Both are best-effort: a search-index or admin-bot failure is logged, not
// propagated, since neither should block the message itself from landing
// in the timeline.
func (t *Timeline) handleMessage(ctx context.Context, ev *gomatrixserverlib.HeaderedEvent) error {
	event := ev.Unwrap()

	if t.SearchIndex != nil {
		if err := t.SearchIndex.IndexMessage(ev); err != nil {
			logrus.WithError(err).WithField("event_id", event.EventID()).Warn("search index: failed to index message")
		}
	}

	if t.AdminBot != nil && t.AdminRoomID != "" && event.RoomID() == t.AdminRoomID {
		var content struct {
			Body string `json:"body"`
		}
		if err := json.Unmarshal(event.Content(), &content); err == nil && strings.HasPrefix(strings.TrimSpace(content.Body), "!admin") {
			// This core has no reply-posting surface of its own (posting a
			// response back into the room belongs to clientapi); the
			// response is surfaced via logging instead.
			reply, err := t.AdminBot.Execute(ctx, content.Body)
			if err != nil {
				logrus.WithError(err).WithField("room_id", t.AdminRoomID).Warn("admin-bot command failed")
			} else {
				logrus.WithField("room_id", t.AdminRoomID).Info(reply)
			}
		}
	}
	return nil
}

func (t *Timeline) handleRedaction(ctx context.Context, ev *gomatrixserverlib.HeaderedEvent) error {
	event := ev.Unwrap()
	targetID := event.Redacts()
	if targetID == "" {
		return nil
	}
	target, ok, err := t.Events.HeaderedEvent(ctx, targetID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	targetEvent := target.Unwrap()
	redacted := targetEvent.Redact()
	headeredRedacted := redacted.Headered(target.RoomVersion)
	if err := t.Events.RewriteRedacted(ctx, &headeredRedacted); err != nil {
		return err
	}
	if t.Output != nil {
		return t.Output.WriteOutputEvents(event.RoomID(), []api.OutputEvent{{
			Type: api.OutputTypeRedactedEvent,
			RedactedEvent: &api.OutputRedactedEvent{
				RedactedEventID: targetID,
				RedactedBecause: ev,
			},
		}})
	}
	return nil
}

// BackfillIfRequired is backfill_if_required (spec.md §4.8): fetch PDUs
// older than the given event from a remote server and prepend them with
// negative-orientation pdu_ids so they sort before existing entries.
func (t *Timeline) BackfillIfRequired(ctx context.Context, roomID string, beforeEventIDs []string, limit int, fed FederationClient, source gomatrixserverlib.ServerName) ([]*gomatrixserverlib.HeaderedEvent, error) {
	info, err := t.States.RoomInfo(roomID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("timeline: unknown room %s", roomID)
	}

	fetched, err := fed.Backfill(ctx, source, gomatrixserverlib.RoomVersion(info.RoomVersion), roomID, limit, beforeEventIDs)
	if err != nil {
		return nil, fmt.Errorf("timeline: backfill from %s: %w", source, err)
	}

	accepted := make([]*gomatrixserverlib.HeaderedEvent, 0, len(fetched))
	for _, ev := range fetched {
		authNIDs, _, err := t.Events.AuthEventNIDs(ctx, ev.EventID())
		if err != nil {
			return nil, err
		}
		nid, err := t.Events.StoreEvent(ctx, ev, authNIDs, false)
		if err != nil {
			return nil, err
		}
		// Negative-orientation: a per-room decrementing position so
		// backfilled pdu_ids sort before the room's existing (positive,
		// forward-assigned) entries without consuming the global monotonic
		// counter, which only needs to order forward-appended events.
		position, err := t.Events.NextBackfillPosition(uint64(info.RoomNID))
		if err != nil {
			return nil, err
		}
		pduID := storage.PduIDSigned(uint64(info.RoomNID), position)
		if err := t.Events.PutTimelineEntry(pduID, nid); err != nil {
			return nil, err
		}
		accepted = append(accepted, ev)
	}
	if t.Output != nil && len(accepted) > 0 {
		out := make([]api.OutputEvent, 0, len(accepted))
		for _, ev := range accepted {
			out = append(out, api.OutputEvent{
				Type:         api.OutputTypeOldRoomEvent,
				OldRoomEvent: &api.OutputOldRoomEvent{Event: ev},
			})
		}
		if err := t.Output.WriteOutputEvents(roomID, out); err != nil {
			return nil, err
		}
	}
	return accepted, nil
}
