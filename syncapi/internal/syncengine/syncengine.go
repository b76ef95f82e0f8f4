// Package syncengine implements the sync engine (C13): spec.md §4.9's
// v3 sync_events algorithm; there is no v4 sliding-sync entry point. Grounded on
// dendrite's syncapi request-pool shape (see
// element-hq-dendrite/syncapi/sync/v4_roomdata.go's getTimelineEvents and
// the synctypes.RoomEventFilter{Limit: limit} pattern it uses), adapted
// onto this module's own eventstore/stateaccessor/statemanager stack
// instead of dendrite's SQL-backed syncapi storage.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/gravelmoss/grapevine/internal/push"
	"github.com/gravelmoss/grapevine/internal/storage"
	"github.com/gravelmoss/grapevine/roomserver/internal/eventstore"
	"github.com/gravelmoss/grapevine/roomserver/internal/shortid"
	"github.com/gravelmoss/grapevine/roomserver/internal/stateaccessor"
	"github.com/gravelmoss/grapevine/roomserver/internal/statemanager"
	"github.com/gravelmoss/grapevine/syncapi/internal/edu"
	"github.com/gravelmoss/grapevine/syncapi/internal/memberships"
	"github.com/gravelmoss/grapevine/syncapi/internal/notifier"
	"github.com/gravelmoss/grapevine/syncapi/types"
)

// heroCount is "the first 5 non-sender members" spec.md §4.9 step 4 names.
const heroCount = 5

// Engine is C13.
type Engine struct {
	KV          storage.KV
	Events      *eventstore.Store
	IDs         *shortid.Interner
	States      *statemanager.Manager
	Accessor    *stateaccessor.Accessor
	Memberships *memberships.Index
	Typing      *edu.Typing
	Receipts    *edu.Receipts
	Notifier    *notifier.Notifier
}

// Request is one /sync v3 request.
type Request struct {
	UserID    string
	Since     types.StreamingToken
	Filter    types.Filter
	FullState bool
	Timeout   int64 // milliseconds, client-supplied
}

func roomSnapKey(roomID string, token types.StreamingToken) []byte {
	return []byte("sync/roomsnap/" + roomID + "/" + token.String())
}

// recordRoomSnapshot implements step 7: "persist mapping (room_id,
// next_batch) -> current_shortstatehash so the next sync can compute its
// delta."
func (e *Engine) recordRoomSnapshot(roomID string, token types.StreamingToken, snapNID shortid.StateSnapNID) error {
	return e.KV.Set(roomSnapKey(roomID, token), storage.EncodeUint64(uint64(snapNID)))
}

func (e *Engine) roomSnapshotAt(roomID string, token types.StreamingToken) (shortid.StateSnapNID, bool, error) {
	raw, ok, err := e.KV.Get(roomSnapKey(roomID, token))
	if err != nil || !ok {
		return 0, false, err
	}
	return shortid.StateSnapNID(storage.DecodeUint64(raw)), true, nil
}

// Sync implements sync_events (spec.md §4.9 steps 1-7). It does not itself
// long-poll; callers needing the "wait up to timeout if empty" behavior
// should call Poll instead.
func (e *Engine) Sync(ctx context.Context, req Request) (*types.Response, error) {
	current, err := e.currentToken()
	if err != nil {
		return nil, err
	}

	joined, err := e.Memberships.Joined(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("syncengine: joined rooms for %s: %w", req.UserID, err)
	}

	resp := &types.Response{
		NextBatch: current.String(),
		Rooms:     types.Rooms{Join: map[string]types.JoinedRoom{}},
	}

	for _, roomID := range joined {
		if !req.Filter.Room.RoomAllowed(roomID) {
			continue
		}
		jr, changed, err := e.syncRoom(ctx, req, roomID, current)
		if err != nil {
			return nil, fmt.Errorf("syncengine: room %s: %w", roomID, err)
		}
		if changed {
			resp.Rooms.Join[roomID] = jr
		}
	}

	return resp, nil
}

// Poll runs Sync, and if the result is empty and the caller hasn't forced
// full_state, waits on the notifier and retries once (spec.md §4.9's "the
// request waits on a per-(user,device) watcher channel up to a
// client-provided timeout (capped at 30s)").
func (e *Engine) Poll(ctx context.Context, req Request) (*types.Response, error) {
	resp, err := e.Sync(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.IsEmpty() || req.FullState {
		return resp, nil
	}

	e.Notifier.Wait(ctx, timeoutFromMillis(req.Timeout))
	return e.Sync(ctx, req)
}

func timeoutFromMillis(ms int64) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if d <= 0 || d > notifier.MaxWait {
		return notifier.MaxWait
	}
	return d
}

func (e *Engine) currentToken() (types.StreamingToken, error) {
	// The global counter is advanced by every durable write; reading its
	// backing key directly (rather than minting a fresh value) means two
	// concurrent syncs see the same token for "right now".
	raw, ok, err := e.KV.Get([]byte("globals/current_count"))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return types.StreamingToken(storage.DecodeUint64(raw)), nil
}

// stateMapKey matches stateaccessor.StateAtSnapshot's map key convention.
func stateMapKey(evType, stateKey string) string { return evType + "\x00" + stateKey }

func (e *Engine) syncRoom(ctx context.Context, req Request, roomID string, current types.StreamingToken) (types.JoinedRoom, bool, error) {
	var jr types.JoinedRoom
	info, err := e.States.RoomInfo(roomID)
	if err != nil || info == nil {
		return jr, false, err
	}

	limit := req.Filter.Room.Timeline.EffectiveLimit()
	events, limited, err := e.Events.TimelineSince(ctx, uint64(info.RoomNID), int64(req.Since), limit)
	if err != nil {
		return jr, false, err
	}

	currentSnapNID, err := e.States.CurrentStateSnapshot(info.RoomNID)
	if err != nil {
		return jr, false, err
	}

	// Step 2/3: was this an initial sync for the room (no prior snapshot
	// recorded at `since`)?
	sinceSnapNID, hadSince, err := e.roomSnapshotAt(roomID, req.Since)
	if err != nil {
		return jr, false, err
	}
	initial := req.Since == 0 || !hadSince || req.FullState

	var stateEvents []types.ClientEvent
	if initial {
		full, err := e.Accessor.StateAtSnapshot(ctx, currentSnapNID)
		if err != nil {
			return jr, false, err
		}
		stateEvents = e.filterState(full, events, req.Filter.Room.State)
	} else {
		stateEvents, err = e.stateDelta(ctx, sinceSnapNID, currentSnapNID, events, req.Filter.Room.State)
		if err != nil {
			return jr, false, err
		}
	}

	if len(events) == 0 && len(stateEvents) == 0 && !initial {
		// Nothing changed for this room; still advance its snapshot pointer
		// so future deltas stay correct, but don't include it in the
		// response.
		if err := e.recordRoomSnapshot(roomID, current, currentSnapNID); err != nil {
			return jr, false, err
		}
		return jr, false, nil
	}

	timelineEvents := make([]types.ClientEvent, 0, len(events))
	for _, ev := range events {
		event := ev.Unwrap()
		if !req.Filter.Room.Timeline.TypeAllowed(event.Type()) {
			continue
		}
		timelineEvents = append(timelineEvents, types.ToClientEvent(ev))
	}

	summary, err := e.summary(ctx, currentSnapNID)
	if err != nil {
		return jr, false, err
	}

	ephemeral, err := e.ephemeral(roomID, req.Since)
	if err != nil {
		return jr, false, err
	}

	jr = types.JoinedRoom{
		State:               types.State{Events: stateEvents},
		Timeline:            types.Timeline{Events: timelineEvents, Limited: limited},
		Ephemeral:           ephemeral,
		Summary:             summary,
		UnreadNotifications: e.unreadNotifications(ctx, events, req.UserID, currentSnapNID),
	}

	if err := e.recordRoomSnapshot(roomID, current, currentSnapNID); err != nil {
		return jr, false, err
	}
	return jr, true, nil
}

// powerLevels reads the notification-relevant subset of m.room.power_levels
// at snapNID, falling back to the Matrix spec's defaults if the room has no
// such event yet.
func (e *Engine) powerLevels(ctx context.Context, snapNID shortid.StateSnapNID) push.PowerLevels {
	pl := push.DefaultPowerLevels()
	ev, ok, err := e.Accessor.StateEvent(ctx, snapNID, "m.room.power_levels", "")
	if err != nil || !ok {
		return pl
	}
	event := ev.Unwrap()
	var content struct {
		Notifications struct {
			Room *int `json:"room"`
		} `json:"notifications"`
		UsersDefault int            `json:"users_default"`
		Users        map[string]int `json:"users"`
	}
	if err := json.Unmarshal(event.Content(), &content); err != nil {
		return pl
	}
	pl.UsersDefault = content.UsersDefault
	pl.Users = content.Users
	if content.Notifications.Room != nil {
		pl.NotificationsRoom = *content.Notifications.Room
	}
	return pl
}

// unreadNotifications implements spec.md §4.11's per-room notification
// counts, evaluating push.ShouldNotify against every new timeline event for
// the requesting user.
func (e *Engine) unreadNotifications(ctx context.Context, events []*gomatrixserverlib.HeaderedEvent, userID string, currentSnapNID shortid.StateSnapNID) types.UnreadNotificationCounts {
	pl := e.powerLevels(ctx, currentSnapNID)
	var counts types.UnreadNotificationCounts
	for _, ev := range events {
		v := push.ShouldNotify(ev, userID, pl)
		if v.Notify {
			counts.NotificationCount++
		}
		if v.Highlight {
			counts.HighlightCount++
		}
	}
	return counts
}

// filterState renders a full state map as ClientEvents for an initial sync,
// applying lazy-load-members (spec.md §4.9 step 3: "reset lazy-load
// markers" on initial sync means only members referenced by the timeline
// window are included, unless lazy-loading is disabled).
func (e *Engine) filterState(full map[string]*gomatrixserverlib.HeaderedEvent, timeline []*gomatrixserverlib.HeaderedEvent, filter types.RoomEventFilter) []types.ClientEvent {
	needed := membersNeeded(filter, timeline)
	out := make([]types.ClientEvent, 0, len(full))
	for key, ev := range full {
		event := ev.Unwrap()
		if event.Type() == "m.room.member" && filter.LazyLoadMembers {
			if _, ok := needed[key]; !ok {
				continue
			}
		}
		if !filter.TypeAllowed(event.Type()) {
			continue
		}
		out = append(out, types.ToClientEvent(ev))
	}
	return out
}

// stateDelta implements step 3's non-initial branch: the symmetric
// difference of state_full_ids(since) and state_full_ids(current), filtered
// to members referenced by the timeline window unless lazy-loading is off.
func (e *Engine) stateDelta(ctx context.Context, sinceSnapNID, currentSnapNID shortid.StateSnapNID, timeline []*gomatrixserverlib.HeaderedEvent, filter types.RoomEventFilter) ([]types.ClientEvent, error) {
	before, err := e.Accessor.StateAtSnapshot(ctx, sinceSnapNID)
	if err != nil {
		return nil, err
	}
	after, err := e.Accessor.StateAtSnapshot(ctx, currentSnapNID)
	if err != nil {
		return nil, err
	}

	needed := membersNeeded(filter, timeline)
	var out []types.ClientEvent
	for key, ev := range after {
		prev, existed := before[key]
		if existed && prev.EventID() == ev.EventID() {
			continue // unchanged
		}
		event := ev.Unwrap()
		if event.Type() == "m.room.member" && filter.LazyLoadMembers {
			if _, ok := needed[key]; !ok {
				continue
			}
		}
		if !filter.TypeAllowed(event.Type()) {
			continue
		}
		out = append(out, types.ToClientEvent(ev))
	}
	return out, nil
}

// membersNeeded collects the (type,state_key) grid coordinates of members
// referenced by the timeline window's senders and membership targets —
// the set a lazy-loading client needs to render those events.
func membersNeeded(filter types.RoomEventFilter, timeline []*gomatrixserverlib.HeaderedEvent) map[string]struct{} {
	needed := make(map[string]struct{}, len(timeline))
	if !filter.LazyLoadMembers {
		return needed
	}
	for _, ev := range timeline {
		event := ev.Unwrap()
		needed[stateMapKey("m.room.member", string(event.Sender()))] = struct{}{}
		if event.Type() == "m.room.member" && event.StateKey() != nil {
			needed[stateMapKey("m.room.member", *event.StateKey())] = struct{}{}
		}
	}
	return needed
}

// summary computes spec.md §4.9 step 4's joined/invited counts and heroes:
// up to 5 joined or invited members, taken in the state map's iteration
// order, which is not defined. The requesting user is not excluded.
func (e *Engine) summary(ctx context.Context, snapNID shortid.StateSnapNID) (types.RoomSummary, error) {
	full, err := e.Accessor.StateAtSnapshot(ctx, snapNID)
	if err != nil {
		return types.RoomSummary{}, err
	}

	var joined, invited int
	var heroes []string
	for _, ev := range full {
		event := ev.Unwrap()
		if event.Type() != "m.room.member" {
			continue
		}
		var content struct {
			Membership string `json:"membership"`
		}
		if err := json.Unmarshal(event.Content(), &content); err != nil {
			continue
		}
		switch content.Membership {
		case "join":
			joined++
		case "invite":
			invited++
		}
		if (content.Membership == "join" || content.Membership == "invite") && len(heroes) < heroCount {
			if stateKey := event.StateKey(); stateKey != nil {
				heroes = append(heroes, *stateKey)
			}
		}
	}

	jc, ic := joined, invited
	return types.RoomSummary{Heroes: heroes, JoinedMemberCount: &jc, InvitedMemberCount: &ic}, nil
}

// ephemeral attaches read receipts since `since` and current typing state,
// per spec.md §4.9 step 6.
func (e *Engine) ephemeral(roomID string, since types.StreamingToken) (types.Ephemeral, error) {
	var events []types.ClientEvent

	if e.Receipts != nil {
		receipts, err := e.Receipts.Since(roomID, uint64(since))
		if err != nil {
			return types.Ephemeral{}, err
		}
		if public := edu.PublicOnly(receipts); len(public) > 0 {
			content, err := receiptEventContent(public)
			if err == nil {
				events = append(events, types.ClientEvent{
					Type:    "m.receipt",
					RoomID:  roomID,
					Content: content,
				})
			}
		}
	}

	if e.Typing != nil {
		if content := e.Typing.Event(roomID); content != nil {
			events = append(events, types.ClientEvent{
				Type:    "m.typing",
				RoomID:  roomID,
				Content: content,
			})
		}
	}

	return types.Ephemeral{Events: events}, nil
}

// receiptEventContent renders receipts into the Matrix m.receipt EDU shape:
// {event_id: {receipt_type: {user_id: {ts: ...}}}}.
func receiptEventContent(receipts []edu.Receipt) (json.RawMessage, error) {
	type tsEntry struct {
		TS int64 `json:"ts"`
	}
	out := make(map[string]map[string]map[string]tsEntry)
	for _, r := range receipts {
		byType, ok := out[r.EventID]
		if !ok {
			byType = make(map[string]map[string]tsEntry)
			out[r.EventID] = byType
		}
		byUser, ok := byType[r.Type]
		if !ok {
			byUser = make(map[string]tsEntry)
			byType[r.Type] = byUser
		}
		byUser[r.UserID] = tsEntry{TS: r.Timestamp}
	}
	return json.Marshal(out)
}
