// Package stateaccessor implements the state accessor (C11): read paths
// over state snapshots, with a per-(user|server,snapshot) visibility LRU
// fronting the history-visibility computation (spec.md §2, §5 "Caches ...
// visibility").
package stateaccessor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/matrix-org/gomatrixserverlib"

	"github.com/gravelmoss/grapevine/roomserver/internal/shortid"
	"github.com/gravelmoss/grapevine/roomserver/internal/statecompress"
)

// EventLookup resolves a short-event-id or event-id to its stored PDU; the
// accessor never touches the timeline's storage layout directly.
type EventLookup interface {
	HeaderedEventByNID(ctx context.Context, nid shortid.EventNID) (*gomatrixserverlib.HeaderedEvent, bool, error)
}

// Accessor is C11.
type Accessor struct {
	compressor *statecompress.Compressor
	ids        *shortid.Interner
	events     EventLookup
	visibility *ristretto.Cache
}

func New(compressor *statecompress.Compressor, ids *shortid.Interner, events EventLookup) (*Accessor, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Accessor{compressor: compressor, ids: ids, events: events, visibility: cache}, nil
}

// StateAtSnapshot returns the full reconstructed state at snapNID as a map
// of the corresponding PDUs, keyed by their (type, state_key) grid
// coordinate joined with a NUL byte (matching shortid's internal key).
func (a *Accessor) StateAtSnapshot(ctx context.Context, snapNID shortid.StateSnapNID) (map[string]*gomatrixserverlib.HeaderedEvent, error) {
	snap, _, err := a.compressor.Load(snapNID)
	if err != nil {
		return nil, fmt.Errorf("stateaccessor: load snapshot %d: %w", snapNID, err)
	}
	out := make(map[string]*gomatrixserverlib.HeaderedEvent, len(snap))
	for skNID, evNID := range snap {
		evType, stateKey, ok, err := a.ids.StateKeyTuple(skNID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ev, ok, err := a.events.HeaderedEventByNID(ctx, evNID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out[evType+"\x00"+stateKey] = ev
	}
	return out, nil
}

// StateEvent returns the single state event at (snapNID, evType, stateKey),
// if any.
func (a *Accessor) StateEvent(ctx context.Context, snapNID shortid.StateSnapNID, evType, stateKey string) (*gomatrixserverlib.HeaderedEvent, bool, error) {
	skNID, err := a.ids.StateKeyNID(evType, stateKey)
	if err != nil {
		return nil, false, err
	}
	snap, _, err := a.compressor.Load(snapNID)
	if err != nil {
		return nil, false, err
	}
	evNID, ok := snap[skNID]
	if !ok {
		return nil, false, nil
	}
	return a.events.HeaderedEventByNID(ctx, evNID)
}

// Membership returns the membership content ("join", "invite", "leave",
// "ban", ...) for userID at snapNID.
func (a *Accessor) Membership(ctx context.Context, snapNID shortid.StateSnapNID, userID string) (string, bool, error) {
	ev, ok, err := a.StateEvent(ctx, snapNID, "m.room.member", userID)
	if err != nil || !ok {
		return "", ok, err
	}
	return membershipFromContent(ev), true, nil
}

func membershipFromContent(ev *gomatrixserverlib.HeaderedEvent) string {
	var content struct {
		Membership string `json:"membership"`
	}
	if err := json.Unmarshal(ev.Content(), &content); err != nil {
		return ""
	}
	return content.Membership
}

// CanSee reports whether subject (a "@user:server" matrix ID, matched
// against the m.room.member state keys) may see events recorded at snapNID,
// per the room's m.room.history_visibility state event:
//
//   - "world_readable": always visible.
//   - "shared" (default, when the room has no such event): visible if
//     subject is (or was ever) joined at or after this snapshot's
//     membership state.
//   - "invited": visible if subject is joined or invited.
//   - "joined": visible only if subject is joined.
//
// Results are cached per (snapNID, subject) since history-visibility rarely
// changes and is checked on every timeline event returned to a client.
func (a *Accessor) CanSee(ctx context.Context, snapNID shortid.StateSnapNID, subject string) (bool, error) {
	key := fmt.Sprintf("%d\x00%s", snapNID, subject)
	if v, ok := a.visibility.Get(key); ok {
		return v.(bool), nil
	}

	visible, err := a.computeVisibility(ctx, snapNID, subject)
	if err != nil {
		return false, err
	}
	a.visibility.Set(key, visible, 1)
	return visible, nil
}

func (a *Accessor) computeVisibility(ctx context.Context, snapNID shortid.StateSnapNID, subject string) (bool, error) {
	visibility := "shared"
	if ev, ok, err := a.StateEvent(ctx, snapNID, "m.room.history_visibility", ""); err != nil {
		return false, err
	} else if ok {
		var content struct {
			HistoryVisibility string `json:"history_visibility"`
		}
		if err := json.Unmarshal(ev.Content(), &content); err == nil && content.HistoryVisibility != "" {
			visibility = content.HistoryVisibility
		}
	}

	if visibility == "world_readable" {
		return true, nil
	}

	// A federation peer is granted visibility if any of its users are
	// joined or invited; we only have a single user-id subject here, so
	// callers checking on behalf of a server pass a representative
	// member's user id (the federation client/queue layer resolves this).
	membership, ok, err := a.Membership(ctx, snapNID, subject)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	switch visibility {
	case "invited":
		return membership == "join" || membership == "invite", nil
	case "joined":
		return membership == "join", nil
	default: // "shared"
		return membership == "join" || membership == "leave" || membership == "ban" || membership == "invite", nil
	}
}
