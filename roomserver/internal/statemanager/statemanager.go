// Package statemanager implements the state manager (C10): the
// current-state pointer per room and the forward-extremity set (spec.md §2,
// §3 "Forward extremities").
package statemanager

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gravelmoss/grapevine/internal/storage"
	"github.com/gravelmoss/grapevine/roomserver/internal/shortid"
)

func infoKey(roomID string) []byte { return []byte("room/info/" + roomID) }
func extremitiesKey(roomNID shortid.RoomNID) []byte {
	return append([]byte("room/extremities/"), storage.EncodeUint64(uint64(roomNID))...)
}
func currentStateKey(roomNID shortid.RoomNID) []byte {
	return append([]byte("room/currentstate/"), storage.EncodeUint64(uint64(roomNID))...)
}

// RoomInfo is the persistent metadata record for a room: its short-id, its
// room ID, and the room version (fixes auth-rule and event-id-format
// behavior for every event in it).
type RoomInfo struct {
	RoomNID     shortid.RoomNID
	RoomID      string
	RoomVersion string
}

// PrevEventsLookup lets the extremity-recompute step walk prev_events edges
// without this package depending on the timeline's storage directly.
type PrevEventsLookup interface {
	PrevEventIDs(ctx context.Context, eventID string) (ids []string, ok bool, err error)
}

// Manager is C10.
type Manager struct {
	kv    storage.KV
	ids   *shortid.Interner
	prevs PrevEventsLookup
}

func New(kv storage.KV, ids *shortid.Interner, prevs PrevEventsLookup) *Manager {
	return &Manager{kv: kv, ids: ids, prevs: prevs}
}

// EnsureRoom returns the RoomInfo for roomID, creating a fresh one (with a
// newly-allocated RoomNID) if this is the first time the room is seen.
func (m *Manager) EnsureRoom(roomID, roomVersion string) (*RoomInfo, error) {
	existing, err := m.RoomInfo(roomID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	nid, err := m.ids.RoomNID(roomID)
	if err != nil {
		return nil, err
	}
	info := &RoomInfo{RoomNID: nid, RoomID: roomID, RoomVersion: roomVersion}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := m.kv.Set(infoKey(roomID), raw); err != nil {
		return nil, err
	}
	return info, nil
}

func (m *Manager) RoomInfo(roomID string) (*RoomInfo, error) {
	raw, ok, err := m.kv.Get(infoKey(roomID))
	if err != nil || !ok {
		return nil, err
	}
	var info RoomInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CurrentStateSnapshot returns the room's current short-state-hash, or 0 if
// the room has no state yet.
func (m *Manager) CurrentStateSnapshot(roomNID shortid.RoomNID) (shortid.StateSnapNID, error) {
	raw, ok, err := m.kv.Get(currentStateKey(roomNID))
	if err != nil || !ok {
		return 0, err
	}
	return shortid.StateSnapNID(storage.DecodeUint64(raw)), nil
}

// SetCurrentState force-sets the room's current short-state-hash (spec.md
// §4.5 step 14: "force-set the room's current short-state-hash").
func (m *Manager) SetCurrentState(roomNID shortid.RoomNID, snapNID shortid.StateSnapNID) error {
	return m.kv.Set(currentStateKey(roomNID), storage.EncodeUint64(uint64(snapNID)))
}

// ForwardExtremities returns the room's current forward-extremity set.
func (m *Manager) ForwardExtremities(roomNID shortid.RoomNID) ([]string, error) {
	raw, ok, err := m.kv.Get(extremitiesKey(roomNID))
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (m *Manager) setForwardExtremities(roomNID shortid.RoomNID, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return m.kv.Set(extremitiesKey(roomNID), raw)
}

// maxAncestryWalk bounds the transitive prev_events walk used to prune
// stale extremities; rooms with pathological fan-in stop being pruned
// perfectly past this bound rather than stalling the writer indefinitely.
const maxAncestryWalk = 10_000

// RecomputeExtremities implements spec.md §4.5 step 13: start from the
// current extremities, remove any listed in the new event's prev_events,
// ensure no remaining (or newly added) extremity is already transitively
// referenced by another member of the set, and — unless softFailed — add
// the new event itself.
func (m *Manager) RecomputeExtremities(ctx context.Context, roomNID shortid.RoomNID, newEventID string, prevEventIDs []string, softFailed bool) ([]string, error) {
	current, err := m.ForwardExtremities(roomNID)
	if err != nil {
		return nil, err
	}

	superseded := map[string]struct{}{}
	for _, id := range prevEventIDs {
		superseded[id] = struct{}{}
	}

	candidate := make([]string, 0, len(current)+1)
	for _, id := range current {
		if _, gone := superseded[id]; !gone {
			candidate = append(candidate, id)
		}
	}
	if !softFailed {
		candidate = append(candidate, newEventID)
	}
	candidate = dedupe(candidate)

	pruned, err := m.pruneTransitivelyReferenced(ctx, candidate)
	if err != nil {
		return nil, err
	}
	if err := m.setForwardExtremities(roomNID, pruned); err != nil {
		return nil, err
	}
	return pruned, nil
}

// pruneTransitivelyReferenced drops any event in candidate that is reachable
// via prev_events from another event in candidate — spec.md §8's invariant
// that forward_extremities contains no event referenced, transitively, by
// another member of the set.
func (m *Manager) pruneTransitivelyReferenced(ctx context.Context, candidate []string) ([]string, error) {
	ancestorsOf := func(start string) (map[string]struct{}, error) {
		visited := map[string]struct{}{}
		queue := []string{start}
		for len(queue) > 0 && len(visited) < maxAncestryWalk {
			id := queue[0]
			queue = queue[1:]
			prevs, ok, err := m.prevs.PrevEventIDs(ctx, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			for _, p := range prevs {
				if _, seen := visited[p]; !seen {
					visited[p] = struct{}{}
					queue = append(queue, p)
				}
			}
		}
		return visited, nil
	}

	referenced := map[string]struct{}{}
	for _, id := range candidate {
		ancestors, err := ancestorsOf(id)
		if err != nil {
			return nil, fmt.Errorf("pruneTransitivelyReferenced: %w", err)
		}
		for _, other := range candidate {
			if other == id {
				continue
			}
			if _, isAncestor := ancestors[other]; isAncestor {
				referenced[other] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(candidate))
	for _, id := range candidate {
		if _, pruned := referenced[id]; !pruned {
			out = append(out, id)
		}
	}
	return out, nil
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
