// Package stateres implements the state-resolution wrapper (§4.7): a thin,
// serialized entry point over gomatrixserverlib's state-resolution v2
// algorithm, grounded on dendrite's federationapi txnReq.lookupStateAfterEvent
// (the actual conflict-resolution algorithm is Matrix-spec-mandated and lives
// in gomatrixserverlib, not reimplemented here).
package stateres

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/gravelmoss/grapevine/internal/roomlock"
)

// Resolver is §4.7. Every call to Resolve is serialized behind the global
// state-resolution mutex (spec.md §5: stateres runs under a single global
// lock, never per-room, because the algorithm has no natural room-sharding
// boundary once conflicting state from multiple rooms can be in flight).
type Resolver struct {
	locks *roomlock.Manager
}

func New(locks *roomlock.Manager) *Resolver {
	return &Resolver{locks: locks}
}

// Resolve computes the resolved state for a set of conflicting state events
// given their full auth-event context, per the room version's conflict
// resolution algorithm (v1 for room versions 1-2, v2 thereafter -
// gomatrixserverlib.ResolveConflicts dispatches on roomVersion internally).
func (r *Resolver) Resolve(ctx context.Context, roomVersion gomatrixserverlib.RoomVersion, conflictedStateSets []gomatrixserverlib.Event, authEvents []gomatrixserverlib.Event) ([]gomatrixserverlib.Event, error) {
	unlock := r.locks.LockStateRes()
	defer unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return gomatrixserverlib.ResolveConflicts(roomVersion, conflictedStateSets, authEvents)
}
