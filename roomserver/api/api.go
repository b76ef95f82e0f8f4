// Package api is the contract the event-processing pipeline (C8/C9/C10)
// exposes to its callers — the federation API's inbound transaction handler
// and the client API's send-event path, both out of scope per spec.md §1.
// It mirrors dendrite's roomserver/api split between input shapes and the
// Kind enum so that history-derived events (backfill), brand-new events, and
// not-yet-linked outliers all flow through the same entry point.
package api

import "github.com/matrix-org/gomatrixserverlib"

// Kind selects which of spec.md §4.5's branches processRoomEvent takes.
type Kind int

const (
	// KindOutlier: validated but not part of the live timeline (§4.5 steps
	// 0-7 only; stop after storing).
	KindOutlier Kind = iota
	// KindNew: a newly-arrived timeline event, local or federated (§4.5
	// full pipeline, steps 8-15).
	KindNew
	// KindOld: a backfilled historical event prepended to the timeline
	// (spec.md §4.8 "Backfill").
	KindOld
)

func (k Kind) String() string {
	switch k {
	case KindOutlier:
		return "outlier"
	case KindNew:
		return "new"
	case KindOld:
		return "old"
	default:
		return "unknown"
	}
}

// InputRoomEvent is one unit of work for the event handler (C8).
type InputRoomEvent struct {
	Kind Kind
	// Event is the PDU itself, already parsed and room-versioned.
	Event *gomatrixserverlib.HeaderedEvent
	// Origin is the server that delivered this event to us, empty for
	// locally-created events.
	Origin gomatrixserverlib.ServerName
	// HasState is set when the caller already knows the state at this
	// event (e.g. federated join via /send_join) and StateEventIDs names
	// it; in that case C8 skips prev-event state calculation (spec.md §9
	// open question: join_room_by_id_helper's two branches are treated as
	// exclusive here).
	HasState      bool
	StateEventIDs []string
	// SendAsServer, if non-empty, overrides which server identity new
	// outbound federation traffic for this event is sent as (used for
	// rejoining rooms the local server briefly left).
	SendAsServer string
	// TransactionID de-duplicates a client's locally-created event against
	// its own retry.
	TransactionID string
}

// OutputType labels an OutputEvent emitted once a room event has been fully
// processed, for downstream notification/fan-out.
type OutputType int

const (
	OutputTypeNewRoomEvent OutputType = iota
	OutputTypeOldRoomEvent
	OutputTypeRedactedEvent
	OutputTypeNewInviteEvent
)

type OutputEvent struct {
	Type           OutputType
	NewRoomEvent   *OutputNewRoomEvent
	OldRoomEvent   *OutputOldRoomEvent
	RedactedEvent  *OutputRedactedEvent
	NewInviteEvent *OutputNewInviteEvent
}

type OutputNewRoomEvent struct {
	Event                *gomatrixserverlib.HeaderedEvent
	RewritesState        bool
	AddsStateEventIDs    []string
	RemovesStateEventIDs []string
	TransactionID        *string
}

type OutputOldRoomEvent struct {
	Event *gomatrixserverlib.HeaderedEvent
}

type OutputRedactedEvent struct {
	RedactedEventID string
	RedactedBecause *gomatrixserverlib.HeaderedEvent
}

type OutputNewInviteEvent struct {
	Event *gomatrixserverlib.HeaderedEvent
}
