// Package types holds the request/response shapes the sync engine (C13)
// works with, kept separate from syncengine itself so the federation side
// (which only needs e.g. event shapes, never filters) doesn't pull in sync
// semantics. Filter mirrors the relevant subset of the Matrix filter JSON
// object: spec.md §4.9 step 1's "up to a filter-specified limit (default 10,
// max 100)" and the lazy-load-members flag carried through steps 3 and 6.
package types

// DefaultTimelineLimit and MaxTimelineLimit bound how many timeline PDUs a
// single room contributes to one /sync response (spec.md §4.9 step 1).
// Grounded on original_source/src/utils/filter.rs's load_limit doubling
// the caller's limit as an internal over-fetch guard; the values
// themselves are Matrix's own client-server filter defaults.
const (
	DefaultTimelineLimit = 10
	MaxTimelineLimit     = 100
)

// RoomEventFilter narrows which events a filter section admits by type
// (TypeAllowed); Senders and NotSenders are decoded but not applied (the
// rooms/not_rooms pair is handled by the
// caller, which already knows which room it's building a response for).
// Mirrors gomatrixserverlib/synctypes.RoomEventFilter's field names.
type RoomEventFilter struct {
	Limit                   int      `json:"limit,omitempty"`
	Types                   []string `json:"types,omitempty"`
	NotTypes                []string `json:"not_types,omitempty"`
	Senders                 []string `json:"senders,omitempty"`
	NotSenders              []string `json:"not_senders,omitempty"`
	LazyLoadMembers         bool     `json:"lazy_load_members,omitempty"`
	IncludeRedundantMembers bool     `json:"include_redundant_members,omitempty"`
}

// EffectiveLimit clamps an unset or out-of-range limit to the default/max
// (spec.md §4.9 step 1).
func (f RoomEventFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultTimelineLimit
	case f.Limit > MaxTimelineLimit:
		return MaxTimelineLimit
	default:
		return f.Limit
	}
}

// RoomFilter is the filter.room subsection: per-category event filters plus
// the top-level rooms/not_rooms allowlist, which the sync engine consults
// before doing any per-room work so a rejected room costs nothing.
type RoomFilter struct {
	Rooms     []string        `json:"rooms,omitempty"`
	NotRooms  []string        `json:"not_rooms,omitempty"`
	Timeline  RoomEventFilter `json:"timeline,omitempty"`
	State     RoomEventFilter `json:"state,omitempty"`
	Ephemeral RoomEventFilter `json:"ephemeral,omitempty"`
}

// Filter is a client-supplied filter definition, either inline JSON on the
// /sync request or a previously-uploaded filter resolved by id (resolution
// itself is a client-api concern, out of scope per spec.md §1).
type Filter struct {
	Room RoomFilter `json:"room,omitempty"`
}

// DefaultFilter is used when a /sync request supplies no filter at all.
func DefaultFilter() Filter {
	return Filter{Room: RoomFilter{Timeline: RoomEventFilter{Limit: DefaultTimelineLimit}}}
}

// RoomAllowed reports whether roomID passes the top-level rooms/not_rooms
// allow/deny pair, matching original_source/src/utils/filter.rs's
// AllowDenyList semantics: an explicit allowlist takes precedence subject to
// the denylist, which always wins on overlap.
func (f RoomFilter) RoomAllowed(roomID string) bool {
	for _, deny := range f.NotRooms {
		if deny == roomID {
			return false
		}
	}
	if len(f.Rooms) == 0 {
		return true
	}
	for _, allow := range f.Rooms {
		if allow == roomID {
			return true
		}
	}
	return false
}

// TypeAllowed reports whether an event type passes a types/not_types pair.
// Matrix filter type lists support a trailing '*' wildcard prefix match,
// per original_source/src/utils/filter.rs's wildcard_to_regex.
func (f RoomEventFilter) TypeAllowed(eventType string) bool {
	for _, deny := range f.NotTypes {
		if wildcardMatch(deny, eventType) {
			return false
		}
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, allow := range f.Types {
		if wildcardMatch(allow, eventType) {
			return true
		}
	}
	return false
}

func wildcardMatch(pattern, value string) bool {
	if idx := indexOfStar(pattern); idx >= 0 {
		return len(value) >= idx && value[:idx] == pattern[:idx]
	}
	return pattern == value
}

func indexOfStar(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '*' {
			return i
		}
	}
	return -1
}
