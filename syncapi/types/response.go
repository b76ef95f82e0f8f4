package types

import (
	"fmt"
	"strconv"
)

// StreamingToken is a since/next_batch token: the global monotonic count at
// which a sync snapshot was taken (spec.md §4.9's "since (last batch token,
// a monotonic count)").
type StreamingToken uint64

func (t StreamingToken) String() string { return strconv.FormatUint(uint64(t), 10) }

// ParseStreamingToken parses a next_batch/since value. An empty string is
// the zero token (full initial sync).
func ParseStreamingToken(s string) (StreamingToken, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("types: invalid streaming token %q: %w", s, err)
	}
	return StreamingToken(v), nil
}

// State is the set of state events dumped alongside a room's timeline.
type State struct {
	Events []ClientEvent `json:"events"`
}

// Timeline is a room's timeline delta.
type Timeline struct {
	Events    []ClientEvent `json:"events"`
	Limited   bool          `json:"limited"`
	PrevBatch string        `json:"prev_batch,omitempty"`
}

// Ephemeral carries receipts and typing for one room.
type Ephemeral struct {
	Events []ClientEvent `json:"events"`
}

// UnreadNotificationCounts is attached per room; push-evaluation itself is
// internal/push's concern, this only carries the counts through.
type UnreadNotificationCounts struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

// JoinedRoom is one room's entry under response.rooms.join.
type JoinedRoom struct {
	State               State                    `json:"state"`
	Timeline            Timeline                 `json:"timeline"`
	Ephemeral           Ephemeral                `json:"ephemeral"`
	Summary             RoomSummary              `json:"summary"`
	UnreadNotifications UnreadNotificationCounts `json:"unread_notifications"`
}

// RoomSummary is spec.md §4.9 step 4's "counts (joined, invited, heroes)".
type RoomSummary struct {
	Heroes             []string `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int     `json:"m.invited_member_count,omitempty"`
}

// InvitedRoom is one room's entry under response.rooms.invite: just the
// stripped state needed to render an invite, per the Matrix spec.
type InvitedRoom struct {
	InviteState State `json:"invite_state"`
}

// LeftRoom is one room's entry under response.rooms.leave.
type LeftRoom struct {
	State    State    `json:"state"`
	Timeline Timeline `json:"timeline"`
}

// DeviceLists tracks which users' device lists changed or became
// unreachable since the last sync (spec.md §4.9 step 5).
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// Response is the full /sync v3 response body.
type Response struct {
	NextBatch   string      `json:"next_batch"`
	Rooms       Rooms       `json:"rooms"`
	DeviceLists DeviceLists `json:"device_lists,omitempty"`
}

// Rooms partitions a sync response by the requester's membership.
type Rooms struct {
	Join   map[string]JoinedRoom  `json:"join,omitempty"`
	Invite map[string]InvitedRoom `json:"invite,omitempty"`
	Leave  map[string]LeftRoom    `json:"leave,omitempty"`
}

// IsEmpty reports whether a response carries nothing a client hasn't
// already seen, per spec.md §4.9's "if the aggregated response is empty ...
// the request waits".
func (r Response) IsEmpty() bool {
	return len(r.Rooms.Join) == 0 && len(r.Rooms.Invite) == 0 && len(r.Rooms.Leave) == 0 &&
		len(r.DeviceLists.Changed) == 0 && len(r.DeviceLists.Left) == 0
}
