package types

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib"
)

// ClientEvent is the client-server event shape returned from /sync: a
// subset of the PDU's own fields, with unsigned data (prev_content,
// prev_sender) carried through rather than the federation-only envelope
// fields (auth_events, prev_events, hashes, signatures).
type ClientEvent struct {
	Content        json.RawMessage             `json:"content"`
	EventID        string                      `json:"event_id"`
	OriginServerTS gomatrixserverlib.Timestamp `json:"origin_server_ts"`
	RoomID         string                      `json:"room_id,omitempty"`
	Sender         string                      `json:"sender"`
	StateKey       *string                     `json:"state_key,omitempty"`
	Type           string                      `json:"type"`
	Unsigned       json.RawMessage             `json:"unsigned,omitempty"`
}

// ToClientEvent strips a stored PDU down to its client-facing fields.
func ToClientEvent(ev *gomatrixserverlib.HeaderedEvent) ClientEvent {
	event := ev.Unwrap()
	ce := ClientEvent{
		Content:        json.RawMessage(event.Content()),
		EventID:        event.EventID(),
		OriginServerTS: event.OriginServerTS(),
		RoomID:         event.RoomID(),
		Sender:         string(event.Sender()),
		StateKey:       event.StateKey(),
		Type:           event.Type(),
	}
	if unsigned := event.Unsigned(); len(unsigned) > 0 {
		ce.Unsigned = json.RawMessage(unsigned)
	}
	return ce
}
