// Package edu implements the EDU fast-path (spec.md §4.11): typing
// notifications held purely in memory (never persisted — a dead server
// loses in-flight typing state and that's fine) and read receipts persisted
// per (room, count, user) with public/private distinction. Both are served
// to local /sync responses; neither is handed to the sending subsystem
// (C12) as an outbound EDU.
package edu

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gravelmoss/grapevine/internal/counter"
	"github.com/gravelmoss/grapevine/internal/storage"
)

// Typing tracks, per room, which users are currently typing and when that
// expires. Grounded on the "in-memory per-room map user->expires_at" spec.md
// §4.11 describes directly - no KV-backed persistence, by design.
type Typing struct {
	mu     sync.Mutex
	byRoom map[string]map[string]time.Time
	onSet  func(roomID string)
}

func NewTyping(onSet func(roomID string)) *Typing {
	return &Typing{byRoom: make(map[string]map[string]time.Time), onSet: onSet}
}

// Set marks userID as typing in roomID until expires, or clears it
// immediately if typing is false.
func (t *Typing) Set(roomID, userID string, typing bool, timeout time.Duration) {
	t.mu.Lock()
	users, ok := t.byRoom[roomID]
	if !ok {
		users = make(map[string]time.Time)
		t.byRoom[roomID] = users
	}
	if typing {
		users[userID] = time.Now().Add(timeout)
	} else {
		delete(users, userID)
	}
	t.mu.Unlock()

	if t.onSet != nil {
		t.onSet(roomID)
	}
}

// Typers returns the users currently typing in roomID, dropping any whose
// expiry has already passed.
func (t *Typing) Typers(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.byRoom[roomID]
	if !ok {
		return nil
	}
	now := time.Now()
	var out []string
	for userID, expires := range users {
		if now.After(expires) {
			delete(users, userID)
			continue
		}
		out = append(out, userID)
	}
	return out
}

// typingContent is the wire shape of an m.typing ephemeral event.
type typingContent struct {
	UserIDs []string `json:"user_ids"`
}

// Event renders the current typing set for roomID as an m.typing EDU
// content payload, or nil if nobody is typing.
func (t *Typing) Event(roomID string) json.RawMessage {
	users := t.Typers(roomID)
	if len(users) == 0 {
		return nil
	}
	raw, err := json.Marshal(typingContent{UserIDs: users})
	if err != nil {
		return nil
	}
	return raw
}

// Receipt is one persisted read-receipt row.
type Receipt struct {
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	EventID   string `json:"event_id"`
	Type      string `json:"type"` // "m.read" or "m.read.private"
	Count     uint64 `json:"count"`
	Timestamp int64  `json:"ts"`
}

func (r Receipt) public() bool { return r.Type != "m.read.private" }

// Receipts persists read receipts keyed by (room, count, user) so
// "receipts since count X" is a prefix-bounded range scan.
type Receipts struct {
	kv      storage.KV
	counter *counter.Counter
}

func NewReceipts(kv storage.KV, c *counter.Counter) *Receipts {
	return &Receipts{kv: kv, counter: c}
}

// Set records userID's receipt for eventID in roomID, stamping it with a
// fresh global count so it can be queried by "since".
func (r *Receipts) Set(roomID, userID, eventID, receiptType string) (Receipt, error) {
	count, err := r.counter.Next()
	if err != nil {
		return Receipt{}, err
	}
	rec := Receipt{
		RoomID:    roomID,
		UserID:    userID,
		EventID:   eventID,
		Type:      receiptType,
		Count:     count,
		Timestamp: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Receipt{}, err
	}
	if err := r.kv.Set(receiptKeyBytes(roomID, count, userID), raw); err != nil {
		return Receipt{}, err
	}
	return rec, nil
}

func receiptKeyBytes(roomID string, count uint64, userID string) []byte {
	key := append([]byte("edu/receipt/"+roomID+"/"), storage.EncodeUint64(count)...)
	return append(key, []byte("/"+userID)...)
}

// Since returns every receipt recorded in roomID with count > since,
// matching spec.md §4.9 step 6's "read receipts since since".
func (r *Receipts) Since(roomID string, since uint64) ([]Receipt, error) {
	prefix := []byte("edu/receipt/" + roomID + "/")
	var out []Receipt
	err := r.kv.Iterate(prefix, false, func(key, value []byte) (bool, error) {
		var rec Receipt
		if err := json.Unmarshal(value, &rec); err != nil {
			return true, nil
		}
		if rec.Count > since {
			out = append(out, rec)
		}
		return true, nil
	})
	return out, err
}

// PublicOnly filters receipts to the ones visible in a room's shared
// m.receipt EDU (private receipts are only ever returned to their own
// owner, which the caller enforces before rendering).
func PublicOnly(in []Receipt) []Receipt {
	out := make([]Receipt, 0, len(in))
	for _, r := range in {
		if r.public() {
			out = append(out, r)
		}
	}
	return out
}
