// Package adminbot implements the admin-room command dispatch spec.md
// §4.8 step 9 hands off to ("dispatch... to the admin-bot command
// processor"). Grounded on original_source/src/service/admin.rs's
// Service/Command split, trimmed from its full clap-subcommand surface
// (server/rooms/users/appservices, each with many variants) down to the
// three commands SPEC_FULL.md names: list-rooms, list-users,
// clear-sync-tokens — the rest of admin.rs's surface belongs to
// userapi/appservice/clientapi, out of this core's scope per spec.md §1.
package adminbot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gravelmoss/grapevine/internal/storage"
)

// Dispatcher executes admin commands against the room's own stored state,
// mirroring admin.rs's Service but synchronous (the core has no admin-room
// event-posting surface of its own; a caller owning one can post the
// returned string as an m.room.message).
type Dispatcher struct {
	kv storage.KV
}

func New(kv storage.KV) *Dispatcher {
	return &Dispatcher{kv: kv}
}

// Handler is one named command. Args is the command line split on
// whitespace after the command name, mirroring admin.rs's clap::Parser
// input but without a full argument grammar.
type Handler func(d *Dispatcher, ctx context.Context, args []string) (string, error)

var registry = map[string]Handler{
	"list-rooms":        (*Dispatcher).listRooms,
	"list-users":        (*Dispatcher).listUsers,
	"clear-sync-tokens": (*Dispatcher).clearSyncTokens,
}

// Execute parses a "!admin <command> [args...]" message body and runs the
// matching handler, matching admin.rs's process_admin_message entry point.
func (d *Dispatcher) Execute(ctx context.Context, body string) (string, error) {
	body = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(body), "!admin"))
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return d.help(), nil
	}
	h, ok := registry[fields[0]]
	if !ok {
		return "", fmt.Errorf("adminbot: unknown command %q", fields[0])
	}
	return h(d, ctx, fields[1:])
}

func (d *Dispatcher) help() string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return "available commands: " + strings.Join(names, ", ")
}

const (
	roomFwdPrefix    = "shortid/rm/f/"
	membershipPrefix = "sync/membership/"
	roomSnapPrefix   = "sync/roomsnap/"
)

// listRooms enumerates every room the short-id interner has ever assigned
// a RoomNID to, per admin.rs rooms::Command's "list all rooms known to the
// server" behavior.
func (d *Dispatcher) listRooms(ctx context.Context, args []string) (string, error) {
	var rooms []string
	err := d.kv.Iterate([]byte(roomFwdPrefix), false, func(key, value []byte) (bool, error) {
		rooms = append(rooms, string(key[len(roomFwdPrefix):]))
		return true, nil
	})
	if err != nil {
		return "", fmt.Errorf("adminbot: list-rooms: %w", err)
	}
	if len(rooms) == 0 {
		return "no rooms known", nil
	}
	sort.Strings(rooms)
	return fmt.Sprintf("%d room(s):\n%s", len(rooms), strings.Join(rooms, "\n")), nil
}

// listUsers enumerates every user_id that has ever appeared as the target
// of a membership index entry. The core carries no standalone account
// registry (that lives in userapi, out of scope), so membership history is
// the closest available proxy for "users known to the server" — admin.rs's
// equivalent walks a dedicated accounts table this core doesn't have.
func (d *Dispatcher) listUsers(ctx context.Context, args []string) (string, error) {
	seen := make(map[string]struct{})
	err := d.kv.Iterate([]byte(membershipPrefix), false, func(key, value []byte) (bool, error) {
		rest := key[len(membershipPrefix):]
		if i := indexOfNUL(rest); i >= 0 {
			seen[string(rest[:i])] = struct{}{}
		}
		return true, nil
	})
	if err != nil {
		return "", fmt.Errorf("adminbot: list-users: %w", err)
	}
	if len(seen) == 0 {
		return "no users known", nil
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return fmt.Sprintf("%d user(s):\n%s", len(users), strings.Join(users, "\n")), nil
}

// clearSyncTokens deletes every persisted (room, token) -> state-snapshot
// mapping the sync engine uses to distinguish incremental from initial
// sync (spec.md §4.9 step 2), forcing every client's next /sync to take
// the initial-sync branch. Matches admin.rs's
// "reset-sync-tokens"-style maintenance commands that force clients to
// resync from scratch after a data-integrity concern.
func (d *Dispatcher) clearSyncTokens(ctx context.Context, args []string) (string, error) {
	var keys [][]byte
	err := d.kv.Iterate([]byte(roomSnapPrefix), false, func(key, value []byte) (bool, error) {
		keys = append(keys, append([]byte(nil), key...))
		return true, nil
	})
	if err != nil {
		return "", fmt.Errorf("adminbot: clear-sync-tokens: %w", err)
	}
	if len(keys) == 0 {
		return "no sync tokens to clear", nil
	}
	ops := make([]storage.Op, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, storage.DelOp(k))
	}
	if err := d.kv.Batch(ops); err != nil {
		return "", fmt.Errorf("adminbot: clear-sync-tokens: %w", err)
	}
	return fmt.Sprintf("cleared %d sync token(s)", len(keys)), nil
}

func indexOfNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
