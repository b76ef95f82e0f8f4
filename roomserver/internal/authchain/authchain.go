// Package authchain implements the auth-chain resolver (C4): the transitive
// closure of an event's auth_events edges, memoized per starting set
// (spec.md §4.3).
package authchain

import (
	"context"
	"sort"
	"strings"

	"github.com/dgraph-io/ristretto"
)

// Lookup is the storage-facing dependency: given an event_id, return the
// event_ids it lists in auth_events. ok=false means the event is unknown to
// this server (the BFS simply stops at that frontier; callers higher up the
// pipeline are responsible for fetching missing auth events over
// federation before re-invoking resolution).
type Lookup interface {
	AuthEventIDs(ctx context.Context, eventID string) (ids []string, ok bool, err error)
}

// Resolver is C4. The cache is a bounded LRU keyed by the sorted,
// newline-joined starting event-id set — compact enough in practice and
// avoids coupling this package to the short-id interner.
type Resolver struct {
	lookup Lookup
	cache  *ristretto.Cache
}

func New(lookup Lookup) (*Resolver, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Resolver{lookup: lookup, cache: cache}, nil
}

func cacheKey(startingEventIDs []string) string {
	sorted := append([]string(nil), startingEventIDs...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\n")
}

// GetAuthChain computes the transitive closure of auth_events reachable
// from startingEventIDs, via BFS into storage on a cache miss. The result
// includes the starting events themselves (the auth chain of a set
// conventionally includes the set).
func (r *Resolver) GetAuthChain(ctx context.Context, startingEventIDs []string) (map[string]struct{}, error) {
	key := cacheKey(startingEventIDs)
	if v, ok := r.cache.Get(key); ok {
		return cloneSet(v.(map[string]struct{})), nil
	}

	visited := map[string]struct{}{}
	queue := append([]string(nil), startingEventIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		authIDs, ok, err := r.lookup.AuthEventIDs(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, a := range authIDs {
			if _, seen := visited[a]; !seen {
				queue = append(queue, a)
			}
		}
	}

	r.cache.Set(key, cloneSet(visited), int64(len(visited)))
	r.cache.Wait()
	return visited, nil
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
