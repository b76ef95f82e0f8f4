package authchain_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravelmoss/grapevine/roomserver/internal/authchain"
)

type fakeLookup struct {
	edges map[string][]string
	calls int
}

func (f *fakeLookup) AuthEventIDs(_ context.Context, eventID string) ([]string, bool, error) {
	f.calls++
	ids, ok := f.edges[eventID]
	return ids, ok, nil
}

// Graph: message <- create, power_levels, member
//        member <- create, power_levels
//        power_levels <- create
func newFakeRoomGraph() *fakeLookup {
	return &fakeLookup{edges: map[string][]string{
		"$create":       {},
		"$power_levels": {"$create"},
		"$member":       {"$create", "$power_levels"},
		"$message":      {"$create", "$power_levels", "$member"},
	}}
}

func TestGetAuthChainTransitiveClosure(t *testing.T) {
	lookup := newFakeRoomGraph()
	r, err := authchain.New(lookup)
	require.NoError(t, err)

	chain, err := r.GetAuthChain(context.Background(), []string{"$message"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"$message", "$member", "$power_levels", "$create"}, keys(chain))
}

func TestMemoizationAvoidsRepeatedLookups(t *testing.T) {
	lookup := newFakeRoomGraph()
	r, err := authchain.New(lookup)
	require.NoError(t, err)

	_, err = r.GetAuthChain(context.Background(), []string{"$message"})
	require.NoError(t, err)
	firstCalls := lookup.calls

	_, err = r.GetAuthChain(context.Background(), []string{"$message"})
	require.NoError(t, err)
	assert.Equal(t, firstCalls, lookup.calls, "second call with the same starting set must hit the memo cache")
}

func TestCyclicAuthEventsDoesNotLoopForever(t *testing.T) {
	lookup := &fakeLookup{edges: map[string][]string{
		"$a": {"$b"},
		"$b": {"$a"},
	}}
	r, err := authchain.New(lookup)
	require.NoError(t, err)

	chain, err := r.GetAuthChain(context.Background(), []string{"$a"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"$a", "$b"}, keys(chain))
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
