package ondemand_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravelmoss/grapevine/internal/ondemand"
)

func TestGetCreatesOnceAndCleansUpOnLastRelease(t *testing.T) {
	creates := 0
	m := ondemand.NewMap(func(key string) int {
		creates++
		return len(key)
	})

	tok1 := m.Get("room-a")
	tok2 := m.Get("room-a")
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, tok1.Value(), tok2.Value())

	tok1.Release()
	assert.Equal(t, 1, m.Len(), "entry must survive while tok2 is live")

	tok2.Release()
	assert.Equal(t, 0, m.Len(), "entry must be cleaned up once unreferenced")

	tok3 := m.Get("room-a")
	require.Equal(t, 2, creates, "a fresh Get after full release must create anew")
	tok3.Release()
}

func TestDistinctKeysAreIndependent(t *testing.T) {
	m := ondemand.NewMap(func(key string) string { return "v:" + key })
	a := m.Get("a")
	b := m.Get("b")
	assert.Equal(t, 2, m.Len())
	assert.NotEqual(t, a.Value(), b.Value())
	a.Release()
	b.Release()
	assert.Equal(t, 0, m.Len())
}
