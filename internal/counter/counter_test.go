package counter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravelmoss/grapevine/internal/counter"
	"github.com/gravelmoss/grapevine/internal/storage/memory"
)

func TestNextAdvancesMonotonically(t *testing.T) {
	c, err := counter.New(memory.New())
	require.NoError(t, err)

	v1, err := c.Next()
	require.NoError(t, err)
	v2, err := c.Next()
	require.NoError(t, err)

	assert.Equal(t, uint64(1), v1)
	assert.Equal(t, uint64(2), v2)
	assert.Equal(t, v2, c.Current())
}

func TestNewResumesFromPersistedValue(t *testing.T) {
	kv := memory.New()
	first, err := counter.New(kv)
	require.NoError(t, err)
	_, err = first.Next()
	require.NoError(t, err)
	_, err = first.Next()
	require.NoError(t, err)

	second, err := counter.New(kv)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Current())

	v3, err := second.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v3)
}

func TestCurrentWithoutNextIsZero(t *testing.T) {
	c, err := counter.New(memory.New())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Current())
}
