package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravelmoss/grapevine/internal/storage"
	"github.com/gravelmoss/grapevine/internal/storage/memory"
)

func TestEncodeDecodeUint64RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 42, 1 << 40} {
		got := storage.DecodeUint64(storage.EncodeUint64(v))
		assert.Equal(t, v, got)
	}
}

func TestPduIDOrdering(t *testing.T) {
	// Within a room, pdu_ids must sort by count; across rooms, by
	// short_room_id first — the §5 "total order" guarantee.
	a := storage.PduID(1, 5)
	b := storage.PduID(1, 6)
	c := storage.PduID(2, 1)
	assert.True(t, string(a) < string(b))
	assert.True(t, string(b) < string(c))

	room, count := storage.SplitPduID(b)
	assert.Equal(t, uint64(1), room)
	assert.Equal(t, uint64(6), count)
}

func TestMemoryKVContract(t *testing.T) {
	db := memory.New()
	require.NoError(t, db.Set([]byte("a/1"), []byte("one")))
	require.NoError(t, db.Set([]byte("a/2"), []byte("two")))
	require.NoError(t, db.Set([]byte("b/1"), []byte("nope")))

	var got []string
	require.NoError(t, db.Iterate([]byte("a/"), false, func(k, v []byte) (bool, error) {
		got = append(got, string(v))
		return true, nil
	}))
	assert.Equal(t, []string{"one", "two"}, got)

	got = nil
	require.NoError(t, db.Iterate([]byte("a/"), true, func(k, v []byte) (bool, error) {
		got = append(got, string(v))
		return true, nil
	}))
	assert.Equal(t, []string{"two", "one"}, got)

	require.NoError(t, db.Batch([]storage.Op{
		storage.SetOp([]byte("a/3"), []byte("three")),
		storage.DelOp([]byte("a/1")),
	}))
	_, ok, err := db.Get([]byte("a/1"))
	require.NoError(t, err)
	assert.False(t, ok)
	v, ok, err := db.Get([]byte("a/3"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "three", string(v))
}

func TestWatchNotifiesOnPrefix(t *testing.T) {
	db := memory.New()
	ch, cancel := db.Watch([]byte("room/1/"))
	defer cancel()

	require.NoError(t, db.Set([]byte("room/2/x"), []byte("ignored")))
	require.NoError(t, db.Set([]byte("room/1/x"), []byte("seen")))

	select {
	case key := <-ch:
		assert.Equal(t, "room/1/x", string(key))
	default:
		t.Fatal("expected a notification for the watched prefix")
	}
}

func TestEncodeDecodeInt64RoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 42, -42, 1 << 40, -(1 << 40)} {
		got := storage.DecodeInt64(storage.EncodeInt64(v))
		assert.Equal(t, v, got)
	}
}

func TestEncodeInt64Ordering(t *testing.T) {
	// Negative values must sort before positive ones, and magnitude order
	// must be preserved within each side, under plain byte comparison.
	neg := storage.EncodeInt64(-5)
	negSmaller := storage.EncodeInt64(-1)
	zero := storage.EncodeInt64(0)
	pos := storage.EncodeInt64(5)

	assert.True(t, string(neg) < string(negSmaller))
	assert.True(t, string(negSmaller) < string(zero))
	assert.True(t, string(zero) < string(pos))
}

func TestPduIDSignedOrdering(t *testing.T) {
	// Backfilled (negative) positions must sort before forward-assigned
	// (positive) ones within the same room, matching the timeline's
	// "backfill prepends older events" ordering requirement.
	backfilled := storage.PduIDSigned(1, -2)
	backfilledOlder := storage.PduIDSigned(1, -5)
	forward := storage.PduIDSigned(1, 3)
	otherRoom := storage.PduIDSigned(2, -100)

	assert.True(t, string(backfilledOlder) < string(backfilled))
	assert.True(t, string(backfilled) < string(forward))
	assert.True(t, string(forward) < string(otherRoom))

	room, position := storage.SplitPduIDSigned(backfilled)
	assert.Equal(t, uint64(1), room)
	assert.Equal(t, int64(-2), position)
}
