package roomlock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravelmoss/grapevine/internal/roomlock"
)

func TestLockIsExclusivePerRoom(t *testing.T) {
	m := roomlock.NewManager()
	unlock, err := m.Lock(context.Background(), roomlock.KindState, "!room:example.org")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := m.Lock(context.Background(), roomlock.KindState, "!room:example.org")
		if err == nil {
			u()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same room acquired while first holder still holds it")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after release")
	}
}

func TestLockKindsAreIndependent(t *testing.T) {
	m := roomlock.NewManager()
	unlockState, err := m.Lock(context.Background(), roomlock.KindState, "!room:example.org")
	require.NoError(t, err)
	defer unlockState()

	unlockInsert, err := m.Lock(context.Background(), roomlock.KindInsert, "!room:example.org")
	require.NoError(t, err)
	unlockInsert()
}

func TestLockDifferentRoomsAreIndependent(t *testing.T) {
	m := roomlock.NewManager()
	unlock1, err := m.Lock(context.Background(), roomlock.KindState, "!room1:example.org")
	require.NoError(t, err)
	defer unlock1()

	unlock2, err := m.Lock(context.Background(), roomlock.KindState, "!room2:example.org")
	require.NoError(t, err)
	unlock2()
}

func TestLockRespectsContextCancellation(t *testing.T) {
	m := roomlock.NewManager()
	unlock, err := m.Lock(context.Background(), roomlock.KindFederation, "!room:example.org")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, roomlock.KindFederation, "!room:example.org")
	assert.Error(t, err)
}

func TestLockStateResSerializesAcrossRooms(t *testing.T) {
	m := roomlock.NewManager()
	unlock := m.LockStateRes()

	acquired := make(chan struct{})
	go func() {
		u := m.LockStateRes()
		u()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("LockStateRes acquired concurrently")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("LockStateRes never acquired after release")
	}
}
