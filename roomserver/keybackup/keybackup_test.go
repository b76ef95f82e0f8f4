package keybackup_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravelmoss/grapevine/internal/storage/memory"
	"github.com/gravelmoss/grapevine/roomserver/keybackup"
)

func TestCreateBackupBecomesLatest(t *testing.T) {
	svc := keybackup.New(memory.New())

	v1, err := svc.CreateBackup("@alice:example.org", "m.megolm_backup.v1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "1", v1)

	latest, ok, err := svc.GetLatestBackupVersion("@alice:example.org")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v1, latest)

	v2, err := svc.CreateBackup("@alice:example.org", "m.megolm_backup.v1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "2", v2)

	latest, ok, err = svc.GetLatestBackupVersion("@alice:example.org")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v2, latest)
}

func TestAddKeyAndRetrieve(t *testing.T) {
	svc := keybackup.New(memory.New())
	version, err := svc.CreateBackup("@bob:example.org", "m.megolm_backup.v1", json.RawMessage(`{}`))
	require.NoError(t, err)

	keyData := json.RawMessage(`{"first_message_index":0,"session_data":"abc"}`)
	require.NoError(t, svc.AddKey("@bob:example.org", version, "!room:example.org", "sessionA", keyData))

	got, ok, err := svc.GetSession("@bob:example.org", version, "!room:example.org", "sessionA")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(keyData), string(got))

	count, err := svc.CountKeys("@bob:example.org", version)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEtagAdvancesOnMutation(t *testing.T) {
	svc := keybackup.New(memory.New())
	version, err := svc.CreateBackup("@carol:example.org", "m.megolm_backup.v1", json.RawMessage(`{}`))
	require.NoError(t, err)

	first, err := svc.GetEtag("@carol:example.org", version)
	require.NoError(t, err)

	require.NoError(t, svc.AddKey("@carol:example.org", version, "!room:example.org", "s1", json.RawMessage(`{}`)))

	second, err := svc.GetEtag("@carol:example.org", version)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestGetAllGroupsByRoom(t *testing.T) {
	svc := keybackup.New(memory.New())
	version, err := svc.CreateBackup("@dave:example.org", "m.megolm_backup.v1", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, svc.AddKey("@dave:example.org", version, "!room1:example.org", "s1", json.RawMessage(`{"v":1}`)))
	require.NoError(t, svc.AddKey("@dave:example.org", version, "!room1:example.org", "s2", json.RawMessage(`{"v":2}`)))
	require.NoError(t, svc.AddKey("@dave:example.org", version, "!room2:example.org", "s3", json.RawMessage(`{"v":3}`)))

	all, err := svc.GetAll("@dave:example.org", version)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Len(t, all["!room1:example.org"], 2)
	assert.Len(t, all["!room2:example.org"], 1)
}

func TestDeleteRoomKeysScopesToRoom(t *testing.T) {
	svc := keybackup.New(memory.New())
	version, err := svc.CreateBackup("@erin:example.org", "m.megolm_backup.v1", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, svc.AddKey("@erin:example.org", version, "!room1:example.org", "s1", json.RawMessage(`{}`)))
	require.NoError(t, svc.AddKey("@erin:example.org", version, "!room2:example.org", "s2", json.RawMessage(`{}`)))

	require.NoError(t, svc.DeleteRoomKeys("@erin:example.org", version, "!room1:example.org"))

	room1, err := svc.GetRoom("@erin:example.org", version, "!room1:example.org")
	require.NoError(t, err)
	assert.Empty(t, room1)

	room2, err := svc.GetRoom("@erin:example.org", version, "!room2:example.org")
	require.NoError(t, err)
	assert.Len(t, room2, 1)
}

func TestDeleteBackupRemovesLatestPointer(t *testing.T) {
	svc := keybackup.New(memory.New())
	version, err := svc.CreateBackup("@frank:example.org", "m.megolm_backup.v1", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, svc.DeleteBackup("@frank:example.org", version))

	_, ok, err := svc.GetLatestBackupVersion("@frank:example.org")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, ok, err = svc.GetBackup("@frank:example.org", version)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateBackupRejectsUnknownVersion(t *testing.T) {
	svc := keybackup.New(memory.New())
	err := svc.UpdateBackup("@grace:example.org", "999", "m.megolm_backup.v1", json.RawMessage(`{}`))
	assert.Error(t, err)
}
