// Package keybackup implements per-user server-side encrypted-room-key
// backup (spec.md §4.10), an independent sub-feature of the timeline (C9)
// that shares no state with it beyond the storage contract (C1). Grounded
// on original_source/src/api/client_server/backup.rs's KeyBackupsService
// contract (create_backup/add_key/count_keys/get_etag/get_all, etc.),
// reimplemented over internal/storage instead of a relational schema,
// following statemanager's KV-key-namespacing style.
package keybackup

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gravelmoss/grapevine/internal/storage"
)

func versionCounterKey(userID string) []byte { return []byte("backup/verctr/" + userID) }
func versionInfoKey(userID, version string) []byte {
	return []byte("backup/verinfo/" + userID + "/" + version)
}
func latestVersionKey(userID string) []byte { return []byte("backup/latest/" + userID) }
func etagKey(userID, version string) []byte { return []byte("backup/etag/" + userID + "/" + version) }
func keyDataKey(userID, version, roomID, sessionID string) []byte {
	return []byte("backup/key/" + userID + "/" + version + "/" + roomID + "/" + sessionID)
}
func roomPrefix(userID, version, roomID string) []byte {
	return []byte("backup/key/" + userID + "/" + version + "/" + roomID + "/")
}
func versionPrefix(userID, version string) []byte {
	return []byte("backup/key/" + userID + "/" + version + "/")
}

// versionInfo is the persisted metadata for one backup version.
type versionInfo struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
}

// Service is §4.10's key-backup store.
type Service struct {
	kv storage.KV
}

func New(kv storage.KV) *Service {
	return &Service{kv: kv}
}

// CreateBackup allocates a new, stringified-counter-versioned backup and
// makes it the latest (spec.md §4.10: "create_backup(user, algorithm) ->
// version (a stringified counter)").
func (s *Service) CreateBackup(userID string, algorithm string, authData json.RawMessage) (string, error) {
	raw, ok, err := s.kv.Get(versionCounterKey(userID))
	if err != nil {
		return "", err
	}
	n := uint64(0)
	if ok {
		n = storage.DecodeUint64(raw)
	}
	n++
	version := strconv.FormatUint(n, 10)

	info := versionInfo{Algorithm: algorithm, AuthData: authData}
	infoRaw, err := json.Marshal(info)
	if err != nil {
		return "", err
	}

	ops := []storage.Op{
		storage.SetOp(versionCounterKey(userID), storage.EncodeUint64(n)),
		storage.SetOp(versionInfoKey(userID, version), infoRaw),
		storage.SetOp(latestVersionKey(userID), []byte(version)),
		storage.SetOp(etagKey(userID, version), storage.EncodeUint64(1)),
	}
	if err := s.kv.Batch(ops); err != nil {
		return "", err
	}
	return version, nil
}

// UpdateBackup modifies auth_data on an existing version (only auth_data is
// mutable per backup.rs's update_backup_version_route doc comment).
func (s *Service) UpdateBackup(userID, version, algorithm string, authData json.RawMessage) error {
	_, ok, err := s.kv.Get(versionInfoKey(userID, version))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("keybackup: unknown backup version %s for %s", version, userID)
	}
	info := versionInfo{Algorithm: algorithm, AuthData: authData}
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.kv.Set(versionInfoKey(userID, version), raw)
}

// GetLatestBackupVersion returns the most recently created version, if any.
func (s *Service) GetLatestBackupVersion(userID string) (string, bool, error) {
	raw, ok, err := s.kv.Get(latestVersionKey(userID))
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}

// GetBackup returns the algorithm/auth_data for a specific version.
func (s *Service) GetBackup(userID, version string) (algorithm string, authData json.RawMessage, ok bool, err error) {
	raw, found, err := s.kv.Get(versionInfoKey(userID, version))
	if err != nil || !found {
		return "", nil, false, err
	}
	var info versionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return "", nil, false, err
	}
	return info.Algorithm, info.AuthData, true, nil
}

// DeleteBackup removes a version's metadata and all its key data.
func (s *Service) DeleteBackup(userID, version string) error {
	if err := s.DeleteAllKeys(userID, version); err != nil {
		return err
	}
	ops := []storage.Op{
		storage.DelOp(versionInfoKey(userID, version)),
		storage.DelOp(etagKey(userID, version)),
	}
	if err := s.kv.Batch(ops); err != nil {
		return err
	}
	latest, ok, err := s.GetLatestBackupVersion(userID)
	if err == nil && ok && latest == version {
		_ = s.kv.Delete(latestVersionKey(userID))
	}
	return err
}

// AddKey adds one session's key data to version, bumping the etag. Only the
// latest version is writable (spec.md §4.10); callers enforce that by
// checking GetLatestBackupVersion before calling AddKey, mirroring
// backup.rs's add_backup_keys_route check.
func (s *Service) AddKey(userID, version, roomID, sessionID string, keyData json.RawMessage) error {
	if err := s.kv.Set(keyDataKey(userID, version, roomID, sessionID), keyData); err != nil {
		return err
	}
	return s.bumpEtag(userID, version)
}

func (s *Service) bumpEtag(userID, version string) error {
	raw, ok, err := s.kv.Get(etagKey(userID, version))
	if err != nil {
		return err
	}
	n := uint64(0)
	if ok {
		n = storage.DecodeUint64(raw)
	}
	return s.kv.Set(etagKey(userID, version), storage.EncodeUint64(n+1))
}

// GetEtag returns the monotonic etag for (user, version): it advances on
// every mutation (spec.md §4.10).
func (s *Service) GetEtag(userID, version string) (string, error) {
	raw, ok, err := s.kv.Get(etagKey(userID, version))
	if err != nil {
		return "", err
	}
	if !ok {
		return "0", nil
	}
	return strconv.FormatUint(storage.DecodeUint64(raw), 10), nil
}

// CountKeys returns the number of sessions stored under (user, version).
func (s *Service) CountKeys(userID, version string) (int, error) {
	count := 0
	err := s.kv.Iterate(versionPrefix(userID, version), false, func(key, value []byte) (bool, error) {
		count++
		return true, nil
	})
	return count, err
}

// RoomKeys is a room's session-id -> key-data map.
type RoomKeys map[string]json.RawMessage

// GetAll returns every room's keys for (user, version).
func (s *Service) GetAll(userID, version string) (map[string]RoomKeys, error) {
	out := make(map[string]RoomKeys)
	prefix := versionPrefix(userID, version)
	err := s.kv.Iterate(prefix, false, func(key, value []byte) (bool, error) {
		roomID, sessionID, ok := splitRoomSession(key[len(prefix):])
		if !ok {
			return true, nil
		}
		room, ok := out[roomID]
		if !ok {
			room = make(RoomKeys)
			out[roomID] = room
		}
		room[sessionID] = append(json.RawMessage(nil), value...)
		return true, nil
	})
	return out, err
}

// GetRoom returns one room's keys for (user, version).
func (s *Service) GetRoom(userID, version, roomID string) (RoomKeys, error) {
	out := make(RoomKeys)
	prefix := roomPrefix(userID, version, roomID)
	err := s.kv.Iterate(prefix, false, func(key, value []byte) (bool, error) {
		sessionID := string(key[len(prefix):])
		out[sessionID] = append(json.RawMessage(nil), value...)
		return true, nil
	})
	return out, err
}

// GetSession returns a single session's key data, if present.
func (s *Service) GetSession(userID, version, roomID, sessionID string) (json.RawMessage, bool, error) {
	raw, ok, err := s.kv.Get(keyDataKey(userID, version, roomID, sessionID))
	if err != nil || !ok {
		return nil, false, err
	}
	return raw, true, nil
}

// DeleteAllKeys removes every session under (user, version).
func (s *Service) DeleteAllKeys(userID, version string) error {
	return s.deletePrefix(versionPrefix(userID, version), userID, version)
}

// DeleteRoomKeys removes every session for one room under (user, version).
func (s *Service) DeleteRoomKeys(userID, version, roomID string) error {
	return s.deletePrefix(roomPrefix(userID, version, roomID), userID, version)
}

// DeleteRoomKey removes a single session.
func (s *Service) DeleteRoomKey(userID, version, roomID, sessionID string) error {
	if err := s.kv.Delete(keyDataKey(userID, version, roomID, sessionID)); err != nil {
		return err
	}
	return s.bumpEtag(userID, version)
}

func (s *Service) deletePrefix(prefix []byte, userID, version string) error {
	var keys [][]byte
	err := s.kv.Iterate(prefix, false, func(key, value []byte) (bool, error) {
		keys = append(keys, append([]byte(nil), key...))
		return true, nil
	})
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	ops := make([]storage.Op, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, storage.DelOp(k))
	}
	if err := s.kv.Batch(ops); err != nil {
		return err
	}
	return s.bumpEtag(userID, version)
}

func splitRoomSession(suffix []byte) (roomID, sessionID string, ok bool) {
	s := string(suffix)
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
