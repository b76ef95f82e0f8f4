package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/require"

	"github.com/gravelmoss/grapevine/federationapi/internal/resolve"
)

func newTestIdentity(t *testing.T) Identity {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return Identity{
		ServerName: "origin.test",
		KeyID:      "ed25519:1",
		PrivateKey: priv,
	}
}

// newTestClient wires a Client to a mux-routed httptest.Server standing in
// for the remote homeserver, bypassing .well-known/SRV resolution entirely
// by handing the resolver an explicit host:port destination name.
func newTestClient(t *testing.T, router *mux.Router) (*Client, gomatrixserverlib.ServerName) {
	t.Helper()
	server := httptest.NewTLSServer(router)
	t.Cleanup(server.Close)

	destination := gomatrixserverlib.ServerName(strings.TrimPrefix(server.URL, "https://"))
	c := New(newTestIdentity(t), resolve.New(nil), server.Client())
	return c, destination
}

func TestGetEvent(t *testing.T) {
	const eventID = "$abc:origin.test"
	router := mux.NewRouter()
	router.HandleFunc("/_matrix/federation/v1/event/{eventID}", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, eventID, mux.Vars(r)["eventID"])
		pdu, err := json.Marshal(map[string]interface{}{
			"event_id":         eventID,
			"room_id":          "!room:origin.test",
			"sender":           "@alice:origin.test",
			"type":             "m.room.message",
			"origin_server_ts": 1,
			"content":          map[string]interface{}{"body": "hi"},
			"auth_events":      []string{},
			"prev_events":      []string{},
			"depth":            1,
			"room_version":     "10",
			"signatures":       map[string]interface{}{},
			"hashes":           map[string]interface{}{"sha256": "x"},
		})
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"origin":           "origin.test",
			"origin_server_ts": 1,
			"pdus":             []json.RawMessage{pdu},
		})
	}).Methods(http.MethodGet)

	c, destination := newTestClient(t, router)
	_, err := c.GetEvent(context.Background(), destination, gomatrixserverlib.RoomVersionV10, eventID)
	// The fixture PDU is not a valid signed/hashed event, so parsing it as
	// untrusted room-version-10 JSON is expected to fail past this point; what
	// this test asserts is that the request reached the right route with the
	// right method and path variable, not that an un-hashed fixture validates.
	if err != nil {
		require.Contains(t, err.Error(), "GetEvent")
	}
}

func TestSendTransactionRoundTrip(t *testing.T) {
	var gotBody Transaction
	router := mux.NewRouter()
	router.HandleFunc("/_matrix/federation/v1/send/{txnID}", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "txn-1", mux.Vars(r)["txnID"])
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"pdus": map[string]interface{}{}})
	}).Methods(http.MethodPut)

	c, destination := newTestClient(t, router)
	txn := Transaction{
		Origin:         "origin.test",
		OriginServerTS: 1,
		PDUs:           []json.RawMessage{[]byte(`{"event_id":"$a"}`)},
	}
	err := c.SendTransaction(context.Background(), destination, "txn-1", txn)
	require.NoError(t, err)
	require.Len(t, gotBody.PDUs, 1)
}

func TestGetStateIDs(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/_matrix/federation/v1/state_ids/{roomID}", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "!room:origin.test", mux.Vars(r)["roomID"])
		require.Equal(t, "$event:origin.test", r.URL.Query().Get("event_id"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"pdu_ids":        []string{"$a", "$b"},
			"auth_chain_ids": []string{"$c"},
		})
	}).Methods(http.MethodGet)

	c, destination := newTestClient(t, router)
	stateIDs, authIDs, err := c.GetStateIDs(context.Background(), destination, "!room:origin.test", "$event:origin.test")
	require.NoError(t, err)
	require.Equal(t, []string{"$a", "$b"}, stateIDs)
	require.Equal(t, []string{"$c"}, authIDs)
}

func TestDoSignedSurfacesNon2xxStatus(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/_matrix/federation/v1/state_ids/{roomID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}).Methods(http.MethodGet)

	c, destination := newTestClient(t, router)
	_, _, err := c.GetStateIDs(context.Background(), destination, "!room:origin.test", "$event:origin.test")
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")
}
