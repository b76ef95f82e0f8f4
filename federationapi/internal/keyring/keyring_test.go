package keyring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravelmoss/grapevine/federationapi/internal/resolve"
	"github.com/gravelmoss/grapevine/internal/storage/memory"
)

func TestFetchKeysCollapsesConcurrentCallersForTheSameKeySet(t *testing.T) {
	var requests int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	origin := gomatrixserverlib.ServerName(strings.TrimPrefix(server.URL, "https://"))
	kr := New(memory.New(), resolve.New(server.Client()), server.Client(), nil, nil)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = kr.FetchKeys(context.Background(), origin, []gomatrixserverlib.KeyID{"ed25519:1"}, false)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests), "concurrent callers for the same key set must share one round trip")
}

func TestFetchKeysSkipsNetworkWhenEveryKeyIsAlreadyCached(t *testing.T) {
	kv := memory.New()
	kr := New(kv, resolve.New(nil), nil, nil, nil)

	origin := gomatrixserverlib.ServerName("cached.test")
	keyID := gomatrixserverlib.KeyID("ed25519:1")
	raw, err := json.Marshal(cachedKey{
		Key:          gomatrixserverlib.Base64Bytes("abc"),
		ValidUntilTS: gomatrixserverlib.AsTimestamp(time.Now().Add(24 * time.Hour)),
	})
	require.NoError(t, err)
	require.NoError(t, kv.Set(cacheKey(origin, keyID), raw))

	out, err := kr.FetchKeys(context.Background(), origin, []gomatrixserverlib.KeyID{keyID}, false)
	require.NoError(t, err)
	assert.Contains(t, out, keyID)
}
