// Package keyring implements the signing-key cache (C5): per-server
// verify_keys and old_verify_keys with validity windows, and the three
// fetch paths spec.md §4.4 mandates (cache, direct, notary). It satisfies
// gomatrixserverlib.JSONVerifier so it can be handed straight to the event
// handler (C8) and the state-resolution auth_check machinery exactly the
// way dendrite wires its KeyRing in, e.g.
// other_examples/26cc40b5_sammorley-dendrite__federationapi-routing-send.go.go's
// `keys gomatrixserverlib.JSONVerifier` field.
package keyring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/gravelmoss/grapevine/federationapi/internal/resolve"
	"github.com/gravelmoss/grapevine/internal/ratelimit"
	"github.com/gravelmoss/grapevine/internal/storage"
)

// maxValidityClamp is spec.md §4.4: "Every fetched validity is clamped to
// at most 7 days in the future", regardless of what the remote claims.
const maxValidityClamp = 7 * 24 * time.Hour

// refreshThreshold is spec.md §4.4: refetch once a cached key is within 30
// minutes of its valid_until_ts.
const refreshThreshold = 30 * time.Minute

func cacheKey(server gomatrixserverlib.ServerName, keyID gomatrixserverlib.KeyID) []byte {
	return []byte("fedkey/" + string(server) + "/" + string(keyID))
}

type cachedKey struct {
	Key          gomatrixserverlib.Base64Bytes `json:"key"`
	ValidUntilTS gomatrixserverlib.Timestamp   `json:"valid_until_ts"`
	ExpiredTS    gomatrixserverlib.Timestamp   `json:"expired_ts"`
}

// KeyRing is C5. It implements gomatrixserverlib.JSONVerifier.
type KeyRing struct {
	kv       storage.KV
	resolver *resolve.Resolver
	client   *http.Client
	limiter  *ratelimit.Limiter
	logger   *logrus.Entry

	// fetchGroup collapses concurrent FetchKeys calls for the same
	// (origin, missing key set) into a single direct+notary round trip,
	// for the common case of many events from the same server arriving
	// at once and all needing the same not-yet-cached key.
	fetchGroup singleflight.Group

	// TrustedServers are the notary ("perspective") servers queried as a
	// last resort via POST /_matrix/key/v2/query.
	TrustedServers []gomatrixserverlib.ServerName
}

func New(kv storage.KV, resolver *resolve.Resolver, client *http.Client, logger *logrus.Entry, trusted []gomatrixserverlib.ServerName) *KeyRing {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeyRing{
		kv:             kv,
		resolver:       resolver,
		client:         client,
		limiter:        ratelimit.New(nil),
		logger:         logger,
		TrustedServers: trusted,
	}
}

// FetchKeys implements spec.md §4.4's fetch_signing_keys(origin,
// required_key_ids, query_via_trusted_servers): local cache, then direct
// GET, then notary batch POST, in that order, stopping as soon as every
// requested key id is covered.
func (k *KeyRing) FetchKeys(ctx context.Context, origin gomatrixserverlib.ServerName, requiredKeyIDs []gomatrixserverlib.KeyID, queryViaTrustedServers bool) (map[gomatrixserverlib.KeyID]gomatrixserverlib.PublicKeyLookupResult, error) {
	now := gomatrixserverlib.AsTimestamp(time.Now())
	out := make(map[gomatrixserverlib.KeyID]gomatrixserverlib.PublicKeyLookupResult, len(requiredKeyIDs))
	missing := make([]gomatrixserverlib.KeyID, 0, len(requiredKeyIDs))

	for _, keyID := range requiredKeyIDs {
		if res, ok := k.fromCache(origin, keyID, now); ok {
			out[keyID] = res
			continue
		}
		missing = append(missing, keyID)
	}
	if len(missing) == 0 {
		return out, nil
	}

	limiterKey := limiterKeyFor(origin, missing)
	if !k.limiter.Allowed(limiterKey) {
		return out, fmt.Errorf("keyring: %s backing off after repeated key-fetch failures", origin)
	}

	fetchedVal, err, _ := k.fetchGroup.Do(limiterKey, func() (interface{}, error) {
		return k.fetchRemaining(ctx, origin, missing, queryViaTrustedServers)
	})
	if err != nil {
		k.limiter.RecordFailure(limiterKey)
		return out, err
	}
	k.limiter.RecordSuccess(limiterKey)
	for keyID, res := range fetchedVal.(map[gomatrixserverlib.KeyID]gomatrixserverlib.PublicKeyLookupResult) {
		out[keyID] = res
	}
	return out, nil
}

// fetchRemaining runs the direct-then-notary fetch sequence for keyIDs not
// already cached, storing every key it successfully resolves. Called
// behind fetchGroup so concurrent callers asking for the same keys share
// one round trip instead of each firing their own.
func (k *KeyRing) fetchRemaining(ctx context.Context, origin gomatrixserverlib.ServerName, missing []gomatrixserverlib.KeyID, queryViaTrustedServers bool) (map[gomatrixserverlib.KeyID]gomatrixserverlib.PublicKeyLookupResult, error) {
	out := make(map[gomatrixserverlib.KeyID]gomatrixserverlib.PublicKeyLookupResult, len(missing))

	direct, err := k.directFetch(ctx, origin, missing)
	if err == nil {
		for keyID, res := range direct {
			out[keyID] = res
			k.store(origin, keyID, res)
		}
		missing = remaining(missing, direct)
	}
	if len(missing) == 0 {
		return out, nil
	}

	if !queryViaTrustedServers {
		return out, fmt.Errorf("keyring: could not fetch keys %v for %s directly", missing, origin)
	}

	for _, notary := range k.TrustedServers {
		fetched, err := k.notaryFetch(ctx, notary, origin, missing)
		if err != nil {
			if k.logger != nil {
				k.logger.WithError(err).WithField("notary", notary).Warn("keyring: notary query failed")
			}
			continue
		}
		for keyID, res := range fetched {
			out[keyID] = res
			k.store(origin, keyID, res)
		}
		missing = remaining(missing, fetched)
		if len(missing) == 0 {
			break
		}
	}

	if len(missing) > 0 {
		return out, fmt.Errorf("keyring: could not resolve keys %v for %s via any path", missing, origin)
	}
	return out, nil
}

func remaining(want []gomatrixserverlib.KeyID, got map[gomatrixserverlib.KeyID]gomatrixserverlib.PublicKeyLookupResult) []gomatrixserverlib.KeyID {
	out := make([]gomatrixserverlib.KeyID, 0, len(want))
	for _, keyID := range want {
		if _, ok := got[keyID]; !ok {
			out = append(out, keyID)
		}
	}
	return out
}

func limiterKeyFor(origin gomatrixserverlib.ServerName, keyIDs []gomatrixserverlib.KeyID) string {
	ids := make([]string, len(keyIDs))
	for i, id := range keyIDs {
		ids[i] = string(id)
	}
	sort.Strings(ids)
	return string(origin) + "/" + strings.Join(ids, ",")
}

func (k *KeyRing) fromCache(origin gomatrixserverlib.ServerName, keyID gomatrixserverlib.KeyID, now gomatrixserverlib.Timestamp) (gomatrixserverlib.PublicKeyLookupResult, bool) {
	raw, ok, err := k.kv.Get(cacheKey(origin, keyID))
	if err != nil || !ok {
		return gomatrixserverlib.PublicKeyLookupResult{}, false
	}
	var cached cachedKey
	if err := json.Unmarshal(raw, &cached); err != nil {
		return gomatrixserverlib.PublicKeyLookupResult{}, false
	}
	if cached.ValidUntilTS-gomatrixserverlib.Timestamp(refreshThreshold.Milliseconds()) < now {
		return gomatrixserverlib.PublicKeyLookupResult{}, false
	}
	return gomatrixserverlib.PublicKeyLookupResult{
		VerifyKey:    gomatrixserverlib.VerifyKey{Key: cached.Key},
		ValidUntilTS: cached.ValidUntilTS,
		ExpiredTS:    cached.ExpiredTS,
	}, true
}

func (k *KeyRing) store(origin gomatrixserverlib.ServerName, keyID gomatrixserverlib.KeyID, res gomatrixserverlib.PublicKeyLookupResult) {
	clamped := res.ValidUntilTS
	maxAllowed := gomatrixserverlib.AsTimestamp(time.Now().Add(maxValidityClamp))
	if clamped > maxAllowed {
		clamped = maxAllowed
	}
	raw, err := json.Marshal(cachedKey{Key: res.VerifyKey.Key, ValidUntilTS: clamped, ExpiredTS: res.ExpiredTS})
	if err != nil {
		return
	}
	_ = k.kv.Set(cacheKey(origin, keyID), raw)
}

type serverKeyResponse struct {
	ServerName    gomatrixserverlib.ServerName                                                              `json:"server_name"`
	ValidUntilTS  gomatrixserverlib.Timestamp                                                                `json:"valid_until_ts"`
	VerifyKeys    map[gomatrixserverlib.KeyID]rawVerifyKey                                                   `json:"verify_keys"`
	OldVerifyKeys map[gomatrixserverlib.KeyID]rawOldVerifyKey                                                `json:"old_verify_keys"`
	Signatures    map[gomatrixserverlib.ServerName]map[gomatrixserverlib.KeyID]gomatrixserverlib.Base64Bytes `json:"signatures"`
}

type rawVerifyKey struct {
	Key gomatrixserverlib.Base64Bytes `json:"key"`
}

type rawOldVerifyKey struct {
	Key       gomatrixserverlib.Base64Bytes `json:"key"`
	ExpiredTS gomatrixserverlib.Timestamp   `json:"expired_ts"`
}

// directFetch implements spec.md §4.4's GET /_matrix/key/v2/server path,
// self-verifying the response's own signature before trusting any key in
// it (a server is always authoritative for its own keys, but the
// self-signature still proves the response wasn't corrupted/substituted
// in flight).
func (k *KeyRing) directFetch(ctx context.Context, origin gomatrixserverlib.ServerName, keyIDs []gomatrixserverlib.KeyID) (map[gomatrixserverlib.KeyID]gomatrixserverlib.PublicKeyLookupResult, error) {
	dest, err := k.resolver.Resolve(ctx, string(origin))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dest.BaseURL+"/_matrix/key/v2/server", nil)
	if err != nil {
		return nil, err
	}
	req.Host = dest.HostHeader
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keyring: %s/_matrix/key/v2/server returned %d", origin, resp.StatusCode)
	}
	var body serverKeyResponse
	raw := new(bytes.Buffer)
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw.Bytes(), &body); err != nil {
		return nil, err
	}
	return verifyAndExtract(origin, keyIDs, raw.Bytes(), body)
}

// notaryFetch implements the POST /_matrix/key/v2/query batch path
// against a single trusted notary.
func (k *KeyRing) notaryFetch(ctx context.Context, notary, origin gomatrixserverlib.ServerName, keyIDs []gomatrixserverlib.KeyID) (map[gomatrixserverlib.KeyID]gomatrixserverlib.PublicKeyLookupResult, error) {
	dest, err := k.resolver.Resolve(ctx, string(notary))
	if err != nil {
		return nil, err
	}

	criteria := make(map[gomatrixserverlib.KeyID]struct {
		MinimumValidUntilTS gomatrixserverlib.Timestamp `json:"minimum_valid_until_ts"`
	}, len(keyIDs))
	minValid := gomatrixserverlib.AsTimestamp(time.Now().Add(refreshThreshold))
	for _, keyID := range keyIDs {
		criteria[keyID] = struct {
			MinimumValidUntilTS gomatrixserverlib.Timestamp `json:"minimum_valid_until_ts"`
		}{MinimumValidUntilTS: minValid}
	}
	payload, err := json.Marshal(map[string]interface{}{
		"server_keys": map[gomatrixserverlib.ServerName]interface{}{origin: criteria},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.BaseURL+"/_matrix/key/v2/query", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Host = dest.HostHeader
	req.Header.Set("Content-Type", "application/json")
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keyring: notary %s returned %d", notary, resp.StatusCode)
	}

	var reply struct {
		ServerKeys []json.RawMessage `json:"server_keys"`
	}
	bodyBytes := new(bytes.Buffer)
	if _, err := bodyBytes.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(bodyBytes.Bytes(), &reply); err != nil {
		return nil, err
	}

	out := make(map[gomatrixserverlib.KeyID]gomatrixserverlib.PublicKeyLookupResult)
	for _, entry := range reply.ServerKeys {
		var body serverKeyResponse
		if err := json.Unmarshal(entry, &body); err != nil {
			continue
		}
		if body.ServerName != origin {
			continue
		}
		extracted, err := verifyAndExtract(origin, keyIDs, []byte(entry), body)
		if err != nil {
			continue
		}
		for keyID, res := range extracted {
			out[keyID] = res
		}
	}
	return out, nil
}

// verifyAndExtract checks the response's self-signature under its own
// claimed verify_keys (the notary and direct paths return the same
// self-signed document shape) and returns only the requested keys: current
// ones from verify_keys, and expired ones from old_verify_keys carrying
// their expired_ts.
func verifyAndExtract(origin gomatrixserverlib.ServerName, wanted []gomatrixserverlib.KeyID, raw []byte, body serverKeyResponse) (map[gomatrixserverlib.KeyID]gomatrixserverlib.PublicKeyLookupResult, error) {
	sigs, ok := body.Signatures[origin]
	if !ok || len(sigs) == 0 {
		return nil, fmt.Errorf("keyring: %s key response carries no self-signature", origin)
	}
	verified := false
	for keyID, vk := range body.VerifyKeys {
		if _, signed := sigs[keyID]; !signed {
			continue
		}
		if err := gomatrixserverlib.VerifyJSON(string(origin), keyID, []byte(vk.Key), raw); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return nil, fmt.Errorf("keyring: %s key response failed self-signature verification", origin)
	}

	want := make(map[gomatrixserverlib.KeyID]bool, len(wanted))
	for _, id := range wanted {
		want[id] = true
	}
	out := make(map[gomatrixserverlib.KeyID]gomatrixserverlib.PublicKeyLookupResult)
	for keyID, vk := range body.VerifyKeys {
		if !want[keyID] {
			continue
		}
		out[keyID] = gomatrixserverlib.PublicKeyLookupResult{
			VerifyKey:    gomatrixserverlib.VerifyKey{Key: vk.Key},
			ValidUntilTS: body.ValidUntilTS,
			ExpiredTS:    gomatrixserverlib.PublicKeyNotExpired,
		}
	}
	for keyID, old := range body.OldVerifyKeys {
		if !want[keyID] {
			continue
		}
		out[keyID] = gomatrixserverlib.PublicKeyLookupResult{
			VerifyKey:    gomatrixserverlib.VerifyKey{Key: old.Key},
			ValidUntilTS: old.ExpiredTS,
			ExpiredTS:    old.ExpiredTS,
		}
	}
	return out, nil
}

// VerifyJSONs implements gomatrixserverlib.JSONVerifier: for each request,
// list the key ids the named server signed the message with, fetch them
// (applying §4.4's stale-key rule via requests's own ValidityCheckingFunc
// when set), and verify.
func (k *KeyRing) VerifyJSONs(ctx context.Context, requests []gomatrixserverlib.VerifyJSONRequest) ([]gomatrixserverlib.VerifyJSONResult, error) {
	results := make([]gomatrixserverlib.VerifyJSONResult, len(requests))
	for i, req := range requests {
		results[i] = gomatrixserverlib.VerifyJSONResult{Error: k.verifyOne(ctx, req)}
	}
	return results, nil
}

func (k *KeyRing) verifyOne(ctx context.Context, req gomatrixserverlib.VerifyJSONRequest) error {
	keyIDs, err := gomatrixserverlib.ListKeyIDs(string(req.ServerName), req.Message)
	if err != nil {
		return err
	}
	if len(keyIDs) == 0 {
		return fmt.Errorf("keyring: %s did not sign this message with any recognised key", req.ServerName)
	}

	keys, err := k.FetchKeys(ctx, req.ServerName, keyIDs, true)
	if err != nil {
		return err
	}

	var lastErr error
	for _, keyID := range keyIDs {
		res, ok := keys[keyID]
		if !ok {
			lastErr = fmt.Errorf("keyring: no key %s/%s", req.ServerName, keyID)
			continue
		}
		if req.ValidityCheckingFunc != nil && !req.ValidityCheckingFunc(req.AtTS, gomatrixserverlib.AsTimestamp(time.Now()), &res) {
			lastErr = fmt.Errorf("keyring: %s/%s not valid at %d", req.ServerName, keyID, req.AtTS)
			continue
		}
		if err := gomatrixserverlib.VerifyJSON(string(req.ServerName), keyID, []byte(res.VerifyKey.Key), req.Message); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("keyring: no valid signature from %s", req.ServerName)
	}
	return lastErr
}
