// Package client implements the federation client (C7): signed outbound
// HTTPS requests to other homeservers, bounded by a per-destination
// concurrency semaphore (spec.md §2 "Signed outbound HTTPS requests;
// per-server concurrency semaphore"). It satisfies the FederationClient
// contracts both the event handler (C8) and the timeline (C9) depend on.
package client

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/opentracing/opentracing-go"
	"golang.org/x/time/rate"

	"github.com/gravelmoss/grapevine/federationapi/internal/resolve"
	"github.com/gravelmoss/grapevine/internal/ondemand"
)

// Identity is this server's own signing identity, used to sign every
// outbound federation request.
type Identity struct {
	ServerName gomatrixserverlib.ServerName
	KeyID      gomatrixserverlib.KeyID
	PrivateKey ed25519.PrivateKey
}

// MaxConcurrentRequestsPerDestination bounds how many outbound requests may
// be in flight to a single destination at once, per spec.md §2.
const MaxConcurrentRequestsPerDestination = 8

// destinationRateLimit/destinationBurst cap the steady-state and burst rate
// of outbound requests to any single destination, layered under the
// concurrency semaphore so a destination that's merely slow to respond
// (semaphore-bound) is distinguished from one C12's retry storm would
// otherwise hammer (rate-bound).
const destinationRateLimit = 20 // requests/second
const destinationBurst = 10

// Client is C7.
type Client struct {
	identity Identity
	resolver *resolve.Resolver
	http     *http.Client
	sem      *ondemand.Map[gomatrixserverlib.ServerName, chan struct{}]
	rate     *ondemand.Map[gomatrixserverlib.ServerName, *rate.Limiter]

	// sni is the "TLS-SNI override map" spec.md §4.4 describes: when the
	// destination resolver pins a SRV-resolved IP:port, the dialed address
	// and the name that must appear in the peer certificate diverge, so
	// the two are recorded here and consulted by dialTLS.
	sniMu sync.Mutex
	sni   map[string]string // "ip:port" -> certificate name to verify
}

func New(identity Identity, resolver *resolve.Resolver, httpClient *http.Client) *Client {
	c := &Client{
		identity: identity,
		resolver: resolver,
		sem: ondemand.NewMap(func(gomatrixserverlib.ServerName) chan struct{} {
			return make(chan struct{}, MaxConcurrentRequestsPerDestination)
		}),
		rate: ondemand.NewMap(func(gomatrixserverlib.ServerName) *rate.Limiter {
			return rate.NewLimiter(destinationRateLimit, destinationBurst)
		}),
		sni: make(map[string]string),
	}
	if httpClient != nil {
		c.http = httpClient
		return c
	}
	c.http = &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{DialTLSContext: c.dialTLS},
	}
	return c
}

// dialTLS dials addr and verifies the TLS certificate against the name
// pinned in the SNI override map for that address, falling back to addr's
// own host when no override was recorded (the common, non-SRV case).
func (c *Client) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	serverName, _, err := net.SplitHostPort(addr)
	if err != nil {
		serverName = addr
	}
	c.sniMu.Lock()
	if override, ok := c.sni[addr]; ok {
		serverName = override
	}
	c.sniMu.Unlock()

	conn, err := (&net.Dialer{Timeout: 10 * time.Second}).DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(conn, &tls.Config{ServerName: serverName})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// acquire waits for destination's rate-limit token bucket to admit one more
// request (rate.NewLimiter(destinationRateLimit, destinationBurst)), then
// blocks until a concurrency slot for it is free, or ctx is done, and
// returns a release func.
func (c *Client) acquire(ctx context.Context, destination gomatrixserverlib.ServerName) (func(), error) {
	rateToken := c.rate.Get(destination)
	limiter := rateToken.Value()
	err := limiter.Wait(ctx)
	rateToken.Release()
	if err != nil {
		return nil, err
	}

	token := c.sem.Get(destination)
	sem := token.Value()
	select {
	case sem <- struct{}{}:
		return func() {
			<-sem
			token.Release()
		}, nil
	case <-ctx.Done():
		token.Release()
		return nil, ctx.Err()
	}
}

func (c *Client) doSigned(ctx context.Context, destination gomatrixserverlib.ServerName, method, path string, content, result interface{}) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "federationapi.doSigned")
	span.SetTag("destination", string(destination))
	span.SetTag("method", method)
	defer span.Finish()

	release, err := c.acquire(ctx, destination)
	if err != nil {
		return err
	}
	defer release()

	req := gomatrixserverlib.NewFederationRequest(method, c.identity.ServerName, destination, path)
	if content != nil {
		if err := req.SetContent(content); err != nil {
			return fmt.Errorf("client: set content: %w", err)
		}
	}
	if err := req.Sign(c.identity.ServerName, c.identity.KeyID, c.identity.PrivateKey); err != nil {
		return fmt.Errorf("client: sign request: %w", err)
	}

	dest, err := c.resolver.Resolve(ctx, string(destination))
	if err != nil {
		return fmt.Errorf("client: resolve %s: %w", destination, err)
	}

	httpReq, err := req.HTTPRequest()
	if err != nil {
		return fmt.Errorf("client: build http request: %w", err)
	}
	httpReq = httpReq.WithContext(ctx)

	// dest.BaseURL already carries the scheme and SRV-resolved host:port;
	// only the request line's path/query from the signed request is kept.
	resolvedURL := *httpReq.URL
	resolvedURL.Scheme = "https"
	targetHost := dest.BaseURL[len("https://"):]
	resolvedURL.Host = targetHost
	httpReq.URL = &resolvedURL
	httpReq.Host = dest.HostHeader

	c.sniMu.Lock()
	c.sni[targetHost] = dest.TLSServerName
	c.sniMu.Unlock()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, destination, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("client: %s %s returned %d", method, destination, resp.StatusCode)
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

type respEvent struct {
	Origin         gomatrixserverlib.ServerName `json:"origin"`
	OriginServerTS gomatrixserverlib.Timestamp  `json:"origin_server_ts"`
	PDUs           []json.RawMessage            `json:"pdus"`
}

// GetEvent fetches a single PDU by event_id via GET
// /_matrix/federation/v1/event/{eventId}.
func (c *Client) GetEvent(ctx context.Context, origin gomatrixserverlib.ServerName, roomVersion gomatrixserverlib.RoomVersion, eventID string) (*gomatrixserverlib.HeaderedEvent, error) {
	var resp respEvent
	path := "/_matrix/federation/v1/event/" + eventID
	if err := c.doSigned(ctx, origin, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.PDUs) != 1 {
		return nil, fmt.Errorf("client: GetEvent %s: expected 1 pdu, got %d", eventID, len(resp.PDUs))
	}
	ev, err := gomatrixserverlib.NewEventFromUntrustedJSON(resp.PDUs[0], roomVersion)
	if err != nil {
		return nil, fmt.Errorf("client: GetEvent %s: %w", eventID, err)
	}
	headered := ev.Headered(roomVersion)
	return &headered, nil
}

type respEventAuth struct {
	AuthChain []json.RawMessage `json:"auth_chain"`
}

// GetEventAuth fetches the auth chain for an event via GET
// /_matrix/federation/v1/event_auth/{roomId}/{eventId}.
func (c *Client) GetEventAuth(ctx context.Context, origin gomatrixserverlib.ServerName, roomVersion gomatrixserverlib.RoomVersion, roomID, eventID string) ([]*gomatrixserverlib.HeaderedEvent, error) {
	var resp respEventAuth
	path := "/_matrix/federation/v1/event_auth/" + roomID + "/" + eventID
	if err := c.doSigned(ctx, origin, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*gomatrixserverlib.HeaderedEvent, 0, len(resp.AuthChain))
	for _, raw := range resp.AuthChain {
		ev, err := gomatrixserverlib.NewEventFromUntrustedJSON(raw, roomVersion)
		if err != nil {
			continue
		}
		headered := ev.Headered(roomVersion)
		out = append(out, &headered)
	}
	return out, nil
}

type respStateIDs struct {
	StateEventIDs []string `json:"pdu_ids"`
	AuthEventIDs  []string `json:"auth_chain_ids"`
}

// GetStateIDs fetches the full state and auth chain event-id lists at an
// event via GET /_matrix/federation/v1/state_ids/{roomId}?event_id=...
func (c *Client) GetStateIDs(ctx context.Context, origin gomatrixserverlib.ServerName, roomID, eventID string) ([]string, []string, error) {
	var resp respStateIDs
	path := "/_matrix/federation/v1/state_ids/" + roomID + "?event_id=" + eventID
	if err := c.doSigned(ctx, origin, http.MethodGet, path, nil, &resp); err != nil {
		return nil, nil, err
	}
	return resp.StateEventIDs, resp.AuthEventIDs, nil
}

type respBackfill struct {
	Origin         gomatrixserverlib.ServerName `json:"origin"`
	OriginServerTS gomatrixserverlib.Timestamp  `json:"origin_server_ts"`
	PDUs           []json.RawMessage            `json:"pdus"`
}

// Transaction is the body of PUT /_matrix/federation/v1/send/{txnId}, the
// sending subsystem's (C12) unit of delivery.
type Transaction struct {
	Origin         gomatrixserverlib.ServerName `json:"origin"`
	OriginServerTS gomatrixserverlib.Timestamp  `json:"origin_server_ts"`
	PDUs           []json.RawMessage            `json:"pdus"`
	EDUs           []json.RawMessage            `json:"edus,omitempty"`
}

type respSend struct {
	PDUs map[string]struct {
		Error string `json:"error,omitempty"`
	} `json:"pdus"`
}

// SendTransaction delivers a batch of PDUs/EDUs via PUT
// /_matrix/federation/v1/send/{txnId}.
func (c *Client) SendTransaction(ctx context.Context, destination gomatrixserverlib.ServerName, txnID string, txn Transaction) error {
	var resp respSend
	path := "/_matrix/federation/v1/send/" + txnID
	return c.doSigned(ctx, destination, http.MethodPut, path, txn, &resp)
}

// Backfill fetches up to limit PDUs preceding fromEventIDs via GET
// /_matrix/federation/v1/backfill/{roomId}?v=...&limit=....
func (c *Client) Backfill(ctx context.Context, origin gomatrixserverlib.ServerName, roomVersion gomatrixserverlib.RoomVersion, roomID string, limit int, fromEventIDs []string) ([]*gomatrixserverlib.HeaderedEvent, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/backfill/%s?limit=%d", roomID, limit)
	for _, id := range fromEventIDs {
		path += "&v=" + id
	}
	var resp respBackfill
	if err := c.doSigned(ctx, origin, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*gomatrixserverlib.HeaderedEvent, 0, len(resp.PDUs))
	for _, raw := range resp.PDUs {
		ev, err := gomatrixserverlib.NewEventFromUntrustedJSON(raw, roomVersion)
		if err != nil {
			continue
		}
		headered := ev.Headered(roomVersion)
		out = append(out, &headered)
	}
	return out, nil
}
