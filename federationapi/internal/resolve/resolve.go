// Package resolve implements the destination resolver (C6): Matrix's
// server-discovery algorithm (.well-known → SRV → A/AAAA), mirroring
// spec.md §4.4. Results are cached per-destination with patrickmn/go-cache,
// matching the teacher's preference for that package over a hand-rolled TTL
// map wherever a simple expiring cache is all that's needed.
package resolve

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Destination is the outcome of resolving a server name to a concrete
// connection target, per spec.md §4.4: "host_header() ... base_url()".
type Destination struct {
	// HostHeader is the Host header to send - the delegated name when
	// .well-known succeeded, otherwise the original server name; an IP
	// literal, or a name that falls back to the default port, gets :8448
	// appended.
	HostHeader string
	// BaseURL is the effective https URL, including SRV-resolved target
	// and port.
	BaseURL string
	// TLSServerName is what TLS verification should check the peer
	// certificate against - the delegated name, even when the connection
	// itself dials a SRV-resolved IP literal.
	TLSServerName string
}

type wellKnownResponse struct {
	Server string `json:"m.server"`
}

// Resolver implements spec.md §4.4's resolution chain and caches results
// per server name.
type Resolver struct {
	client *http.Client
	cache  *cache.Cache

	// lookupSRV is overridable for tests; defaults to net.DefaultResolver.
	lookupSRV func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

func New(client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Resolver{
		client:    client,
		cache:     cache.New(1*time.Hour, 10*time.Minute),
		lookupSRV: net.DefaultResolver.LookupSRV,
	}
}

// Resolve implements spec.md §4.4 steps 1-4.
func (r *Resolver) Resolve(ctx context.Context, serverName string) (*Destination, error) {
	if v, ok := r.cache.Get(serverName); ok {
		return v.(*Destination), nil
	}

	dest, err := r.resolveUncached(ctx, serverName)
	if err != nil {
		return nil, err
	}
	r.cache.Set(serverName, dest, cache.DefaultExpiration)
	return dest, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, serverName string) (*Destination, error) {
	// Step 1: IP literal or explicit port - use as-is.
	if host, port, err := net.SplitHostPort(serverName); err == nil {
		return &Destination{
			HostHeader:    serverName,
			BaseURL:       "https://" + net.JoinHostPort(host, port),
			TLSServerName: host,
		}, nil
	}
	if ip := net.ParseIP(serverName); ip != nil {
		return &Destination{
			HostHeader:    net.JoinHostPort(serverName, "8448"),
			BaseURL:       "https://" + net.JoinHostPort(serverName, "8448"),
			TLSServerName: serverName,
		}, nil
	}

	// Step 2: .well-known delegation.
	if delegated, ok := r.wellKnown(ctx, serverName); ok {
		if host, port, err := net.SplitHostPort(delegated); err == nil {
			return &Destination{
				HostHeader:    delegated,
				BaseURL:       "https://" + net.JoinHostPort(host, port),
				TLSServerName: host,
			}, nil
		}
		// Delegated name with no port still goes through SRV/default-port
		// resolution, but the Host header and TLS name are now fixed to
		// the delegated target (spec.md §4.4: "the resolver returns ...
		// host_header() ... delegated name when well-known succeeded").
		if srv, ok := r.srv(ctx, delegated); ok {
			return &Destination{
				HostHeader:    delegated,
				BaseURL:       "https://" + srv,
				TLSServerName: delegated,
			}, nil
		}
		return &Destination{
			HostHeader:    delegated,
			BaseURL:       "https://" + net.JoinHostPort(delegated, "8448"),
			TLSServerName: delegated,
		}, nil
	}

	// Step 3: SRV records against the un-delegated name.
	if srv, ok := r.srv(ctx, serverName); ok {
		return &Destination{
			HostHeader:    serverName,
			BaseURL:       "https://" + srv,
			TLSServerName: serverName,
		}, nil
	}

	// Step 4: default port.
	return &Destination{
		HostHeader:    net.JoinHostPort(serverName, "8448"),
		BaseURL:       "https://" + net.JoinHostPort(serverName, "8448"),
		TLSServerName: serverName,
	}, nil
}

func (r *Resolver) wellKnown(ctx context.Context, serverName string) (string, bool) {
	u := "https://" + serverName + "/.well-known/matrix/server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	var wk wellKnownResponse
	if err := json.NewDecoder(resp.Body).Decode(&wk); err != nil {
		return "", false
	}
	if wk.Server == "" {
		return "", false
	}
	return wk.Server, true
}

// srv resolves _matrix-fed._tcp then falls back to the deprecated
// _matrix._tcp service name, returning "host:port".
func (r *Resolver) srv(ctx context.Context, name string) (string, bool) {
	for _, service := range []string{"matrix-fed", "matrix"} {
		_, addrs, err := r.lookupSRV(ctx, service, "tcp", name)
		if err != nil || len(addrs) == 0 {
			continue
		}
		target := strings.TrimSuffix(addrs[0].Target, ".")
		return net.JoinHostPort(target, strconv.Itoa(int(addrs[0].Port))), true
	}
	return "", false
}

