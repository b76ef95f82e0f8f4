// Package config loads grapevine's YAML configuration the way dendrite's
// setup/config does: per-component structs with Defaults/Verify methods,
// a Global section shared by all of them, and an environment-variable
// overlay applied after the YAML is parsed.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"gopkg.in/yaml.v2"

	"github.com/gravelmoss/grapevine/internal/log"
)

// ConfigErrors collects every validation failure Verify finds so Load can
// report them all at once instead of stopping at the first one.
type ConfigErrors []string

func (e *ConfigErrors) Add(msg string) { *e = append(*e, msg) }

func (e ConfigErrors) Error() string {
	return fmt.Sprintf("invalid configuration:\n  %s", strings.Join(e, "\n  "))
}

func checkNotEmpty(errs *ConfigErrors, key, value string) {
	if value == "" {
		errs.Add(fmt.Sprintf("%s must not be empty", key))
	}
}

func checkPositive(errs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		errs.Add(fmt.Sprintf("%s must be positive", key))
	}
}

// DatabaseOptions names which of the four storage.KV backends (C1) to open
// and how.
type DatabaseOptions struct {
	Backend          string `yaml:"backend"` // "bbolt", "sqlite", "postgres", "memory"
	ConnectionString string `yaml:"connection_string"`
}

func (d *DatabaseOptions) Verify(errs *ConfigErrors, key string) {
	switch d.Backend {
	case "memory":
		return
	case "bbolt", "sqlite", "postgres":
		checkNotEmpty(errs, key+".connection_string", d.ConnectionString)
	default:
		errs.Add(fmt.Sprintf("%s.backend must be one of bbolt, sqlite, postgres, memory, got %q", key, d.Backend))
	}
}

// Global carries the identity and ambient settings every component needs.
type Global struct {
	ServerName gomatrixserverlib.ServerName `yaml:"server_name"`
	KeyID      gomatrixserverlib.KeyID      `yaml:"key_id"`

	// Base64-encoded standard-unpadded ed25519 seed, matching the Matrix
	// signing-key file format. Either PrivateKeyPath or PrivateKeyBase64
	// must be set.
	PrivateKeyPath   string `yaml:"private_key_path"`
	PrivateKeyBase64 string `yaml:"private_key,omitempty"`

	TrustedKeyServers []gomatrixserverlib.ServerName `yaml:"trusted_key_servers"`

	// AdminRoomID is the room the admin-bot command processor (spec.md
	// §4.8 step 9) watches for "!admin ..." messages. Empty disables
	// admin-bot dispatch entirely.
	AdminRoomID string `yaml:"admin_room_id,omitempty"`

	Database DatabaseOptions `yaml:"database"`

	Logging log.Config `yaml:"logging"`
}

func (g *Global) Defaults() {
	if g.KeyID == "" {
		g.KeyID = "ed25519:auto"
	}
	if len(g.TrustedKeyServers) == 0 {
		g.TrustedKeyServers = []gomatrixserverlib.ServerName{"matrix.org"}
	}
	if g.Logging.Level == "" {
		g.Logging.Level = "info"
	}
	if g.Logging.Component == "" {
		g.Logging.Component = "grapevine"
	}
	if g.Database.Backend == "" {
		g.Database.Backend = "bbolt"
	}
}

func (g *Global) Verify(errs *ConfigErrors) {
	checkNotEmpty(errs, "global.server_name", string(g.ServerName))
	if g.PrivateKeyPath == "" && g.PrivateKeyBase64 == "" {
		errs.Add("global.private_key_path or global.private_key must be set")
	}
	g.Database.Verify(errs, "global.database")
}

// PrivateKey loads the ed25519 signing key from PrivateKeyBase64 if set, or
// else from the file at PrivateKeyPath (a raw 32-byte seed).
func (g *Global) PrivateKey() (ed25519.PrivateKey, error) {
	if g.PrivateKeyBase64 != "" {
		seed, err := base64.RawStdEncoding.DecodeString(g.PrivateKeyBase64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid global.private_key: %w", err)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	seed, err := os.ReadFile(g.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("config: reading global.private_key_path: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("config: global.private_key_path: expected %d byte seed, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// RoomServer configures the event-DAG core (C2-C4, C8-C11, keybackup).
type RoomServer struct {
	// ShortIDCacheMultiplier is loaded and verified, but the short-id
	// interner does not read it: its LRU capacities come from the fixed
	// shortid.cacheMultiplier constant (1024).
	ShortIDCacheMultiplier int `yaml:"short_id_cache_multiplier"`
}

func (r *RoomServer) Defaults() {
	if r.ShortIDCacheMultiplier == 0 {
		r.ShortIDCacheMultiplier = 1024
	}
}

func (r *RoomServer) Verify(errs *ConfigErrors) {
	checkPositive(errs, "room_server.short_id_cache_multiplier", int64(r.ShortIDCacheMultiplier))
}

// FederationAPI configures the outbound signing-key cache, destination
// resolver, client and sending subsystem (C5-C7, C12).
type FederationAPI struct {
	// FederationMaxRetries is loaded, verified and overridable from the
	// environment, but the sending subsystem (C12) does not read it; C12
	// has no retry cap.
	FederationMaxRetries int `yaml:"federation_max_retries"`

	// DisableTLSValidation allows self-signed federation test fixtures;
	// never set true for a real deployment.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	// KeyServerOverrides pins a specific host:port for a destination's key
	// queries, bypassing DNS/well-known resolution, for private network
	// topologies (spec.md §4.6's TLS SNI override map).
	KeyServerOverrides map[gomatrixserverlib.ServerName]string `yaml:"key_server_overrides"`

	// AllowNetworkCIDRs/DenyNetworkCIDRs restrict which resolved IPs the
	// federation client's dialer may connect to. Empty allows everything
	// except anything in DenyNetworkCIDRs.
	AllowNetworkCIDRs []string `yaml:"allow_network_cidrs,omitempty"`
	DenyNetworkCIDRs  []string `yaml:"deny_network_cidrs,omitempty"`
}

func (f *FederationAPI) Defaults() {
	if f.FederationMaxRetries == 0 {
		f.FederationMaxRetries = 16
	}
}

func (f *FederationAPI) Verify(errs *ConfigErrors) {
	checkPositive(errs, "federation_api.federation_max_retries", int64(f.FederationMaxRetries))
}

// SyncAPI configures the /sync endpoint core (C13).
type SyncAPI struct {
	// MaxTimelineLimit is loaded and verified, but the sync engine does not
	// read it; filters are clamped by syncapi/types.MaxTimelineLimit (100).
	MaxTimelineLimit int `yaml:"max_timeline_limit"`

	// LongPollTimeout is loaded and verified, but the sync engine does not
	// read it; long-polls are capped by notifier.MaxWait (30s).
	LongPollTimeout time.Duration `yaml:"long_poll_timeout"`
}

func (s *SyncAPI) Defaults() {
	if s.MaxTimelineLimit == 0 {
		s.MaxTimelineLimit = 100
	}
	if s.LongPollTimeout == 0 {
		s.LongPollTimeout = 30 * time.Second
	}
}

func (s *SyncAPI) Verify(errs *ConfigErrors) {
	checkPositive(errs, "sync_api.max_timeline_limit", int64(s.MaxTimelineLimit))
	checkPositive(errs, "sync_api.long_poll_timeout", int64(s.LongPollTimeout))
}

// Config is the top-level document, matching dendrite's single-file-plus-
// sections layout.
type Config struct {
	Version int `yaml:"version"`

	Global        Global        `yaml:"global"`
	RoomServer    RoomServer    `yaml:"room_server"`
	FederationAPI FederationAPI `yaml:"federation_api"`
	SyncAPI       SyncAPI       `yaml:"sync_api"`
}

func (c *Config) Defaults() {
	c.Global.Defaults()
	c.RoomServer.Defaults()
	c.FederationAPI.Defaults()
	c.SyncAPI.Defaults()
}

func (c *Config) Verify() error {
	var errs ConfigErrors
	c.Global.Verify(&errs)
	c.RoomServer.Verify(&errs)
	c.FederationAPI.Verify(&errs)
	c.SyncAPI.Verify(&errs)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Load reads path (falling back to $GRAPEVINE_CONFIG if path is empty),
// applies defaults, overlays GRAPEVINE_-prefixed environment variables,
// and verifies the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("GRAPEVINE_CONFIG")
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config path given and GRAPEVINE_CONFIG is unset")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.Defaults()
	applyEnvOverlay(&cfg)
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverlay lets deployment tooling override a handful of
// security/operationally-sensitive fields without checking secrets into
// the YAML file, the way dendrite's own env-var overrides work for
// registration secrets and database DSNs.
func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("GRAPEVINE_SERVER_NAME"); v != "" {
		cfg.Global.ServerName = gomatrixserverlib.ServerName(v)
	}
	if v := os.Getenv("GRAPEVINE_PRIVATE_KEY"); v != "" {
		cfg.Global.PrivateKeyBase64 = v
	}
	if v := os.Getenv("GRAPEVINE_DATABASE_CONNECTION_STRING"); v != "" {
		cfg.Global.Database.ConnectionString = v
	}
	if v := os.Getenv("GRAPEVINE_LOG_LEVEL"); v != "" {
		cfg.Global.Logging.Level = v
	}
	if v := os.Getenv("GRAPEVINE_FEDERATION_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FederationAPI.FederationMaxRetries = n
		}
	}
}
