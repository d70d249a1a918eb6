// Package config loads the node's configuration from YAML, following the
// teacher's per-subsystem Config-struct pattern (manager.Config,
// worker.Config, health.Config) collapsed into one root struct since this
// node has a single runtime mode rather than manager/worker roles.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol identifiers and wire-format strings (spec.md §6). These are
// passed into the driver constructor as immutable configuration rather
// than mutated as process-wide globals (spec.md §9, Design Notes).
const (
	DefaultKadStreamProtocolID   = "/swarmnode/kad/1.0.0"
	DefaultIdentifyProtocolStr   = "/swarmnode/id/1.0.0"
	DefaultReqResponseVersionStr = "/swarmnode/req-resp/1.0.0"
)

// Kademlia / replication constants (spec.md §3, §6).
const (
	CloseGroupSize    = 5
	ReplicationFactor = 5
	BucketSize        = 20
)

// Timing defaults (spec.md §5, §6).
const (
	DefaultRequestTimeout         = 30 * time.Second
	DefaultKademliaQueryTimeout   = 10 * time.Second
	DefaultIdleConnectionTimeout  = 10 * time.Second
	DefaultFreshRecordFlushWait   = 100 * time.Millisecond
	DefaultFreshRecordFlushTries  = 10
	DefaultIdentifyReemitInterval = 3600 * time.Second
	DefaultReplicationInterval    = 30 * time.Second
	DefaultCleanupInterval        = 5 * time.Minute
	DefaultRelayHealthInterval    = 30 * time.Second
)

// Relay server caps (spec.md §4.4, original_source/ network init).
const (
	DefaultRelayServerMaxReservations = 128
	DefaultRelayServerMaxCircuits     = 1024
	DefaultRelayServerMaxPerPeer      = 256
)

// Queue sizes (spec.md §4.6: "bounded channels sized 10,000").
const DefaultQueueSize = 10_000

// Config is the node's full configuration, recognising every option
// named in spec.md §6 plus the ambient additions (logging, metrics).
type Config struct {
	// KeypairPath points at the node's identity keypair file (required;
	// spec.md §6 "keypair (node identity, required)").
	KeypairPath string `yaml:"keypair_path"`

	// Local permits dialing private address ranges when true (spec.md §6).
	Local bool `yaml:"local"`

	// InitialContacts is the list of bootstrap multiaddrs (spec.md §6).
	InitialContacts []string `yaml:"initial_contacts"`

	// ListenAddr is the QUIC listen socket address (spec.md §6).
	ListenAddr string `yaml:"listen_addr"`

	// RootDir is the per-node persistent state directory (spec.md §3, §6).
	RootDir string `yaml:"root_dir"`

	// NetworkKeyVersion identifies the network namespace; a mismatch with
	// the on-disk version wipes record_store/ (spec.md §3, §8 Property 1).
	NetworkKeyVersion string `yaml:"network_key_version"`

	// BootstrapCachePath is the optional persistent peer cache (spec.md
	// §6 "bootstrap_cache"); empty disables it.
	BootstrapCachePath string `yaml:"bootstrap_cache_path"`

	// NoUPnP disables UPnP port mapping (spec.md §6).
	NoUPnP bool `yaml:"no_upnp"`

	// RelayClient enables the relay-client role; mutually exclusive with
	// the relay-server role (spec.md §4.4, §6).
	RelayClient bool `yaml:"relay_client"`

	// CustomRequestTimeout overrides DefaultRequestTimeout when non-zero
	// (spec.md §6).
	CustomRequestTimeout time.Duration `yaml:"custom_request_timeout"`

	// MetricsServerPort enables the Prometheus exporter when non-zero
	// (spec.md §6).
	MetricsServerPort int `yaml:"metrics_server_port"`

	// AdminAddr binds the loopback admin API (SPEC_FULL.md §4); empty
	// disables it.
	AdminAddr string `yaml:"admin_addr"`

	// MaxValueBytes overrides the default 1 MiB record size ceiling.
	MaxValueBytes int `yaml:"max_value_bytes"`

	// Logging configuration (ambient stack).
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a Config with the constants above applied, with only
// the fields spec.md marks required left unset.
func Default() Config {
	return Config{
		Local:             false,
		ListenAddr:        "0.0.0.0:0",
		RootDir:           "./data",
		NetworkKeyVersion: "default",
		NoUPnP:            false,
		RelayClient:       false,
		MaxValueBytes:     0, // 0 means "use types.MaxValueBytes"
		LogLevel:          "info",
		LogJSON:           false,
		AdminAddr:         "127.0.0.1:9191",
	}
}

// Load reads and parses a YAML config file on top of Default(): any
// field the file leaves out keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := LoadInto(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadInto parses the YAML file at path into cfg, overlaying whatever
// fields are present in the file on top of cfg's current values.
func LoadInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration errors that are fatal at startup
// (spec.md §7 "Configuration: missing keypair, invalid multiaddr").
func (c Config) Validate() error {
	if c.KeypairPath == "" {
		return fmt.Errorf("keypair path is required")
	}
	if c.RootDir == "" {
		return fmt.Errorf("root_dir is required")
	}
	if c.NetworkKeyVersion == "" {
		return fmt.Errorf("network_key_version is required")
	}
	if c.MetricsServerPort < 0 {
		return fmt.Errorf("metrics_server_port must not be negative")
	}
	return nil
}

// RequestTimeout returns CustomRequestTimeout if set, otherwise the
// default.
func (c Config) RequestTimeout() time.Duration {
	if c.CustomRequestTimeout > 0 {
		return c.CustomRequestTimeout
	}
	return DefaultRequestTimeout
}

// EffectiveMaxValueBytes returns MaxValueBytes if set, otherwise the
// package default from pkg/types.
func (c Config) EffectiveMaxValueBytes() int {
	if c.MaxValueBytes > 0 {
		return c.MaxValueBytes
	}
	return 1 << 20
}
