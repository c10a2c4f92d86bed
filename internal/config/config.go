// Package config provides the configuration schema and loader for an
// entitymesh node.
package config

import (
	"fmt"
	"time"

	"github.com/MrWong99/entitymesh/pkg/entityid"
	"github.com/MrWong99/entitymesh/pkg/sharding"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML or TOML file using [Load].
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	Cluster     ClusterConfig     `yaml:"cluster" toml:"cluster" envPrefix:"CLUSTER_"`
	Persistence PersistenceConfig `yaml:"persistence" toml:"persistence" envPrefix:"PERSISTENCE_"`
	Storage     StorageConfig     `yaml:"storage" toml:"storage" envPrefix:"STORAGE_"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry" envPrefix:"TELEMETRY_"`
}

// ServerConfig holds network and logging settings of the admin server.
type ServerConfig struct {
	// ListenAddr is the TCP address the admin HTTP server listens on.
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr" env:"LISTEN_ADDR"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level" toml:"log_level" env:"LOG_LEVEL"`

	// ShutdownTimeout bounds graceful shutdown of the whole node.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// ClusterConfig describes the node sets hosted by this process.
type ClusterConfig struct {
	NodeSets []NodeSetConfig `yaml:"node_sets" toml:"node_sets"`

	// MailboxLimit bounds the external mail queued per entity. Zero means
	// unbounded.
	MailboxLimit int `yaml:"mailbox_limit" toml:"mailbox_limit" env:"MAILBOX_LIMIT"`
}

// NodeSetConfig is one node set of the topology.
type NodeSetConfig struct {
	Name string `yaml:"name" toml:"name"`

	// Kinds lists the entity kind names placed on this node set.
	Kinds []string `yaml:"kinds" toml:"kinds"`

	NodeCount int `yaml:"node_count" toml:"node_count"`
}

// PersistenceConfig tunes the persisted entity lifecycle.
type PersistenceConfig struct {
	// Codec is "cbor" or "json".
	Codec string `yaml:"codec" toml:"codec" env:"CODEC"`

	// Compression is "none", "deflate" or "zstd".
	Compression string `yaml:"compression" toml:"compression" env:"COMPRESSION"`

	SnapshotInterval            time.Duration `yaml:"snapshot_interval" toml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
	MinScheduledPersistInterval time.Duration `yaml:"min_scheduled_persist_interval" toml:"min_scheduled_persist_interval" env:"MIN_SCHEDULED_PERSIST_INTERVAL"`

	// ExtraChecks reads every serialized payload back before writing it.
	ExtraChecks bool `yaml:"extra_checks" toml:"extra_checks" env:"EXTRA_CHECKS"`
}

// StorageConfig selects the record store.
type StorageConfig struct {
	// Driver is "memory", "postgres" or "sqlite".
	Driver string `yaml:"driver" toml:"driver" env:"DRIVER"`

	// DSN is the PostgreSQL connection string or the SQLite file path.
	DSN string `yaml:"dsn" toml:"dsn" env:"DSN"`

	// BreakerFailures opens the storage circuit breaker after this many
	// consecutive failures. Zero disables the breaker.
	BreakerFailures int           `yaml:"breaker_failures" toml:"breaker_failures" env:"BREAKER_FAILURES"`
	BreakerReset    time.Duration `yaml:"breaker_reset" toml:"breaker_reset" env:"BREAKER_RESET"`
}

// TelemetryConfig configures metrics export.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`

	// MetricsPath is where the Prometheus handler is mounted. Empty
	// disables it.
	MetricsPath string `yaml:"metrics_path" toml:"metrics_path" env:"METRICS_PATH"`
}

// Default returns the configuration used for missing values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			LogLevel:        LogInfo,
			ShutdownTimeout: 30 * time.Second,
		},
		Cluster: ClusterConfig{
			NodeSets: []NodeSetConfig{{Name: "all", Kinds: []string{"*"}, NodeCount: 1}},
		},
		Persistence: PersistenceConfig{
			Codec:                       "cbor",
			Compression:                 "zstd",
			SnapshotInterval:            30 * time.Second,
			MinScheduledPersistInterval: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:       "memory",
			BreakerReset: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "entitymesh",
			MetricsPath: "/metrics",
		},
	}
}

// Topology resolves the node sets against the kinds registry. The kind name
// "*" places every registered kind.
func (c ClusterConfig) Topology(kinds *entityid.KindRegistry) (sharding.Topology, error) {
	var topo sharding.Topology
	for i, ns := range c.NodeSets {
		var mask entityid.KindMask
		for _, name := range ns.Kinds {
			if name == "*" {
				mask = mask.Union(kinds.Mask())
				continue
			}
			k, err := kinds.Resolve(name)
			if err != nil {
				return sharding.Topology{}, fmt.Errorf("config: cluster.node_sets[%d]: %w", i, err)
			}
			mask.Set(k)
		}
		topo.NodeSets = append(topo.NodeSets, sharding.NodeSet{Name: ns.Name, Placement: mask, NodeCount: ns.NodeCount})
	}
	if err := topo.Validate(); err != nil {
		return sharding.Topology{}, fmt.Errorf("config: cluster: %w", err)
	}
	return topo, nil
}
