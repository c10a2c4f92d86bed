package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/entitymesh/pkg/codec"
)

// EnvPrefix prefixes every environment override, e.g.
// ENTITYMESH_STORAGE_DSN.
const EnvPrefix = "ENTITYMESH_"

// Format is the syntax of a configuration file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf picks the format from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("config: cannot tell the format of %q; use .yaml, .yml or .toml", path)
}

var storageDrivers = []string{"memory", "postgres", "sqlite"}

// Load reads the configuration file at path, applies ENTITYMESH_*
// environment overrides and returns the validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	return load(path, data, os.Environ())
}

func load(path string, data []byte, environ []string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(bytes.NewReader(data), format)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := ApplyEnv(cfg, env.ToMap(environ)); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a config in the given format from r and validates
// the result. Environment overrides are not applied.
func LoadFromReader(r io.Reader, format Format) (*Config, error) {
	cfg, err := decode(r, format)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode reads r over [Default]. Unknown keys are errors in both formats.
func decode(r io.Reader, format Format) (*Config, error) {
	cfg := Default()
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	case FormatTOML:
		meta, err := toml.NewDecoder(r).Decode(cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode toml: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: decode toml: unknown keys %s", strings.Join(keys, ", "))
		}
	default:
		return nil, fmt.Errorf("config: unknown format %q", format)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the ENTITYMESH_* entries of environ. Node sets
// can only be set from the file.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must be positive, got %s", cfg.Server.ShutdownTimeout))
	}

	if len(cfg.Cluster.NodeSets) == 0 {
		errs = append(errs, errors.New("cluster.node_sets must list at least one node set"))
	}
	names := make(map[string]int, len(cfg.Cluster.NodeSets))
	for i, ns := range cfg.Cluster.NodeSets {
		prefix := fmt.Sprintf("cluster.node_sets[%d]", i)
		if ns.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := names[ns.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of cluster.node_sets[%d]", prefix, ns.Name, prev))
			}
			names[ns.Name] = i
		}
		if len(ns.Kinds) == 0 {
			errs = append(errs, fmt.Errorf("%s.kinds must not be empty", prefix))
		}
		if ns.NodeCount <= 0 {
			errs = append(errs, fmt.Errorf("%s.node_count must be positive, got %d", prefix, ns.NodeCount))
		}
	}
	if cfg.Cluster.MailboxLimit < 0 {
		errs = append(errs, fmt.Errorf("cluster.mailbox_limit must not be negative, got %d", cfg.Cluster.MailboxLimit))
	}

	p := cfg.Persistence
	if p.Codec != "cbor" && p.Codec != "json" {
		errs = append(errs, fmt.Errorf("persistence.codec %q is invalid; valid values: cbor, json", p.Codec))
	}
	if !codec.Compression(p.Compression).IsValid() {
		errs = append(errs, fmt.Errorf("persistence.compression %q is invalid; valid values: none, deflate, zstd", p.Compression))
	}
	if p.SnapshotInterval <= 0 {
		errs = append(errs, fmt.Errorf("persistence.snapshot_interval must be positive, got %s", p.SnapshotInterval))
	}
	if p.MinScheduledPersistInterval < 0 {
		errs = append(errs, fmt.Errorf("persistence.min_scheduled_persist_interval must not be negative, got %s", p.MinScheduledPersistInterval))
	}

	s := cfg.Storage
	if !slices.Contains(storageDrivers, s.Driver) {
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: %s", s.Driver, strings.Join(storageDrivers, ", ")))
	}
	if (s.Driver == "postgres" || s.Driver == "sqlite") && s.DSN == "" {
		errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", s.Driver))
	}
	if s.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("storage.breaker_failures must not be negative, got %d", s.BreakerFailures))
	}

	if mp := cfg.Telemetry.MetricsPath; mp != "" && !strings.HasPrefix(mp, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", mp))
	}

	return errors.Join(errs...)
}
