package config

import "slices"

// ConfigDiff describes what changed between two configs. Only the log level
// and the persistence tuning apply without a restart; every other change is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PersistenceChanged bool
	NewPersistence     PersistenceConfig

	// RestartRequired names the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// IsEmpty reports whether nothing changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.PersistenceChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Persistence.SnapshotInterval != new.Persistence.SnapshotInterval ||
		old.Persistence.MinScheduledPersistInterval != new.Persistence.MinScheduledPersistInterval ||
		old.Persistence.ExtraChecks != new.Persistence.ExtraChecks {
		d.PersistenceChanged = true
		d.NewPersistence = new.Persistence
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.ShutdownTimeout != new.Server.ShutdownTimeout {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !clusterEqual(old.Cluster, new.Cluster) {
		d.RestartRequired = append(d.RestartRequired, "cluster")
	}
	if old.Persistence.Codec != new.Persistence.Codec || old.Persistence.Compression != new.Persistence.Compression {
		d.RestartRequired = append(d.RestartRequired, "persistence")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func clusterEqual(a, b ClusterConfig) bool {
	return a.MailboxLimit == b.MailboxLimit &&
		slices.EqualFunc(a.NodeSets, b.NodeSets, func(x, y NodeSetConfig) bool {
			return x.Name == y.Name && x.NodeCount == y.NodeCount && slices.Equal(x.Kinds, y.Kinds)
		})
}
