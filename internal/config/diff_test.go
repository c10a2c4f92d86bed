package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/entitymesh/internal/config"
)

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		mutate      func(*config.Config)
		logLevel    bool
		persistence bool
		restart     []string
	}{
		{"no change", func(*config.Config) {}, false, false, nil},
		{"log level", func(c *config.Config) { c.Server.LogLevel = config.LogDebug }, true, false, nil},
		{"snapshot interval", func(c *config.Config) { c.Persistence.SnapshotInterval = time.Minute }, false, true, nil},
		{"extra checks", func(c *config.Config) { c.Persistence.ExtraChecks = true }, false, true, nil},
		{"codec", func(c *config.Config) { c.Persistence.Codec = "json" }, false, false, []string{"persistence"}},
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }, false, false, []string{"server"}},
		{"node count", func(c *config.Config) { c.Cluster.NodeSets[0].NodeCount = 4 }, false, false, []string{"cluster"}},
		{"node kinds", func(c *config.Config) { c.Cluster.NodeSets[0].Kinds = []string{"Player"} }, false, false, []string{"cluster"}},
		{
			"several",
			func(c *config.Config) {
				c.Server.LogLevel = config.LogError
				c.Storage.DSN = "other.db"
				c.Telemetry.MetricsPath = "/m"
			},
			true, false, []string{"storage", "telemetry"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, updated := config.Default(), config.Default()
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if d.LogLevelChanged != tt.logLevel {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tt.logLevel)
			}
			if tt.logLevel && d.NewLogLevel != updated.Server.LogLevel {
				t.Errorf("NewLogLevel = %q, want %q", d.NewLogLevel, updated.Server.LogLevel)
			}
			if d.PersistenceChanged != tt.persistence {
				t.Errorf("PersistenceChanged = %v, want %v", d.PersistenceChanged, tt.persistence)
			}
			if tt.persistence && d.NewPersistence != updated.Persistence {
				t.Errorf("NewPersistence = %+v, want %+v", d.NewPersistence, updated.Persistence)
			}
			if !slices.Equal(d.RestartRequired, tt.restart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.restart)
			}
			if empty := tt.name == "no change"; d.IsEmpty() != empty {
				t.Errorf("IsEmpty = %v, want %v", d.IsEmpty(), empty)
			}
		})
	}
}
