package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/entitymesh/internal/config"
)

const baseYAML = `
server:
  log_level: info
persistence:
  snapshot_interval: 30s
cluster:
  node_sets:
    - name: all
      kinds: ["*"]
      node_count: 1
`

const pollInterval = 20 * time.Millisecond

type reload struct{ old, updated *config.Config }

// watch writes doc to name in a temp dir and starts a watcher on it whose
// reloads are sent on the returned channel.
func watch(t *testing.T, name, doc string, opts ...config.WatcherOption) (string, *config.Watcher, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	writeFile(t, path, doc)

	ch := make(chan reload, 8)
	opts = append([]config.WatcherOption{config.WithInterval(pollInterval)}, opts...)
	w, err := config.NewWatcher(path, func(old, updated *config.Config) {
		ch <- reload{old, updated}
	}, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, ch
}

// rewrite replaces the file and pushes its mtime forward, so coarse file
// system clocks still see a change.
func rewrite(t *testing.T, path, doc string) {
	t.Helper()
	writeFile(t, path, doc)
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func expectReload(t *testing.T, ch <-chan reload) reload {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reload reported")
		return reload{}
	}
}

func expectQuiet(t *testing.T, ch <-chan reload) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected reload to %+v", r.updated)
	case <-time.After(10 * pollInterval):
	}
}

func TestWatcher_ReportsHotChanges(t *testing.T) {
	t.Parallel()
	path, w, ch := watch(t, "mesh.yaml", baseYAML)
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Fatalf("initial log level = %q", got)
	}

	rewrite(t, path, `
server:
  log_level: debug
persistence:
  snapshot_interval: 5s
cluster:
  node_sets:
    - name: all
      kinds: ["*"]
      node_count: 1
`)
	r := expectReload(t, ch)
	d := config.Diff(r.old, r.updated)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.PersistenceChanged || d.NewPersistence.SnapshotInterval != 5*time.Second {
		t.Errorf("persistence diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
	if w.Current() != r.updated {
		t.Error("Current does not return the reloaded config")
	}
}

func TestWatcher_TopologyChangeNeedsRestart(t *testing.T) {
	t.Parallel()
	path, _, ch := watch(t, "mesh.yaml", baseYAML)

	rewrite(t, path, `
server:
  log_level: info
persistence:
  snapshot_interval: 30s
cluster:
  node_sets:
    - name: all
      kinds: ["*"]
      node_count: 3
`)
	r := expectReload(t, ch)
	d := config.Diff(r.old, r.updated)
	if d.LogLevelChanged || d.PersistenceChanged {
		t.Errorf("unexpected hot changes in %+v", d)
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "cluster" {
		t.Errorf("RestartRequired = %v, want [cluster]", d.RestartRequired)
	}
}

func TestWatcher_IgnoredEdits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		edit func(t *testing.T, path string)
	}{
		{"invalid value", func(t *testing.T, path string) {
			rewrite(t, path, "server:\n  log_level: bananas\n")
		}},
		{"unknown key", func(t *testing.T, path string) {
			rewrite(t, path, baseYAML+"extra: 1\n")
		}},
		{"comment only", func(t *testing.T, path string) {
			rewrite(t, path, "# tuned for staging\n"+baseYAML)
		}},
		{"touch", func(t *testing.T, path string) {
			later := time.Now().Add(2 * time.Second)
			if err := os.Chtimes(path, later, later); err != nil {
				t.Fatalf("Chtimes: %v", err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path, w, ch := watch(t, "mesh.yaml", baseYAML)
			before := w.Current()

			tt.edit(t, path)
			expectQuiet(t, ch)
			if w.Current() != before {
				t.Error("Current changed after an ignored edit")
			}
		})
	}
}

func TestWatcher_EnvironmentAppliesOnReload(t *testing.T) {
	t.Parallel()
	environ := func() []string { return []string{"ENTITYMESH_SERVER_LOG_LEVEL=error"} }
	path, w, ch := watch(t, "mesh.yaml", baseYAML, config.WithEnviron(environ))
	if got := w.Current().Server.LogLevel; got != config.LogError {
		t.Fatalf("initial log level = %q, want the env override", got)
	}

	rewrite(t, path, `
server:
  log_level: debug
persistence:
  snapshot_interval: 1m
cluster:
  node_sets:
    - name: all
      kinds: ["*"]
      node_count: 1
`)
	r := expectReload(t, ch)
	if r.updated.Server.LogLevel != config.LogError {
		t.Errorf("reloaded log level = %q, env must still win", r.updated.Server.LogLevel)
	}
	if d := config.Diff(r.old, r.updated); d.LogLevelChanged || !d.PersistenceChanged {
		t.Errorf("Diff = %+v, want only the persistence change", d)
	}
}

func TestWatcher_TOMLFile(t *testing.T) {
	t.Parallel()
	path, w, ch := watch(t, "mesh.toml", "[server]\nlog_level = \"warn\"\n")
	if got := w.Current().Server.LogLevel; got != config.LogWarn {
		t.Fatalf("initial log level = %q", got)
	}
	rewrite(t, path, "[server]\nlog_level = \"info\"\n")
	if r := expectReload(t, ch); r.updated.Server.LogLevel != config.LogInfo {
		t.Errorf("reloaded log level = %q", r.updated.Server.LogLevel)
	}
}

func TestNewWatcher_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "server:\n  log_level: bananas\n")

	for _, path := range []string{filepath.Join(dir, "missing.yaml"), bad} {
		if _, err := config.NewWatcher(path, nil); err == nil {
			t.Errorf("NewWatcher(%s) succeeded", filepath.Base(path))
		}
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	_, w, _ := watch(t, "mesh.yaml", baseYAML)
	w.Stop()
	w.Stop()
}
