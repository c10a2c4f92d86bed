package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and reports edits that produce a different,
// valid configuration. Invalid edits are logged and the previous
// configuration stays current. Edits that change nothing [Diff] can see,
// such as comments or reordering, are not reported.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, updated *Config)
	environ  func() []string
	log      *slog.Logger

	mu   sync.Mutex
	last fileState

	done     chan struct{}
	stopOnce sync.Once
}

// fileState is what the watcher knows about the last accepted file.
type fileState struct {
	cfg   *Config
	hash  [sha256.Size]byte
	mtime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets the logger used for reload messages.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithEnviron replaces [os.Environ] as the source of ENTITYMESH_*
// overrides applied on every reload.
func WithEnviron(environ func() []string) WatcherOption {
	return func(w *Watcher) {
		if environ != nil {
			w.environ = environ
		}
	}
}

// NewWatcher loads the config at path and starts polling it in a background
// goroutine. onChange may be nil.
func NewWatcher(path string, onChange func(old, updated *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		environ:  os.Environ,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.last = st

	go w.poll()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Stop stops polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.last.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	st, err := w.read()
	if err != nil {
		w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.last
	if st.hash == old.hash {
		w.last.mtime = st.mtime
		w.mu.Unlock()
		return
	}
	d := Diff(old.cfg, st.cfg)
	if d.IsEmpty() {
		// Same settings, different bytes: remember the file, keep the config.
		w.last.hash, w.last.mtime = st.hash, st.mtime
		w.mu.Unlock()
		w.log.Debug("config watcher: edit changed no settings", "path", w.path)
		return
	}
	w.last = st
	w.mu.Unlock()

	w.log.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"persistence_changed", d.PersistenceChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old.cfg, st.cfg)
	}
}

// read parses and validates the file and returns it with its SHA-256 and
// modification time.
func (w *Watcher) read() (fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileState{}, err
	}
	cfg, err := load(w.path, data, w.environ())
	if err != nil {
		return fileState{}, err
	}
	return fileState{cfg: cfg, hash: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
