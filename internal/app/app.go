// Package app wires the subsystems of an entitymesh node into a running
// process.
//
// The App struct owns the full lifecycle: New opens the record store and
// builds the shard cluster, Run starts the shards and serves the admin HTTP
// surface, and Shutdown drains and tears everything down in order.
//
// For testing, inject collaborators via functional options (WithStore,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/entitymesh/internal/config"
	"github.com/MrWong99/entitymesh/internal/entity"
	"github.com/MrWong99/entitymesh/internal/health"
	"github.com/MrWong99/entitymesh/internal/observe"
	"github.com/MrWong99/entitymesh/internal/resilience"
	"github.com/MrWong99/entitymesh/internal/sample"
	"github.com/MrWong99/entitymesh/internal/shard"
	"github.com/MrWong99/entitymesh/internal/storage"
	"github.com/MrWong99/entitymesh/pkg/codec"
	"github.com/MrWong99/entitymesh/pkg/entityid"
)

// App owns all subsystem lifetimes of one node.
type App struct {
	cfg *config.Config
	log *slog.Logger

	kinds          *entityid.KindRegistry
	store          storage.Store
	metrics        *observe.Metrics
	metricsHandler http.Handler
	tuning         *sample.LiveTuning
	cluster        *shard.Cluster
	health         *health.Handler
	handler        http.Handler

	listener net.Listener
	srv      *http.Server

	// closers are called in order during Shutdown, after the shards stopped.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a record store instead of opening one from config. The
// caller keeps ownership: Shutdown does not close it.
func WithStore(s storage.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metric instruments shared by the runtime and the
// HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at the configured metrics path.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithListener serves the admin surface on l instead of listening on
// cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App by wiring all subsystems together. Nothing is started
// until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	kinds, err := entityid.NewDefaultRegistry()
	if err != nil {
		return nil, fmt.Errorf("app: kinds: %w", err)
	}
	a.kinds = kinds

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	if err := a.initCluster(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init cluster: %w", err)
	}

	a.health = health.New(
		health.PingChecker("storage", a.store),
		health.StartedChecker("shards", a.cluster.Started),
	)
	a.handler = observe.Middleware(a.metrics)(a.routes())
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	sc := a.cfg.Storage
	s, err := storage.Open(ctx, storage.Options{
		Driver:          sc.Driver,
		DSN:             sc.DSN,
		BreakerFailures: sc.BreakerFailures,
		BreakerReset:    sc.BreakerReset,
		OnBreakerChange: func(name string, from, to resilience.State) {
			a.log.Warn("storage breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	a.log.Info("record store opened", "driver", sc.Driver)
	return nil
}

func (a *App) initCluster() error {
	pc := a.cfg.Persistence
	cdc, err := codec.ByName(pc.Codec)
	if err != nil {
		return err
	}
	a.tuning = sample.NewLiveTuning(tuningOf(pc))

	configs, err := entity.NewConfigRegistry(a.kinds, sample.Configs(sample.Options{
		Store:       a.store,
		Codec:       cdc,
		Compression: codec.Compression(pc.Compression),
		Live:        a.tuning,
	})...)
	if err != nil {
		return err
	}
	topo, err := a.cfg.Cluster.Topology(a.kinds)
	if err != nil {
		return err
	}

	rt := &entity.Runtime{
		Kinds:        a.kinds,
		Messages:     entity.NewMessageRegistry().MustAdd(sample.Messages()...),
		Codec:        cdc,
		Metrics:      a.metrics,
		Logger:       a.log,
		MailboxLimit: a.cfg.Cluster.MailboxLimit,
	}
	a.cluster, err = shard.New(shard.Options{Topology: topo, Configs: configs, Runtime: rt, Logger: a.log})
	return err
}

func tuningOf(pc config.PersistenceConfig) sample.Tuning {
	return sample.Tuning{
		SnapshotInterval:            pc.SnapshotInterval,
		MinScheduledPersistInterval: pc.MinScheduledPersistInterval,
		ExtraChecks:                 pc.ExtraChecks,
	}
}

// Cluster returns the shard cluster.
func (a *App) Cluster() *shard.Cluster { return a.cluster }

// Handler returns the admin HTTP handler, wrapped in the telemetry
// middleware.
func (a *App) Handler() http.Handler { return a.handler }

// ApplyPersistence publishes hot-reloadable persistence settings. Players
// started afterwards use them; running incarnations keep theirs.
func (a *App) ApplyPersistence(pc config.PersistenceConfig) {
	a.tuning.Store(tuningOf(pc))
	a.log.Info("persistence tuning updated",
		"snapshot_interval", pc.SnapshotInterval,
		"min_scheduled_persist_interval", pc.MinScheduledPersistInterval,
		"extra_checks", pc.ExtraChecks,
	)
}

// Run starts the shards and serves the admin surface until ctx is
// cancelled. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	if err := a.cluster.Start(ctx); err != nil {
		return fmt.Errorf("app: start shards: %w", err)
	}

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	a.srv = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.Serve(ln) }()
	a.log.Info("node running", "addr", ln.Addr().String(), "shards", len(a.cluster.Shards()))

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown marks the node as draining, stops the shards so persisted
// entities write their final records, then stops the HTTP server and runs
// the closers. It respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		a.health.SetDraining()

		if err := a.cluster.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop shards: %w", err))
		}
		if a.srv != nil {
			if err := a.srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop http: %w", err))
			}
		}
		if ctx.Err() != nil {
			a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers))
			errs = append(errs, ctx.Err())
			return
		}
		a.closeAll()
		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func (a *App) closeAll() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
