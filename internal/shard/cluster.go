// Package shard hosts entities in-process. A [Cluster] creates one [Shard]
// per (kind, node set, node) of a [sharding.Topology], resolves entity ids to
// their shard with the kind's strategy and implements [entity.Router].
//
// Shards start grouped by [entity.ShardGroup]: base services first, then
// service proxies, then workloads. They stop in the reverse order.
package shard

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/entitymesh/internal/entity"
	"github.com/MrWong99/entitymesh/pkg/entityid"
	"github.com/MrWong99/entitymesh/pkg/sharding"
)

var (
	// ErrUnknownKind is returned when routing to a kind without entity
	// configuration.
	ErrUnknownKind = errors.New("shard: no entity configuration for kind")

	// ErrShardNotRunning is returned when routing before the cluster started.
	ErrShardNotRunning = errors.New("shard: shard not running")

	// ErrShardStopping is returned when routing to a shard that is shutting
	// down.
	ErrShardStopping = errors.New("shard: shard stopping")

	// ErrSpawnNotAllowed is returned for ids that are neither live nor
	// auto-spawned on a kind that does not allow spawning on demand.
	ErrSpawnNotAllowed = errors.New("shard: entity spawn not allowed")
)

// Options configures a [Cluster].
type Options struct {
	// Topology lists the node sets of the cluster. Every node lives in this
	// process.
	Topology sharding.Topology

	// Configs holds the entity configuration of every kind to host.
	Configs *entity.ConfigRegistry

	// Runtime is shared by every actor. Its Router is set to the cluster.
	Runtime *entity.Runtime

	// Logger defaults to the runtime's logger or slog.Default().
	Logger *slog.Logger
}

// Cluster is a set of shards living in one process.
type Cluster struct {
	topo    sharding.Topology
	configs *entity.ConfigRegistry
	rt      *entity.Runtime
	log     *slog.Logger

	shards  map[sharding.ShardID]*Shard
	ordered []*Shard
	started atomic.Bool
}

// New creates the shards of every configured kind placed on opts.Topology.
// Configured kinds without any node are skipped with a warning.
func New(opts Options) (*Cluster, error) {
	if opts.Runtime == nil || opts.Configs == nil {
		return nil, fmt.Errorf("shard: runtime and entity configs are required")
	}
	if err := opts.Topology.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = opts.Runtime.Logger
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Cluster{
		topo:    opts.Topology,
		configs: opts.Configs,
		rt:      opts.Runtime,
		log:     log,
		shards:  make(map[sharding.ShardID]*Shard),
	}
	c.rt.Router = c
	if err := c.rt.Validate(); err != nil {
		return nil, err
	}

	for _, cfg := range opts.Configs.All() {
		ids := c.topo.Shards(cfg.Kind)
		if len(ids) == 0 {
			log.Warn("entity kind has no shards in topology", "kind", c.rt.Kinds.Name(cfg.Kind))
			continue
		}
		for _, id := range ids {
			s := newShard(id, cfg, c.rt, log)
			c.shards[id] = s
			c.ordered = append(c.ordered, s)
		}
	}
	slices.SortFunc(c.ordered, func(a, b *Shard) int {
		return cmp.Or(
			cmp.Compare(a.id.Kind, b.id.Kind),
			cmp.Compare(a.id.NodeSetIndex, b.id.NodeSetIndex),
			cmp.Compare(a.id.NodeIndex, b.id.NodeIndex),
		)
	})
	return c, nil
}

// Runtime returns the shared entity runtime.
func (c *Cluster) Runtime() *entity.Runtime { return c.rt }

// Topology returns the cluster layout.
func (c *Cluster) Topology() sharding.Topology { return c.topo }

// Client returns a client for messaging entities from outside any entity.
func (c *Cluster) Client() *entity.Client { return entity.NewClient(c.rt) }

// Shard returns the shard with id.
func (c *Cluster) Shard(id sharding.ShardID) (*Shard, bool) {
	s, ok := c.shards[id]
	return s, ok
}

// Shards returns every shard ordered by kind, node set and node.
func (c *Cluster) Shards() []*Shard { return slices.Clone(c.ordered) }

// Info summarises every shard.
func (c *Cluster) Info() []Info {
	out := make([]Info, 0, len(c.ordered))
	for _, s := range c.ordered {
		out = append(out, s.Info())
	}
	return out
}

// Started reports whether [Cluster.Start] completed.
func (c *Cluster) Started() bool { return c.started.Load() }

// Resolve returns the shard owning id.
func (c *Cluster) Resolve(id entityid.ID) (*Shard, error) {
	cfg, ok := c.configs.Get(id.Kind())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, c.rt.Kinds.Name(id.Kind()))
	}
	sid, err := cfg.Strategy.ResolveShard(c.topo, id)
	if err != nil {
		return nil, fmt.Errorf("shard: resolve %s: %w", c.rt.Format(id), err)
	}
	s, ok := c.shards[sid]
	if !ok {
		return nil, fmt.Errorf("%w: %s for %s", sharding.ErrNoShards, sid, c.rt.Format(id))
	}
	return s, nil
}

// Route implements [entity.Router].
func (c *Cluster) Route(_ context.Context, id entityid.ID) (*entity.Actor, error) {
	s, err := c.Resolve(id)
	if err != nil {
		return nil, err
	}
	return s.route(id)
}

// groups lists shard groups in start order.
var groups = []entity.ShardGroup{
	entity.ShardGroupBaseServices,
	entity.ShardGroupServiceProxies,
	entity.ShardGroupWorkloads,
}

func (c *Cluster) group(g entity.ShardGroup) []*Shard {
	var out []*Shard
	for _, s := range c.ordered {
		if s.cfg.ShardGroup == g {
			out = append(out, s)
		}
	}
	return out
}

// Start starts every shard group in order; shards within a group start
// concurrently. Entities outlive ctx; stop them with [Cluster.Stop].
func (c *Cluster) Start(ctx context.Context) error {
	for _, g := range groups {
		shards := c.group(g)
		if len(shards) == 0 {
			continue
		}
		eg, egCtx := errgroup.WithContext(ctx)
		for _, s := range shards {
			eg.Go(func() error { return s.start(egCtx, c.topo) })
		}
		if err := eg.Wait(); err != nil {
			return fmt.Errorf("shard: start %s: %w", g, err)
		}
		c.log.Info("shard group started", "group", g.String(), "shards", len(shards))
	}
	c.started.Store(true)
	return nil
}

// Stop stops shard groups in reverse start order. Every group is stopped
// even when an earlier one failed; the errors are joined.
func (c *Cluster) Stop(ctx context.Context) error {
	c.started.Store(false)
	var errs []error
	for _, g := range slices.Backward(groups) {
		shards := c.group(g)
		if len(shards) == 0 {
			continue
		}
		var eg errgroup.Group
		groupErrs := make([]error, len(shards))
		for i, s := range shards {
			eg.Go(func() error {
				groupErrs[i] = s.stop(ctx)
				return nil
			})
		}
		_ = eg.Wait()
		errs = append(errs, groupErrs...)
		c.log.Info("shard group stopped", "group", g.String(), "shards", len(shards))
	}
	return errors.Join(errs...)
}
