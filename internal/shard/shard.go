package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/entitymesh/internal/entity"
	"github.com/MrWong99/entitymesh/pkg/entityid"
	"github.com/MrWong99/entitymesh/pkg/sharding"
)

// autoRestartDelay spaces restarts of crashed auto-spawn entities.
const autoRestartDelay = 100 * time.Millisecond

// State is the lifecycle state of a [Shard].
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Shard owns every live entity of one kind on one node. It implements
// [entity.Host] for the actors it spawns.
type Shard struct {
	id  sharding.ShardID
	cfg *entity.Config
	rt  *entity.Runtime
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	actors    map[entityid.ID]*entity.Actor
	autoSpawn map[entityid.ID]struct{}
	spawned   int
	crashed   int
}

// Info is a point-in-time summary of a shard.
type Info struct {
	Shard     sharding.ShardID
	Kind      string
	State     string
	Entities  int
	AutoSpawn int
	Spawned   int
	Crashed   int
}

func newShard(id sharding.ShardID, cfg *entity.Config, rt *entity.Runtime, log *slog.Logger) *Shard {
	return &Shard{
		id:        id,
		cfg:       cfg,
		rt:        rt,
		log:       log.With("shard", id.String(), "kind", rt.Kinds.Name(id.Kind)),
		actors:    make(map[entityid.ID]*entity.Actor),
		autoSpawn: make(map[entityid.ID]struct{}),
	}
}

// ID returns the shard's id.
func (s *Shard) ID() sharding.ShardID { return s.id }

// Config returns the entity configuration of the shard's kind.
func (s *Shard) Config() *entity.Config { return s.cfg }

// State returns the shard's current state.
func (s *Shard) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info summarises the shard.
func (s *Shard) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Shard:     s.id,
		Kind:      s.rt.Kinds.Name(s.id.Kind),
		State:     s.state.String(),
		Entities:  len(s.actors),
		AutoSpawn: len(s.autoSpawn),
		Spawned:   s.spawned,
		Crashed:   s.crashed,
	}
}

// Entities lists the ids of live entities, ordered.
func (s *Shard) Entities() []entityid.ID {
	s.mu.Lock()
	ids := make([]entityid.ID, 0, len(s.actors))
	for id := range s.actors {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.SortFunc(ids, entityid.Compare)
	return ids
}

// start marks the shard running and spawns its auto-spawn entities.
func (s *Shard) start(ctx context.Context, topo sharding.Topology) error {
	ids, err := s.cfg.Strategy.AutoSpawn(topo, s.id)
	if err != nil {
		return fmt.Errorf("shard %s: auto-spawn list: %w", s.id, err)
	}

	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return fmt.Errorf("shard %s: start in state %s", s.id, s.state)
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.state = StateRunning
	for _, id := range ids {
		s.autoSpawn[id] = struct{}{}
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if _, err := s.route(id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shard %s: auto-spawn: %w", s.id, err)
	}
	s.log.Debug("shard started", "auto_spawned", len(ids))
	return nil
}

// route returns the live actor of id, spawning it when allowed.
func (s *Shard) route(id entityid.ID) (*entity.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateCreated:
		return nil, fmt.Errorf("%w: %s", ErrShardNotRunning, s.id)
	case StateStopping, StateStopped:
		return nil, fmt.Errorf("%w: %s", ErrShardStopping, s.id)
	}
	if a, ok := s.actors[id]; ok {
		return a, nil
	}
	return s.spawnLocked(id)
}

func (s *Shard) spawnLocked(id entityid.ID) (*entity.Actor, error) {
	if _, auto := s.autoSpawn[id]; !auto && !s.cfg.AllowEntitySpawn {
		return nil, fmt.Errorf("%w: %s on %s", ErrSpawnNotAllowed, s.rt.Format(id), s.id)
	}
	a, err := entity.Spawn(s.ctx, s.rt, s.cfg, id, s)
	if err != nil {
		return nil, fmt.Errorf("shard %s: spawn %s: %w", s.id, s.rt.Format(id), err)
	}
	s.actors[id] = a
	s.spawned++
	return a, nil
}

// ActorStopped removes a from the shard. Leftover mail is handed to a new
// incarnation while the shard runs; crashed auto-spawn entities restart
// after [autoRestartDelay].
func (s *Shard) ActorStopped(a *entity.Actor, err error, leftovers []entity.Letter) {
	crashed := err != nil && !errors.Is(err, entity.ErrAborted)
	s.mu.Lock()
	if s.actors[a.ID()] == a {
		delete(s.actors, a.ID())
	}
	if crashed {
		s.crashed++
	}
	running := s.state == StateRunning
	_, auto := s.autoSpawn[a.ID()]
	s.mu.Unlock()

	if !running {
		for _, l := range leftovers {
			l.Fail(fmt.Errorf("%w: %s", ErrShardStopping, s.id))
		}
		return
	}
	if len(leftovers) == 0 {
		if auto && crashed {
			time.AfterFunc(autoRestartDelay, func() { s.restart(a.ID()) })
		}
		return
	}

	next, rerr := s.route(a.ID())
	if rerr != nil {
		s.log.Warn("cannot re-route leftover messages", "entity", s.rt.Format(a.ID()), "error", rerr)
		for _, l := range leftovers {
			l.Fail(rerr)
		}
		return
	}
	for _, l := range leftovers {
		if derr := next.Deliver(l); derr != nil {
			l.Fail(derr)
		}
	}
	s.log.Debug("re-routed leftover messages", "entity", s.rt.Format(a.ID()), "count", len(leftovers))
}

func (s *Shard) restart(id entityid.ID) {
	if _, err := s.route(id); err != nil && !errors.Is(err, ErrShardStopping) {
		s.log.Warn("cannot restart crashed entity", "entity", s.rt.Format(id), "error", err)
	}
}

// stop shuts every entity down gracefully, at most MaxConcurrentShutdowns
// at a time. Entities still running after ShardShutdownTimeout are aborted.
func (s *Shard) stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	actors := make([]*entity.Actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShardShutdownTimeout)
	defer cancel()

	var sem *semaphore.Weighted
	if n := s.cfg.MaxConcurrentShutdowns; n > 0 {
		sem = semaphore.NewWeighted(int64(n))
	}
	g, gctx := errgroup.WithContext(ctx)
	var acquireErr error
	for _, a := range actors {
		if sem != nil {
			if acquireErr = sem.Acquire(gctx, 1); acquireErr != nil {
				break
			}
		}
		g.Go(func() error {
			if sem != nil {
				defer sem.Release(1)
			}
			a.Stop()
			return a.Wait(gctx)
		})
	}
	err := g.Wait()
	if err == nil {
		err = acquireErr
	}

	s.cancel()
	for _, a := range actors {
		<-a.Done()
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("shard shutdown timed out, aborted remaining entities",
			"timeout", s.cfg.ShardShutdownTimeout, "entities", len(actors))
		return fmt.Errorf("shard %s: shutdown: %w", s.id, err)
	}
	s.log.Debug("shard stopped", "entities", len(actors), "elapsed", time.Since(start))
	return nil
}
