// Package sample holds the demonstration entities hosted by entityd: a
// persisted player, an ephemeral session following a player and the
// singleton global state manager.
package sample

import (
	"reflect"
	"sync/atomic"
	"time"

	"github.com/MrWong99/entitymesh/internal/entity"
	"github.com/MrWong99/entitymesh/internal/persist"
	"github.com/MrWong99/entitymesh/internal/storage"
	"github.com/MrWong99/entitymesh/pkg/codec"
	"github.com/MrWong99/entitymesh/pkg/entityid"
	"github.com/MrWong99/entitymesh/pkg/sharding"
)

// Options wires the sample entities to their collaborators.
type Options struct {
	Store       storage.Store
	Codec       codec.Codec
	Compression codec.Compression

	SnapshotInterval            time.Duration
	MinScheduledPersistInterval time.Duration
	ExtraPersistenceChecks      bool

	// PlayerLinger is how long a player without watchers stays resident.
	PlayerLinger time.Duration

	// RollupInterval is the global state manager's timer period.
	RollupInterval time.Duration

	// Live, when set, overrides the persistence tuning above for every
	// player incarnation started after a change.
	Live *LiveTuning
}

// Tuning is the part of the persistence settings that may change while the
// node runs.
type Tuning struct {
	SnapshotInterval            time.Duration
	MinScheduledPersistInterval time.Duration
	ExtraChecks                 bool
}

// LiveTuning publishes [Tuning] updates to newly started players.
type LiveTuning struct{ p atomic.Pointer[Tuning] }

// NewLiveTuning returns a LiveTuning holding t.
func NewLiveTuning(t Tuning) *LiveTuning {
	l := &LiveTuning{}
	l.Store(t)
	return l
}

// Store replaces the current tuning.
func (l *LiveTuning) Store(t Tuning) { l.p.Store(&t) }

// Load returns the current tuning.
func (l *LiveTuning) Load() Tuning { return *l.p.Load() }

// Configs returns the entity configuration of the sample kinds.
func Configs(opts Options) []entity.Config {
	if opts.PlayerLinger <= 0 {
		opts.PlayerLinger = 5 * time.Minute
	}
	if opts.RollupInterval <= 0 {
		opts.RollupInterval = time.Minute
	}
	playerOpts := persist.Options[PlayerState]{
		Store:                       opts.Store,
		Codec:                       opts.Codec,
		Compression:                 opts.Compression,
		Migrations:                  PlayerMigrations(),
		SnapshotInterval:            opts.SnapshotInterval,
		MinScheduledPersistInterval: opts.MinScheduledPersistInterval,
		ExtraPersistenceChecks:      opts.ExtraPersistenceChecks,
		ShutdownPolicy:              entity.ShutdownWithoutSubscribers(opts.PlayerLinger),
	}
	return []entity.Config{
		{
			Kind:             entityid.KindPlayer,
			ActorType:        "player",
			AllowEntitySpawn: true,
			New: func(entityid.ID) entity.Behavior {
				po := playerOpts
				if opts.Live != nil {
					t := opts.Live.Load()
					po.SnapshotInterval = t.SnapshotInterval
					po.MinScheduledPersistInterval = t.MinScheduledPersistInterval
					po.ExtraPersistenceChecks = t.ExtraChecks
				}
				return persist.New[PlayerState](&Player{}, po)
			},
			Persisted: &entity.PersistedSpec{PayloadType: reflect.TypeFor[PlayerState]()},
		},
		{
			Kind:             entityid.KindSession,
			ActorType:        "session",
			AllowEntitySpawn: true,
			New:              func(entityid.ID) entity.Behavior { return &Session{} },
		},
		{
			Kind:       entityid.KindGlobalStateManager,
			ActorType:  "global-state",
			ShardGroup: entity.ShardGroupBaseServices,
			Strategy:   sharding.StaticService{Singleton: true},
			New: func(entityid.ID) entity.Behavior {
				return &Global{interval: opts.RollupInterval}
			},
		},
	}
}
