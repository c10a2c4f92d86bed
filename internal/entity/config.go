package entity

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/MrWong99/entitymesh/pkg/entityid"
	"github.com/MrWong99/entitymesh/pkg/sharding"
)

// ShardGroup decides the order in which shards of a kind start and stop.
// Base services start first and stop last.
type ShardGroup int

const (
	ShardGroupWorkloads ShardGroup = iota
	ShardGroupServiceProxies
	ShardGroupBaseServices
)

func (g ShardGroup) String() string {
	switch g {
	case ShardGroupBaseServices:
		return "base_services"
	case ShardGroupServiceProxies:
		return "service_proxies"
	case ShardGroupWorkloads:
		return "workloads"
	}
	return fmt.Sprintf("ShardGroup(%d)", int(g))
}

// ParseShardGroup parses the names produced by [ShardGroup.String].
func ParseShardGroup(s string) (ShardGroup, error) {
	for _, g := range []ShardGroup{ShardGroupWorkloads, ShardGroupServiceProxies, ShardGroupBaseServices} {
		if g.String() == s {
			return g, nil
		}
	}
	return 0, fmt.Errorf("entity: unknown shard group %q", s)
}

// NodeSetPlacement is the default kind of node set hosting a kind.
type NodeSetPlacement int

const (
	PlacementLogic NodeSetPlacement = iota
	PlacementService
	PlacementAll
)

func (p NodeSetPlacement) String() string {
	switch p {
	case PlacementLogic:
		return "logic"
	case PlacementService:
		return "service"
	case PlacementAll:
		return "all"
	}
	return fmt.Sprintf("NodeSetPlacement(%d)", int(p))
}

// DefaultShardShutdownTimeout bounds how long a shard waits for its entities
// to stop.
const DefaultShardShutdownTimeout = 10 * time.Second

// defaultPersistedShutdowns throttles concurrent final persists.
const defaultPersistedShutdowns = 50

// PersistedSpec describes the payload of a persisted kind. Subtypes, when
// non-empty, lists the concrete payload types of a polymorphic payload keyed
// by their serialized type name.
type PersistedSpec struct {
	PayloadType reflect.Type
	Subtypes    map[string]reflect.Type
}

// Config is the static configuration of one entity kind.
type Config struct {
	Kind       entityid.Kind
	ActorType  string
	ShardGroup ShardGroup
	Placement  NodeSetPlacement
	Strategy   sharding.Strategy

	// ShardShutdownTimeout defaults to [DefaultShardShutdownTimeout].
	ShardShutdownTimeout time.Duration

	// AllowEntitySpawn lets a shard spawn entities on first message.
	AllowEntitySpawn bool

	// MaxConcurrentShutdowns limits parallel entity stops during shard
	// shutdown. Negative means unlimited; zero picks the default.
	MaxConcurrentShutdowns int

	// New creates the behavior of one incarnation.
	New func(id entityid.ID) Behavior

	// Persisted is set for kinds whose behavior implements [Persisted].
	Persisted *PersistedSpec
}

// IsPersisted reports whether the kind stores state.
func (c *Config) IsPersisted() bool { return c.Persisted != nil }

func (c *Config) applyDefaults(sample Behavior) {
	if c.ActorType == "" {
		c.ActorType = reflect.TypeOf(innermost(sample)).String()
	}
	if c.ShardShutdownTimeout <= 0 {
		c.ShardShutdownTimeout = DefaultShardShutdownTimeout
	}
	if c.MaxConcurrentShutdowns == 0 {
		if c.IsPersisted() {
			c.MaxConcurrentShutdowns = defaultPersistedShutdowns
		} else {
			c.MaxConcurrentShutdowns = -1
		}
	}
	if c.Strategy == nil {
		c.Strategy = sharding.StaticModulo{}
	}
}

func (c *Config) validate(kinds *entityid.KindRegistry, sample Behavior) error {
	name := kinds.Name(c.Kind)
	if c.Kind == entityid.KindNone || !kinds.IsValid(c.Kind) {
		return fmt.Errorf("entity: kind %d of %s is not registered", c.Kind, c.ActorType)
	}
	p, persisted := hookOf[Persisted](sample)
	switch {
	case persisted && c.Persisted == nil:
		return fmt.Errorf("entity: %s (%s) is persisted but has no persisted config", c.ActorType, name)
	case !persisted && c.Persisted != nil:
		return fmt.Errorf("entity: %s (%s) has a persisted config but is ephemeral", c.ActorType, name)
	case !persisted:
		return nil
	}

	spec := c.Persisted
	if spec.PayloadType == nil {
		return fmt.Errorf("entity: %s (%s) has no payload type", c.ActorType, name)
	}
	if got := p.PersistedPayloadType(); got != spec.PayloadType {
		return fmt.Errorf("entity: %s (%s) persists %s but is configured with %s", c.ActorType, name, got, spec.PayloadType)
	}
	seen := make(map[reflect.Type]string, len(spec.Subtypes))
	for _, tag := range slices.Sorted(maps.Keys(spec.Subtypes)) {
		t := spec.Subtypes[tag]
		if t == nil {
			return fmt.Errorf("entity: %s (%s) subtype %q has no type", c.ActorType, name, tag)
		}
		if prev, dup := seen[t]; dup {
			return fmt.Errorf("entity: %s (%s) subtypes %q and %q share type %s", c.ActorType, name, prev, tag, t)
		}
		seen[t] = tag
		if !assignable(t, spec.PayloadType) {
			return fmt.Errorf("entity: %s (%s) subtype %q (%s) is not a %s", c.ActorType, name, tag, t, spec.PayloadType)
		}
	}
	return nil
}

func assignable(t, to reflect.Type) bool {
	if t.AssignableTo(to) {
		return true
	}
	return t.Kind() != reflect.Pointer && reflect.PointerTo(t).AssignableTo(to)
}

// ConfigRegistry holds the configuration of every entity kind in a process.
// It is built once and read-only afterwards.
type ConfigRegistry struct {
	byKind map[entityid.Kind]*Config
	order  []*Config
}

// NewConfigRegistry validates cfgs against kinds. Each config's New is
// called once to inspect the behavior type.
func NewConfigRegistry(kinds *entityid.KindRegistry, cfgs ...Config) (*ConfigRegistry, error) {
	r := &ConfigRegistry{byKind: make(map[entityid.Kind]*Config, len(cfgs))}
	actorTypes := make(map[string]entityid.Kind, len(cfgs))
	var errs []error
	for i := range cfgs {
		c := cfgs[i]
		if c.New == nil {
			errs = append(errs, fmt.Errorf("entity: config for kind %s has no constructor", kinds.Name(c.Kind)))
			continue
		}
		sample := c.New(entityid.None)
		if sample == nil {
			errs = append(errs, fmt.Errorf("entity: constructor for kind %s returned nil", kinds.Name(c.Kind)))
			continue
		}
		c.applyDefaults(sample)
		if err := c.validate(kinds, sample); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.byKind[c.Kind]; dup {
			errs = append(errs, fmt.Errorf("entity: kind %s is configured twice", kinds.Name(c.Kind)))
			continue
		}
		if other, dup := actorTypes[c.ActorType]; dup {
			errs = append(errs, fmt.Errorf("entity: actor type %s is used by kinds %s and %s", c.ActorType, kinds.Name(other), kinds.Name(c.Kind)))
			continue
		}
		actorTypes[c.ActorType] = c.Kind
		r.byKind[c.Kind] = &c
		r.order = append(r.order, &c)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the configuration of kind.
func (r *ConfigRegistry) Get(kind entityid.Kind) (*Config, bool) {
	c, ok := r.byKind[kind]
	return c, ok
}

// All returns every configuration in registration order.
func (r *ConfigRegistry) All() []*Config {
	return slices.Clone(r.order)
}
