package sharding

import (
	"fmt"

	"github.com/MrWong99/entitymesh/pkg/entityid"
)

// Strategy maps entity ids of one kind to shards.
type Strategy interface {
	// ResolveShard returns the shard owning id.
	ResolveShard(t Topology, id entityid.ID) (ShardID, error)

	// AutoSpawn lists the entities the given shard starts on its own. It
	// returns nil when the strategy only spawns on demand.
	AutoSpawn(t Topology, s ShardID) ([]entityid.ID, error)

	// Name identifies the strategy in logs and configuration.
	Name() string
}

// linearShard resolves value modulo the kind's node count.
func linearShard(t Topology, id entityid.ID) (ShardID, error) {
	n := t.NodeCountForKind(id.Kind())
	if n <= 0 {
		return ShardID{}, fmt.Errorf("%w: %d", ErrNoShards, id.Kind())
	}
	return t.ShardForLinearIndex(id.Kind(), int(id.Value()%uint64(n)))
}

// StaticModulo spreads ids over all shards of the kind by value modulo the
// shard count. Entities spawn on demand.
type StaticModulo struct{}

func (StaticModulo) Name() string { return "static_modulo" }

func (StaticModulo) ResolveShard(t Topology, id entityid.ID) (ShardID, error) {
	return linearShard(t, id)
}

func (StaticModulo) AutoSpawn(Topology, ShardID) ([]entityid.ID, error) { return nil, nil }

// StaticService runs one service instance per shard, with value equal to the
// shard's linear index. A singleton only runs on shard 0.0.
type StaticService struct {
	Singleton bool
}

func (s StaticService) Name() string {
	if s.Singleton {
		return "singleton"
	}
	return "static_service"
}

func (StaticService) ResolveShard(t Topology, id entityid.ID) (ShardID, error) {
	return linearShard(t, id)
}

func (s StaticService) AutoSpawn(t Topology, shard ShardID) ([]entityid.ID, error) {
	if s.Singleton && (shard.NodeSetIndex != 0 || shard.NodeIndex != 0) {
		return nil, nil
	}
	linear, err := t.LinearShardIndex(shard)
	if err != nil {
		return nil, err
	}
	id, err := entityid.New(shard.Kind, uint64(linear))
	if err != nil {
		return nil, err
	}
	return []entityid.ID{id}, nil
}

// StaticMultiService runs Count service instances with values [0, Count)
// distributed round-robin over the kind's shards.
type StaticMultiService struct {
	Count int
}

func (StaticMultiService) Name() string { return "static_multi_service" }

func (s StaticMultiService) ResolveShard(t Topology, id entityid.ID) (ShardID, error) {
	if id.Value() >= uint64(s.Count) {
		return ShardID{}, fmt.Errorf("%w: value %d must be less than service count %d", ErrUnroutable, id.Value(), s.Count)
	}
	return linearShard(t, id)
}

func (s StaticMultiService) AutoSpawn(t Topology, shard ShardID) ([]entityid.ID, error) {
	linear, err := t.LinearShardIndex(shard)
	if err != nil {
		return nil, err
	}
	n := t.NodeCountForKind(shard.Kind)
	var ids []entityid.ID
	for v := linear; v < s.Count; v += n {
		id, err := entityid.New(shard.Kind, uint64(v))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Bit allocation shared by the placed strategies. The node set index sits in
// the top 6 value bits.
const (
	nodeSetBits  = 6
	nodeSetShift = entityid.NumValueBits - nodeSetBits
	nodeSetMask  = 1<<nodeSetBits - 1
	nodeBits     = 12
	nodeMask     = 1<<nodeBits - 1
)

func checkShardCoords(s ShardID) error {
	if s.NodeSetIndex < 0 || s.NodeSetIndex > nodeSetMask {
		return fmt.Errorf("%w: node set index %d must be within [0, %d]", ErrOutOfRange, s.NodeSetIndex, nodeSetMask)
	}
	if s.NodeIndex < 0 || s.NodeIndex > nodeMask {
		return fmt.Errorf("%w: node index %d must be within [0, %d]", ErrOutOfRange, s.NodeIndex, nodeMask)
	}
	return nil
}

// DynamicService runs one service per shard whose id encodes the shard
// directly: node set index in bits 52..57, node index in bits 0..11. Every
// other bit must be zero.
type DynamicService struct{}

func (DynamicService) Name() string { return "dynamic_service" }

func (DynamicService) ResolveShard(_ Topology, id entityid.ID) (ShardID, error) {
	const used = uint64(nodeSetMask)<<nodeSetShift | nodeMask
	v := id.Value()
	if v&^used != 0 {
		return ShardID{}, fmt.Errorf("%w: value %#x has bits outside the placement fields", ErrUnroutable, v)
	}
	return ShardID{
		Kind:         id.Kind(),
		NodeSetIndex: int(v >> nodeSetShift & nodeSetMask),
		NodeIndex:    int(v & nodeMask),
	}, nil
}

func (DynamicService) AutoSpawn(_ Topology, s ShardID) ([]entityid.ID, error) {
	id, err := PlacedID(s)
	if err != nil {
		return nil, err
	}
	return []entityid.ID{id}, nil
}

// PlacedID returns the [DynamicService] id for shard s.
func PlacedID(s ShardID) (entityid.ID, error) {
	if err := checkShardCoords(s); err != nil {
		return entityid.None, err
	}
	return entityid.New(s.Kind, uint64(s.NodeSetIndex)<<nodeSetShift|uint64(s.NodeIndex))
}

// Manual encodes the owning shard into the id: node set index in bits
// 52..57, node index in bits 40..51 and a running id in bits 0..39.
type Manual struct{}

const (
	manualNodeShift = nodeSetShift - nodeBits

	// MaxManualRunningID is the largest running id [Manual] can encode.
	MaxManualRunningID uint64 = 1<<manualNodeShift - 1
)

func (Manual) Name() string { return "manual" }

func (Manual) ResolveShard(_ Topology, id entityid.ID) (ShardID, error) {
	v := id.Value()
	return ShardID{
		Kind:         id.Kind(),
		NodeSetIndex: int(v >> nodeSetShift & nodeSetMask),
		NodeIndex:    int(v >> manualNodeShift & nodeMask),
	}, nil
}

func (Manual) AutoSpawn(Topology, ShardID) ([]entityid.ID, error) { return nil, nil }

// EncodeID builds the id of the runningID-th entity placed on shard s.
func (Manual) EncodeID(s ShardID, runningID uint64) (entityid.ID, error) {
	if err := checkShardCoords(s); err != nil {
		return entityid.None, err
	}
	if runningID > MaxManualRunningID {
		return entityid.None, fmt.Errorf("%w: running id %d exceeds %d", ErrOutOfRange, runningID, MaxManualRunningID)
	}
	v := uint64(s.NodeSetIndex)<<nodeSetShift | uint64(s.NodeIndex)<<manualNodeShift | runningID
	return entityid.New(s.Kind, v)
}
