// Package sharding maps entity identities to the shards that own them.
//
// A [Topology] lists the node sets of a cluster and which kinds each node set
// hosts. A [Strategy] resolves an [entityid.ID] to a [ShardID] within that
// topology and lists the entities a shard should spawn on startup.
package sharding

import (
	"errors"
	"fmt"

	"github.com/MrWong99/entitymesh/pkg/entityid"
)

const (
	// MaxNodeSetIndex is the largest node set index any strategy can address.
	MaxNodeSetIndex = 63

	// MaxNodeIndex is the largest node index within a node set.
	MaxNodeIndex = 4095
)

var (
	// ErrNoShards is returned when no node set hosts the requested kind.
	ErrNoShards = errors.New("sharding: no shards for kind")

	// ErrUnroutable is returned when an id cannot be mapped by a strategy.
	ErrUnroutable = errors.New("sharding: unroutable entity id")

	// ErrOutOfRange is returned when a shard coordinate or running id exceeds
	// the strategy's bit allocation.
	ErrOutOfRange = errors.New("sharding: value out of range")
)

// ShardID identifies the shard of one kind on one node.
type ShardID struct {
	Kind         entityid.Kind
	NodeSetIndex int
	NodeIndex    int
}

// String renders the shard as "<kind>/<nodeSet>.<node>".
func (s ShardID) String() string {
	return fmt.Sprintf("%d/%d.%d", s.Kind, s.NodeSetIndex, s.NodeIndex)
}

// NodeSet is a group of identical nodes hosting the same kinds.
type NodeSet struct {
	Name      string
	Placement entityid.KindMask
	NodeCount int
}

// Topology is the static layout of a cluster.
type Topology struct {
	NodeSets []NodeSet
}

// Validate checks node set bounds.
func (t Topology) Validate() error {
	var errs []error
	if len(t.NodeSets) > MaxNodeSetIndex+1 {
		errs = append(errs, fmt.Errorf("sharding: %d node sets exceed maximum %d", len(t.NodeSets), MaxNodeSetIndex+1))
	}
	for i, ns := range t.NodeSets {
		if ns.NodeCount < 0 || ns.NodeCount > MaxNodeIndex+1 {
			errs = append(errs, fmt.Errorf("sharding: node set %d (%s) node count %d out of range [0, %d]", i, ns.Name, ns.NodeCount, MaxNodeIndex+1))
		}
	}
	return errors.Join(errs...)
}

// NodeCountForKind returns the total number of nodes hosting kind.
func (t Topology) NodeCountForKind(kind entityid.Kind) int {
	n := 0
	for _, ns := range t.NodeSets {
		if ns.Placement.IsSet(kind) {
			n += ns.NodeCount
		}
	}
	return n
}

// ShardForLinearIndex maps the i-th shard of kind, counting nodes across node
// sets in declaration order, to its coordinates.
func (t Topology) ShardForLinearIndex(kind entityid.Kind, i int) (ShardID, error) {
	if i < 0 {
		return ShardID{}, fmt.Errorf("%w: linear shard index %d", ErrOutOfRange, i)
	}
	rem := i
	for nsi, ns := range t.NodeSets {
		if !ns.Placement.IsSet(kind) {
			continue
		}
		if rem < ns.NodeCount {
			return ShardID{Kind: kind, NodeSetIndex: nsi, NodeIndex: rem}, nil
		}
		rem -= ns.NodeCount
	}
	return ShardID{}, fmt.Errorf("%w: kind %d has no shard with linear index %d", ErrNoShards, kind, i)
}

// LinearShardIndex is the inverse of [Topology.ShardForLinearIndex].
func (t Topology) LinearShardIndex(s ShardID) (int, error) {
	if s.NodeSetIndex < 0 || s.NodeSetIndex >= len(t.NodeSets) {
		return 0, fmt.Errorf("%w: node set %d", ErrOutOfRange, s.NodeSetIndex)
	}
	ns := t.NodeSets[s.NodeSetIndex]
	if !ns.Placement.IsSet(s.Kind) || s.NodeIndex < 0 || s.NodeIndex >= ns.NodeCount {
		return 0, fmt.Errorf("%w: shard %v is not part of the topology", ErrNoShards, s)
	}
	base := 0
	for _, prev := range t.NodeSets[:s.NodeSetIndex] {
		if prev.Placement.IsSet(s.Kind) {
			base += prev.NodeCount
		}
	}
	return base + s.NodeIndex, nil
}

// Shards returns every shard of kind in linear order.
func (t Topology) Shards(kind entityid.Kind) []ShardID {
	var out []ShardID
	for nsi, ns := range t.NodeSets {
		if !ns.Placement.IsSet(kind) {
			continue
		}
		for n := range ns.NodeCount {
			out = append(out, ShardID{Kind: kind, NodeSetIndex: nsi, NodeIndex: n})
		}
	}
	return out
}
