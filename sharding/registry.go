package sharding

import (
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
)

var (
	// ErrInvalidNumShards is returned when a registry is created with less than one shard.
	ErrInvalidNumShards = errors.New("number of shards must be positive")

	// ErrInvalidShardID is returned for shard IDs outside [0, numShards).
	ErrInvalidShardID = errors.New("invalid shard id")

	// ErrEmptyNodeID is returned when a shard is assigned to an empty node ID.
	ErrEmptyNodeID = errors.New("node id must not be empty")

	// ErrNoNodes is returned when a plan is requested for an empty node list.
	ErrNoNodes = errors.New("cannot plan shard assignments without nodes")

	// ErrShardNotAssigned is returned when a shard has no owner.
	ErrShardNotAssigned = errors.New("shard is not assigned to any node")
)

// ShardID identifies a shard. Valid range: [0, numShards).
type ShardID int

// NodeID identifies a node of the cluster.
type NodeID string

// Move is one step of a rebalancing plan.
// From is empty when the shard had no owner before.
type Move struct {
	Shard ShardID
	From  NodeID
	To    NodeID
}

// ShardRegistry maps entity IDs to shards and shards to their owning node.
//
// The number of shards is fixed for the lifetime of the cluster. It must stay the same across
// restarts, otherwise entities would move to other shards and two nodes could host the same entity.
//
// ShardRegistry is safe for concurrent use. Reads take the read lock, assignments the write lock.
type ShardRegistry struct {
	mu        sync.RWMutex
	owners    map[ShardID]NodeID
	numShards int
}

// NewShardRegistry creates a registry with numShards unassigned shards.
func NewShardRegistry(numShards int) (*ShardRegistry, error) {
	if numShards <= 0 {
		return nil, ErrInvalidNumShards
	}

	return &ShardRegistry{
		owners:    make(map[ShardID]NodeID, numShards),
		numShards: numShards,
	}, nil
}

// NumShards returns the fixed number of shards.
func (r *ShardRegistry) NumShards() int {
	return r.numShards
}

// ShardForKey maps an entity ID to its shard with FNV-1a.
// The result is deterministic and needs no lock.
func (r *ShardRegistry) ShardForKey(entityID string) ShardID {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))

	return ShardID(h.Sum32() % uint32(r.numShards)) //nolint:gosec // numShards is positive
}

// Assign makes nodeID the owner of shardID, replacing any previous owner.
//
// Assign only changes the routing table. Moving a shard that hosts live entities must go through
// Cluster.Rebalance, which hands the shard off first.
func (r *ShardRegistry) Assign(shardID ShardID, nodeID NodeID) error {
	if err := r.validate(shardID); err != nil {
		return err
	}

	if nodeID == "" {
		return ErrEmptyNodeID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.owners[shardID] = nodeID

	return nil
}

// Owner returns the node that owns shardID.
func (r *ShardRegistry) Owner(shardID ShardID) (NodeID, error) {
	if err := r.validate(shardID); err != nil {
		return "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	nodeID, ok := r.owners[shardID]
	if !ok {
		return "", fmt.Errorf("%w: shard %d", ErrShardNotAssigned, shardID)
	}

	return nodeID, nil
}

// OwnerOfKey resolves an entity ID to its shard and the shard's owner.
func (r *ShardRegistry) OwnerOfKey(entityID string) (ShardID, NodeID, error) {
	shardID := r.ShardForKey(entityID)
	nodeID, err := r.Owner(shardID)

	return shardID, nodeID, err
}

// ShardsOf returns the shards owned by nodeID in ascending order.
func (r *ShardRegistry) ShardsOf(nodeID NodeID) []ShardID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var shards []ShardID
	for shardID, owner := range r.owners {
		if owner == nodeID {
			shards = append(shards, shardID)
		}
	}

	slices.Sort(shards)

	return shards
}

// Plan computes a round-robin assignment of all shards over nodes and returns the moves needed to get
// there from the current assignment. Shards that keep their owner are not part of the plan.
// The registry itself is not changed.
func (r *ShardRegistry) Plan(nodes []NodeID) ([]Move, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	for _, nodeID := range nodes {
		if nodeID == "" {
			return nil, ErrEmptyNodeID
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var moves []Move
	for i := range r.numShards {
		shardID := ShardID(i)
		target := nodes[i%len(nodes)]

		if current := r.owners[shardID]; current != target {
			moves = append(moves, Move{Shard: shardID, From: current, To: target})
		}
	}

	return moves, nil
}

func (r *ShardRegistry) validate(shardID ShardID) error {
	if shardID < 0 || int(shardID) >= r.numShards {
		return fmt.Errorf("%w: %d, must be in range [0, %d)", ErrInvalidShardID, shardID, r.numShards)
	}

	return nil
}
