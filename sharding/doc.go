// Package sharding distributes entities over the nodes of a cluster.
//
// Entity IDs are hashed to a fixed number of shards, and a ShardRegistry assigns every shard to exactly
// one node. Each node runs a Region that owns the live entities of its shards: an entity is created
// lazily, recovered before its first command, and then processes its mailbox one command at a time on
// its own goroutine. Idle entities are passivated.
//
// A Cluster routes commands to the Region that owns the entity's shard and moves shards between
// regions with an explicit handoff: the old owner stops accepting commands for the shard, finishes the
// queued ones, and passivates its entities before the new owner acquires the shard. Commands that hit a
// shard in transit are retried against the new owner.
//
// Routing is in-process. The package is generic over the command and reply types, so it knows nothing
// about the entities it hosts.
package sharding
