// Package eventstore provides core abstractions and types for event sourcing
// with per-key event streams that are additionally partitioned by tags.
//
// This package defines the fundamental types used across the different event
// store engines (postgresengine, memengine): storable events, persisted events,
// envelopes delivered to projections, aggregate snapshots, tag assignment, and
// common error definitions.
//
// Every persisted event belongs to exactly one persistence ID (the aggregate key)
// and carries a gap-free sequence number within that ID, starting at 1.
// Additionally, each event is assigned to exactly one tag, derived from its
// persistence ID, and receives a global offset when it is appended.
// Consumers read one tag in offset order, which preserves the per-key order.
//
// Key types:
//   - StorableEvent: The scalar DTO for an event that should be appended
//   - PersistedEvent: A StorableEvent with its persistence ID, sequence number, tag, and offset
//   - EventEnvelope: What a projection receives when it reads a tag
//   - Tagger: Assigns persistence IDs to a fixed set of tags
//   - Snapshot: Serialized aggregate state up to a sequence number
//
// Common usage pattern:
//
//	tagger := eventstore.NewTagger("carts", 3)
//
//	history, err := store.ReadStream(ctx, cartID, 0)
//	if err != nil {
//		// handle error
//	}
//
//	newEvent, _ := eventstore.BuildStorableEvent(eventType, time.Now(), payload, metadata)
//	seq, err := store.Append(ctx, cartID, tagger.TagFor(cartID), SequenceNumberOf(history), newEvent)
package eventstore
