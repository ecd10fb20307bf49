// Package memengine provides an in-process journal with the same contract as the PostgreSQL engine.
//
// It keeps every event in memory and is meant for tests and single node development setups.
// Readers that tail a tag can wait on Changes instead of polling blindly.
package memengine

import (
	"context"
	"sort"
	"sync"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
)

// EventStore is a mutex guarded, append-only journal.
type EventStore struct {
	mu        sync.RWMutex
	events    eventstore.PersistedEvents
	streams   map[string][]int
	streamTag map[string]string
	tags      map[string][]int
	snapshots map[string]eventstore.Snapshot
	changed   chan struct{}
}

// NewEventStore creates an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{
		streams:   make(map[string][]int),
		streamTag: make(map[string]string),
		tags:      make(map[string][]int),
		snapshots: make(map[string]eventstore.Snapshot),
		changed:   make(chan struct{}),
	}
}

// Append appends the events to the stream of persistenceID if its highest sequence number is expectedSequenceNr.
func (es *EventStore) Append(
	ctx context.Context,
	persistenceID string,
	tag string,
	expectedSequenceNr eventstore.SequenceNumber,
	event eventstore.StorableEvent,
	additionalEvents ...eventstore.StorableEvent,
) (eventstore.SequenceNumber, error) {

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if persistenceID == "" {
		return 0, eventstore.ErrEmptyPersistenceID
	}

	if tag == "" {
		return 0, eventstore.ErrEmptyTag
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if storedTag, ok := es.streamTag[persistenceID]; ok && storedTag != tag {
		return 0, eventstore.ErrTagMismatch
	}

	stream := es.streams[persistenceID]
	if eventstore.SequenceNumber(len(stream)) != expectedSequenceNr {
		return 0, eventstore.ErrConcurrencyConflict
	}

	allEvents := append(eventstore.StorableEvents{event}, additionalEvents...)
	seq := expectedSequenceNr

	for _, e := range allEvents {
		seq++
		idx := len(es.events)
		es.events = append(es.events, eventstore.PersistedEvent{
			PersistenceID: persistenceID,
			SequenceNr:    seq,
			Tag:           tag,
			Offset:        eventstore.Offset(idx + 1),
			Event:         e,
		})
		es.streams[persistenceID] = append(es.streams[persistenceID], idx)
		es.tags[tag] = append(es.tags[tag], idx)
	}

	es.streamTag[persistenceID] = tag

	close(es.changed)
	es.changed = make(chan struct{})

	return seq, nil
}

// ReadStream returns the events of persistenceID after afterSequenceNr in sequence order.
func (es *EventStore) ReadStream(
	ctx context.Context,
	persistenceID string,
	afterSequenceNr eventstore.SequenceNumber,
) (eventstore.PersistedEvents, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if persistenceID == "" {
		return nil, eventstore.ErrEmptyPersistenceID
	}

	es.mu.RLock()
	defer es.mu.RUnlock()

	stream := es.streams[persistenceID]
	result := make(eventstore.PersistedEvents, 0, len(stream))

	for _, idx := range stream {
		if es.events[idx].SequenceNr > afterSequenceNr {
			result = append(result, es.events[idx])
		}
	}

	return result, nil
}

// EventsByTag returns up to limit events of tag after afterOffset in offset order.
func (es *EventStore) EventsByTag(
	ctx context.Context,
	tag string,
	afterOffset eventstore.Offset,
	limit int,
) (eventstore.EventEnvelopes, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if tag == "" {
		return nil, eventstore.ErrEmptyTag
	}

	if limit <= 0 {
		return nil, eventstore.ErrInvalidPageLimit
	}

	es.mu.RLock()
	defer es.mu.RUnlock()

	indexes := es.tags[tag]
	start := sort.Search(len(indexes), func(i int) bool {
		return es.events[indexes[i]].Offset > afterOffset
	})

	end := min(start+limit, len(indexes))
	result := make(eventstore.EventEnvelopes, 0, end-start)

	for _, idx := range indexes[start:end] {
		result = append(result, es.events[idx].Envelope())
	}

	return result, nil
}

// Changes returns a channel that is closed by the next successful Append.
func (es *EventStore) Changes() <-chan struct{} {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return es.changed
}

// SaveSnapshot keeps the snapshot unless a newer one is already stored.
func (es *EventStore) SaveSnapshot(ctx context.Context, snapshot eventstore.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := snapshot.Validate(); err != nil {
		return err
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if stored, ok := es.snapshots[snapshot.PersistenceID]; ok && stored.SequenceNr > snapshot.SequenceNr {
		return nil
	}

	es.snapshots[snapshot.PersistenceID] = snapshot

	return nil
}

// LoadSnapshot returns the latest snapshot of persistenceID or eventstore.ErrSnapshotNotFound.
func (es *EventStore) LoadSnapshot(ctx context.Context, persistenceID string) (eventstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return eventstore.Snapshot{}, err
	}

	es.mu.RLock()
	defer es.mu.RUnlock()

	snapshot, ok := es.snapshots[persistenceID]
	if !ok {
		return eventstore.Snapshot{}, eventstore.ErrSnapshotNotFound
	}

	return snapshot, nil
}

// Len returns the number of stored events over all streams.
func (es *EventStore) Len() int {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return len(es.events)
}
