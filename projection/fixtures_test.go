package projection_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore/memengine"
	"github.com/AntonStoeckl/cart-eventstore-go/projection"
)

var errTransient = errors.New("transient failure")

var fixedTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// givenEvents appends n events to the stream of persistenceID, all tagged with tag.
func givenEvents(t *testing.T, journal *memengine.EventStore, persistenceID, tag string, n int) {
	t.Helper()

	ctx := context.Background()

	stream, err := journal.ReadStream(ctx, persistenceID, 0)
	require.NoError(t, err)

	expected := eventstore.SequenceNumberOf(stream)
	for range n {
		event, buildErr := eventstore.BuildStorableEventWithEmptyMetadata("ItemAdded", fixedTime, []byte(`{"cartId":"c"}`))
		require.NoError(t, buildErr)

		expected, err = journal.Append(ctx, persistenceID, tag, expected, event)
		require.NoError(t, err)
	}
}

// memoryOffsets is an OffsetStore in a map. saveFailures makes the next saves fail.
type memoryOffsets struct {
	mu           sync.Mutex
	offsets      map[projection.ID]eventstore.Offset
	saves        int
	saveFailures int
}

func newMemoryOffsets() *memoryOffsets {
	return &memoryOffsets{offsets: map[projection.ID]eventstore.Offset{}}
}

func (m *memoryOffsets) LoadOffset(_ context.Context, id projection.ID) (eventstore.Offset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.offsets[id], nil
}

func (m *memoryOffsets) SaveOffset(_ context.Context, id projection.ID, offset eventstore.Offset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveFailures > 0 {
		m.saveFailures--
		return errTransient
	}

	m.saves++
	m.offsets[id] = offset

	return nil
}

func (m *memoryOffsets) offset(id projection.ID) eventstore.Offset {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.offsets[id]
}

// recordingHandler remembers the offsets it processed and fails for the offsets in failures.
type recordingHandler struct {
	mu        sync.Mutex
	processed []eventstore.Offset
	failures  map[eventstore.Offset]int
}

func (h *recordingHandler) Process(_ context.Context, envelope eventstore.EventEnvelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.processed = append(h.processed, envelope.Offset)

	if h.failures[envelope.Offset] > 0 {
		h.failures[envelope.Offset]--
		return errTransient
	}

	return nil
}

func (h *recordingHandler) offsets() []eventstore.Offset {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]eventstore.Offset(nil), h.processed...)
}

func offsetsOfTag(t *testing.T, journal *memengine.EventStore, tag string) []eventstore.Offset {
	t.Helper()

	envelopes, err := journal.EventsByTag(context.Background(), tag, 0, 10_000)
	require.NoError(t, err)

	offsets := make([]eventstore.Offset, 0, len(envelopes))
	for _, envelope := range envelopes {
		offsets = append(offsets, envelope.Offset)
	}

	return offsets
}

func fastRetry() projection.Option {
	return projection.WithRetryBackoff(time.Millisecond, 5*time.Millisecond)
}
