package projection_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore/memengine"
	"github.com/AntonStoeckl/cart-eventstore-go/internal/sqldb"
	"github.com/AntonStoeckl/cart-eventstore-go/projection"
	"github.com/AntonStoeckl/cart-eventstore-go/projection/sqloffsets"
	"github.com/AntonStoeckl/cart-eventstore-go/testutil/observability/testdoubles"
)

func Test_Runner_AtLeastOnce_ProcessesTheTagAndSavesTheOffset(t *testing.T) {
	// arrange
	ctx := context.Background()
	journal := memengine.NewEventStore()
	givenEvents(t, journal, "ShoppingCart|c1", "carts-0", 3)
	givenEvents(t, journal, "ShoppingCart|c2", "carts-1", 2)

	id := projection.ID{Name: "publish-events", Tag: "carts-0"}
	offsets := newMemoryOffsets()
	handler := &recordingHandler{}
	metrics := testdoubles.NewMetricsCollectorSpy()

	runner, err := projection.NewAtLeastOnce(id, journal, offsets, handler,
		projection.WithSourceOptions(projection.Finite()),
		projection.WithMetrics(metrics),
		fastRetry(),
	)
	require.NoError(t, err)

	// act
	err = runner.Run(ctx)

	// assert
	require.NoError(t, err)
	assert.Equal(t, offsetsOfTag(t, journal, "carts-0"), handler.offsets())
	assert.Equal(t, eventstore.Offset(3), offsets.offset(id))
	assert.Equal(t, 3, metrics.CounterCount("projection_envelopes_processed_total"))

	lastOffset, ok := metrics.LastValue("projection_offset")
	require.True(t, ok)
	assert.InDelta(t, 3.0, lastOffset, 0)
}

func Test_Runner_ResumesFromTheStoredOffset(t *testing.T) {
	// arrange
	ctx := context.Background()
	journal := memengine.NewEventStore()
	givenEvents(t, journal, "ShoppingCart|c1", "carts-0", 5)

	id := projection.ID{Name: "publish-events", Tag: "carts-0"}
	offsets := newMemoryOffsets()
	require.NoError(t, offsets.SaveOffset(ctx, id, 3))
	handler := &recordingHandler{}

	runner, err := projection.NewAtLeastOnce(id, journal, offsets, handler, projection.WithSourceOptions(projection.Finite()))
	require.NoError(t, err)

	// act
	require.NoError(t, runner.Run(ctx))

	// assert
	assert.Equal(t, []eventstore.Offset{4, 5}, handler.offsets())
}

func Test_Runner_RetriesAFailingEnvelopeWithoutSkippingIt(t *testing.T) {
	// arrange
	ctx := context.Background()
	journal := memengine.NewEventStore()
	givenEvents(t, journal, "ShoppingCart|c1", "carts-0", 3)

	id := projection.ID{Name: "order-notifier", Tag: "carts-0"}
	offsets := newMemoryOffsets()
	handler := &recordingHandler{failures: map[eventstore.Offset]int{2: 2}}
	logger := testdoubles.NewLoggerSpy()

	runner, err := projection.NewAtLeastOnce(id, journal, offsets, handler,
		projection.WithSourceOptions(projection.Finite()),
		projection.WithLogger(logger),
		fastRetry(),
	)
	require.NoError(t, err)

	// act
	require.NoError(t, runner.Run(ctx))

	// assert
	assert.Equal(t, []eventstore.Offset{1, 2, 2, 2, 3}, handler.offsets())
	assert.Equal(t, eventstore.Offset(3), offsets.offset(id))
	assert.True(t, logger.HasRecord("warn", "projection handler failed"))
}

func Test_Runner_AtLeastOnce_DoesNotRepeatTheHandlerWhenOnlyTheOffsetSaveFailed(t *testing.T) {
	// arrange
	ctx := context.Background()
	journal := memengine.NewEventStore()
	givenEvents(t, journal, "ShoppingCart|c1", "carts-0", 1)

	id := projection.ID{Name: "publish-events", Tag: "carts-0"}
	offsets := newMemoryOffsets()
	offsets.saveFailures = 2
	handler := &recordingHandler{}

	runner, err := projection.NewAtLeastOnce(id, journal, offsets, handler, projection.WithSourceOptions(projection.Finite()), fastRetry())
	require.NoError(t, err)

	// act
	require.NoError(t, runner.Run(ctx))

	// assert
	assert.Equal(t, []eventstore.Offset{1}, handler.offsets())
	assert.Equal(t, eventstore.Offset(1), offsets.offset(id))
}

func Test_Runner_StopsAfterTheEnvelopeInFlight(t *testing.T) {
	// arrange
	journal := memengine.NewEventStore()
	givenEvents(t, journal, "ShoppingCart|c1", "carts-0", 2)

	id := projection.ID{Name: "publish-events", Tag: "carts-0"}
	offsets := newMemoryOffsets()
	gate := make(chan struct{})
	var started, finished atomic.Int32

	handler := projection.HandlerFunc(func(ctx context.Context, _ eventstore.EventEnvelope) error {
		started.Add(1)
		<-gate
		if ctx.Err() != nil {
			return ctx.Err()
		}
		finished.Add(1)
		return nil
	})

	runner, err := projection.NewAtLeastOnce(id, journal, offsets, handler, fastRetry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, time.Millisecond)

	// act
	cancel()

	select {
	case <-done:
		require.FailNow(t, "the runner must wait for the envelope in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(gate)

	// assert
	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		require.FailNow(t, "the runner did not stop")
	}

	assert.Equal(t, int32(1), finished.Load(), "the handler must not see the cancellation")
	assert.Equal(t, eventstore.Offset(1), offsets.offset(id))
}

func Test_Runner_ExactlyOnce_CommitsEffectAndOffsetTogether(t *testing.T) {
	// arrange
	ctx := context.Background()
	journal := memengine.NewEventStore()
	givenEvents(t, journal, "ShoppingCart|c1", "carts-1", 4)

	db, err := sqldb.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	offsets, err := sqloffsets.New(db, sqloffsets.DialectSQLite)
	require.NoError(t, err)
	require.NoError(t, offsets.CreateSchema(ctx))

	_, err = db.ExecContext(ctx, "CREATE TABLE seen (event_offset INTEGER NOT NULL)")
	require.NoError(t, err)

	failures := map[eventstore.Offset]int{3: 2}
	handler := projection.TxHandlerFunc(func(ctx context.Context, tx *sqlx.Tx, envelope eventstore.EventEnvelope) error {
		if _, execErr := tx.ExecContext(ctx, "INSERT INTO seen (event_offset) VALUES (?)", int64(envelope.Offset)); execErr != nil {
			return execErr
		}

		if failures[envelope.Offset] > 0 {
			failures[envelope.Offset]--
			return errTransient // after the write, which must be rolled back
		}

		return nil
	})

	id := projection.ID{Name: "item-popularity", Tag: "carts-1"}
	runner, err := projection.NewExactlyOnce(id, journal, offsets, handler, projection.WithSourceOptions(projection.Finite()), fastRetry())
	require.NoError(t, err)

	// act
	require.NoError(t, runner.Run(ctx))

	// assert
	var seen []int64
	require.NoError(t, db.SelectContext(ctx, &seen, "SELECT event_offset FROM seen ORDER BY event_offset"))
	assert.Equal(t, []int64{1, 2, 3, 4}, seen)

	offset, err := offsets.LoadOffset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, eventstore.Offset(4), offset)
}

func Test_Runner_ExactlyOnce_ReplayAfterRestartHasNoEffect(t *testing.T) {
	// arrange
	ctx := context.Background()
	journal := memengine.NewEventStore()
	givenEvents(t, journal, "ShoppingCart|c1", "carts-1", 2)

	db, err := sqldb.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	offsets, err := sqloffsets.New(db, sqloffsets.DialectSQLite)
	require.NoError(t, err)
	require.NoError(t, offsets.CreateSchema(ctx))

	var calls atomic.Int32
	handler := projection.TxHandlerFunc(func(context.Context, *sqlx.Tx, eventstore.EventEnvelope) error {
		calls.Add(1)
		return nil
	})

	id := projection.ID{Name: "item-popularity", Tag: "carts-1"}
	newRunner := func() *projection.Runner {
		runner, newErr := projection.NewExactlyOnce(id, journal, offsets, handler, projection.WithSourceOptions(projection.Finite()))
		require.NoError(t, newErr)
		return runner
	}

	require.NoError(t, newRunner().Run(ctx))

	// act
	require.NoError(t, newRunner().Run(ctx))

	// assert
	assert.Equal(t, int32(2), calls.Load())
}

func Test_NewRunner_ValidatesArguments(t *testing.T) {
	journal := memengine.NewEventStore()
	handler := &recordingHandler{}
	offsets := newMemoryOffsets()

	_, err := projection.NewAtLeastOnce(projection.ID{Tag: "carts-0"}, journal, offsets, handler)
	assert.ErrorIs(t, err, projection.ErrEmptyProjectionName)

	_, err = projection.NewAtLeastOnce(projection.ID{Name: "p"}, journal, offsets, handler)
	assert.ErrorIs(t, err, eventstore.ErrEmptyTag)

	_, err = projection.NewAtLeastOnce(projection.ID{Name: "p", Tag: "t"}, nil, offsets, handler)
	assert.ErrorIs(t, err, projection.ErrNilEventReader)

	_, err = projection.NewAtLeastOnce(projection.ID{Name: "p", Tag: "t"}, journal, nil, handler)
	assert.ErrorIs(t, err, projection.ErrNilOffsetStore)

	_, err = projection.NewAtLeastOnce(projection.ID{Name: "p", Tag: "t"}, journal, offsets, nil)
	assert.ErrorIs(t, err, projection.ErrNilHandler)
}
