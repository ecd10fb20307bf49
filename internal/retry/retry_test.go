package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/internal/retry"
	"github.com/AntonStoeckl/cart-eventstore-go/testutil/observability/testdoubles"
)

func Test_WithExponentialBackoff_Success_NoRetries(t *testing.T) {
	// arrange
	callCount := 0
	fn := func(_ context.Context) error {
		callCount++
		return nil
	}

	// act
	err := retry.WithExponentialBackoff(context.Background(), fn)

	// assert
	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func Test_WithExponentialBackoff_RetriesOnConcurrencyConflict(t *testing.T) {
	// arrange
	callCount := 0
	fn := func(_ context.Context) error {
		callCount++
		if callCount < 3 {
			return eventstore.ErrConcurrencyConflict
		}
		return nil
	}

	// act
	err := retry.WithExponentialBackoff(context.Background(), fn, retry.WithBaseDelay(time.Millisecond))

	// assert
	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func Test_WithExponentialBackoff_FailsFastOnPermanentError(t *testing.T) {
	// arrange
	permanent := errors.New("boom")
	callCount := 0
	fn := func(_ context.Context) error {
		callCount++
		return permanent
	}

	// act
	err := retry.WithExponentialBackoff(context.Background(), fn)

	// assert
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, callCount)
}

func Test_WithExponentialBackoff_ReturnsLastErrorWhenAttemptsAreExhausted(t *testing.T) {
	// arrange
	callCount := 0
	fn := func(_ context.Context) error {
		callCount++
		return eventstore.ErrConcurrencyConflict
	}

	// act
	err := retry.WithExponentialBackoff(context.Background(), fn,
		retry.WithMaxAttempts(3),
		retry.WithBaseDelay(time.Millisecond),
		retry.WithJitterFactor(0),
	)

	// assert
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)
	assert.Equal(t, 3, callCount)
}

func Test_WithExponentialBackoff_RetryableErrorsReplaceTheDefault(t *testing.T) {
	// arrange
	transient := errors.New("node busy")
	callCount := 0
	fn := func(_ context.Context) error {
		callCount++
		if callCount == 1 {
			return transient
		}
		return eventstore.ErrConcurrencyConflict
	}

	// act
	err := retry.WithExponentialBackoff(context.Background(), fn,
		retry.WithRetryableErrors(transient),
		retry.WithBaseDelay(time.Millisecond),
	)

	// assert
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)
	assert.Equal(t, 2, callCount)
}

func Test_WithExponentialBackoff_RetryIfPredicate(t *testing.T) {
	// arrange
	callCount := 0
	fn := func(_ context.Context) error {
		callCount++
		if callCount < 4 {
			return errors.New("anything")
		}
		return nil
	}

	// act
	err := retry.WithExponentialBackoff(context.Background(), fn,
		retry.WithRetryIf(func(error) bool { return true }),
		retry.WithBaseDelay(time.Millisecond),
	)

	// assert
	assert.NoError(t, err)
	assert.Equal(t, 4, callCount)
}

func Test_WithExponentialBackoff_UnlimitedAttemptsWithMaxDelay(t *testing.T) {
	// arrange
	callCount := 0
	fn := func(_ context.Context) error {
		callCount++
		if callCount < 12 {
			return eventstore.ErrConcurrencyConflict
		}
		return nil
	}

	// act
	start := time.Now()
	err := retry.WithExponentialBackoff(context.Background(), fn,
		retry.WithUnlimitedAttempts(),
		retry.WithBaseDelay(time.Millisecond),
		retry.WithMaxDelay(2*time.Millisecond),
		retry.WithJitterFactor(0),
	)

	// assert
	assert.NoError(t, err)
	assert.Equal(t, 12, callCount)
	assert.Less(t, time.Since(start), time.Second)
}

func Test_WithExponentialBackoff_StopsWhenContextIsCanceled(t *testing.T) {
	// arrange
	ctx, cancel := context.WithCancel(context.Background())
	callCount := 0
	fn := func(_ context.Context) error {
		callCount++
		cancel()
		return eventstore.ErrConcurrencyConflict
	}

	// act
	err := retry.WithExponentialBackoff(ctx, fn, retry.WithUnlimitedAttempts(), retry.WithBaseDelay(time.Hour))

	// assert
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, callCount)
}

func Test_WithExponentialBackoff_RecordsMetrics(t *testing.T) {
	// arrange
	metrics := testdoubles.NewMetricsCollectorSpy()
	fn := func(_ context.Context) error {
		return eventstore.ErrConcurrencyConflict
	}

	// act
	err := retry.WithExponentialBackoff(context.Background(), fn,
		retry.WithMaxAttempts(3),
		retry.WithBaseDelay(time.Millisecond),
		retry.WithMetrics(metrics, "AddItem"),
	)

	// assert
	require.Error(t, err)
	assert.Equal(t, 2, metrics.CounterCount(retry.RetriesMetric))
	assert.Equal(t, 1, metrics.CounterCount(retry.MaxRetriesReachedMetric))
	assert.True(t, metrics.HasDurationRecord(retry.RetryDelayMetric))

	for _, record := range metrics.GetCounterRecords() {
		assert.Equal(t, "AddItem", record.Labels["operation"])
	}
}

func Test_WithExponentialBackoff_InvalidOptions(t *testing.T) {
	fn := func(_ context.Context) error { return nil }

	testCases := []struct {
		name        string
		option      retry.Option
		expectedErr error
	}{
		{"zero max attempts", retry.WithMaxAttempts(0), retry.ErrInvalidMaxAttempts},
		{"negative base delay", retry.WithBaseDelay(-time.Millisecond), retry.ErrNegativeBaseDelay},
		{"negative max delay", retry.WithMaxDelay(-time.Millisecond), retry.ErrNegativeMaxDelay},
		{"jitter above one", retry.WithJitterFactor(1.5), retry.ErrInvalidJitterFactor},
		{"jitter below zero", retry.WithJitterFactor(-0.1), retry.ErrInvalidJitterFactor},
		{"nil metrics collector", retry.WithMetrics(nil, "op"), retry.ErrNilMetricsCollector},
		{"empty operation", retry.WithMetrics(testdoubles.NewMetricsCollectorSpy(), ""), retry.ErrEmptyOperation},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := retry.WithExponentialBackoff(context.Background(), fn, tc.option)

			assert.ErrorIs(t, err, tc.expectedErr)
		})
	}
}

func Test_ErrorType(t *testing.T) {
	assert.Equal(t, "none", retry.ErrorType(nil))
	assert.Equal(t, "concurrency_conflict", retry.ErrorType(errors.Join(errors.New("x"), eventstore.ErrConcurrencyConflict)))
	assert.Equal(t, "context_canceled", retry.ErrorType(context.Canceled))
	assert.Equal(t, "context_deadline_exceeded", retry.ErrorType(context.DeadlineExceeded))
	assert.Equal(t, "other", retry.ErrorType(errors.New("x")))
}
