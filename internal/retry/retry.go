// Package retry runs an operation again with exponential backoff while it fails with a retryable error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
)

const (
	defaultMaxAttempts  = 6
	defaultBaseDelay    = 10 * time.Millisecond
	defaultJitterFactor = 0.3

	// RetriesMetric counts retries per operation, attempt number, and error type.
	RetriesMetric = "retry_attempts_total"

	// RetryDelayMetric records the backoff delay before each retry.
	RetryDelayMetric = "retry_delay_seconds"

	// MaxRetriesReachedMetric counts operations that gave up.
	MaxRetriesReachedMetric = "retry_max_attempts_reached_total"

	labelOperation      = "operation"
	labelAttemptNumber  = "attempt_number"
	labelErrorType      = "error_type"
	labelFinalErrorType = "final_error_type"
)

var (
	// ErrNilMetricsCollector is returned when a nil metrics collector is provided to WithMetrics.
	ErrNilMetricsCollector = errors.New("metrics collector must not be nil")

	// ErrEmptyOperation is returned when an empty operation name is provided to WithMetrics.
	ErrEmptyOperation = errors.New("operation must not be empty")

	// ErrInvalidMaxAttempts is returned when max attempts are not positive.
	ErrInvalidMaxAttempts = errors.New("max attempts must be positive")

	// ErrNegativeBaseDelay is returned when the base delay is negative.
	ErrNegativeBaseDelay = errors.New("base delay must not be negative")

	// ErrNegativeMaxDelay is returned when the max delay is negative.
	ErrNegativeMaxDelay = errors.New("max delay must not be negative")

	// ErrInvalidJitterFactor is returned when the jitter factor is not between 0.0 and 1.0.
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")
)

// RetryableFunc represents a function that can be retried.
type RetryableFunc func(ctx context.Context) error

type retryConfig struct {
	maxAttempts      int
	unlimited        bool
	baseDelay        time.Duration
	maxDelay         time.Duration
	jitterFactor     float64
	isRetryable      func(err error) bool
	metricsCollector eventstore.MetricsCollector
	operation        string
}

// WithExponentialBackoff executes fn and retries it while it fails with a retryable error.
//
// Retry Schedule (default): 0 ms, 10 ms, 20 ms, 40 ms, 80 ms, 160 ms (with 30% jitter)
//
// By default only eventstore.ErrConcurrencyConflict is retryable, all other errors fail fast.
// The last error is returned when the attempts are exhausted, ctx.Err() when ctx ends while waiting.
func WithExponentialBackoff(ctx context.Context, fn RetryableFunc, options ...Option) error {
	config := &retryConfig{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		jitterFactor: defaultJitterFactor,
		isRetryable: func(err error) bool {
			return errors.Is(err, eventstore.ErrConcurrencyConflict)
		},
	}

	for _, option := range options {
		if err := option(config); err != nil {
			return err
		}
	}

	var lastErr error

	for attempt := 0; config.unlimited || attempt < config.maxAttempts; attempt++ {
		if attempt > 0 {
			backoffDelay := config.backoff(attempt)
			config.recordDelay(ctx, attempt, backoffDelay)

			timer := time.NewTimer(backoffDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !config.isRetryable(lastErr) {
			return lastErr
		}

		config.recordAttempt(ctx, attempt, lastErr)
	}

	config.recordMaxRetriesReached(ctx, lastErr)

	return lastErr
}

// backoff returns baseDelay * 2^(attempt-1) plus jitter, capped by maxDelay if one is set.
func (c *retryConfig) backoff(attempt int) time.Duration {
	shift := min(attempt-1, 30)
	delay := c.baseDelay * time.Duration(1<<shift)

	if c.maxDelay > 0 && (delay > c.maxDelay || delay <= 0) {
		delay = c.maxDelay
	}

	jitter := rand.Float64() * float64(delay) * c.jitterFactor //nolint:gosec // jitter needs no crypto randomness

	return delay + time.Duration(jitter)
}

func (c *retryConfig) recordDelay(ctx context.Context, attempt int, delay time.Duration) {
	if c.metricsCollector == nil {
		return
	}

	labels := map[string]string{labelOperation: c.operation, labelAttemptNumber: fmt.Sprintf("%d", attempt)}

	if contextual, ok := c.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(ctx, RetryDelayMetric, delay, labels)
		return
	}

	c.metricsCollector.RecordDuration(RetryDelayMetric, delay, labels)
}

func (c *retryConfig) recordAttempt(ctx context.Context, attempt int, err error) {
	if c.metricsCollector == nil || (!c.unlimited && attempt >= c.maxAttempts-1) {
		return
	}

	labels := map[string]string{
		labelOperation:     c.operation,
		labelAttemptNumber: fmt.Sprintf("%d", attempt+1),
		labelErrorType:     ErrorType(err),
	}

	if contextual, ok := c.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, RetriesMetric, labels)
		return
	}

	c.metricsCollector.IncrementCounter(RetriesMetric, labels)
}

func (c *retryConfig) recordMaxRetriesReached(ctx context.Context, err error) {
	if c.metricsCollector == nil {
		return
	}

	labels := map[string]string{labelOperation: c.operation, labelFinalErrorType: ErrorType(err)}

	if contextual, ok := c.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, MaxRetriesReachedMetric, labels)
		return
	}

	c.metricsCollector.IncrementCounter(MaxRetriesReachedMetric, labels)
}

// ErrorType extracts a string representation of the error for metrics labeling.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, eventstore.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "context_deadline_exceeded"
	default:
		return "other"
	}
}

// Option configures retry behavior using the functional options pattern.
type Option func(*retryConfig) error

// WithMaxAttempts sets the maximum number of attempts, the first one included.
func WithMaxAttempts(attempts int) Option {
	return func(config *retryConfig) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}

		config.maxAttempts = attempts
		config.unlimited = false

		return nil
	}
}

// WithUnlimitedAttempts retries until fn succeeds, fails with a permanent error, or ctx ends.
// Combine it with WithMaxDelay to keep the backoff bounded.
func WithUnlimitedAttempts() Option {
	return func(config *retryConfig) error {
		config.unlimited = true
		return nil
	}
}

// WithBaseDelay sets the base delay for exponential backoff.
// Actual delays: baseDelay, baseDelay*2, baseDelay*4, baseDelay*8, etc.
func WithBaseDelay(delay time.Duration) Option {
	return func(config *retryConfig) error {
		if delay < 0 {
			return ErrNegativeBaseDelay
		}

		config.baseDelay = delay

		return nil
	}
}

// WithMaxDelay caps the exponential delay before jitter; zero means no cap.
func WithMaxDelay(delay time.Duration) Option {
	return func(config *retryConfig) error {
		if delay < 0 {
			return ErrNegativeMaxDelay
		}

		config.maxDelay = delay

		return nil
	}
}

// WithJitterFactor sets the jitter factor to prevent thundering herd problems.
// Valid range: 0.0 (no jitter) to 1.0 (100% jitter).
func WithJitterFactor(factor float64) Option {
	return func(config *retryConfig) error {
		if factor < 0.0 || factor > 1.0 {
			return ErrInvalidJitterFactor
		}

		config.jitterFactor = factor

		return nil
	}
}

// WithRetryableErrors replaces the default retryable errors, matched with errors.Is.
func WithRetryableErrors(retryable ...error) Option {
	return func(config *retryConfig) error {
		config.isRetryable = func(err error) bool {
			for _, target := range retryable {
				if errors.Is(err, target) {
					return true
				}
			}

			return false
		}

		return nil
	}
}

// WithRetryIf replaces the default retryable errors with a predicate.
func WithRetryIf(isRetryable func(err error) bool) Option {
	return func(config *retryConfig) error {
		config.isRetryable = isRetryable
		return nil
	}
}

// WithMetrics sets the metrics collector for retry instrumentation, labeled with operation.
func WithMetrics(collector eventstore.MetricsCollector, operation string) Option {
	return func(config *retryConfig) error {
		if collector == nil {
			return ErrNilMetricsCollector
		}

		if operation == "" {
			return ErrEmptyOperation
		}

		config.metricsCollector = collector
		config.operation = operation

		return nil
	}
}
