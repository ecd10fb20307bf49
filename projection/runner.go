package projection

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/internal/retry"
)

const (
	defaultRetryBaseDelay = 100 * time.Millisecond
	defaultRetryMaxDelay  = 10 * time.Second
)

const (
	logMsgStarted         = "projection started"
	logMsgStopped         = "projection stopped"
	logMsgCaughtUp        = "projection caught up"
	logMsgDeliveryFailed  = "projection handler failed, retrying"
	logMsgReadFailed      = "reading projection events failed, retrying"
	logMsgOffsetLoadError = "loading projection offset failed, retrying"

	logAttrProjection = "projection"
	logAttrTag        = "tag"
	logAttrOffset     = "offset"
	logAttrMode       = "mode"
	logAttrEventType  = "event_type"
	logAttrPID        = "persistence_id"
	logAttrError      = "error"
)

const (
	metricProcessed       = "projection_envelopes_processed_total"
	metricFailures        = "projection_handler_failures_total"
	metricHandlerDuration = "projection_handler_duration_seconds"
	metricOffset          = "projection_offset"

	spanProcess = "projection.process"

	labelProjection = "projection"
	labelTag        = "tag"
	labelMode       = "mode"
)

// DeliveryMode tells when the offset of an envelope is saved relative to its effects.
type DeliveryMode int

const (
	// AtLeastOnce saves the offset after the handler succeeded.
	AtLeastOnce DeliveryMode = iota
	// ExactlyOnce saves the offset in the handler's transaction.
	ExactlyOnce
)

func (m DeliveryMode) String() string {
	if m == ExactlyOnce {
		return "exactly_once"
	}

	return "at_least_once"
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger of the Runner.
func WithLogger(logger eventstore.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics collector of the Runner.
// A collector that also implements eventstore.ContextualMetricsCollector receives the envelope's context.
func WithMetrics(collector eventstore.MetricsCollector) Option {
	return func(r *Runner) {
		r.metrics = collector
	}
}

// WithTracing records a span per processed envelope.
func WithTracing(collector eventstore.TracingCollector) Option {
	return func(r *Runner) {
		r.tracing = collector
	}
}

// WithRetryBackoff sets the first and the largest delay between two attempts to process the same envelope.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(r *Runner) {
		r.retryBaseDelay = baseDelay
		r.retryMaxDelay = maxDelay
	}
}

// WithSourceOptions passes options to the TagSource of the Runner.
func WithSourceOptions(options ...SourceOption) Option {
	return func(r *Runner) {
		r.sourceOptions = append(r.sourceOptions, options...)
	}
}

// Runner delivers the envelopes of one tag to one handler, in offset order and one at a time.
type Runner struct {
	id     ID
	mode   DeliveryMode
	reader EventsByTagReader

	offsets   OffsetStore
	txOffsets TxOffsetStore
	handler   Handler
	txHandler TxHandler

	sourceOptions  []SourceOption
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	logger  eventstore.Logger
	metrics eventstore.MetricsCollector
	tracing eventstore.TracingCollector
}

// NewAtLeastOnce creates a Runner that saves the offset after handler succeeded.
func NewAtLeastOnce(id ID, reader EventsByTagReader, offsets OffsetStore, handler Handler, options ...Option) (*Runner, error) {
	if offsets == nil {
		return nil, ErrNilOffsetStore
	}

	if handler == nil {
		return nil, ErrNilHandler
	}

	return newRunner(&Runner{id: id, mode: AtLeastOnce, reader: reader, offsets: offsets, handler: handler}, options)
}

// NewExactlyOnce creates a Runner that commits handler's writes together with the offset.
func NewExactlyOnce(id ID, reader EventsByTagReader, offsets TxOffsetStore, handler TxHandler, options ...Option) (*Runner, error) {
	if offsets == nil {
		return nil, ErrNilOffsetStore
	}

	if handler == nil {
		return nil, ErrNilHandler
	}

	return newRunner(&Runner{id: id, mode: ExactlyOnce, reader: reader, offsets: offsets, txOffsets: offsets, txHandler: handler}, options)
}

func newRunner(r *Runner, options []Option) (*Runner, error) {
	if err := r.id.validate(); err != nil {
		return nil, err
	}

	if r.reader == nil {
		return nil, ErrNilEventReader
	}

	r.retryBaseDelay = defaultRetryBaseDelay
	r.retryMaxDelay = defaultRetryMaxDelay

	for _, option := range options {
		option(r)
	}

	return r, nil
}

// ID returns the ID of the Runner.
func (r *Runner) ID() ID {
	return r.id
}

// Run processes envelopes until ctx is canceled, then returns nil once the envelope in flight is done.
// With a Finite source it returns nil as soon as all stored envelopes are processed.
func (r *Runner) Run(ctx context.Context) error {
	var offset eventstore.Offset

	err := r.retryUntilStopped(ctx, func(ctx context.Context) error {
		var loadErr error
		offset, loadErr = r.offsets.LoadOffset(ctx, r.id)
		if loadErr != nil {
			r.warn(logMsgOffsetLoadError, loadErr)
			return errors.Join(ErrLoadingOffsetFailed, loadErr)
		}

		return nil
	})
	if err != nil {
		return r.stopped(ctx, err)
	}

	r.info(logMsgStarted, logAttrOffset, offset)

	source := NewTagSource(r.reader, r.id.Tag, offset, r.sourceOptions...)

	for {
		if ctx.Err() != nil {
			r.info(logMsgStopped, logAttrOffset, source.Offset())
			return nil
		}

		var envelope eventstore.EventEnvelope

		err = r.retryUntilStopped(ctx, func(ctx context.Context) error {
			var nextErr error
			envelope, nextErr = source.Next(ctx)
			if nextErr != nil && !errors.Is(nextErr, ErrEndOfStream) && ctx.Err() == nil {
				r.warn(logMsgReadFailed, nextErr)
			}

			return nextErr
		})

		if errors.Is(err, ErrEndOfStream) {
			r.info(logMsgCaughtUp, logAttrOffset, source.Offset())
			return nil
		}

		if err != nil {
			return r.stopped(ctx, err)
		}

		if err = r.deliver(ctx, envelope); err != nil {
			return r.stopped(ctx, err)
		}
	}
}

// deliver retries envelope until it is processed. Attempts run without ctx's cancellation,
// so stopping waits for the attempt in flight but not for the backoff.
func (r *Runner) deliver(ctx context.Context, envelope eventstore.EventEnvelope) error {
	handled := false

	return r.retryUntilStopped(ctx, func(ctx context.Context) error {
		attemptCtx := context.WithoutCancel(ctx)
		start := time.Now()

		attemptCtx, span := r.startSpan(attemptCtx, envelope)

		var err error
		switch r.mode {
		case ExactlyOnce:
			err = r.processExactlyOnce(attemptCtx, envelope)
		default:
			err = r.processAtLeastOnce(attemptCtx, envelope, &handled)
		}

		r.finishSpan(span, err)

		if err != nil {
			r.incrementCounter(attemptCtx, metricFailures)
			r.warn(logMsgDeliveryFailed, err,
				logAttrOffset, envelope.Offset,
				logAttrPID, envelope.PersistenceID,
				logAttrEventType, envelope.Event.EventType,
			)

			return err
		}

		r.recordDuration(attemptCtx, metricHandlerDuration, time.Since(start))
		r.incrementCounter(attemptCtx, metricProcessed)
		r.recordValue(attemptCtx, metricOffset, float64(envelope.Offset))

		return nil
	})
}

// processAtLeastOnce does not call the handler again when only saving the offset failed.
func (r *Runner) processAtLeastOnce(ctx context.Context, envelope eventstore.EventEnvelope, handled *bool) error {
	if !*handled {
		if err := r.handler.Process(ctx, envelope); err != nil {
			return err
		}

		*handled = true
	}

	if err := r.offsets.SaveOffset(ctx, r.id, envelope.Offset); err != nil {
		return errors.Join(ErrSavingOffsetFailed, err)
	}

	return nil
}

func (r *Runner) processExactlyOnce(ctx context.Context, envelope eventstore.EventEnvelope) error {
	tx, err := r.txOffsets.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err = r.txHandler.Process(ctx, tx, envelope); err != nil {
		return err
	}

	if err = r.txOffsets.SaveOffsetTx(ctx, tx, r.id, envelope.Offset); err != nil {
		return errors.Join(ErrSavingOffsetFailed, err)
	}

	if err = tx.Commit(); err != nil {
		return err
	}

	committed = true

	return nil
}

// retryUntilStopped retries every error except ErrEndOfStream until fn succeeds or ctx ends.
func (r *Runner) retryUntilStopped(ctx context.Context, fn retry.RetryableFunc) error {
	options := []retry.Option{
		retry.WithUnlimitedAttempts(),
		retry.WithBaseDelay(r.retryBaseDelay),
		retry.WithMaxDelay(r.retryMaxDelay),
		retry.WithRetryIf(func(err error) bool {
			return !errors.Is(err, ErrEndOfStream) && ctx.Err() == nil
		}),
	}

	if r.metrics != nil {
		options = append(options, retry.WithMetrics(r.metrics, r.id.Name))
	}

	return retry.WithExponentialBackoff(ctx, fn, options...)
}

func (r *Runner) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		r.info(logMsgStopped)
		return nil
	}

	return err
}

func (r *Runner) labels() map[string]string {
	return map[string]string{labelProjection: r.id.Name, labelTag: r.id.Tag, labelMode: r.mode.String()}
}

func (r *Runner) startSpan(ctx context.Context, envelope eventstore.EventEnvelope) (context.Context, eventstore.SpanContext) {
	if r.tracing == nil {
		return ctx, nil
	}

	return r.tracing.StartSpan(ctx, spanProcess, map[string]string{
		labelProjection:  r.id.Name,
		labelTag:         r.id.Tag,
		logAttrOffset:    strconv.FormatUint(envelope.Offset, 10),
		logAttrEventType: envelope.Event.EventType,
	})
}

func (r *Runner) finishSpan(span eventstore.SpanContext, err error) {
	if r.tracing == nil || span == nil {
		return
	}

	if err != nil {
		r.tracing.FinishSpan(span, "error", map[string]string{logAttrError: err.Error()})
		return
	}

	r.tracing.FinishSpan(span, "success", nil)
}

func (r *Runner) incrementCounter(ctx context.Context, metric string) {
	if r.metrics == nil {
		return
	}

	if contextual, ok := r.metrics.(eventstore.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, metric, r.labels())
		return
	}

	r.metrics.IncrementCounter(metric, r.labels())
}

func (r *Runner) recordDuration(ctx context.Context, metric string, duration time.Duration) {
	if r.metrics == nil {
		return
	}

	if contextual, ok := r.metrics.(eventstore.ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(ctx, metric, duration, r.labels())
		return
	}

	r.metrics.RecordDuration(metric, duration, r.labels())
}

func (r *Runner) recordValue(ctx context.Context, metric string, value float64) {
	if r.metrics == nil {
		return
	}

	if contextual, ok := r.metrics.(eventstore.ContextualMetricsCollector); ok {
		contextual.RecordValueContext(ctx, metric, value, r.labels())
		return
	}

	r.metrics.RecordValue(metric, value, r.labels())
}

func (r *Runner) info(msg string, args ...any) {
	if r.logger == nil {
		return
	}

	r.logger.Info(msg, append([]any{logAttrProjection, r.id.Name, logAttrTag, r.id.Tag, logAttrMode, r.mode.String()}, args...)...)
}

func (r *Runner) warn(msg string, err error, args ...any) {
	if r.logger == nil {
		return
	}

	r.logger.Warn(msg, append([]any{logAttrProjection, r.id.Name, logAttrTag, r.id.Tag, logAttrError, err.Error()}, args...)...)
}
