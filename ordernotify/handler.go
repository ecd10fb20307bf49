package ordernotify

import (
	"context"
	"errors"
	"time"

	"github.com/AntonStoeckl/cart-eventstore-go/cart"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/internal/retry"
	"github.com/AntonStoeckl/cart-eventstore-go/projection"
)

// ProjectionName is the name under which the Handler stores its offsets.
const ProjectionName = "order-notifier"

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 200 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
	defaultAskTimeout  = 5 * time.Second

	retryOperation = "PlaceOrder"
)

const (
	logMsgOrderPlaced      = "order placed"
	logMsgOrderParked      = "order parked after failed attempts"
	logMsgOrderRedriven    = "parked order placed"
	logMsgRedriveFailed    = "parked order failed again"
	logMsgAskingCartFailed = "reading the checked-out cart failed"

	logAttrCartID   = "cart_id"
	logAttrItems    = "items"
	logAttrAttempts = "attempts"
	logAttrError    = "error"
)

const (
	metricOrdersPlaced   = "ordernotify_orders_placed_total"
	metricOrdersParked   = "ordernotify_orders_parked_total"
	metricOrdersRedriven = "ordernotify_orders_redriven_total"

	labelOutcome = "outcome"
)

var _ projection.Handler = (*Handler)(nil)

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithParkingLot parks orders that still fail after all attempts. Without one the error is returned
// and the projection retries the CheckedOut event.
func WithParkingLot(parking *ParkingLot) HandlerOption {
	return func(h *Handler) {
		h.parking = parking
	}
}

// WithMaxAttempts sets how often an order is tried before it is parked.
func WithMaxAttempts(attempts int) HandlerOption {
	return func(h *Handler) {
		if attempts > 0 {
			h.maxAttempts = attempts
		}
	}
}

// WithBackoff sets the delays between order attempts.
func WithBackoff(baseDelay, maxDelay time.Duration) HandlerOption {
	return func(h *Handler) {
		h.baseDelay = baseDelay
		h.maxDelay = maxDelay
	}
}

// WithAskTimeout bounds reading the checked-out cart.
func WithAskTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		if timeout > 0 {
			h.askTimeout = timeout
		}
	}
}

// WithRedriveBatchSize sets how many parked orders Redrive reads from the parking lot at once.
func WithRedriveBatchSize(size int) HandlerOption {
	return func(h *Handler) {
		if size > 0 {
			h.redriveBatch = size
		}
	}
}

// WithLogger sets the logger of the Handler.
func WithLogger(logger eventstore.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics sets the metrics collector of the Handler.
func WithMetrics(collector eventstore.MetricsCollector) HandlerOption {
	return func(h *Handler) {
		h.metrics = collector
	}
}

// Handler places an order for every checked-out cart.
type Handler struct {
	carts   CartAsker
	orders  OrderService
	parking *ParkingLot

	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	askTimeout   time.Duration
	redriveBatch int

	logger  eventstore.Logger
	metrics eventstore.MetricsCollector
}

// NewHandler creates a Handler reading carts through carts and ordering through orders.
func NewHandler(carts CartAsker, orders OrderService, options ...HandlerOption) *Handler {
	h := &Handler{
		carts:       carts,
		orders:      orders,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		askTimeout:  defaultAskTimeout,
	}

	for _, option := range options {
		option(h)
	}

	return h
}

// Process implements projection.Handler. Only CheckedOut events trigger an order.
func (h *Handler) Process(ctx context.Context, envelope eventstore.EventEnvelope) error {
	if envelope.Event.EventType != cart.CheckedOutEventType {
		return nil
	}

	event, err := cart.EventFrom(envelope.Event)
	if err != nil {
		return err
	}

	checkedOut, ok := event.(cart.CheckedOut)
	if !ok {
		return nil
	}

	askCtx, cancel := context.WithTimeout(ctx, h.askTimeout)
	summary, err := h.carts.Ask(askCtx, checkedOut.CartID, cart.Get{})
	cancel()

	if err != nil {
		h.warn(logMsgAskingCartFailed, checkedOut.CartID, err)
		return err
	}

	return h.place(ctx, OrderRequestFrom(summary))
}

func (h *Handler) place(ctx context.Context, request OrderRequest) error {
	attempts := 0

	err := retry.WithExponentialBackoff(ctx, func(ctx context.Context) error {
		attempts++
		return h.orders.Order(ctx, request)
	}, h.retryOptions()...)

	if err == nil {
		h.increment(metricOrdersPlaced, "ok")
		if h.logger != nil {
			h.logger.Info(logMsgOrderPlaced, logAttrCartID, request.CartID, logAttrItems, len(request.Items), logAttrAttempts, attempts)
		}

		return nil
	}

	if h.parking == nil || ctx.Err() != nil {
		return err
	}

	if parkErr := h.parking.Park(request, err, attempts); parkErr != nil {
		return errors.Join(parkErr, err)
	}

	h.increment(metricOrdersParked, outcomeOf(err))
	if h.logger != nil {
		h.logger.Warn(logMsgOrderParked, logAttrCartID, request.CartID, logAttrAttempts, attempts, logAttrError, err.Error())
	}

	return nil
}

func (h *Handler) retryOptions() []retry.Option {
	options := []retry.Option{
		retry.WithMaxAttempts(h.maxAttempts),
		retry.WithBaseDelay(h.baseDelay),
		retry.WithMaxDelay(h.maxDelay),
		retry.WithRetryIf(func(err error) bool {
			return !errors.Is(err, ErrOrderRejected)
		}),
	}

	if h.metrics != nil {
		options = append(options, retry.WithMetrics(h.metrics, retryOperation))
	}

	return options
}

// RedriveResult counts what one Redrive did.
type RedriveResult struct {
	Placed  int
	Failed  int
	Skipped int
}

// Redrive tries every parked order that was not rejected once. Placed orders leave the parking lot,
// failed ones stay with one more attempt counted. Rejected orders are counted as skipped.
func (h *Handler) Redrive(ctx context.Context) (RedriveResult, error) {
	var result RedriveResult

	if h.parking == nil {
		return result, nil
	}

	after := ""
	for {
		parked, err := h.parking.Batch(after, h.redriveBatch)
		if err != nil {
			return result, err
		}

		if len(parked) == 0 {
			return result, nil
		}

		for _, order := range parked {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}

			if err = h.redriveOne(ctx, order, &result); err != nil {
				return result, err
			}
		}

		after = parked[len(parked)-1].Request.CartID
	}
}

func (h *Handler) redriveOne(ctx context.Context, order ParkedOrder, result *RedriveResult) error {
	if order.Rejected {
		result.Skipped++
		return nil
	}

	if orderErr := h.orders.Order(ctx, order.Request); orderErr != nil {
		result.Failed++
		h.warn(logMsgRedriveFailed, order.Request.CartID, orderErr)

		return h.parking.Park(order.Request, orderErr, 1)
	}

	if err := h.parking.Remove(order.Request.CartID); err != nil {
		return err
	}

	result.Placed++
	h.increment(metricOrdersRedriven, "ok")
	if h.logger != nil {
		h.logger.Info(logMsgOrderRedriven, logAttrCartID, order.Request.CartID, logAttrAttempts, order.Attempts+1)
	}

	return nil
}

func (h *Handler) increment(metric string, outcome string) {
	if h.metrics == nil {
		return
	}

	h.metrics.IncrementCounter(metric, map[string]string{labelOutcome: outcome})
}

func (h *Handler) warn(msg string, cartID string, err error) {
	if h.logger != nil {
		h.logger.Warn(msg, logAttrCartID, cartID, logAttrError, err.Error())
	}
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrOrderRejected) {
		return "rejected"
	}

	return "unavailable"
}
