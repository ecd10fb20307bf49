package cartreport

import (
	"context"
	"errors"

	"github.com/AntonStoeckl/cart-eventstore-go/cart"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/projection"
)

// ProjectionName is the name under which the Handler stores its offsets.
const ProjectionName = "cart-report"

const (
	logMsgReportCreated    = "cart report created"
	logMsgReportCheckedOut = "cart report checked out"

	logAttrCartID = "cart_id"
)

var _ projection.Handler = (*Handler)(nil)

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger of the Handler.
func WithLogger(logger eventstore.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// Handler writes cart events into the Repository.
type Handler struct {
	repository *Repository
	logger     eventstore.Logger
}

// NewHandler creates a Handler writing to repository.
func NewHandler(repository *Repository, options ...HandlerOption) *Handler {
	h := &Handler{repository: repository}

	for _, option := range options {
		option(h)
	}

	return h
}

// Process implements projection.Handler.
func (h *Handler) Process(ctx context.Context, envelope eventstore.EventEnvelope) error {
	event, err := cart.EventFrom(envelope.Event)
	if err != nil {
		if errors.Is(err, cart.ErrUnknownEventType) {
			return nil
		}

		return err
	}

	switch e := event.(type) {
	case cart.ItemAdded, cart.ItemQuantityAdjusted:
		if err = h.repository.Created(ctx, e.ForCart(), e.HasOccurredAt()); err != nil {
			return err
		}

		h.debug(logMsgReportCreated, e.ForCart())

	case cart.CheckedOut:
		if err = h.repository.CheckedOut(ctx, e.CartID, e.OccurredAt); err != nil {
			return err
		}

		h.debug(logMsgReportCheckedOut, e.CartID)
	}

	return nil
}

func (h *Handler) debug(msg string, cartID string) {
	if h.logger != nil {
		h.logger.Debug(msg, logAttrCartID, cartID)
	}
}
