package popularity

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/AntonStoeckl/cart-eventstore-go/cart"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/projection"
)

// ProjectionName is the name under which the Handler stores its offsets.
const ProjectionName = "item-popularity"

const (
	logMsgCountUpdated = "item popularity updated"

	logAttrItemID = "item_id"
	logAttrCount  = "count"
	logAttrCartID = "cart_id"
)

var _ projection.TxHandler = (*Handler)(nil)

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger of the Handler.
func WithLogger(logger eventstore.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// Handler applies the item deltas of cart events to the Repository.
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

// Process implements projection.TxHandler.
// ItemAdded adds its quantity, ItemQuantityAdjusted the difference, ItemRemoved subtracts the old quantity.
func (h *Handler) Process(ctx context.Context, tx *sqlx.Tx, envelope eventstore.EventEnvelope) error {
	event, err := cart.EventFrom(envelope.Event)
	if err != nil {
		if errors.Is(err, cart.ErrUnknownEventType) {
			return nil
		}

		return err
	}

	var itemID string
	var delta int

	switch e := event.(type) {
	case cart.ItemAdded:
		itemID, delta = e.ItemID, e.Quantity
	case cart.ItemQuantityAdjusted:
		itemID, delta = e.ItemID, e.NewQuantity-e.OldQuantity
	case cart.ItemRemoved:
		itemID, delta = e.ItemID, -e.OldQuantity
	default:
		return nil
	}

	count, err := h.repository.UpdateTx(ctx, tx, itemID, delta)
	if err != nil {
		return err
	}

	if h.logger != nil {
		h.logger.Debug(logMsgCountUpdated, logAttrItemID, itemID, logAttrCount, count, logAttrCartID, event.ForCart())
	}

	return nil
}
