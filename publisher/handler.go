package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/AntonStoeckl/cart-eventstore-go/cart"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/projection"
)

// ProjectionName is the name under which the Handler stores its offsets.
const ProjectionName = "publish-events"

// DefaultTopic is the topic cart events are published to.
const DefaultTopic = "shopping-cart-events"

const (
	logMsgPublished      = "cart event published"
	logMsgSkippedForeign = "skipping event of a foreign entity"

	logAttrTopic      = "topic"
	logAttrCartID     = "cart_id"
	logAttrSequenceNr = "sequence_nr"
	logAttrEventType  = "event_type"
	logAttrPID        = "persistence_id"
)

// ErrPublishingFailed is returned when the producer did not accept a message.
var ErrPublishingFailed = errors.New("publishing the event failed")

// Producer sends one message to a topic. Messages with the same key keep their order.
type Producer interface {
	Publish(ctx context.Context, topic string, key string, value []byte) error
}

var _ projection.Handler = (*Handler)(nil)

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithTopic sets the topic the Handler publishes to.
func WithTopic(topic string) HandlerOption {
	return func(h *Handler) {
		if topic != "" {
			h.topic = topic
		}
	}
}

// WithLogger sets the logger of the Handler.
func WithLogger(logger eventstore.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// Handler publishes every cart event with the cart ID as key.
type Handler struct {
	producer Producer
	topic    string
	logger   eventstore.Logger
}

// NewHandler creates a Handler publishing through producer.
func NewHandler(producer Producer, options ...HandlerOption) *Handler {
	h := &Handler{producer: producer, topic: DefaultTopic}

	for _, option := range options {
		option(h)
	}

	return h
}

// Process implements projection.Handler.
func (h *Handler) Process(ctx context.Context, envelope eventstore.EventEnvelope) error {
	wire, err := WireEnvelopeFrom(envelope)
	if errors.Is(err, cart.ErrNotACartPersistenceID) {
		if h.logger != nil {
			h.logger.Warn(logMsgSkippedForeign, logAttrPID, envelope.PersistenceID)
		}

		return nil
	}

	if err != nil {
		return err
	}

	value, err := wire.Encode()
	if err != nil {
		return err
	}

	if err = h.producer.Publish(ctx, h.topic, wire.CartID, value); err != nil {
		return errors.Join(ErrPublishingFailed, fmt.Errorf("cart %s seq %d: %w", wire.CartID, wire.SequenceNr, err))
	}

	if h.logger != nil {
		h.logger.Debug(logMsgPublished,
			logAttrTopic, h.topic,
			logAttrCartID, wire.CartID,
			logAttrSequenceNr, wire.SequenceNr,
			logAttrEventType, wire.Type,
		)
	}

	return nil
}
