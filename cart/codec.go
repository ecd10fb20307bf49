package cart

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
)

// EntityTypeName prefixes the persistence IDs of carts.
const EntityTypeName = "ShoppingCart"

const persistenceIDSeparator = "|"

var (
	// ErrMappingToEventFailed is returned when a payload cannot be decoded.
	ErrMappingToEventFailed = errors.New("mapping to cart event failed")

	// ErrUnknownEventType is returned for event types that are not cart events.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrMappingToStorableEventFailed is returned when an event or its metadata cannot be encoded.
	ErrMappingToStorableEventFailed = errors.New("mapping to storable event failed")

	// ErrMappingToEventMetadataFailed is returned when metadata cannot be decoded.
	ErrMappingToEventMetadataFailed = errors.New("mapping to event metadata failed")

	// ErrNotACartPersistenceID is returned for persistence IDs of other entity types.
	ErrNotACartPersistenceID = errors.New("persistence id does not belong to a cart")
)

// PersistenceIDFor returns the journal stream key of a cart.
func PersistenceIDFor(cartID CartIDString) string {
	return EntityTypeName + persistenceIDSeparator + cartID
}

// CartIDFrom extracts the cart ID from a persistence ID built by PersistenceIDFor.
func CartIDFrom(persistenceID string) (CartIDString, error) {
	cartID, found := strings.CutPrefix(persistenceID, EntityTypeName+persistenceIDSeparator)
	if !found || cartID == "" {
		return "", ErrNotACartPersistenceID
	}

	return cartID, nil
}

// EventMetadata contains event tracking information.
type EventMetadata struct {
	MessageID     string `json:"messageId"`
	CausationID   string `json:"causationId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// BuildEventMetadata creates EventMetadata with a fresh message ID.
// Empty causation or correlation IDs default to the message ID.
func BuildEventMetadata(causationID string, correlationID string) EventMetadata {
	messageID := uuid.NewString()

	if causationID == "" {
		causationID = messageID
	}

	if correlationID == "" {
		correlationID = messageID
	}

	return EventMetadata{
		MessageID:     messageID,
		CausationID:   causationID,
		CorrelationID: correlationID,
	}
}

// EventMetadataFrom extracts EventMetadata from a StorableEvent.
func EventMetadataFrom(storableEvent eventstore.StorableEvent) (EventMetadata, error) {
	metadata := EventMetadata{}
	if err := jsoniter.ConfigFastest.Unmarshal(storableEvent.MetadataJSON, &metadata); err != nil {
		return EventMetadata{}, errors.Join(ErrMappingToEventMetadataFailed, err)
	}

	return metadata, nil
}

// StorableEventFrom converts an Event and its EventMetadata to a StorableEvent.
func StorableEventFrom(event Event, metadata EventMetadata) (eventstore.StorableEvent, error) {
	payloadJSON, err := jsoniter.ConfigFastest.Marshal(event)
	if err != nil {
		return eventstore.StorableEvent{}, errors.Join(ErrMappingToStorableEventFailed, err)
	}

	metadataJSON, err := jsoniter.ConfigFastest.Marshal(metadata)
	if err != nil {
		return eventstore.StorableEvent{}, errors.Join(ErrMappingToStorableEventFailed, err)
	}

	storableEvent, err := eventstore.BuildStorableEvent(event.EventType(), event.HasOccurredAt(), payloadJSON, metadataJSON)
	if err != nil {
		return eventstore.StorableEvent{}, errors.Join(ErrMappingToStorableEventFailed, err)
	}

	return storableEvent, nil
}

// EventFrom converts a StorableEvent to its corresponding Event, the event type is the discriminator.
func EventFrom(storableEvent eventstore.StorableEvent) (Event, error) {
	switch storableEvent.EventType {
	case ItemAddedEventType:
		return decode[ItemAdded](storableEvent.PayloadJSON)

	case ItemQuantityAdjustedEventType:
		return decode[ItemQuantityAdjusted](storableEvent.PayloadJSON)

	case ItemRemovedEventType:
		return decode[ItemRemoved](storableEvent.PayloadJSON)

	case CheckedOutEventType:
		return decode[CheckedOut](storableEvent.PayloadJSON)

	default:
		return nil, errors.Join(ErrMappingToEventFailed, ErrUnknownEventType)
	}
}

// EventsFrom converts multiple StorableEvents to Events.
func EventsFrom(storableEvents eventstore.StorableEvents) (Events, error) {
	events := make(Events, 0, len(storableEvents))

	for _, storableEvent := range storableEvents {
		event, err := EventFrom(storableEvent)
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	return events, nil
}

func decode[E Event](payloadJSON []byte) (Event, error) {
	var event E
	if err := jsoniter.ConfigFastest.Unmarshal(payloadJSON, &event); err != nil {
		return nil, errors.Join(ErrMappingToEventFailed, err)
	}

	return event, nil
}
