package publisher

import (
	"errors"

	jsoniter "github.com/json-iterator/go"

	"github.com/AntonStoeckl/cart-eventstore-go/cart"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
)

var (
	// ErrEncodingEnvelopeFailed is returned when an event cannot be turned into a WireEnvelope.
	ErrEncodingEnvelopeFailed = errors.New("encoding the wire envelope failed")

	// ErrDecodingEnvelopeFailed is returned for messages that are not a WireEnvelope.
	ErrDecodingEnvelopeFailed = errors.New("decoding the wire envelope failed")
)

// WireEnvelope is the message published for each cart event. Type discriminates the payload.
type WireEnvelope struct {
	Type       string                    `json:"type"`
	CartID     string                    `json:"cart_id"`
	SequenceNr eventstore.SequenceNumber `json:"sequence_nr"`
	Payload    jsoniter.RawMessage       `json:"payload"`
}

// WireEnvelopeFrom builds the WireEnvelope of an event read from the journal.
func WireEnvelopeFrom(envelope eventstore.EventEnvelope) (WireEnvelope, error) {
	cartID, err := cart.CartIDFrom(envelope.PersistenceID)
	if err != nil {
		return WireEnvelope{}, errors.Join(ErrEncodingEnvelopeFailed, err)
	}

	return WireEnvelope{
		Type:       envelope.Event.EventType,
		CartID:     cartID,
		SequenceNr: envelope.SequenceNr,
		Payload:    jsoniter.RawMessage(envelope.Event.PayloadJSON),
	}, nil
}

// Encode serializes the envelope to JSON.
func (w WireEnvelope) Encode() ([]byte, error) {
	data, err := jsoniter.ConfigFastest.Marshal(w)
	if err != nil {
		return nil, errors.Join(ErrEncodingEnvelopeFailed, err)
	}

	return data, nil
}

// DecodeWireEnvelope parses a published message.
func DecodeWireEnvelope(data []byte) (WireEnvelope, error) {
	var w WireEnvelope
	if err := jsoniter.ConfigFastest.Unmarshal(data, &w); err != nil {
		return WireEnvelope{}, errors.Join(ErrDecodingEnvelopeFailed, err)
	}

	return w, nil
}

// Event decodes the payload into its cart event.
func (w WireEnvelope) Event() (cart.Event, error) {
	return cart.EventFrom(eventstore.StorableEvent{EventType: w.Type, PayloadJSON: w.Payload})
}
