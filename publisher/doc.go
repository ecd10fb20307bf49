// Package publisher forwards cart events to a message bus.
//
// Every event becomes a WireEnvelope keyed by its cart ID, so all events of one cart land on the same
// partition in order. Delivery is at-least-once: consumers deduplicate on (cart_id, sequence_nr).
package publisher
