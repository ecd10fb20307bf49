package cart

import (
	"time"
)

const (
	ItemAddedEventType            = "ItemAdded"
	ItemQuantityAdjustedEventType = "ItemQuantityAdjusted"
	ItemRemovedEventType          = "ItemRemoved"
	CheckedOutEventType           = "CheckedOut"
)

type CartIDString = string
type ItemIDString = string
type OccurredAt = time.Time

// ToOccurredAt normalizes a timestamp to what survives a round trip through the journal.
func ToOccurredAt(t time.Time) OccurredAt {
	return t.UTC().Truncate(time.Microsecond)
}

// Events is a slice of Event instances.
type Events = []Event

// Event is one of ItemAdded, ItemQuantityAdjusted, ItemRemoved, or CheckedOut.
type Event interface {
	// EventType returns the string identifier for this event type
	EventType() string
	// ForCart returns the ID of the cart this event belongs to
	ForCart() CartIDString
	// HasOccurredAt returns when this event occurred
	HasOccurredAt() time.Time

	isCartEvent()
}

type ItemAdded struct {
	CartID     CartIDString `json:"cartId"`
	ItemID     ItemIDString `json:"itemId"`
	Quantity   int          `json:"quantity"`
	OccurredAt OccurredAt   `json:"occurredAt"`
}

func BuildItemAdded(cartID CartIDString, itemID ItemIDString, quantity int, occurredAt time.Time) ItemAdded {
	return ItemAdded{
		CartID:     cartID,
		ItemID:     itemID,
		Quantity:   quantity,
		OccurredAt: ToOccurredAt(occurredAt),
	}
}

func (e ItemAdded) EventType() string        { return ItemAddedEventType }
func (e ItemAdded) ForCart() CartIDString    { return e.CartID }
func (e ItemAdded) HasOccurredAt() time.Time { return e.OccurredAt }
func (e ItemAdded) isCartEvent()             {}

type ItemQuantityAdjusted struct {
	CartID      CartIDString `json:"cartId"`
	ItemID      ItemIDString `json:"itemId"`
	OldQuantity int          `json:"oldQuantity"`
	NewQuantity int          `json:"newQuantity"`
	OccurredAt  OccurredAt   `json:"occurredAt"`
}

func BuildItemQuantityAdjusted(
	cartID CartIDString,
	itemID ItemIDString,
	oldQuantity int,
	newQuantity int,
	occurredAt time.Time,
) ItemQuantityAdjusted {

	return ItemQuantityAdjusted{
		CartID:      cartID,
		ItemID:      itemID,
		OldQuantity: oldQuantity,
		NewQuantity: newQuantity,
		OccurredAt:  ToOccurredAt(occurredAt),
	}
}

func (e ItemQuantityAdjusted) EventType() string        { return ItemQuantityAdjustedEventType }
func (e ItemQuantityAdjusted) ForCart() CartIDString    { return e.CartID }
func (e ItemQuantityAdjusted) HasOccurredAt() time.Time { return e.OccurredAt }
func (e ItemQuantityAdjusted) isCartEvent()             {}

type ItemRemoved struct {
	CartID      CartIDString `json:"cartId"`
	ItemID      ItemIDString `json:"itemId"`
	OldQuantity int          `json:"oldQuantity"`
	OccurredAt  OccurredAt   `json:"occurredAt"`
}

func BuildItemRemoved(cartID CartIDString, itemID ItemIDString, oldQuantity int, occurredAt time.Time) ItemRemoved {
	return ItemRemoved{
		CartID:      cartID,
		ItemID:      itemID,
		OldQuantity: oldQuantity,
		OccurredAt:  ToOccurredAt(occurredAt),
	}
}

func (e ItemRemoved) EventType() string        { return ItemRemovedEventType }
func (e ItemRemoved) ForCart() CartIDString    { return e.CartID }
func (e ItemRemoved) HasOccurredAt() time.Time { return e.OccurredAt }
func (e ItemRemoved) isCartEvent()             {}

type CheckedOut struct {
	CartID     CartIDString `json:"cartId"`
	OccurredAt OccurredAt   `json:"occurredAt"`
}

func BuildCheckedOut(cartID CartIDString, occurredAt time.Time) CheckedOut {
	return CheckedOut{
		CartID:     cartID,
		OccurredAt: ToOccurredAt(occurredAt),
	}
}

func (e CheckedOut) EventType() string        { return CheckedOutEventType }
func (e CheckedOut) ForCart() CartIDString    { return e.CartID }
func (e CheckedOut) HasOccurredAt() time.Time { return e.OccurredAt }
func (e CheckedOut) isCartEvent()             {}
