package cart

import (
	"sort"
	"time"
)

// State is the current state of one cart, derived from its events only.
type State struct {
	CartID       CartIDString
	Items        map[ItemIDString]int
	CheckedOut   bool
	CheckedOutAt time.Time
}

// Item is one line of a Summary.
type Item struct {
	ItemID   ItemIDString
	Quantity int
}

// Summary is the reply to every accepted command.
type Summary struct {
	CartID     CartIDString
	Items      []Item
	CheckedOut bool
}

// NewState returns the state of a cart without events.
func NewState(cartID CartIDString) State {
	return State{
		CartID: cartID,
		Items:  map[ItemIDString]int{},
	}
}

// Evolve folds one event into the state. It never modifies s.
func Evolve(s State, event Event) State {
	next := State{
		CartID:       s.CartID,
		Items:        make(map[ItemIDString]int, len(s.Items)+1),
		CheckedOut:   s.CheckedOut,
		CheckedOutAt: s.CheckedOutAt,
	}

	for itemID, quantity := range s.Items {
		next.Items[itemID] = quantity
	}

	switch e := event.(type) {
	case ItemAdded:
		next.Items[e.ItemID] += e.Quantity

	case ItemQuantityAdjusted:
		next.Items[e.ItemID] = e.NewQuantity

	case ItemRemoved:
		delete(next.Items, e.ItemID)

	case CheckedOut:
		next.CheckedOut = true
		next.CheckedOutAt = e.OccurredAt
	}

	return next
}

// Project folds a whole history into the state of cartID.
func Project(cartID CartIDString, history Events) State {
	s := NewState(cartID)
	for _, event := range history {
		s = Evolve(s, event)
	}

	return s
}

// IsEmpty reports whether the cart has no items.
func (s State) IsEmpty() bool {
	return len(s.Items) == 0
}

// HasItem reports whether itemID is in the cart.
func (s State) HasItem(itemID ItemIDString) bool {
	_, ok := s.Items[itemID]
	return ok
}

// Summary returns the items ordered by item ID.
func (s State) Summary() Summary {
	items := make([]Item, 0, len(s.Items))
	for itemID, quantity := range s.Items {
		items = append(items, Item{ItemID: itemID, Quantity: quantity})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].ItemID < items[j].ItemID
	})

	return Summary{
		CartID:     s.CartID,
		Items:      items,
		CheckedOut: s.CheckedOut,
	}
}
