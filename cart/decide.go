package cart

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrCommandRejected is the parent of every validation error, commands rejected with it never change the cart.
	ErrCommandRejected = errors.New("command rejected")

	ErrCartCheckedOut      = fmt.Errorf("%w: cart is already checked out", ErrCommandRejected)
	ErrNonPositiveQuantity = fmt.Errorf("%w: quantity must be greater than zero", ErrCommandRejected)
	ErrQuantityTooLarge    = fmt.Errorf("%w: quantity too large", ErrCommandRejected)
	ErrItemNotInCart       = fmt.Errorf("%w: item is not in the cart", ErrCommandRejected)
	ErrEmptyCart           = fmt.Errorf("%w: cannot checkout an empty cart", ErrCommandRejected)
	ErrUnknownCommand      = fmt.Errorf("%w: unknown command", ErrCommandRejected)
)

// DecisionResult represents the outcome of Decide.
//
// It should only be constructed using IdempotentDecision, SuccessDecision, or ErrorDecision.
type DecisionResult struct {
	Outcome string
	Event   Event
	Err     error
}

const (
	idempotentOutcome = "idempotent"
	successOutcome    = "success"
	errorOutcome      = "error"
)

// IdempotentDecision creates a DecisionResult indicating no state change is needed.
func IdempotentDecision() DecisionResult {
	return DecisionResult{Outcome: idempotentOutcome}
}

// SuccessDecision creates a DecisionResult with an event to append.
func SuccessDecision(event Event) DecisionResult {
	return DecisionResult{Outcome: successOutcome, Event: event}
}

// ErrorDecision creates a DecisionResult for a rejected command.
func ErrorDecision(err error) DecisionResult {
	return DecisionResult{Outcome: errorOutcome, Err: err}
}

// HasEventToAppend returns true if there is an event to append to the journal.
func (r DecisionResult) HasEventToAppend() bool {
	return r.Outcome == successOutcome
}

// HasError returns the error if there is one, otherwise nil.
func (r DecisionResult) HasError() error {
	if r.Outcome == errorOutcome {
		return r.Err
	}

	return nil
}

// Decide implements the business rules of the ShoppingCart. It is a pure function.
//
// Business Rules:
//
//	Checked out cart: every command except Get is rejected with ErrCartCheckedOut
//	AddItem: quantity <= 0 is rejected, a new item yields ItemAdded,
//	  an item already in the cart yields ItemQuantityAdjusted(old, old+quantity),
//	  a sum beyond math.MaxInt is rejected with ErrQuantityTooLarge
//	AdjustItemQuantity: a missing item or quantity <= 0 is rejected,
//	  the unchanged quantity yields no event, otherwise ItemQuantityAdjusted(old, new)
//	RemoveItem: a missing item is rejected, otherwise ItemRemoved(old)
//	Checkout: an empty cart is rejected, otherwise CheckedOut(now)
//	Get: never yields an event
func Decide(s State, command Command, now time.Time) DecisionResult {
	if _, isGet := command.(Get); isGet {
		return IdempotentDecision()
	}

	if s.CheckedOut {
		return ErrorDecision(ErrCartCheckedOut)
	}

	switch c := command.(type) {
	case AddItem:
		if c.Quantity <= 0 {
			return ErrorDecision(ErrNonPositiveQuantity)
		}

		if old, ok := s.Items[c.ItemID]; ok {
			if c.Quantity > math.MaxInt-old {
				return ErrorDecision(ErrQuantityTooLarge)
			}

			return SuccessDecision(BuildItemQuantityAdjusted(s.CartID, c.ItemID, old, old+c.Quantity, now))
		}

		return SuccessDecision(BuildItemAdded(s.CartID, c.ItemID, c.Quantity, now))

	case AdjustItemQuantity:
		old, ok := s.Items[c.ItemID]
		if !ok {
			return ErrorDecision(ErrItemNotInCart)
		}

		if c.Quantity <= 0 {
			return ErrorDecision(ErrNonPositiveQuantity)
		}

		if old == c.Quantity {
			return IdempotentDecision()
		}

		return SuccessDecision(BuildItemQuantityAdjusted(s.CartID, c.ItemID, old, c.Quantity, now))

	case RemoveItem:
		old, ok := s.Items[c.ItemID]
		if !ok {
			return ErrorDecision(ErrItemNotInCart)
		}

		return SuccessDecision(BuildItemRemoved(s.CartID, c.ItemID, old, now))

	case Checkout:
		if s.IsEmpty() {
			return ErrorDecision(ErrEmptyCart)
		}

		return SuccessDecision(BuildCheckedOut(s.CartID, now))

	default:
		return ErrorDecision(ErrUnknownCommand)
	}
}
