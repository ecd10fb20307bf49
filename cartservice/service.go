// Package cartservice is the command-facing API of the shopping cart.
//
// It routes commands to the cart entities and maps every failure to one of three user-visible
// errors: ErrRejected, ErrNotFound or ErrUnavailable. Infrastructure causes are logged, not returned.
package cartservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AntonStoeckl/cart-eventstore-go/cart"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
)

const defaultAskTimeout = 5 * time.Second

var (
	// ErrRejected is returned for invalid requests and commands the cart refuses.
	ErrRejected = errors.New("request rejected")

	// ErrNotFound is returned by GetCart for carts without items.
	ErrNotFound = errors.New("cart not found")

	// ErrUnavailable is returned when the request could not be completed in time or the storage failed.
	ErrUnavailable = errors.New("service unavailable")

	errEmptyCartID = errors.New("cart id must not be empty")
	errEmptyItemID = errors.New("item id must not be empty")
	errNegativeQty = errors.New("quantity must not be negative")
)

const (
	logMsgCommandFailed    = "cart command failed"
	logMsgPopularityFailed = "reading item popularity failed"

	logAttrCartID  = "cart_id"
	logAttrItemID  = "item_id"
	logAttrCommand = "command"
	logAttrError   = "error"
)

// CartAsker sends a command to the entity of a cart, like sharding.Cluster does.
type CartAsker interface {
	Ask(ctx context.Context, cartID string, command cart.Command) (cart.Summary, error)
}

// PopularityReader reads the item popularity read model.
type PopularityReader interface {
	Count(ctx context.Context, itemID string) (int64, error)
}

// Option configures a Service.
type Option func(*Service)

// WithAskTimeout bounds every call to the cart entities.
func WithAskTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.askTimeout = timeout
		}
	}
}

// WithLogger sets the logger of the Service.
func WithLogger(logger eventstore.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// Service implements the cart API on top of the cart entities and the popularity read model.
type Service struct {
	carts      CartAsker
	popularity PopularityReader
	askTimeout time.Duration
	logger     eventstore.Logger
}

// New creates a Service.
func New(carts CartAsker, popularity PopularityReader, options ...Option) *Service {
	s := &Service{
		carts:      carts,
		popularity: popularity,
		askTimeout: defaultAskTimeout,
	}

	for _, option := range options {
		option(s)
	}

	return s
}

// AddItem adds quantity of itemID to the cart.
func (s *Service) AddItem(ctx context.Context, cartID, itemID string, quantity int) (cart.Summary, error) {
	if err := validateItem(cartID, itemID); err != nil {
		return cart.Summary{}, err
	}

	return s.ask(ctx, cartID, cart.AddItem{ItemID: itemID, Quantity: quantity})
}

// UpdateItem sets the quantity of itemID. Quantity 0 removes the item.
func (s *Service) UpdateItem(ctx context.Context, cartID, itemID string, quantity int) (cart.Summary, error) {
	if err := validateItem(cartID, itemID); err != nil {
		return cart.Summary{}, err
	}

	if quantity < 0 {
		return cart.Summary{}, fmt.Errorf("%w: %w", ErrRejected, errNegativeQty)
	}

	if quantity == 0 {
		return s.ask(ctx, cartID, cart.RemoveItem{ItemID: itemID})
	}

	return s.ask(ctx, cartID, cart.AdjustItemQuantity{ItemID: itemID, Quantity: quantity})
}

// Checkout checks the cart out.
func (s *Service) Checkout(ctx context.Context, cartID string) (cart.Summary, error) {
	if cartID == "" {
		return cart.Summary{}, fmt.Errorf("%w: %w", ErrRejected, errEmptyCartID)
	}

	return s.ask(ctx, cartID, cart.Checkout{})
}

// GetCart returns the cart, or ErrNotFound when it has no items.
func (s *Service) GetCart(ctx context.Context, cartID string) (cart.Summary, error) {
	if cartID == "" {
		return cart.Summary{}, fmt.Errorf("%w: %w", ErrRejected, errEmptyCartID)
	}

	summary, err := s.ask(ctx, cartID, cart.Get{})
	if err != nil {
		return cart.Summary{}, err
	}

	if len(summary.Items) == 0 && !summary.CheckedOut {
		return cart.Summary{}, fmt.Errorf("%w: %s", ErrNotFound, cartID)
	}

	return summary, nil
}

// GetItemPopularity returns how many of itemID are in carts, 0 for unknown items.
func (s *Service) GetItemPopularity(ctx context.Context, itemID string) (int64, error) {
	if itemID == "" {
		return 0, fmt.Errorf("%w: %w", ErrRejected, errEmptyItemID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.askTimeout)
	defer cancel()

	count, err := s.popularity.Count(ctx, itemID)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(logMsgPopularityFailed, logAttrItemID, itemID, logAttrError, err.Error())
		}

		return 0, ErrUnavailable
	}

	return count, nil
}

func (s *Service) ask(ctx context.Context, cartID string, command cart.Command) (cart.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.askTimeout)
	defer cancel()

	summary, err := s.carts.Ask(ctx, cartID, command)
	if err == nil {
		return summary, nil
	}

	if errors.Is(err, cart.ErrCommandRejected) {
		return cart.Summary{}, fmt.Errorf("%w: %w", ErrRejected, rejection(err))
	}

	if s.logger != nil {
		s.logger.Warn(logMsgCommandFailed,
			logAttrCartID, cartID,
			logAttrCommand, command.CommandType(),
			logAttrError, err.Error(),
		)
	}

	return cart.Summary{}, ErrUnavailable
}

// rejection returns the specific validation error inside err, err itself if there is none.
func rejection(err error) error {
	for _, specific := range []error{
		cart.ErrCartCheckedOut,
		cart.ErrNonPositiveQuantity,
		cart.ErrQuantityTooLarge,
		cart.ErrItemNotInCart,
		cart.ErrEmptyCart,
		cart.ErrUnknownCommand,
	} {
		if errors.Is(err, specific) {
			return specific
		}
	}

	return err
}

func validateItem(cartID, itemID string) error {
	if cartID == "" {
		return fmt.Errorf("%w: %w", ErrRejected, errEmptyCartID)
	}

	if itemID == "" {
		return fmt.Errorf("%w: %w", ErrRejected, errEmptyItemID)
	}

	return nil
}
