package ordernotify

import (
	"context"
	"errors"

	"github.com/AntonStoeckl/cart-eventstore-go/cart"
)

var (
	// ErrOrderRejected is returned when the order service refuses an order.
	ErrOrderRejected = errors.New("order rejected by the order service")

	// ErrOrderServiceUnavailable is returned when the order service cannot be reached or fails.
	ErrOrderServiceUnavailable = errors.New("order service unavailable")
)

// OrderItem is one line of an OrderRequest.
type OrderItem struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

// OrderRequest is what the order service receives for a checked-out cart.
type OrderRequest struct {
	CartID string      `json:"cartId"`
	Items  []OrderItem `json:"items"`
}

// OrderRequestFrom builds the OrderRequest of a cart summary.
func OrderRequestFrom(summary cart.Summary) OrderRequest {
	items := make([]OrderItem, 0, len(summary.Items))
	for _, item := range summary.Items {
		items = append(items, OrderItem{ItemID: item.ItemID, Quantity: item.Quantity})
	}

	return OrderRequest{CartID: summary.CartID, Items: items}
}

// OrderService places orders.
type OrderService interface {
	Order(ctx context.Context, request OrderRequest) error
}

// CartAsker sends a command to the entity of a cart, like sharding.Cluster does.
type CartAsker interface {
	Ask(ctx context.Context, cartID string, command cart.Command) (cart.Summary, error)
}
