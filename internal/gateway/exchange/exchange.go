// Package exchange defines a common abstraction for spot trading venues.
// This allows the system to work with different broker backends (Binance spot,
// paper trading) without changing the core execution logic.
package exchange

import "context"

// Broker submits and tracks spot market orders on a venue.
type Broker interface {
	Name() string

	// PlaceOrder submits a market order. A returned error means the venue
	// rejected the request or was unreachable; the order may still not exist.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)

	// OrderStatus polls a previously submitted order.
	OrderStatus(ctx context.Context, pair, orderID string) (*OrderState, error)

	// GetPrice returns the current quote for a pair.
	GetPrice(ctx context.Context, pair string) (PriceQuote, error)
}
