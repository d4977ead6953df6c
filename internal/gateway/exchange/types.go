package exchange

import "time"

// OrderStatus is the venue-side lifecycle of a submitted order.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Terminal reports whether the order will not change state anymore.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// OrderRequest contains parameters for a spot market order.
type OrderRequest struct {
	Pair      string  // Trading pair (e.g., "BTC/USDT")
	Side      string  // "buy" or "sell"
	Quantity  float64 // Base asset quantity
	QuoteUSD  float64 // Quote notional the quantity was derived from
	PriceHint float64 // Price used for sizing (diagnostic only)
	ClientID  string  // Client order id, reused as venue-side idempotence key
}

// OrderAck is the immediate response to a successful submission.
type OrderAck struct {
	OrderID string
	Status  OrderStatus
	Raw     map[string]any // Raw data from the venue (for debugging/logging)
}

// OrderState is a poll snapshot of a submitted order.
type OrderState struct {
	OrderID        string
	Pair           string
	Status         OrderStatus
	FilledQuantity float64
	AvgPrice       float64
	FeeUSD         float64
	UpdatedAt      time.Time
}

// PriceQuote represents current price information.
type PriceQuote struct {
	Pair      string
	Last      float64 // Last traded price
	Bid       float64 // Best bid price
	Ask       float64 // Best ask price
	UpdatedAt time.Time
}
