// Package paper 实现纸面交易通道:行情可以来自真实数据源,
// 成交完全在本地内存里模拟,用于 dry-run 模式和测试。
package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"marlin/internal/gateway/exchange"
	"marlin/internal/market"
)

// DefaultFeeRate Binance 现货 taker 费率。
const DefaultFeeRate = 0.001

type Broker struct {
	mu      sync.Mutex
	prices  map[string]float64
	orders  map[string]exchange.OrderState
	seq     int64
	feeRate float64

	provider market.Provider
	nowFn    func() time.Time
}

// New 创建纸面通道。provider 可为 nil,此时价格只来自 SetPrice。
func New(provider market.Provider, feeRate float64) *Broker {
	if feeRate < 0 {
		feeRate = DefaultFeeRate
	}
	return &Broker{
		prices:   make(map[string]float64),
		orders:   make(map[string]exchange.OrderState),
		feeRate:  feeRate,
		provider: provider,
		nowFn:    time.Now,
	}
}

func (b *Broker) Name() string { return "paper" }

// SetPrice 固定某个交易对的模拟价格,优先级高于 provider。
func (b *Broker) SetPrice(pair string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[strings.ToUpper(strings.TrimSpace(pair))] = price
}

func (b *Broker) GetPrice(ctx context.Context, pair string) (exchange.PriceQuote, error) {
	price, err := b.resolvePrice(ctx, pair)
	if err != nil {
		return exchange.PriceQuote{}, err
	}
	return exchange.PriceQuote{
		Pair:      pair,
		Last:      price,
		UpdatedAt: b.nowFn().UTC(),
	}, nil
}

func (b *Broker) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	side := strings.ToLower(strings.TrimSpace(req.Side))
	if side != "buy" && side != "sell" {
		return nil, fmt.Errorf("invalid side: %s", req.Side)
	}
	price, err := b.resolvePrice(ctx, req.Pair)
	if err != nil {
		return nil, err
	}

	qty := req.Quantity
	if side == "buy" && req.QuoteUSD > 0 {
		qty = req.QuoteUSD / price
	}
	if qty <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	orderID := fmt.Sprintf("paper-%d", b.seq)
	// 市价单立即按当前价全部成交。
	b.orders[orderID] = exchange.OrderState{
		OrderID:        orderID,
		Pair:           req.Pair,
		Status:         exchange.OrderStatusFilled,
		FilledQuantity: qty,
		AvgPrice:       price,
		FeeUSD:         qty * price * b.feeRate,
		UpdatedAt:      b.nowFn().UTC(),
	}
	return &exchange.OrderAck{
		OrderID: orderID,
		Status:  exchange.OrderStatusFilled,
		Raw:     map[string]any{"client_order_id": req.ClientID},
	}, nil
}

func (b *Broker) OrderStatus(ctx context.Context, pair, orderID string) (*exchange.OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order: %s", orderID)
	}
	out := state
	return &out, nil
}

func (b *Broker) resolvePrice(ctx context.Context, pair string) (float64, error) {
	key := strings.ToUpper(strings.TrimSpace(pair))
	if key == "" {
		return 0, fmt.Errorf("pair is required")
	}
	b.mu.Lock()
	price, ok := b.prices[key]
	b.mu.Unlock()
	if ok && price > 0 {
		return price, nil
	}
	if b.provider != nil {
		live, err := b.provider.Price(ctx, pair)
		if err != nil {
			return 0, err
		}
		if live > 0 {
			return live, nil
		}
	}
	return 0, fmt.Errorf("no price for %s", pair)
}
