package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marlin/internal/decision"
	"marlin/internal/gateway/exchange"
)

type mockTrackerStore struct {
	mock.Mock
}

func (m *mockTrackerStore) ListPendingTrades(ctx context.Context) ([]decision.Trade, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]decision.Trade), args.Error(1)
}

func (m *mockTrackerStore) MarkTradeCompleted(ctx context.Context, tradeID string, filledQty, price, feeUSD float64, filledAt time.Time) error {
	args := m.Called(ctx, tradeID, filledQty, price, feeUSD, filledAt)
	return args.Error(0)
}

func (m *mockTrackerStore) MarkTradeFailed(ctx context.Context, tradeID, detail string) error {
	args := m.Called(ctx, tradeID, detail)
	return args.Error(0)
}

func (m *mockTrackerStore) MarkTradeCancelled(ctx context.Context, tradeID, detail string) error {
	args := m.Called(ctx, tradeID, detail)
	return args.Error(0)
}

type recordingSink struct {
	mu     sync.Mutex
	fills  []exchange.OrderState
	trades []decision.Trade
	err    error
}

func (s *recordingSink) ApplyFill(ctx context.Context, trade decision.Trade, state exchange.OrderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.trades = append(s.trades, trade)
	s.fills = append(s.fills, state)
	return nil
}

func pendingTrade(id string) decision.Trade {
	return decision.Trade{
		TradeID:   id,
		BotID:     3,
		Pair:      "ETH/USDT",
		Side:      decision.ActionBuy,
		Size:      0.5,
		SizeUSD:   100,
		Price:     200,
		OrderID:   "ord-" + id,
		Status:    decision.TradePending,
		CreatedAt: time.Now().Add(-time.Minute),
	}
}

func TestSyncOnceCompletesFilledTrade(t *testing.T) {
	trade := pendingTrade("t1")
	filledAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	var order []string
	store := new(mockTrackerStore)
	store.On("ListPendingTrades", mock.Anything).Return([]decision.Trade{trade}, nil)
	store.On("MarkTradeCompleted", mock.Anything, "t1", 0.5, 201.5, 0.2, filledAt).
		Run(func(mock.Arguments) { order = append(order, "completed") }).
		Return(nil)

	broker := new(mockBroker)
	broker.On("OrderStatus", mock.Anything, "ETH/USDT", "ord-t1").Return(&exchange.OrderState{
		OrderID:        "ord-t1",
		Pair:           "ETH/USDT",
		Status:         exchange.OrderStatusFilled,
		FilledQuantity: 0.5,
		AvgPrice:       201.5,
		FeeUSD:         0.2,
		UpdatedAt:      filledAt,
	}, nil)

	sink := &recordingSink{}
	tracker := NewTracker(store, broker, sinkWithOrder(sink, &order), TrackerConfig{})

	settled, err := tracker.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	require.Len(t, sink.fills, 1)
	assert.Equal(t, 201.5, sink.fills[0].AvgPrice)
	assert.Equal(t, "t1", sink.trades[0].TradeID)
	// 记账必须先于状态迁移,崩溃后重放才安全。
	assert.Equal(t, []string{"sink", "completed"}, order)
}

// sinkWithOrder 包装 sink 以记录调用顺序。
type orderedSink struct {
	inner *recordingSink
	order *[]string
}

func sinkWithOrder(inner *recordingSink, order *[]string) *orderedSink {
	return &orderedSink{inner: inner, order: order}
}

func (s *orderedSink) ApplyFill(ctx context.Context, trade decision.Trade, state exchange.OrderState) error {
	if err := s.inner.ApplyFill(ctx, trade, state); err != nil {
		return err
	}
	*s.order = append(*s.order, "sink")
	return nil
}

func TestSyncOncePollsByClientIDWhenOrderIDMissing(t *testing.T) {
	// 崩在回写 order_id 之前的订单,用 client order id(trade uuid)对账。
	trade := pendingTrade("t2")
	trade.OrderID = ""

	store := new(mockTrackerStore)
	store.On("ListPendingTrades", mock.Anything).Return([]decision.Trade{trade}, nil)
	store.On("MarkTradeCompleted", mock.Anything, "t2", 0.5, 199.0, 0.0, mock.Anything).Return(nil)
	broker := new(mockBroker)
	broker.On("OrderStatus", mock.Anything, "ETH/USDT", "t2").Return(&exchange.OrderState{
		Status: exchange.OrderStatusFilled, FilledQuantity: 0.5, AvgPrice: 199,
	}, nil)

	tracker := NewTracker(store, broker, &recordingSink{}, TrackerConfig{})
	settled, err := tracker.SyncOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	broker.AssertCalled(t, "OrderStatus", mock.Anything, "ETH/USDT", "t2")
}

func TestSinkFailureKeepsTradePending(t *testing.T) {
	trade := pendingTrade("t3")

	store := new(mockTrackerStore)
	store.On("ListPendingTrades", mock.Anything).Return([]decision.Trade{trade}, nil)
	broker := new(mockBroker)
	broker.On("OrderStatus", mock.Anything, mock.Anything, mock.Anything).Return(&exchange.OrderState{
		Status: exchange.OrderStatusFilled, FilledQuantity: 0.5, AvgPrice: 200,
	}, nil)

	tracker := NewTracker(store, broker, &recordingSink{err: errors.New("ledger offline")}, TrackerConfig{})
	settled, err := tracker.SyncOnce(context.Background())

	require.NoError(t, err)
	assert.Zero(t, settled)
	store.AssertNotCalled(t, "MarkTradeCompleted",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSyncOnceHandlesVenueCancellation(t *testing.T) {
	trade := pendingTrade("t4")

	store := new(mockTrackerStore)
	store.On("ListPendingTrades", mock.Anything).Return([]decision.Trade{trade}, nil)
	store.On("MarkTradeCancelled", mock.Anything, "t4", "券商侧已取消").Return(nil)
	broker := new(mockBroker)
	broker.On("OrderStatus", mock.Anything, mock.Anything, mock.Anything).
		Return(&exchange.OrderState{Status: exchange.OrderStatusCancelled}, nil)

	tracker := NewTracker(store, broker, &recordingSink{}, TrackerConfig{})
	settled, err := tracker.SyncOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	store.AssertCalled(t, "MarkTradeCancelled", mock.Anything, "t4", "券商侧已取消")
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordingAlerter) Alert(ctx context.Context, title, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, title+": "+message)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func TestHandleDeadline(t *testing.T) {
	t.Run("unresolved order alerts and stays pending", func(t *testing.T) {
		trade := pendingTrade("t5")
		store := new(mockTrackerStore)
		broker := new(mockBroker)
		broker.On("OrderStatus", mock.Anything, mock.Anything, mock.Anything).
			Return(&exchange.OrderState{Status: exchange.OrderStatusOpen}, nil)

		alerter := &recordingAlerter{}
		tracker := NewTracker(store, broker, &recordingSink{}, TrackerConfig{})
		tracker.SetAlerter(alerter)
		defer tracker.Stop()
		tracker.handleDeadline(trade)

		assert.Equal(t, 1, alerter.count())
		store.AssertNotCalled(t, "MarkTradeCancelled", mock.Anything, mock.Anything, mock.Anything)
		store.AssertNotCalled(t, "MarkTradeFailed", mock.Anything, mock.Anything, mock.Anything)
		// 定时器重新武装,订单仍在跟踪中。
		tracker.mu.Lock()
		_, tracked := tracker.timers["t5"]
		tracker.mu.Unlock()
		assert.True(t, tracked)
	})

	t.Run("filled at deadline settles normally", func(t *testing.T) {
		trade := pendingTrade("t6")
		store := new(mockTrackerStore)
		store.On("MarkTradeCompleted", mock.Anything, "t6", 0.5, 205.0, 0.0, mock.Anything).Return(nil)
		broker := new(mockBroker)
		broker.On("OrderStatus", mock.Anything, mock.Anything, mock.Anything).Return(&exchange.OrderState{
			Status: exchange.OrderStatusFilled, FilledQuantity: 0.5, AvgPrice: 205,
		}, nil)

		sink := &recordingSink{}
		tracker := NewTracker(store, broker, sink, TrackerConfig{})
		tracker.handleDeadline(trade)

		assert.Len(t, sink.fills, 1)
		store.AssertNotCalled(t, "MarkTradeCancelled", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("status lookup failure still alerts", func(t *testing.T) {
		trade := pendingTrade("t7")
		trade.OrderID = ""
		store := new(mockTrackerStore)
		broker := new(mockBroker)
		broker.On("OrderStatus", mock.Anything, "ETH/USDT", "t7").
			Return((*exchange.OrderState)(nil), errors.New("network down"))

		alerter := &recordingAlerter{}
		tracker := NewTracker(store, broker, &recordingSink{}, TrackerConfig{})
		tracker.SetAlerter(alerter)
		defer tracker.Stop()
		tracker.handleDeadline(trade)

		assert.Equal(t, 1, alerter.count())
		store.AssertNotCalled(t, "MarkTradeCancelled", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestRecoverTracksPendingTrades(t *testing.T) {
	store := new(mockTrackerStore)
	store.On("ListPendingTrades", mock.Anything).
		Return([]decision.Trade{pendingTrade("a"), pendingTrade("b")}, nil)
	broker := new(mockBroker)

	tracker := NewTracker(store, broker, &recordingSink{}, TrackerConfig{})
	defer tracker.Stop()
	require.NoError(t, tracker.Recover(context.Background()))

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Len(t, tracker.timers, 2)
}
