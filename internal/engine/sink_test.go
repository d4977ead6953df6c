package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marlin/internal/decision"
	"marlin/internal/gateway/exchange"
)

func buyTrade(id string, qty, price float64) decision.Trade {
	return decision.Trade{
		TradeID:   id,
		BotID:     7,
		Pair:      "ETH/USDT",
		Side:      decision.ActionBuy,
		Size:      qty,
		SizeUSD:   qty * price,
		Price:     price,
		OrderID:   "ord-" + id,
		Status:    decision.TradePending,
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func filledState(qty, price, fee float64) exchange.OrderState {
	return exchange.OrderState{
		Status:         exchange.OrderStatusFilled,
		FilledQuantity: qty,
		AvgPrice:       price,
		FeeUSD:         fee,
		UpdatedAt:      time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
	}
}

func TestApplyFillBooksEverything(t *testing.T) {
	fix := newFixture(t, singleBotYAML)
	trade := buyTrade("t1", 0.5, 2000)

	err := fix.engine.ApplyFill(context.Background(), trade, filledState(0.5, 2001, 0.3))
	require.NoError(t, err)

	// 账本、成交日志、批次快照、bot 仓位四处一致。
	assert.InDelta(t, 0.5, fix.engine.Ledger.Quantity("ETH/USDT"), 1e-9)

	fills, err := fix.store.ListFills(context.Background())
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "t1", fills[0].FillID)
	assert.InDelta(t, 2001, fills[0].Price, 1e-9)
	assert.Zero(t, fix.store.deltas["t1"], "买入的已实现盈亏恒为 0")

	fix.store.mu.Lock()
	lots := fix.store.lots["ETH/USDT"]
	fix.store.mu.Unlock()
	require.Len(t, lots, 1)

	st, ok, err := fix.store.GetBotState(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.5, st.PositionSize, 1e-9)

	assert.Equal(t, 1, fix.notifier.filledCount())
}

func TestApplyFillIdempotentReplay(t *testing.T) {
	fix := newFixture(t, singleBotYAML)
	trade := buyTrade("t1", 0.5, 2000)
	state := filledState(0.5, 2000, 0)

	require.NoError(t, fix.engine.ApplyFill(context.Background(), trade, state))
	require.NoError(t, fix.engine.ApplyFill(context.Background(), trade, state))

	assert.InDelta(t, 0.5, fix.engine.Ledger.Quantity("ETH/USDT"), 1e-9, "重复投递不得二次记账")

	fills, err := fix.store.ListFills(context.Background())
	require.NoError(t, err)
	assert.Len(t, fills, 1)

	st, _, err := fix.store.GetBotState(context.Background(), 7)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, st.PositionSize, 1e-9)
	assert.Equal(t, 1, fix.notifier.filledCount(), "重放不重复通知")
}

func TestApplyFillSellRealizedDelta(t *testing.T) {
	fix := newFixture(t, singleBotYAML)

	require.NoError(t, fix.engine.ApplyFill(context.Background(),
		buyTrade("t1", 1.0, 2000), filledState(1.0, 2000, 0)))

	sell := buyTrade("t2", 1.0, 2000)
	sell.Side = decision.ActionSell
	require.NoError(t, fix.engine.ApplyFill(context.Background(), sell, filledState(1.0, 2100, 1.5)))

	// 已实现 = (2100-2000)*1 - 1.5 手续费。
	assert.InDelta(t, 98.5, fix.store.deltas["t2"], 1e-9)

	st, _, err := fix.store.GetBotState(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, st.PositionSize)
	assert.Empty(t, fix.engine.Ledger.Lots("ETH/USDT"))
}

func TestApplyFillRetryAfterStoreFailure(t *testing.T) {
	fix := newFixture(t, singleBotYAML)

	require.NoError(t, fix.engine.ApplyFill(context.Background(),
		buyTrade("t1", 1.0, 2000), filledState(1.0, 2000, 0)))

	sell := buyTrade("t2", 1.0, 2000)
	sell.Side = decision.ActionSell

	// 第一次投递:账本已记,成交日志落库失败 → 整体报错,订单保持 pending。
	fix.store.mu.Lock()
	fix.store.failRecordFill = fmt.Errorf("磁盘只读")
	fix.store.mu.Unlock()
	err := fix.engine.ApplyFill(context.Background(), sell, filledState(1.0, 2100, 0))
	require.Error(t, err)

	// 重投:账本返回首次记账的已实现盈亏,落库补上同一个数。
	fix.store.mu.Lock()
	fix.store.failRecordFill = nil
	fix.store.mu.Unlock()
	require.NoError(t, fix.engine.ApplyFill(context.Background(), sell, filledState(1.0, 2100, 0)))

	assert.InDelta(t, 100.0, fix.store.deltas["t2"], 1e-9, "重试落库的盈亏必须等于首次记账值")
	st, _, err := fix.store.GetBotState(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, st.PositionSize)
}

func TestRecomputePositionSkipsCurrentTrade(t *testing.T) {
	fix := newFixture(t, singleBotYAML)

	// 历史:买 2 卖 0.5 → 持仓 1.5。
	filled := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	older := buyTrade("h1", 2.0, 1900)
	older.Status = decision.TradeCompleted
	older.FilledAt = &filled
	require.NoError(t, fix.store.CreateTrade(context.Background(), older))

	filled2 := filled.Add(10 * time.Minute)
	prevSell := buyTrade("h2", 0.5, 1950)
	prevSell.Side = decision.ActionSell
	prevSell.Status = decision.TradeCompleted
	prevSell.FilledAt = &filled2
	require.NoError(t, fix.store.CreateTrade(context.Background(), prevSell))

	// 当前成交的行已被并发标记完成:重算必须跳过它,只叠加一次。
	current := buyTrade("t3", 0.4, 2000)
	current.Status = decision.TradeCompleted
	current.FilledAt = &filled2
	require.NoError(t, fix.store.CreateTrade(context.Background(), current))

	pos, err := fix.engine.recomputePosition(context.Background(), 7, fillFromTrade(
		buyTrade("t3", 0.4, 2000), filledState(0.4, 2000, 0), time.Now()))
	require.NoError(t, err)
	assert.InDelta(t, 1.9, pos, 1e-9)
}

func TestFillFromTradeFallbacks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trade := buyTrade("t1", 0.5, 2000)

	// 券商状态缺数量/价格/时间时回落到 pending 行与当前时钟。
	fill := fillFromTrade(trade, exchange.OrderState{Status: exchange.OrderStatusFilled}, now)
	assert.InDelta(t, 0.5, fill.Quantity, 1e-9)
	assert.InDelta(t, 2000, fill.Price, 1e-9)
	assert.Equal(t, now, fill.FilledAt)
	assert.Equal(t, "t1", fill.FillID)

	state := filledState(0.48, 2010, 0.2)
	fill = fillFromTrade(trade, state, now)
	assert.InDelta(t, 0.48, fill.Quantity, 1e-9)
	assert.InDelta(t, 2010, fill.Price, 1e-9)
	assert.Equal(t, state.UpdatedAt, fill.FilledAt)
}

func TestIngestFillSettlesPendingTrade(t *testing.T) {
	fix := newFixture(t, singleBotYAML)
	res := fix.engine.ExecuteTrade(context.Background(), ExecuteParams{
		BotID: 7, Side: decision.ActionBuy, SizeUSD: 100,
	})
	require.True(t, res.Success)

	filledAt := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	err := fix.engine.IngestFill(context.Background(), FillEvent{
		TradeID: res.TradeID, Status: "FILLED",
		FilledQty: 0.05, AvgPrice: 2001, FeeUSD: 0.1, FilledAt: filledAt,
	})
	require.NoError(t, err)

	trade, ok := fix.store.trade(res.TradeID)
	require.True(t, ok)
	assert.Equal(t, decision.TradeCompleted, trade.Status)
	assert.InDelta(t, 0.05, trade.Size, 1e-9, "完成行回写实际成交数量")
	assert.InDelta(t, 2001, trade.Price, 1e-9)
	require.NotNil(t, trade.FilledAt)
	assert.Equal(t, filledAt, *trade.FilledAt)

	assert.InDelta(t, 0.05, fix.engine.Ledger.Quantity("ETH/USDT"), 1e-9)
	assert.Equal(t, 1, fix.notifier.filledCount())

	st, _, err := fix.store.GetBotState(context.Background(), 7)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, st.PositionSize, 1e-9)
}

func TestIngestFillRedeliveryIsNoop(t *testing.T) {
	fix := newFixture(t, singleBotYAML)
	res := fix.engine.ExecuteTrade(context.Background(), ExecuteParams{
		BotID: 7, Side: decision.ActionBuy, SizeUSD: 100,
	})
	require.True(t, res.Success)

	ev := FillEvent{TradeID: res.TradeID, Status: "filled", FilledQty: 0.05, AvgPrice: 2001}
	require.NoError(t, fix.engine.IngestFill(context.Background(), ev))
	require.NoError(t, fix.engine.IngestFill(context.Background(), ev), "webhook 重试不报错")

	assert.InDelta(t, 0.05, fix.engine.Ledger.Quantity("ETH/USDT"), 1e-9, "不得二次记账")
	assert.Equal(t, 1, fix.notifier.filledCount())
}

func TestIngestFillCancelledReleasesBot(t *testing.T) {
	fix := newFixture(t, singleBotYAML)
	res := fix.engine.ExecuteTrade(context.Background(), ExecuteParams{
		BotID: 7, Side: decision.ActionBuy, SizeUSD: 100,
	})
	require.True(t, res.Success)

	err := fix.engine.IngestFill(context.Background(), FillEvent{
		TradeID: res.TradeID, Status: "CANCELED",
	})
	require.NoError(t, err)

	trade, _ := fix.store.trade(res.TradeID)
	assert.Equal(t, decision.TradeCancelled, trade.Status)
	assert.Zero(t, fix.engine.Ledger.Quantity("ETH/USDT"))

	res2 := fix.engine.ExecuteTrade(context.Background(), ExecuteParams{
		BotID: 7, Side: decision.ActionBuy, SizeUSD: 100,
	})
	assert.True(t, res2.Success, "取消落库后 bot 恢复可交易")
}

func TestIngestFillOpenStatusIgnored(t *testing.T) {
	fix := newFixture(t, singleBotYAML)
	res := fix.engine.ExecuteTrade(context.Background(), ExecuteParams{
		BotID: 7, Side: decision.ActionBuy, SizeUSD: 100,
	})
	require.True(t, res.Success)

	err := fix.engine.IngestFill(context.Background(), FillEvent{
		TradeID: res.TradeID, Status: "PARTIALLY_FILLED", FilledQty: 0.02,
	})
	require.NoError(t, err)

	trade, _ := fix.store.trade(res.TradeID)
	assert.Equal(t, decision.TradePending, trade.Status, "未落定状态不迁移订单")
	assert.Zero(t, fix.engine.Ledger.Quantity("ETH/USDT"))
}

func TestIngestFillRejectsBadEvents(t *testing.T) {
	fix := newFixture(t, singleBotYAML)

	err := fix.engine.IngestFill(context.Background(), FillEvent{Status: "filled"})
	require.Error(t, err)
	assert.Equal(t, decision.ReasonInvalidRequest, decision.AsReject(err).Reason)

	err = fix.engine.IngestFill(context.Background(), FillEvent{TradeID: "ghost", Status: "filled"})
	require.Error(t, err)
	assert.Equal(t, decision.ReasonInvalidRequest, decision.AsReject(err).Reason)

	res := fix.engine.ExecuteTrade(context.Background(), ExecuteParams{
		BotID: 7, Side: decision.ActionBuy, SizeUSD: 100,
	})
	require.True(t, res.Success)
	err = fix.engine.IngestFill(context.Background(), FillEvent{TradeID: res.TradeID, Status: "exploded"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "未知订单状态")
}
