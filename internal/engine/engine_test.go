package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"marlin/internal/botcfg"
	"marlin/internal/decision"
	"marlin/internal/executor"
	"marlin/internal/gateway/exchange"
	"marlin/internal/gateway/paper"
	"marlin/internal/ledger"
	"marlin/internal/market"
	"marlin/internal/safety"
)

// ---------------------------------------------------------------------------
// 测试替身：内存版存储。一个类型同时满足引擎、执行器、收尾器三方的接口，
// 比拆成多个 mock 更接近真实共享一个库的形态。
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu        sync.Mutex
	botStates map[int64]decision.BotState
	trades    map[string]decision.Trade
	fills     []ledger.Fill
	deltas    map[string]float64
	lots      map[string][]ledger.Lot

	failRecordFill error
	failSaveState  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		botStates: make(map[int64]decision.BotState),
		trades:    make(map[string]decision.Trade),
		deltas:    make(map[string]float64),
		lots:      make(map[string][]ledger.Lot),
	}
}

func (s *fakeStore) GetBotState(ctx context.Context, botID int64) (decision.BotState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.botStates[botID]
	return st, ok, nil
}

func (s *fakeStore) SaveBotState(ctx context.Context, st decision.BotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaveState != nil {
		return s.failSaveState
	}
	s.botStates[st.BotID] = st
	return nil
}

// RecordFill 与真实存储同语义：fill_id 冲突时静默跳过。
func (s *fakeStore) RecordFill(ctx context.Context, fill ledger.Fill, realizedDelta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRecordFill != nil {
		return s.failRecordFill
	}
	if _, dup := s.deltas[fill.FillID]; dup {
		return nil
	}
	s.fills = append(s.fills, fill)
	s.deltas[fill.FillID] = realizedDelta
	return nil
}

func (s *fakeStore) ReplaceLots(ctx context.Context, pair string, lots []ledger.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lots[pair] = lots
	return nil
}

func (s *fakeStore) ListFills(ctx context.Context) ([]ledger.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Fill, len(s.fills))
	copy(out, s.fills)
	return out, nil
}

func (s *fakeStore) CompletedTrades(ctx context.Context, botID int64) ([]decision.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []decision.Trade
	for _, t := range s.trades {
		if t.BotID == botID && t.Status == decision.TradeCompleted {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FilledAt.Before(*out[j].FilledAt)
	})
	return out, nil
}

func (s *fakeStore) TradeByID(ctx context.Context, tradeID string) (decision.Trade, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[tradeID]
	return t, ok, nil
}

func (s *fakeStore) CreateTrade(ctx context.Context, t decision.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.TradeID] = t
	return nil
}

func (s *fakeStore) UpdateTradeOrder(ctx context.Context, tradeID, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[tradeID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	t.OrderID = orderID
	s.trades[tradeID] = t
	return nil
}

func (s *fakeStore) MarkTradeCompleted(ctx context.Context, tradeID string, filledQty, price, feeUSD float64, filledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[tradeID]
	if !ok || t.Status != decision.TradePending {
		return gorm.ErrRecordNotFound
	}
	t.Status = decision.TradeCompleted
	if filledQty > 0 {
		t.Size = filledQty
	}
	if price > 0 {
		t.Price = price
	}
	t.FeeUSD = feeUSD
	t.FilledAt = &filledAt
	s.trades[tradeID] = t
	return nil
}

func (s *fakeStore) MarkTradeFailed(ctx context.Context, tradeID, detail string) error {
	return s.finalize(tradeID, decision.TradeFailed, detail)
}

func (s *fakeStore) MarkTradeCancelled(ctx context.Context, tradeID, detail string) error {
	return s.finalize(tradeID, decision.TradeCancelled, detail)
}

func (s *fakeStore) finalize(tradeID string, status decision.TradeStatus, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[tradeID]
	if !ok || t.Status != decision.TradePending {
		return gorm.ErrRecordNotFound
	}
	t.Status = status
	t.ErrorDetail = detail
	s.trades[tradeID] = t
	return nil
}

func (s *fakeStore) PendingTrade(ctx context.Context, botID int64) (decision.Trade, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trades {
		if t.BotID == botID && t.Status == decision.TradePending {
			return t, true, nil
		}
	}
	return decision.Trade{}, false, nil
}

func (s *fakeStore) ListPendingTrades(ctx context.Context) ([]decision.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []decision.Trade
	for _, t := range s.trades {
		if t.Status == decision.TradePending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeID < out[j].TradeID })
	return out, nil
}

func (s *fakeStore) LastFilledTrade(ctx context.Context, botID int64) (decision.Trade, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest decision.Trade
	found := false
	for _, t := range s.trades {
		if t.BotID != botID || t.Status != decision.TradeCompleted || t.FilledAt == nil {
			continue
		}
		if !found || t.FilledAt.After(*latest.FilledAt) {
			latest = t
			found = true
		}
	}
	return latest, found, nil
}

func (s *fakeStore) CountActiveTradesSince(ctx context.Context, botID int64, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, t := range s.trades {
		if t.BotID != botID {
			continue
		}
		if t.Status != decision.TradePending && t.Status != decision.TradeCompleted {
			continue
		}
		if !t.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) RealizedSince(ctx context.Context, pair string, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for i, f := range s.fills {
		if pair != "" && f.Pair != pair {
			continue
		}
		if f.FilledAt.Before(since) {
			continue
		}
		total += s.deltas[s.fills[i].FillID]
	}
	return total, nil
}

func (s *fakeStore) trade(tradeID string) (decision.Trade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[tradeID]
	return t, ok
}

// ---------------------------------------------------------------------------

type fakeProvider struct {
	mu       sync.Mutex
	candles  []market.Candle
	histErr  error
	price    float64
	priceErr error
}

func (p *fakeProvider) History(ctx context.Context, pair, interval string, limit int) ([]market.Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.histErr != nil {
		return nil, p.histErr
	}
	out := make([]market.Candle, len(p.candles))
	copy(out, p.candles)
	return out, nil
}

func (p *fakeProvider) Price(ctx context.Context, pair string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.priceErr != nil {
		return 0, p.priceErr
	}
	return p.price, nil
}

type fakeHistory struct {
	mu   sync.Mutex
	recs []decision.EvaluationResult
	err  error
}

func (h *fakeHistory) Insert(ctx context.Context, rec decision.EvaluationResult) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return 0, h.err
	}
	h.recs = append(h.recs, rec)
	return int64(len(h.recs)), nil
}

func (h *fakeHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.recs)
}

type fakeNotifier struct {
	mu       sync.Mutex
	executed []decision.EvaluationResult
	filled   int
}

func (n *fakeNotifier) TradeExecuted(ctx context.Context, rec decision.EvaluationResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.executed = append(n.executed, rec)
}

func (n *fakeNotifier) TradeFilled(ctx context.Context, trade decision.Trade, state exchange.OrderState, realizedDelta float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filled++
}

func (n *fakeNotifier) executedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.executed)
}

func (n *fakeNotifier) filledCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.filled
}

// ---------------------------------------------------------------------------

type fixture struct {
	engine   *Engine
	store    *fakeStore
	provider *fakeProvider
	history  *fakeHistory
	notifier *fakeNotifier
	broker   *paper.Broker
	tracker  *executor.Tracker
}

const singleBotYAML = `
bots:
  - id: 7
    pair: ETH/USDT
    interval: 1h
    confirmation_minutes: 15
    cooldown_minutes: 30
    base_position_size_usd: 100
    min_temperature_to_trade: WARM
    indicators:
      - type: rsi
        weight: 1
`

func newFixture(t *testing.T, botsYAML string) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bots.yaml")
	require.NoError(t, os.WriteFile(path, []byte(botsYAML), 0o644))
	registry, err := botcfg.NewRegistry(path)
	require.NoError(t, err)

	store := newFakeStore()
	provider := &fakeProvider{price: 2000}
	broker := paper.New(nil, 0)
	broker.SetPrice("ETH/USDT", 2000)

	tracker := executor.NewTracker(store, broker, nil, executor.TrackerConfig{})
	t.Cleanup(tracker.Stop)
	exec := executor.NewExecutor(store, broker, safety.Limits{}, executor.NewLockSet(), tracker)

	history := &fakeHistory{}
	notifier := &fakeNotifier{}
	eng := New(Params{
		Registry:    registry,
		Market:      provider,
		Store:       store,
		Executor:    exec,
		Tracker:     tracker,
		Ledger:      ledger.NewLedger(),
		History:     history,
		Notifier:    notifier,
		ExecEnabled: true,
	})
	tracker.SetSink(eng)

	return &fixture{
		engine:   eng,
		store:    store,
		provider: provider,
		history:  history,
		notifier: notifier,
		broker:   broker,
		tracker:  tracker,
	}
}

// fallingCandles 产出收盘价单调下跌的 K 线：RSI 归零，综合分 -1，强买入。
func fallingCandles(n int) []market.Candle {
	out := make([]market.Candle, n)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		close := 3000 - float64(i)*5
		out[i] = market.Candle{
			OpenTime:  base.Add(time.Duration(i) * time.Hour).UnixMilli(),
			CloseTime: base.Add(time.Duration(i+1) * time.Hour).UnixMilli(),
			Open:      close + 5,
			High:      close + 10,
			Low:       close - 10,
			Close:     close,
			Volume:    1000,
		}
	}
	return out
}

// flatCandles 收盘价小幅交替震荡：RSI 贴着 50，综合分在死区内 → hold。
func flatCandles(n int) []market.Candle {
	out := make([]market.Candle, n)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		close := 2000 + float64(i%2)
		out[i] = market.Candle{
			OpenTime:  base.Add(time.Duration(i) * time.Hour).UnixMilli(),
			CloseTime: base.Add(time.Duration(i+1) * time.Hour).UnixMilli(),
			Open:      close,
			High:      close + 2,
			Low:       close - 2,
			Close:     close,
			Volume:    1000,
		}
	}
	return out
}

// ---------------------------------------------------------------------------

func TestEvaluateUnknownBot(t *testing.T) {
	fix := newFixture(t, singleBotYAML)

	rec := fix.engine.Evaluate(context.Background(), 99)

	require.NotNil(t, rec.Error)
	assert.Equal(t, decision.ReasonBotNotFound, rec.Error.Reason)
	assert.Equal(t, decision.ActionHold, rec.Action)
	assert.NotEmpty(t, rec.TraceID)
	assert.Equal(t, 1, fix.history.count(), "失败的评估同样写历史")
}

func TestEvaluateDisabledBot(t *testing.T) {
	fix := newFixture(t, `
bots:
  - id: 7
    pair: ETH/USDT
    enabled: false
    indicators:
      - type: rsi
        weight: 1
`)

	rec := fix.engine.Evaluate(context.Background(), 7)

	require.NotNil(t, rec.Error)
	assert.Equal(t, decision.ReasonBotDisabled, rec.Error.Reason)
}

func TestEvaluateConfigErrorProducesHold(t *testing.T) {
	fix := newFixture(t, `
bots:
  - id: 7
    pair: ETH/USDT
    indicators:
      - type: nonsense
        weight: 1
`)

	rec := fix.engine.Evaluate(context.Background(), 7)

	assert.Equal(t, decision.ActionHold, rec.Action)
	require.NotNil(t, rec.Error)
	assert.Equal(t, decision.ReasonConfigInvalid, rec.Error.Reason)
	assert.Nil(t, rec.Execution)
}

func TestEvaluateMarketDataError(t *testing.T) {
	fix := newFixture(t, singleBotYAML)
	fix.provider.histErr = fmt.Errorf("接口限流")

	rec := fix.engine.Evaluate(context.Background(), 7)

	require.NotNil(t, rec.Error)
	assert.Equal(t, decision.ReasonMarketDataError, rec.Error.Reason)
	assert.Equal(t, decision.KindExternalAPI, rec.Error.Kind)
	assert.Equal(t, decision.ActionHold, rec.Action)
}

func TestEvaluateFlatMarketHolds(t *testing.T) {
	fix := newFixture(t, singleBotYAML)
	fix.provider.candles = flatCandles(120)

	rec := fix.engine.Evaluate(context.Background(), 7)

	assert.Nil(t, rec.Error)
	assert.Equal(t, decision.ActionHold, rec.Action)
	assert.Nil(t, rec.Sizing, "hold 不触发仓位测算")
	assert.Nil(t, rec.Execution)
	assert.False(t, rec.Confirmation.IsConfirmed)
	assert.False(t, rec.Confirmation.NeedsConfirmation)

	// hold 也要落确认状态与综合分。
	st, ok, err := fix.store.GetBotState(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, decision.PhaseNoSignal, st.Confirmation.Phase)
	assert.InDelta(t, rec.OverallScore, st.CombinedScore, 1e-9)
}

func TestEvaluateConfirmsThenExecutes(t *testing.T) {
	fix := newFixture(t, singleBotYAML)
	fix.provider.candles = fallingCandles(120)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fix.engine.nowFn = func() time.Time { return now }

	// 第一轮：强买入信号进入确认窗口，尚不执行。
	rec1 := fix.engine.Evaluate(context.Background(), 7)
	require.Nil(t, rec1.Error)
	assert.Equal(t, decision.ActionBuy, rec1.Action)
	assert.Equal(t, decision.TemperatureHot, rec1.Temperature)
	assert.True(t, rec1.Confirmation.NeedsConfirmation)
	assert.False(t, rec1.Confirmation.IsConfirmed)
	assert.Nil(t, rec1.Execution)

	// 窗口（15 分钟）过后信号仍同向：确认成立，提交订单。
	now = now.Add(16 * time.Minute)
	rec2 := fix.engine.Evaluate(context.Background(), 7)
	require.Nil(t, rec2.Error)
	assert.True(t, rec2.Confirmation.IsConfirmed)
	require.NotNil(t, rec2.Sizing)
	assert.Positive(t, rec2.Sizing.FinalUSD)
	require.NotNil(t, rec2.Execution)
	assert.True(t, rec2.Execution.Success)
	assert.NotEmpty(t, rec2.Execution.TradeID)

	trade, ok := fix.store.trade(rec2.Execution.TradeID)
	require.True(t, ok)
	assert.Equal(t, decision.TradePending, trade.Status)
	assert.Equal(t, "ETH/USDT", trade.Pair)
	assert.NotEmpty(t, trade.OrderID)

	assert.Equal(t, 1, fix.notifier.executedCount())
	assert.Equal(t, 2, fix.history.count())
}

func TestEvaluateObserveModeSkipsExecution(t *testing.T) {
	fix := newFixture(t, singleBotYAML)
	fix.provider.candles = fallingCandles(120)
	fix.engine.ExecEnabled = false

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fix.engine.nowFn = func() time.Time { return now }

	fix.engine.Evaluate(context.Background(), 7)
	now = now.Add(16 * time.Minute)
	rec := fix.engine.Evaluate(context.Background(), 7)

	assert.True(t, rec.Confirmation.IsConfirmed)
	require.NotNil(t, rec.Sizing, "观察模式照常测算仓位")
	assert.Nil(t, rec.Execution, "观察模式不下单")
	_, found, err := fix.store.PendingTrade(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEvaluateDirectionFlipRestartsConfirmation(t *testing.T) {
	fix := newFixture(t, singleBotYAML)
	fix.provider.candles = fallingCandles(120)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fix.engine.nowFn = func() time.Time { return now }

	fix.engine.Evaluate(context.Background(), 7)

	// 方向翻转：跌势换成横盘 → hold → 状态机清零。
	fix.provider.mu.Lock()
	fix.provider.candles = flatCandles(120)
	fix.provider.mu.Unlock()
	now = now.Add(16 * time.Minute)
	rec := fix.engine.Evaluate(context.Background(), 7)

	assert.Equal(t, decision.ActionHold, rec.Action)
	assert.False(t, rec.Confirmation.IsConfirmed)
	assert.Nil(t, rec.Execution)

	st, _, err := fix.store.GetBotState(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, decision.PhaseNoSignal, st.Confirmation.Phase)
}

func TestExecuteTradeManual(t *testing.T) {
	fix := newFixture(t, singleBotYAML)

	res := fix.engine.ExecuteTrade(context.Background(), ExecuteParams{
		BotID: 7, Side: decision.ActionBuy, SizeUSD: 50,
	})
	require.True(t, res.Success)
	assert.NotEmpty(t, res.TradeID)

	trade, ok := fix.store.trade(res.TradeID)
	require.True(t, ok)
	assert.InDelta(t, 50.0, trade.SizeUSD, 1e-9)
}

func TestExecuteTradeUnknownBot(t *testing.T) {
	fix := newFixture(t, singleBotYAML)

	res := fix.engine.ExecuteTrade(context.Background(), ExecuteParams{
		BotID: 404, Side: decision.ActionBuy, SizeUSD: 50,
	})
	assert.False(t, res.Success)
	assert.Equal(t, decision.ReasonBotNotFound, res.Reason)
}

func TestExecuteTradeDisabledBot(t *testing.T) {
	fix := newFixture(t, `
bots:
  - id: 7
    pair: ETH/USDT
    enabled: false
    indicators:
      - type: rsi
        weight: 1
`)

	res := fix.engine.ExecuteTrade(context.Background(), ExecuteParams{
		BotID: 7, Side: decision.ActionSell, SizeUSD: 50,
	})
	assert.False(t, res.Success)
	assert.Equal(t, decision.ReasonBotDisabled, res.Reason)
}

func TestConfirmationStatus(t *testing.T) {
	fix := newFixture(t, singleBotYAML)
	fix.provider.candles = fallingCandles(120)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fix.engine.nowFn = func() time.Time { return now }
	fix.engine.Evaluate(context.Background(), 7)

	// 窗口走到 1/3 处，进度按 elapsed/window 上报。
	now = now.Add(5 * time.Minute)
	snap, err := fix.engine.ConfirmationStatus(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, snap.NeedsConfirmation)
	assert.InDelta(t, 1.0/3.0, snap.Progress, 0.01)

	_, err = fix.engine.ConfirmationStatus(context.Background(), 404)
	require.Error(t, err)
	assert.Equal(t, decision.ReasonBotNotFound, decision.AsReject(err).Reason)
}

func TestPositionSummaryPriceUnavailable(t *testing.T) {
	fix := newFixture(t, singleBotYAML)
	_, err := fix.engine.Ledger.Apply(ledger.Fill{
		FillID: "f1", Pair: "ETH/USDT", Side: decision.ActionBuy,
		Quantity: 2, Price: 1800, FilledAt: time.Now(),
	})
	require.NoError(t, err)
	fix.provider.priceErr = fmt.Errorf("接口超时")

	sum := fix.engine.PositionSummary(context.Background(), "ETH/USDT")

	assert.InDelta(t, 2.0, sum.CurrentQuantity, 1e-9)
	assert.InDelta(t, 1800, sum.AverageCostBasis, 1e-9)
	assert.Zero(t, sum.UnrealizedPnL, "现价缺失时未实现盈亏按 0 计")
}

func TestCancelTrade(t *testing.T) {
	fix := newFixture(t, singleBotYAML)

	res := fix.engine.ExecuteTrade(context.Background(), ExecuteParams{
		BotID: 7, Side: decision.ActionBuy, SizeUSD: 50,
	})
	require.True(t, res.Success)

	require.NoError(t, fix.engine.CancelTrade(context.Background(), res.TradeID, "券商客服确认未受理"))

	trade, _ := fix.store.trade(res.TradeID)
	assert.Equal(t, decision.TradeCancelled, trade.Status)
	assert.Contains(t, trade.ErrorDetail, "人工取消")

	// 取消后 bot 立即恢复可交易。
	res2 := fix.engine.ExecuteTrade(context.Background(), ExecuteParams{
		BotID: 7, Side: decision.ActionBuy, SizeUSD: 50,
	})
	assert.True(t, res2.Success)
	require.NoError(t, fix.engine.CancelTrade(context.Background(), res2.TradeID, ""))
}

func TestCancelTradeRejectsNonPending(t *testing.T) {
	fix := newFixture(t, singleBotYAML)

	err := fix.engine.CancelTrade(context.Background(), "missing", "")
	require.Error(t, err)
	assert.Equal(t, decision.ReasonInvalidRequest, decision.AsReject(err).Reason)

	res := fix.engine.ExecuteTrade(context.Background(), ExecuteParams{
		BotID: 7, Side: decision.ActionBuy, SizeUSD: 50,
	})
	require.True(t, res.Success)
	// 纸面订单即时成交，收尾后不可再取消。
	settled, err := fix.tracker.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, settled)

	err = fix.engine.CancelTrade(context.Background(), res.TradeID, "")
	require.Error(t, err)
	assert.Equal(t, decision.ReasonInvalidRequest, decision.AsReject(err).Reason)
}
