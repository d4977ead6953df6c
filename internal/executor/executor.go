package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marlin/internal/decision"
	"marlin/internal/gateway/exchange"
	"marlin/internal/logger"
	"marlin/internal/safety"
)

var log = logger.WithScope("executor")

// 中文说明：
// Executor 是下单的唯一入口。bot 锁覆盖「安全校验 → 在途检查 → 冷却检查 →
// 落库 → 提交券商」整段临界区；任意两次并发执行同一 bot，至多一次通过。
// 先落 pending 行再提交订单：券商失败时迁移到 failed，绝不留孤儿 pending。

// DefaultLockTimeout 抢 bot 锁的等待上限，超时立即以 trade_in_progress 拒绝。
const DefaultLockTimeout = 3 * time.Second

// Store 是执行路径需要的持久化能力子集。
type Store interface {
	CreateTrade(ctx context.Context, t decision.Trade) error
	UpdateTradeOrder(ctx context.Context, tradeID, orderID string) error
	MarkTradeFailed(ctx context.Context, tradeID, detail string) error
	PendingTrade(ctx context.Context, botID int64) (decision.Trade, bool, error)
	LastFilledTrade(ctx context.Context, botID int64) (decision.Trade, bool, error)
	CountActiveTradesSince(ctx context.Context, botID int64, since time.Time) (int, error)
	RealizedSince(ctx context.Context, pair string, since time.Time) (float64, error)
}

// Request 描述一次下单请求。调用方负责解析 bot（存在性/启用状态）。
type Request struct {
	BotID       int64
	Pair        string
	Side        decision.Action
	SizeUSD     float64
	Temperature decision.Temperature
	MinTemp     decision.Temperature
	Cooldown    time.Duration
	Signals     []decision.SignalResult
	TraceID     string
}

// Executor 串行化单个 bot 的下单临界区。
type Executor struct {
	store       Store
	broker      exchange.Broker
	limits      safety.Limits
	locks       *LockSet
	tracker     *Tracker
	lockTimeout time.Duration
	nowFn       func() time.Time
}

// Option 调整 Executor 行为，测试用。
type Option func(*Executor)

// WithLockTimeout 覆盖默认的抢锁超时。
func WithLockTimeout(d time.Duration) Option {
	return func(e *Executor) { e.lockTimeout = d }
}

// WithNowFunc 注入时钟。
func WithNowFunc(now func() time.Time) Option {
	return func(e *Executor) { e.nowFn = now }
}

func NewExecutor(store Store, broker exchange.Broker, limits safety.Limits, locks *LockSet, tracker *Tracker, opts ...Option) *Executor {
	if locks == nil {
		locks = NewLockSet()
	}
	e := &Executor{
		store:       store,
		broker:      broker,
		limits:      limits.Normalize(),
		locks:       locks,
		tracker:     tracker,
		lockTimeout: DefaultLockTimeout,
		nowFn:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Locks 暴露锁集合，供需要同一串行域的协作方（成交回填）复用。
func (e *Executor) Locks() *LockSet {
	return e.locks
}

// Execute 执行一次下单。所有失败都以结构化拒绝返回，不抛错。
func (e *Executor) Execute(ctx context.Context, req Request) decision.ExecutionResult {
	if rej := validateRequest(req); rej != nil {
		return rejected("", rej)
	}

	release, ok := e.locks.Acquire(ctx, req.BotID, e.lockTimeout)
	if !ok {
		return rejected("", decision.NewReject(decision.KindConcurrency, decision.ReasonTradeInProgress,
			fmt.Sprintf("bot %d 正在执行交易", req.BotID)))
	}
	defer release()

	now := e.nowFn()

	if rej := e.checkSafety(ctx, req, now); rej != nil {
		return rejected("", rej)
	}
	if rej := e.checkPending(ctx, req.BotID); rej != nil {
		return rejected("", rej)
	}
	if rej := e.checkCooldown(ctx, req.BotID, req.Cooldown, now); rej != nil {
		return rejected("", rej)
	}

	quote, err := e.broker.GetPrice(ctx, req.Pair)
	if err != nil {
		return rejected("", decision.WrapReject(decision.KindExternalAPI, decision.ReasonNoMarketPrice, err))
	}
	if quote.Last <= 0 {
		return rejected("", decision.NewReject(decision.KindExternalAPI, decision.ReasonNoMarketPrice,
			fmt.Sprintf("无效市场价: %.8f", quote.Last)))
	}

	qty := req.SizeUSD / quote.Last
	trade := decision.Trade{
		TradeID:      uuid.NewString(),
		BotID:        req.BotID,
		Pair:         req.Pair,
		Side:         req.Side,
		Size:         qty,
		SizeUSD:      req.SizeUSD,
		Price:        quote.Last,
		Status:       decision.TradePending,
		CreatedAt:    now,
		SignalScores: req.Signals,
	}
	if err := e.store.CreateTrade(ctx, trade); err != nil {
		return rejected("", decision.WrapReject(decision.KindExternalAPI, decision.ReasonStorageError, err))
	}

	ack, err := e.broker.PlaceOrder(ctx, exchange.OrderRequest{
		Pair:      req.Pair,
		Side:      req.Side.Side(),
		Quantity:  qty,
		QuoteUSD:  req.SizeUSD,
		PriceHint: quote.Last,
		ClientID:  trade.TradeID,
	})
	if err != nil {
		log.Errorf("bot %d 下单失败 trade=%s: %v", req.BotID, trade.TradeID, err)
		if markErr := e.store.MarkTradeFailed(ctx, trade.TradeID, err.Error()); markErr != nil {
			log.Errorf("标记 trade %s 失败态出错: %v", trade.TradeID, markErr)
		}
		return rejected(trade.TradeID, decision.WrapReject(decision.KindExternalAPI, decision.ReasonBrokerError, err))
	}

	if err := e.store.UpdateTradeOrder(ctx, trade.TradeID, ack.OrderID); err != nil {
		log.Warnf("回写 order_id 失败 trade=%s order=%s: %v", trade.TradeID, ack.OrderID, err)
	}
	trade.OrderID = ack.OrderID

	if e.tracker != nil {
		e.tracker.Track(trade)
	}
	log.Infof("bot %d 提交订单 trade=%s order=%s side=%s qty=%.8f usd=%.2f price=%.4f",
		req.BotID, trade.TradeID, ack.OrderID, req.Side, qty, req.SizeUSD, quote.Last)

	return decision.ExecutionResult{
		Success: true,
		TradeID: trade.TradeID,
		OrderID: ack.OrderID,
	}
}

func validateRequest(req Request) *decision.Reject {
	if req.BotID <= 0 {
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest, "bot_id 必填")
	}
	if req.Pair == "" {
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest, "pair 必填")
	}
	if req.Side != decision.ActionBuy && req.Side != decision.ActionSell {
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest,
			fmt.Sprintf("side 必须为 buy/sell: %q", string(req.Side)))
	}
	if req.SizeUSD <= 0 {
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest,
			fmt.Sprintf("size_usd 必须为正: %.4f", req.SizeUSD))
	}
	return nil
}

func (e *Executor) checkSafety(ctx context.Context, req Request, now time.Time) *decision.Reject {
	if rej := e.limits.CheckOrderSize(req.SizeUSD); rej != nil {
		return rej
	}
	if !req.Temperature.AtLeast(req.MinTemp) {
		return decision.NewReject(decision.KindSafety, decision.ReasonTemperatureTooLow,
			fmt.Sprintf("信号温度不足: %s < %s", req.Temperature, req.MinTemp))
	}
	dayStart := safety.DayStart(now)
	count, err := e.store.CountActiveTradesSince(ctx, req.BotID, dayStart)
	if err != nil {
		return decision.WrapReject(decision.KindExternalAPI, decision.ReasonStorageError, err)
	}
	if rej := e.limits.CheckDailyTrades(count); rej != nil {
		return rej
	}
	realized, err := e.store.RealizedSince(ctx, "", dayStart)
	if err != nil {
		return decision.WrapReject(decision.KindExternalAPI, decision.ReasonStorageError, err)
	}
	if rej := e.limits.CheckDailyLoss(realized); rej != nil {
		return rej
	}
	return nil
}

func (e *Executor) checkPending(ctx context.Context, botID int64) *decision.Reject {
	pending, found, err := e.store.PendingTrade(ctx, botID)
	if err != nil {
		return decision.WrapReject(decision.KindExternalAPI, decision.ReasonStorageError, err)
	}
	if found {
		return decision.NewReject(decision.KindSafety, decision.ReasonPendingTradeExists,
			fmt.Sprintf("已有在途订单 trade=%s", pending.TradeID))
	}
	return nil
}

// checkCooldown 以最近一次成交的 filled_at 起算冷却；
// 仅提交未成交的订单既不启动也不阻塞冷却窗口。
func (e *Executor) checkCooldown(ctx context.Context, botID int64, cooldown time.Duration, now time.Time) *decision.Reject {
	if cooldown <= 0 {
		return nil
	}
	last, found, err := e.store.LastFilledTrade(ctx, botID)
	if err != nil {
		return decision.WrapReject(decision.KindExternalAPI, decision.ReasonStorageError, err)
	}
	if !found || last.FilledAt == nil {
		return nil
	}
	elapsed := now.Sub(*last.FilledAt)
	if elapsed < cooldown {
		return decision.NewReject(decision.KindSafety, decision.ReasonCooldownActive,
			fmt.Sprintf("冷却中，剩余 %s", (cooldown - elapsed).Round(time.Second)))
	}
	return nil
}

func rejected(tradeID string, rej *decision.Reject) decision.ExecutionResult {
	return decision.ExecutionResult{
		Success: false,
		TradeID: tradeID,
		Reason:  rej.Reason,
		Kind:    rej.Kind,
		Err:     rej,
	}
}
