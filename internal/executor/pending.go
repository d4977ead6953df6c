package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marlin/internal/decision"
	"marlin/internal/gateway/exchange"
)

// 中文说明：
// Tracker 负责 pending 订单的收尾：定时轮询券商状态，成交则先记账再迁移
// completed（崩溃后重放幂等）。超过成交截止时间的订单不做本地取消，
// 晚到的成交仍然要入账，改为发运维告警并保持 pending（继续挡住该 bot
// 的新交易），直到轮询落定或人工取消。每条 pending 都有截止定时器，
// 重启时从 CreatedAt 续算。

const (
	// DefaultFillTimeout pending 订单触发运维告警的截止时间。
	DefaultFillTimeout = 10 * time.Minute
	// DefaultPollInterval 轮询券商订单状态的周期。
	DefaultPollInterval = 15 * time.Second
	// deadlineFloor 重启恢复时给即将到期的订单留出的最小轮询余量。
	deadlineFloor = 5 * time.Second
)

// TrackerStore 是收尾路径需要的持久化能力子集。
type TrackerStore interface {
	ListPendingTrades(ctx context.Context) ([]decision.Trade, error)
	MarkTradeCompleted(ctx context.Context, tradeID string, filledQty, price, feeUSD float64, filledAt time.Time) error
	MarkTradeFailed(ctx context.Context, tradeID, detail string) error
	MarkTradeCancelled(ctx context.Context, tradeID, detail string) error
}

// FillSink 在订单确认成交时做记账（账本、成交日志、bot 仓位）。
// 实现必须幂等：同一笔成交重复投递不得产生第二次记账。
type FillSink interface {
	ApplyFill(ctx context.Context, trade decision.Trade, state exchange.OrderState) error
}

// Alerter 接收需要人工介入的运维告警。
type Alerter interface {
	Alert(ctx context.Context, title, message string)
}

// TrackerConfig Tracker 行为参数。
type TrackerConfig struct {
	FillTimeout  time.Duration
	PollInterval time.Duration
}

func (c TrackerConfig) normalize() TrackerConfig {
	if c.FillTimeout <= 0 {
		c.FillTimeout = DefaultFillTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Tracker 管理 pending 订单的定时器与轮询收尾。
type Tracker struct {
	mu     sync.Mutex
	timers map[string]*time.Timer

	store   TrackerStore
	broker  exchange.Broker
	sink    FillSink
	alerter Alerter
	cfg     TrackerConfig
	nowFn   func() time.Time
}

func NewTracker(store TrackerStore, broker exchange.Broker, sink FillSink, cfg TrackerConfig) *Tracker {
	return &Tracker{
		timers: make(map[string]*time.Timer),
		store:  store,
		broker: broker,
		sink:   sink,
		cfg:    cfg.normalize(),
		nowFn:  time.Now,
	}
}

// SetAlerter 挂接运维告警通道,nil 表示只打日志。
func (t *Tracker) SetAlerter(a Alerter) {
	t.alerter = a
}

// SetSink 注入成交回填实现。引擎-执行器-收尾器在构造期成环,
// 收尾器先以空 sink 建出,引擎就绪后回填。必须在 Run/Recover 之前调用。
func (t *Tracker) SetSink(s FillSink) {
	t.sink = s
}

// Track 为新提交的订单启动成交截止定时器。
func (t *Tracker) Track(trade decision.Trade) {
	t.trackWithDeadline(trade, t.cfg.FillTimeout)
}

func (t *Tracker) trackWithDeadline(trade decision.Trade, deadline time.Duration) {
	if trade.TradeID == "" {
		return
	}
	if deadline < deadlineFloor {
		deadline = deadlineFloor
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.timers[trade.TradeID]; ok {
		prev.Stop()
	}
	tr := trade
	t.timers[trade.TradeID] = time.AfterFunc(deadline, func() {
		t.handleDeadline(tr)
	})
}

func (t *Tracker) clear(tradeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[tradeID]; ok {
		timer.Stop()
		delete(t.timers, tradeID)
	}
}

// Untrack 停止某笔订单的截止跟踪。人工取消 pending 订单后调用。
func (t *Tracker) Untrack(tradeID string) {
	t.clear(tradeID)
}

// Stop 停掉所有定时器，进程退出前调用。
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// Recover 从存储恢复在途订单，截止时间从 CreatedAt 续算。
func (t *Tracker) Recover(ctx context.Context) error {
	pending, err := t.store.ListPendingTrades(ctx)
	if err != nil {
		return err
	}
	now := t.nowFn()
	for _, trade := range pending {
		remaining := t.cfg.FillTimeout - now.Sub(trade.CreatedAt)
		t.trackWithDeadline(trade, remaining)
	}
	if len(pending) > 0 {
		log.Infof("恢复 %d 条在途订单的成交跟踪", len(pending))
	}
	return nil
}

// Run 周期性轮询所有 pending 订单直到 ctx 结束。
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := t.SyncOnce(ctx); err != nil {
				log.Warnf("pending 订单轮询失败: %v", err)
			}
		}
	}
}

// SyncOnce 对账一轮：逐条查询券商状态并收尾，返回本轮落定的订单数。
// 以存储中的 pending 列表为准，定时器丢失也不会漏单。
func (t *Tracker) SyncOnce(ctx context.Context) (int, error) {
	pending, err := t.store.ListPendingTrades(ctx)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, trade := range pending {
		state, err := t.broker.OrderStatus(ctx, trade.Pair, venueLookupID(trade))
		if err != nil {
			log.Debugf("查询订单状态失败 trade=%s order=%s: %v", trade.TradeID, trade.OrderID, err)
			continue
		}
		done, err := t.settle(ctx, trade, *state)
		if err != nil {
			log.Warnf("订单收尾失败 trade=%s: %v", trade.TradeID, err)
			continue
		}
		if done {
			settled++
		}
	}
	return settled, nil
}

// Settle 供 webhook 等外部送达路径使用：与轮询收尾共用同一套幂等状态迁移。
// 返回订单是否已落定（终态）。
func (t *Tracker) Settle(ctx context.Context, trade decision.Trade, state exchange.OrderState) (bool, error) {
	return t.settle(ctx, trade, state)
}

// settle 按券商状态迁移订单。返回是否已落定。
func (t *Tracker) settle(ctx context.Context, trade decision.Trade, state exchange.OrderState) (bool, error) {
	switch state.Status {
	case exchange.OrderStatusFilled:
		// 先记账后迁移状态:若在两步之间崩溃,下轮重放时记账以 fill_id 去重,
		// 状态迁移则再次执行,整体幂等。
		if t.sink != nil {
			if err := t.sink.ApplyFill(ctx, trade, state); err != nil {
				return false, err
			}
		}
		price := state.AvgPrice
		if price <= 0 {
			price = trade.Price
		}
		filledAt := state.UpdatedAt
		if filledAt.IsZero() {
			filledAt = t.nowFn()
		}
		if err := t.store.MarkTradeCompleted(ctx, trade.TradeID, state.FilledQuantity, price, state.FeeUSD, filledAt); err != nil {
			return false, err
		}
		t.clear(trade.TradeID)
		log.Infof("订单成交 trade=%s order=%s qty=%.8f price=%.4f fee=%.4f",
			trade.TradeID, trade.OrderID, state.FilledQuantity, price, state.FeeUSD)
		return true, nil
	case exchange.OrderStatusCancelled:
		if err := t.store.MarkTradeCancelled(ctx, trade.TradeID, "券商侧已取消"); err != nil {
			return false, err
		}
		t.clear(trade.TradeID)
		return true, nil
	case exchange.OrderStatusRejected:
		if err := t.store.MarkTradeFailed(ctx, trade.TradeID, "券商侧已拒绝"); err != nil {
			return false, err
		}
		t.clear(trade.TradeID)
		return true, nil
	default:
		return false, nil
	}
}

// handleDeadline 截止时间到:最后查一次状态,已成交走正常收尾;仍未落定
// 则发告警并保持 pending,重新武装定时器等待下一轮。绝不本地超时取消,
// 晚到的成交仍要入账,悬而未决的订单交给人工处理。
func (t *Tracker) handleDeadline(trade decision.Trade) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if state, err := t.broker.OrderStatus(ctx, trade.Pair, venueLookupID(trade)); err == nil {
		if done, err := t.settle(ctx, trade, *state); err == nil && done {
			return
		}
	}
	log.Warnf("订单超过成交截止时间仍未落定 bot=%d trade=%s order=%s", trade.BotID, trade.TradeID, trade.OrderID)
	if t.alerter != nil {
		t.alerter.Alert(ctx, "订单超时未落定",
			fmt.Sprintf("bot=%d pair=%s side=%s trade=%s order=%s 已超过 %s 未成交,该 bot 的新交易被阻塞,请人工处理",
				trade.BotID, trade.Pair, trade.Side, trade.TradeID, trade.OrderID, t.cfg.FillTimeout))
	}
	t.trackWithDeadline(trade, t.cfg.FillTimeout)
}

// venueLookupID 返回查询券商时用的订单标识。order_id 缺失说明提交过程
// 中崩过,退回用 client order id(即 trade uuid)查询。
func venueLookupID(trade decision.Trade) string {
	if trade.OrderID != "" {
		return trade.OrderID
	}
	return trade.TradeID
}
