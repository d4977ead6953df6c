package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"marlin/internal/decision"
	"marlin/internal/gateway/exchange"
	"marlin/internal/ledger"
)

// 中文说明：
// 成交回填：订单确认成交后，引擎作为 FillSink 把成交记进账本、落成交
// 日志、刷新批次快照、重算该 bot 的仓位。整条链路幂等：账本对重复
// fill_id 返回首次结果，成交日志按 fill_id 去重，仓位走全量重算，
// 收尾器在任何一步失败后原样重投即可。

// ApplyFill 实现 executor.FillSink。bot 锁内完成全部记账与状态更新。
func (e *Engine) ApplyFill(ctx context.Context, trade decision.Trade, state exchange.OrderState) error {
	fill := fillFromTrade(trade, state, e.nowFn().UTC())

	release, ok := e.Executor.Locks().Acquire(ctx, trade.BotID, e.lockTimeout)
	if !ok {
		return decision.NewReject(decision.KindConcurrency, decision.ReasonTradeInProgress,
			"bot 锁被占用,成交回填稍后重试")
	}
	defer release()

	res, err := e.Ledger.Apply(fill)
	if err != nil {
		log.Errorf("成交无法入账 trade=%s pair=%s err=%v", trade.TradeID, trade.Pair, err)
		return err
	}
	if err := e.Store.RecordFill(ctx, fill, res.RealizedDelta); err != nil {
		return err
	}
	if err := e.Store.ReplaceLots(ctx, fill.Pair, e.Ledger.Lots(fill.Pair)); err != nil {
		return err
	}

	pos, err := e.recomputePosition(ctx, trade.BotID, fill)
	if err != nil {
		return err
	}
	st, _, err := e.Store.GetBotState(ctx, trade.BotID)
	if err != nil {
		return err
	}
	st.BotID = trade.BotID
	st.Pair = trade.Pair
	st.PositionSize = pos
	st.UpdatedAt = e.nowFn().UTC()
	if err := e.Store.SaveBotState(ctx, st); err != nil {
		return err
	}

	if res.Applied {
		log.Infof("成交回填完成 bot=%d pair=%s side=%s qty=%.8f price=%.4f realized=%.4f position=%.8f",
			trade.BotID, fill.Pair, fill.Side, fill.Quantity, fill.Price, res.RealizedDelta, pos)
		if e.Notifier != nil {
			e.Notifier.TradeFilled(ctx, trade, state, res.RealizedDelta)
		}
	} else {
		log.Debugf("成交回填重放 bot=%d trade=%s", trade.BotID, trade.TradeID)
	}
	return nil
}

// recomputePosition 从已成交交易全量重算 bot 仓位，再叠加当前这笔成交。
// 卖出在每一步都钳到零，与账本的超卖语义一致。
func (e *Engine) recomputePosition(ctx context.Context, botID int64, fill ledger.Fill) (float64, error) {
	trades, err := e.Store.CompletedTrades(ctx, botID)
	if err != nil {
		return 0, err
	}
	pos := 0.0
	apply := func(side decision.Action, qty float64) {
		if side == decision.ActionBuy {
			pos += qty
			return
		}
		pos -= qty
		if pos < 0 {
			pos = 0
		}
	}
	for _, t := range trades {
		// 当前成交对应的行此刻仍是 pending；万一已被标记完成，跳过避免双计。
		if t.TradeID == fill.FillID {
			continue
		}
		apply(t.Side, t.Size)
	}
	apply(fill.Side, fill.Quantity)
	return pos, nil
}

// FillEvent 外部送达的订单状态事件（webhook）。字段已由传输层宽松强转，
// 这里只做语义校验。FilledAt 为零时按送达时刻记。
type FillEvent struct {
	TradeID   string
	OrderID   string
	Status    string
	FilledQty float64
	AvgPrice  float64
	FeeUSD    float64
	FilledAt  time.Time
}

// IngestFill 处理券商主动推送的订单状态，与轮询收尾共用同一套状态迁移。
// 已落定订单的重复送达是 no-op；未落定状态（open 等）只记日志。
func (e *Engine) IngestFill(ctx context.Context, ev FillEvent) error {
	tradeID := strings.TrimSpace(ev.TradeID)
	if tradeID == "" {
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest, "trade_id 不能为空")
	}
	trade, found, err := e.Store.TradeByID(ctx, tradeID)
	if err != nil {
		return decision.WrapReject(decision.KindExternalAPI, decision.ReasonStorageError, err)
	}
	if !found {
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest,
			fmt.Sprintf("trade %s 不存在", tradeID))
	}
	if trade.Status.Terminal() {
		log.Debugf("webhook 重复送达,订单已落定 trade=%s status=%s", tradeID, trade.Status)
		return nil
	}

	status, ok := parseVenueStatus(ev.Status)
	if !ok {
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest,
			fmt.Sprintf("未知订单状态 %q", ev.Status))
	}
	if status == exchange.OrderStatusOpen {
		log.Debugf("webhook 送达未落定状态,忽略 trade=%s status=%s", tradeID, ev.Status)
		return nil
	}
	if e.Tracker == nil {
		return decision.NewReject(decision.KindExternalAPI, decision.ReasonBrokerError, "订单收尾通道未启用")
	}

	orderID := strings.TrimSpace(ev.OrderID)
	if orderID == "" {
		orderID = trade.OrderID
	}
	state := exchange.OrderState{
		OrderID:        orderID,
		Pair:           trade.Pair,
		Status:         status,
		FilledQuantity: ev.FilledQty,
		AvgPrice:       ev.AvgPrice,
		FeeUSD:         ev.FeeUSD,
		UpdatedAt:      ev.FilledAt,
	}
	done, err := e.Tracker.Settle(ctx, trade, state)
	if err != nil {
		return err
	}
	if done {
		log.Infof("webhook 收尾完成 trade=%s status=%s", tradeID, status)
	}
	return nil
}

// parseVenueStatus 宽松解析券商推送的状态名。
func parseVenueStatus(raw string) (exchange.OrderStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "filled", "closed":
		return exchange.OrderStatusFilled, true
	case "cancelled", "canceled", "expired":
		return exchange.OrderStatusCancelled, true
	case "rejected":
		return exchange.OrderStatusRejected, true
	case "open", "new", "partially_filled", "partial":
		return exchange.OrderStatusOpen, true
	default:
		return "", false
	}
}

// fillFromTrade 由 pending 行与券商状态拼出成交记录。
// 数量/价格/时间的回落顺序与收尾器写 completed 行时一致，保证两处账目吻合。
func fillFromTrade(trade decision.Trade, state exchange.OrderState, now time.Time) ledger.Fill {
	qty := state.FilledQuantity
	if qty <= 0 {
		qty = trade.Size
	}
	price := state.AvgPrice
	if price <= 0 {
		price = trade.Price
	}
	filledAt := state.UpdatedAt
	if filledAt.IsZero() {
		filledAt = now
	}
	return ledger.Fill{
		// 一单一成交，trade uuid 即幂等键。
		FillID:   trade.TradeID,
		OrderID:  trade.OrderID,
		Pair:     trade.Pair,
		Side:     trade.Side,
		Quantity: qty,
		Price:    price,
		Fee:      state.FeeUSD,
		FilledAt: filledAt,
	}
}
