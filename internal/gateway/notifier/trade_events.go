package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"marlin/internal/decision"
	"marlin/internal/gateway/exchange"
	"marlin/internal/logger"
)

// 中文说明：
// 交易事件推送适配：把引擎的评估/成交事件和收尾器的运维告警
// 格式化为统一消息。发送失败就地消化成日志，绝不反向阻塞交易链路。

// StructuredSender 结构化消息的发送端。
type StructuredSender interface {
	SendStructured(msg StructuredMessage) error
}

// TradeEvents 同时充当引擎的通知器和收尾器的告警通道。
type TradeEvents struct {
	Sender StructuredSender

	nowFn func() time.Time
}

func NewTradeEvents(sender StructuredSender) *TradeEvents {
	return &TradeEvents{Sender: sender, nowFn: time.Now}
}

// TradeExecuted 在订单提交成功后推送信号详情。
func (n *TradeEvents) TradeExecuted(ctx context.Context, rec decision.EvaluationResult) {
	if n == nil || n.Sender == nil {
		return
	}
	icon := "🚀"
	if rec.Action == decision.ActionSell {
		icon = "📉"
	}

	sections := make([]MessageSection, 0, 3)

	signalLines := make([]string, 0, len(rec.Signals)+1)
	signalLines = append(signalLines,
		fmt.Sprintf("综合得分 %.3f · 温度 %s", rec.OverallScore, rec.Temperature))
	for _, sig := range rec.Signals {
		line := fmt.Sprintf("%s %.3f", sig.Name, sig.Score)
		if sig.InsufficientData() {
			line += "（历史不足）"
		}
		signalLines = append(signalLines, line)
	}
	sections = append(sections, MessageSection{Title: "信号", Lines: signalLines})

	if sz := rec.Sizing; sz != nil {
		sections = append(sections, MessageSection{Title: "仓位", Lines: []string{
			fmt.Sprintf("基础 %.0f USDT × %.2f（市况 %s）", sz.BaseUSD, sz.Multiplier, sz.Regime),
			fmt.Sprintf("目标 %.0f USDT", sz.FinalUSD),
		}})
	}
	if ex := rec.Execution; ex != nil {
		sections = append(sections, MessageSection{Title: "执行", Lines: []string{
			"trade " + ex.TradeID,
			"order " + ex.OrderID,
		}})
	}

	msg := StructuredMessage{
		Icon:      icon,
		Title:     fmt.Sprintf("信号触发：%s %s", rec.Pair, actionCN(rec.Action)),
		Sections:  sections,
		Timestamp: n.now(),
	}
	if err := n.Sender.SendStructured(msg); err != nil {
		logger.Warnf("Telegram 推送失败: %v", err)
	}
}

// TradeFilled 在成交入账后推送回执。realizedDelta 为本次结转的已实现盈亏。
func (n *TradeEvents) TradeFilled(ctx context.Context, trade decision.Trade, state exchange.OrderState, realizedDelta float64) {
	if n == nil || n.Sender == nil {
		return
	}
	lines := []string{
		fmt.Sprintf("数量 %.6f · 均价 %.4f", state.FilledQuantity, state.AvgPrice),
		fmt.Sprintf("手续费 %.4f USDT", state.FeeUSD),
	}
	if trade.Side == decision.ActionSell {
		lines = append(lines, fmt.Sprintf("本次已实现盈亏 %+.2f USDT", realizedDelta))
	}
	msg := StructuredMessage{
		Icon:      "✅",
		Title:     fmt.Sprintf("订单成交：%s %s", trade.Pair, actionCN(trade.Side)),
		Sections:  []MessageSection{{Title: "成交", Lines: lines}},
		Footer:    "trade " + trade.TradeID,
		Timestamp: n.now(),
	}
	if err := n.Sender.SendStructured(msg); err != nil {
		logger.Warnf("Telegram 推送失败(fill): %v", err)
	}
}

// Alert 推送需要人工介入的运维告警。
func (n *TradeEvents) Alert(ctx context.Context, title, message string) {
	if n == nil || n.Sender == nil {
		return
	}
	msg := StructuredMessage{
		Icon:      "⚠️",
		Title:     title,
		Sections:  []MessageSection{{Title: "提醒", Lines: strings.Split(message, "\n")}},
		Timestamp: n.now(),
	}
	if err := n.Sender.SendStructured(msg); err != nil {
		logger.Warnf("Telegram 推送失败(alert): %v", err)
	}
}

func (n *TradeEvents) now() time.Time {
	if n.nowFn != nil {
		return n.nowFn().UTC()
	}
	return time.Now().UTC()
}

func actionCN(a decision.Action) string {
	switch a {
	case decision.ActionBuy:
		return "买入"
	case decision.ActionSell:
		return "卖出"
	default:
		return "观望"
	}
}
