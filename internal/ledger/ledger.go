package ledger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"marlin/internal/decision"
	"marlin/internal/logger"
)

// 中文说明：
// PositionLedger：按交易对维护 FIFO 批次账本，产出已实现/未实现盈亏。
// 成交按 fill_id 幂等去重，重复投喂返回首次记账的结果，不报错；
// 下游靠这个性质安全重试落库。

var log = logger.WithScope("ledger")

// Fill 一笔确认成交。FillID 是幂等键。
type Fill struct {
	FillID   string          `json:"fill_id"`
	OrderID  string          `json:"order_id,omitempty"`
	Pair     string          `json:"pair"`
	Side     decision.Action `json:"side"`
	Quantity float64         `json:"quantity"`
	Price    float64         `json:"price"`
	Fee      float64         `json:"fee"`
	FilledAt time.Time       `json:"filled_at"`
}

// JournaledFill 成交日志行：成交本身加上当时结转的已实现盈亏。
// 日报等统计面读它，避免重放整本账。
type JournaledFill struct {
	Fill
	RealizedDelta float64 `json:"realized_delta"`
}

// PositionSummary 对外汇总视图。
type PositionSummary struct {
	Pair             string  `json:"pair"`
	CurrentQuantity  float64 `json:"current_quantity"`
	AverageCostBasis float64 `json:"average_cost_basis"`
	RealizedPnL      float64 `json:"realized_pnl"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	TotalFees        float64 `json:"total_fees"`
}

// Ledger 多交易对账本，线程安全。
type Ledger struct {
	mu    sync.RWMutex
	books map[string]*book
	seen  map[string]ApplyResult
}

// NewLedger 构造空账本。
func NewLedger() *Ledger {
	return &Ledger{
		books: make(map[string]*book),
		seen:  make(map[string]ApplyResult),
	}
}

// ApplyResult 一次记账的结果。RealizedDelta 是本笔带来的已实现盈亏变化
// （卖出手续费已扣除），买入恒为 0。
type ApplyResult struct {
	Applied       bool    `json:"applied"`
	RealizedDelta float64 `json:"realized_delta"`
	MatchedQty    float64 `json:"matched_qty"`
}

// Apply 记账一笔成交。重复 fill_id 返回 Applied=false 加上首次记账的
// RealizedDelta/MatchedQty，且无错误；非法成交返回 validation_error，不改动账本。
func (l *Ledger) Apply(fill Fill) (ApplyResult, error) {
	if err := validateFill(fill); err != nil {
		return ApplyResult{}, err
	}
	pair := normalizePair(fill.Pair)

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, dup := l.seen[fill.FillID]; dup {
		log.Debugf("重复成交已忽略 fill_id=%s pair=%s", fill.FillID, pair)
		prev.Applied = false
		return prev, nil
	}

	b, ok := l.books[pair]
	if !ok {
		b = newBook(pair)
		l.books[pair] = b
	}

	qty := decFromFloat(fill.Quantity)
	price := decFromFloat(fill.Price)
	fee := decFromFloat(fill.Fee)

	res := ApplyResult{Applied: true}
	switch fill.Side {
	case decision.ActionBuy:
		b.applyBuy(qty, price, fee, fill.FillID, fill.FilledAt)
		res.MatchedQty = decToFloat(qty)
	case decision.ActionSell:
		before := b.realized
		matched := b.applySell(qty, price, fee)
		res.RealizedDelta = decToFloat(b.realized.Sub(before))
		res.MatchedQty = decToFloat(matched)
		if matched.LessThan(qty) {
			log.Warnf("卖出超过持仓，仓位钳到零 pair=%s 卖出=%s 匹配=%s fill_id=%s",
				pair, qty.String(), matched.String(), fill.FillID)
		}
	}
	l.seen[fill.FillID] = res
	return res, nil
}

// Summary 汇总指定交易对。currentPrice 用于未实现盈亏；传 0 则未实现为 0。
func (l *Ledger) Summary(pair string, currentPrice float64) PositionSummary {
	pair = normalizePair(pair)

	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.books[pair]
	if !ok {
		return PositionSummary{Pair: pair}
	}
	qty := b.quantity()
	avg := b.averageCost()

	unrealized := decimalZero
	if qty.IsPositive() && currentPrice > 0 {
		unrealized = qty.Mul(decFromFloat(currentPrice).Sub(avg))
	}
	return PositionSummary{
		Pair:             pair,
		CurrentQuantity:  decToFloat(qty),
		AverageCostBasis: decToFloat(avg),
		RealizedPnL:      decToFloat(b.realized),
		UnrealizedPnL:    decToFloat(unrealized),
		TotalFees:        decToFloat(b.fees),
	}
}

// Quantity 返回当前持仓数量，空仓为 0。
func (l *Ledger) Quantity(pair string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.books[normalizePair(pair)]; ok {
		return decToFloat(b.quantity())
	}
	return 0
}

// Lots 返回指定交易对的批次快照，队首在前。
func (l *Ledger) Lots(pair string) []Lot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.books[normalizePair(pair)]; ok {
		return b.snapshotLots()
	}
	return nil
}

// Pairs 返回有记账记录的交易对列表，按字典序。
func (l *Ledger) Pairs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.books))
	for pair := range l.books {
		out = append(out, pair)
	}
	sort.Strings(out)
	return out
}

// Rehydrate 启动时按 filled_at 顺序重放成交日志重建账本。
// 重放经过与实时记账完全相同的路径，天然继承幂等去重。
func (l *Ledger) Rehydrate(fills []Fill) error {
	ordered := make([]Fill, len(fills))
	copy(ordered, fills)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].FilledAt.Before(ordered[j].FilledAt)
	})
	for _, fill := range ordered {
		if _, err := l.Apply(fill); err != nil {
			return fmt.Errorf("重放成交失败 fill_id=%s: %w", fill.FillID, err)
		}
	}
	log.Infof("账本重建完成，成交 %d 笔，交易对 %d 个", len(ordered), len(l.Pairs()))
	return nil
}

func validateFill(fill Fill) error {
	switch {
	case strings.TrimSpace(fill.FillID) == "":
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest, "fill_id 不能为空")
	case strings.TrimSpace(fill.Pair) == "":
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest, "pair 不能为空")
	case fill.Side != decision.ActionBuy && fill.Side != decision.ActionSell:
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest,
			fmt.Sprintf("side 必须是 buy/sell，当前 %q", fill.Side))
	case fill.Quantity <= 0:
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest,
			fmt.Sprintf("quantity 必须为正，当前 %v", fill.Quantity))
	case fill.Price <= 0:
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest,
			fmt.Sprintf("price 必须为正，当前 %v", fill.Price))
	case fill.Fee < 0:
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest,
			fmt.Sprintf("fee 不能为负，当前 %v", fill.Fee))
	}
	return nil
}

func normalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}
