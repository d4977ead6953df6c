package ledger

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// 中文说明：
// 单交易对的 FIFO 账本内核。全部金额用 decimal 计算，
// 浮点只出现在边界出入参上。内核不加锁，由 Ledger 统一串行化。

var decimalZero = decimal.Zero

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimalZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// Lot 一笔买入批次，卖出时从队首开始消耗。
type Lot struct {
	Pair         string          `json:"pair"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	FillID       string          `json:"fill_id"`
	PurchaseDate time.Time       `json:"purchase_date"`
	Seq          int64           `json:"seq"`
}

type book struct {
	pair     string
	lots     []Lot
	realized decimal.Decimal
	fees     decimal.Decimal
	nextSeq  int64
}

func newBook(pair string) *book {
	return &book{pair: pair, realized: decimalZero, fees: decimalZero, nextSeq: 1}
}

// applyBuy 入队新批次；手续费摊进单位成本。
func (b *book) applyBuy(qty, price, fee decimal.Decimal, fillID string, at time.Time) {
	unitCost := price
	if fee.IsPositive() && qty.IsPositive() {
		unitCost = price.Add(fee.Div(qty))
	}
	b.lots = append(b.lots, Lot{
		Pair:         b.pair,
		Quantity:     qty,
		UnitCost:     unitCost,
		FillID:       fillID,
		PurchaseDate: at,
		Seq:          b.nextSeq,
	})
	b.nextSeq++
	b.fees = b.fees.Add(fee)
}

// applySell 从队首逐批消耗；返回实际匹配到的数量。
// 卖出量超过持仓时只消耗到队列见底，仓位被钳在零。
func (b *book) applySell(qty, price, fee decimal.Decimal) (matched decimal.Decimal) {
	remaining := qty
	matched = decimalZero
	for remaining.IsPositive() && len(b.lots) > 0 {
		lot := &b.lots[0]
		consume := lot.Quantity
		if consume.GreaterThan(remaining) {
			consume = remaining
		}
		b.realized = b.realized.Add(consume.Mul(price.Sub(lot.UnitCost)))
		matched = matched.Add(consume)
		remaining = remaining.Sub(consume)

		lot.Quantity = lot.Quantity.Sub(consume)
		if lot.Quantity.IsZero() || lot.Quantity.IsNegative() {
			b.lots = b.lots[1:]
		}
	}
	b.realized = b.realized.Sub(fee)
	b.fees = b.fees.Add(fee)
	return matched
}

func (b *book) quantity() decimal.Decimal {
	total := decimalZero
	for _, lot := range b.lots {
		total = total.Add(lot.Quantity)
	}
	return total
}

// averageCost 剩余批次的加权平均成本；空仓返回零。
func (b *book) averageCost() decimal.Decimal {
	qty := b.quantity()
	if !qty.IsPositive() {
		return decimalZero
	}
	cost := decimalZero
	for _, lot := range b.lots {
		cost = cost.Add(lot.Quantity.Mul(lot.UnitCost))
	}
	return cost.Div(qty)
}

func (b *book) snapshotLots() []Lot {
	out := make([]Lot, len(b.lots))
	copy(out, b.lots)
	return out
}
