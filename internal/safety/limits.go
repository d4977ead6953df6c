package safety

import (
	"fmt"
	"time"

	"marlin/internal/decision"
)

// 中文说明：
// Limits 汇总账户级安全上限。校验本身是纯函数，
// 计数类输入（当日交易数、当日已实现亏损）由调用方查库后传入。

const (
	DefaultMaxPositionUSD  = 1000.0
	DefaultMinPositionUSD  = 10.0
	DefaultMaxDailyTrades  = 10
	DefaultMaxDailyLossUSD = 500.0
)

// Limits 账户级安全上限，来自主配置 [safety] 段。
type Limits struct {
	MaxPositionUSD  float64 `toml:"max_position_usd" json:"max_position_usd"`
	MinPositionUSD  float64 `toml:"min_position_usd" json:"min_position_usd"`
	MaxDailyTrades  int     `toml:"max_daily_trades" json:"max_daily_trades"`
	MaxDailyLossUSD float64 `toml:"max_daily_loss_usd" json:"max_daily_loss_usd"`
}

// Normalize 填充缺省值并保证 min<=max。
func (l Limits) Normalize() Limits {
	if l.MaxPositionUSD <= 0 {
		l.MaxPositionUSD = DefaultMaxPositionUSD
	}
	if l.MinPositionUSD <= 0 {
		l.MinPositionUSD = DefaultMinPositionUSD
	}
	if l.MinPositionUSD > l.MaxPositionUSD {
		l.MinPositionUSD = l.MaxPositionUSD
	}
	if l.MaxDailyTrades <= 0 {
		l.MaxDailyTrades = DefaultMaxDailyTrades
	}
	if l.MaxDailyLossUSD <= 0 {
		l.MaxDailyLossUSD = DefaultMaxDailyLossUSD
	}
	return l
}

// CheckOrderSize 校验最终下单金额是否落在 [min, max] 区间内。
func (l Limits) CheckOrderSize(sizeUSD float64) *decision.Reject {
	if sizeUSD < l.MinPositionUSD {
		return decision.NewReject(decision.KindSafety, decision.ReasonSizeBelowMin,
			fmt.Sprintf("下单金额过小: %.2f < %.2f", sizeUSD, l.MinPositionUSD))
	}
	if sizeUSD > l.MaxPositionUSD {
		return decision.NewReject(decision.KindSafety, decision.ReasonSizeAboveMax,
			fmt.Sprintf("下单金额过大: %.2f > %.2f", sizeUSD, l.MaxPositionUSD))
	}
	return nil
}

// CheckDailyTrades 校验当日已成交+在途笔数是否触顶。
func (l Limits) CheckDailyTrades(count int) *decision.Reject {
	if count >= l.MaxDailyTrades {
		return decision.NewReject(decision.KindSafety, decision.ReasonDailyTradesExceeded,
			fmt.Sprintf("当日交易数已达上限: %d >= %d", count, l.MaxDailyTrades))
	}
	return nil
}

// CheckDailyLoss 校验当日已实现盈亏是否击穿亏损上限。realizedUSD 为当日累计值，亏损为负。
func (l Limits) CheckDailyLoss(realizedUSD float64) *decision.Reject {
	if realizedUSD <= -l.MaxDailyLossUSD {
		return decision.NewReject(decision.KindSafety, decision.ReasonDailyLossExceeded,
			fmt.Sprintf("当日亏损已达上限: %.2f <= -%.2f", realizedUSD, l.MaxDailyLossUSD))
	}
	return nil
}

// DayStart 返回 now 所在 UTC 日的零点，日级上限以此为窗口起点。
func DayStart(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
