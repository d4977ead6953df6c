package signal

import (
	"math"

	"marlin/internal/decision"
	"marlin/internal/market"

	talib "github.com/markcheno/go-talib"
)

// EMACrossParams 控制快慢均线参数。
type EMACrossParams struct {
	FastPeriod int `mapstructure:"fast_period" json:"fast_period"`
	SlowPeriod int `mapstructure:"slow_period" json:"slow_period"`
}

// 均线价差在 ±2% 处饱和到满分。
const emaSpreadScale = 0.02

// EMACrossCalculator 以快慢 EMA 的相对价差为信号：快线在上（多头排列）偏买入。
type EMACrossCalculator struct {
	fast int
	slow int
}

// NewEMACrossCalculator 构造实例并套默认参数。
func NewEMACrossCalculator(p EMACrossParams) *EMACrossCalculator {
	if p.FastPeriod <= 0 {
		p.FastPeriod = 9
	}
	if p.SlowPeriod <= 0 {
		p.SlowPeriod = 21
	}
	return &EMACrossCalculator{fast: p.FastPeriod, slow: p.SlowPeriod}
}

func (c *EMACrossCalculator) Name() string { return "ema_cross" }

func (c *EMACrossCalculator) MinHistory() int { return c.slow + 1 }

func (c *EMACrossCalculator) Compute(candles []market.Candle) decision.SignalResult {
	if len(candles) < c.MinHistory() {
		return insufficientResult(c.Name(), c.MinHistory(), len(candles))
	}
	closes := market.Closes(candles)
	fastSeries := talib.Ema(closes, c.fast)
	slowSeries := talib.Ema(closes, c.slow)
	fastVal, errF := lastValue(fastSeries)
	slowVal, errS := lastValue(slowSeries)
	if errF != nil || errS != nil || slowVal == 0 {
		return insufficientResult(c.Name(), c.MinHistory(), len(candles))
	}

	spread := (fastVal - slowVal) / slowVal
	score := clampScore(-spread / emaSpreadScale)
	status := "均线粘合"
	if score <= -indicatorDeadZone {
		status = "多头排列"
	} else if score >= indicatorDeadZone {
		status = "空头排列"
	}

	return decision.SignalResult{
		Name:       c.Name(),
		Score:      score,
		Action:     actionForScore(score),
		Confidence: clamp01(math.Abs(score)),
		Metadata: map[string]any{
			"fast_ema":     fastVal,
			"slow_ema":     slowVal,
			"spread_pct":   spread * 100,
			"status_label": status,
			"fast_period":  c.fast,
			"slow_period":  c.slow,
		},
	}
}
