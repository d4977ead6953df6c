package signal

import (
	"math"

	"marlin/internal/decision"
	"marlin/internal/market"

	talib "github.com/markcheno/go-talib"
)

// BollingerParams 控制布林带参数。
type BollingerParams struct {
	Period int     `mapstructure:"period" json:"period"`
	StdDev float64 `mapstructure:"std_dev" json:"std_dev"`
}

// BollingerCalculator 用 %B 重新居中：价格贴近上轨偏卖出、贴近下轨偏买入。
type BollingerCalculator struct {
	period int
	stdDev float64
}

// NewBollingerCalculator 构造实例并套默认参数。
func NewBollingerCalculator(p BollingerParams) *BollingerCalculator {
	if p.Period <= 0 {
		p.Period = 20
	}
	if p.StdDev <= 0 {
		p.StdDev = 2
	}
	return &BollingerCalculator{period: p.Period, stdDev: p.StdDev}
}

func (c *BollingerCalculator) Name() string { return "bollinger" }

func (c *BollingerCalculator) MinHistory() int { return c.period + 1 }

func (c *BollingerCalculator) Compute(candles []market.Candle) decision.SignalResult {
	if len(candles) < c.MinHistory() {
		return insufficientResult(c.Name(), c.MinHistory(), len(candles))
	}
	closes := market.Closes(candles)
	upper, middle, lower := talib.BBands(closes, c.period, c.stdDev, c.stdDev, talib.SMA)
	idx := len(closes) - 1
	if idx >= len(upper) || idx >= len(lower) {
		return insufficientResult(c.Name(), c.MinHistory(), len(candles))
	}
	price := closes[idx]
	width := upper[idx] - lower[idx]
	if width <= 0 {
		// 极端缩口时带宽为零，无法定位 %B。
		return decision.SignalResult{
			Name:   c.Name(),
			Action: decision.ActionHold,
			Metadata: map[string]any{
				"flat_band":    true,
				"status_label": "带宽收敛",
			},
		}
	}

	percentB := (price - lower[idx]) / width
	score := clampScore(2*percentB - 1)
	status := "带内震荡"
	if percentB >= 1 {
		status = "上轨突破"
	} else if percentB <= 0 {
		status = "下轨跌破"
	}

	return decision.SignalResult{
		Name:       c.Name(),
		Score:      score,
		Action:     actionForScore(score),
		Confidence: clamp01(math.Abs(score)),
		Metadata: map[string]any{
			"percent_b":    percentB,
			"upper_band":   upper[idx],
			"middle_band":  middle[idx],
			"lower_band":   lower[idx],
			"status_label": status,
			"period":       c.period,
			"std_dev":      c.stdDev,
		},
	}
}
