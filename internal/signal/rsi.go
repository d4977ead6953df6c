package signal

import (
	"math"

	"marlin/internal/decision"
	"marlin/internal/market"

	talib "github.com/markcheno/go-talib"
)

// RSIParams 控制 RSI 指标参数。
type RSIParams struct {
	Period     int     `mapstructure:"period" json:"period"`
	Overbought float64 `mapstructure:"overbought" json:"overbought"`
	Oversold   float64 `mapstructure:"oversold" json:"oversold"`
}

// RSICalculator 按 (rsi-50)/50 输出归一分数：超买偏卖出、超卖偏买入。
type RSICalculator struct {
	period     int
	overbought float64
	oversold   float64
}

// NewRSICalculator 构造实例并套默认参数。
func NewRSICalculator(p RSIParams) *RSICalculator {
	if p.Period <= 0 {
		p.Period = 14
	}
	if p.Overbought <= 0 {
		p.Overbought = 70
	}
	if p.Oversold <= 0 {
		p.Oversold = 30
	}
	return &RSICalculator{period: p.Period, overbought: p.Overbought, oversold: p.Oversold}
}

func (c *RSICalculator) Name() string { return "rsi" }

func (c *RSICalculator) MinHistory() int { return c.period + 1 }

func (c *RSICalculator) Compute(candles []market.Candle) decision.SignalResult {
	if len(candles) < c.MinHistory() {
		return insufficientResult(c.Name(), c.MinHistory(), len(candles))
	}
	series := talib.Rsi(market.Closes(candles), c.period)
	val, err := lastValue(series)
	if err != nil {
		return insufficientResult(c.Name(), c.MinHistory(), len(candles))
	}

	score := clampScore((val - 50) / 50)
	status := "震荡"
	// 带内置信度随偏离中轴增长，突破超买/超卖带后进一步抬升。
	conf := math.Abs(val-50) / 50 * 0.6
	switch {
	case val >= c.overbought:
		status = "超买"
		conf = 0.6 + 0.4*clamp01((val-c.overbought)/(100-c.overbought))
	case val <= c.oversold:
		status = "超卖"
		conf = 0.6 + 0.4*clamp01((c.oversold-val)/c.oversold)
	}

	return decision.SignalResult{
		Name:       c.Name(),
		Score:      score,
		Action:     actionForScore(score),
		Confidence: clamp01(conf),
		Metadata: map[string]any{
			"rsi_value":    val,
			"period":       c.period,
			"overbought":   c.overbought,
			"oversold":     c.oversold,
			"status_label": status,
		},
	}
}
