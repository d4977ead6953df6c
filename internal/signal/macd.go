package signal

import (
	"math"

	"marlin/internal/decision"
	"marlin/internal/market"

	talib "github.com/markcheno/go-talib"
)

// MACDParams 控制 MACD 指标参数。
type MACDParams struct {
	FastPeriod   int `mapstructure:"fast_period" json:"fast_period"`
	SlowPeriod   int `mapstructure:"slow_period" json:"slow_period"`
	SignalPeriod int `mapstructure:"signal_period" json:"signal_period"`
}

// MACDCalculator 用柱状值除以近期绝对峰值归一：柱为正（多头动能）偏买入。
type MACDCalculator struct {
	fast   int
	slow   int
	signal int
}

// NewMACDCalculator 构造实例并套默认参数。
func NewMACDCalculator(p MACDParams) *MACDCalculator {
	if p.FastPeriod <= 0 {
		p.FastPeriod = 12
	}
	if p.SlowPeriod <= 0 {
		p.SlowPeriod = 26
	}
	if p.SignalPeriod <= 0 {
		p.SignalPeriod = 9
	}
	return &MACDCalculator{fast: p.FastPeriod, slow: p.SlowPeriod, signal: p.SignalPeriod}
}

func (c *MACDCalculator) Name() string { return "macd" }

func (c *MACDCalculator) MinHistory() int { return c.slow + c.signal }

func (c *MACDCalculator) Compute(candles []market.Candle) decision.SignalResult {
	if len(candles) < c.MinHistory() {
		return insufficientResult(c.Name(), c.MinHistory(), len(candles))
	}
	macdLine, signalLine, hist := talib.Macd(market.Closes(candles), c.fast, c.slow, c.signal)
	histVal, err := lastValue(hist)
	if err != nil {
		return insufficientResult(c.Name(), c.MinHistory(), len(candles))
	}
	idx := len(hist) - 1

	// 以最近 slow 根柱的绝对峰值做尺度，避免绝对值随价格水平漂移。
	peak := 0.0
	start := idx - c.slow
	if start < 0 {
		start = 0
	}
	for _, v := range hist[start:] {
		if abs := math.Abs(v); abs > peak {
			peak = abs
		}
	}
	score := 0.0
	if peak > 0 {
		score = clampScore(-histVal / peak)
	}

	cross := ""
	if idx > 0 && hist[idx]*hist[idx-1] <= 0 && hist[idx] != hist[idx-1] {
		if histVal > 0 {
			cross = "金叉"
		} else {
			cross = "死叉"
		}
	}

	return decision.SignalResult{
		Name:       c.Name(),
		Score:      score,
		Action:     actionForScore(score),
		Confidence: clamp01(math.Abs(score)),
		Metadata: map[string]any{
			"macd_value":   macdLine[idx],
			"signal_value": signalLine[idx],
			"hist_value":   histVal,
			"crossover":    cross,
			"fast_period":  c.fast,
			"slow_period":  c.slow,
		},
	}
}
