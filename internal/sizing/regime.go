package sizing

import (
	"marlin/internal/market"

	talib "github.com/markcheno/go-talib"
)

// 中文说明：
// 市场状态分类器：用 ADX 判趋势强度、ATR/价格判波动水平，
// 输出给仓位测算用的 Regime 描述。分类只读 K 线，不碰任何仓位状态。

// TrendState 趋势强度分档。
type TrendState string

const (
	TrendTrending TrendState = "trending"
	TrendRanging  TrendState = "ranging"
	TrendChoppy   TrendState = "choppy"
)

// VolLevel 波动水平分档。
type VolLevel string

const (
	VolLow    VolLevel = "low"
	VolNormal VolLevel = "normal"
	VolHigh   VolLevel = "high"
)

// Regime 描述当前市场状态。Insufficient 为真时各字段为中性缺省值。
type Regime struct {
	Trend        TrendState `json:"trend"`
	Volatility   VolLevel   `json:"volatility"`
	ADX          float64    `json:"adx"`
	ATRRatio     float64    `json:"atr_ratio"`
	Insufficient bool       `json:"insufficient,omitempty"`
}

func (r Regime) String() string {
	return string(r.Trend) + "/" + string(r.Volatility) + "_vol"
}

// NeutralRegime 历史不足时的保守缺省：按震荡市+正常波动处理。
func NeutralRegime() Regime {
	return Regime{Trend: TrendRanging, Volatility: VolNormal, Insufficient: true}
}

// ADX 阈值：≥25 视为趋势市，≤20 视为震荡市，中间带用 DI 价差细分。
const (
	adxPeriod      = 14
	adxTrending    = 25.0
	adxRanging     = 20.0
	diSpreadStrong = 10.0

	atrLowRatio  = 0.01
	atrHighRatio = 0.03
)

// RegimeMinHistory ADX 需要约两个周期的暖机数据。
const RegimeMinHistory = adxPeriod*2 + 1

// ClassifyRegime 从 K 线计算市场状态。历史不足时返回 NeutralRegime。
func ClassifyRegime(candles []market.Candle) Regime {
	if len(candles) < RegimeMinHistory {
		return NeutralRegime()
	}
	highs := market.Highs(candles)
	lows := market.Lows(candles)
	closes := market.Closes(candles)

	adxSeries := talib.Adx(highs, lows, closes, adxPeriod)
	atrSeries := talib.Atr(highs, lows, closes, adxPeriod)
	idx := len(closes) - 1
	if idx >= len(adxSeries) || idx >= len(atrSeries) || closes[idx] <= 0 {
		return NeutralRegime()
	}
	adx := adxSeries[idx]
	atrRatio := atrSeries[idx] / closes[idx]

	trend := TrendChoppy
	switch {
	case adx >= adxTrending:
		trend = TrendTrending
	case adx <= adxRanging:
		trend = TrendRanging
	default:
		// 过渡带看多空 DI 的张口程度。
		plus := talib.PlusDI(highs, lows, closes, adxPeriod)
		minus := talib.MinusDI(highs, lows, closes, adxPeriod)
		spread := plus[idx] - minus[idx]
		if spread < 0 {
			spread = -spread
		}
		if spread >= diSpreadStrong {
			trend = TrendTrending
		}
	}

	vol := VolNormal
	switch {
	case atrRatio < atrLowRatio:
		vol = VolLow
	case atrRatio > atrHighRatio:
		vol = VolHigh
	}

	return Regime{Trend: trend, Volatility: vol, ADX: adx, ATRRatio: atrRatio}
}
