package sizing

import (
	"marlin/internal/decision"
)

// 中文说明：
// 仓位测算是纯函数：基础仓位 × 状态倍数，先夹在倍数带内，
// 再夹在安全策略的单笔金额上下限内。相同输入必得相同输出。

// 状态倍数表使用的常量。
const (
	DefaultMinMultiplier = 0.2
	DefaultMaxMultiplier = 3.0

	trendingMult       = 1.5
	trendingStrongMult = 2.0
	choppyMult         = 0.7
	highVolFactor      = 0.6
	lowVolFactor       = 1.1
	lowConfidenceCut   = 0.5

	strongConfidence = 0.7
	weakConfidence   = 0.4
)

// Sizer 持有倍数带配置，本身无状态。
type Sizer struct {
	minMult float64
	maxMult float64
}

// NewSizer 构造仓位测算器，非法倍数带回落到缺省 [0.2, 3.0]。
func NewSizer(minMult, maxMult float64) *Sizer {
	if minMult <= 0 || maxMult <= 0 || minMult > maxMult {
		minMult, maxMult = DefaultMinMultiplier, DefaultMaxMultiplier
	}
	return &Sizer{minMult: minMult, maxMult: maxMult}
}

// Size 计算最终下单金额：
// final = clampOrder(base × clampMult(multiplier(regime, confidence)))。
func (s *Sizer) Size(baseUSD, confidence float64, regime Regime, minOrderUSD, maxOrderUSD float64) decision.SizingSnapshot {
	mult := multiplierFor(regime, confidence)
	if mult < s.minMult {
		mult = s.minMult
	}
	if mult > s.maxMult {
		mult = s.maxMult
	}

	final := baseUSD * mult
	if minOrderUSD > 0 && final < minOrderUSD {
		final = minOrderUSD
	}
	if maxOrderUSD > 0 && final > maxOrderUSD {
		final = maxOrderUSD
	}

	return decision.SizingSnapshot{
		BaseUSD:    baseUSD,
		Multiplier: mult,
		Regime:     regime.String(),
		FinalUSD:   final,
	}
}

// multiplierFor 按状态查表：强趋势加仓、震荡中性、杂波减仓；
// 高波动整体降档，叠加低置信度再砍半。
func multiplierFor(regime Regime, confidence float64) float64 {
	m := 1.0
	switch regime.Trend {
	case TrendTrending:
		m = trendingMult
		if confidence >= strongConfidence {
			m = trendingStrongMult
		}
	case TrendChoppy:
		m = choppyMult
	}

	switch regime.Volatility {
	case VolHigh:
		m *= highVolFactor
		if confidence < weakConfidence {
			m *= lowConfidenceCut
		}
	case VolLow:
		m *= lowVolFactor
	}
	return m
}
