package signal

import (
	"fmt"

	"marlin/internal/decision"
	"marlin/internal/market"
)

// Weighted 把计算器与权重绑定。权重无需归一，聚合时按权重和归一化。
type Weighted struct {
	Name       string
	Weight     float64
	Calculator Calculator
}

// Aggregator 把一组加权指标合成综合分与置信度。
type Aggregator struct {
	indicators []Weighted
}

// NewAggregator 在加载期构造聚合器：逐条 Build 并拒绝非法配置；
// 没有任何启用的指标同样视为配置错误。
func NewAggregator(configs []IndicatorConfig) (*Aggregator, error) {
	indicators := make([]Weighted, 0, len(configs))
	for i, cfg := range configs {
		if !cfg.IsEnabled() {
			continue
		}
		calc, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("indicators[%d]: %w", i, err)
		}
		name := cfg.Name
		if name == "" {
			name = calc.Name()
		}
		indicators = append(indicators, Weighted{Name: name, Weight: cfg.Weight, Calculator: calc})
	}
	if len(indicators) == 0 {
		return nil, decision.NewReject(decision.KindValidation, decision.ReasonConfigInvalid,
			"没有启用任何指标")
	}
	return &Aggregator{indicators: indicators}, nil
}

// Indicators 返回启用的指标数。
func (a *Aggregator) Indicators() int { return len(a.indicators) }

// MinHistory 返回所有启用指标中的最大历史需求，供取数端决定拉多少根 K 线。
func (a *Aggregator) MinHistory() int {
	max := 0
	for _, ind := range a.indicators {
		if need := ind.Calculator.MinHistory(); need > max {
			max = need
		}
	}
	return max
}

// Aggregate 计算 overall_score = Σ(sᵢwᵢ)/Σwᵢ 与同口径的加权置信度。
// 历史不足的指标以 score=0 参与，既不报错也不剔除权重。
func (a *Aggregator) Aggregate(candles []market.Candle) (score, confidence float64, results []decision.SignalResult) {
	results = make([]decision.SignalResult, 0, len(a.indicators))
	var weightSum, scoreSum, confSum float64
	for _, ind := range a.indicators {
		res := ind.Calculator.Compute(candles)
		res.Name = ind.Name
		results = append(results, res)
		weightSum += ind.Weight
		scoreSum += res.Score * ind.Weight
		confSum += res.Confidence * ind.Weight
	}
	if weightSum <= 0 {
		return 0, 0, results
	}
	return scoreSum / weightSum, confSum / weightSum, results
}
