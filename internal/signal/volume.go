package signal

import (
	"marlin/internal/decision"
	"marlin/internal/market"

	talib "github.com/markcheno/go-talib"
)

// VolumeParams 控制放量检测参数。
type VolumeParams struct {
	Period     int     `mapstructure:"period" json:"period"`
	SurgeRatio float64 `mapstructure:"surge_ratio" json:"surge_ratio"`
}

// VolumeCalculator 检测相对基线的放量，方向取自当根 K 线的涨跌：
// 放量阳线偏买入，放量阴线偏卖出，未达放量阈值视为无信号。
type VolumeCalculator struct {
	period     int
	surgeRatio float64
}

// NewVolumeCalculator 构造实例并套默认参数。
func NewVolumeCalculator(p VolumeParams) *VolumeCalculator {
	if p.Period <= 0 {
		p.Period = 20
	}
	if p.SurgeRatio <= 1 {
		p.SurgeRatio = 2
	}
	return &VolumeCalculator{period: p.Period, surgeRatio: p.SurgeRatio}
}

func (c *VolumeCalculator) Name() string { return "volume" }

func (c *VolumeCalculator) MinHistory() int { return c.period + 1 }

func (c *VolumeCalculator) Compute(candles []market.Candle) decision.SignalResult {
	if len(candles) < c.MinHistory() {
		return insufficientResult(c.Name(), c.MinHistory(), len(candles))
	}
	vols := market.Volumes(candles)
	sma := talib.Sma(vols, c.period)
	// 基线取上一根的均量窗口，不让当前放量抬高自身基线。
	baseIdx := len(sma) - 2
	if baseIdx < 0 || sma[baseIdx] <= 0 {
		return insufficientResult(c.Name(), c.MinHistory(), len(candles))
	}
	baseline := sma[baseIdx]
	current := vols[len(vols)-1]
	ratio := current / baseline

	meta := map[string]any{
		"volume_ratio": ratio,
		"baseline":     baseline,
		"current":      current,
		"period":       c.period,
		"surge_ratio":  c.surgeRatio,
	}
	if ratio < c.surgeRatio {
		meta["status_label"] = "量能平稳"
		return decision.SignalResult{Name: c.Name(), Action: decision.ActionHold, Metadata: meta}
	}

	last := candles[len(candles)-1]
	// 放两倍于阈值时强度打满。
	magnitude := clamp01(ratio/c.surgeRatio - 1)
	score := 0.0
	switch {
	case last.Close > last.Open:
		score = -magnitude
		meta["status_label"] = "放量上攻"
	case last.Close < last.Open:
		score = magnitude
		meta["status_label"] = "放量下杀"
	default:
		meta["status_label"] = "放量十字星"
	}

	return decision.SignalResult{
		Name:       c.Name(),
		Score:      score,
		Action:     actionForScore(score),
		Confidence: magnitude,
		Metadata:   meta,
	}
}
