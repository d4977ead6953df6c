package decision

import "math"

// 中文说明：
// 综合分到动作与温度的映射。分数轴约定：负 = 买入压力，正 = 卖出压力。

// 温度分级的下沿（含）。
const (
	hotEdge  = 0.30
	warmEdge = 0.15
	coolEdge = 0.05
)

// Resolve 把综合分映射为方向。score ≤ buyThreshold 买入，score ≥ sellThreshold 卖出，
// 其余 hold。两个阈值之间必须留有间隔，由配置校验保证。
func Resolve(score, buyThreshold, sellThreshold float64) Action {
	switch {
	case score <= buyThreshold:
		return ActionBuy
	case score >= sellThreshold:
		return ActionSell
	default:
		return ActionHold
	}
}

// Classify 按 |score| 分级：≥0.30 HOT，[0.15,0.30) WARM，[0.05,0.15) COOL，
// 其余 FROZEN。各档下沿均为闭区间。
func Classify(score float64) Temperature {
	abs := math.Abs(score)
	switch {
	case abs >= hotEdge:
		return TemperatureHot
	case abs >= warmEdge:
		return TemperatureWarm
	case abs >= coolEdge:
		return TemperatureCool
	default:
		return TemperatureFrozen
	}
}
