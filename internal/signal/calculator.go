package signal

import (
	"fmt"
	"math"

	"marlin/internal/decision"
	"marlin/internal/market"
)

// 中文说明：
// 指标计算器把 K 线序列转成统一的 SignalResult。
// 分数轴约定：负值 = 买入压力，正值 = 卖出压力，范围 [-1,1]。
// 历史不足时返回 hold + insufficient_data 标记，绝不报错中断评估。

// Calculator 单个技术指标的计算接口。
type Calculator interface {
	Name() string
	// MinHistory 返回产出有效信号所需的最少已收盘 K 线数。
	MinHistory() int
	Compute(candles []market.Candle) decision.SignalResult
}

// 单指标动作判定的死区：|score| < 0.05 视为无方向。
const indicatorDeadZone = 0.05

func actionForScore(score float64) decision.Action {
	return decision.Resolve(score, -indicatorDeadZone, indicatorDeadZone)
}

func clampScore(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// insufficientResult 统一表示历史不足的退化输出。
func insufficientResult(name string, need, got int) decision.SignalResult {
	return decision.SignalResult{
		Name:   name,
		Score:  0,
		Action: decision.ActionHold,
		Metadata: map[string]any{
			"insufficient_data": true,
			"required_candles":  need,
			"available_candles": got,
			"status_label":      "数据不足",
		},
	}
}

func lastValue(series []float64) (float64, error) {
	if len(series) == 0 {
		return 0, fmt.Errorf("talib 输出为空")
	}
	last := series[len(series)-1]
	// 平盘等退化输入会让 talib 算出 NaN，按历史不足处理，不让 NaN 渗进结果。
	if math.IsNaN(last) || math.IsInf(last, 0) {
		return 0, fmt.Errorf("talib 输出非有限值: %v", last)
	}
	return last, nil
}
