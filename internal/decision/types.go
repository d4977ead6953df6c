package decision

import (
	"time"
)

// 中文说明：
// 本文件定义信号决策管线的通用数据结构，供聚合器、执行器与引擎共享。

// Action 是单次评估得出的方向。
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

func (a Action) IsHold() bool {
	return a == "" || a == ActionHold
}

// Side 转换为下单方向；hold 返回空。
func (a Action) Side() string {
	switch a {
	case ActionBuy:
		return "buy"
	case ActionSell:
		return "sell"
	default:
		return ""
	}
}

// Temperature 按 |score| 强度分级，与方向无关。
type Temperature string

const (
	TemperatureHot    Temperature = "HOT"
	TemperatureWarm   Temperature = "WARM"
	TemperatureCool   Temperature = "COOL"
	TemperatureFrozen Temperature = "FROZEN"
)

// Rank 返回温度的序数，便于与 min_temperature 比较。
func (t Temperature) Rank() int {
	switch t {
	case TemperatureHot:
		return 3
	case TemperatureWarm:
		return 2
	case TemperatureCool:
		return 1
	default:
		return 0
	}
}

// AtLeast 判断当前温度是否达到 min 要求。
func (t Temperature) AtLeast(min Temperature) bool {
	return t.Rank() >= min.Rank()
}

// ParseTemperature 宽松解析配置中的温度名，未知值回落为 FROZEN。
func ParseTemperature(raw string) Temperature {
	switch raw {
	case "HOT", "hot":
		return TemperatureHot
	case "WARM", "warm":
		return TemperatureWarm
	case "COOL", "cool":
		return TemperatureCool
	default:
		return TemperatureFrozen
	}
}

// SignalResult 单个指标的输出。score ∈ [-1,1]：正值偏卖出、负值偏买入。
type SignalResult struct {
	Name       string         `json:"name"`
	Score      float64        `json:"score"`
	Action     Action         `json:"action"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// InsufficientData 标记该指标因历史不足而退化为 hold。
func (s SignalResult) InsufficientData() bool {
	if s.Metadata == nil {
		return false
	}
	flag, _ := s.Metadata["insufficient_data"].(bool)
	return flag
}

// ConfirmationSnapshot 是确认状态机对外暴露的只读视图。
type ConfirmationSnapshot struct {
	IsConfirmed       bool       `json:"is_confirmed"`
	NeedsConfirmation bool       `json:"needs_confirmation"`
	Progress          float64    `json:"progress"`
	Action            Action     `json:"action,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
}

// SizingSnapshot 记录一次仓位测算的输入输出，便于复盘。
type SizingSnapshot struct {
	BaseUSD    float64 `json:"base_usd"`
	Multiplier float64 `json:"multiplier"`
	Regime     string  `json:"regime"`
	FinalUSD   float64 `json:"final_usd"`
}

// ExecutionResult 是 execute_trade 的结构化返回。
// Success=false 时 Kind/Reason 标识拒绝或失败类别，调用方据此决定是否重试。
type ExecutionResult struct {
	Success bool   `json:"success"`
	TradeID string `json:"trade_id,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
	Err     error  `json:"-"`
}

// EvaluationResult 单次评估的完整产物，按周期追加写入历史。
type EvaluationResult struct {
	TraceID      string               `json:"trace_id"`
	BotID        int64                `json:"bot_id"`
	Pair         string               `json:"pair"`
	OverallScore float64              `json:"overall_score"`
	Action       Action               `json:"action"`
	Confidence   float64              `json:"confidence"`
	Temperature  Temperature          `json:"temperature"`
	Signals      []SignalResult       `json:"signals,omitempty"`
	Confirmation ConfirmationSnapshot `json:"confirmation"`
	Sizing       *SizingSnapshot      `json:"sizing,omitempty"`
	Execution    *ExecutionResult     `json:"execution,omitempty"`
	Error        *Reject              `json:"error,omitempty"`
	EvaluatedAt  time.Time            `json:"evaluated_at"`
}
