package decision

import "time"

// 中文说明：
// Trade 是订单生命周期记录：提交时以 pending 落库，
// 之后恰好迁移一次到终态（completed/failed/cancelled）。
// 不变量：任一 bot 同时最多一条 pending。

// TradeStatus 订单状态。
type TradeStatus int

const (
	TradePending TradeStatus = iota
	TradeCompleted
	TradeFailed
	TradeCancelled
)

func (s TradeStatus) String() string {
	switch s {
	case TradePending:
		return "pending"
	case TradeCompleted:
		return "completed"
	case TradeFailed:
		return "failed"
	case TradeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal 是否为终态。
func (s TradeStatus) Terminal() bool {
	return s == TradeCompleted || s == TradeFailed || s == TradeCancelled
}

// ParseTradeStatus 解析状态名，未知值返回 -1。
func ParseTradeStatus(raw string) TradeStatus {
	switch raw {
	case "pending":
		return TradePending
	case "completed":
		return TradeCompleted
	case "failed":
		return TradeFailed
	case "cancelled":
		return TradeCancelled
	default:
		return TradeStatus(-1)
	}
}

// Trade 一笔订单的完整记录。FilledAt 只在确认成交时填写，
// 冷却窗口必须从 FilledAt 起算，绝不能用 CreatedAt。
type Trade struct {
	TradeID      string         `json:"trade_id"`
	BotID        int64          `json:"bot_id"`
	Pair         string         `json:"pair"`
	Side         Action         `json:"side"`
	Size         float64        `json:"size"`
	SizeUSD      float64        `json:"size_usd"`
	Price        float64        `json:"price"`
	OrderID      string         `json:"order_id,omitempty"`
	Status       TradeStatus    `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	FilledAt     *time.Time     `json:"filled_at,omitempty"`
	FeeUSD       float64        `json:"fee_usd"`
	SignalScores []SignalResult `json:"signal_scores,omitempty"`
	ErrorDetail  string         `json:"error_detail,omitempty"`
}

// BotState 评估循环独占的运行时状态，只允许在 bot 锁内修改。
type BotState struct {
	BotID         int64             `json:"bot_id"`
	Pair          string            `json:"pair"`
	PositionSize  float64           `json:"position_size"`
	CombinedScore float64           `json:"combined_score"`
	Confirmation  ConfirmationState `json:"confirmation"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
