package model

import (
	"gorm.io/datatypes"
)

// 中文说明：
// 持久化行结构。时间一律存 Unix 毫秒整数列，可空时间用 *int64；
// 领域类型与行结构的互转在 gormstore 内完成，这里不 import 领域包。

// TradeModel 订单生命周期记录行，trade_uuid 全局唯一。
type TradeModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	TradeID       string         `gorm:"column:trade_uuid;uniqueIndex"`
	BotID         int64          `gorm:"column:bot_id;index"`
	Pair          string         `gorm:"column:pair;index"`
	Side          string         `gorm:"column:side"`
	Size          float64        `gorm:"column:size"`
	SizeUSD       float64        `gorm:"column:size_usd"`
	Price         float64        `gorm:"column:price"`
	OrderID       string         `gorm:"column:order_id;index"`
	Status        int            `gorm:"column:status;index"`
	FeeUSD        float64        `gorm:"column:fee_usd"`
	SignalScores  datatypes.JSON `gorm:"column:signal_scores;type:TEXT"`
	ErrorDetail   string         `gorm:"column:error_detail"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
	FilledAtUnix  *int64         `gorm:"column:filled_at"`
}

func (TradeModel) TableName() string { return "trades" }

// BotStateModel 每个 bot 的运行时状态行，bot_id 主键保证单行。
type BotStateModel struct {
	BotID            int64   `gorm:"column:bot_id;primaryKey"`
	Pair             string  `gorm:"column:pair;index"`
	PositionSize     float64 `gorm:"column:position_size"`
	CombinedScore    float64 `gorm:"column:combined_score"`
	ConfirmPhase     int     `gorm:"column:confirm_phase"`
	ConfirmAction    string  `gorm:"column:confirm_action"`
	ConfirmStartUnix *int64  `gorm:"column:confirmation_start"`
	UpdatedAtUnix    int64   `gorm:"column:updated_at"`
}

func (BotStateModel) TableName() string { return "bot_states" }

// LotModel FIFO 批次快照行。数量与单位成本存 decimal 字符串，避免浮点误差。
type LotModel struct {
	ID           int64  `gorm:"column:id;primaryKey"`
	Pair         string `gorm:"column:pair;index"`
	Seq          int64  `gorm:"column:seq"`
	Quantity     string `gorm:"column:quantity"`
	UnitCost     string `gorm:"column:unit_cost"`
	FillID       string `gorm:"column:fill_id"`
	PurchaseUnix int64  `gorm:"column:purchase_date"`
}

func (LotModel) TableName() string { return "lots" }

// FillModel 成交日志行，fill_uuid 唯一索引在数据库层兜底幂等。
// realized_delta 记录该笔成交带来的已实现盈亏增量，供日亏损上限统计。
type FillModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	FillID        string  `gorm:"column:fill_uuid;uniqueIndex"`
	OrderID       string  `gorm:"column:order_id;index"`
	Pair          string  `gorm:"column:pair;index"`
	Side          string  `gorm:"column:side"`
	Quantity      float64 `gorm:"column:quantity"`
	Price         float64 `gorm:"column:price"`
	Fee           float64 `gorm:"column:fee"`
	RealizedDelta float64 `gorm:"column:realized_delta"`
	FilledAtUnix  int64   `gorm:"column:filled_at;index"`
}

func (FillModel) TableName() string { return "fills" }
