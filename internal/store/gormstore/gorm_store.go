package gormstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"marlin/internal/decision"
	"marlin/internal/ledger"
	storemodel "marlin/internal/store/model"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// 中文说明：
// GormStore 负责 trades / bot_states / lots / fills 四张表的持久化。
// 领域类型进出，行结构只在本包内出现；所有写路径幂等或单调，
// 重启后由 fills 重放恢复 FIFO 账本。

type tradeModel = storemodel.TradeModel
type botStateModel = storemodel.BotStateModel
type lotModel = storemodel.LotModel
type fillModel = storemodel.FillModel

// GormStore implements trade, bot state and ledger persistence using Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore initializes a new GormStore instance.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 数据库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&tradeModel{},
		&botStateModel{},
		&lotModel{},
		&fillModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP reads
	// while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the underlying *sql.DB for shared connections.
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	return s.db.DB()
}

// --------------------- Trade Implementation -------------------------

func (s *GormStore) CreateTrade(ctx context.Context, t decision.Trade) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if strings.TrimSpace(t.TradeID) == "" {
		return fmt.Errorf("trade_id 必填")
	}
	if t.BotID <= 0 {
		return fmt.Errorf("bot_id 必填")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	model := newTradeModel(t)
	return s.db.WithContext(ctx).Create(&model).Error
}

// UpdateTradeOrder records the venue order id after the broker accepted the order.
func (s *GormStore) UpdateTradeOrder(ctx context.Context, tradeID, orderID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	tradeID = strings.TrimSpace(tradeID)
	if tradeID == "" {
		return fmt.Errorf("trade_id 必填")
	}
	res := s.db.WithContext(ctx).Model(&tradeModel{}).
		Where("trade_uuid = ?", tradeID).
		Updates(map[string]interface{}{
			"order_id": strings.TrimSpace(orderID),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkTradeCompleted transitions a pending trade to completed and stamps the fill.
// filledQty > 0 时回写实际成交数量（市价单成交量可能与请求量有出入）。
// 只允许从 pending 出发，终态行不会被二次改写。
func (s *GormStore) MarkTradeCompleted(ctx context.Context, tradeID string, filledQty, price, feeUSD float64, filledAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	tradeID = strings.TrimSpace(tradeID)
	if tradeID == "" {
		return fmt.Errorf("trade_id 必填")
	}
	if filledAt.IsZero() {
		filledAt = time.Now()
	}
	payload := map[string]interface{}{
		"status":    int(decision.TradeCompleted),
		"fee_usd":   feeUSD,
		"filled_at": filledAt.UnixMilli(),
	}
	if filledQty > 0 {
		payload["size"] = filledQty
	}
	if price > 0 {
		payload["price"] = price
	}
	res := s.db.WithContext(ctx).Model(&tradeModel{}).
		Where("trade_uuid = ? AND status = ?", tradeID, int(decision.TradePending)).
		Updates(payload)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkTradeFailed transitions a pending trade to failed with an error detail.
func (s *GormStore) MarkTradeFailed(ctx context.Context, tradeID, detail string) error {
	return s.finalizeTrade(ctx, tradeID, decision.TradeFailed, detail)
}

// MarkTradeCancelled transitions a pending trade to cancelled (e.g. fill deadline passed).
func (s *GormStore) MarkTradeCancelled(ctx context.Context, tradeID, detail string) error {
	return s.finalizeTrade(ctx, tradeID, decision.TradeCancelled, detail)
}

func (s *GormStore) finalizeTrade(ctx context.Context, tradeID string, status decision.TradeStatus, detail string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	tradeID = strings.TrimSpace(tradeID)
	if tradeID == "" {
		return fmt.Errorf("trade_id 必填")
	}
	if !status.Terminal() {
		return fmt.Errorf("状态 %s 不是终态", status)
	}
	res := s.db.WithContext(ctx).Model(&tradeModel{}).
		Where("trade_uuid = ? AND status = ?", tradeID, int(decision.TradePending)).
		Updates(map[string]interface{}{
			"status":       int(status),
			"error_detail": strings.TrimSpace(detail),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *GormStore) TradeByID(ctx context.Context, tradeID string) (decision.Trade, bool, error) {
	if s == nil || s.db == nil {
		return decision.Trade{}, false, fmt.Errorf("gorm store 未初始化")
	}
	var model tradeModel
	err := s.db.WithContext(ctx).Where("trade_uuid = ?", strings.TrimSpace(tradeID)).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decision.Trade{}, false, nil
		}
		return decision.Trade{}, false, err
	}
	return tradeModelToDomain(model), true, nil
}

// PendingTrade returns the bot's in-flight trade, if any.
func (s *GormStore) PendingTrade(ctx context.Context, botID int64) (decision.Trade, bool, error) {
	if s == nil || s.db == nil {
		return decision.Trade{}, false, fmt.Errorf("gorm store 未初始化")
	}
	var model tradeModel
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND status = ?", botID, int(decision.TradePending)).
		Order("created_at DESC, id DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decision.Trade{}, false, nil
		}
		return decision.Trade{}, false, err
	}
	return tradeModelToDomain(model), true, nil
}

// ListPendingTrades returns all in-flight trades, oldest first. 用于启动恢复与轮询对账。
func (s *GormStore) ListPendingTrades(ctx context.Context) ([]decision.Trade, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var models []tradeModel
	if err := s.db.WithContext(ctx).
		Where("status = ?", int(decision.TradePending)).
		Order("created_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]decision.Trade, 0, len(models))
	for _, m := range models {
		out = append(out, tradeModelToDomain(m))
	}
	return out, nil
}

// LastFilledTrade returns the most recently completed trade for the bot.
// 冷却窗口以这条记录的 filled_at 为基准。
func (s *GormStore) LastFilledTrade(ctx context.Context, botID int64) (decision.Trade, bool, error) {
	if s == nil || s.db == nil {
		return decision.Trade{}, false, fmt.Errorf("gorm store 未初始化")
	}
	var model tradeModel
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND status = ? AND filled_at IS NOT NULL", botID, int(decision.TradeCompleted)).
		Order("filled_at DESC, id DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decision.Trade{}, false, nil
		}
		return decision.Trade{}, false, err
	}
	return tradeModelToDomain(model), true, nil
}

// ListTrades returns recent trades, newest first. botID 为 0 时不过滤。
func (s *GormStore) ListTrades(ctx context.Context, botID int64, limit int) ([]decision.Trade, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&tradeModel{})
	if botID > 0 {
		query = query.Where("bot_id = ?", botID)
	}
	var models []tradeModel
	if err := query.
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]decision.Trade, 0, len(models))
	for _, m := range models {
		out = append(out, tradeModelToDomain(m))
	}
	return out, nil
}

// CompletedTrades returns the bot's filled trades in fill order.
// 给仓位重算用，不做分页：单 bot 受每日交易上限约束，行数有限。
func (s *GormStore) CompletedTrades(ctx context.Context, botID int64) ([]decision.Trade, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if botID <= 0 {
		return nil, fmt.Errorf("bot_id 必填")
	}
	var models []tradeModel
	if err := s.db.WithContext(ctx).
		Where("bot_id = ? AND status = ?", botID, int(decision.TradeCompleted)).
		Order("filled_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]decision.Trade, 0, len(models))
	for _, m := range models {
		out = append(out, tradeModelToDomain(m))
	}
	return out, nil
}

// CountActiveTradesSince counts pending and completed trades created after since.
// failed/cancelled 不计入每日交易上限。
func (s *GormStore) CountActiveTradesSince(ctx context.Context, botID int64, since time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store 未初始化")
	}
	statuses := []int{int(decision.TradePending), int(decision.TradeCompleted)}
	var total int64
	err := s.db.WithContext(ctx).Model(&tradeModel{}).
		Where("bot_id = ? AND status IN ? AND created_at >= ?", botID, statuses, since.UnixMilli()).
		Count(&total).Error
	if err != nil {
		return 0, err
	}
	return int(total), nil
}

// --------------------- Fill Journal Implementation -------------------------

// RecordFill appends a fill to the journal. fill_uuid 唯一索引保证重复投递不落第二行。
func (s *GormStore) RecordFill(ctx context.Context, fill ledger.Fill, realizedDelta float64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if strings.TrimSpace(fill.FillID) == "" {
		return fmt.Errorf("fill_id 必填")
	}
	if fill.FilledAt.IsZero() {
		fill.FilledAt = time.Now()
	}
	model := newFillModel(fill, realizedDelta)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fill_uuid"}},
			DoNothing: true,
		}).
		Create(&model).Error
}

// ListFills returns the whole journal in fill order, for ledger rehydration.
func (s *GormStore) ListFills(ctx context.Context) ([]ledger.Fill, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var models []fillModel
	if err := s.db.WithContext(ctx).
		Order("filled_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Fill, 0, len(models))
	for _, m := range models {
		out = append(out, fillModelToDomain(m))
	}
	return out, nil
}

// FillsSince returns journal rows at or after since, fill order, with realized deltas.
// 日报按它画当日已实现盈亏曲线。
func (s *GormStore) FillsSince(ctx context.Context, since time.Time) ([]ledger.JournaledFill, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var models []fillModel
	if err := s.db.WithContext(ctx).
		Where("filled_at >= ?", since.UnixMilli()).
		Order("filled_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.JournaledFill, 0, len(models))
	for _, m := range models {
		out = append(out, ledger.JournaledFill{Fill: fillModelToDomain(m), RealizedDelta: m.RealizedDelta})
	}
	return out, nil
}

// RealizedSince sums realized PnL deltas of fills at or after since.
// pair 为空时跨所有交易对统计。
func (s *GormStore) RealizedSince(ctx context.Context, pair string, since time.Time) (float64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store 未初始化")
	}
	query := s.db.WithContext(ctx).Model(&fillModel{}).
		Where("filled_at >= ?", since.UnixMilli())
	if p := strings.ToUpper(strings.TrimSpace(pair)); p != "" {
		query = query.Where("pair = ?", p)
	}
	var total sql.NullFloat64
	if err := query.Select("SUM(realized_delta)").Scan(&total).Error; err != nil {
		return 0, err
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Float64, nil
}

// --------------------- Lot Snapshot Implementation -------------------------

// ReplaceLots swaps the stored lot snapshot for a pair in a single transaction.
// 快照仅用于查询展示，权威状态始终来自 fills 重放。
func (s *GormStore) ReplaceLots(ctx context.Context, pair string, lots []ledger.Lot) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	p := strings.ToUpper(strings.TrimSpace(pair))
	if p == "" {
		return fmt.Errorf("pair 必填")
	}
	models := make([]lotModel, 0, len(lots))
	for _, lot := range lots {
		m := newLotModel(lot)
		m.Pair = p
		models = append(models, m)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("pair = ?", p).Delete(&lotModel{}).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		return tx.Create(&models).Error
	})
}

// ListLots returns the stored lot snapshot for a pair in FIFO order.
func (s *GormStore) ListLots(ctx context.Context, pair string) ([]ledger.Lot, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	query := s.db.WithContext(ctx).Model(&lotModel{})
	if p := strings.ToUpper(strings.TrimSpace(pair)); p != "" {
		query = query.Where("pair = ?", p)
	}
	var models []lotModel
	if err := query.Order("seq ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Lot, 0, len(models))
	for _, m := range models {
		out = append(out, lotModelToDomain(m))
	}
	return out, nil
}

// --------------------- Bot State Implementation -------------------------

// SaveBotState upserts the bot's runtime state row.
func (s *GormStore) SaveBotState(ctx context.Context, st decision.BotState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if st.BotID <= 0 {
		return fmt.Errorf("bot_id 必填")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	model := newBotStateModel(st)
	cols := []string{
		"pair", "position_size", "combined_score",
		"confirm_phase", "confirm_action", "confirmation_start", "updated_at",
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bot_id"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).
		Create(&model).Error
}

func (s *GormStore) GetBotState(ctx context.Context, botID int64) (decision.BotState, bool, error) {
	if s == nil || s.db == nil {
		return decision.BotState{}, false, fmt.Errorf("gorm store 未初始化")
	}
	var model botStateModel
	err := s.db.WithContext(ctx).Where("bot_id = ?", botID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decision.BotState{}, false, nil
		}
		return decision.BotState{}, false, err
	}
	return botStateModelToDomain(model), true, nil
}

func (s *GormStore) ListBotStates(ctx context.Context) ([]decision.BotState, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var models []botStateModel
	if err := s.db.WithContext(ctx).Order("bot_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]decision.BotState, 0, len(models))
	for _, m := range models {
		out = append(out, botStateModelToDomain(m))
	}
	return out, nil
}

// --------------------------- Model Helpers ------------------------------

func ensureDir(path string) error {
	dir := filepathDir(path)
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func filepathDir(path string) string {
	last := strings.LastIndex(path, "/")
	if last == -1 {
		last = strings.LastIndex(path, "\\")
	}
	if last == -1 {
		return ""
	}
	return path[:last]
}

func newTradeModel(t decision.Trade) tradeModel {
	m := tradeModel{
		TradeID:       strings.TrimSpace(t.TradeID),
		BotID:         t.BotID,
		Pair:          strings.ToUpper(strings.TrimSpace(t.Pair)),
		Side:          string(t.Side),
		Size:          t.Size,
		SizeUSD:       t.SizeUSD,
		Price:         t.Price,
		OrderID:       strings.TrimSpace(t.OrderID),
		Status:        int(t.Status),
		FeeUSD:        t.FeeUSD,
		ErrorDetail:   strings.TrimSpace(t.ErrorDetail),
		CreatedAtUnix: t.CreatedAt.UnixMilli(),
	}
	if len(t.SignalScores) > 0 {
		if raw, err := json.Marshal(t.SignalScores); err == nil {
			m.SignalScores = datatypes.JSON(raw)
		}
	}
	if t.FilledAt != nil && !t.FilledAt.IsZero() {
		ms := t.FilledAt.UnixMilli()
		m.FilledAtUnix = &ms
	}
	return m
}

func tradeModelToDomain(m tradeModel) decision.Trade {
	t := decision.Trade{
		TradeID:     m.TradeID,
		BotID:       m.BotID,
		Pair:        m.Pair,
		Side:        decision.Action(m.Side),
		Size:        m.Size,
		SizeUSD:     m.SizeUSD,
		Price:       m.Price,
		OrderID:     m.OrderID,
		Status:      decision.TradeStatus(m.Status),
		FeeUSD:      m.FeeUSD,
		ErrorDetail: m.ErrorDetail,
		CreatedAt:   millisToTime(m.CreatedAtUnix),
	}
	if m.FilledAtUnix != nil && *m.FilledAtUnix > 0 {
		ts := millisToTime(*m.FilledAtUnix)
		t.FilledAt = &ts
	}
	if len(m.SignalScores) > 0 {
		_ = json.Unmarshal(m.SignalScores, &t.SignalScores)
	}
	return t
}

func newFillModel(f ledger.Fill, realizedDelta float64) fillModel {
	return fillModel{
		FillID:        strings.TrimSpace(f.FillID),
		OrderID:       strings.TrimSpace(f.OrderID),
		Pair:          strings.ToUpper(strings.TrimSpace(f.Pair)),
		Side:          string(f.Side),
		Quantity:      f.Quantity,
		Price:         f.Price,
		Fee:           f.Fee,
		RealizedDelta: realizedDelta,
		FilledAtUnix:  f.FilledAt.UnixMilli(),
	}
}

func fillModelToDomain(m fillModel) ledger.Fill {
	return ledger.Fill{
		FillID:   m.FillID,
		OrderID:  m.OrderID,
		Pair:     m.Pair,
		Side:     decision.Action(m.Side),
		Quantity: m.Quantity,
		Price:    m.Price,
		Fee:      m.Fee,
		FilledAt: millisToTime(m.FilledAtUnix),
	}
}

func newLotModel(l ledger.Lot) lotModel {
	return lotModel{
		Pair:         strings.ToUpper(strings.TrimSpace(l.Pair)),
		Seq:          l.Seq,
		Quantity:     l.Quantity.String(),
		UnitCost:     l.UnitCost.String(),
		FillID:       strings.TrimSpace(l.FillID),
		PurchaseUnix: l.PurchaseDate.UnixMilli(),
	}
}

func lotModelToDomain(m lotModel) ledger.Lot {
	return ledger.Lot{
		Pair:         m.Pair,
		Seq:          m.Seq,
		Quantity:     decimalFromString(m.Quantity),
		UnitCost:     decimalFromString(m.UnitCost),
		FillID:       m.FillID,
		PurchaseDate: millisToTime(m.PurchaseUnix),
	}
}

func decimalFromString(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func newBotStateModel(st decision.BotState) botStateModel {
	m := botStateModel{
		BotID:         st.BotID,
		Pair:          strings.ToUpper(strings.TrimSpace(st.Pair)),
		PositionSize:  st.PositionSize,
		CombinedScore: st.CombinedScore,
		ConfirmPhase:  int(st.Confirmation.Phase),
		ConfirmAction: string(st.Confirmation.Action),
		UpdatedAtUnix: st.UpdatedAt.UnixMilli(),
	}
	if !st.Confirmation.StartedAt.IsZero() {
		ms := st.Confirmation.StartedAt.UnixMilli()
		m.ConfirmStartUnix = &ms
	}
	return m
}

func botStateModelToDomain(m botStateModel) decision.BotState {
	st := decision.BotState{
		BotID:         m.BotID,
		Pair:          m.Pair,
		PositionSize:  m.PositionSize,
		CombinedScore: m.CombinedScore,
		UpdatedAt:     millisToTime(m.UpdatedAtUnix),
	}
	st.Confirmation = decision.ConfirmationState{
		Phase:  decision.ConfirmationPhase(m.ConfirmPhase),
		Action: decision.Action(m.ConfirmAction),
	}
	if m.ConfirmStartUnix != nil && *m.ConfirmStartUnix > 0 {
		st.Confirmation.StartedAt = millisToTime(*m.ConfirmStartUnix)
	}
	return st
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
