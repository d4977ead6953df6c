// 中文说明：
// Engine 是决策与执行的编排层：拉取行情 → 聚合信号 → 推进确认状态机 →
// 测算仓位 → 交给执行器下单，每一轮的完整产物追加写入评估历史。
// 确认状态机的推进在 bot 锁内提交；执行器的临界区由它自己重新抢锁，
// 引擎在调用 Execute 前一定已经释放锁。
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"marlin/internal/botcfg"
	"marlin/internal/decision"
	"marlin/internal/executor"
	"marlin/internal/gateway/exchange"
	"marlin/internal/ledger"
	"marlin/internal/logger"
	"marlin/internal/market"
	"marlin/internal/safety"
	"marlin/internal/sizing"
)

var log = logger.WithScope("engine")

// 缺省参数。
const (
	// DefaultHistoryPad 在指标最小历史之上多取的 K 线数，给 regime 分类留余量。
	DefaultHistoryPad = 50
	// DefaultEvalParallel 单轮评估的最大并发 bot 数。
	DefaultEvalParallel = 4
	// DefaultLockTimeout 确认提交与成交回填抢 bot 锁的等待上限。
	DefaultLockTimeout = 3 * time.Second

	maxHistoryLimit = 1000
)

// Store 是引擎需要的持久化能力子集。执行路径的子集由 executor.Store 单独声明。
type Store interface {
	GetBotState(ctx context.Context, botID int64) (decision.BotState, bool, error)
	SaveBotState(ctx context.Context, st decision.BotState) error
	RecordFill(ctx context.Context, fill ledger.Fill, realizedDelta float64) error
	ReplaceLots(ctx context.Context, pair string, lots []ledger.Lot) error
	ListFills(ctx context.Context) ([]ledger.Fill, error)
	CompletedTrades(ctx context.Context, botID int64) ([]decision.Trade, error)
	TradeByID(ctx context.Context, tradeID string) (decision.Trade, bool, error)
	MarkTradeCancelled(ctx context.Context, tradeID, detail string) error
}

// History 评估历史的追加写入端。
type History interface {
	Insert(ctx context.Context, rec decision.EvaluationResult) (int64, error)
}

// Notifier 接收引擎侧的业务事件。实现必须自己消化失败，不得反向阻塞评估循环。
type Notifier interface {
	TradeExecuted(ctx context.Context, rec decision.EvaluationResult)
	TradeFilled(ctx context.Context, trade decision.Trade, state exchange.OrderState, realizedDelta float64)
}

// Engine 把各协作方编排成完整的评估-执行流水线。
type Engine struct {
	Registry *botcfg.Registry
	Market   market.Provider
	Store    Store
	Executor *executor.Executor
	Tracker  *executor.Tracker
	Ledger   *ledger.Ledger
	Sizer    *sizing.Sizer
	Limits   safety.Limits
	History  History
	Notifier Notifier

	// Offset 评估循环在 K 线收盘后延迟多久触发。
	Offset time.Duration
	// RunImmediately 启动时先跑一轮再进入对齐循环。
	RunImmediately bool
	// ExecEnabled 为 false 时评估照常、执行一律跳过（观察模式）。
	ExecEnabled bool

	evalParallel int
	historyPad   int
	lockTimeout  time.Duration
	nowFn        func() time.Time
}

// Params 构造引擎的参数包。
type Params struct {
	Registry *botcfg.Registry
	Market   market.Provider
	Store    Store
	Executor *executor.Executor
	Tracker  *executor.Tracker
	Ledger   *ledger.Ledger
	Sizer    *sizing.Sizer
	Limits   safety.Limits
	History  History
	Notifier Notifier

	Offset         time.Duration
	RunImmediately bool
	ExecEnabled    bool
	EvalParallel   int
	HistoryPad     int
}

func New(p Params) *Engine {
	sizer := p.Sizer
	if sizer == nil {
		sizer = sizing.NewSizer(sizing.DefaultMinMultiplier, sizing.DefaultMaxMultiplier)
	}
	parallel := p.EvalParallel
	if parallel <= 0 {
		parallel = DefaultEvalParallel
	}
	pad := p.HistoryPad
	if pad <= 0 {
		pad = DefaultHistoryPad
	}
	offset := p.Offset
	if offset <= 0 {
		offset = 10 * time.Second
	}
	return &Engine{
		Registry:       p.Registry,
		Market:         p.Market,
		Store:          p.Store,
		Executor:       p.Executor,
		Tracker:        p.Tracker,
		Ledger:         p.Ledger,
		Sizer:          sizer,
		Limits:         p.Limits.Normalize(),
		History:        p.History,
		Notifier:       p.Notifier,
		Offset:         offset,
		RunImmediately: p.RunImmediately,
		ExecEnabled:    p.ExecEnabled,
		evalParallel:   parallel,
		historyPad:     pad,
		lockTimeout:    DefaultLockTimeout,
		nowFn:          time.Now,
	}
}

// --------------------- Evaluate Implementation -------------------------

// Evaluate 对单个 bot 跑一轮完整评估，永不 panic、永不返回 error：
// 所有失败都折叠进结果的 Error 字段，循环据此继续下一个 bot。
func (e *Engine) Evaluate(ctx context.Context, botID int64) decision.EvaluationResult {
	now := e.nowFn().UTC()
	rec := decision.EvaluationResult{
		TraceID:     uuid.NewString(),
		BotID:       botID,
		Action:      decision.ActionHold,
		Temperature: decision.TemperatureFrozen,
		EvaluatedAt: now,
	}

	bot, ok := e.Registry.Bot(botID)
	if !ok {
		rec.Error = decision.NewReject(decision.KindValidation, decision.ReasonBotNotFound,
			fmt.Sprintf("bot %d 不存在", botID))
		e.record(ctx, &rec)
		return rec
	}
	rec.Pair = bot.Config.Pair

	if !bot.Enabled() {
		rec.Error = decision.NewReject(decision.KindValidation, decision.ReasonBotDisabled,
			fmt.Sprintf("bot %d 已停用", botID))
		e.record(ctx, &rec)
		return rec
	}
	if bot.ConfigErr != nil {
		// 配置坏掉的 bot 照常产出 hold 结果，绝不让单个条目拖垮循环。
		rec.Error = bot.ConfigErr
		e.record(ctx, &rec)
		return rec
	}

	candles, err := e.fetchCandles(ctx, bot)
	if err != nil {
		rec.Error = decision.WrapReject(decision.KindExternalAPI, decision.ReasonMarketDataError, err)
		e.record(ctx, &rec)
		return rec
	}

	score, confidence, results := bot.Signals.Aggregate(candles)
	rec.OverallScore = score
	rec.Confidence = confidence
	rec.Signals = results
	rec.Action = decision.Resolve(score, bot.Config.BuyThreshold, bot.Config.SellThreshold)
	rec.Temperature = decision.Classify(score)

	confirmed, rej := e.commitConfirmation(ctx, bot, &rec, now)
	if rej != nil {
		rec.Error = rej
		e.record(ctx, &rec)
		return rec
	}

	if confirmed {
		regime := sizing.ClassifyRegime(candles)
		snap := e.Sizer.Size(bot.Config.BasePositionUSD, confidence, regime,
			e.Limits.MinPositionUSD, e.Limits.MaxPositionUSD)
		rec.Sizing = &snap

		if e.ExecEnabled {
			res := e.Executor.Execute(ctx, executor.Request{
				BotID:       botID,
				Pair:        bot.Config.Pair,
				Side:        rec.Action,
				SizeUSD:     snap.FinalUSD,
				Temperature: rec.Temperature,
				MinTemp:     bot.MinTemp,
				Cooldown:    bot.Cooldown(),
				Signals:     results,
				TraceID:     rec.TraceID,
			})
			rec.Execution = &res
		} else {
			log.Infof("观察模式,跳过执行 bot=%d pair=%s side=%s size=%.2f trace=%s",
				botID, bot.Config.Pair, rec.Action, snap.FinalUSD, rec.TraceID)
		}
	}

	e.record(ctx, &rec)
	return rec
}

// commitConfirmation 在 bot 锁内推进并落库确认状态机。
// 返回「本轮是否允许进入执行阶段」。抢不到锁按并发冲突处理，本轮放弃推进。
func (e *Engine) commitConfirmation(ctx context.Context, bot botcfg.Bot, rec *decision.EvaluationResult, now time.Time) (bool, *decision.Reject) {
	window := bot.ConfirmationWindow()

	release, ok := e.Executor.Locks().Acquire(ctx, bot.Config.ID, e.lockTimeout)
	if !ok {
		return false, decision.NewReject(decision.KindConcurrency, decision.ReasonTradeInProgress,
			"bot 正在执行其他操作,本轮评估不推进确认状态")
	}
	defer release()

	state, _, err := e.Store.GetBotState(ctx, bot.Config.ID)
	if err != nil {
		return false, decision.WrapReject(decision.KindExternalAPI, decision.ReasonStorageError, err)
	}
	next := decision.AdvanceConfirmation(state.Confirmation, rec.Action, now, window)

	state.BotID = bot.Config.ID
	state.Pair = bot.Config.Pair
	state.CombinedScore = rec.OverallScore
	state.Confirmation = next
	state.UpdatedAt = now
	if err := e.Store.SaveBotState(ctx, state); err != nil {
		return false, decision.WrapReject(decision.KindExternalAPI, decision.ReasonStorageError, err)
	}

	rec.Confirmation = next.Snapshot(now, window)
	return next.Phase == decision.PhaseConfirmed && !rec.Action.IsHold(), nil
}

// fetchCandles 按指标与 regime 两者的最小历史取已收盘 K 线。
func (e *Engine) fetchCandles(ctx context.Context, bot botcfg.Bot) ([]market.Candle, error) {
	limit := bot.Signals.MinHistory()
	if limit < sizing.RegimeMinHistory {
		limit = sizing.RegimeMinHistory
	}
	limit += e.historyPad
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return e.Market.History(ctx, bot.Config.Pair, bot.Config.Interval, limit)
}

// record 把评估结果写进历史并按需通知。历史写入失败只记日志，评估结果照常返回。
func (e *Engine) record(ctx context.Context, rec *decision.EvaluationResult) {
	if e.History != nil {
		if _, err := e.History.Insert(ctx, *rec); err != nil {
			log.Errorf("评估历史写入失败 bot=%d trace=%s err=%v", rec.BotID, rec.TraceID, err)
		}
	}
	if rec.Execution != nil && rec.Execution.Success && e.Notifier != nil {
		e.Notifier.TradeExecuted(ctx, *rec)
	}
	switch {
	case rec.Error != nil:
		log.Warnf("评估完成(带错误) bot=%d pair=%s reason=%s trace=%s",
			rec.BotID, rec.Pair, rec.Error.Reason, rec.TraceID)
	case rec.Execution != nil:
		log.Infof("评估完成 bot=%d pair=%s action=%s score=%.4f executed=%v trace=%s",
			rec.BotID, rec.Pair, rec.Action, rec.OverallScore, rec.Execution.Success, rec.TraceID)
	default:
		log.Infof("评估完成 bot=%d pair=%s action=%s score=%.4f temp=%s confirmed=%v trace=%s",
			rec.BotID, rec.Pair, rec.Action, rec.OverallScore, rec.Temperature, rec.Confirmation.IsConfirmed, rec.TraceID)
	}
}

// --------------------- Manual Operations -------------------------

// ExecuteParams 人工下单入参。Temperature 为空时视为 HOT（人工指令自带最高置信）。
type ExecuteParams struct {
	BotID       int64
	Side        decision.Action
	SizeUSD     float64
	Temperature decision.Temperature
}

// ExecuteTrade 人工触发一笔下单，绕过信号与确认，安全校验一项不少。
func (e *Engine) ExecuteTrade(ctx context.Context, p ExecuteParams) decision.ExecutionResult {
	bot, ok := e.Registry.Bot(p.BotID)
	if !ok {
		return rejectExecution(decision.NewReject(decision.KindValidation, decision.ReasonBotNotFound,
			fmt.Sprintf("bot %d 不存在", p.BotID)))
	}
	if !bot.Enabled() {
		return rejectExecution(decision.NewReject(decision.KindValidation, decision.ReasonBotDisabled,
			fmt.Sprintf("bot %d 已停用", p.BotID)))
	}
	if bot.ConfigErr != nil {
		return rejectExecution(bot.ConfigErr)
	}
	temp := p.Temperature
	if temp == "" {
		temp = decision.TemperatureHot
	}
	return e.Executor.Execute(ctx, executor.Request{
		BotID:       p.BotID,
		Pair:        bot.Config.Pair,
		Side:        p.Side,
		SizeUSD:     p.SizeUSD,
		Temperature: temp,
		MinTemp:     bot.MinTemp,
		Cooldown:    bot.Cooldown(),
		TraceID:     uuid.NewString(),
	})
}

func rejectExecution(rej *decision.Reject) decision.ExecutionResult {
	return decision.ExecutionResult{
		Success: false,
		Reason:  rej.Reason,
		Kind:    rej.Kind,
		Err:     rej,
	}
}

// ConfirmationStatus 返回 bot 确认状态机的实时视图。
func (e *Engine) ConfirmationStatus(ctx context.Context, botID int64) (decision.ConfirmationSnapshot, error) {
	bot, ok := e.Registry.Bot(botID)
	if !ok {
		return decision.ConfirmationSnapshot{}, decision.NewReject(decision.KindValidation,
			decision.ReasonBotNotFound, fmt.Sprintf("bot %d 不存在", botID))
	}
	state, _, err := e.Store.GetBotState(ctx, botID)
	if err != nil {
		return decision.ConfirmationSnapshot{}, decision.WrapReject(decision.KindExternalAPI,
			decision.ReasonStorageError, err)
	}
	return state.Confirmation.Snapshot(e.nowFn().UTC(), bot.ConfirmationWindow()), nil
}

// PositionSummary 汇总单交易对持仓。现价拿不到时未实现盈亏记 0，不阻塞查询。
func (e *Engine) PositionSummary(ctx context.Context, pair string) ledger.PositionSummary {
	price := 0.0
	if p, err := e.Market.Price(ctx, pair); err != nil {
		log.Warnf("现价获取失败,未实现盈亏按 0 计 pair=%s err=%v", pair, err)
	} else {
		price = p
	}
	return e.Ledger.Summary(pair, price)
}

// PositionSummaries 汇总全部有记账记录的交易对。
func (e *Engine) PositionSummaries(ctx context.Context) []ledger.PositionSummary {
	pairs := e.Ledger.Pairs()
	out := make([]ledger.PositionSummary, 0, len(pairs))
	for _, pair := range pairs {
		out = append(out, e.PositionSummary(ctx, pair))
	}
	return out
}

// CancelTrade 人工取消一笔 pending 交易。这是超时订单除券商落定之外唯一的出口：
// 状态迁移到 cancelled 并解除超时追踪，bot 随即恢复可交易。
func (e *Engine) CancelTrade(ctx context.Context, tradeID, reason string) error {
	trade, found, err := e.Store.TradeByID(ctx, tradeID)
	if err != nil {
		return decision.WrapReject(decision.KindExternalAPI, decision.ReasonStorageError, err)
	}
	if !found {
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest,
			fmt.Sprintf("trade %s 不存在", tradeID))
	}
	if trade.Status != decision.TradePending {
		return decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest,
			fmt.Sprintf("trade %s 状态为 %s,只有 pending 可取消", tradeID, trade.Status))
	}

	detail := "人工取消"
	if strings.TrimSpace(reason) != "" {
		detail = fmt.Sprintf("人工取消: %s", strings.TrimSpace(reason))
	}
	if err := e.Store.MarkTradeCancelled(ctx, tradeID, detail); err != nil {
		return decision.WrapReject(decision.KindExternalAPI, decision.ReasonStorageError, err)
	}
	if e.Tracker != nil {
		e.Tracker.Untrack(tradeID)
	}
	log.Infof("交易已人工取消 trade=%s bot=%d pair=%s reason=%q", tradeID, trade.BotID, trade.Pair, reason)
	return nil
}
