package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marlin/internal/botcfg"
	"marlin/internal/decision"
	"marlin/internal/engine"
	"marlin/internal/ledger"
	"marlin/internal/logger"
	"marlin/internal/pkg/symbol"
	"marlin/internal/store/evalhistory"
)

// EngineAPI 是 HTTP 层需要的引擎能力子集，由 engine.Engine 实现。
type EngineAPI interface {
	Evaluate(ctx context.Context, botID int64) decision.EvaluationResult
	ExecuteTrade(ctx context.Context, p engine.ExecuteParams) decision.ExecutionResult
	ConfirmationStatus(ctx context.Context, botID int64) (decision.ConfirmationSnapshot, error)
	PositionSummary(ctx context.Context, pair string) ledger.PositionSummary
	PositionSummaries(ctx context.Context) []ledger.PositionSummary
	CancelTrade(ctx context.Context, tradeID, reason string) error
	IngestFill(ctx context.Context, ev engine.FillEvent) error
}

// BotRegistry 提供 bot 配置快照。
type BotRegistry interface {
	Snapshot() botcfg.Snapshot
}

// TradeStore 交易记录的查询端。
type TradeStore interface {
	ListTrades(ctx context.Context, botID int64, limit int) ([]decision.Trade, error)
}

// EvalStore 评估历史的查询端。
type EvalStore interface {
	List(ctx context.Context, q evalhistory.EvalQuery) ([]decision.EvaluationResult, error)
}

// Router 挂载 /api/v1 下的全部业务接口。
type Router struct {
	Engine   EngineAPI
	Registry BotRegistry
	Trades   TradeStore
	Evals    EvalStore
}

// Register 将路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/bots", r.handleListBots)
	group.GET("/bots/:id/confirmation", r.handleConfirmation)
	group.POST("/bots/:id/evaluate", r.handleEvaluate)
	group.POST("/bots/:id/execute", r.handleExecute)
	group.GET("/positions", r.handlePositions)
	group.GET("/trades", r.handleTrades)
	group.POST("/trades/:id/cancel", r.handleCancelTrade)
	group.GET("/evaluations", r.handleEvaluations)
	group.POST("/fills", r.handleFills)
}

// botView 是 bot 配置的对外视图。
type botView struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name,omitempty"`
	Pair            string  `json:"pair"`
	Interval        string  `json:"interval"`
	Enabled         bool    `json:"enabled"`
	BuyThreshold    float64 `json:"buy_threshold"`
	SellThreshold   float64 `json:"sell_threshold"`
	BasePositionUSD float64 `json:"base_position_size_usd"`
	MinTemperature  string  `json:"min_temperature_to_trade"`
	ConfigError     string  `json:"config_error,omitempty"`
}

func (r *Router) handleListBots(c *gin.Context) {
	if r.Registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "bot 配置未加载"})
		return
	}
	snap := r.Registry.Snapshot()
	bots := make([]botView, 0, len(snap.Bots))
	for _, bot := range snap.Ordered() {
		view := botView{
			ID:              bot.Config.ID,
			Name:            bot.Config.Name,
			Pair:            bot.Config.Pair,
			Interval:        bot.Config.Interval,
			Enabled:         bot.Enabled(),
			BuyThreshold:    bot.Config.BuyThreshold,
			SellThreshold:   bot.Config.SellThreshold,
			BasePositionUSD: bot.Config.BasePositionUSD,
			MinTemperature:  string(bot.MinTemp),
		}
		if bot.ConfigErr != nil {
			view.ConfigError = bot.ConfigErr.Error()
		}
		bots = append(bots, view)
	}
	c.JSON(http.StatusOK, gin.H{
		"version":   snap.Version,
		"loaded_at": snap.LoadedAt,
		"bots":      bots,
	})
}

func (r *Router) handleConfirmation(c *gin.Context) {
	if r.Engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "引擎未启用"})
		return
	}
	botID, ok := parseBotID(c)
	if !ok {
		return
	}
	snap, err := r.Engine.ConfirmationStatus(c.Request.Context(), botID)
	if err != nil {
		rej := decision.AsReject(err)
		logger.Warnf("[api] confirmation status failed ip=%s bot=%d reason=%s", c.ClientIP(), botID, rej.Reason)
		c.JSON(rejectStatus(rej), gin.H{"error": rej.Detail, "reason": rej.Reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bot_id": botID, "confirmation": snap})
}

func (r *Router) handleEvaluate(c *gin.Context) {
	if r.Engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "引擎未启用"})
		return
	}
	botID, ok := parseBotID(c)
	if !ok {
		return
	}
	logger.Infof("[api] manual evaluate ip=%s bot=%d", c.ClientIP(), botID)
	rec := r.Engine.Evaluate(c.Request.Context(), botID)
	status := http.StatusOK
	if rec.Error != nil && rec.Error.Reason == decision.ReasonBotNotFound {
		status = http.StatusNotFound
	}
	c.JSON(status, rec)
}

// executeRequest 人工下单请求体。temperature 缺省时由引擎按 HOT 处理。
type executeRequest struct {
	Side        string  `json:"side"`
	SizeUSD     float64 `json:"size_usd"`
	Temperature string  `json:"temperature"`
}

func (r *Router) handleExecute(c *gin.Context) {
	if r.Engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "引擎未启用"})
		return
	}
	botID, ok := parseBotID(c)
	if !ok {
		return
	}
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	side, ok := parseSide(req.Side)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side 必须是 buy 或 sell"})
		return
	}
	var temp decision.Temperature
	if strings.TrimSpace(req.Temperature) != "" {
		temp = decision.ParseTemperature(strings.TrimSpace(req.Temperature))
	}
	logger.Infof("[api] manual execute ip=%s bot=%d side=%s size=%.2f", c.ClientIP(), botID, side, req.SizeUSD)
	res := r.Engine.ExecuteTrade(c.Request.Context(), engine.ExecuteParams{
		BotID:       botID,
		Side:        side,
		SizeUSD:     req.SizeUSD,
		Temperature: temp,
	})
	if !res.Success {
		logger.Warnf("[api] manual execute rejected ip=%s bot=%d reason=%s", c.ClientIP(), botID, res.Reason)
		c.JSON(statusFor(res.Kind, res.Reason), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) handlePositions(c *gin.Context) {
	if r.Engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "引擎未启用"})
		return
	}
	ctx := c.Request.Context()
	if pair := strings.TrimSpace(c.Query("pair")); pair != "" {
		sum := r.Engine.PositionSummary(ctx, symbol.Normalize(pair))
		c.JSON(http.StatusOK, gin.H{"positions": []ledger.PositionSummary{sum}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": r.Engine.PositionSummaries(ctx)})
}

// tradeView 是交易记录的对外视图，状态渲染为字符串。
type tradeView struct {
	TradeID     string     `json:"trade_id"`
	BotID       int64      `json:"bot_id"`
	Pair        string     `json:"pair"`
	Side        string     `json:"side"`
	Size        float64    `json:"size"`
	SizeUSD     float64    `json:"size_usd"`
	Price       float64    `json:"price"`
	OrderID     string     `json:"order_id,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
	FeeUSD      float64    `json:"fee_usd"`
	ErrorDetail string     `json:"error_detail,omitempty"`
}

func (r *Router) handleTrades(c *gin.Context) {
	if r.Trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "交易存储未启用"})
		return
	}
	botID, _ := strconv.ParseInt(c.DefaultQuery("bot_id", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	trades, err := r.Trades.ListTrades(c.Request.Context(), botID, limit)
	if err != nil {
		logger.Errorf("[api] list trades failed ip=%s bot=%d err=%v", c.ClientIP(), botID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, tradeView{
			TradeID:     t.TradeID,
			BotID:       t.BotID,
			Pair:        t.Pair,
			Side:        string(t.Side),
			Size:        t.Size,
			SizeUSD:     t.SizeUSD,
			Price:       t.Price,
			OrderID:     t.OrderID,
			Status:      t.Status.String(),
			CreatedAt:   t.CreatedAt,
			FilledAt:    t.FilledAt,
			FeeUSD:      t.FeeUSD,
			ErrorDetail: t.ErrorDetail,
		})
	}
	c.JSON(http.StatusOK, gin.H{"trades": views, "count": len(views)})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (r *Router) handleCancelTrade(c *gin.Context) {
	if r.Engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "引擎未启用"})
		return
	}
	tradeID := strings.TrimSpace(c.Param("id"))
	if tradeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trade id 不能为空"})
		return
	}
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := r.Engine.CancelTrade(c.Request.Context(), tradeID, req.Reason); err != nil {
		rej := decision.AsReject(err)
		logger.Warnf("[api] cancel trade failed ip=%s trade=%s reason=%s", c.ClientIP(), tradeID, rej.Reason)
		c.JSON(rejectStatus(rej), gin.H{"error": rej.Detail, "reason": rej.Reason})
		return
	}
	logger.Infof("[api] trade cancelled ip=%s trade=%s", c.ClientIP(), tradeID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleEvaluations(c *gin.Context) {
	if r.Evals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "评估历史未启用"})
		return
	}
	botID, _ := strconv.ParseInt(c.DefaultQuery("bot_id", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	q := evalhistory.EvalQuery{
		BotID:  botID,
		Pair:   strings.TrimSpace(c.Query("pair")),
		Action: strings.ToLower(strings.TrimSpace(c.Query("action"))),
		Limit:  limit,
		Offset: offset,
	}
	recs, err := r.Evals.List(c.Request.Context(), q)
	if err != nil {
		logger.Errorf("[api] list evaluations failed ip=%s bot=%d err=%v", c.ClientIP(), botID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluations": recs, "count": len(recs)})
}

// parseBotID 解析路径中的 :id。非法时直接写 400 并返回 false。
func parseBotID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot id"})
		return 0, false
	}
	return id, true
}

func parseSide(raw string) (decision.Action, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy":
		return decision.ActionBuy, true
	case "sell":
		return decision.ActionSell, true
	default:
		return "", false
	}
}

// rejectStatus 把分类错误映射到 HTTP 状态码。
func rejectStatus(rej *decision.Reject) int {
	if rej == nil {
		return http.StatusInternalServerError
	}
	return statusFor(rej.Kind, rej.Reason)
}

func statusFor(kind decision.Kind, reason string) int {
	if reason == decision.ReasonBotNotFound {
		return http.StatusNotFound
	}
	switch kind {
	case decision.KindValidation:
		return http.StatusBadRequest
	case decision.KindSafety, decision.KindConcurrency:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
