package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"marlin/internal/engine"
	"marlin/internal/logger"
)

// 中文说明：
// /fills webhook：券商把订单状态主动推过来，省一轮轮询延迟。
// 载荷用 gjson 宽松解析：单对象或数组都收，数字字段字符串/数值混写
// 也照常强转。坏条目逐条报错，不拖累同批其他条目。

func (r *Router) handleFills(c *gin.Context) {
	if r.Engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "引擎未启用"})
		return
	}
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体为空"})
		return
	}
	if !gjson.ValidBytes(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不是合法 JSON"})
		return
	}
	root := gjson.ParseBytes(body)
	var items []gjson.Result
	switch {
	case root.IsArray():
		items = root.Array()
	case root.IsObject():
		items = []gjson.Result{root}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "期望 JSON 对象或数组"})
		return
	}

	type itemError struct {
		TradeID string `json:"trade_id,omitempty"`
		Error   string `json:"error"`
	}
	accepted := 0
	var errs []itemError
	ctx := c.Request.Context()
	for _, item := range items {
		ev, err := fillEventFrom(item)
		if err == nil {
			err = r.Engine.IngestFill(ctx, ev)
		}
		if err != nil {
			errs = append(errs, itemError{TradeID: ev.TradeID, Error: err.Error()})
			continue
		}
		accepted++
	}

	logger.Infof("[api] fills webhook ip=%s items=%d accepted=%d failed=%d",
		c.ClientIP(), len(items), accepted, len(errs))
	resp := gin.H{"accepted": accepted, "failed": len(errs)}
	if len(errs) > 0 {
		resp["errors"] = errs
	}
	status := http.StatusOK
	if accepted == 0 && len(errs) > 0 {
		status = http.StatusBadRequest
	}
	c.JSON(status, resp)
}

// fillEventFrom 从一条 webhook 载荷抽取成交事件。
// 字段名兼容常见变体（filled_quantity/quantity、avg_price/price），
// filled_at 按 unix 毫秒解析。
func fillEventFrom(item gjson.Result) (engine.FillEvent, error) {
	ev := engine.FillEvent{
		TradeID: strings.TrimSpace(item.Get("trade_id").String()),
		OrderID: strings.TrimSpace(item.Get("order_id").String()),
		Status:  item.Get("status").String(),
	}
	if ev.TradeID == "" {
		return ev, fmt.Errorf("缺少 trade_id")
	}
	if strings.TrimSpace(ev.Status) == "" {
		return ev, fmt.Errorf("缺少 status")
	}
	qty := item.Get("filled_quantity")
	if !qty.Exists() {
		qty = item.Get("quantity")
	}
	ev.FilledQty = qty.Float()
	price := item.Get("avg_price")
	if !price.Exists() {
		price = item.Get("price")
	}
	ev.AvgPrice = price.Float()
	ev.FeeUSD = item.Get("fee_usd").Float()
	if ms := item.Get("filled_at").Int(); ms > 0 {
		ev.FilledAt = time.UnixMilli(ms).UTC()
	}
	return ev, nil
}
