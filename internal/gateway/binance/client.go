package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marlin/internal/gateway/exchange"
	"marlin/internal/market"
	symbolpkg "marlin/internal/pkg/symbol"
	"marlin/internal/scheduler"

	sdk "github.com/adshao/go-binance/v2"
)

// Binance spot REST 最多一次返回 1000 根 K 线。
const maxHistoryLimit = 1000

// Client 基于 go-binance SDK 的现货客户端,同时实现 market.Provider
// (历史 K 线/最新价) 和 exchange.Broker (市价下单/订单查询)。
type Client struct {
	cfg    Config
	client *sdk.Client
}

func New(cfg Config) (*Client, error) {
	final := cfg.withDefaults()
	client := sdk.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Client{
		cfg:    final,
		client: client,
	}, nil
}

func (c *Client) Name() string { return "binance" }

// --------------------- market.Provider Implementation -------------------------

func (c *Client) History(ctx context.Context, pair, interval string, limit int) ([]market.Candle, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("binance client not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	pair = strings.TrimSpace(pair)
	if pair == "" {
		return nil, fmt.Errorf("pair is required")
	}
	// Binance requires symbols without slashes (e.g., ETHUSDT)
	cleanSymbol := symbolpkg.Binance.ToExchange(pair)

	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	svc := c.client.NewKlinesService().Symbol(cleanSymbol).Interval(interval).Limit(limit)
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	if dur, ok := scheduler.ParseIntervalDuration(interval); ok {
		out = scheduler.DropUnclosedKline(out, dur)
	}
	return out, nil
}

func (c *Client) Price(ctx context.Context, pair string) (float64, error) {
	quote, err := c.GetPrice(ctx, pair)
	if err != nil {
		return 0, err
	}
	return quote.Last, nil
}

// --------------------- exchange.Broker Implementation -------------------------

func (c *Client) GetPrice(ctx context.Context, pair string) (exchange.PriceQuote, error) {
	if c == nil || c.client == nil {
		return exchange.PriceQuote{}, fmt.Errorf("binance client not initialized")
	}
	cleanSymbol := symbolpkg.Binance.ToExchange(pair)
	if cleanSymbol == "" {
		return exchange.PriceQuote{}, fmt.Errorf("invalid pair: %s", pair)
	}
	prices, err := c.client.NewListPricesService().Symbol(cleanSymbol).Do(ctx)
	if err != nil {
		return exchange.PriceQuote{}, err
	}
	quote := exchange.PriceQuote{Pair: pair, UpdatedAt: time.Now().UTC()}
	for _, p := range prices {
		if p == nil {
			continue
		}
		if strings.EqualFold(p.Symbol, cleanSymbol) {
			quote.Last = parseFloat(p.Price)
			break
		}
	}
	if quote.Last <= 0 {
		return exchange.PriceQuote{}, fmt.Errorf("no price for %s", pair)
	}
	// 买一卖一尽力而为,拿不到不影响主流程。
	if tickers, err := c.client.NewListBookTickersService().Symbol(cleanSymbol).Do(ctx); err == nil {
		for _, t := range tickers {
			if t == nil {
				continue
			}
			if strings.EqualFold(t.Symbol, cleanSymbol) {
				quote.Bid = parseFloat(t.BidPrice)
				quote.Ask = parseFloat(t.AskPrice)
				break
			}
		}
	}
	return quote, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("binance client not initialized")
	}
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, fmt.Errorf("binance api credentials are required for order placement")
	}
	cleanSymbol := symbolpkg.Binance.ToExchange(req.Pair)
	if cleanSymbol == "" {
		return nil, fmt.Errorf("invalid pair: %s", req.Pair)
	}
	var side sdk.SideType
	switch strings.ToLower(strings.TrimSpace(req.Side)) {
	case "buy":
		side = sdk.SideTypeBuy
	case "sell":
		side = sdk.SideTypeSell
	default:
		return nil, fmt.Errorf("invalid side: %s", req.Side)
	}

	svc := c.client.NewCreateOrderService().
		Symbol(cleanSymbol).
		Side(side).
		Type(sdk.OrderTypeMarket)
	// 市价买单用 quote 金额下单,绕开 LOT_SIZE 精度;卖单只能按基础币数量。
	if side == sdk.SideTypeBuy && req.QuoteUSD > 0 {
		svc = svc.QuoteOrderQty(formatQuantity(req.QuoteUSD))
	} else {
		if req.Quantity <= 0 {
			return nil, fmt.Errorf("quantity must be positive")
		}
		svc = svc.Quantity(formatQuantity(req.Quantity))
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	return &exchange.OrderAck{
		OrderID: strconv.FormatInt(res.OrderID, 10),
		Status:  mapOrderStatus(res.Status),
		Raw: map[string]any{
			"client_order_id":       res.ClientOrderID,
			"executed_qty":          res.ExecutedQuantity,
			"cummulative_quote_qty": res.CummulativeQuoteQuantity,
			"transact_time":         res.TransactTime,
		},
	}, nil
}

func (c *Client) OrderStatus(ctx context.Context, pair, orderID string) (*exchange.OrderState, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("binance client not initialized")
	}
	cleanSymbol := symbolpkg.Binance.ToExchange(pair)
	if cleanSymbol == "" {
		return nil, fmt.Errorf("invalid pair: %s", pair)
	}
	svc := c.client.NewGetOrderService().Symbol(cleanSymbol)
	if id, err := strconv.ParseInt(orderID, 10, 64); err == nil {
		svc = svc.OrderID(id)
	} else {
		// 本地只存交易所订单号;解析失败说明传进来的是 client id。
		svc = svc.OrigClientOrderID(orderID)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}

	executed := parseFloat(order.ExecutedQuantity)
	cumQuote := parseFloat(order.CummulativeQuoteQuantity)
	avgPrice := 0.0
	if executed > 0 {
		avgPrice = cumQuote / executed
	}
	state := &exchange.OrderState{
		OrderID:        strconv.FormatInt(order.OrderID, 10),
		Pair:           pair,
		Status:         mapOrderStatus(order.Status),
		FilledQuantity: executed,
		AvgPrice:       avgPrice,
		UpdatedAt:      time.UnixMilli(order.UpdateTime),
	}
	if state.Status == exchange.OrderStatusFilled {
		state.FeeUSD = c.orderFeeUSD(ctx, cleanSymbol, pair, order.OrderID, avgPrice)
	}
	return state, nil
}

// orderFeeUSD 从成交明细汇总手续费并折算成 quote 金额。
// 查询失败或手续费以 BNB 等第三方币种支付时返回 0,手续费是尽力而为的数据。
func (c *Client) orderFeeUSD(ctx context.Context, cleanSymbol, pair string, orderID int64, avgPrice float64) float64 {
	trades, err := c.client.NewListTradesService().Symbol(cleanSymbol).OrderId(orderID).Do(ctx)
	if err != nil {
		return 0
	}
	parsed := symbolpkg.Parse(pair)
	total := 0.0
	for _, tr := range trades {
		if tr == nil || tr.Commission == "" {
			continue
		}
		commission := parseFloat(tr.Commission)
		switch strings.ToUpper(tr.CommissionAsset) {
		case parsed.Quote:
			total += commission
		case parsed.Base:
			price := parseFloat(tr.Price)
			if price <= 0 {
				price = avgPrice
			}
			total += commission * price
		}
	}
	return total
}

func mapOrderStatus(st sdk.OrderStatusType) exchange.OrderStatus {
	switch st {
	case sdk.OrderStatusTypeFilled:
		return exchange.OrderStatusFilled
	case sdk.OrderStatusTypeCanceled, sdk.OrderStatusTypeExpired:
		return exchange.OrderStatusCancelled
	case sdk.OrderStatusTypeRejected:
		return exchange.OrderStatusRejected
	default:
		// NEW / PARTIALLY_FILLED / PENDING_CANCEL 都视作在途。
		return exchange.OrderStatusOpen
	}
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func formatQuantity(q float64) string {
	s := strconv.FormatFloat(q, 'f', 8, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return s
}
