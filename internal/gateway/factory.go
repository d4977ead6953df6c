package gateway

import (
	"fmt"
	"strings"
	"time"

	mcfg "marlin/internal/config"
	"marlin/internal/gateway/binance"
)

// NewBinanceFromConfig 按激活的行情源构建交易所客户端。
// 返回的客户端同时充当行情 Provider 与实盘下单 Broker。
func NewBinanceFromConfig(cfg *mcfg.Config) (*binance.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	active := cfg.Market.ResolveActiveSource()
	name := strings.ToLower(active.Name)
	switch name {
	case "", "binance":
		return binance.New(binance.Config{
			APIKey:       active.APIKey,
			APISecret:    active.APISecret,
			RESTBaseURL:  active.RESTBaseURL,
			HTTPTimeout:  time.Duration(active.TimeoutSeconds) * time.Second,
			ProxyEnabled: active.Proxy.Enabled,
			RESTProxyURL: active.Proxy.RESTURL,
		})
	default:
		return nil, fmt.Errorf("unsupported market source: %s", active.Name)
	}
}
