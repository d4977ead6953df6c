package app

import (
	"fmt"

	mcfg "marlin/internal/config"
	"marlin/internal/gateway"
	"marlin/internal/gateway/exchange"
	"marlin/internal/gateway/paper"
	"marlin/internal/logger"
	"marlin/internal/market"
)

// MarketStack 把行情读取端与下单通道打包在一起。
// dry_run 时 Broker 是内置模拟撮合，实盘时与 Provider 是同一个交易所客户端。
type MarketStack struct {
	Provider market.Provider
	Broker   exchange.Broker
}

func buildMarketStack(cfg *mcfg.Config) (*MarketStack, error) {
	client, err := gateway.NewBinanceFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化行情源失败: %w", err)
	}
	active := cfg.Market.ResolveActiveSource()
	logger.Infof("✓ 行情源已就绪 source=%s rest=%s", client.Name(), active.RESTBaseURL)

	var broker exchange.Broker
	if cfg.Trading.DryRun {
		broker = paper.New(client, cfg.Trading.FeeRate)
		logger.Infof("✓ 模拟撮合已启用 fee_rate=%v", cfg.Trading.FeeRate)
	} else {
		broker = client
		logger.Infof("✓ 实盘下单通道已启用 venue=%s", client.Name())
	}

	return &MarketStack{
		Provider: client,
		Broker:   broker,
	}, nil
}
