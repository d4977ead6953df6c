package app

import (
	"fmt"

	mcfg "marlin/internal/config"
	"marlin/internal/gateway/notifier"
	"marlin/internal/logger"
	httpapi "marlin/internal/transport/http"
)

func buildHTTPServer(cfg httpapi.ServerConfig) (*httpapi.Server, error) {
	server, err := httpapi.NewServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化 HTTP 服务失败: %w", err)
	}
	logger.Infof("✓ HTTP 接口监听 %s", server.Addr())
	return server, nil
}

func newTelegram(cfg mcfg.NotifyConfig) *notifier.Telegram {
	if !cfg.Telegram.Enabled {
		return nil
	}
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}
