package binance

import (
	"strings"
	"time"
)

// Config 是现货 REST 客户端的连接配置。零值可用:未填的走默认端点与超时。
type Config struct {
	APIKey    string
	APISecret string

	RESTBaseURL string
	HTTPTimeout time.Duration

	ProxyEnabled bool
	RESTProxyURL string
}

func (c *Config) withDefaults() Config {
	out := Config{
		APIKey:       strings.TrimSpace(c.APIKey),
		APISecret:    strings.TrimSpace(c.APISecret),
		RESTBaseURL:  strings.TrimSpace(c.RESTBaseURL),
		HTTPTimeout:  c.HTTPTimeout,
		ProxyEnabled: c.ProxyEnabled,
		RESTProxyURL: strings.TrimSpace(c.RESTProxyURL),
	}
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://api.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	return out
}
