package config

import (
	"strings"
	"time"

	"marlin/internal/safety"
)

// Config 是 Marlin 的主配置载体。
type Config struct {
	App     AppConfig     `toml:"app"`
	Market  MarketConfig  `toml:"market"`
	Bots    BotsConfig    `toml:"bots"`
	Store   StoreConfig   `toml:"store"`
	Trading TradingConfig `toml:"trading"`
	Safety  safety.Limits `toml:"safety"`
	Notify  NotifyConfig  `toml:"notify"`
	Report  ReportConfig  `toml:"report"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// BotsConfig 指向机器人清单文件，并携带评估循环的节奏参数。
type BotsConfig struct {
	Path              string `toml:"path"`
	EvalOffsetSeconds int    `toml:"eval_offset_seconds"`
	EvalParallel      int    `toml:"eval_parallel"`
	HistoryPad        int    `toml:"history_pad"`
	RunImmediately    bool   `toml:"run_immediately"`
}

// EvalOffset K 线收盘后延迟多久触发评估。
func (b BotsConfig) EvalOffset() time.Duration {
	return time.Duration(b.EvalOffsetSeconds) * time.Second
}

// StoreConfig SQLite 落盘路径与保留策略。
type StoreConfig struct {
	TradesPath        string `toml:"trades_path"`
	EvalHistoryPath   string `toml:"eval_history_path"`
	EvalRetentionDays int    `toml:"eval_retention_days"` // 0 表示不裁剪
}

// EvalRetention 评估历史保留时长。
func (s StoreConfig) EvalRetention() time.Duration {
	return time.Duration(s.EvalRetentionDays) * 24 * time.Hour
}

// TradingConfig 控制执行面：dry_run 为 true 时走内置模拟撮合，
// exec_enabled 为 false 时评估照常、执行一律跳过（观察模式）。
type TradingConfig struct {
	DryRun              bool    `toml:"dry_run"`
	ExecEnabled         bool    `toml:"exec_enabled"`
	FeeRate             float64 `toml:"fee_rate"`
	FillTimeoutSeconds  int     `toml:"fill_timeout_seconds"`
	PollIntervalSeconds int     `toml:"poll_interval_seconds"`
}

// FillTimeout 挂单超过该时长未成交就告警给运营，不在本地撤单。
func (t TradingConfig) FillTimeout() time.Duration {
	return time.Duration(t.FillTimeoutSeconds) * time.Second
}

// PollInterval 在途订单的轮询间隔。
func (t TradingConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalSeconds) * time.Second
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// ReportConfig 每日报告推送开关与触发偏移。
type ReportConfig struct {
	Enabled       bool `toml:"enabled"`
	OffsetMinutes int  `toml:"offset_minutes"`
}

// Offset UTC 零点之后延迟多久生成日报。
func (r ReportConfig) Offset() time.Duration {
	return time.Duration(r.OffsetMinutes) * time.Minute
}

type MarketConfig struct {
	ActiveSource string         `toml:"active_source"`
	Sources      []MarketSource `toml:"sources"`
}

type MarketSource struct {
	Name           string      `toml:"name"`
	Enabled        bool        `toml:"enabled"`
	RESTBaseURL    string      `toml:"rest_base_url"`
	APIKey         string      `toml:"api_key"`
	APISecret      string      `toml:"api_secret"`
	TimeoutSeconds int         `toml:"timeout_seconds"`
	Proxy          ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
}

func (m MarketConfig) ResolveActiveSource() MarketSource {
	if len(m.Sources) == 0 {
		return MarketSource{
			Name:        defaultMarketName,
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}
	}
	active := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	var fallback MarketSource
	for _, src := range m.Sources {
		if fallback.Name == "" {
			fallback = src
		}
		if !src.Enabled {
			continue
		}
		if active == "" || strings.ToLower(src.Name) == active {
			return src
		}
	}
	return fallback
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
