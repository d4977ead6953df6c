package config

import (
	"fmt"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":8780"
	defaultAppLogPath  = "/data/logs/marlin-live.log"

	defaultMarketName           = "binance"
	defaultMarketREST           = "https://api.binance.com"
	defaultMarketTimeoutSeconds = 15

	defaultBotsPath          = "configs/bots.yaml"
	defaultBotsOffsetSeconds = 10
	defaultBotsParallel      = 4
	defaultBotsHistoryPad    = 50

	defaultStoreTrades       = "/data/marlin/trades.db"
	defaultStoreEvals        = "/data/marlin/evals.db"
	defaultEvalRetentionDays = 90

	defaultTradingFeeRate     = 0.001
	defaultFillTimeoutSeconds = 600
	defaultPollSeconds        = 15

	defaultReportOffsetMinutes = 5
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Bots.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	// 安全上限的缺省逻辑在领域包内，直接复用。
	c.Safety = c.Safety.Normalize()
	c.Report.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (b *BotsConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("bots.path", &b.Path, defaultBotsPath),
		fieldDefault{
			key:   "bots.eval_offset_seconds",
			need:  func() bool { return b.EvalOffsetSeconds == 0 },
			apply: func() { b.EvalOffsetSeconds = defaultBotsOffsetSeconds },
		},
		fieldDefault{
			key:   "bots.eval_parallel",
			need:  func() bool { return b.EvalParallel <= 0 },
			apply: func() { b.EvalParallel = defaultBotsParallel },
		},
		fieldDefault{
			key:   "bots.history_pad",
			need:  func() bool { return b.HistoryPad <= 0 },
			apply: func() { b.HistoryPad = defaultBotsHistoryPad },
		},
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.trades_path", &s.TradesPath, defaultStoreTrades),
		stringFieldDefault("store.eval_history_path", &s.EvalHistoryPath, defaultStoreEvals),
		fieldDefault{
			key:   "store.eval_retention_days",
			need:  func() bool { return s.EvalRetentionDays == 0 },
			apply: func() { s.EvalRetentionDays = defaultEvalRetentionDays },
		},
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("trading.dry_run", &t.DryRun, true),
		boolFieldDefault("trading.exec_enabled", &t.ExecEnabled, true),
		fieldDefault{
			key:   "trading.fee_rate",
			need:  func() bool { return t.FeeRate <= 0 },
			apply: func() { t.FeeRate = defaultTradingFeeRate },
		},
		fieldDefault{
			key:   "trading.fill_timeout_seconds",
			need:  func() bool { return t.FillTimeoutSeconds <= 0 },
			apply: func() { t.FillTimeoutSeconds = defaultFillTimeoutSeconds },
		},
		fieldDefault{
			key:   "trading.poll_interval_seconds",
			need:  func() bool { return t.PollIntervalSeconds <= 0 },
			apply: func() { t.PollIntervalSeconds = defaultPollSeconds },
		},
	)
}

func (r *ReportConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "report.offset_minutes",
			need:  func() bool { return r.OffsetMinutes <= 0 },
			apply: func() { r.OffsetMinutes = defaultReportOffsetMinutes },
		},
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	if len(m.Sources) == 0 {
		m.Sources = []MarketSource{{
			Name:        defaultMarketName,
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}}
	}
	for i := range m.Sources {
		src := &m.Sources[i]
		src.Proxy.normalize()
		if strings.TrimSpace(src.Name) == "" {
			if i == 0 {
				src.Name = defaultMarketName
			} else {
				src.Name = fmt.Sprintf("market_%d", i)
			}
		}
		if src.RESTBaseURL == "" {
			src.RESTBaseURL = defaultMarketREST
		}
		if src.TimeoutSeconds <= 0 {
			src.TimeoutSeconds = defaultMarketTimeoutSeconds
		}
	}
	if strings.TrimSpace(m.ActiveSource) == "" {
		m.ActiveSource = firstEnabledMarket(m.Sources)
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func firstEnabledMarket(sources []MarketSource) string {
	for _, src := range sources {
		name := strings.TrimSpace(src.Name)
		if src.Enabled && name != "" {
			return name
		}
	}
	if len(sources) > 0 {
		if name := strings.TrimSpace(sources[0].Name); name != "" {
			return name
		}
	}
	return defaultMarketName
}
