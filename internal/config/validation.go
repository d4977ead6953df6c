package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Bots.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if err := c.Report.validate(); err != nil {
		return err
	}
	// 实盘下单要签名，必须在激活的行情源上配好密钥。
	if !c.Trading.DryRun {
		src := c.Market.ResolveActiveSource()
		if strings.TrimSpace(src.APIKey) == "" || strings.TrimSpace(src.APISecret) == "" {
			return fmt.Errorf("trading.dry_run=false requires api_key and api_secret on market source %s", src.Name)
		}
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if len(m.Sources) == 0 {
		return fmt.Errorf("market.sources requires at least one source")
	}
	activeName := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	enabled := 0
	activeFound := false
	for _, src := range m.Sources {
		if !src.Enabled {
			continue
		}
		enabled++
		if strings.TrimSpace(src.RESTBaseURL) == "" {
			return fmt.Errorf("market source %s missing rest_base_url", src.Name)
		}
		if src.Proxy.Enabled && src.Proxy.RESTURL == "" {
			return fmt.Errorf("market source %s has proxy enabled but no rest_url", src.Name)
		}
		name := strings.ToLower(strings.TrimSpace(src.Name))
		if activeName == "" || name == activeName {
			activeFound = true
		}
	}
	if enabled == 0 {
		return fmt.Errorf("market.sources requires at least one enabled source")
	}
	if !activeFound {
		return fmt.Errorf("enabled market.active_source=%s not found", m.ActiveSource)
	}
	return nil
}

func (b *BotsConfig) validate() error {
	if strings.TrimSpace(b.Path) == "" {
		return fmt.Errorf("bots.path cannot be empty")
	}
	if b.EvalOffsetSeconds < 0 {
		return fmt.Errorf("bots.eval_offset_seconds must be >= 0")
	}
	if b.EvalParallel <= 0 {
		return fmt.Errorf("bots.eval_parallel must be >= 1")
	}
	if b.HistoryPad <= 0 {
		return fmt.Errorf("bots.history_pad must be >= 1")
	}
	return nil
}

func (s *StoreConfig) validate() error {
	if strings.TrimSpace(s.TradesPath) == "" {
		return fmt.Errorf("store.trades_path cannot be empty")
	}
	if strings.TrimSpace(s.EvalHistoryPath) == "" {
		return fmt.Errorf("store.eval_history_path cannot be empty")
	}
	if s.EvalRetentionDays < 0 {
		return fmt.Errorf("store.eval_retention_days must be >= 0")
	}
	return nil
}

func (t *TradingConfig) validate() error {
	if t.FeeRate < 0 || t.FeeRate >= 0.1 {
		return fmt.Errorf("trading.fee_rate must be in [0, 0.1)")
	}
	if t.FillTimeoutSeconds <= 0 {
		return fmt.Errorf("trading.fill_timeout_seconds must be > 0")
	}
	if t.PollIntervalSeconds <= 0 {
		return fmt.Errorf("trading.poll_interval_seconds must be > 0")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

func (r *ReportConfig) validate() error {
	if r.OffsetMinutes < 0 {
		return fmt.Errorf("report.offset_minutes must be >= 0")
	}
	return nil
}
