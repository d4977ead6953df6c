package botcfg

import (
	"fmt"
	"strings"
	"time"

	"marlin/internal/decision"
	"marlin/internal/pkg/symbol"
	"marlin/internal/signal"
)

// 中文说明：
// 机器人配置：每个 bot 绑定一个交易对和一组加权指标。
// 配置在加载期归一化并构建好聚合器；单个 bot 的配置错误
// 不会拖垮整个加载，而是保留条目并带上错误标记。

// 缺省参数。
const (
	defaultInterval       = "1h"
	defaultBuyThreshold   = -0.3
	defaultSellThreshold  = 0.3
	defaultConfirmMinutes = 15.0
	defaultCooldownMin    = 60.0
	defaultBaseUSD        = 100.0
	defaultMinTemperature = "WARM"
)

// BotConfig 配置文件中的单个 bot 条目。
type BotConfig struct {
	ID                  int64                    `yaml:"id" json:"id"`
	Name                string                   `yaml:"name,omitempty" json:"name,omitempty"`
	Pair                string                   `yaml:"pair" json:"pair"`
	Interval            string                   `yaml:"interval,omitempty" json:"interval"`
	Enabled             *bool                    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Indicators          []signal.IndicatorConfig `yaml:"indicators" json:"indicators"`
	BuyThreshold        float64                  `yaml:"buy_threshold,omitempty" json:"buy_threshold"`
	SellThreshold       float64                  `yaml:"sell_threshold,omitempty" json:"sell_threshold"`
	ConfirmationMinutes float64                  `yaml:"confirmation_minutes,omitempty" json:"confirmation_minutes"`
	CooldownMinutes     float64                  `yaml:"cooldown_minutes,omitempty" json:"cooldown_minutes"`
	BasePositionUSD     float64                  `yaml:"base_position_size_usd,omitempty" json:"base_position_size_usd"`
	MinTemperature      string                   `yaml:"min_temperature_to_trade,omitempty" json:"min_temperature_to_trade"`
}

// Bot 加载后的运行时条目。ConfigErr 非空时 Signals 为 nil，
// 评估该 bot 必须产出 hold + 错误标记而不是中断循环。
type Bot struct {
	Config    BotConfig
	Signals   *signal.Aggregator
	MinTemp   decision.Temperature
	ConfigErr *decision.Reject
}

// Enabled 缺省视为启用。
func (b Bot) Enabled() bool {
	return b.Config.Enabled == nil || *b.Config.Enabled
}

// ConfirmationWindow 确认窗口时长。
func (b Bot) ConfirmationWindow() time.Duration {
	return time.Duration(b.Config.ConfirmationMinutes * float64(time.Minute))
}

// Cooldown 冷却时长，自上一笔成交的 filled_at 起算。
func (b Bot) Cooldown() time.Duration {
	return time.Duration(b.Config.CooldownMinutes * float64(time.Minute))
}

// normalizeBot 归一化单个条目并构建聚合器。
func normalizeBot(cfg BotConfig) Bot {
	// 交易对统一归一到 BASE/QUOTE，仓位、成交、HTTP 查询全按这个键对账。
	if norm := symbol.Normalize(cfg.Pair); norm != "" {
		cfg.Pair = norm
	} else {
		cfg.Pair = strings.ToUpper(strings.TrimSpace(cfg.Pair))
	}
	cfg.Interval = strings.ToLower(strings.TrimSpace(cfg.Interval))
	if cfg.Interval == "" {
		cfg.Interval = defaultInterval
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("bot-%d", cfg.ID)
	}
	if cfg.BuyThreshold == 0 && cfg.SellThreshold == 0 {
		cfg.BuyThreshold = defaultBuyThreshold
		cfg.SellThreshold = defaultSellThreshold
	}
	if cfg.ConfirmationMinutes <= 0 {
		cfg.ConfirmationMinutes = defaultConfirmMinutes
	}
	if cfg.CooldownMinutes <= 0 {
		cfg.CooldownMinutes = defaultCooldownMin
	}
	if cfg.BasePositionUSD <= 0 {
		cfg.BasePositionUSD = defaultBaseUSD
	}
	if strings.TrimSpace(cfg.MinTemperature) == "" {
		cfg.MinTemperature = defaultMinTemperature
	}

	bot := Bot{Config: cfg, MinTemp: decision.ParseTemperature(cfg.MinTemperature)}
	if err := validateBot(cfg); err != nil {
		bot.ConfigErr = decision.AsReject(err)
		return bot
	}
	agg, err := signal.NewAggregator(cfg.Indicators)
	if err != nil {
		bot.ConfigErr = decision.AsReject(err)
		return bot
	}
	bot.Signals = agg
	return bot
}

func validateBot(cfg BotConfig) error {
	switch {
	case cfg.ID <= 0:
		return decision.NewReject(decision.KindValidation, decision.ReasonConfigInvalid,
			fmt.Sprintf("bot id 必须为正，当前 %d", cfg.ID))
	case cfg.Pair == "":
		return decision.NewReject(decision.KindValidation, decision.ReasonConfigInvalid,
			fmt.Sprintf("bot %d 缺少 pair", cfg.ID))
	case !symbol.IsValid(cfg.Pair):
		return decision.NewReject(decision.KindValidation, decision.ReasonConfigInvalid,
			fmt.Sprintf("bot %d pair 无法识别: %q", cfg.ID, cfg.Pair))
	case cfg.BuyThreshold >= cfg.SellThreshold:
		return decision.NewReject(decision.KindValidation, decision.ReasonConfigInvalid,
			fmt.Sprintf("bot %d buy_threshold(%v) 必须小于 sell_threshold(%v)",
				cfg.ID, cfg.BuyThreshold, cfg.SellThreshold))
	case cfg.BuyThreshold < -1 || cfg.SellThreshold > 1:
		return decision.NewReject(decision.KindValidation, decision.ReasonConfigInvalid,
			fmt.Sprintf("bot %d 阈值必须在 [-1,1] 内", cfg.ID))
	}
	return nil
}
