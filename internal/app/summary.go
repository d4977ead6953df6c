package app

import (
	"fmt"
	"strings"

	"marlin/internal/botcfg"
	mcfg "marlin/internal/config"
	"marlin/internal/safety"
)

type StartupSummary struct {
	Source      string
	Broker      string
	DryRun      bool
	ExecEnabled bool
	HTTPAddr    string
	Limits      safety.Limits
	Bots        []BotSummary
}

type BotSummary struct {
	ID         int64
	Name       string
	Pair       string
	Interval   string
	Enabled    bool
	Indicators []string
	ConfigErr  string
}

func collectStartupSummary(cfg *mcfg.Config, snapshot botcfg.Snapshot, stack *MarketStack) *StartupSummary {
	s := &StartupSummary{
		Source:      cfg.Market.ResolveActiveSource().Name,
		DryRun:      cfg.Trading.DryRun,
		ExecEnabled: cfg.Trading.ExecEnabled,
		HTTPAddr:    cfg.App.HTTPAddr,
		Limits:      cfg.Safety.Normalize(),
	}
	if stack != nil && stack.Broker != nil {
		s.Broker = stack.Broker.Name()
	}
	for _, bot := range snapshot.Ordered() {
		entry := BotSummary{
			ID:       bot.Config.ID,
			Name:     bot.Config.Name,
			Pair:     bot.Config.Pair,
			Interval: bot.Config.Interval,
			Enabled:  bot.Enabled(),
		}
		for _, ind := range bot.Config.Indicators {
			if !ind.IsEnabled() {
				continue
			}
			entry.Indicators = append(entry.Indicators, fmt.Sprintf("%s weight=%v", ind.Type, ind.Weight))
		}
		if bot.ConfigErr != nil {
			entry.ConfigErr = bot.ConfigErr.Detail
		}
		s.Bots = append(s.Bots, entry)
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[行情与执行 (MARKET & EXECUTION)]")
	fmt.Printf("  行情源: %s\n", s.Source)
	fmt.Printf("  下单通道: %s\n", s.Broker)
	fmt.Printf("  模拟撮合: %v\n", s.DryRun)
	fmt.Printf("  执行开关: %v\n", s.ExecEnabled)
	fmt.Printf("  HTTP 接口: %s\n", s.HTTPAddr)
	fmt.Println()

	fmt.Println("[安全上限 (SAFETY LIMITS)]")
	fmt.Printf("  单笔仓位: %.2f ~ %.2f USD\n", s.Limits.MinPositionUSD, s.Limits.MaxPositionUSD)
	fmt.Printf("  日内交易上限: %d 笔\n", s.Limits.MaxDailyTrades)
	fmt.Printf("  日内亏损上限: %.2f USD\n", s.Limits.MaxDailyLossUSD)
	fmt.Println()

	fmt.Println("[BOT 配置 (BOTS)]")
	if len(s.Bots) == 0 {
		fmt.Println("  (无配置)")
	} else {
		for _, bot := range s.Bots {
			state := "enabled"
			if !bot.Enabled {
				state = "disabled"
			}
			fmt.Printf("  > #%d %s %s (interval=%s, %s)\n", bot.ID, bot.Name, bot.Pair, bot.Interval, state)

			fmt.Println("    [指标]:")
			if len(bot.Indicators) == 0 {
				fmt.Println("      - (无)")
			} else {
				for _, ind := range bot.Indicators {
					fmt.Printf("      - %s\n", ind)
				}
			}
			if bot.ConfigErr != "" {
				fmt.Printf("    [配置错误]: %s\n", bot.ConfigErr)
			}
			fmt.Println()
		}
	}
	fmt.Println(strings.Repeat("=", 80))
}
