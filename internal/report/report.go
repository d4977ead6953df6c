package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"marlin/internal/ledger"
	"marlin/internal/logger"
	"marlin/internal/safety"
	"marlin/internal/scheduler"
)

// 中文说明：
// 日报：每天 UTC 零点后汇总前一日成交与当前持仓，渲染成图表推送 Telegram。
// 图表渲染依赖 headless Chrome，不可用时退化为纯文本摘要，日报从不缺席。

// FillSource 成交日志的统计读取端。
type FillSource interface {
	FillsSince(ctx context.Context, since time.Time) ([]ledger.JournaledFill, error)
}

// PositionSource 当前持仓汇总，引擎实现。
type PositionSource interface {
	PositionSummaries(ctx context.Context) []ledger.PositionSummary
}

// Sender 推送端，图片优先、文本兜底。
type Sender interface {
	SendText(text string) error
	SendPhoto(caption string, photo []byte) error
}

// Daily 一天的汇总快照。
type Daily struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Fills       []ledger.JournaledFill
	Positions   []ledger.PositionSummary

	BuyCount      int
	SellCount     int
	RealizedTotal float64
	FeesTotal     float64
}

// Empty 当天无成交且无持仓。
func (d Daily) Empty() bool {
	return len(d.Fills) == 0 && len(d.Positions) == 0
}

const (
	collectTimeout = 30 * time.Second
	// 日报在 UTC 零点后 5 分钟发，给最后一根日线的收尾留缓冲。
	defaultOffset = 5 * time.Minute
)

// Params Reporter 构造参数。
type Params struct {
	Fills     FillSource
	Positions PositionSource
	Sender    Sender
	Offset    time.Duration
}

// Reporter 定时汇总并推送日报。
type Reporter struct {
	Fills     FillSource
	Positions PositionSource
	Sender    Sender
	Offset    time.Duration

	nowFn func() time.Time
}

func NewReporter(p Params) *Reporter {
	offset := p.Offset
	if offset <= 0 {
		offset = defaultOffset
	}
	return &Reporter{
		Fills:     p.Fills,
		Positions: p.Positions,
		Sender:    p.Sender,
		Offset:    offset,
		nowFn:     time.Now,
	}
}

// Run 阻塞运行日报循环，ctx 取消后返回 nil。
func (r *Reporter) Run(ctx context.Context) error {
	if r == nil || r.Fills == nil {
		logger.Warnf("日报未配置成交来源,跳过")
		<-ctx.Done()
		return nil
	}
	sched := scheduler.NewAlignedOnceScheduler(ctx, 24*time.Hour, 24*time.Hour, r.Offset)
	sched.Name = "DailyReport"
	sched.Start(func() {
		if err := r.Publish(ctx); err != nil {
			logger.Errorf("日报推送失败: %v", err)
		}
	})
	return nil
}

// Publish 汇总前一日并推送。手动触发也走这里。
func (r *Reporter) Publish(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, collectTimeout)
	defer cancel()

	now := r.now()
	end := safety.DayStart(now)
	day, err := r.Collect(cctx, end.Add(-24*time.Hour), end)
	if err != nil {
		return fmt.Errorf("日报数据汇总失败: %w", err)
	}
	caption := summaryText(day)
	if r.Sender == nil {
		logger.InfoBlock(caption)
		return nil
	}

	png, err := renderChartPNG(ctx, day)
	if err != nil {
		logger.Warnf("日报图表渲染失败,退化为文本: %v", err)
		return r.Sender.SendText(caption)
	}
	if len(png) == 0 {
		return r.Sender.SendText(caption)
	}
	return r.Sender.SendPhoto(caption, png)
}

// Collect 汇总 [start, end) 窗口内的成交与当前持仓。
func (r *Reporter) Collect(ctx context.Context, start, end time.Time) (Daily, error) {
	day := Daily{WindowStart: start, WindowEnd: end}

	fills, err := r.Fills.FillsSince(ctx, start)
	if err != nil {
		return Daily{}, err
	}
	for _, f := range fills {
		if !f.FilledAt.Before(end) {
			continue
		}
		day.Fills = append(day.Fills, f)
		day.RealizedTotal += f.RealizedDelta
		day.FeesTotal += f.Fee
		switch f.Side.Side() {
		case "buy":
			day.BuyCount++
		case "sell":
			day.SellCount++
		}
	}

	if r.Positions != nil {
		day.Positions = r.Positions.PositionSummaries(ctx)
	}
	return day, nil
}

// summaryText 纯文本摘要，同时作为图片说明。
func summaryText(day Daily) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 每日报告 %s\n", day.WindowStart.UTC().Format("2006-01-02"))
	if day.Empty() {
		b.WriteString("当日无成交,当前无持仓。")
		return b.String()
	}
	fmt.Fprintf(&b, "成交 %d 笔（买 %d / 卖 %d）\n", len(day.Fills), day.BuyCount, day.SellCount)
	fmt.Fprintf(&b, "已实现盈亏 %+.2f USDT · 手续费 %.2f USDT\n", day.RealizedTotal, day.FeesTotal)

	if len(day.Positions) > 0 {
		b.WriteString("持仓：\n")
		positions := append([]ledger.PositionSummary(nil), day.Positions...)
		sort.Slice(positions, func(i, j int) bool { return positions[i].Pair < positions[j].Pair })
		for _, p := range positions {
			if p.CurrentQuantity <= 0 {
				continue
			}
			fmt.Fprintf(&b, "  %s %.6f @ %.4f（浮动 %+.2f）\n",
				p.Pair, p.CurrentQuantity, p.AverageCostBasis, p.UnrealizedPnL)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Reporter) now() time.Time {
	if r.nowFn != nil {
		return r.nowFn()
	}
	return time.Now()
}
