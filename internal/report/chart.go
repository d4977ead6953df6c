package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorGain          = "#34d399"
	colorLoss          = "#f87171"
	colorValue         = "#3b82f6"

	chartWidthPx  = 1200
	chartHeightPx = 460
)

// renderChartPNG 把日报画成 PNG。无数据时返回 (nil, nil)，调用方走文本。
func renderChartPNG(ctx context.Context, day Daily) ([]byte, error) {
	html, count, err := buildReportHTML(day)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return nil, err
	}
	height := count*chartHeightPx + 60
	if height < 520 {
		height = 520
	}
	return renderHTMLToPNG(ctx, html, chartWidthPx, height)
}

// buildReportHTML 组装图表页：已实现盈亏累计曲线 + 持仓市值柱状图。
// 返回渲染出的图表数，为 0 时没有可画的内容。
func buildReportHTML(day Daily) ([]byte, int, error) {
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	count := 0

	if line := buildRealizedLine(day); line != nil {
		page.AddCharts(line)
		count++
	}
	if bar := buildPositionBar(day); bar != nil {
		page.AddCharts(bar)
		count++
	}
	if count == 0 {
		return nil, 0, nil
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), count, nil
}

func chartInit() opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", chartHeightPx),
		BackgroundColor: colorBackground,
	}
}

// buildRealizedLine 当日已实现盈亏的累计曲线，无成交返回 nil。
func buildRealizedLine(day Daily) *charts.Line {
	if len(day.Fills) == 0 {
		return nil
	}
	xAxis := make([]string, 0, len(day.Fills))
	data := make([]opts.LineData, 0, len(day.Fills))
	cum := 0.0
	for _, f := range day.Fills {
		cum += f.RealizedDelta
		xAxis = append(xAxis, f.FilledAt.UTC().Format("15:04"))
		data = append(data, opts.LineData{Value: round2(cum)})
	}

	lineColor := colorGain
	if cum < 0 {
		lineColor = colorLoss
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(chartInit()),
		charts.WithTitleOpts(opts.Title{
			Title:         fmt.Sprintf("已实现盈亏（累计） %s", day.WindowStart.UTC().Format("2006-01-02")),
			Subtitle:      fmt.Sprintf("全天 %+.2f USDT · 手续费 %.2f USDT", day.RealizedTotal, day.FeesTotal),
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("Realized", data,
		charts.WithLineStyleOpts(opts.LineStyle{Color: lineColor, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	return line
}

// buildPositionBar 每个交易对的持仓市值和当日已实现，无内容返回 nil。
func buildPositionBar(day Daily) *charts.Bar {
	realizedByPair := make(map[string]float64)
	for _, f := range day.Fills {
		realizedByPair[f.Pair] += f.RealizedDelta
	}

	pairs := make([]string, 0, len(day.Positions)+len(realizedByPair))
	seen := make(map[string]bool)
	for _, p := range day.Positions {
		if p.CurrentQuantity > 0 && !seen[p.Pair] {
			pairs = append(pairs, p.Pair)
			seen[p.Pair] = true
		}
	}
	for pair := range realizedByPair {
		if !seen[pair] {
			pairs = append(pairs, pair)
			seen[pair] = true
		}
	}
	if len(pairs) == 0 {
		return nil
	}
	sort.Strings(pairs)

	valueByPair := make(map[string]float64, len(day.Positions))
	for _, p := range day.Positions {
		valueByPair[p.Pair] = p.CurrentQuantity*p.AverageCostBasis + p.UnrealizedPnL
	}

	values := make([]opts.BarData, len(pairs))
	realized := make([]opts.BarData, len(pairs))
	for i, pair := range pairs {
		values[i] = opts.BarData{
			Value:     round2(valueByPair[pair]),
			ItemStyle: &opts.ItemStyle{Color: colorValue, Opacity: opts.Float(0.75)},
		}
		r := realizedByPair[pair]
		color := colorGain
		if r < 0 {
			color = colorLoss
		}
		realized[i] = opts.BarData{
			Value:     round2(r),
			ItemStyle: &opts.ItemStyle{Color: color},
		}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(chartInit()),
		charts.WithTitleOpts(opts.Title{
			Title:      "持仓市值 / 当日已实现",
			Left:       "left",
			Top:        "10",
			TitleStyle: &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextSecondary}}),
		charts.WithXAxisOpts(opts.XAxis{
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	bar.SetXAxis(pairs)
	bar.AddSeries("市值 (USDT)", values)
	bar.AddSeries("当日已实现 (USDT)", realized)
	return bar
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable 探一次 headless Chrome，结果全程缓存。
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		if cancel != nil {
			defer cancel()
		}
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
