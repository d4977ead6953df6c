package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marlin/internal/decision"
	"marlin/internal/ledger"
)

type fakeFillSource struct {
	fills    []ledger.JournaledFill
	err      error
	gotSince time.Time
}

func (f *fakeFillSource) FillsSince(ctx context.Context, since time.Time) ([]ledger.JournaledFill, error) {
	f.gotSince = since
	return f.fills, f.err
}

type fakePositions struct {
	positions []ledger.PositionSummary
}

func (f *fakePositions) PositionSummaries(ctx context.Context) []ledger.PositionSummary {
	return f.positions
}

type fakeSender struct {
	texts    []string
	captions []string
	photos   [][]byte
}

func (f *fakeSender) SendText(text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) SendPhoto(caption string, photo []byte) error {
	f.captions = append(f.captions, caption)
	f.photos = append(f.photos, photo)
	return nil
}

func fill(pair string, side decision.Action, realized, fee float64, at time.Time) ledger.JournaledFill {
	return ledger.JournaledFill{
		Fill: ledger.Fill{
			FillID: pair + at.Format("150405"), Pair: pair, Side: side,
			Quantity: 1, Price: 100, Fee: fee, FilledAt: at,
		},
		RealizedDelta: realized,
	}
}

var day0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestCollectAggregatesWindow(t *testing.T) {
	source := &fakeFillSource{fills: []ledger.JournaledFill{
		fill("ETH/USDT", decision.ActionBuy, 0, 0.10, day0.Add(2*time.Hour)),
		fill("ETH/USDT", decision.ActionSell, 12.5, 0.11, day0.Add(6*time.Hour)),
		fill("BTC/USDT", decision.ActionSell, -3.0, 0.20, day0.Add(23*time.Hour)),
		// 窗口右端之后的成交属于下一天。
		fill("BTC/USDT", decision.ActionBuy, 0, 0.30, day0.Add(24*time.Hour)),
	}}
	r := NewReporter(Params{Fills: source, Positions: &fakePositions{positions: []ledger.PositionSummary{
		{Pair: "ETH/USDT", CurrentQuantity: 1.5, AverageCostBasis: 1800, UnrealizedPnL: 30},
	}}})

	day, err := r.Collect(context.Background(), day0, day0.Add(24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, day0, source.gotSince)
	assert.Len(t, day.Fills, 3)
	assert.Equal(t, 1, day.BuyCount)
	assert.Equal(t, 2, day.SellCount)
	assert.InDelta(t, 9.5, day.RealizedTotal, 1e-9)
	assert.InDelta(t, 0.41, day.FeesTotal, 1e-9)
	assert.Len(t, day.Positions, 1)
}

func TestSummaryText(t *testing.T) {
	day := Daily{
		WindowStart: day0,
		WindowEnd:   day0.Add(24 * time.Hour),
		Fills: []ledger.JournaledFill{
			fill("ETH/USDT", decision.ActionBuy, 0, 0.10, day0.Add(time.Hour)),
			fill("ETH/USDT", decision.ActionSell, 12.5, 0.11, day0.Add(2*time.Hour)),
		},
		Positions: []ledger.PositionSummary{
			{Pair: "ETH/USDT", CurrentQuantity: 1.5, AverageCostBasis: 1800, UnrealizedPnL: -12.3},
			{Pair: "BTC/USDT", CurrentQuantity: 0},
		},
		BuyCount: 1, SellCount: 1, RealizedTotal: 12.5, FeesTotal: 0.21,
	}

	text := summaryText(day)
	assert.Contains(t, text, "每日报告 2026-03-01")
	assert.Contains(t, text, "成交 2 笔（买 1 / 卖 1）")
	assert.Contains(t, text, "已实现盈亏 +12.50 USDT")
	assert.Contains(t, text, "ETH/USDT 1.500000 @ 1800.0000（浮动 -12.30）")
	assert.NotContains(t, text, "BTC/USDT", "零持仓不展示")
}

func TestSummaryTextEmptyDay(t *testing.T) {
	text := summaryText(Daily{WindowStart: day0})
	assert.Contains(t, text, "当日无成交,当前无持仓")
}

func TestBuildReportHTML(t *testing.T) {
	// 无数据:没有图。
	_, count, err := buildReportHTML(Daily{})
	require.NoError(t, err)
	assert.Zero(t, count)

	// 只有成交:一张累计曲线。
	withFills := Daily{
		WindowStart: day0,
		Fills: []ledger.JournaledFill{
			fill("ETH/USDT", decision.ActionSell, 5, 0.1, day0.Add(time.Hour)),
		},
		RealizedTotal: 5,
	}
	html, count, err := buildReportHTML(withFills)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Contains(t, string(html), "echarts")

	// 成交 + 持仓:曲线 + 柱状图。
	withFills.Positions = []ledger.PositionSummary{
		{Pair: "ETH/USDT", CurrentQuantity: 2, AverageCostBasis: 1800},
	}
	_, count, err = buildReportHTML(withFills)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPublishReportsPreviousDayWindow(t *testing.T) {
	source := &fakeFillSource{fills: []ledger.JournaledFill{
		// 今天凌晨的成交不属于昨天的报告。
		fill("ETH/USDT", decision.ActionBuy, 0, 0.1, time.Date(2026, 3, 2, 0, 2, 0, 0, time.UTC)),
	}}
	sender := &fakeSender{}
	r := NewReporter(Params{Fills: source, Sender: sender})
	r.nowFn = func() time.Time {
		return time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC)
	}

	require.NoError(t, r.Publish(context.Background()))

	assert.Equal(t, day0, source.gotSince)
	require.Len(t, sender.texts, 1, "无图可画时退化为文本")
	assert.Contains(t, sender.texts[0], "每日报告 2026-03-01")
	assert.Contains(t, sender.texts[0], "当日无成交")
	assert.Empty(t, sender.photos)
}

func TestPublishWithoutSenderOnlyLogs(t *testing.T) {
	r := NewReporter(Params{Fills: &fakeFillSource{}})
	r.nowFn = func() time.Time { return day0.Add(24*time.Hour + 5*time.Minute) }
	require.NoError(t, r.Publish(context.Background()))
}
