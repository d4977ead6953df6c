package sizing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSizerMultiplierTable(t *testing.T) {
	s := NewSizer(0.2, 3.0)

	cases := []struct {
		name       string
		regime     Regime
		confidence float64
		wantMult   float64
	}{
		{"ranging neutral", Regime{Trend: TrendRanging, Volatility: VolNormal}, 0.5, 1.0},
		{"trending", Regime{Trend: TrendTrending, Volatility: VolNormal}, 0.5, 1.5},
		{"strong trending", Regime{Trend: TrendTrending, Volatility: VolNormal}, 0.8, 2.0},
		{"choppy", Regime{Trend: TrendChoppy, Volatility: VolNormal}, 0.5, 0.7},
		{"choppy high vol low confidence", Regime{Trend: TrendChoppy, Volatility: VolHigh}, 0.2, 0.7 * 0.6 * 0.5},
		{"trending low vol", Regime{Trend: TrendTrending, Volatility: VolLow}, 0.5, 1.5 * 1.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := s.Size(100, tc.confidence, tc.regime, 0, 0)
			assert.InDelta(t, tc.wantMult, snap.Multiplier, 1e-9)
			assert.InDelta(t, 100*tc.wantMult, snap.FinalUSD, 1e-9)
		})
	}
}

func TestSizerClampsToMultiplierBand(t *testing.T) {
	s := NewSizer(0.5, 1.2)

	// 2.0 倍被压到带上限。
	snap := s.Size(100, 0.9, Regime{Trend: TrendTrending, Volatility: VolNormal}, 0, 0)
	assert.InDelta(t, 1.2, snap.Multiplier, 1e-9)

	// 0.21 倍被抬到带下限。
	snap = s.Size(100, 0.1, Regime{Trend: TrendChoppy, Volatility: VolHigh}, 0, 0)
	assert.InDelta(t, 0.5, snap.Multiplier, 1e-9)
}

func TestSizerClampsToOrderLimits(t *testing.T) {
	s := NewSizer(0.2, 3.0)

	snap := s.Size(100, 0.8, Regime{Trend: TrendTrending, Volatility: VolNormal}, 10, 150)
	assert.InDelta(t, 150, snap.FinalUSD, 1e-9, "超出单笔上限要截断")

	snap = s.Size(10, 0.2, Regime{Trend: TrendChoppy, Volatility: VolHigh}, 25, 1000)
	assert.InDelta(t, 25, snap.FinalUSD, 1e-9, "低于单笔下限要抬升")
}

func TestSizerDeterministic(t *testing.T) {
	s := NewSizer(0.2, 3.0)
	regime := Regime{Trend: TrendTrending, Volatility: VolHigh, ADX: 31.2, ATRRatio: 0.04}

	first := s.Size(250, 0.65, regime, 10, 10_000)
	second := s.Size(250, 0.65, regime, 10, 10_000)
	assert.Equal(t, first, second)
}

func TestNewSizerFallsBackOnBadBand(t *testing.T) {
	s := NewSizer(3.0, 0.2)
	assert.Equal(t, DefaultMinMultiplier, s.minMult)
	assert.Equal(t, DefaultMaxMultiplier, s.maxMult)
}
