package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		name  string
		score float64
		want  Action
	}{
		{"strong sell pressure", 0.42, ActionSell},
		{"exact sell threshold", 0.30, ActionSell},
		{"neutral", 0.0, ActionHold},
		{"just inside dead zone", -0.29, ActionHold},
		{"exact buy threshold", -0.30, ActionBuy},
		{"strong buy pressure", -0.8, ActionBuy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Resolve(tc.score, -0.30, 0.30))
		})
	}
}

func TestClassifyEdges(t *testing.T) {
	cases := []struct {
		score float64
		want  Temperature
	}{
		{0.05, TemperatureCool},
		{0.049, TemperatureFrozen},
		{-0.30, TemperatureHot},
		{0.30, TemperatureHot},
		{0.15, TemperatureWarm},
		{0.1499, TemperatureCool},
		{-0.2, TemperatureWarm},
		{0.0, TemperatureFrozen},
		{0.95, TemperatureHot},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.score), "score=%v", tc.score)
	}
}

func TestTemperatureRankOrdering(t *testing.T) {
	assert.True(t, TemperatureHot.AtLeast(TemperatureWarm))
	assert.True(t, TemperatureWarm.AtLeast(TemperatureWarm))
	assert.False(t, TemperatureCool.AtLeast(TemperatureWarm))
	assert.False(t, TemperatureFrozen.AtLeast(TemperatureCool))
}

func TestParseTemperature(t *testing.T) {
	assert.Equal(t, TemperatureHot, ParseTemperature("hot"))
	assert.Equal(t, TemperatureWarm, ParseTemperature("WARM"))
	assert.Equal(t, TemperatureFrozen, ParseTemperature("unknown"))
}

func TestRejectError(t *testing.T) {
	rej := NewReject(KindSafety, ReasonCooldownActive, "12s remaining")
	assert.Equal(t, "safety_rejection/cooldown_active: 12s remaining", rej.Error())
	assert.False(t, rej.Kind.Retryable())

	conflict := NewReject(KindConcurrency, ReasonTradeInProgress, "")
	assert.True(t, conflict.Kind.Retryable())
}
