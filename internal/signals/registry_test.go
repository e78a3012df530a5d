package signals

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperloop/paperloop/internal/market"
)

func syntheticBars(n int, drift float64) []market.Bar {
	bars := make([]market.Bar, n)
	px := 100.0
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		px += drift + math.Sin(float64(i)/3)*0.2
		bars[i] = market.Bar{
			TS:     ts.Add(time.Duration(i) * 15 * time.Minute),
			Open:   px - 0.1,
			High:   px + 0.5,
			Low:    px - 0.5,
			Close:  px,
			Volume: 1000 + float64(i%7)*50,
		}
	}
	return bars
}

func fullContext(n int) Context {
	return Context{
		Bars:   syntheticBars(n, 0.3),
		Derivs: DerivsData{FundingRate: 0.0003, OpenInterest: []float64{100, 102, 101, 104, 107, 110}},
		Micro:  MicroData{SpreadBps: 4, DepthUSD: 250000},
		Now:    time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC),
	}
}

func TestRegistry_VectorInvariants(t *testing.T) {
	r := NewRegistry(false)
	vector, raw := r.Build(fullContext(120))

	assert.Equal(t, r.Len(), len(vector))
	assert.Equal(t, r.Len(), len(raw))

	for i, v := range vector {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "element %d not finite", i)
		assert.GreaterOrEqual(t, v, -1.0, "element %d below -1", i)
		assert.LessOrEqual(t, v, 1.0, "element %d above 1", i)
	}

	for _, spec := range r.Specs() {
		entry, ok := raw[spec.Name]
		require.True(t, ok, "registry missing %s", spec.Name)
		assert.Empty(t, entry.Error, "signal %s errored on full context", spec.Name)
	}
}

func TestRegistry_InsufficientBars(t *testing.T) {
	r := NewRegistry(false)
	ctx := fullContext(5) // far below every indicator window

	vector, raw := r.Build(ctx)
	assert.Equal(t, r.Len(), len(vector))

	// Bar-driven signals error out and contribute exactly zero.
	for _, name := range []string{"rsi14", "ema_cross", "macd_hist", "bb_position", "volume_surge"} {
		entry := raw[name]
		assert.NotEmpty(t, entry.Error, "%s should report an error", name)
		assert.Zero(t, entry.Value, "%s value should be zero", name)
	}

	// Context-only signals still work.
	assert.Empty(t, raw["funding_basis"].Error)
	assert.Empty(t, raw["hour_of_day"].Error)
}

func TestNormalize_LinearClamps(t *testing.T) {
	spec := Spec{Method: NormLinear, Center: 50, Scale: 50}
	assert.Equal(t, 1.0, normalize(spec, []float64{200}))
	assert.Equal(t, -1.0, normalize(spec, []float64{-100}))
	assert.InDelta(t, 0.5, normalize(spec, []float64{75}), 1e-9)
}

func TestNormalize_ZScoreFlatSeries(t *testing.T) {
	spec := Spec{Method: NormZScore}
	v := normalize(spec, []float64{3, 3, 3, 3})
	assert.False(t, math.IsNaN(v))
	assert.InDelta(t, 0, v, 1e-9)
}

func TestUptrend_MomentumPositive(t *testing.T) {
	r := NewRegistry(false)
	_, raw := r.Build(fullContext(120))

	// A steady drift up should read as positive momentum on RSI.
	assert.Greater(t, raw["rsi14"].Value, 0.0)
	assert.Greater(t, raw["ema_cross"].Value, 0.0)
}
