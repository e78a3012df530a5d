package risk

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperloop/paperloop/internal/atomicio"
	"github.com/paperloop/paperloop/internal/store"
)

func newTestAdapter(t *testing.T, mode store.Mode) (*Adapter, store.Layout) {
	t.Helper()
	layout := store.NewLayout(t.TempDir(), mode)
	a, err := NewAdapter(layout)
	require.NoError(t, err)
	return a, layout
}

func appendCloses(t *testing.T, layout store.Layout, pcts ...float64) {
	t.Helper()
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, p := range pcts {
		require.NoError(t, atomicio.AppendJSONL(layout.TradeLog(), map[string]any{
			"ts": ts.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
			"type": "close", "symbol": "BTCUSDT", "timeframe": "15m", "pct": p,
		}))
	}
}

func TestEvaluate_FreshStartIsBandA(t *testing.T) {
	a, _ := newTestAdapter(t, store.ModePaper)
	st, err := a.Evaluate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, BandA, st.Band)
	assert.Equal(t, 1.00, st.Mult)
	assert.Equal(t, 0.0, st.Drawdown)
	assert.Equal(t, 1.0, st.Equity)
}

func TestEvaluate_DrawdownDemotes(t *testing.T) {
	a, layout := newTestAdapter(t, store.ModePaper)

	_, err := a.Evaluate(time.Now())
	require.NoError(t, err)

	// 7% drawdown from peak: band B.
	require.NoError(t, atomicio.AppendJSONL(layout.EquityCurve(), map[string]any{"ts": "2026-03-01T00:00:00Z", "equity": 1.0}))
	require.NoError(t, atomicio.AppendJSONL(layout.EquityCurve(), map[string]any{"ts": "2026-03-01T01:00:00Z", "equity": 0.93}))
	st, err := a.Evaluate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, BandB, st.Band)
	assert.Equal(t, 0.70, st.Mult)
	assert.InDelta(t, 0.07, st.Drawdown, 1e-9)

	// 12% drawdown: band C.
	require.NoError(t, atomicio.AppendJSONL(layout.EquityCurve(), map[string]any{"ts": "2026-03-01T02:00:00Z", "equity": 0.88}))
	st, err = a.Evaluate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, BandC, st.Band)
	assert.Equal(t, 0.50, st.Mult)
}

func TestEvaluate_PaperRecoveryHeldWithoutPF(t *testing.T) {
	a, layout := newTestAdapter(t, store.ModePaper)

	writeEquityRaw(t, layout, 1.0, 0.88) // 12% DD -> C
	_, err := a.Evaluate(time.Now())
	require.NoError(t, err)

	// Drawdown recovers to 4% but the only closes are losers: stay in C.
	writeEquityRaw(t, layout, 1.0, 0.88, 0.96)
	appendCloses(t, layout, -0.5, -0.3, -0.2)
	st, err := a.Evaluate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, BandC, st.Band)
	assert.Equal(t, "promotion gates not met", st.Reason)
}

func TestEvaluate_PaperPFPromotionCToB(t *testing.T) {
	a, layout := newTestAdapter(t, store.ModePaper)

	writeEquityRaw(t, layout, 1.0, 0.88)
	_, err := a.Evaluate(time.Now())
	require.NoError(t, err)
	require.Equal(t, BandC, a.State().Band)

	// Recover to 4% DD with 24 winning closes: PF30 gate passes.
	writeEquityRaw(t, layout, 1.0, 0.88, 0.96)
	pcts := make([]float64, 24)
	for i := range pcts {
		pcts[i] = 0.4
	}
	appendCloses(t, layout, pcts...)

	st, err := a.Evaluate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, BandB, st.Band)
	assert.Equal(t, "pf promotion C->B", st.Reason)

	// One transition line was appended with the rationale.
	data, err := os.ReadFile(layout.RiskAdapterLog())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"from":"C"`)
	assert.Contains(t, string(data), `"to":"B"`)
}

func TestEvaluate_PaperPFPromotionBToA(t *testing.T) {
	a, layout := newTestAdapter(t, store.ModePaper)

	writeEquityRaw(t, layout, 1.0, 0.93) // 7% DD -> B
	_, err := a.Evaluate(time.Now())
	require.NoError(t, err)
	require.Equal(t, BandB, a.State().Band)

	// Recover to 2% DD with 45 mixed-but-profitable closes.
	writeEquityRaw(t, layout, 1.0, 0.93, 0.98)
	pcts := make([]float64, 45)
	for i := range pcts {
		if i%5 == 4 {
			pcts[i] = -0.3
		} else {
			pcts[i] = 0.5
		}
	}
	appendCloses(t, layout, pcts...)

	st, err := a.Evaluate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, BandA, st.Band)
	assert.Equal(t, 1.00, st.Mult)
}

func TestEvaluate_NoCloseHistoryRecoversOnDrawdownAlone(t *testing.T) {
	a, layout := newTestAdapter(t, store.ModePaper)

	writeEquityRaw(t, layout, 1.0, 0.93)
	_, err := a.Evaluate(time.Now())
	require.NoError(t, err)
	require.Equal(t, BandB, a.State().Band)

	writeEquityRaw(t, layout, 1.0, 0.93, 0.99)
	st, err := a.Evaluate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, BandA, st.Band)
	assert.Equal(t, "drawdown recovery, no close history", st.Reason)
}

func TestEvaluate_LiveModeSkipsPFGates(t *testing.T) {
	a, layout := newTestAdapter(t, store.ModeLive)

	writeEquityRaw(t, layout, 1.0, 0.88)
	_, err := a.Evaluate(time.Now())
	require.NoError(t, err)
	require.Equal(t, BandC, a.State().Band)

	appendCloses(t, layout, -1.0, -1.0) // adverse PF is irrelevant outside PAPER
	writeEquityRaw(t, layout, 1.0, 0.88, 0.98)
	st, err := a.Evaluate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, BandA, st.Band)
}

func TestEvaluate_StateSurvivesRestart(t *testing.T) {
	layout := store.NewLayout(t.TempDir(), store.ModePaper)
	a, err := NewAdapter(layout)
	require.NoError(t, err)

	writeEquityRaw(t, layout, 1.0, 0.88)
	_, err = a.Evaluate(time.Now())
	require.NoError(t, err)
	require.NoError(t, a.Flush())

	// Restarted process sees the persisted band C even though DD recovered.
	writeEquityRaw(t, layout, 1.0, 0.88, 0.97)
	a2, err := NewAdapter(layout)
	require.NoError(t, err)
	appendCloses(t, layout, -0.5)
	st, err := a2.Evaluate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, BandC, st.Band)
}

// writeEquityRaw rewrites the equity curve wholesale, tolerating a missing
// file on the first call.
func writeEquityRaw(t *testing.T, layout store.Layout, values ...float64) {
	t.Helper()
	err := os.Remove(layout.EquityCurve())
	if err != nil && !os.IsNotExist(err) {
		require.NoError(t, err)
	}
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range values {
		require.NoError(t, atomicio.AppendJSONL(layout.EquityCurve(), map[string]any{
			"ts": ts.Add(time.Duration(i) * time.Hour).Format(time.RFC3339), "equity": v,
		}))
	}
}
