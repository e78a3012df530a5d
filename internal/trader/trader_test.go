package trader

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperloop/paperloop/internal/config"
	"github.com/paperloop/paperloop/internal/council"
	"github.com/paperloop/paperloop/internal/regime"
	"github.com/paperloop/paperloop/internal/risk"
	"github.com/paperloop/paperloop/internal/store"
)

func testGates() council.Gates {
	return council.Gates{EntryMinConf: 0.55, ExitMinConf: 0.30, ReverseMinConf: 0.60}
}

func newTestTrader(t *testing.T) (*Trader, store.Layout) {
	t.Helper()
	layout := store.NewLayout(t.TempDir(), store.ModePaper)
	tr, err := New(config.DefaultConfig().Trading, layout)
	require.NoError(t, err)
	return tr, layout
}

func input(ts time.Time, price float64, dir int, conf float64) Input {
	return Input{
		TS:        ts,
		Symbol:    "BTCUSDT",
		Timeframe: "15m",
		Price:     price,
		Regime:    regime.TrendUp,
		Decision: council.Decision{
			Regime: regime.TrendUp,
			Final:  council.Final{Dir: dir, Conf: conf},
			Gates:  testGates(),
		},
		RiskBand: risk.BandA,
		RiskMult: 1.0,
	}
}

func TestTick_OpenHoldTakeProfit(t *testing.T) {
	tr, _ := newTestTrader(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	out, err := tr.Tick(input(t0, 50000, 1, 0.85))
	require.NoError(t, err)
	assert.Equal(t, "open", out.Action)
	require.NotNil(t, out.Position)
	assert.Equal(t, 1, out.Position.Dir)
	assert.Equal(t, 0, out.Position.BarsOpen)

	// Price up 0.3% with sustained conviction: take-profit fires (both
	// the conviction and the minimum price move are satisfied).
	out, err = tr.Tick(input(t0.Add(15*time.Minute), 50150, 1, 0.85))
	require.NoError(t, err)
	assert.Equal(t, "close", out.Action)
	assert.Equal(t, ExitTP, out.ExitReason)
	assert.False(t, out.Scratch)

	// pct = 0.3 - (2*5 + 2)/100 = 0.18
	require.NotNil(t, out.PnLPct)
	assert.InDelta(t, 0.18, *out.PnLPct, 1e-9)
	assert.InDelta(t, 1.0018, out.Equity, 1e-9)

	_, open := tr.Position("BTCUSDT", "15m")
	assert.False(t, open)
}

func TestTick_HoldIncrementsBarsOpen(t *testing.T) {
	tr, _ := newTestTrader(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := tr.Tick(input(t0, 50000, 1, 0.85))
	require.NoError(t, err)

	// Confidence above exit gate but below TP conviction: hold.
	out, err := tr.Tick(input(t0.Add(15*time.Minute), 50010, 1, 0.50))
	require.NoError(t, err)
	assert.Equal(t, "hold", out.Action)
	require.NotNil(t, out.Position)
	assert.Equal(t, 1, out.Position.BarsOpen)
}

func TestTick_ScratchClose(t *testing.T) {
	layout := store.NewLayout(t.TempDir(), store.ModePaper)
	cfg := config.DefaultConfig().Trading
	cfg.TakerFeeBps = 1
	cfg.SlipBps = 0.5
	tr, err := New(cfg, layout)
	require.NoError(t, err)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err = tr.Tick(input(t0, 50000, 1, 0.85))
	require.NoError(t, err)

	// Confidence collapses with price barely moved: drop exit nets out
	// near zero and is flagged scratch.
	out, err := tr.Tick(input(t0.Add(15*time.Minute), 50015, 1, 0.10))
	require.NoError(t, err)
	assert.Equal(t, "close", out.Action)
	assert.Equal(t, ExitDrop, out.ExitReason)
	assert.True(t, out.Scratch)

	data, err := os.ReadFile(layout.TradeLog())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"is_scratch":true`)

	// Downstream PF excludes the scratch close.
	closes, err := risk.ReadCloses(layout.TradeLog())
	require.NoError(t, err)
	_, samples := risk.WindowPF(closes, 10)
	assert.Zero(t, samples)
}

func TestTick_FlipOnReverse(t *testing.T) {
	tr, layout := newTestTrader(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := tr.Tick(input(t0, 50000, 1, 0.85))
	require.NoError(t, err)

	// Counter-direction at conf 0.70 >= reverse_min_conf 0.60 on a
	// winning position: reverse, then flip within the same tick.
	exitTS := t0.Add(15 * time.Minute)
	out, err := tr.Tick(input(exitTS, 50100, -1, 0.70))
	require.NoError(t, err)
	assert.Equal(t, "flip", out.Action)
	assert.Equal(t, ExitReverse, out.ExitReason)
	require.NotNil(t, out.Position)
	assert.Equal(t, -1, out.Position.Dir)
	assert.Equal(t, 0, out.Position.BarsOpen)
	assert.Equal(t, exitTS, out.Position.EntryTS)

	// Exactly one close and one open were appended, sharing the timestamp.
	data, err := os.ReadFile(layout.TradeLog())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3) // first open, close, flip open
	assert.Contains(t, lines[1], `"type":"close"`)
	assert.Contains(t, lines[2], `"type":"open"`)
	assert.Contains(t, lines[1], exitTS.Format(time.RFC3339))
	assert.Contains(t, lines[2], exitTS.Format(time.RFC3339))
}

func TestTick_StopLossBeatsReverseOnLosingPosition(t *testing.T) {
	tr, _ := newTestTrader(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := tr.Tick(input(t0, 50000, 1, 0.85))
	require.NoError(t, err)

	// Same counter-signal, but the position is under water: stop out
	// without flipping.
	out, err := tr.Tick(input(t0.Add(15*time.Minute), 49500, -1, 0.70))
	require.NoError(t, err)
	assert.Equal(t, "close", out.Action)
	assert.Equal(t, ExitStopLoss, out.ExitReason)
	assert.Nil(t, out.Position)
}

func TestTick_DecayExit(t *testing.T) {
	layout := store.NewLayout(t.TempDir(), store.ModePaper)
	cfg := config.DefaultConfig().Trading
	cfg.DecayBars = 2
	tr, err := New(cfg, layout)
	require.NoError(t, err)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err = tr.Tick(input(t0, 50000, 1, 0.85))
	require.NoError(t, err)

	out, err := tr.Tick(input(t0.Add(15*time.Minute), 50000, 1, 0.50))
	require.NoError(t, err)
	assert.Equal(t, "hold", out.Action)

	out, err = tr.Tick(input(t0.Add(30*time.Minute), 50000, 1, 0.50))
	require.NoError(t, err)
	assert.Equal(t, "close", out.Action)
	assert.Equal(t, ExitDecay, out.ExitReason)
}

func TestTick_EntryGating(t *testing.T) {
	tr, _ := newTestTrader(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Below the entry gate: no open, not eligible.
	out, err := tr.Tick(input(t0, 50000, 1, 0.50))
	require.NoError(t, err)
	assert.Equal(t, "flat", out.Action)
	assert.False(t, out.Eligible)

	// Neutral direction never opens.
	out, err = tr.Tick(input(t0, 50000, 0, 0.90))
	require.NoError(t, err)
	assert.Equal(t, "flat", out.Action)
	assert.False(t, out.Eligible)

	// Disallowed regime never opens.
	in := input(t0, 50000, 1, 0.90)
	in.Regime = regime.PanicDown
	out, err = tr.Tick(in)
	require.NoError(t, err)
	assert.Equal(t, "flat", out.Action)
	assert.False(t, out.Eligible)
}

func TestTick_ThresholdSoftenedUnderReducedRisk(t *testing.T) {
	tr, _ := newTestTrader(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// conf 0.50 < 0.55 gate, but risk_mult < 1.0 softens the gate to 0.48.
	in := input(t0, 50000, 1, 0.50)
	in.RiskBand = risk.BandB
	in.RiskMult = 0.70
	out, err := tr.Tick(in)
	require.NoError(t, err)
	assert.Equal(t, "open", out.Action)
}

func TestTick_AllowOpensPolicyBlocksButEligibilityTracksThreshold(t *testing.T) {
	layout := store.NewLayout(t.TempDir(), store.ModePaper)
	cfg := config.DefaultConfig().Trading
	cfg.AllowOpens = false
	tr, err := New(cfg, layout)
	require.NoError(t, err)

	out, err := tr.Tick(input(time.Now(), 50000, 1, 0.90))
	require.NoError(t, err)
	assert.Equal(t, "flat", out.Action)
	assert.False(t, out.Eligible, "policy off makes the tick ineligible")
}

func TestTrader_PositionSurvivesRestart(t *testing.T) {
	layout := store.NewLayout(t.TempDir(), store.ModePaper)
	tr, err := New(config.DefaultConfig().Trading, layout)
	require.NoError(t, err)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err = tr.Tick(input(t0, 50000, 1, 0.85))
	require.NoError(t, err)

	tr2, err := New(config.DefaultConfig().Trading, layout)
	require.NoError(t, err)
	pos, open := tr2.Position("BTCUSDT", "15m")
	require.True(t, open)
	assert.Equal(t, 1, pos.Dir)
	assert.Equal(t, 50000.0, pos.EntryPx)
}

func TestTrader_EquityResumesFromCurve(t *testing.T) {
	layout := store.NewLayout(t.TempDir(), store.ModePaper)
	tr, err := New(config.DefaultConfig().Trading, layout)
	require.NoError(t, err)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err = tr.Tick(input(t0, 50000, 1, 0.85))
	require.NoError(t, err)
	out, err := tr.Tick(input(t0.Add(15*time.Minute), 50500, 1, 0.85))
	require.NoError(t, err)
	require.Equal(t, "close", out.Action)

	tr2, err := New(config.DefaultConfig().Trading, layout)
	require.NoError(t, err)
	assert.InDelta(t, out.Equity, tr2.Equity(), 1e-12)
}
