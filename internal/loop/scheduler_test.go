package loop

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperloop/paperloop/internal/config"
	"github.com/paperloop/paperloop/internal/market"
	"github.com/paperloop/paperloop/internal/metrics"
	"github.com/paperloop/paperloop/internal/store"
)

func instantSleep(ctx context.Context, d time.Duration) bool {
	return ctx.Err() == nil
}

func TestRun_ExitsAfterConsecutiveFailures(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Symbols = []string{"BTCUSDT"}
	cfg.Timeframe = "bogus" // forces every tick to fail
	cfg.ReportsRoot = t.TempDir()
	cfg.Loop.MaxConsecutiveFailures = 3
	layout := store.NewLayout(cfg.ReportsRoot, store.ModePaper)

	p := &fakeProvider{name: "binance"}
	e, err := NewEngine(cfg, layout, metrics.NewRegistry(), false, []market.Provider{p})
	require.NoError(t, err)

	s := NewScheduler(e)
	s.sleep = instantSleep

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 consecutive failures")
}

func TestRun_FailedTickWritesIncidentAndHealth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Symbols = []string{"BTCUSDT"}
	cfg.Timeframe = "bogus" // forces every tick to fail
	cfg.ReportsRoot = t.TempDir()
	cfg.Loop.MaxConsecutiveFailures = 3
	layout := store.NewLayout(cfg.ReportsRoot, store.ModePaper)

	p := &fakeProvider{name: "binance"}
	e, err := NewEngine(cfg, layout, metrics.NewRegistry(), false, []market.Provider{p})
	require.NoError(t, err)

	s := NewScheduler(e)
	s.sleep = instantSleep
	require.Error(t, s.Run(context.Background()))

	// Every failed tick lands in incidents.jsonl with the failure count.
	data, err := os.ReadFile(layout.Incidents())
	require.NoError(t, err)
	assert.Contains(t, string(data), "LOOP_CRASH")
	assert.Contains(t, string(data), "consecutive_failures")

	// The health record carries the final consecutive-failure count.
	health, err := os.ReadFile(layout.LoopHealth())
	require.NoError(t, err)
	assert.Contains(t, string(health), `"consecutive_failures": 3`)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &fakeProvider{name: "binance", bars: makeBars(60, now, 0.0005)}
	e, _, _ := newTestEngine(t, p)

	s := NewScheduler(e)
	s.sleep = instantSleep

	ctx, cancel := context.WithCancel(context.Background())
	ticks := 0
	s.now = func() time.Time {
		ticks++
		if ticks >= 3 {
			cancel()
		}
		return now
	}

	require.NoError(t, s.Run(ctx))
	assert.GreaterOrEqual(t, ticks, 3)
}

func TestRun_PanicBecomesIncidentAndBackoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &fakeProvider{name: "binance", bars: makeBars(60, now, 0.0005)}
	e, layout, _ := newTestEngine(t, p)

	s := NewScheduler(e)
	s.sleep = instantSleep
	s.maxFails = 2
	s.now = func() time.Time { panic("poisoned bar") }

	err := s.Run(context.Background())
	require.Error(t, err)

	data, err := os.ReadFile(layout.Incidents())
	require.NoError(t, err)
	assert.Contains(t, string(data), "LOOP_CRASH")
	assert.Contains(t, string(data), "poisoned bar")
}

func TestJittered_Bounds(t *testing.T) {
	s := &Scheduler{interval: 60 * time.Second, jitter: 3 * time.Second}
	for i := 0; i < 100; i++ {
		d := s.jittered()
		assert.GreaterOrEqual(t, d, 57*time.Second)
		assert.LessOrEqual(t, d, 63*time.Second)
	}
}

func TestBackoffFor_DoublesAndCaps(t *testing.T) {
	s := &Scheduler{interval: 60 * time.Second, backoff: 300 * time.Second}
	assert.Equal(t, 60*time.Second, s.backoffFor(1))
	assert.Equal(t, 120*time.Second, s.backoffFor(2))
	assert.Equal(t, 240*time.Second, s.backoffFor(3))
	assert.Equal(t, 300*time.Second, s.backoffFor(4))
	assert.Equal(t, 300*time.Second, s.backoffFor(10))
}
