package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_PartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
symbols: [SOLUSDT]
trading:
  decay_bars: 24
  allow_opens: false
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"SOLUSDT"}, cfg.Symbols)
	assert.Equal(t, 24, cfg.Trading.DecayBars)
	assert.False(t, cfg.Trading.AllowOpens)

	// Untouched sections keep their defaults.
	assert.Equal(t, "15m", cfg.Timeframe)
	assert.Equal(t, []string{"sl", "decay", "tp", "reverse", "drop"}, cfg.Trading.ExitOrder)
	assert.Equal(t, 60, cfg.Loop.IntervalSeconds)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("symbols: []\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}
