// Package config loads the engine configuration once at startup. There is
// no hot reload; a changed file takes effect on the next process start.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoopConfig controls the tick scheduler.
type LoopConfig struct {
	IntervalSeconds        int `yaml:"interval_seconds"`
	JitterSeconds          int `yaml:"jitter_seconds"`
	BackoffCapSeconds      int `yaml:"backoff_cap_seconds"`
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

// TradingConfig controls the entry/exit state machine and its accounting.
type TradingConfig struct {
	AllowOpens          bool     `yaml:"allow_opens"`
	EntryRegimes        []string `yaml:"entry_regimes"`
	ExitOrder           []string `yaml:"exit_order"`
	DecayBars           int      `yaml:"decay_bars"`
	ScratchThresholdPct float64  `yaml:"scratch_threshold_pct"`
	TakerFeeBps         float64  `yaml:"taker_fee_bps"`
	SlipBps             float64  `yaml:"slip_bps"`
	TPMinPriceMovePct   float64  `yaml:"tp_min_price_move_pct"`
}

// MarketConfig controls the OHLCV facade.
type MarketConfig struct {
	BarsLimit int `yaml:"bars_limit"`
}

// MonitorConfig controls the read-only HTTP server.
type MonitorConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the full engine configuration. MODE and DEBUG_SIGNALS are
// environment concerns handled in main, not here.
type Config struct {
	Symbols     []string      `yaml:"symbols"`
	Timeframe   string        `yaml:"timeframe"`
	ReportsRoot string        `yaml:"reports_root"`
	WeightsPath string        `yaml:"weights_path"`
	Loop        LoopConfig    `yaml:"loop"`
	Trading     TradingConfig `yaml:"trading"`
	Market      MarketConfig  `yaml:"market"`
	Monitor     MonitorConfig `yaml:"monitor"`
}

func DefaultConfig() Config {
	return Config{
		Symbols:     []string{"BTCUSDT", "ETHUSDT"},
		Timeframe:   "15m",
		ReportsRoot: "reports",
		WeightsPath: "config/weights.yaml",
		Loop: LoopConfig{
			IntervalSeconds:        60,
			JitterSeconds:          3,
			BackoffCapSeconds:      300,
			MaxConsecutiveFailures: 10,
		},
		Trading: TradingConfig{
			AllowOpens:          true,
			EntryRegimes:        []string{"trend_up", "trend_down", "chop", "high_vol"},
			ExitOrder:           []string{"sl", "decay", "tp", "reverse", "drop"},
			DecayBars:           16,
			ScratchThresholdPct: 0.05,
			TakerFeeBps:         5,
			SlipBps:             2,
			TPMinPriceMovePct:   0.15,
		},
		Market:  MarketConfig{BarsLimit: 120},
		Monitor: MonitorConfig{Addr: ":8090"},
	}
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults stand alone.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if len(c.Symbols) == 0 {
		return errors.New("config: at least one symbol required")
	}
	if c.Timeframe == "" {
		return errors.New("config: timeframe required")
	}
	if c.Trading.DecayBars <= 0 {
		return errors.New("config: decay_bars must be positive")
	}
	if c.Loop.IntervalSeconds <= 0 {
		return errors.New("config: loop interval must be positive")
	}
	return nil
}
