// Package council aggregates per-bucket signal votes under regime-specific
// weights and masks into the single trade decision of the tick.
package council

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/paperloop/paperloop/internal/regime"
)

// Fixed bucket identities. The reserved buckets exist in every weight table
// but carry zero weight until enabled.
const (
	BucketMomentum    = "momentum"
	BucketMeanRev     = "meanrev"
	BucketFlow        = "flow"
	BucketPositioning = "positioning"
	BucketTiming      = "timing"
	BucketSentiment   = "sentiment"    // reserved
	BucketOnchainFlow = "onchain_flow" // reserved
)

// Buckets lists the voting buckets in stable order, reserved last.
func Buckets() []string {
	return []string{
		BucketMomentum, BucketMeanRev, BucketFlow, BucketPositioning,
		BucketTiming, BucketSentiment, BucketOnchainFlow,
	}
}

// Gates are the per-regime confidence thresholds handed to the trader.
type Gates struct {
	EntryMinConf   float64 `yaml:"entry_min_conf" json:"entry_min_conf"`
	ExitMinConf    float64 `yaml:"exit_min_conf" json:"exit_min_conf"`
	ReverseMinConf float64 `yaml:"reverse_min_conf" json:"reverse_min_conf"`
}

// Config is the council configuration: per-regime bucket weights, the
// PAPER-only bucket masks, thresholds, and gates. Loaded once at start and
// threaded through constructors; per-tick overrides flow as parameters.
type Config struct {
	DeadZone    float64                       `yaml:"dead_zone"`    // Default: 0.05
	NeutralZone float64                       `yaml:"neutral_zone"` // Default: 0.30
	Weights     map[string]map[string]float64 `yaml:"weights"`      // regime -> bucket -> weight
	Masks       map[string][]string           `yaml:"masks"`        // regime -> allowed buckets
	Gates       map[string]Gates              `yaml:"gates"`        // regime -> thresholds
}

// DefaultConfig returns the baked-in council configuration.
func DefaultConfig() Config {
	base := map[string]float64{
		BucketMomentum:    0.35,
		BucketMeanRev:     0.20,
		BucketFlow:        0.20,
		BucketPositioning: 0.15,
		BucketTiming:      0.10,
		BucketSentiment:   0.0,
		BucketOnchainFlow: 0.0,
	}
	weights := map[string]map[string]float64{
		string(regime.TrendUp): {
			BucketMomentum: 0.45, BucketMeanRev: 0.10, BucketFlow: 0.20,
			BucketPositioning: 0.15, BucketTiming: 0.10,
			BucketSentiment: 0, BucketOnchainFlow: 0,
		},
		string(regime.TrendDown): {
			BucketMomentum: 0.45, BucketMeanRev: 0.10, BucketFlow: 0.20,
			BucketPositioning: 0.15, BucketTiming: 0.10,
			BucketSentiment: 0, BucketOnchainFlow: 0,
		},
		string(regime.Chop): {
			BucketMomentum: 0.15, BucketMeanRev: 0.40, BucketFlow: 0.15,
			BucketPositioning: 0.20, BucketTiming: 0.10,
			BucketSentiment: 0, BucketOnchainFlow: 0,
		},
		string(regime.HighVol): {
			BucketMomentum: 0.20, BucketMeanRev: 0.25, BucketFlow: 0.25,
			BucketPositioning: 0.20, BucketTiming: 0.10,
			BucketSentiment: 0, BucketOnchainFlow: 0,
		},
		string(regime.PanicDown): {
			BucketMomentum: 0.30, BucketMeanRev: 0.10, BucketFlow: 0.30,
			BucketPositioning: 0.20, BucketTiming: 0.10,
			BucketSentiment: 0, BucketOnchainFlow: 0,
		},
		string(regime.Unknown): base,
	}

	masks := map[string][]string{
		string(regime.Chop): {BucketMeanRev, BucketPositioning, BucketTiming},
		string(regime.PanicDown): {BucketMomentum, BucketFlow, BucketPositioning},
	}

	gates := map[string]Gates{
		string(regime.TrendUp):   {EntryMinConf: 0.55, ExitMinConf: 0.30, ReverseMinConf: 0.60},
		string(regime.TrendDown): {EntryMinConf: 0.55, ExitMinConf: 0.30, ReverseMinConf: 0.60},
		string(regime.Chop):      {EntryMinConf: 0.65, ExitMinConf: 0.35, ReverseMinConf: 0.70},
		string(regime.HighVol):   {EntryMinConf: 0.70, ExitMinConf: 0.40, ReverseMinConf: 0.75},
		string(regime.PanicDown): {EntryMinConf: 0.75, ExitMinConf: 0.40, ReverseMinConf: 0.80},
		string(regime.Unknown):   {EntryMinConf: 0.99, ExitMinConf: 0.30, ReverseMinConf: 0.99},
	}

	return Config{
		DeadZone:    0.05,
		NeutralZone: 0.30,
		Weights:     weights,
		Masks:       masks,
		Gates:       gates,
	}
}

// LoadConfig merges a YAML weights document over the defaults. Unknown keys
// are ignored; missing keys keep their defaults. A missing file is not an
// error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read council config: %w", err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return cfg, fmt.Errorf("parse council config: %w", err)
	}

	if overlay.DeadZone > 0 {
		cfg.DeadZone = overlay.DeadZone
	}
	if overlay.NeutralZone > 0 {
		cfg.NeutralZone = overlay.NeutralZone
	}
	for reg, buckets := range overlay.Weights {
		if cfg.Weights[reg] == nil {
			cfg.Weights[reg] = map[string]float64{}
		}
		for b, w := range buckets {
			cfg.Weights[reg][b] = w
		}
	}
	for reg, mask := range overlay.Masks {
		cfg.Masks[reg] = mask
	}
	for reg, g := range overlay.Gates {
		merged := cfg.Gates[reg]
		if g.EntryMinConf > 0 {
			merged.EntryMinConf = g.EntryMinConf
		}
		if g.ExitMinConf > 0 {
			merged.ExitMinConf = g.ExitMinConf
		}
		if g.ReverseMinConf > 0 {
			merged.ReverseMinConf = g.ReverseMinConf
		}
		cfg.Gates[reg] = merged
	}
	return cfg, nil
}

// GatesFor returns the thresholds for a regime, defaulting conservatively.
func (c Config) GatesFor(reg regime.Regime) Gates {
	if g, ok := c.Gates[string(reg)]; ok {
		return g
	}
	return Gates{EntryMinConf: 0.99, ExitMinConf: 0.30, ReverseMinConf: 0.99}
}
