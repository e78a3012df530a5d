package primitives

import (
	"errors"
	"math"
	"os"
	"time"

	"github.com/paperloop/paperloop/internal/atomicio"

	"github.com/paperloop/paperloop/internal/regime"
)

// RegimeCounters are the per-regime tick/eligible counters and EWMAs.
type RegimeCounters struct {
	Ticks        int64      `json:"ticks"`
	Eligible     int64      `json:"eligible"`
	TicksEWMA    float64    `json:"ticks_ewma"`
	EligibleEWMA float64    `json:"eligible_ewma"`
	LastTS       *time.Time `json:"last_ts"`
}

// OpportunityState is the persisted record: counters plus time-aware
// densities. Densities live in [0, 1]; eligible never exceeds ticks.
type OpportunityState struct {
	PerRegime     map[string]*RegimeCounters `json:"per_regime"`
	Global        RegimeCounters             `json:"global"`
	Density       map[string]float64         `json:"density"`
	GlobalDensity float64                    `json:"global_density"`
}

// OpportunityConfig controls the time-aware EWMA and the per-regime floors
// below which downstream policy may widen or narrow filters.
type OpportunityConfig struct {
	HalfLife time.Duration      `yaml:"half_life"` // Default: 120m
	Floors   map[string]float64 `yaml:"floors"`
}

func DefaultOpportunityConfig() OpportunityConfig {
	return OpportunityConfig{
		HalfLife: 120 * time.Minute,
		Floors: map[string]float64{
			string(regime.TrendUp):   0.05,
			string(regime.TrendDown): 0.05,
			string(regime.Chop):      0.02,
			string(regime.HighVol):   0.02,
			string(regime.PanicDown): 0.01,
		},
	}
}

// OpportunityResult is the per-tick view.
type OpportunityResult struct {
	RegimeDensity float64 `json:"regime_density"`
	GlobalDensity float64 `json:"global_density"`
	Floor         float64 `json:"floor"`
	BelowFloor    bool    `json:"below_floor"`
}

// OpportunityTracker owns opportunity_state.json and tracks how often ticks
// are eligible to open, per regime and globally.
type OpportunityTracker struct {
	path   string
	config OpportunityConfig
	state  OpportunityState
}

func LoadOpportunityTracker(path string, config OpportunityConfig) (*OpportunityTracker, error) {
	if config.HalfLife <= 0 {
		config.HalfLife = DefaultOpportunityConfig().HalfLife
	}
	t := &OpportunityTracker{path: path, config: config}
	err := atomicio.ReadJSON(path, &t.state)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if t.state.PerRegime == nil {
		t.state.PerRegime = map[string]*RegimeCounters{}
	}
	if t.state.Density == nil {
		t.state.Density = map[string]float64{}
	}
	return t, nil
}

// alphaFor computes the time-aware EWMA coefficient from the gap since the
// last sample, clamped to [0.01, 0.5].
func (t *OpportunityTracker) alphaFor(last *time.Time, now time.Time) float64 {
	if last == nil {
		return 0.5
	}
	dt := now.Sub(*last)
	if dt <= 0 {
		return 0.01
	}
	a := 1 - math.Exp(-dt.Seconds()/t.config.HalfLife.Seconds())
	if a < 0.01 {
		a = 0.01
	}
	if a > 0.5 {
		a = 0.5
	}
	return a
}

// Update records one tick's eligibility under the given regime.
func (t *OpportunityTracker) Update(reg regime.Regime, eligible bool, now time.Time) OpportunityResult {
	nowUTC := now.UTC()
	key := string(reg)

	rc, ok := t.state.PerRegime[key]
	if !ok {
		rc = &RegimeCounters{}
		t.state.PerRegime[key] = rc
	}

	sample := 0.0
	if eligible {
		sample = 1.0
	}

	a := t.alphaFor(rc.LastTS, nowUTC)
	rc.Ticks++
	if eligible {
		rc.Eligible++
	}
	rc.TicksEWMA = a*1 + (1-a)*rc.TicksEWMA
	rc.EligibleEWMA = a*sample + (1-a)*rc.EligibleEWMA
	rc.LastTS = &nowUTC
	t.state.Density[key] = clamp01(a*sample + (1-a)*t.state.Density[key])

	ga := t.alphaFor(t.state.Global.LastTS, nowUTC)
	t.state.Global.Ticks++
	if eligible {
		t.state.Global.Eligible++
	}
	t.state.Global.TicksEWMA = ga*1 + (1-ga)*t.state.Global.TicksEWMA
	t.state.Global.EligibleEWMA = ga*sample + (1-ga)*t.state.Global.EligibleEWMA
	t.state.Global.LastTS = &nowUTC
	t.state.GlobalDensity = clamp01(ga*sample + (1-ga)*t.state.GlobalDensity)

	floor := t.config.Floors[key]
	density := t.state.Density[key]
	return OpportunityResult{
		RegimeDensity: density,
		GlobalDensity: t.state.GlobalDensity,
		Floor:         floor,
		BelowFloor:    density < floor,
	}
}

// State exposes the current counters for observability.
func (t *OpportunityTracker) State() OpportunityState { return t.state }

func (t *OpportunityTracker) Flush() error {
	return atomicio.WriteJSONAtomic(t.path, t.state)
}
