// Package regime classifies the current bar into a discrete market-state
// label that governs entry eligibility and council bucket masking.
package regime

import (
	"math"

	"github.com/paperloop/paperloop/internal/market"
)

// Regime is the discrete market-state label.
type Regime string

const (
	TrendUp   Regime = "trend_up"
	TrendDown Regime = "trend_down"
	Chop      Regime = "chop"
	HighVol   Regime = "high_vol"
	PanicDown Regime = "panic_down"
	Unknown   Regime = "unknown"
)

// All lists the labels in a stable order for configs and metrics.
func All() []Regime {
	return []Regime{TrendUp, TrendDown, Chop, HighVol, PanicDown, Unknown}
}

// ClassifierConfig holds the bounded rolling-statistic thresholds.
type ClassifierConfig struct {
	MinBars        int     `yaml:"min_bars"`         // Default: 40
	ATRPeriod      int     `yaml:"atr_period"`       // Default: 14
	BBPeriod       int     `yaml:"bb_period"`        // Default: 20
	ReturnBars     int     `yaml:"return_bars"`      // Default: 12
	TrendReturn    float64 `yaml:"trend_return"`     // Default: 0.01 (1%)
	PanicReturn    float64 `yaml:"panic_return"`     // Default: 0.04 (4% down)
	HighVolZ       float64 `yaml:"high_vol_z"`       // Default: 2.0
	PanicVolZ      float64 `yaml:"panic_vol_z"`      // Default: 1.5
	BaselineWindow int     `yaml:"baseline_window"`  // Default: 60
}

// DefaultClassifierConfig returns the baked-in thresholds.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		MinBars:        40,
		ATRPeriod:      14,
		BBPeriod:       20,
		ReturnBars:     12,
		TrendReturn:    0.01,
		PanicReturn:    0.04,
		HighVolZ:       2.0,
		PanicVolZ:      1.5,
		BaselineWindow: 60,
	}
}

// Result is the classification with its supporting statistics. The baseline
// fields are window means consumed by the compression tracker.
type Result struct {
	Label       Regime  `json:"label"`
	ATRPct      float64 `json:"atr_pct"`
	ATRBaseline float64 `json:"atr_baseline"`
	BBWidthPct  float64 `json:"bb_width_pct"`
	BBBaseline  float64 `json:"bb_baseline"`
	Return      float64 `json:"return"`
	VolZ        float64 `json:"vol_z"`
	BarsUsed    int     `json:"bars_used"`
}

// Classifier labels bars using ATR%, Bollinger width, and short-horizon
// return. High volatility overrides directional labels.
type Classifier struct {
	config ClassifierConfig
}

func NewClassifier(config ClassifierConfig) *Classifier {
	return &Classifier{config: config}
}

// Classify labels the newest bar. Unknown is produced when fewer than the
// minimum bars are available or the newest bar was trimmed as incomplete.
func (c *Classifier) Classify(bars []market.Bar, newestTrimmed bool) Result {
	res := Result{Label: Unknown, BarsUsed: len(bars)}
	if len(bars) < c.config.MinBars || newestTrimmed {
		return res
	}

	atrSeries := atrPctSeries(bars, c.config.ATRPeriod)
	res.ATRPct = atrSeries[len(atrSeries)-1]
	res.ATRBaseline = windowMean(atrSeries, c.config.BaselineWindow)
	res.BBWidthPct = bbWidthPct(bars, c.config.BBPeriod)
	res.BBBaseline = bbBaseline(bars, c.config.BBPeriod, c.config.BaselineWindow)
	res.Return = shortReturn(bars, c.config.ReturnBars)
	res.VolZ = volZ(atrSeries, c.config.BaselineWindow)

	switch {
	case res.Return <= -c.config.PanicReturn && res.VolZ >= c.config.PanicVolZ:
		res.Label = PanicDown
	case res.VolZ >= c.config.HighVolZ:
		res.Label = HighVol
	case res.Return >= c.config.TrendReturn:
		res.Label = TrendUp
	case res.Return <= -c.config.TrendReturn:
		res.Label = TrendDown
	default:
		res.Label = Chop
	}
	return res
}

// ClassifyZ is the z-score-based interop classifier retained for downstream
// research consumers: it labels purely from the volatility z and return z
// over the baseline window.
func (c *Classifier) ClassifyZ(bars []market.Bar) Regime {
	if len(bars) < c.config.MinBars {
		return Unknown
	}
	atrSeries := atrPctSeries(bars, c.config.ATRPeriod)
	vz := volZ(atrSeries, c.config.BaselineWindow)

	rets := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close != 0 {
			rets = append(rets, bars[i].Close/bars[i-1].Close-1)
		}
	}
	mean, sd := meanStd(rets)
	rz := 0.0
	if sd > 0 {
		rz = (rets[len(rets)-1] - mean) / sd
	}

	switch {
	case vz >= c.config.PanicVolZ && rz <= -2:
		return PanicDown
	case vz >= c.config.HighVolZ:
		return HighVol
	case rz >= 1:
		return TrendUp
	case rz <= -1:
		return TrendDown
	default:
		return Chop
	}
}

func atrPctSeries(bars []market.Bar, period int) []float64 {
	trs := make([]float64, len(bars))
	trs[0] = bars[0].High - bars[0].Low
	for i := 1; i < len(bars); i++ {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		trs[i] = math.Max(hl, math.Max(hc, lc))
	}
	k := 2.0 / (float64(period) + 1.0)
	atr := make([]float64, len(bars))
	atr[0] = trs[0]
	for i := 1; i < len(bars); i++ {
		atr[i] = trs[i]*k + atr[i-1]*(1-k)
	}
	out := make([]float64, len(bars))
	for i := range bars {
		if bars[i].Close != 0 {
			out[i] = atr[i] / bars[i].Close
		}
	}
	return out
}

func bbWidthPct(bars []market.Bar, period int) float64 {
	if len(bars) < period {
		return 0
	}
	window := bars[len(bars)-period:]
	var mid float64
	for _, b := range window {
		mid += b.Close
	}
	mid /= float64(period)
	var sd float64
	for _, b := range window {
		sd += (b.Close - mid) * (b.Close - mid)
	}
	sd = math.Sqrt(sd / float64(period))
	if mid == 0 {
		return 0
	}
	return 4 * sd / mid
}

func shortReturn(bars []market.Bar, n int) float64 {
	if len(bars) <= n || bars[len(bars)-1-n].Close == 0 {
		return 0
	}
	return bars[len(bars)-1].Close/bars[len(bars)-1-n].Close - 1
}

func volZ(atrSeries []float64, window int) float64 {
	if len(atrSeries) < 2 {
		return 0
	}
	start := len(atrSeries) - window
	if start < 0 {
		start = 0
	}
	baseline := atrSeries[start:]
	mean, sd := meanStd(baseline)
	if sd == 0 {
		return 0
	}
	return (atrSeries[len(atrSeries)-1] - mean) / sd
}

func windowMean(series []float64, window int) float64 {
	if len(series) == 0 {
		return 0
	}
	start := len(series) - window
	if start < 0 {
		start = 0
	}
	mean, _ := meanStd(series[start:])
	return mean
}

// bbBaseline averages the Bollinger width over the last window bar positions.
func bbBaseline(bars []market.Bar, period, window int) float64 {
	var sum float64
	var n int
	for end := len(bars); end > period && n < window; end-- {
		sum += bbWidthPct(bars[:end], period)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func meanStd(values []float64) (mean, sd float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		sd += (v - mean) * (v - mean)
	}
	sd = math.Sqrt(sd / float64(len(values)))
	return mean, sd
}
