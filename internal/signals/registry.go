package signals

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paperloop/paperloop/internal/market"
)

// Context carries everything a signal may read. Signals are pure functions
// of this record.
type Context struct {
	Bars   []market.Bar
	Derivs DerivsData
	Micro  MicroData
	Cross  map[string]float64
	Now    time.Time
}

// DerivsData is the derivatives slice of the context.
type DerivsData struct {
	FundingRate  float64   `json:"funding_rate"`
	OpenInterest []float64 `json:"open_interest"`
}

// MicroData is the microstructure slice of the context.
type MicroData struct {
	SpreadBps float64 `json:"spread_bps"`
	DepthUSD  float64 `json:"depth_usd"`
}

// NormMethod selects how a raw series maps into [-1, 1].
type NormMethod string

const (
	// NormZScore z-scores the last value against the series, then squashes
	// with tanh. When the series is flat the scale falls back to |mean| or 1.
	NormZScore NormMethod = "zscore"
	// NormLinear maps (last - center) / scale, clamped to [-1, 1].
	NormLinear NormMethod = "linear"
)

// Spec declares one signal: its identity, bucket membership, weight, and
// normalization. The function returns the raw series; the last element is
// the current value.
type Spec struct {
	Name    string
	Buckets []string
	Weight  float64
	Method  NormMethod
	Center  float64
	Scale   float64
	Source  string
	Fn      func(Context) ([]float64, error)
}

// Raw is the per-signal registry entry written into the snapshot.
type Raw struct {
	Value    float64 `json:"value"`
	Source   string  `json:"source"`
	Category string  `json:"category"`
	Weight   float64 `json:"weight"`
	Error    string  `json:"error,omitempty"`
}

// Registry fixes the ordered signal list at construction. The vector length
// equals the registry length on every build.
type Registry struct {
	specs []Spec
	debug bool
}

// NewRegistry returns the default registry. Setting debug raises per-signal
// logging (driven by DEBUG_SIGNALS in main).
func NewRegistry(debug bool) *Registry {
	return &Registry{specs: defaultSpecs(), debug: debug}
}

// Len returns the fixed vector length.
func (r *Registry) Len() int { return len(r.specs) }

// Specs exposes the ordered signal declarations.
func (r *Registry) Specs() []Spec { return r.specs }

// Build produces the normalized vector and the raw registry. A signal that
// cannot be computed contributes 0.0 and records its error; every vector
// element is finite and within [-1, 1].
func (r *Registry) Build(ctx Context) ([]float64, map[string]Raw) {
	vector := make([]float64, len(r.specs))
	registry := make(map[string]Raw, len(r.specs))

	for i, spec := range r.specs {
		entry := Raw{Source: spec.Source, Category: spec.Buckets[0], Weight: spec.Weight}

		series, err := spec.Fn(ctx)
		if err != nil {
			entry.Error = err.Error()
			registry[spec.Name] = entry
			vector[i] = 0.0
			if r.debug {
				log.Debug().Str("signal", spec.Name).Err(err).Msg("signal unavailable")
			}
			continue
		}
		if len(series) == 0 {
			entry.Error = "empty series"
			registry[spec.Name] = entry
			vector[i] = 0.0
			continue
		}

		v := normalize(spec, series)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			entry.Error = "non-finite value"
			registry[spec.Name] = entry
			vector[i] = 0.0
			continue
		}

		entry.Value = v
		registry[spec.Name] = entry
		vector[i] = v
		if r.debug {
			log.Debug().Str("signal", spec.Name).Float64("value", v).Msg("signal computed")
		}
	}
	return vector, registry
}

func normalize(spec Spec, series []float64) float64 {
	last := series[len(series)-1]
	switch spec.Method {
	case NormLinear:
		scale := spec.Scale
		if scale == 0 {
			scale = 1
		}
		return clamp1((last - spec.Center) / scale)
	default: // NormZScore
		mean, sd := meanStd(series)
		if sd == 0 {
			// Scale heuristic for flat series.
			sd = math.Abs(mean)
			if sd == 0 {
				sd = 1
			}
		}
		return math.Tanh((last - mean) / sd)
	}
}

func clamp1(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func defaultSpecs() []Spec {
	return []Spec{
		{
			Name: "rsi14", Buckets: []string{"momentum"}, Weight: 1.0,
			Method: NormLinear, Center: 50, Scale: 50, Source: "ohlcv",
			Fn: func(ctx Context) ([]float64, error) { return rsi(closes(ctx.Bars), 14) },
		},
		{
			Name: "ema_cross", Buckets: []string{"momentum"}, Weight: 1.0,
			Method: NormZScore, Source: "ohlcv",
			Fn: func(ctx Context) ([]float64, error) {
				cs := closes(ctx.Bars)
				if len(cs) < 21 {
					return nil, fmt.Errorf("ema_cross: need 21 bars, have %d", len(cs))
				}
				fast, slow := ema(cs, 9), ema(cs, 21)
				out := make([]float64, len(cs))
				for i := range cs {
					out[i] = fast[i] - slow[i]
				}
				return out, nil
			},
		},
		{
			Name: "macd_hist", Buckets: []string{"momentum"}, Weight: 0.8,
			Method: NormZScore, Source: "ohlcv",
			Fn: func(ctx Context) ([]float64, error) { return macdHist(closes(ctx.Bars)) },
		},
		{
			Name: "bb_position", Buckets: []string{"meanrev"}, Weight: 1.0,
			Method: NormLinear, Center: 0, Scale: 1, Source: "ohlcv",
			Fn: func(ctx Context) ([]float64, error) {
				cs := closes(ctx.Bars)
				mid, sd, err := bollinger(cs, 20, len(cs)-1)
				if err != nil {
					return nil, err
				}
				if sd == 0 {
					return []float64{0}, nil
				}
				// Position within the 2-sigma bands, sign flipped so an
				// overextended price votes for reversion.
				return []float64{-(cs[len(cs)-1] - mid) / (2 * sd)}, nil
			},
		},
		{
			Name: "vwap_dev", Buckets: []string{"meanrev"}, Weight: 0.8,
			Method: NormLinear, Center: 0, Scale: 0.02, Source: "ohlcv",
			Fn: func(ctx Context) ([]float64, error) {
				if len(ctx.Bars) < 20 {
					return nil, fmt.Errorf("vwap_dev: need 20 bars, have %d", len(ctx.Bars))
				}
				w := vwap(ctx.Bars[len(ctx.Bars)-20:])
				if w == 0 {
					return nil, fmt.Errorf("vwap_dev: zero vwap")
				}
				last := ctx.Bars[len(ctx.Bars)-1].Close
				// Deviation above VWAP votes for reversion down.
				return []float64{-(last - w) / w}, nil
			},
		},
		{
			Name: "volume_surge", Buckets: []string{"flow"}, Weight: 1.0,
			Method: NormZScore, Source: "ohlcv",
			Fn: func(ctx Context) ([]float64, error) {
				if len(ctx.Bars) < 20 {
					return nil, fmt.Errorf("volume_surge: need 20 bars, have %d", len(ctx.Bars))
				}
				out := make([]float64, len(ctx.Bars))
				for i, b := range ctx.Bars {
					v := b.Volume
					// Signed by the bar's direction so flow has a direction.
					if b.Close < b.Open {
						v = -v
					}
					out[i] = v
				}
				return out, nil
			},
		},
		{
			Name: "obv_slope", Buckets: []string{"flow"}, Weight: 0.8,
			Method: NormZScore, Source: "ohlcv",
			Fn: func(ctx Context) ([]float64, error) {
				if len(ctx.Bars) < 10 {
					return nil, fmt.Errorf("obv_slope: need 10 bars, have %d", len(ctx.Bars))
				}
				o := obv(ctx.Bars)
				out := make([]float64, len(o)-1)
				for i := 1; i < len(o); i++ {
					out[i-1] = o[i] - o[i-1]
				}
				return out, nil
			},
		},
		{
			Name: "funding_basis", Buckets: []string{"positioning"}, Weight: 1.0,
			Method: NormLinear, Center: 0, Scale: 0.001, Source: "derivs",
			Fn: func(ctx Context) ([]float64, error) {
				// Rich funding votes against the crowded side.
				return []float64{-ctx.Derivs.FundingRate}, nil
			},
		},
		{
			Name: "oi_delta", Buckets: []string{"positioning"}, Weight: 0.7,
			Method: NormZScore, Source: "derivs",
			Fn: func(ctx Context) ([]float64, error) {
				oi := ctx.Derivs.OpenInterest
				if len(oi) < 5 {
					return nil, fmt.Errorf("oi_delta: need 5 points, have %d", len(oi))
				}
				out := make([]float64, len(oi)-1)
				for i := 1; i < len(oi); i++ {
					out[i-1] = oi[i] - oi[i-1]
				}
				return out, nil
			},
		},
		{
			Name: "atr_regime", Buckets: []string{"timing"}, Weight: 0.6,
			Method: NormZScore, Source: "ohlcv",
			Fn: func(ctx Context) ([]float64, error) {
				s, err := atrPct(ctx.Bars, 14)
				if err != nil {
					return nil, err
				}
				// Expanding volatility argues for patience: flip the sign.
				out := make([]float64, len(s))
				for i, v := range s {
					out[i] = -v
				}
				return out, nil
			},
		},
		{
			Name: "hour_of_day", Buckets: []string{"timing"}, Weight: 0.3,
			Method: NormLinear, Center: 0, Scale: 1, Source: "clock",
			Fn: func(ctx Context) ([]float64, error) {
				h := float64(ctx.Now.UTC().Hour()) + float64(ctx.Now.UTC().Minute())/60
				return []float64{math.Sin(2 * math.Pi * h / 24)}, nil
			},
		},
	}
}
