// Package metrics holds the Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds all Prometheus metrics for the engine. It owns a private
// prometheus registry so multiple instances never collide.
type Registry struct {
	reg *prometheus.Registry

	TickDuration *prometheus.HistogramVec
	TicksTotal   *prometheus.CounterVec

	ProviderFailures  *prometheus.CounterVec
	ProviderCooldowns *prometheus.GaugeVec

	Incidents *prometheus.CounterVec

	ActiveRegime  *prometheus.GaugeVec
	Equity        prometheus.Gauge
	RiskMult      prometheus.Gauge
	OpenPositions prometheus.Gauge
	TradesTotal   *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paperloop_tick_duration_seconds",
				Help:    "Duration of one full tick pipeline in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"symbol", "result"},
		),

		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperloop_ticks_total",
				Help: "Total ticks executed by result",
			},
			[]string{"symbol", "result"},
		),

		ProviderFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperloop_provider_failures_total",
				Help: "Provider fetch failures by provider and error kind",
			},
			[]string{"provider", "kind"},
		),

		ProviderCooldowns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "paperloop_provider_cooldown_seconds",
				Help: "Remaining cooldown per provider in seconds",
			},
			[]string{"provider"},
		),

		Incidents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperloop_incidents_total",
				Help: "Incidents appended by issue kind",
			},
			[]string{"kind"},
		),

		ActiveRegime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "paperloop_active_regime",
				Help: "1 for the active regime label per symbol, 0 otherwise",
			},
			[]string{"symbol", "regime"},
		),

		Equity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "paperloop_equity",
				Help: "Current compounded paper equity",
			},
		),

		RiskMult: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "paperloop_risk_mult",
				Help: "Current risk multiplier",
			},
		),

		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "paperloop_open_positions",
				Help: "Number of currently open positions",
			},
		),

		TradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paperloop_trades_total",
				Help: "Trade events appended by type and exit reason",
			},
			[]string{"type", "reason"},
		),
	}

	r.reg.MustRegister(
		r.TickDuration,
		r.TicksTotal,
		r.ProviderFailures,
		r.ProviderCooldowns,
		r.Incidents,
		r.ActiveRegime,
		r.Equity,
		r.RiskMult,
		r.OpenPositions,
		r.TradesTotal,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// TickTimer tracks one tick's execution time.
type TickTimer struct {
	registry *Registry
	symbol   string
	start    time.Time
}

func (r *Registry) StartTick(symbol string) *TickTimer {
	return &TickTimer{registry: r, symbol: symbol, start: time.Now()}
}

// Stop records the tick with its result ("ok" or "error").
func (t *TickTimer) Stop(result string) {
	duration := time.Since(t.start)
	t.registry.TickDuration.WithLabelValues(t.symbol, result).Observe(duration.Seconds())
	t.registry.TicksTotal.WithLabelValues(t.symbol, result).Inc()

	log.Debug().
		Str("symbol", t.symbol).
		Str("result", result).
		Dur("duration", duration).
		Msg("tick completed")
}

// ProviderFailure counts one provider fetch failure by error kind.
func (r *Registry) ProviderFailure(provider, kind string) {
	r.ProviderFailures.WithLabelValues(provider, kind).Inc()
}

// ProviderCooldown sets the remaining cooldown for one provider in seconds.
// Zero clears the gauge after a successful fetch.
func (r *Registry) ProviderCooldown(provider string, seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	r.ProviderCooldowns.WithLabelValues(provider).Set(seconds)
}

// SetRegime flips the per-symbol regime gauge so exactly one label is hot.
func (r *Registry) SetRegime(symbol, active string, all []string) {
	for _, label := range all {
		v := 0.0
		if label == active {
			v = 1.0
		}
		r.ActiveRegime.WithLabelValues(symbol, label).Set(v)
	}
}
