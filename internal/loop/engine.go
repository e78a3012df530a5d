// Package loop drives the per-bar pipeline: fetch, signals, regime, council,
// primitives, risk, execution, persistence, observability. One engine per
// process; symbols are interleaved on a shared clock.
package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paperloop/paperloop/internal/atomicio"
	"github.com/paperloop/paperloop/internal/config"
	"github.com/paperloop/paperloop/internal/council"
	"github.com/paperloop/paperloop/internal/market"
	"github.com/paperloop/paperloop/internal/metrics"
	"github.com/paperloop/paperloop/internal/ops"
	"github.com/paperloop/paperloop/internal/primitives"
	"github.com/paperloop/paperloop/internal/regime"
	"github.com/paperloop/paperloop/internal/risk"
	"github.com/paperloop/paperloop/internal/signals"
	"github.com/paperloop/paperloop/internal/store"
	"github.com/paperloop/paperloop/internal/trader"
)

// Engine owns every per-tick component and the loop-local bar cursor.
type Engine struct {
	cfg     config.Config
	layout  store.Layout
	metrics *metrics.Registry

	fetcher     *market.Fetcher
	cooldowns   *market.CooldownBook
	registry    *signals.Registry
	classifier  *regime.Classifier
	council     *council.Council
	primStore   *store.PrimitiveStore
	tracker     *primitives.Tracker
	compression *primitives.CompressionTracker
	opportunity *primitives.OpportunityTracker
	selfTrust   *primitives.SelfTrustCalibrator
	riskAdapter *risk.Adapter
	trader      *trader.Trader
	reporter    *ops.Reporter

	// lastBars is the per-key newest processed bar, persisted so a restart
	// does not re-run the same bar.
	lastBars map[string]time.Time
}

// NewEngine wires the pipeline. providers may be nil, in which case the
// default Binance, Bybit, OKX priority order is used.
func NewEngine(cfg config.Config, layout store.Layout, m *metrics.Registry, debugSignals bool, providers []market.Provider) (*Engine, error) {
	if providers == nil {
		providers = []market.Provider{
			market.NewBinanceClient(market.ClientConfig{}),
			market.NewBybitClient(market.ClientConfig{}),
			market.NewOKXClient(market.ClientConfig{}),
		}
	}

	sticky, err := market.LoadStickyBook(layout.ProviderState())
	if err != nil {
		return nil, fmt.Errorf("load stickiness: %w", err)
	}
	cooldowns, err := market.LoadCooldownBook(layout.ProviderCooldown())
	if err != nil {
		return nil, fmt.Errorf("load cooldowns: %w", err)
	}

	councilCfg, err := council.LoadConfig(cfg.WeightsPath)
	if err != nil {
		return nil, fmt.Errorf("load council config: %w", err)
	}

	primStore, err := store.LoadPrimitiveStore(layout.PrimitiveState())
	if err != nil {
		return nil, fmt.Errorf("load primitive state: %w", err)
	}
	compression, err := primitives.LoadCompressionTracker(layout.CompressionState(), 0)
	if err != nil {
		return nil, fmt.Errorf("load compression state: %w", err)
	}
	opportunity, err := primitives.LoadOpportunityTracker(layout.OpportunityState(), primitives.DefaultOpportunityConfig())
	if err != nil {
		return nil, fmt.Errorf("load opportunity state: %w", err)
	}
	selfTrust, err := primitives.LoadSelfTrustCalibrator(layout.SelfTrustState(), layout.TradeLog(), 0)
	if err != nil {
		return nil, fmt.Errorf("load self-trust state: %w", err)
	}
	riskAdapter, err := risk.NewAdapter(layout)
	if err != nil {
		return nil, fmt.Errorf("load risk adapter: %w", err)
	}
	trd, err := trader.New(cfg.Trading, layout)
	if err != nil {
		return nil, fmt.Errorf("load trader state: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		layout:      layout,
		metrics:     m,
		fetcher:     market.NewFetcher(providers, sticky, cooldowns, m),
		cooldowns:   cooldowns,
		registry:    signals.NewRegistry(debugSignals),
		classifier:  regime.NewClassifier(regime.DefaultClassifierConfig()),
		council:     council.New(councilCfg, layout.Mode),
		primStore:   primStore,
		tracker:     &primitives.Tracker{Store: primStore},
		compression: compression,
		opportunity: opportunity,
		selfTrust:   selfTrust,
		riskAdapter: riskAdapter,
		trader:      trd,
		reporter:    ops.NewReporter(layout, m),
		lastBars:    map[string]time.Time{},
	}

	err = atomicio.ReadJSON(layout.LoopState(), &e.lastBars)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load loop state: %w", err)
	}
	if e.lastBars == nil {
		e.lastBars = map[string]time.Time{}
	}
	return e, nil
}

// TickResult summarizes one symbol's tick for the health record.
type TickResult struct {
	Symbol   string
	TickID   string
	Skipped  bool
	Issues   []string
	Snapshot *store.Snapshot
}

// TickAll runs every symbol once and refreshes loop health and heartbeat.
// The returned error is the first fatal per-symbol failure; observability
// issues are carried in the health record, not as errors.
func (e *Engine) TickAll(ctx context.Context, now time.Time) error {
	var issues []string
	var lastTickID string
	lastTickTS := now

	for _, symbol := range e.cfg.Symbols {
		res, err := e.tickSymbol(ctx, symbol, now)
		if err != nil {
			return fmt.Errorf("tick %s: %w", symbol, err)
		}
		issues = append(issues, res.Issues...)
		if !res.Skipped && res.TickID != "" {
			lastTickID = res.TickID
		}
	}

	e.metrics.Equity.Set(e.trader.Equity())
	e.metrics.OpenPositions.Set(float64(e.trader.OpenPositionCount()))
	e.reporter.WriteLoopHealth(ops.LoopHealth{
		TS:         now.UTC(),
		Mode:       string(e.layout.Mode),
		LastTickTS: lastTickTS.UTC(),
		LastTickID: lastTickID,
		Issues:     issues,
		Equity:     e.trader.Equity(),
		Symbols:    e.cfg.Symbols,
	})
	e.reporter.Heartbeat(now, lastTickID)
	return nil
}

// RecordFailure appends an incident for a failed tick and rewrites the
// health record with the consecutive-failure count, so a recurring disk or
// state-flush error is visible to every consumer of incidents.jsonl.
func (e *Engine) RecordFailure(err error, failures int) {
	inc := ops.Incident{
		Where:     "loop",
		ErrorType: ops.IssueLoopCrash,
		Error:     err.Error(),
		Context:   map[string]any{"consecutive_failures": failures},
	}
	var pe *tickPanicError
	if errors.As(err, &pe) {
		inc.Traceback = string(pe.stack)
	}
	e.reporter.Incident(inc)
	e.reporter.WriteLoopHealth(ops.LoopHealth{
		TS:                  time.Now().UTC(),
		Mode:                string(e.layout.Mode),
		ConsecutiveFailures: failures,
		Issues:              []string{ops.IssueLoopCrash},
		Equity:              e.trader.Equity(),
		Symbols:             e.cfg.Symbols,
	})
}

// tickSymbol runs the full pipeline for one symbol at one clock reading.
func (e *Engine) tickSymbol(ctx context.Context, symbol string, now time.Time) (TickResult, error) {
	tf := e.cfg.Timeframe
	k := symbol + ":" + tf
	timer := e.metrics.StartTick(symbol)

	fetched, err := e.fetcher.Fetch(ctx, symbol, tf, e.cfg.Market.BarsLimit, now)
	if flushErr := e.cooldowns.Flush(); flushErr != nil {
		log.Warn().Err(flushErr).Msg("cooldown flush failed")
	}
	if err != nil {
		timer.Stop("error")
		return TickResult{}, err
	}
	if fetched.Empty() {
		e.reporter.Incident(ops.Incident{
			Where:     "fetch",
			ErrorType: ops.IssueFeedStale,
			Error:     "all providers failed and cache is stale",
			Symbol:    symbol,
			Timeframe: tf,
		})
		timer.Stop("stale")
		return TickResult{Symbol: symbol, Issues: []string{ops.IssueFeedStale}}, nil
	}

	bars := fetched.Bars
	barTS := bars[len(bars)-1].TS

	// One pipeline invocation per new closed bar.
	if last, ok := e.lastBars[k]; ok && !barTS.After(last) {
		timer.Stop("skip")
		return TickResult{Symbol: symbol, Skipped: true}, nil
	}

	snap := store.NewSnapshot(barTS, symbol, tf, e.layout.Mode)
	tickID := snap.TickIDString()
	var issues []string

	snap.Set("market.source", fetched.Meta.Source)
	snap.Set("market.bar_count", fetched.Meta.BarCount)
	snap.Set("market.newest_ts", barTS)
	snap.Set("market.trimmed", fetched.Meta.Trimmed)
	snap.Set("market.from_cache", fetched.Meta.FromCache)
	snap.Set("market.close", bars[len(bars)-1].Close)

	regRes := e.classifier.Classify(bars, fetched.Meta.Trimmed)
	if regRes.Label == regime.Unknown {
		issues = append(issues, ops.IssueRegimeUnknown)
	}
	snap.Set("regime.label", string(regRes.Label))
	snap.Set("regime.atr_pct", regRes.ATRPct)
	snap.Set("regime.bb_width_pct", regRes.BBWidthPct)
	snap.Set("regime.return", regRes.Return)
	snap.Set("regime.vol_z", regRes.VolZ)

	vector, raws := e.registry.Build(signals.Context{Bars: bars, Now: barTS})
	snap.Set("signals.vector", vector)
	snap.Set("signals.raw_registry", raws)
	if allErrored(raws) {
		issues = append(issues, ops.IssueConfidenceMissing)
	}

	decision := e.council.Decide(regRes.Label, vector, e.registry.Specs())
	snap.Set("decision.final.dir", decision.Final.Dir)
	snap.Set("decision.final.conf", decision.Final.Conf)
	snap.Set("decision.buckets", decision.Buckets)
	snap.Set("decision.gates", decision.Gates)

	conf := decision.Final.Conf
	confVel := e.tracker.Track("conf:"+k, barTS, &conf)
	closePx := bars[len(bars)-1].Close
	priceVel := e.tracker.Track("price:"+k, barTS, &closePx)
	snap.Set("primitives.conf_velocity", confVel)
	snap.Set("primitives.price_velocity", priceVel)

	if regRes.Label == regime.Unknown {
		issues = append(issues, ops.IssueCompressionNull)
		snap.Set("primitives.compression", nil)
	} else {
		comp := e.compression.Update(regRes.ATRPct, regRes.ATRBaseline, regRes.BBWidthPct, regRes.BBBaseline, barTS)
		snap.Set("primitives.compression", comp)
	}

	trust, err := e.selfTrust.Update(now)
	if err != nil {
		log.Warn().Err(err).Msg("self-trust update failed")
	}
	if trust.Score == nil {
		issues = append(issues, ops.IssueSelfTrustUnavailable)
	}
	snap.Set("primitives.self_trust", trust)

	riskState, err := e.riskAdapter.Evaluate(barTS)
	if err != nil {
		timer.Stop("error")
		return TickResult{}, err
	}
	snap.Set("risk.band", string(riskState.Band))
	snap.Set("risk.mult", riskState.Mult)
	snap.Set("risk.drawdown", riskState.Drawdown)
	snap.Set("risk.equity", riskState.Equity)
	e.metrics.RiskMult.Set(riskState.Mult)

	out, err := e.trader.Tick(trader.Input{
		TS:        barTS,
		Symbol:    symbol,
		Timeframe: tf,
		Price:     closePx,
		Regime:    regRes.Label,
		Decision:  decision,
		RiskBand:  riskState.Band,
		RiskMult:  riskState.Mult,
	})
	if err != nil {
		timer.Stop("error")
		return TickResult{}, err
	}
	snap.Set("execution.action", out.Action)
	snap.Set("execution.exit_reason", out.ExitReason)
	snap.Set("execution.eligible", out.Eligible)
	snap.Set("execution.equity", out.Equity)
	if out.PnLPct != nil {
		snap.Set("execution.pnl_pct", *out.PnLPct)
		snap.Set("execution.is_scratch", out.Scratch)
		e.metrics.TradesTotal.WithLabelValues("close", out.ExitReason).Inc()
		e.refreshPF(now)
	}
	if out.Action == "open" || out.Action == "flip" {
		e.metrics.TradesTotal.WithLabelValues("open", "").Inc()
	}

	opp := e.opportunity.Update(regRes.Label, out.Eligible, barTS)
	if opp.BelowFloor {
		issues = append(issues, ops.IssueOpportunityLow)
	}
	snap.Set("primitives.opportunity", opp)

	e.metrics.SetRegime(symbol, string(regRes.Label), regimeLabels())
	snap.Set("metrics.issues", issues)

	if err := e.flushState(); err != nil {
		timer.Stop("error")
		return TickResult{}, err
	}

	e.lastBars[k] = barTS
	if err := atomicio.WriteJSONAtomic(e.layout.LoopState(), e.lastBars); err != nil {
		log.Warn().Err(err).Msg("loop state write failed")
	}

	e.reporter.WriteLatestSnapshot(snap)
	timer.Stop("ok")
	return TickResult{Symbol: symbol, TickID: tickID, Issues: issues, Snapshot: snap}, nil
}

// refreshPF rewrites the profit-factor summary for the active track.
func (e *Engine) refreshPF(now time.Time) {
	out := e.layout.PFLocal()
	if e.layout.Mode == store.ModeLive {
		out = e.layout.PFLive()
	}
	if _, err := risk.RefreshPFSnapshot(e.layout.TradeLog(), out, now); err != nil {
		log.Warn().Err(err).Msg("pf snapshot refresh failed")
	}
}

// flushState persists every component-owned state file. These sit on the
// critical path: losing them breaks restart semantics.
func (e *Engine) flushState() error {
	if err := e.primStore.Flush(); err != nil {
		return fmt.Errorf("flush primitive state: %w", err)
	}
	if err := e.compression.Flush(); err != nil {
		return fmt.Errorf("flush compression state: %w", err)
	}
	if err := e.opportunity.Flush(); err != nil {
		return fmt.Errorf("flush opportunity state: %w", err)
	}
	if err := e.selfTrust.Flush(); err != nil {
		return fmt.Errorf("flush self-trust state: %w", err)
	}
	if err := e.riskAdapter.Flush(); err != nil {
		return fmt.Errorf("flush risk adapter: %w", err)
	}
	return nil
}

func allErrored(raws map[string]signals.Raw) bool {
	for _, r := range raws {
		if r.Error == "" {
			return false
		}
	}
	return len(raws) > 0
}

func regimeLabels() []string {
	all := regime.All()
	out := make([]string, len(all))
	for i, r := range all {
		out[i] = string(r)
	}
	return out
}
