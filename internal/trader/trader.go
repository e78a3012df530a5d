// Package trader is the entry/exit state machine and the append-only trade
// accounting behind it. One position per (symbol, timeframe); every accepted
// open is followed by exactly one close before the next open on that key.
package trader

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paperloop/paperloop/internal/atomicio"
	"github.com/paperloop/paperloop/internal/config"
	"github.com/paperloop/paperloop/internal/council"
	"github.com/paperloop/paperloop/internal/regime"
	"github.com/paperloop/paperloop/internal/risk"
	"github.com/paperloop/paperloop/internal/store"
)

// Exit reasons, evaluated in the configured priority order.
const (
	ExitStopLoss = "sl"
	ExitDecay    = "decay"
	ExitTP       = "tp"
	ExitReverse  = "reverse"
	ExitDrop     = "drop"
)

// tpMinConf is the same-direction conviction required before take-profit is
// even considered; the price-move condition applies on top of it.
const tpMinConf = 0.80

// entrySoftening widens the entry gate while the risk multiplier already
// shrinks size below 1.0.
const entrySoftening = 0.07

// Position is the persisted per-key state.
type Position struct {
	Dir       int       `json:"dir"`
	EntryPx   float64   `json:"entry_px"`
	BarsOpen  int       `json:"bars_open"`
	EntryTS   time.Time `json:"entry_ts"`
	EntryConf float64   `json:"entry_conf"`
}

// Input is everything the state machine needs for one tick on one key.
type Input struct {
	TS        time.Time
	Symbol    string
	Timeframe string
	Price     float64
	Regime    regime.Regime
	Decision  council.Decision
	RiskBand  risk.Band
	RiskMult  float64
}

// Outcome reports what the tick did. PnLPct is set only when a close
// happened this tick.
type Outcome struct {
	Action     string    `json:"action"` // open, hold, close, flip, flat
	ExitReason string    `json:"exit_reason,omitempty"`
	PnLPct     *float64  `json:"pnl_pct,omitempty"`
	Scratch    bool      `json:"is_scratch,omitempty"`
	Eligible   bool      `json:"eligible"`
	Equity     float64   `json:"equity"`
	Position   *Position `json:"position,omitempty"`
}

type openEvent struct {
	TS        time.Time `json:"ts"`
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Dir       int       `json:"dir"`
	EntryPx   float64   `json:"entry_px"`
	Conf      float64   `json:"conf"`
	RiskMult  float64   `json:"risk_mult"`
	Regime    string    `json:"regime"`
	RiskBand  string    `json:"risk_band"`
}

type closeEvent struct {
	TS         time.Time `json:"ts"`
	Type       string    `json:"type"`
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe"`
	Dir        int       `json:"dir"`
	EntryPx    float64   `json:"entry_px"`
	ExitPx     float64   `json:"exit_px"`
	Pct        float64   `json:"pct"`
	FeeBps     float64   `json:"fee_bps"`
	SlipBps    float64   `json:"slip_bps"`
	ExitReason string    `json:"exit_reason"`
	EntryConf  float64   `json:"entry_conf"`
	ExitConf   float64   `json:"exit_conf"`
	Regime     string    `json:"regime"`
	RiskBand   string    `json:"risk_band"`
	RiskMult   float64   `json:"risk_mult"`
	IsScratch  bool      `json:"is_scratch"`
}

// Trader owns positions.json, trades.jsonl, and equity_curve.jsonl.
type Trader struct {
	cfg       config.TradingConfig
	layout    store.Layout
	positions map[string]*Position
	equity    float64
}

// New loads position state and replays the equity curve to its last point.
func New(cfg config.TradingConfig, layout store.Layout) (*Trader, error) {
	t := &Trader{cfg: cfg, layout: layout, positions: map[string]*Position{}, equity: 1.0}

	err := atomicio.ReadJSON(layout.Positions(), &t.positions)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if t.positions == nil {
		t.positions = map[string]*Position{}
	}

	last, err := lastEquity(layout.EquityCurve())
	if err != nil {
		return nil, err
	}
	if last > 0 {
		t.equity = last
	}
	return t, nil
}

func lastEquity(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var last float64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var p struct {
			Equity float64 `json:"equity"`
		}
		if err := json.Unmarshal(sc.Bytes(), &p); err == nil && p.Equity > 0 {
			last = p.Equity
		}
	}
	return last, sc.Err()
}

func key(symbol, timeframe string) string { return symbol + ":" + timeframe }

func (t *Trader) regimeAllowed(reg regime.Regime) bool {
	for _, r := range t.cfg.EntryRegimes {
		if r == string(reg) {
			return true
		}
	}
	return false
}

// entryThreshold is the per-regime entry gate, softened while the risk
// multiplier is already below 1.0.
func (t *Trader) entryThreshold(gates council.Gates, riskMult float64) float64 {
	th := gates.EntryMinConf
	if riskMult < 1.0 {
		th -= entrySoftening
	}
	return th
}

// Tick advances one (symbol, timeframe) through the state machine.
func (t *Trader) Tick(in Input) (Outcome, error) {
	k := key(in.Symbol, in.Timeframe)
	gates := in.Decision.Gates
	final := in.Decision.Final

	entryTh := t.entryThreshold(gates, in.RiskMult)
	eligible := t.cfg.AllowOpens &&
		t.regimeAllowed(in.Regime) &&
		final.Dir != 0 &&
		final.Conf >= entryTh

	pos := t.positions[k]
	if pos == nil || pos.Dir == 0 {
		if !eligible {
			return Outcome{Action: "flat", Eligible: false, Equity: t.equity}, nil
		}
		if err := t.open(k, in, final.Dir, final.Conf); err != nil {
			return Outcome{Action: "flat", Eligible: true, Equity: t.equity}, err
		}
		p := *t.positions[k]
		return Outcome{Action: "open", Eligible: true, Equity: t.equity, Position: &p}, nil
	}

	pos.BarsOpen++

	reason := t.exitReason(pos, in)
	if reason == "" {
		if err := t.flushPositions(); err != nil {
			return Outcome{}, err
		}
		p := *pos
		return Outcome{Action: "hold", Eligible: eligible, Equity: t.equity, Position: &p}, nil
	}

	pnl, scratch, err := t.close(k, pos, in, reason)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{
		Action:     "close",
		ExitReason: reason,
		PnLPct:     &pnl,
		Scratch:    scratch,
		Eligible:   eligible,
		Equity:     t.equity,
	}

	// A reverse flips into the new direction within the same tick when
	// opens are permitted; the re-open shares the exit timestamp.
	if reason == ExitReverse && t.cfg.AllowOpens && t.regimeAllowed(in.Regime) && final.Dir != 0 {
		if err := t.open(k, in, final.Dir, final.Conf); err != nil {
			return out, err
		}
		out.Action = "flip"
		p := *t.positions[k]
		out.Position = &p
	}
	return out, nil
}

// exitReason walks the configured priority list and returns the first
// condition that holds, or "" to keep holding.
func (t *Trader) exitReason(pos *Position, in Input) string {
	final := in.Decision.Final
	gates := in.Decision.Gates
	counter := final.Dir != 0 && final.Dir == -pos.Dir
	rawMove := (in.Price - pos.EntryPx) / pos.EntryPx * float64(pos.Dir) * 100

	for _, reason := range t.cfg.ExitOrder {
		switch reason {
		case ExitStopLoss:
			// Strong counter-signal on a losing position: stop out
			// rather than flip.
			if counter && final.Conf >= gates.ReverseMinConf && rawMove < 0 {
				return ExitStopLoss
			}
		case ExitDecay:
			if pos.BarsOpen >= t.cfg.DecayBars {
				return ExitDecay
			}
		case ExitTP:
			if final.Dir == pos.Dir && final.Conf >= tpMinConf && rawMove >= t.cfg.TPMinPriceMovePct {
				return ExitTP
			}
		case ExitReverse:
			if counter && final.Conf >= gates.ReverseMinConf {
				return ExitReverse
			}
		case ExitDrop:
			if final.Conf < gates.ExitMinConf {
				return ExitDrop
			}
		}
	}
	return ""
}

func (t *Trader) open(k string, in Input, dir int, conf float64) error {
	ev := openEvent{
		TS:        in.TS.UTC(),
		Type:      "open",
		Symbol:    in.Symbol,
		Timeframe: in.Timeframe,
		Dir:       dir,
		EntryPx:   in.Price,
		Conf:      conf,
		RiskMult:  in.RiskMult,
		Regime:    string(in.Regime),
		RiskBand:  string(in.RiskBand),
	}
	if err := atomicio.AppendJSONL(t.layout.TradeLog(), ev); err != nil {
		return err
	}
	t.positions[k] = &Position{
		Dir:       dir,
		EntryPx:   in.Price,
		BarsOpen:  0,
		EntryTS:   in.TS.UTC(),
		EntryConf: conf,
	}
	log.Info().
		Str("symbol", in.Symbol).
		Int("dir", dir).
		Float64("entry_px", in.Price).
		Float64("conf", conf).
		Float64("risk_mult", in.RiskMult).
		Msg("position opened")
	return t.flushPositions()
}

func (t *Trader) close(k string, pos *Position, in Input, reason string) (pnl float64, scratch bool, err error) {
	raw := (in.Price - pos.EntryPx) / pos.EntryPx * float64(pos.Dir) * 100
	costs := (2*t.cfg.TakerFeeBps + t.cfg.SlipBps) / 100
	pnl = raw - costs
	scratch = pnl < t.cfg.ScratchThresholdPct && pnl > -t.cfg.ScratchThresholdPct

	ev := closeEvent{
		TS:         in.TS.UTC(),
		Type:       "close",
		Symbol:     in.Symbol,
		Timeframe:  in.Timeframe,
		Dir:        pos.Dir,
		EntryPx:    pos.EntryPx,
		ExitPx:     in.Price,
		Pct:        pnl,
		FeeBps:     t.cfg.TakerFeeBps,
		SlipBps:    t.cfg.SlipBps,
		ExitReason: reason,
		EntryConf:  pos.EntryConf,
		ExitConf:   in.Decision.Final.Conf,
		Regime:     string(in.Regime),
		RiskBand:   string(in.RiskBand),
		RiskMult:   in.RiskMult,
		IsScratch:  scratch,
	}
	if err := atomicio.AppendJSONL(t.layout.TradeLog(), ev); err != nil {
		return 0, false, err
	}

	t.equity *= 1 + pnl/100
	if err := atomicio.AppendJSONL(t.layout.EquityCurve(), map[string]any{
		"ts": in.TS.UTC(), "equity": t.equity,
	}); err != nil {
		return 0, false, err
	}

	delete(t.positions, k)
	log.Info().
		Str("symbol", in.Symbol).
		Str("reason", reason).
		Float64("pct", pnl).
		Bool("scratch", scratch).
		Float64("equity", t.equity).
		Msg("position closed")
	return pnl, scratch, t.flushPositions()
}

func (t *Trader) flushPositions() error {
	return atomicio.WriteJSONAtomic(t.layout.Positions(), t.positions)
}

// Position returns the live position for a key, if any.
func (t *Trader) Position(symbol, timeframe string) (Position, bool) {
	p, ok := t.positions[key(symbol, timeframe)]
	if !ok || p.Dir == 0 {
		return Position{}, false
	}
	return *p, true
}

// Equity returns the current compounded equity.
func (t *Trader) Equity() float64 { return t.equity }

// OpenPositionCount reports how many positions are currently open across all
// (symbol, timeframe) keys.
func (t *Trader) OpenPositionCount() int { return len(t.positions) }
