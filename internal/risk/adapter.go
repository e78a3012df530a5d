package risk

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paperloop/paperloop/internal/atomicio"
	"github.com/paperloop/paperloop/internal/store"
)

// Band is the discrete risk level. Demotion between bands follows drawdown
// immediately; promotion is gated.
type Band string

const (
	BandA Band = "A"
	BandB Band = "B"
	BandC Band = "C"
)

const (
	ddBandB = 0.05 // at or above this the band is B or worse
	ddBandC = 0.10 // at or above this the band is C

	minMult = 0.50
	maxMult = 1.25
)

func multFor(b Band) float64 {
	switch b {
	case BandA:
		return 1.00
	case BandB:
		return 0.70
	default:
		return 0.50
	}
}

func bandFromDD(dd float64) Band {
	switch {
	case dd < ddBandB:
		return BandA
	case dd < ddBandC:
		return BandB
	default:
		return BandC
	}
}

// rank orders bands for worse/better comparisons; higher is worse.
func rank(b Band) int {
	switch b {
	case BandA:
		return 0
	case BandB:
		return 1
	default:
		return 2
	}
}

// State is the persisted adapter record, rewritten each tick.
type State struct {
	TS       time.Time `json:"ts"`
	Band     Band      `json:"band"`
	Mult     float64   `json:"mult"`
	Drawdown float64   `json:"drawdown"`
	Equity   float64   `json:"equity"`
	Peak     float64   `json:"peak"`
	Reason   string    `json:"reason"`
}

// transition is one line of the rationale log, appended whenever the band
// changes.
type transition struct {
	TS       time.Time `json:"ts"`
	From     Band      `json:"from"`
	To       Band      `json:"to"`
	Drawdown float64   `json:"drawdown"`
	Equity   float64   `json:"equity"`
	PF30     *float64  `json:"pf_30,omitempty"`
	PF50     *float64  `json:"pf_50,omitempty"`
	PF20     *float64  `json:"pf_20,omitempty"`
	Reason   string    `json:"reason"`
}

// equityPoint is the read-side view of one equity-curve line.
type equityPoint struct {
	TS     time.Time `json:"ts"`
	Equity float64   `json:"equity"`
}

// Adapter owns risk_adapter.json and the rationale log. It is stateful: the
// previous band is the baseline each tick, so recovering drawdown alone does
// not restore size in PAPER mode until profit factor confirms it.
type Adapter struct {
	statePath  string
	logPath    string
	equityPath string
	tradeLog   string
	mode       store.Mode
	state      State
	hasState   bool
}

func NewAdapter(layout store.Layout) (*Adapter, error) {
	a := &Adapter{
		statePath:  layout.RiskAdapter(),
		logPath:    layout.RiskAdapterLog(),
		equityPath: layout.EquityCurve(),
		tradeLog:   layout.TradeLog(),
		mode:       layout.Mode,
	}
	err := atomicio.ReadJSON(a.statePath, &a.state)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	a.hasState = err == nil && a.state.Band != ""
	return a, nil
}

// readEquity returns the last equity value and the running peak. A missing
// or empty curve means a fresh account at 1.0.
func (a *Adapter) readEquity() (last, peak float64, err error) {
	last, peak = 1.0, 1.0
	f, err := os.Open(a.equityPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return last, peak, nil
		}
		return 0, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var p equityPoint
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil || p.Equity <= 0 {
			continue
		}
		last = p.Equity
		if p.Equity > peak {
			peak = p.Equity
		}
	}
	return last, peak, sc.Err()
}

// Evaluate refreshes the band and multiplier from the equity curve and, in
// PAPER mode, the profit-factor promotion gates.
func (a *Adapter) Evaluate(now time.Time) (State, error) {
	equity, peak, err := a.readEquity()
	if err != nil {
		return a.state, err
	}
	dd := 0.0
	if peak > 0 {
		dd = 1 - equity/peak
	}
	if dd < 0 {
		dd = 0
	}

	ddBand := bandFromDD(dd)
	prev := ddBand
	if a.hasState {
		prev = a.state.Band
	}

	band := prev
	reason := "hold"
	var tr *transition

	switch {
	case rank(ddBand) > rank(prev):
		// Demotion is always drawdown-driven, in any mode.
		band = ddBand
		reason = "drawdown demotion"
		tr = &transition{From: prev, To: band, Reason: reason}

	case rank(ddBand) < rank(prev):
		promoted, pfReason, pfDetail := a.tryPromote(prev, dd)
		if promoted != prev {
			band = promoted
			reason = pfReason
			tr = &transition{From: prev, To: band, Reason: reason}
			if pfDetail != nil {
				tr.PF30, tr.PF50, tr.PF20 = pfDetail.pf30, pfDetail.pf50, pfDetail.pf20
			}
		} else {
			reason = pfReason
		}
	}

	a.state = State{
		TS:       now.UTC(),
		Band:     band,
		Mult:     clampMult(multFor(band)),
		Drawdown: dd,
		Equity:   equity,
		Peak:     peak,
		Reason:   reason,
	}
	a.hasState = true

	if tr != nil {
		tr.TS = now.UTC()
		tr.Drawdown = dd
		tr.Equity = equity
		if err := atomicio.AppendJSONL(a.logPath, tr); err != nil {
			log.Warn().Err(err).Msg("risk: rationale append failed")
		}
		log.Info().
			Str("from", string(tr.From)).
			Str("to", string(tr.To)).
			Float64("drawdown", dd).
			Str("reason", reason).
			Msg("risk band transition")
	}
	return a.state, nil
}

type pfDetail struct {
	pf30, pf50, pf20 *float64
}

// tryPromote lifts the band one step when the gates allow it. Outside PAPER
// mode recovery follows drawdown directly. With no close history at all the
// gates cannot apply and recovery is drawdown-only.
func (a *Adapter) tryPromote(prev Band, dd float64) (Band, string, *pfDetail) {
	if a.mode != store.ModePaper {
		return bandFromDD(dd), "drawdown recovery", nil
	}

	closes, err := ReadCloses(a.tradeLog)
	if err != nil {
		log.Warn().Err(err).Msg("risk: trade log unreadable, holding band")
		return prev, "trade log unreadable", nil
	}
	if len(closes) == 0 {
		return bandFromDD(dd), "drawdown recovery, no close history", nil
	}

	switch prev {
	case BandC:
		pf30, n30 := WindowPF(closes, 30)
		d := &pfDetail{pf30: &pf30}
		if dd < 0.08 && n30 >= 20 && pf30 >= 1.05 {
			return BandB, "pf promotion C->B", d
		}
		return prev, "promotion gates not met", d
	case BandB:
		pf50, n50 := WindowPF(closes, 50)
		pf20, n20 := WindowPF(closes, 20)
		d := &pfDetail{pf50: &pf50, pf20: &pf20}
		if dd < 0.05 && n50 >= 40 && pf50 >= 1.15 && n20 >= 15 && pf20 >= 1.10 {
			return BandA, "pf promotion B->A", d
		}
		return prev, "promotion gates not met", d
	default:
		return prev, "hold", nil
	}
}

func clampMult(m float64) float64 {
	if m < minMult {
		return minMult
	}
	if m > maxMult {
		return maxMult
	}
	return m
}

// State returns the last evaluated record.
func (a *Adapter) State() State { return a.state }

func (a *Adapter) Flush() error {
	return atomicio.WriteJSONAtomic(a.statePath, a.state)
}
