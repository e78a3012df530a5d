// Package risk maps realized performance onto a position-size multiplier:
// drawdown selects a band, profit factor gates recovery out of it.
package risk

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/paperloop/paperloop/internal/atomicio"
)

// pfCap stands in for an infinite profit factor when a window has no losing
// closes; JSON cannot carry +Inf.
const pfCap = 999.0

// ClosedTrade is the read-side view of one close event. Scratch closes are
// parsed but excluded from PF arithmetic.
type ClosedTrade struct {
	TS      time.Time `json:"ts"`
	Pct     float64   `json:"pct"`
	Scratch bool      `json:"is_scratch"`
}

// closeEvent matches just enough of the trade-log schema to pick out closes.
type closeEvent struct {
	TS        time.Time `json:"ts"`
	Type      string    `json:"type"`
	Pct       *float64  `json:"pct"`
	IsScratch bool      `json:"is_scratch"`
}

// ReadCloses scans the trade log and returns every well-formed close event in
// file order. A missing log means no closes, not an error; malformed lines
// are skipped.
func ReadCloses(tradeLogPath string) ([]ClosedTrade, error) {
	f, err := os.Open(tradeLogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var closes []ClosedTrade
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev closeEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Type != "close" || ev.Pct == nil {
			continue
		}
		closes = append(closes, ClosedTrade{TS: ev.TS, Pct: *ev.Pct, Scratch: ev.IsScratch})
	}
	return closes, sc.Err()
}

// WindowPF computes the profit factor over the last n non-scratch closes.
// samples reports how many closes actually entered the window.
func WindowPF(closes []ClosedTrade, n int) (pf float64, samples int) {
	var pos, neg float64
	for i := len(closes) - 1; i >= 0 && samples < n; i-- {
		c := closes[i]
		if c.Scratch {
			continue
		}
		if c.Pct > 0 {
			pos += c.Pct
		} else {
			neg += -c.Pct
		}
		samples++
	}
	switch {
	case neg == 0 && pos == 0:
		return 0, samples
	case neg == 0:
		return pfCap, samples
	default:
		pf = pos / neg
		if pf > pfCap {
			pf = pfCap
		}
		return pf, samples
	}
}

// PFSnapshot is the persisted profit-factor summary consumed by dashboards
// and by the adapter's promotion gates.
type PFSnapshot struct {
	UpdatedTS time.Time `json:"updated_ts"`
	Closes    int       `json:"closes"`
	Scratches int       `json:"scratches"`
	PF20      float64   `json:"pf_20"`
	N20       int       `json:"n_20"`
	PF30      float64   `json:"pf_30"`
	N30       int       `json:"n_30"`
	PF50      float64   `json:"pf_50"`
	N50       int       `json:"n_50"`
}

// BuildPFSnapshot summarizes the close history at the standard windows.
func BuildPFSnapshot(closes []ClosedTrade, now time.Time) PFSnapshot {
	snap := PFSnapshot{UpdatedTS: now.UTC(), Closes: len(closes)}
	for _, c := range closes {
		if c.Scratch {
			snap.Scratches++
		}
	}
	snap.PF20, snap.N20 = WindowPF(closes, 20)
	snap.PF30, snap.N30 = WindowPF(closes, 30)
	snap.PF50, snap.N50 = WindowPF(closes, 50)
	return snap
}

// RefreshPFSnapshot recomputes the summary from the trade log and rewrites
// outPath atomically.
func RefreshPFSnapshot(tradeLogPath, outPath string, now time.Time) (PFSnapshot, error) {
	closes, err := ReadCloses(tradeLogPath)
	if err != nil {
		return PFSnapshot{}, err
	}
	snap := BuildPFSnapshot(closes, now)
	return snap, atomicio.WriteJSONAtomic(outPath, snap)
}
