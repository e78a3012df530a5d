package primitives

import (
	"errors"
	"os"
	"time"

	"github.com/paperloop/paperloop/internal/atomicio"
)

// CompressionState is the persisted record: entered_ts is non-null exactly
// when in_compression is true.
type CompressionState struct {
	InCompression bool       `json:"in_compression"`
	EnteredTS     *time.Time `json:"entered_ts"`
	LastTS        *time.Time `json:"last_ts"`
}

// CompressionResult is the per-tick view written into the snapshot.
type CompressionResult struct {
	Score             float64  `json:"score"`
	ATRComponent      float64  `json:"atr_component"`
	BBComponent       float64  `json:"bb_component"`
	InCompression     bool     `json:"in_compression"`
	TimeInCompression *float64 `json:"time_in_compression_s"`
}

// CompressionTracker owns compression_state.json. A tick is compressed when
// the blended score reaches the threshold (default 0.6).
type CompressionTracker struct {
	path      string
	threshold float64
	state     CompressionState
}

func LoadCompressionTracker(path string, threshold float64) (*CompressionTracker, error) {
	if threshold <= 0 {
		threshold = 0.6
	}
	t := &CompressionTracker{path: path, threshold: threshold}
	err := atomicio.ReadJSON(path, &t.state)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return t, nil
}

// componentCompression maps a current/baseline ratio to a compression
// component: fully compressed at ratio 0, zero at or above baseline.
func componentCompression(current, baseline float64) float64 {
	if baseline <= 0 {
		return 0
	}
	r := current / baseline
	if r < 0 {
		r = 0
	}
	if r > 2 {
		r = 2
	}
	if r > 1 {
		return 0
	}
	return 1 - r
}

// Update scores the current tick against the longer-window baselines and
// advances the persisted state. Time-in-compression resets to zero on
// entering, is held while staying, and is nil when not compressed.
func (t *CompressionTracker) Update(atrPct, atrBaseline, bbPct, bbBaseline float64, now time.Time) CompressionResult {
	cATR := componentCompression(atrPct, atrBaseline)
	cBB := componentCompression(bbPct, bbBaseline)
	score := 0.5*cATR + 0.5*cBB

	res := CompressionResult{Score: score, ATRComponent: cATR, BBComponent: cBB}

	nowUTC := now.UTC()
	compressed := score >= t.threshold
	if compressed {
		// EnteredTS can be nil in a hand-edited or corrupted state file even
		// when in_compression is set; re-enter rather than dereference it.
		if !t.state.InCompression || t.state.EnteredTS == nil {
			t.state.InCompression = true
			t.state.EnteredTS = &nowUTC
		}
		secs := nowUTC.Sub(*t.state.EnteredTS).Seconds()
		if secs < 0 {
			secs = 0
		}
		res.InCompression = true
		res.TimeInCompression = &secs
	} else {
		t.state.InCompression = false
		t.state.EnteredTS = nil
	}
	t.state.LastTS = &nowUTC
	return res
}

func (t *CompressionTracker) Flush() error {
	return atomicio.WriteJSONAtomic(t.path, t.state)
}
