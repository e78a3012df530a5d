package primitives

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paperloop/paperloop/internal/atomicio"
)

// SelfTrustState is the persisted calibration record. LastByteOffset is the
// authoritative cursor into trades.jsonl; it only ever advances past fully
// parsed lines.
type SelfTrustState struct {
	N                   int64              `json:"n"`
	BrierEWMA           float64            `json:"brier_ewma"`
	OverconfidenceEWMA  float64            `json:"overconfidence_ewma"`
	LastSampleTS        *time.Time         `json:"last_sample_ts"`
	Alpha               float64            `json:"alpha"`
	TradeLogPath        string             `json:"trade_log_path"`
	LastByteOffset      int64              `json:"last_byte_offset"`
	OpenConfidenceCache map[string]float64 `json:"open_confidence_cache"`
}

// SelfTrustResult is the per-tick view. Score is nil until at least one
// sample has been consumed.
type SelfTrustResult struct {
	Score              *float64 `json:"score"`
	N                  int64    `json:"n"`
	BrierEWMA          float64  `json:"brier_ewma"`
	OverconfidenceEWMA float64  `json:"overconfidence_ewma"`
	SkippedSamples     int      `json:"skipped_samples"`
}

const overconfidenceThreshold = 0.60

// SelfTrustCalibrator scores realized trade outcomes against the confidence
// the engine held at entry. It is driven purely by the trade log, never by
// in-process state, so a restart replays nothing and misses nothing.
type SelfTrustCalibrator struct {
	statePath string
	state     SelfTrustState
}

func LoadSelfTrustCalibrator(statePath, tradeLogPath string, alpha float64) (*SelfTrustCalibrator, error) {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.1
	}
	c := &SelfTrustCalibrator{statePath: statePath}
	err := atomicio.ReadJSON(statePath, &c.state)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if c.state.Alpha == 0 {
		c.state.Alpha = alpha
	}
	if c.state.OpenConfidenceCache == nil {
		c.state.OpenConfidenceCache = map[string]float64{}
	}
	// A changed trade log target restarts the cursor.
	if c.state.TradeLogPath != tradeLogPath {
		c.state.TradeLogPath = tradeLogPath
		c.state.LastByteOffset = 0
	}
	return c, nil
}

// tradeEvent is the subset of the trade-log schema the calibrator reads.
type tradeEvent struct {
	TS        time.Time `json:"ts"`
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Dir       int       `json:"dir"`
	EntryPx   *float64  `json:"entry_px"`
	Conf      *float64  `json:"conf"`
	EntryConf *float64  `json:"entry_conf"`
	ExitConf  *float64  `json:"exit_conf"`
	Pct       *float64  `json:"pct"`
}

// Update consumes the unread tail of the trade log and refreshes the EWMAs.
func (c *SelfTrustCalibrator) Update(now time.Time) (SelfTrustResult, error) {
	chunk, consumed, err := c.readTail()
	if err != nil {
		return c.result(0), err
	}

	skipped := 0
	for _, line := range bytes.Split(chunk, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev tradeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Malformed but complete line: skip it without halting the cursor.
			log.Warn().Err(err).Msg("self-trust: skipping malformed trade line")
			skipped++
			continue
		}
		if !c.consume(ev, now) {
			skipped++
		}
	}

	c.state.LastByteOffset += consumed
	return c.result(skipped), nil
}

// consume scores one event; returns false when the event had to be skipped.
func (c *SelfTrustCalibrator) consume(ev tradeEvent, now time.Time) bool {
	key := ev.Symbol + ":" + ev.Timeframe

	if ev.Type != "close" {
		// Open event: remember the entry confidence for the matching close.
		if ev.EntryPx == nil {
			return false
		}
		if ev.Conf != nil {
			c.state.OpenConfidenceCache[key] = *ev.Conf
		}
		return true
	}

	if ev.Pct == nil {
		return false
	}

	conf, ok := c.state.OpenConfidenceCache[key]
	if ok {
		delete(c.state.OpenConfidenceCache, key)
	} else {
		// Orphan close: fall back to confidence recorded on the close itself.
		switch {
		case ev.EntryConf != nil:
			conf = *ev.EntryConf
		case ev.ExitConf != nil:
			conf = *ev.ExitConf
		default:
			return false
		}
	}

	y := 0.0
	if *ev.Pct > 0 {
		y = 1.0
	}
	brier := (conf - y) * (conf - y)
	over := 0.0
	if conf >= overconfidenceThreshold && y == 0 {
		over = 1.0
	}

	a := c.state.Alpha
	if c.state.N == 0 {
		c.state.BrierEWMA = brier
		c.state.OverconfidenceEWMA = over
	} else {
		c.state.BrierEWMA = a*brier + (1-a)*c.state.BrierEWMA
		c.state.OverconfidenceEWMA = a*over + (1-a)*c.state.OverconfidenceEWMA
	}
	c.state.N++
	ts := ev.TS.UTC()
	if ts.IsZero() {
		ts = now.UTC()
	}
	c.state.LastSampleTS = &ts
	return true
}

// readTail returns the complete lines past the cursor and how many bytes
// they span. A trailing partial line (no newline yet) is left for the next
// tick rather than mis-parsed.
func (c *SelfTrustCalibrator) readTail() ([]byte, int64, error) {
	f, err := os.Open(c.state.TradeLogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat trade log: %w", err)
	}
	if info.Size() < c.state.LastByteOffset {
		// Log was truncated or replaced; restart from the top.
		c.state.LastByteOffset = 0
	}
	if info.Size() == c.state.LastByteOffset {
		return nil, 0, nil
	}

	if _, err := f.Seek(c.state.LastByteOffset, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek trade log: %w", err)
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, 0, fmt.Errorf("read trade log: %w", err)
	}

	end := bytes.LastIndexByte(raw, '\n')
	if end < 0 {
		return nil, 0, nil
	}
	return raw[:end+1], int64(end + 1), nil
}

func (c *SelfTrustCalibrator) result(skipped int) SelfTrustResult {
	res := SelfTrustResult{
		N:                  c.state.N,
		BrierEWMA:          c.state.BrierEWMA,
		OverconfidenceEWMA: c.state.OverconfidenceEWMA,
		SkippedSamples:     skipped,
	}
	if c.state.N > 0 {
		score := clamp01(1 - math.Sqrt(c.state.BrierEWMA) - 0.5*c.state.OverconfidenceEWMA)
		res.Score = &score
	}
	return res
}

// State exposes the persisted record for observability.
func (c *SelfTrustCalibrator) State() SelfTrustState { return c.state }

func (c *SelfTrustCalibrator) Flush() error {
	return atomicio.WriteJSONAtomic(c.statePath, c.state)
}
