package store

import (
	"fmt"
	"strings"
	"time"
)

// Snapshot is the per-tick record. Header fields are fixed at creation;
// only the nested groups are filled in as the tick progresses.
type Snapshot struct {
	TS         time.Time      `json:"ts"`
	Symbol     string         `json:"symbol"`
	Timeframe  string         `json:"timeframe"`
	Mode       Mode           `json:"mode"`
	Market     map[string]any `json:"market"`
	Signals    map[string]any `json:"signals"`
	Primitives map[string]any `json:"primitives"`
	Regime     map[string]any `json:"regime"`
	Risk       map[string]any `json:"risk"`
	Decision   map[string]any `json:"decision"`
	Execution  map[string]any `json:"execution"`
	Metrics    map[string]any `json:"metrics"`
	Meta       map[string]any `json:"meta"`
}

// NewSnapshot creates a snapshot with an immutable header and a tick ID
// derived from the header fields (filesystem-safe, unique per bar).
func NewSnapshot(ts time.Time, symbol, timeframe string, mode Mode) *Snapshot {
	s := &Snapshot{
		TS:         ts.UTC(),
		Symbol:     symbol,
		Timeframe:  timeframe,
		Mode:       mode,
		Market:     map[string]any{},
		Signals:    map[string]any{},
		Primitives: map[string]any{},
		Regime:     map[string]any{},
		Risk:       map[string]any{},
		Decision:   map[string]any{},
		Execution:  map[string]any{},
		Metrics:    map[string]any{},
		Meta:       map[string]any{},
	}
	s.Meta["tick_id"] = TickID(symbol, timeframe, ts)
	return s
}

// TickID builds a filesystem-safe identifier from the snapshot header.
func TickID(symbol, timeframe string, ts time.Time) string {
	raw := fmt.Sprintf("%s-%s-%d", symbol, timeframe, ts.UTC().Unix())
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// TickIDString returns the snapshot's tick identifier.
func (s *Snapshot) TickIDString() string {
	id, _ := s.Meta["tick_id"].(string)
	return id
}

func (s *Snapshot) group(name string) map[string]any {
	switch name {
	case "market":
		return s.Market
	case "signals":
		return s.Signals
	case "primitives":
		return s.Primitives
	case "regime":
		return s.Regime
	case "risk":
		return s.Risk
	case "decision":
		return s.Decision
	case "execution":
		return s.Execution
	case "metrics":
		return s.Metrics
	case "meta":
		return s.Meta
	default:
		return nil
	}
}

// Set writes a value at a dot path such as "decision.final.dir". The first
// segment must name a nested group; header fields cannot be addressed.
func (s *Snapshot) Set(path string, v any) error {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return fmt.Errorf("snapshot path %q: need group.key", path)
	}
	m := s.group(parts[0])
	if m == nil {
		return fmt.Errorf("snapshot path %q: unknown group %q", path, parts[0])
	}
	for _, p := range parts[1 : len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
	return nil
}

// Get reads a value at a dot path; the second return is false when any
// segment is missing.
func (s *Snapshot) Get(path string) (any, bool) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, false
	}
	m := s.group(parts[0])
	if m == nil {
		return nil, false
	}
	for _, p := range parts[1 : len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			return nil, false
		}
		m = next
	}
	v, ok := m[parts[len(parts)-1]]
	return v, ok
}
