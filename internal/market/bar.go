// Package market fetches OHLCV bars from public providers with provider
// stickiness, consecutive-failure cooldowns, circuit breaking, and
// timeframe-aware stale-bar trimming.
package market

import (
	"fmt"
	"time"
)

// Bar is one OHLCV record with its open timestamp aligned to the
// timeframe boundary.
type Bar struct {
	TS     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// TimeframeSeconds parses timeframes of the form 1m/5m/15m/1h/4h/1d.
func TimeframeSeconds(timeframe string) (int64, error) {
	var n int64
	var unit byte
	if _, err := fmt.Sscanf(timeframe, "%d%c", &n, &unit); err != nil || n <= 0 {
		return 0, fmt.Errorf("bad timeframe %q", timeframe)
	}
	switch unit {
	case 'm':
		return n * 60, nil
	case 'h':
		return n * 3600, nil
	case 'd':
		return n * 86400, nil
	default:
		return 0, fmt.Errorf("bad timeframe %q", timeframe)
	}
}

// ErrorKind classifies a provider failure for cooldown purposes. Everything
// maps to the default backoff curve except 403, which cools longer.
type ErrorKind string

const (
	ErrRateLimited ErrorKind = "429"
	ErrForbidden   ErrorKind = "403"
	ErrTimeout     ErrorKind = "timeout"
	ErrMalformed   ErrorKind = "malformed"
	ErrHTTP        ErrorKind = "http"
)

// ProviderError is a classified failure from one provider attempt.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Kind, e.Message)
}
