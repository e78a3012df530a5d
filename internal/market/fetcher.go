package market

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// FetchMeta names the source used and the age of the newest bar so callers
// can judge feed freshness.
type FetchMeta struct {
	Source     string        `json:"source"`
	NewestAge  time.Duration `json:"newest_age"`
	Trimmed    bool          `json:"trimmed"`
	FromCache  bool          `json:"from_cache"`
	BarCount   int           `json:"bar_count"`
}

// FetchResult is an ordered sequence of closed bars plus meta.
type FetchResult struct {
	Bars []Bar
	Meta FetchMeta
}

// Empty reports whether every provider failed and no cached payload was
// fresh enough. Callers must treat this as a stale-feed incident.
func (r FetchResult) Empty() bool { return len(r.Bars) == 0 }

type cachedPayload struct {
	bars      []Bar
	source    string
	fetchedAt time.Time
}

// Instrumentation receives provider failure counts and cooldown gauge
// updates. A nil instrumentation disables reporting.
type Instrumentation interface {
	ProviderFailure(provider, kind string)
	ProviderCooldown(provider string, seconds float64)
}

// Fetcher selects a provider under stickiness and cooldown, trims the
// unfinished newest bar, and falls back to a bounded-age cache when every
// provider fails.
type Fetcher struct {
	providers []Provider
	sticky    *StickyBook
	cooldowns *CooldownBook
	obs       Instrumentation
	cache     map[string]cachedPayload
}

// NewFetcher takes providers in fixed priority order.
func NewFetcher(providers []Provider, sticky *StickyBook, cooldowns *CooldownBook, obs Instrumentation) *Fetcher {
	return &Fetcher{
		providers: providers,
		sticky:    sticky,
		cooldowns: cooldowns,
		obs:       obs,
		cache:     map[string]cachedPayload{},
	}
}

// candidateOrder puts the sticky source first when it exists and is not
// cooling, then the remaining providers in priority order.
func (f *Fetcher) candidateOrder(symbol, timeframe string, now time.Time) []Provider {
	preferred, _ := f.sticky.Preferred(symbol, timeframe)
	ordered := make([]Provider, 0, len(f.providers))
	for _, p := range f.providers {
		if p.Name() == preferred && !f.cooldowns.InCooldown(p.Name(), now) {
			ordered = append(ordered, p)
		}
	}
	for _, p := range f.providers {
		if p.Name() == preferred {
			continue
		}
		if f.cooldowns.InCooldown(p.Name(), now) {
			continue
		}
		ordered = append(ordered, p)
	}
	return ordered
}

// Fetch returns the last `limit` closed bars for (symbol, timeframe) as of
// now. The newest bar is trimmed when it has not yet closed.
func (f *Fetcher) Fetch(ctx context.Context, symbol, timeframe string, limit int, now time.Time) (FetchResult, error) {
	tfSecs, err := TimeframeSeconds(timeframe)
	if err != nil {
		return FetchResult{}, err
	}

	for _, p := range f.candidateOrder(symbol, timeframe, now) {
		bars, err := p.Klines(ctx, symbol, timeframe, limit)
		if err != nil {
			kind := ErrHTTP
			var pe *ProviderError
			if errors.As(err, &pe) {
				kind = pe.Kind
			}
			entry := f.cooldowns.Set(p.Name(), now, kind, true)
			if f.obs != nil {
				f.obs.ProviderFailure(p.Name(), string(kind))
				f.obs.ProviderCooldown(p.Name(), entry.CooldownUntil.Sub(now).Seconds())
			}
			log.Warn().Str("provider", p.Name()).Str("symbol", symbol).
				Str("error_kind", string(kind)).Int("consecutive", entry.Count).
				Time("cooldown_until", entry.CooldownUntil).
				Msg("OHLCV provider failed, cooling down")
			continue
		}

		f.cooldowns.Clear(p.Name())
		if f.obs != nil {
			f.obs.ProviderCooldown(p.Name(), 0)
		}
		if changed := f.sticky.Remember(symbol, timeframe, p.Name(), now); changed {
			if err := f.sticky.Flush(); err != nil {
				log.Warn().Err(err).Msg("stickiness flush failed")
			}
			log.Info().Str("provider", p.Name()).Str("symbol", symbol).
				Str("timeframe", timeframe).Msg("OHLCV source changed")
		}

		bars, trimmed := trimOpenBar(bars, tfSecs, now)
		f.cache[stickyKey(symbol, timeframe)] = cachedPayload{bars: bars, source: p.Name(), fetchedAt: now}

		return FetchResult{
			Bars: bars,
			Meta: FetchMeta{
				Source:    p.Name(),
				NewestAge: newestAge(bars, now),
				Trimmed:   trimmed,
				BarCount:  len(bars),
			},
		}, nil
	}

	// Every provider failed: serve the cached payload if fresh enough
	// (within two timeframes), else report an empty result.
	if c, ok := f.cache[stickyKey(symbol, timeframe)]; ok {
		if now.Sub(c.fetchedAt) <= 2*time.Duration(tfSecs)*time.Second {
			log.Warn().Str("symbol", symbol).Str("timeframe", timeframe).
				Str("source", c.source).Msg("all providers failed, serving cached bars")
			return FetchResult{
				Bars: c.bars,
				Meta: FetchMeta{
					Source:    c.source,
					NewestAge: newestAge(c.bars, now),
					FromCache: true,
					BarCount:  len(c.bars),
				},
			}, nil
		}
	}

	return FetchResult{}, nil
}

// trimOpenBar drops the newest bar when it has not yet closed.
func trimOpenBar(bars []Bar, tfSecs int64, now time.Time) ([]Bar, bool) {
	if len(bars) == 0 {
		return bars, false
	}
	last := bars[len(bars)-1]
	if last.TS.Add(time.Duration(tfSecs) * time.Second).After(now) {
		return bars[:len(bars)-1], true
	}
	return bars, false
}

func newestAge(bars []Bar, now time.Time) time.Duration {
	if len(bars) == 0 {
		return 0
	}
	return now.Sub(bars[len(bars)-1].TS)
}
