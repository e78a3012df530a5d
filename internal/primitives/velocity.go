// Package primitives computes the derived scalars of the tick: velocity,
// decayed views, compression, opportunity density, and self-trust.
package primitives

import (
	"math"
	"time"

	"github.com/paperloop/paperloop/internal/store"
)

// Velocity returns the per-second rate of change between the previous
// observation and the current one. The result is nil when there is no
// previous value, the current value is missing, or time did not advance.
func Velocity(prev store.PrimitiveEntry, hasPrev bool, ts time.Time, cur *float64) *float64 {
	if !hasPrev || cur == nil {
		return nil
	}
	dt := ts.Sub(prev.TS).Seconds()
	if dt <= 0 {
		return nil
	}
	v := (*cur - prev.Value) / dt
	return &v
}

// Tracker couples velocity with the primitive store: it computes the
// velocity against the stored observation and then seeds the store with the
// current value unconditionally, so the next tick always has a baseline.
type Tracker struct {
	Store *store.PrimitiveStore
}

// Track returns the velocity for key at ts and records cur when non-nil.
func (t *Tracker) Track(key string, ts time.Time, cur *float64) *float64 {
	prev, hasPrev := t.Store.Last(key)
	v := Velocity(prev, hasPrev, ts, cur)
	if cur != nil {
		t.Store.Observe(key, ts, *cur)
	}
	return v
}

// Decayed returns the exponentially decayed view of the last confirmed
// value: v * 0.5^(age/halfLife). Decay is independent of whether the
// current tick refreshed the value.
func Decayed(prev store.PrimitiveEntry, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return prev.Value
	}
	age := now.Sub(prev.TS).Seconds()
	if age <= 0 {
		return prev.Value
	}
	return prev.Value * math.Pow(0.5, age/halfLife.Seconds())
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
