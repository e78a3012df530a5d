package market

import (
	"errors"
	"os"
	"time"

	"github.com/paperloop/paperloop/internal/atomicio"
)

// CooldownEntry tracks one provider's failure run. Count is a
// consecutive-failure counter; any success resets it to zero.
type CooldownEntry struct {
	CooldownUntil time.Time `json:"cooldown_until_ts"`
	LastError     ErrorKind `json:"last_error"`
	Count         int       `json:"count"`
}

// Backoff step functions in seconds, indexed by consecutive-failure count.
// Durations are hard-capped at one hour.
var (
	defaultBackoff   = []int64{300, 600, 1800, 3600}
	forbiddenBackoff = []int64{1800, 3600, 3600, 3600}
)

const maxCooldownSeconds = 3600

// CooldownBook owns provider_cooldown.json. One writer (the loop), many
// readers.
type CooldownBook struct {
	path    string
	entries map[string]CooldownEntry
}

func LoadCooldownBook(path string) (*CooldownBook, error) {
	b := &CooldownBook{path: path, entries: map[string]CooldownEntry{}}
	err := atomicio.ReadJSON(path, &b.entries)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return b, nil
}

// InCooldown reports whether provider is still cooling at now.
func (b *CooldownBook) InCooldown(provider string, now time.Time) bool {
	e, ok := b.entries[provider]
	return ok && now.Before(e.CooldownUntil)
}

// Entry returns the current cooldown entry for provider.
func (b *CooldownBook) Entry(provider string) (CooldownEntry, bool) {
	e, ok := b.entries[provider]
	return e, ok
}

// Set records a failure and computes the next cooldown window. With
// bump=false the first-failure duration is forced regardless of history.
func (b *CooldownBook) Set(provider string, now time.Time, kind ErrorKind, bump bool) CooldownEntry {
	e := b.entries[provider]
	if bump {
		e.Count++
	} else {
		e.Count = 1
	}
	e.LastError = kind

	steps := defaultBackoff
	if kind == ErrForbidden {
		steps = forbiddenBackoff
	}
	idx := e.Count - 1
	if idx >= len(steps) {
		idx = len(steps) - 1
	}
	secs := steps[idx]
	if secs > maxCooldownSeconds {
		secs = maxCooldownSeconds
	}
	e.CooldownUntil = now.Add(time.Duration(secs) * time.Second)
	b.entries[provider] = e
	return e
}

// Clear resets provider to a clean state after any success.
func (b *CooldownBook) Clear(provider string) {
	delete(b.entries, provider)
}

func (b *CooldownBook) Flush() error {
	return atomicio.WriteJSONAtomic(b.path, b.entries)
}
