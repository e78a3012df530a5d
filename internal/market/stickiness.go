package market

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/paperloop/paperloop/internal/atomicio"
)

// StickyEntry remembers the OHLCV source last used for a (symbol, timeframe)
// so rolling indicators do not wobble on silent provider switches. The
// selection survives restarts.
type StickyEntry struct {
	Source string    `json:"source"`
	TS     time.Time `json:"ts"`
}

// StickyBook owns ohlcv_provider_state.json.
type StickyBook struct {
	path    string
	entries map[string]StickyEntry
}

func stickyKey(symbol, timeframe string) string {
	return fmt.Sprintf("%s:%s", symbol, timeframe)
}

func LoadStickyBook(path string) (*StickyBook, error) {
	b := &StickyBook{path: path, entries: map[string]StickyEntry{}}
	err := atomicio.ReadJSON(path, &b.entries)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return b, nil
}

// Preferred returns the sticky source for (symbol, timeframe), if any.
func (b *StickyBook) Preferred(symbol, timeframe string) (string, bool) {
	e, ok := b.entries[stickyKey(symbol, timeframe)]
	if !ok {
		return "", false
	}
	return e.Source, true
}

// Remember records source for (symbol, timeframe) and reports whether the
// selection changed.
func (b *StickyBook) Remember(symbol, timeframe, source string, now time.Time) bool {
	key := stickyKey(symbol, timeframe)
	prev, had := b.entries[key]
	b.entries[key] = StickyEntry{Source: source, TS: now.UTC()}
	return !had || prev.Source != source
}

func (b *StickyBook) Flush() error {
	return atomicio.WriteJSONAtomic(b.path, b.entries)
}
