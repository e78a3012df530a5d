package store

import (
	"errors"
	"os"
	"time"

	"github.com/paperloop/paperloop/internal/atomicio"
)

// PrimitiveEntry is one observed scalar with its observation time.
type PrimitiveEntry struct {
	TS    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// PrimitiveStore is the per-key {ts, value} rolling store backing velocity
// and decay. Timestamps are monotonically non-decreasing per key within one
// process; on restart the store is reloaded from disk so the first tick
// produces a null velocity rather than a spurious one.
type PrimitiveStore struct {
	path    string
	entries map[string]PrimitiveEntry
}

// LoadPrimitiveStore reads the store from path, treating a missing file as
// empty state.
func LoadPrimitiveStore(path string) (*PrimitiveStore, error) {
	s := &PrimitiveStore{path: path, entries: map[string]PrimitiveEntry{}}
	err := atomicio.ReadJSON(path, &s.entries)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

// Last returns the previous observation for key, if any.
func (s *PrimitiveStore) Last(key string) (PrimitiveEntry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

// Observe records a new value for key. Observations that would move the
// key's timestamp backwards are dropped.
func (s *PrimitiveStore) Observe(key string, ts time.Time, value float64) {
	if prev, ok := s.entries[key]; ok && ts.Before(prev.TS) {
		return
	}
	s.entries[key] = PrimitiveEntry{TS: ts.UTC(), Value: value}
}

// Flush persists the store atomically.
func (s *PrimitiveStore) Flush() error {
	return atomicio.WriteJSONAtomic(s.path, s.entries)
}
