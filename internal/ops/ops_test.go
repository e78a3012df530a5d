package ops

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperloop/paperloop/internal/atomicio"
	"github.com/paperloop/paperloop/internal/metrics"
	"github.com/paperloop/paperloop/internal/store"
)

func newReporter(t *testing.T) (*Reporter, store.Layout) {
	t.Helper()
	layout := store.NewLayout(t.TempDir(), store.ModePaper)
	return NewReporter(layout, metrics.NewRegistry()), layout
}

func TestIncident_AppendsWithIDAndDefaults(t *testing.T) {
	r, layout := newReporter(t)

	r.Incident(Incident{
		Where:     "fetch",
		ErrorType: IssueFeedStale,
		Error:     "all providers cooling down",
		Symbol:    "BTCUSDT",
		Timeframe: "15m",
	})
	r.Incident(Incident{Where: "loop", ErrorType: IssueLoopCrash, Error: "panic: boom"})

	data, err := os.ReadFile(layout.Incidents())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"FEED_STALE"`)
	assert.Contains(t, lines[0], `"level":"error"`)
	assert.Contains(t, lines[0], `"id":"`)
	assert.Contains(t, lines[1], `"LOOP_CRASH"`)
}

func TestWriteLoopHealth_RootAndMirror(t *testing.T) {
	r, layout := newReporter(t)

	h := LoopHealth{
		TS:         time.Now().UTC(),
		Mode:       "PAPER",
		LastTickID: "BTCUSDT-15m-1234",
		Equity:     1.02,
		Symbols:    []string{"BTCUSDT"},
	}
	r.WriteLoopHealth(h)

	for _, path := range []string{layout.LoopHealth(), layout.LoopHealthMirror()} {
		var got LoopHealth
		require.NoError(t, atomicio.ReadJSON(path, &got))
		assert.Equal(t, h.LastTickID, got.LastTickID)
		assert.NotNil(t, got.Issues, "issues serializes as [] not null")
	}
}

func TestHeartbeat(t *testing.T) {
	r, layout := newReporter(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r.Heartbeat(now, "BTCUSDT-15m-1234")

	var hb struct {
		TS     time.Time `json:"ts"`
		TickID string    `json:"tick_id"`
	}
	require.NoError(t, atomicio.ReadJSON(layout.Heartbeat(), &hb))
	assert.Equal(t, now, hb.TS)
	assert.Equal(t, "BTCUSDT-15m-1234", hb.TickID)
}

func TestWriteLatestSnapshot(t *testing.T) {
	r, layout := newReporter(t)

	snap := store.NewSnapshot(time.Now().UTC(), "BTCUSDT", "15m", store.ModePaper)
	snap.Set("decision.final.dir", 1)
	r.WriteLatestSnapshot(snap)

	var got store.Snapshot
	require.NoError(t, atomicio.ReadJSON(layout.LatestSnapshot(), &got))
	assert.Equal(t, "BTCUSDT", got.Symbol)
}

func TestReporter_NeverPanicsOnUnwritablePath(t *testing.T) {
	// A reports root pointing at a file makes every write fail; the
	// reporter must swallow that.
	dir := t.TempDir()
	filePath := dir + "/occupied"
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0644))

	r := NewReporter(store.NewLayout(filePath+"/sub", store.ModePaper), nil)
	assert.NotPanics(t, func() {
		r.Incident(Incident{Where: "x", ErrorType: IssueLoopCrash, Error: "y"})
		r.WriteLoopHealth(LoopHealth{})
		r.Heartbeat(time.Now(), "t")
	})
}
