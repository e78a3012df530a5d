// Package ops is the observability sink: loop health, heartbeat, latest
// snapshot, and the incident log. Nothing here sits on the critical path; a
// failed write is logged and swallowed so decisioning never blocks on it.
package ops

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/paperloop/paperloop/internal/atomicio"
	"github.com/paperloop/paperloop/internal/metrics"
	"github.com/paperloop/paperloop/internal/store"
)

// Issue kinds recorded in loop health and incidents.
const (
	IssueFeedStale            = "FEED_STALE"
	IssueConfidenceMissing    = "CONFIDENCE_MISSING"
	IssueRegimeUnknown        = "REGIME_UNKNOWN"
	IssueCompressionNull      = "COMPRESSION_NULL"
	IssueSelfTrustUnavailable = "SELF_TRUST_UNAVAILABLE"
	IssueOpportunityLow       = "OPPORTUNITY_LOW"
	IssueLoopCrash            = "LOOP_CRASH"
)

// Incident is one appended line in incidents.jsonl.
type Incident struct {
	TS        time.Time      `json:"ts"`
	ID        string         `json:"id"`
	Level     string         `json:"level"`
	Where     string         `json:"where"`
	ErrorType string         `json:"error_type"`
	Error     string         `json:"error"`
	Traceback string         `json:"traceback,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Symbol    string         `json:"symbol,omitempty"`
	Timeframe string         `json:"timeframe,omitempty"`
	TickID    string         `json:"tick_id,omitempty"`
}

// LoopHealth is the per-tick health record, rewritten atomically at the root
// and mirrored under loop/.
type LoopHealth struct {
	TS                  time.Time `json:"ts"`
	Mode                string    `json:"mode"`
	LastTickTS          time.Time `json:"last_tick_ts"`
	LastTickID          string    `json:"last_tick_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Issues              []string  `json:"issues"`
	Equity              float64   `json:"equity"`
	Symbols             []string  `json:"symbols"`
}

type heartbeat struct {
	TS     time.Time `json:"ts"`
	TickID string    `json:"tick_id"`
}

// Reporter owns the observability write paths.
type Reporter struct {
	layout  store.Layout
	metrics *metrics.Registry
}

func NewReporter(layout store.Layout, m *metrics.Registry) *Reporter {
	return &Reporter{layout: layout, metrics: m}
}

// Incident appends one incident line and bumps the counter. Errors are
// logged, never returned.
func (r *Reporter) Incident(inc Incident) {
	if inc.TS.IsZero() {
		inc.TS = time.Now().UTC()
	}
	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}
	if inc.Level == "" {
		inc.Level = "error"
	}
	if err := atomicio.AppendJSONL(r.layout.Incidents(), inc); err != nil {
		log.Error().Err(err).Str("kind", inc.ErrorType).Msg("incident append failed")
	}
	if r.metrics != nil {
		r.metrics.Incidents.WithLabelValues(inc.ErrorType).Inc()
	}
	log.Warn().
		Str("kind", inc.ErrorType).
		Str("where", inc.Where).
		Str("error", inc.Error).
		Str("symbol", inc.Symbol).
		Msg("incident")
}

// WriteLoopHealth rewrites loop_health.json and its loop/ mirror.
func (r *Reporter) WriteLoopHealth(h LoopHealth) {
	if h.Issues == nil {
		h.Issues = []string{}
	}
	if err := atomicio.WriteJSONAtomic(r.layout.LoopHealth(), h); err != nil {
		log.Error().Err(err).Msg("loop health write failed")
	}
	if err := atomicio.WriteJSONAtomic(r.layout.LoopHealthMirror(), h); err != nil {
		log.Error().Err(err).Msg("loop health mirror write failed")
	}
}

// Heartbeat rewrites the liveness file; checkers use mtime and body ts.
func (r *Reporter) Heartbeat(now time.Time, tickID string) {
	if err := atomicio.WriteJSONAtomic(r.layout.Heartbeat(), heartbeat{TS: now.UTC(), TickID: tickID}); err != nil {
		log.Error().Err(err).Msg("heartbeat write failed")
	}
}

// WriteLatestSnapshot rewrites the most recent tick snapshot.
func (r *Reporter) WriteLatestSnapshot(snap *store.Snapshot) {
	if err := atomicio.WriteJSONAtomic(r.layout.LatestSnapshot(), snap); err != nil {
		log.Error().Err(err).Msg("latest snapshot write failed")
	}
}
