// Package store owns the on-disk contract of the engine: the canonical
// reports layout, the per-tick snapshot, and the primitive state store.
package store

import "path/filepath"

// Mode selects persistence targets and PAPER-only behavior.
type Mode string

const (
	ModePaper  Mode = "PAPER"
	ModeDryRun Mode = "DRY_RUN"
	ModeLive   Mode = "LIVE"
)

// ParseMode maps an environment value onto a Mode, defaulting to PAPER.
// Anything other than LIVE never reaches a broker.
func ParseMode(s string) Mode {
	switch s {
	case string(ModeDryRun):
		return ModeDryRun
	case string(ModeLive):
		return ModeLive
	default:
		return ModePaper
	}
}

// Layout resolves every persisted file under a reports root. All paths are
// stable contracts consumed by the dashboard, tuner, and research tools.
type Layout struct {
	Root string
	Mode Mode
}

func NewLayout(root string, mode Mode) Layout {
	return Layout{Root: root, Mode: mode}
}

func (l Layout) LoopHealth() string       { return filepath.Join(l.Root, "loop_health.json") }
func (l Layout) LoopHealthMirror() string { return filepath.Join(l.Root, "loop", "loop_health.json") }
func (l Layout) Heartbeat() string        { return filepath.Join(l.Root, "loop", "heartbeat.json") }
func (l Layout) LoopState() string        { return filepath.Join(l.Root, "loop", "loop_state.json") }
func (l Layout) LatestSnapshot() string   { return filepath.Join(l.Root, "latest_snapshot.json") }
func (l Layout) Incidents() string        { return filepath.Join(l.Root, "incidents.jsonl") }
func (l Layout) PrimitiveState() string   { return filepath.Join(l.Root, "primitive_state.json") }
func (l Layout) OpportunityState() string { return filepath.Join(l.Root, "opportunity_state.json") }
func (l Layout) CompressionState() string { return filepath.Join(l.Root, "compression_state.json") }
func (l Layout) SelfTrustState() string   { return filepath.Join(l.Root, "self_trust_state.json") }
func (l Layout) ProviderCooldown() string { return filepath.Join(l.Root, "provider_cooldown.json") }
func (l Layout) ProviderState() string    { return filepath.Join(l.Root, "ohlcv_provider_state.json") }
func (l Layout) RiskAdapter() string      { return filepath.Join(l.Root, "risk_adapter.json") }
func (l Layout) RiskAdapterLog() string   { return filepath.Join(l.Root, "risk_adapter.jsonl") }
func (l Layout) PFLocal() string          { return filepath.Join(l.Root, "pf_local.json") }
func (l Layout) PFLive() string           { return filepath.Join(l.Root, "pf_live.json") }

// TradeLog and EquityCurve redirect to dry-run variants so a DRY_RUN process
// never contaminates the paper track record.
func (l Layout) TradeLog() string {
	if l.Mode == ModeDryRun {
		return filepath.Join(l.Root, "dry_run", "trades.jsonl")
	}
	return filepath.Join(l.Root, "trades.jsonl")
}

func (l Layout) EquityCurve() string {
	if l.Mode == ModeDryRun {
		return filepath.Join(l.Root, "dry_run", "equity_curve.jsonl")
	}
	return filepath.Join(l.Root, "equity_curve.jsonl")
}

// Positions pairs with the trade log so DRY_RUN position state never mixes
// with the paper track record.
func (l Layout) Positions() string {
	if l.Mode == ModeDryRun {
		return filepath.Join(l.Root, "dry_run", "positions.json")
	}
	return filepath.Join(l.Root, "positions.json")
}
