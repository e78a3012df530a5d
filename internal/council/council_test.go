package council

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperloop/paperloop/internal/regime"
	"github.com/paperloop/paperloop/internal/signals"
	"github.com/paperloop/paperloop/internal/store"
)

// testSpecs builds a minimal registry: one signal per voting bucket.
func testSpecs() []signals.Spec {
	names := []struct {
		name   string
		bucket string
	}{
		{"m", BucketMomentum},
		{"r", BucketMeanRev},
		{"f", BucketFlow},
		{"p", BucketPositioning},
		{"t", BucketTiming},
	}
	specs := make([]signals.Spec, 0, len(names))
	for _, n := range names {
		specs = append(specs, signals.Spec{Name: n.name, Buckets: []string{n.bucket}, Weight: 1.0})
	}
	return specs
}

func TestDecide_StrongConsensus(t *testing.T) {
	c := New(DefaultConfig(), store.ModePaper)
	// Every bucket votes hard long.
	d := c.Decide(regime.TrendUp, []float64{0.9, 0.9, 0.9, 0.9, 0.9}, testSpecs())

	assert.Equal(t, 1, d.Final.Dir)
	assert.Greater(t, d.Final.Conf, 0.5)
	assert.LessOrEqual(t, d.Final.Conf, 1.0)
	assert.Equal(t, regime.TrendUp, d.Regime)
	assert.Greater(t, d.Gates.EntryMinConf, 0.0)
}

func TestDecide_NeutralZoneCollapsesSmallScores(t *testing.T) {
	c := New(DefaultConfig(), store.ModePaper)
	d := c.Decide(regime.TrendUp, []float64{0.1, 0.0, 0.1, -0.1, 0.0}, testSpecs())

	assert.Equal(t, 0, d.Final.Dir)
	assert.Equal(t, 0.0, d.Final.Conf)
}

func TestDecide_DeadZonePerBucket(t *testing.T) {
	c := New(DefaultConfig(), store.ModePaper)
	d := c.Decide(regime.TrendUp, []float64{0.04, 0, 0, 0, 0}, testSpecs())

	vote := d.Buckets[BucketMomentum]
	assert.Equal(t, 0, vote.Dir)
	assert.Equal(t, 0.0, vote.Conf)
	assert.InDelta(t, 0.04, vote.Score, 1e-9)
}

func TestDecide_FlowDirectionFilterInTrend(t *testing.T) {
	c := New(DefaultConfig(), store.ModePaper)

	// Momentum long, flow hard short in trend_up: flow's vote is dropped,
	// so the decision must not be dragged short by it.
	withFlow := c.Decide(regime.TrendUp, []float64{0.8, 0, -0.9, 0.3, 0.2}, testSpecs())
	assert.GreaterOrEqual(t, withFlow.Final.Dir, 0, "disagreeing flow must not flip the trend decision")

	// Same vector in chop keeps flow's vote (no trend direction).
	cNoMask := New(configWithoutMasks(), store.ModePaper)
	inChop := cNoMask.Decide(regime.Chop, []float64{0.8, 0, -0.9, 0.3, 0.2}, testSpecs())
	flowVote := inChop.Buckets[BucketFlow]
	assert.Equal(t, -1, flowVote.Dir)
}

func configWithoutMasks() Config {
	cfg := DefaultConfig()
	cfg.Masks = map[string][]string{}
	return cfg
}

func TestDecide_MaskOnlyInPaper(t *testing.T) {
	// Momentum, flow, and positioning vote long; meanrev and timing abstain.
	vector := []float64{0.9, 0, 0.9, 0.9, 0}

	paper := New(DefaultConfig(), store.ModePaper)
	// The chop mask drops momentum and flow; positioning alone, even
	// renormalized, stays under the neutral zone.
	dPaper := paper.Decide(regime.Chop, vector, testSpecs())
	assert.Equal(t, 0, dPaper.Final.Dir)

	live := New(DefaultConfig(), store.ModeLive)
	dLive := live.Decide(regime.Chop, vector, testSpecs())
	assert.Equal(t, 1, dLive.Final.Dir, "without the mask the same votes act")
}

func TestDecide_ConfRoundedTwoDecimals(t *testing.T) {
	c := New(DefaultConfig(), store.ModeLive)
	d := c.Decide(regime.TrendUp, []float64{0.777, 0.777, 0.777, 0.777, 0.777}, testSpecs())
	assert.InDelta(t, d.Final.Conf, float64(int(d.Final.Conf*100+0.5))/100, 1e-9)
}

func TestLoadConfig_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	doc := `
neutral_zone: 0.25
weights:
  trend_up:
    momentum: 0.60
gates:
  trend_up:
    entry_min_conf: 0.50
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 0.25, cfg.NeutralZone)
	assert.Equal(t, 0.60, cfg.Weights["trend_up"][BucketMomentum])
	// Untouched keys keep defaults.
	assert.Equal(t, 0.20, cfg.Weights["trend_up"][BucketFlow])
	assert.Equal(t, 0.50, cfg.Gates["trend_up"].EntryMinConf)
	assert.Equal(t, 0.60, cfg.Gates["trend_up"].ReverseMinConf)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().NeutralZone, cfg.NeutralZone)
}

func TestReservedBucketsCarryZeroWeight(t *testing.T) {
	cfg := DefaultConfig()
	for reg, table := range cfg.Weights {
		assert.Zero(t, table[BucketSentiment], "sentiment must be zero in %s", reg)
		assert.Zero(t, table[BucketOnchainFlow], "onchain_flow must be zero in %s", reg)
	}
}
