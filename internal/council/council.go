package council

import (
	"math"

	"github.com/paperloop/paperloop/internal/regime"
	"github.com/paperloop/paperloop/internal/signals"
	"github.com/paperloop/paperloop/internal/store"
)

// BucketVote is one bucket's contribution: dir = sign(score) outside the
// dead zone, conf = min(1, |score|).
type BucketVote struct {
	Dir   int     `json:"dir"`
	Conf  float64 `json:"conf"`
	Score float64 `json:"score"`
}

// Final is the council's aggregated decision.
type Final struct {
	Dir  int     `json:"dir"`
	Conf float64 `json:"conf"`
}

// Decision is the full council output written into the snapshot.
type Decision struct {
	Regime  regime.Regime         `json:"regime"`
	Buckets map[string]BucketVote `json:"buckets"`
	Final   Final                 `json:"final"`
	Gates   Gates                 `json:"gates"`
}

// Council aggregates bucket votes under regime weights. Bucket masks and
// the trend flow-direction filter apply in PAPER mode only.
type Council struct {
	config Config
	mode   store.Mode
}

func New(config Config, mode store.Mode) *Council {
	return &Council{config: config, mode: mode}
}

// Decide aggregates the normalized vector into a final (dir, conf) under the
// given regime. specs must be the registry that produced vector.
func (c *Council) Decide(reg regime.Regime, vector []float64, specs []signals.Spec) Decision {
	scores := map[string]float64{}
	for i, spec := range specs {
		if i >= len(vector) {
			break
		}
		for _, bucket := range spec.Buckets {
			scores[bucket] += spec.Weight * vector[i]
		}
	}

	votes := map[string]BucketVote{}
	for _, bucket := range Buckets() {
		score := scores[bucket]
		vote := BucketVote{Score: score}
		if math.Abs(score) > c.config.DeadZone {
			if score > 0 {
				vote.Dir = 1
			} else {
				vote.Dir = -1
			}
			vote.Conf = math.Min(1, math.Abs(score))
		}
		votes[bucket] = vote
	}

	weights := c.effectiveWeights(reg, votes)

	var finalScore float64
	for bucket, w := range weights {
		v := votes[bucket]
		finalScore += w * float64(v.Dir) * v.Conf
	}

	final := Final{}
	if math.Abs(finalScore) >= c.config.NeutralZone {
		if finalScore > 0 {
			final.Dir = 1
		} else {
			final.Dir = -1
		}
		final.Conf = math.Round(math.Min(1, math.Abs(finalScore))*100) / 100
	}

	return Decision{
		Regime:  reg,
		Buckets: votes,
		Final:   final,
		Gates:   c.config.GatesFor(reg),
	}
}

// effectiveWeights applies the PAPER-only regime mask and the trend
// flow-direction filter, then renormalizes over the surviving buckets.
func (c *Council) effectiveWeights(reg regime.Regime, votes map[string]BucketVote) map[string]float64 {
	base := c.config.Weights[string(reg)]
	if base == nil {
		base = c.config.Weights[string(regime.Unknown)]
	}

	allowed := func(string) bool { return true }
	if c.mode == store.ModePaper {
		if mask, ok := c.config.Masks[string(reg)]; ok {
			set := map[string]bool{}
			for _, b := range mask {
				set[b] = true
			}
			allowed = func(b string) bool { return set[b] }
		}
	}

	trendDir := 0
	switch reg {
	case regime.TrendUp:
		trendDir = 1
	case regime.TrendDown:
		trendDir = -1
	}

	out := map[string]float64{}
	var total float64
	for bucket, w := range base {
		if w <= 0 || !allowed(bucket) {
			continue
		}
		// Direction filter: in trend regimes flow loses its vote when it
		// disagrees with the trend. Magnitude is untouched otherwise.
		if bucket == BucketFlow && trendDir != 0 {
			if v := votes[bucket]; v.Dir != 0 && v.Dir != trendDir {
				continue
			}
		}
		out[bucket] = w
		total += w
	}
	if total > 0 {
		for bucket := range out {
			out[bucket] /= total
		}
	}
	return out
}
