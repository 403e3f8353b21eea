// Package advantage scores where inside the outer range the grid's edge concentrates
// and whether that edge is still alive.
package advantage

import (
	"fmt"
	"math"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"time"

	"github.com/shopspring/decimal"
)

// Zone is the core zone. It is always a sub-interval of the outer range.
type Zone struct {
	Low           decimal.Decimal `json:"low"`
	High          decimal.Decimal `json:"high"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
}

// FullRange is the zone covering the whole outer range
func FullRange(bounds core.RangeBounds, at time.Time) Zone {
	return Zone{Low: bounds.Low, High: bounds.High, LastUpdatedAt: at}
}

func (z Zone) IsZero() bool { return z.Low.IsZero() && z.High.IsZero() }

func (z Zone) Width() decimal.Decimal { return z.High.Sub(z.Low) }

// Contains is inclusive on both ends
func (z Zone) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(z.Low) && price.LessThanOrEqual(z.High)
}

// Within reports whether the zone is a sub-interval of bounds
func (z Zone) Within(bounds core.RangeBounds) bool {
	return z.Low.GreaterThanOrEqual(bounds.Low) && z.High.LessThanOrEqual(bounds.High) && z.Low.LessThan(z.High)
}

// Clamp intersects the zone with bounds, falling back to the full range when nothing is left
func (z Zone) Clamp(bounds core.RangeBounds) Zone {
	out := Zone{Low: decimal.Max(z.Low, bounds.Low), High: decimal.Min(z.High, bounds.High), LastUpdatedAt: z.LastUpdatedAt}
	if !out.Low.LessThan(out.High) {
		return FullRange(bounds, z.LastUpdatedAt)
	}
	return out
}

func (z Zone) String() string {
	return fmt.Sprintf("[%s, %s]", z.Low.String(), z.High.String())
}

// BinFeatures is the feature vector of one price bin
type BinFeatures struct {
	Low       decimal.Decimal
	High      decimal.Decimal
	Density   float64
	Reversion float64
	Breakeven float64
}

// ZoneParams are the scoring parameters
type ZoneParams struct {
	Coverage float64
	Weights  config.ZoneWeights
}

const coverageEpsilon = 1e-12

// ScoreZone picks the shortest contiguous run of bins whose fill density covers the
// configured fraction of the total. Equal length runs are ranked by summed advantage
// score, then by lowest starting bin. No density yields the full range.
func ScoreZone(bounds core.RangeBounds, features []BinFeatures, p ZoneParams, at time.Time) Zone {
	total, peak := 0.0, 0.0
	for _, f := range features {
		total += f.Density
		peak = math.Max(peak, f.Density)
	}
	if total <= 0 || len(features) == 0 {
		return FullRange(bounds, at)
	}

	scores := make([]float64, len(features))
	for i, f := range features {
		scores[i] = p.Weights.Density*(f.Density/peak) + p.Weights.Reversion*f.Reversion + p.Weights.Breakeven*f.Breakeven
	}

	target := p.Coverage * total
	bestLo, bestHi, bestScore := -1, -1, 0.0
	lo, sum := 0, 0.0
	for hi := range features {
		sum += features[hi].Density
		for lo < hi && sum-features[lo].Density >= target-coverageEpsilon {
			sum -= features[lo].Density
			lo++
		}
		if sum < target-coverageEpsilon {
			continue
		}
		score := 0.0
		for k := lo; k <= hi; k++ {
			score += scores[k]
		}
		switch {
		case bestLo < 0, hi-lo < bestHi-bestLo:
			bestLo, bestHi, bestScore = lo, hi, score
		case hi-lo == bestHi-bestLo && score > bestScore:
			bestLo, bestHi, bestScore = lo, hi, score
		}
	}

	if bestLo < 0 {
		return FullRange(bounds, at)
	}
	z := Zone{Low: features[bestLo].Low, High: features[bestHi].High, LastUpdatedAt: at}
	return z.Clamp(bounds)
}

// Debounce keeps the current zone unless the candidate moves either edge by more than
// threshold times the current width. A current zone outside bounds is always replaced.
func Debounce(current, candidate Zone, bounds core.RangeBounds, threshold float64) (Zone, bool) {
	if current.IsZero() || !current.Within(bounds) {
		return candidate, true
	}
	limit := current.Width().Mul(decimal.NewFromFloat(threshold))
	shift := decimal.Max(candidate.Low.Sub(current.Low).Abs(), candidate.High.Sub(current.High).Abs())
	if shift.LessThanOrEqual(limit) {
		return current, false
	}
	return candidate, true
}
