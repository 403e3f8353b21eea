package advantage

import (
	"math/rand"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func bounds100() core.RangeBounds { return core.RangeBounds{Low: dec(100), High: dec(200)} }

// bins builds ten bins of width 10 over [100, 200]
func bins(density map[int]float64, reversion map[int]float64) []BinFeatures {
	out := make([]BinFeatures, 10)
	for i := range out {
		out[i] = BinFeatures{Low: dec(int64(100 + 10*i)), High: dec(int64(110 + 10*i)), Density: density[i], Reversion: reversion[i]}
	}
	return out
}

func defaultParams() ZoneParams {
	cfg := config.DefaultConfig()
	return ZoneParams{Coverage: cfg.Advantage.Coverage, Weights: cfg.Advantage.Weights}
}

func TestScoreZone_NoDensityIsFullRange(t *testing.T) {
	z := ScoreZone(bounds100(), bins(nil, nil), defaultParams(), t0)
	assert.True(t, z.Low.Equal(dec(100)))
	assert.True(t, z.High.Equal(dec(200)))
	assert.Equal(t, t0, z.LastUpdatedAt)

	z = ScoreZone(bounds100(), nil, defaultParams(), t0)
	assert.True(t, z.Within(bounds100()))
}

func TestScoreZone_ShortestRunWithScoreTieBreak(t *testing.T) {
	density := map[int]float64{3: 2, 4: 5, 5: 3}

	// [3,4] and [4,5] both cover 65%; [4,5] carries more density score
	z := ScoreZone(bounds100(), bins(density, nil), defaultParams(), t0)
	assert.Equal(t, "[140, 160]", z.String())

	// reversion in bin 3 outweighs it
	z = ScoreZone(bounds100(), bins(density, map[int]float64{3: 1}), defaultParams(), t0)
	assert.Equal(t, "[130, 150]", z.String())
}

func TestScoreZone_LowestIndexBreaksFullTies(t *testing.T) {
	p := defaultParams()
	p.Coverage = 0.5
	z := ScoreZone(bounds100(), bins(map[int]float64{1: 3, 2: 3, 6: 3, 7: 3}, nil), p, t0)
	assert.Equal(t, "[110, 130]", z.String())
}

func TestScoreZone_SingleDominantBin(t *testing.T) {
	z := ScoreZone(bounds100(), bins(map[int]float64{0: 1, 9: 10}, nil), defaultParams(), t0)
	assert.Equal(t, "[190, 200]", z.String())
}

func TestScoreZone_AlwaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	b := core.RangeBounds{Low: dec(100), High: dec(195)}
	for i := 0; i < 200; i++ {
		features := bins(nil, nil)
		for k := range features {
			if rng.Float64() < 0.4 {
				features[k].Density = rng.Float64() * 5
			}
			features[k].Reversion = rng.Float64()
			features[k].Breakeven = rng.Float64()
		}
		// the last bin overhangs the range and must be clamped
		z := ScoreZone(b, features, defaultParams(), t0)
		assert.True(t, z.Within(b), "iteration %d zone %s", i, z)
	}
}

func TestDebounce(t *testing.T) {
	current := Zone{Low: dec(140), High: dec(160), LastUpdatedAt: t0}

	tests := []struct {
		name      string
		candidate Zone
		bounds    core.RangeBounds
		changed   bool
	}{
		{"small shift kept", Zone{Low: dec(141), High: dec(161)}, bounds100(), false},
		{"shift at threshold kept", Zone{Low: dec(142), High: dec(160)}, bounds100(), false},
		{"large shift adopted", Zone{Low: dec(145), High: dec(165)}, bounds100(), true},
		{"current outside new bounds", Zone{Low: dec(150), High: dec(170)}, core.RangeBounds{Low: dec(150), High: dec(250)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Debounce(current, tt.candidate, tt.bounds, 0.10)
			assert.Equal(t, tt.changed, changed)
			if changed {
				assert.Equal(t, tt.candidate, got)
			} else {
				assert.Equal(t, current, got)
			}
		})
	}

	got, changed := Debounce(Zone{}, current, bounds100(), 0.10)
	assert.True(t, changed)
	assert.Equal(t, current, got)
}

func TestZone_Clamp(t *testing.T) {
	z := Zone{Low: dec(90), High: dec(150)}.Clamp(bounds100())
	assert.Equal(t, "[100, 150]", z.String())

	z = Zone{Low: dec(210), High: dec(250)}.Clamp(bounds100())
	assert.Equal(t, "[100, 200]", z.String())
}
