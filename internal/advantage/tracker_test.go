package advantage

import (
	"taoquant_grid/internal/core"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillObs(at time.Time, side core.Side, price int64, qty, closed string, improved bool) Observation {
	return Observation{
		Kind:     ObservedFill,
		Time:     at,
		Side:     side,
		Price:    dec(price),
		Qty:      decimal.RequireFromString(qty),
		Closed:   decimal.RequireFromString(closed),
		Improved: improved,
	}
}

func sampleObs(at time.Time, ratio float64, be int64) Observation {
	return Observation{Kind: ObservedSample, Time: at, InventoryRatio: ratio, Breakeven: dec(be)}
}

func newTestTracker() *Tracker {
	tr := NewTracker(48*time.Hour, 24*time.Hour, 0.40)
	tr.Observe(fillObs(t0, core.SideBuy, 135, "1", "0", false))
	tr.Observe(fillObs(t0.Add(time.Hour), core.SideBuy, 145, "1", "0", true))
	tr.Observe(fillObs(t0.Add(2*time.Hour), core.SideSell, 150, "1", "1", false))

	tr.Observe(sampleObs(t0, 0.2, 100))
	tr.Observe(sampleObs(t0.Add(time.Hour), 0.5, 100))
	tr.Observe(sampleObs(t0.Add(3*time.Hour), 0.3, 98))
	return tr
}

func TestTracker_Features(t *testing.T) {
	tr := newTestTracker()
	f := tr.Features(bounds100(), dec(10), t0.Add(4*time.Hour))
	require.Len(t, f, 10)

	// the sell closed the oldest buy
	assert.Equal(t, 1.0, f[3].Density)
	assert.Equal(t, 1.0, f[3].Reversion)
	assert.Equal(t, 0.0, f[3].Breakeven)

	assert.Equal(t, 1.0, f[4].Density)
	assert.Equal(t, 0.0, f[4].Reversion)
	assert.Equal(t, 1.0, f[4].Breakeven)

	assert.Equal(t, 1.0, f[5].Density)
	assert.Equal(t, 0.0, f[5].Reversion, "sells alone carry no reversion")
	assert.True(t, f[9].High.Equal(dec(200)))
}

func TestTracker_FeaturesIgnoreOldAndOutOfRangeFills(t *testing.T) {
	tr := NewTracker(48*time.Hour, 24*time.Hour, 0.40)
	tr.Observe(fillObs(t0, core.SideBuy, 135, "1", "0", false))
	tr.Observe(fillObs(t0.Add(50*time.Hour), core.SideBuy, 300, "1", "0", false))

	f := tr.Features(bounds100(), dec(10), t0.Add(50*time.Hour))
	total := 0.0
	for _, b := range f {
		total += b.Density
	}
	assert.Equal(t, 0.0, total)
}

func TestTracker_Signals(t *testing.T) {
	tr := newTestTracker()
	sig := tr.Signals(t0.Add(4 * time.Hour))

	assert.InDelta(t, 1.0/24.0, sig.CycleActivity, 1e-9)
	// one excursion above 0.40 lasting two hours
	assert.InDelta(t, 0.5, sig.ReversionSpeed, 1e-9)
	// breakeven fell 2% over three hours
	assert.InDelta(t, 0.02/3.0, sig.BreakevenSlope, 1e-9)
}

func TestTracker_OpenExcursionAndFlatInventory(t *testing.T) {
	tr := NewTracker(48*time.Hour, 24*time.Hour, 0.40)
	sig := tr.Signals(t0)
	assert.Equal(t, maxReversionSpeed, sig.ReversionSpeed, "never left the band")
	assert.Equal(t, 0.0, sig.BreakevenSlope)

	tr.Observe(sampleObs(t0, 0.6, 100))
	sig = tr.Signals(t0.Add(4 * time.Hour))
	assert.InDelta(t, 0.25, sig.ReversionSpeed, 1e-9)
}

func TestTracker_Trim(t *testing.T) {
	tr := newTestTracker()
	tr.Trim(t0.Add(49 * time.Hour))
	assert.Len(t, tr.fills, 2)
	assert.Len(t, tr.samples, 2)

	tr.Trim(t0.Add(100 * time.Hour))
	assert.Empty(t, tr.fills)
	assert.Empty(t, tr.samples)
}
