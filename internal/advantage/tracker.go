package advantage

import (
	"math"
	"taoquant_grid/internal/core"
	"time"

	"github.com/shopspring/decimal"
)

// maxBins bounds the bin count for very fine bin sizes
const maxBins = 2000

// maxReversionSpeed caps the reversion signal when excursions close instantly or never open
const maxReversionSpeed = 10.0

// ObservationKind distinguishes fill and sample observations
type ObservationKind int

const (
	ObservedFill ObservationKind = iota
	ObservedSample
	// ObservedOnsetReset restarts the opportunity clock after a completed harvest
	ObservedOnsetReset
)

// Observation is the message the event loop sends to the control loop
type Observation struct {
	Kind ObservationKind
	Time time.Time

	// fills
	Side     core.Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Closed   decimal.Decimal
	Improved bool

	// samples
	InventoryRatio float64
	Breakeven      decimal.Decimal
	Mark           decimal.Decimal
}

type fillRecord struct {
	at       time.Time
	side     core.Side
	price    decimal.Decimal
	qty      float64
	open     float64 // buy quantity not yet closed by a sell
	improved bool
}

type sampleRecord struct {
	at        time.Time
	ratio     float64
	breakeven decimal.Decimal
}

// Tracker accumulates the trailing fill and inventory history the slow clock scores.
// It is owned by the control loop goroutine.
type Tracker struct {
	zoneWindow    time.Duration
	lookback      time.Duration
	reversionBand float64

	fills   []fillRecord
	samples []sampleRecord
}

func NewTracker(zoneWindow, lookback time.Duration, reversionBand float64) *Tracker {
	return &Tracker{zoneWindow: zoneWindow, lookback: lookback, reversionBand: reversionBand}
}

// Observe records one observation. Sells close the oldest open buys first.
func (t *Tracker) Observe(o Observation) {
	switch o.Kind {
	case ObservedFill:
		qty, _ := o.Qty.Float64()
		rec := fillRecord{at: o.Time, side: o.Side, price: o.Price, qty: qty, improved: o.Improved}
		if o.Side == core.SideBuy {
			rec.open = qty
		} else {
			closed, _ := o.Closed.Float64()
			t.closeBuys(closed)
		}
		t.fills = append(t.fills, rec)
	case ObservedSample:
		t.samples = append(t.samples, sampleRecord{at: o.Time, ratio: o.InventoryRatio, breakeven: o.Breakeven})
	}
}

func (t *Tracker) closeBuys(qty float64) {
	for i := range t.fills {
		if qty <= 0 {
			return
		}
		f := &t.fills[i]
		if f.side != core.SideBuy || f.open <= 0 {
			continue
		}
		take := math.Min(f.open, qty)
		f.open -= take
		qty -= take
	}
}

// Trim drops history older than both windows
func (t *Tracker) Trim(now time.Time) {
	horizon := t.zoneWindow
	if t.lookback > horizon {
		horizon = t.lookback
	}
	cutoff := now.Add(-horizon)

	i := 0
	for i < len(t.fills) && t.fills[i].at.Before(cutoff) {
		i++
	}
	t.fills = append(t.fills[:0:0], t.fills[i:]...)

	j := 0
	for j < len(t.samples) && t.samples[j].at.Before(cutoff) {
		j++
	}
	t.samples = append(t.samples[:0:0], t.samples[j:]...)
}

// Features bins the fills of the trailing zone window across bounds
func (t *Tracker) Features(bounds core.RangeBounds, binSize decimal.Decimal, now time.Time) []BinFeatures {
	width := bounds.Width()
	if !width.IsPositive() || !binSize.IsPositive() {
		return nil
	}
	n := int(width.Div(binSize).Ceil().IntPart())
	if n > maxBins {
		n = maxBins
		binSize = width.Div(decimal.NewFromInt(maxBins))
	}
	if n < 1 {
		n = 1
	}

	out := make([]BinFeatures, n)
	buys := make([]int, n)
	reverted := make([]int, n)
	fills := make([]int, n)
	improved := make([]int, n)
	for i := range out {
		out[i].Low = bounds.Low.Add(binSize.Mul(decimal.NewFromInt(int64(i))))
		out[i].High = decimal.Min(out[i].Low.Add(binSize), bounds.High)
	}

	cutoff := now.Add(-t.zoneWindow)
	for _, f := range t.fills {
		if !f.at.After(cutoff) || f.at.After(now) {
			continue
		}
		if f.price.LessThan(bounds.Low) || f.price.GreaterThan(bounds.High) {
			continue
		}
		idx := int(f.price.Sub(bounds.Low).Div(binSize).IntPart())
		if idx >= n {
			idx = n - 1
		}
		out[idx].Density += f.qty
		fills[idx]++
		if f.improved {
			improved[idx]++
		}
		if f.side == core.SideBuy {
			buys[idx]++
			if f.open <= 1e-12 {
				reverted[idx]++
			}
		}
	}

	for i := range out {
		if buys[i] > 0 {
			out[i].Reversion = float64(reverted[i]) / float64(buys[i])
		}
		if fills[i] > 0 {
			out[i].Breakeven = float64(improved[i]) / float64(fills[i])
		}
	}
	return out
}

// Signals computes the opportunity window inputs over the trailing lookback
func (t *Tracker) Signals(now time.Time) Signals {
	cutoff := now.Add(-t.lookback)
	hours := t.lookback.Hours()

	cycles := 0
	for _, f := range t.fills {
		if f.side == core.SideSell && f.at.After(cutoff) && !f.at.After(now) {
			cycles++
		}
	}

	var window []sampleRecord
	for _, s := range t.samples {
		if s.at.After(cutoff) && !s.at.After(now) {
			window = append(window, s)
		}
	}

	sig := Signals{
		ReversionSpeed: t.reversionSpeed(window, now),
		BreakevenSlope: breakevenSlope(window),
	}
	if hours > 0 {
		sig.CycleActivity = float64(cycles) / hours
	}
	return sig
}

// reversionSpeed is the inverse of the mean hours spent above the reversion band per excursion.
// An excursion still open counts with its running duration.
func (t *Tracker) reversionSpeed(window []sampleRecord, now time.Time) float64 {
	var total float64
	var count int
	var start time.Time
	inside := true
	for _, s := range window {
		if inside && s.ratio > t.reversionBand {
			inside = false
			start = s.at
		} else if !inside && s.ratio <= t.reversionBand {
			inside = true
			total += s.at.Sub(start).Hours()
			count++
		}
	}
	if !inside {
		total += now.Sub(start).Hours()
		count++
	}
	if count == 0 || total <= 0 {
		return maxReversionSpeed
	}
	return math.Min(maxReversionSpeed, float64(count)/total)
}

// breakevenSlope is the relative breakeven decline per hour; positive means improving
func breakevenSlope(window []sampleRecord) float64 {
	var first, last *sampleRecord
	for i := range window {
		if !window[i].breakeven.IsPositive() {
			continue
		}
		if first == nil {
			first = &window[i]
		}
		last = &window[i]
	}
	if first == nil || first == last {
		return 0
	}
	hours := last.at.Sub(first.at).Hours()
	if hours <= 0 {
		return 0
	}
	change, _ := last.breakeven.Sub(first.breakeven).Div(first.breakeven).Float64()
	return -change / hours
}
