package risk

import (
	"taoquant_grid/internal/core"

	"github.com/shopspring/decimal"
)

// BreakDetector confirms a structural break after N consecutive closes
// outside the range widened by a multiple of ATR
type BreakDetector struct {
	bufferMult decimal.Decimal
	confirm    int
	outside    int
}

func NewBreakDetector(bufferATRMult float64, confirmBars int) *BreakDetector {
	return &BreakDetector{bufferMult: decimal.NewFromFloat(bufferATRMult), confirm: confirmBars}
}

// Update consumes a bar close and reports whether the break is confirmed
func (d *BreakDetector) Update(close, atr decimal.Decimal, bounds core.RangeBounds) bool {
	buf := atr.Mul(d.bufferMult)
	if close.LessThan(bounds.Low.Sub(buf)) || close.GreaterThan(bounds.High.Add(buf)) {
		d.outside++
	} else {
		d.outside = 0
	}
	return d.Confirmed()
}

// Confirmed reports the current break status
func (d *BreakDetector) Confirmed() bool { return d.outside >= d.confirm }

// Reset clears the counter, used when the operator installs a new range
func (d *BreakDetector) Reset() { d.outside = 0 }
