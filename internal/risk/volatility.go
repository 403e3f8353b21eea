package risk

import (
	"taoquant_grid/internal/core"

	"github.com/shopspring/decimal"
)

// ATRReading is the output of one ATRTracker update
type ATRReading struct {
	ATR      decimal.Decimal
	Baseline decimal.Decimal
	Spike    bool
	Gap      bool
}

// ATRTracker computes ATR as the simple average of true range, a rolling ATR
// baseline, a hysteretic volatility-spike flag and the liquidity-gap detector.
type ATRTracker struct {
	atrLen      int
	baselineLen int
	spikeMult   decimal.Decimal
	clearMult   decimal.Decimal
	cooldown    int
	gapMult     decimal.Decimal

	trs       []decimal.Decimal
	atrs      []decimal.Decimal
	prevClose decimal.Decimal
	hasPrev   bool

	spike     bool
	spikeBars int
}

func NewATRTracker(atrLen, baselineLen int, spikeMult, clearMult float64, cooldown int, gapMult float64) *ATRTracker {
	return &ATRTracker{
		atrLen:      atrLen,
		baselineLen: baselineLen,
		spikeMult:   decimal.NewFromFloat(spikeMult),
		clearMult:   decimal.NewFromFloat(clearMult),
		cooldown:    cooldown,
		gapMult:     decimal.NewFromFloat(gapMult),
		trs:         make([]decimal.Decimal, 0, atrLen),
		atrs:        make([]decimal.Decimal, 0, baselineLen),
	}
}

// Update consumes a closed bar
func (t *ATRTracker) Update(b core.Bar) ATRReading {
	prevATR, warm := t.current()

	var gap bool
	if warm && prevATR.IsPositive() {
		limit := prevATR.Mul(t.gapMult)
		if t.hasPrev && b.Open.Sub(t.prevClose).Abs().GreaterThanOrEqual(limit) {
			gap = true
		}
		if b.High.Sub(b.Low).GreaterThanOrEqual(limit) {
			gap = true
		}
	}

	tr := b.High.Sub(b.Low)
	if t.hasPrev {
		tr = decimal.Max(tr, b.High.Sub(t.prevClose).Abs(), b.Low.Sub(t.prevClose).Abs())
	}
	t.prevClose = b.Close
	t.hasPrev = true

	t.trs = appendWindow(t.trs, tr, t.atrLen)
	atr := mean(t.trs)

	baseline := mean(t.atrs)
	baselineWarm := len(t.atrs) >= t.baselineLen
	t.atrs = appendWindow(t.atrs, atr, t.baselineLen)

	if baselineWarm && baseline.IsPositive() {
		switch {
		case !t.spike && atr.GreaterThanOrEqual(baseline.Mul(t.spikeMult)):
			t.spike = true
			t.spikeBars = 0
		case t.spike:
			t.spikeBars++
			if t.spikeBars >= t.cooldown && atr.LessThan(baseline.Mul(t.clearMult)) {
				t.spike = false
			}
		}
	}

	return ATRReading{ATR: atr, Baseline: baseline, Spike: t.spike, Gap: gap}
}

// current returns the latest ATR; the flag is false until atr_len true ranges were observed
func (t *ATRTracker) current() (decimal.Decimal, bool) {
	if len(t.trs) == 0 {
		return decimal.Zero, false
	}
	return mean(t.trs), len(t.trs) >= t.atrLen
}

func appendWindow(buf []decimal.Decimal, v decimal.Decimal, n int) []decimal.Decimal {
	buf = append(buf, v)
	if len(buf) > n {
		buf = buf[len(buf)-n:]
	}
	return buf
}

func mean(vals []decimal.Decimal) decimal.Decimal {
	if len(vals) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range vals {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(vals))))
}
