// Package gate validates the operator-supplied macro permissions that bound the engine
package gate

import (
	"fmt"
	"math"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"

	"github.com/shopspring/decimal"
)

// Gate checks the outer range, trend gate and bias tolerance
type Gate struct {
	minWidthPct   decimal.Decimal
	trendGate     bool
	biasTolerance float64
}

// Verdict is what the gate permits downstream
type Verdict struct {
	BuysAllowed bool
	Bias        float64
}

func New(cfg config.TraderInputConfig) *Gate {
	return &Gate{
		minWidthPct:   decimal.NewFromFloat(cfg.MinRangeWidthPct),
		trendGate:     cfg.TrendGate,
		biasTolerance: cfg.BiasTolerance,
	}
}

// WithTrendGate returns a copy of the gate with the trend gate changed
func (g *Gate) WithTrendGate(open bool) *Gate {
	cp := *g
	cp.trendGate = open
	return &cp
}

// TrendGate reports whether the trend gate is open
func (g *Gate) TrendGate() bool { return g.trendGate }

// Validate checks a range; a positive mark must additionally lie strictly inside it
func (g *Gate) Validate(bounds core.RangeBounds, mark decimal.Decimal) error {
	if !bounds.Low.IsPositive() || !bounds.High.IsPositive() {
		return config.ValidationError{Field: "range", Value: bounds.String(), Message: "bounds must be positive"}
	}
	if !bounds.Low.LessThan(bounds.High) {
		return config.ValidationError{Field: "range", Value: bounds.String(), Message: "low must be below high"}
	}
	minWidth := bounds.Mid().Mul(g.minWidthPct)
	if bounds.Width().LessThan(minWidth) {
		return config.ValidationError{
			Field:   "range",
			Value:   bounds.String(),
			Message: fmt.Sprintf("width %s is below the minimum %s", bounds.Width().String(), minWidth.String()),
		}
	}
	if mark.IsPositive() && !bounds.Contains(mark) {
		return config.ValidationError{Field: "range", Value: bounds.String(), Message: fmt.Sprintf("mark price %s is outside the range", mark.String())}
	}
	return nil
}

// Permits evaluates the operator bias against the tolerance and the trend gate
func (g *Gate) Permits(bias float64) (Verdict, error) {
	if math.Abs(bias) > g.biasTolerance {
		return Verdict{}, config.ValidationError{
			Field:   "bias",
			Value:   bias,
			Message: fmt.Sprintf("exceeds tolerance %.2f", g.biasTolerance),
		}
	}
	return Verdict{BuysAllowed: g.trendGate, Bias: bias}, nil
}
