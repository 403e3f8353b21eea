// Package grid turns the state, zone and risk picture into the desired set of resting orders.
package grid

import (
	"taoquant_grid/internal/config"

	"github.com/shopspring/decimal"
)

const (
	StepMethodATR   = "atr"
	StepMethodFixed = "fixed"
)

// Spacing is the step set for one planning cycle
type Spacing struct {
	Base   decimal.Decimal `json:"base"`
	Core   decimal.Decimal `json:"core"`
	Buffer decimal.Decimal `json:"buffer"`
}

// ComputeSpacing derives the base step from ATR (or the fixed step) and the zone steps from it.
// An ATR that is not yet warm falls back to the fixed step.
func ComputeSpacing(atr decimal.Decimal, cfg config.GridConfig) Spacing {
	base := decimal.NewFromFloat(cfg.BaseStepFixed)
	if cfg.BaseStepMethod == StepMethodATR && atr.IsPositive() {
		base = atr.Mul(decimal.NewFromFloat(cfg.ATRStepMult))
	}
	return Spacing{
		Base:   base,
		Core:   base.Mul(decimal.NewFromFloat(cfg.CoreCompress)),
		Buffer: base.Mul(decimal.NewFromFloat(cfg.BufferExpand)),
	}
}

// WidenBuffer multiplies the buffer step
func (s Spacing) WidenBuffer(mult float64) Spacing {
	s.Buffer = s.Buffer.Mul(decimal.NewFromFloat(mult))
	return s
}

// Scale multiplies every step
func (s Spacing) Scale(mult float64) Spacing {
	m := decimal.NewFromFloat(mult)
	return Spacing{Base: s.Base.Mul(m), Core: s.Core.Mul(m), Buffer: s.Buffer.Mul(m)}
}

func (s Spacing) IsZero() bool { return !s.Core.IsPositive() }
