package grid

import (
	"taoquant_grid/internal/advantage"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/statemachine"
	"taoquant_grid/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// SkewInput is what the skew adjuster looks at each cycle
type SkewInput struct {
	State          statemachine.State
	Mark           decimal.Decimal
	Zone           advantage.Zone
	InventoryRatio float64
	Disabled       bool
	// Bias is the operator inventory skew bias, already checked against the gate tolerance
	Bias float64
}

// Skew compresses one side of the core step by where the mark sits in the zone
type Skew struct {
	ceiling        float64
	maxCompression float64
}

func NewSkew(cfg config.SkewConfig) *Skew {
	return &Skew{ceiling: cfg.Ceiling, maxCompression: cfg.MaxCompression}
}

// Adjust returns the buy and sell core steps and the signed compression factor.
// The mark low in the zone (z < 0) compresses the sell step, high in the zone the buy step.
// Outside NORMAL, outside the zone, above the ceiling or when disabled both steps stay at core.
func (k *Skew) Adjust(in SkewInput, s Spacing) (buyStep, sellStep decimal.Decimal, factor float64) {
	buyStep, sellStep = s.Core, s.Core
	if in.Disabled || in.State != statemachine.Normal || in.InventoryRatio > k.ceiling || k.ceiling <= 0 {
		return buyStep, sellStep, 0
	}
	if in.Zone.IsZero() || !in.Zone.Contains(in.Mark) || !in.Zone.Width().IsPositive() {
		return buyStep, sellStep, 0
	}

	pos, _ := in.Mark.Sub(in.Zone.Low).Div(in.Zone.Width()).Float64()
	z := tradingutils.Clamp(2*pos-1+in.Bias, -1, 1)
	h := tradingutils.Clamp(1-in.InventoryRatio/k.ceiling, 0, 1)
	c := k.maxCompression * abs(z) * h
	if c == 0 {
		return buyStep, sellStep, 0
	}

	compressed := s.Core.Mul(decimal.NewFromFloat(1 - c))
	if z < 0 {
		return buyStep, compressed, -c
	}
	return compressed, sellStep, c
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
