package tradingutils

import (
	"github.com/shopspring/decimal"
)

var bpsDivisor = decimal.NewFromInt(10000)

// FeeSide selects which fee schedule a fill is charged at
type FeeSide string

const (
	FeeMaker FeeSide = "maker"
	FeeTaker FeeSide = "taker"
)

// CostModel holds the ambient trading cost assumptions used by the inventory
// ledger, the simulated broker and the exit cost estimate.
type CostModel struct {
	MakerFeeBps decimal.Decimal
	TakerFeeBps decimal.Decimal
	SlippageBps decimal.Decimal
	DefaultSide FeeSide
}

// NewCostModel builds a cost model from basis point figures
func NewCostModel(makerBps, takerBps, slippageBps float64, side FeeSide) CostModel {
	if side != FeeMaker {
		side = FeeTaker
	}
	return CostModel{
		MakerFeeBps: decimal.NewFromFloat(makerBps),
		TakerFeeBps: decimal.NewFromFloat(takerBps),
		SlippageBps: decimal.NewFromFloat(slippageBps),
		DefaultSide: side,
	}
}

// FeeRate returns the fractional fee for a side
func (m CostModel) FeeRate(side FeeSide) decimal.Decimal {
	if side == FeeMaker {
		return m.MakerFeeBps.Div(bpsDivisor)
	}
	return m.TakerFeeBps.Div(bpsDivisor)
}

// Fee returns the fee charged on a notional at the default side
func (m CostModel) Fee(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty).Mul(m.FeeRate(m.DefaultSide))
}

// SlippageCost is the per-notional slippage cost attributed to a fill
func (m CostModel) SlippageCost(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty).Mul(m.SlippageBps.Div(bpsDivisor))
}

// SlippedPrice moves price adversely for the given side: buys pay more, sells receive less
func (m CostModel) SlippedPrice(price decimal.Decimal, buy bool) decimal.Decimal {
	adj := m.SlippageBps.Div(bpsDivisor)
	if buy {
		return price.Mul(decimal.NewFromInt(1).Add(adj))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(adj))
}

// ExitCost estimates the fee plus slippage of liquidating qty at price
func (m CostModel) ExitCost(price, qty decimal.Decimal) decimal.Decimal {
	return m.Fee(price, qty).Add(m.SlippageCost(price, qty))
}
