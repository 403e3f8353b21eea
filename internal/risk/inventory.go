package risk

import (
	"taoquant_grid/internal/core"
	"taoquant_grid/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// LedgerState is the persisted form of the inventory ledger
type LedgerState struct {
	Qty       decimal.Decimal `json:"qty"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	Realized  decimal.Decimal `json:"realized"`
	Fees      decimal.Decimal `json:"fees"`
	Turnover  decimal.Decimal `json:"turnover"`
	Cycles    int             `json:"cycles"`
}

// FillEffect summarizes how a fill moved the ledger
type FillEffect struct {
	Realized        decimal.Decimal
	BreakevenBefore decimal.Decimal
	BreakevenAfter  decimal.Decimal
	Closed          decimal.Decimal
	Excess          decimal.Decimal
}

// Improved reports whether the fill lowered the breakeven of a held position
func (e FillEffect) Improved() bool {
	return !e.BreakevenBefore.IsZero() && e.BreakevenAfter.LessThan(e.BreakevenBefore)
}

// Inventory is the long-only fill ledger. The cost basis carries buy fees and the
// slippage allowance of the shared cost model, so breakeven is directly comparable
// to the prices the planner and the simulated broker produce.
type Inventory struct {
	cost  tradingutils.CostModel
	state LedgerState
}

func NewInventory(cost tradingutils.CostModel) *Inventory {
	return &Inventory{cost: cost}
}

// Apply books a fill. Sells beyond the held quantity are reported as Excess and ignored.
func (inv *Inventory) Apply(f core.Fill) FillEffect {
	s := &inv.state
	eff := FillEffect{BreakevenBefore: inv.Breakeven()}

	fee := f.Fee
	if fee.IsZero() {
		fee = inv.cost.Fee(f.Price, f.Qty)
	}
	notional := f.Price.Mul(f.Qty)
	s.Turnover = s.Turnover.Add(notional)
	s.Fees = s.Fees.Add(fee)

	switch f.Side {
	case core.SideBuy:
		s.CostBasis = s.CostBasis.Add(notional).Add(fee).Add(inv.cost.SlippageCost(f.Price, f.Qty))
		s.Qty = s.Qty.Add(f.Qty)
	case core.SideSell:
		closed := decimal.Min(f.Qty, s.Qty)
		eff.Excess = f.Qty.Sub(closed)
		if closed.IsPositive() {
			avg := s.CostBasis.Div(s.Qty)
			feeShare := fee.Mul(closed).Div(f.Qty)
			eff.Realized = f.Price.Mul(closed).Sub(feeShare).Sub(avg.Mul(closed))
			s.Realized = s.Realized.Add(eff.Realized)
			s.Qty = s.Qty.Sub(closed)
			if s.Qty.IsZero() {
				s.CostBasis = decimal.Zero
			} else {
				s.CostBasis = s.CostBasis.Sub(avg.Mul(closed))
			}
			s.Cycles++
		}
		eff.Closed = closed
	}

	eff.BreakevenAfter = inv.Breakeven()
	return eff
}

// Qty returns the held quantity
func (inv *Inventory) Qty() decimal.Decimal { return inv.state.Qty }

// Breakeven returns the fee and slippage adjusted average entry, zero when flat
func (inv *Inventory) Breakeven() decimal.Decimal {
	if !inv.state.Qty.IsPositive() {
		return decimal.Zero
	}
	return inv.state.CostBasis.Div(inv.state.Qty)
}

// Realized returns realized PnL net of fees
func (inv *Inventory) Realized() decimal.Decimal { return inv.state.Realized }

// Unrealized marks the position against price
func (inv *Inventory) Unrealized(mark decimal.Decimal) decimal.Decimal {
	if !inv.state.Qty.IsPositive() {
		return decimal.Zero
	}
	return inv.state.Qty.Mul(mark).Sub(inv.state.CostBasis)
}

// Efficiency is realized PnL per unit of turnover notional
func (inv *Inventory) Efficiency() float64 {
	if !inv.state.Turnover.IsPositive() {
		return 0
	}
	f, _ := inv.state.Realized.Div(inv.state.Turnover).Float64()
	return f
}

// Cycles returns the number of sells that closed inventory
func (inv *Inventory) Cycles() int { return inv.state.Cycles }

// Resync aligns the held quantity with an authoritative account read.
// Added quantity is costed at mark; removed quantity leaves at average cost.
func (inv *Inventory) Resync(qty, mark decimal.Decimal) {
	s := &inv.state
	switch {
	case qty.LessThanOrEqual(decimal.Zero):
		s.Qty, s.CostBasis = decimal.Zero, decimal.Zero
	case qty.GreaterThan(s.Qty):
		s.CostBasis = s.CostBasis.Add(qty.Sub(s.Qty).Mul(mark))
		s.Qty = qty
	case qty.LessThan(s.Qty):
		s.CostBasis = s.CostBasis.Mul(qty).Div(s.Qty)
		s.Qty = qty
	}
}

// State returns a copy of the ledger for persistence
func (inv *Inventory) State() LedgerState { return inv.state }

// Restore replaces the ledger with a persisted copy
func (inv *Inventory) Restore(s LedgerState) { inv.state = s }
