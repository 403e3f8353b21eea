package derisk

import (
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/risk"
	"taoquant_grid/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// PathRisk estimates what the remaining inventory could still lose if price ran to the worst
// plausible exit, one liquidity gap below the range low: the distance from breakeven to that
// exit plus the cost of exiting there.
func PathRisk(snap risk.Snapshot, bounds core.RangeBounds, gapMult decimal.Decimal, cost tradingutils.CostModel) decimal.Decimal {
	qty := snap.InventoryQty
	if !qty.IsPositive() {
		return decimal.Zero
	}
	worst := decimal.Max(bounds.Low.Sub(gapMult.Mul(snap.ATR)), decimal.Zero)
	loss := decimal.Max(snap.BreakevenPrice.Sub(worst), decimal.Zero).Mul(qty)
	return loss.Add(cost.ExitCost(worst, qty))
}

// HouseMoney reports whether the realized edge already covers the remaining path risk and the
// minimum profit floor, with inventory still held
func HouseMoney(snap risk.Snapshot, bounds core.RangeBounds, gapMult decimal.Decimal, cost tradingutils.CostModel, floor decimal.Decimal) bool {
	if !snap.InventoryQty.IsPositive() {
		return false
	}
	locked := snap.RealizedPnL
	need := decimal.Max(PathRisk(snap, bounds, gapMult, cost), floor)
	return locked.IsPositive() && locked.GreaterThanOrEqual(need)
}
