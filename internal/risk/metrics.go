// Package risk derives the per-event risk metrics snapshot from price, fill and account state
package risk

import (
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/pkg/tradingutils"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is the immutable risk metrics value produced on every event
type Snapshot struct {
	Timestamp           time.Time       `json:"timestamp"`
	MarkPrice           decimal.Decimal `json:"mark_price"`
	InventoryQty        decimal.Decimal `json:"inventory_qty"`
	InventoryRatio      float64         `json:"inventory_ratio"`
	InventorySlope      float64         `json:"inventory_slope"`
	BreakevenPrice      decimal.Decimal `json:"breakeven_price"`
	MarginUsage         float64         `json:"margin_usage"`
	LiquidationDistance *float64        `json:"liquidation_distance,omitempty"`
	ATR                 decimal.Decimal `json:"atr"`
	ATRBaseline         decimal.Decimal `json:"atr_baseline"`
	VolatilitySpike     bool            `json:"volatility_spike"`
	StructuralBreak     bool            `json:"structural_break"`
	LiquidityGap        bool            `json:"liquidity_gap"`
	PriceOutOfRange     bool            `json:"price_out_of_range"`
	Drawdown            float64         `json:"drawdown"`
	DrawdownBreached    bool            `json:"drawdown_breached"`
	MarginCapBreached   bool            `json:"margin_cap_breached"`
	RiskBudgetRemaining float64         `json:"risk_budget_remaining"`
	RealizedPnL         decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL       decimal.Decimal `json:"unrealized_pnl"`
	Equity              decimal.Decimal `json:"equity"`
}

// Input is the raw state a snapshot is computed from
type Input struct {
	Time    time.Time
	Mark    decimal.Decimal
	Bar     *core.Bar
	Account *core.AccountSnapshot
	Bounds  core.RangeBounds
}

type ratioSample struct {
	at    time.Time
	ratio float64
}

// MetricsEngine owns the inventory ledger and the rolling detector buffers.
// It is driven by a single goroutine, the event loop.
type MetricsEngine struct {
	maxInventory  decimal.Decimal
	initialEquity decimal.Decimal
	leverage      decimal.Decimal
	slopeWindow   int

	inventory *Inventory
	atr       *ATRTracker
	breaks    *BreakDetector
	budget    *RiskBudget
	samples   []ratioSample
}

func NewMetricsEngine(cfg *config.Config, cost tradingutils.CostModel) *MetricsEngine {
	v := cfg.Volatility
	initial := decimal.NewFromFloat(cfg.Risk.InitialEquity)
	leverage := decimal.NewFromFloat(cfg.Sim.Leverage)
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	return &MetricsEngine{
		maxInventory:  decimal.NewFromFloat(cfg.Inventory.MaxInventory),
		initialEquity: initial,
		leverage:      leverage,
		slopeWindow:   cfg.Inventory.SlopeWindow,
		inventory:     NewInventory(cost),
		atr:           NewATRTracker(v.ATRLen, v.BaselineLen, v.SpikeMult, v.ClearMult, v.SpikeCooldownBars, v.GapATRMult),
		breaks:        NewBreakDetector(cfg.Risk.BreakBufferATRMult, cfg.Risk.BreakConfirmBars),
		budget:        NewRiskBudget(initial, cfg.Risk.MaxDrawdown, cfg.Risk.MarginCap),
	}
}

// Inventory exposes the ledger so fills can be booked before the next Compute
func (e *MetricsEngine) Inventory() *Inventory { return e.inventory }

// Budget exposes the risk budget for persistence
func (e *MetricsEngine) Budget() *RiskBudget { return e.budget }

// ResetStructure clears the structural break counter after a range update
func (e *MetricsEngine) ResetStructure() { e.breaks.Reset() }

// Compute produces a fresh snapshot. Bar driven inputs update the detectors;
// other inputs carry the previous volatility and structure readings forward.
func (e *MetricsEngine) Compute(in Input, prev *Snapshot) Snapshot {
	inv := e.inventory
	qty := inv.Qty()

	snap := Snapshot{
		Timestamp:      in.Time,
		MarkPrice:      in.Mark,
		InventoryQty:   qty,
		InventoryRatio: e.ratio(qty),
		BreakevenPrice: inv.Breakeven(),
		RealizedPnL:    inv.Realized(),
		UnrealizedPnL:  inv.Unrealized(in.Mark),
	}
	snap.Equity = e.initialEquity.Add(snap.RealizedPnL).Add(snap.UnrealizedPnL)

	if in.Bar != nil {
		reading := e.atr.Update(*in.Bar)
		snap.ATR = reading.ATR
		snap.ATRBaseline = reading.Baseline
		snap.VolatilitySpike = reading.Spike
		snap.LiquidityGap = reading.Gap
		snap.StructuralBreak = e.breaks.Update(in.Bar.Close, reading.ATR, in.Bounds)
		snap.PriceOutOfRange = in.Bar.High.GreaterThanOrEqual(in.Bounds.High) || in.Bar.Low.LessThanOrEqual(in.Bounds.Low)
	} else {
		if prev != nil {
			snap.ATR = prev.ATR
			snap.ATRBaseline = prev.ATRBaseline
			snap.VolatilitySpike = prev.VolatilitySpike
		}
		snap.StructuralBreak = e.breaks.Confirmed()
		snap.PriceOutOfRange = in.Bounds.Touches(in.Mark)
	}

	snap.MarginUsage = e.marginUsage(in, qty, snap.Equity)
	if in.Account != nil && in.Account.LiquidationPrice != nil && in.Mark.IsPositive() {
		dist, _ := in.Mark.Sub(*in.Account.LiquidationPrice).Abs().Div(in.Mark).Float64()
		snap.LiquidationDistance = &dist
	}

	st := e.budget.Evaluate(snap.Equity, snap.MarginUsage)
	snap.Drawdown = st.Drawdown
	snap.DrawdownBreached = st.DrawdownBreached
	snap.MarginCapBreached = st.MarginCapBreached
	snap.RiskBudgetRemaining = st.Remaining

	snap.InventorySlope = e.slope(in.Time, snap.InventoryRatio)
	return snap
}

func (e *MetricsEngine) ratio(qty decimal.Decimal) float64 {
	if !e.maxInventory.IsPositive() {
		return 1
	}
	r, _ := qty.Abs().Div(e.maxInventory).Float64()
	return r
}

// marginUsage prefers the venue's figure and falls back to notional over leverage
func (e *MetricsEngine) marginUsage(in Input, qty, equity decimal.Decimal) float64 {
	if !equity.IsPositive() {
		return 1
	}
	used := qty.Abs().Mul(in.Mark).Div(e.leverage)
	if in.Account != nil && in.Account.MarginUsed.IsPositive() {
		used = in.Account.MarginUsed
	}
	u, _ := used.Div(equity).Float64()
	return u
}

// slope is the change of inventory ratio per hour across the sample window
func (e *MetricsEngine) slope(at time.Time, ratio float64) float64 {
	e.samples = append(e.samples, ratioSample{at: at, ratio: ratio})
	if len(e.samples) > e.slopeWindow {
		e.samples = e.samples[len(e.samples)-e.slopeWindow:]
	}
	first := e.samples[0]
	hours := at.Sub(first.at).Hours()
	if hours <= 0 {
		return 0
	}
	return (ratio - first.ratio) / hours
}
