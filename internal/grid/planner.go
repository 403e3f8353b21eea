package grid

import (
	"taoquant_grid/internal/advantage"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/statemachine"
	"taoquant_grid/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Intent tags
const (
	TagGridBuy     = "grid_buy"
	TagGridSell    = "grid_sell"
	TagReplenish   = "replenish"
	TagDamageStage = "damage_stage"
	TagUnwind      = "unwind"
	TagHarvest     = "harvest"
)

// PlanInput is everything one planning cycle needs. Planning is a pure function of it.
type PlanInput struct {
	Perms        statemachine.Permissions
	State        statemachine.State
	Mark         decimal.Decimal
	ATR          decimal.Decimal
	Anchor       decimal.Decimal // fixes the level lattice; zero means the mark
	Bounds       core.RangeBounds
	Zone         advantage.Zone
	Spacing      Spacing
	BuyStep      decimal.Decimal // core buy step after skew; zero means Spacing.Core
	SellStep     decimal.Decimal // core sell step after skew; zero means Spacing.Core
	InventoryQty decimal.Decimal
	// Replenish holds prices of recent sell fills to re-buy one core step below
	Replenish     []decimal.Decimal
	TrendGateOpen bool
	Harvest       bool
	// ReduceOnlyBias forces every sell reduce-only
	ReduceOnlyBias bool
	// LevelMult scales the active window depth; zero means 1
	LevelMult float64
	// SizeMult scales buy sizes; zero means 1
	SizeMult float64
}

// Planner builds the desired order set
type Planner struct {
	cfg  config.GridConfig
	cost tradingutils.CostModel
}

func NewPlanner(cfg config.GridConfig, cost tradingutils.CostModel) *Planner {
	return &Planner{cfg: cfg, cost: cost}
}

// Plan returns the desired intents, buys inner first then sells inner first.
func (p *Planner) Plan(in PlanInput) []core.OrderIntent {
	if !in.Mark.IsPositive() || in.Spacing.IsZero() {
		return nil
	}
	if in.Zone.IsZero() {
		in.Zone = advantage.FullRange(in.Bounds, in.Zone.LastUpdatedAt)
	}
	if !in.BuyStep.IsPositive() {
		in.BuyStep = in.Spacing.Core
	}
	if !in.SellStep.IsPositive() {
		in.SellStep = in.Spacing.Core
	}
	if !in.Anchor.IsPositive() {
		in.Anchor = in.Mark
	}
	if in.LevelMult <= 0 {
		in.LevelMult = 1
	}
	if in.SizeMult <= 0 {
		in.SizeMult = 1
	}
	inventory := decimal.Max(in.InventoryQty, decimal.Zero)

	switch in.Perms.Sell {
	case statemachine.SellUnwind:
		return p.unwind(in, inventory)
	case statemachine.SellStaged:
		return p.staged(in, inventory)
	}
	if in.Harvest {
		return p.harvest(in, inventory)
	}

	var out []core.OrderIntent
	if in.Perms.NewBuy && in.TrendGateOpen {
		out = append(out, p.buys(in)...)
	}
	if in.Perms.ReplenishBuy && in.TrendGateOpen {
		out = append(out, p.replenish(in, out)...)
	}

	sellStep, bufferStep := in.SellStep, in.Spacing.Buffer
	if in.State != statemachine.Normal {
		sellStep, bufferStep = in.Spacing.Core, in.Spacing.Core
	}
	reduceOnly := in.ReduceOnlyBias || in.Perms.ReduceOnly != statemachine.ReduceOnlyOptional || p.cfg.ReduceOnlySells
	out = append(out, p.sells(in, inventory, sellStep, bufferStep, reduceOnly)...)
	return out
}

// buys walks down from the first lattice level below the mark: core step inside the zone,
// buffer step below it. Nothing is placed at or below the range low and sizes decay inside the
// edge band.
func (p *Planner) buys(in PlanInput) []core.OrderIntent {
	base := decimal.NewFromFloat(p.cfg.BaseSize * in.SizeMult)
	edge := in.Bounds.Low.Add(in.ATR.Mul(decimal.NewFromFloat(p.cfg.EdgeBandATRMult)))
	decay := decimal.NewFromFloat(p.cfg.EdgeDecay)

	var out []core.OrderIntent
	price := in.Mark
	size := base
	for i := 0; i < levels(p.cfg.BuyLevels, in.LevelMult); i++ {
		step := in.Spacing.Buffer
		if in.Zone.Contains(price) {
			step = in.BuyStep
		}
		if i == 0 {
			price = below(price, in.Anchor, step)
		} else {
			price = price.Sub(step)
		}
		px := tradingutils.RoundPrice(price, p.cfg.PriceDecimals)
		if px.LessThanOrEqual(in.Bounds.Low) {
			break
		}
		if px.LessThan(edge) {
			size = size.Mul(decay)
		}
		qty := tradingutils.RoundQuantity(size, p.cfg.QtyDecimals)
		if !qty.IsPositive() {
			break
		}
		out = append(out, core.OrderIntent{Price: px, Side: core.SideBuy, Size: qty, Tag: TagGridBuy})
	}
	return out
}

func (p *Planner) replenish(in PlanInput, placed []core.OrderIntent) []core.OrderIntent {
	taken := make(map[string]bool, len(placed))
	for _, o := range placed {
		taken[o.Price.String()] = true
	}
	qty := tradingutils.RoundQuantity(decimal.NewFromFloat(p.cfg.BaseSize*in.SizeMult), p.cfg.QtyDecimals)
	if !qty.IsPositive() {
		return nil
	}

	var out []core.OrderIntent
	for _, sold := range in.Replenish {
		px := tradingutils.RoundPrice(sold.Sub(in.Spacing.Core), p.cfg.PriceDecimals)
		if !px.LessThan(in.Mark) || px.LessThanOrEqual(in.Bounds.Low) || taken[px.String()] {
			continue
		}
		taken[px.String()] = true
		out = append(out, core.OrderIntent{Price: px, Side: core.SideBuy, Size: qty, Tag: TagReplenish})
	}
	return out
}

// sells walks up from the first lattice level above the mark capped by inventory; levels at or
// above the range high are reduce-only
func (p *Planner) sells(in PlanInput, inventory, coreStep, bufferStep decimal.Decimal, reduceOnly bool) []core.OrderIntent {
	base := decimal.NewFromFloat(p.cfg.BaseSize)
	left := tradingutils.RoundQuantity(inventory, p.cfg.QtyDecimals)

	var out []core.OrderIntent
	price := in.Mark
	for i := 0; i < levels(p.cfg.SellLevels, in.LevelMult) && left.IsPositive(); i++ {
		step := bufferStep
		if in.Zone.Contains(price) {
			step = coreStep
		}
		if i == 0 {
			price = above(price, in.Anchor, step)
		} else {
			price = price.Add(step)
		}
		px := tradingutils.RoundPrice(price, p.cfg.PriceDecimals)
		qty := tradingutils.RoundQuantity(decimal.Min(base, left), p.cfg.QtyDecimals)
		if !qty.IsPositive() {
			break
		}
		left = left.Sub(qty)
		out = append(out, core.OrderIntent{
			Price:      px,
			Side:       core.SideSell,
			Size:       qty,
			ReduceOnly: reduceOnly || px.GreaterThanOrEqual(in.Bounds.High),
			Tag:        TagGridSell,
		})
	}
	return out
}

// staged lays reduce-only sells of a fixed fraction of inventory per level
func (p *Planner) staged(in PlanInput, inventory decimal.Decimal) []core.OrderIntent {
	stage := inventory.Mul(decimal.NewFromFloat(p.cfg.DamageStageFraction))
	return p.ladder(in, inventory, stage, TagDamageStage)
}

// harvest spreads the whole inventory over the sell levels
func (p *Planner) harvest(in PlanInput, inventory decimal.Decimal) []core.OrderIntent {
	if p.cfg.SellLevels < 1 {
		return nil
	}
	per := inventory.Div(decimal.NewFromInt(int64(p.cfg.SellLevels)))
	return p.ladder(in, inventory, per, TagHarvest)
}

// ladder places reduce-only sells of per each on the core lattice above the mark, until inventory
// is covered. The last level takes the remainder.
func (p *Planner) ladder(in PlanInput, inventory, per decimal.Decimal, tag string) []core.OrderIntent {
	left := tradingutils.RoundQuantity(inventory, p.cfg.QtyDecimals)
	per = tradingutils.RoundQuantity(per, p.cfg.QtyDecimals)
	if !left.IsPositive() {
		return nil
	}
	if !per.IsPositive() {
		per = left
	}

	var out []core.OrderIntent
	first := above(in.Mark, in.Anchor, in.Spacing.Core)
	prices := tradingutils.CalculatePriceLevels(first.Sub(in.Spacing.Core), in.Spacing.Core, p.cfg.SellLevels)
	for i, price := range prices {
		if !left.IsPositive() {
			break
		}
		qty := decimal.Min(per, left)
		if i == len(prices)-1 {
			qty = left
		}
		left = left.Sub(qty)
		out = append(out, core.OrderIntent{
			Price:      tradingutils.RoundPrice(price, p.cfg.PriceDecimals),
			Side:       core.SideSell,
			Size:       qty,
			ReduceOnly: true,
			Tag:        tag,
		})
	}
	return out
}

// unwind is a single reduce-only sell of the whole inventory at the mark less slippage
func (p *Planner) unwind(in PlanInput, inventory decimal.Decimal) []core.OrderIntent {
	qty := tradingutils.RoundQuantity(inventory, p.cfg.QtyDecimals)
	if !qty.IsPositive() {
		return nil
	}
	px := tradingutils.RoundPrice(p.cost.SlippedPrice(in.Mark, false), p.cfg.PriceDecimals)
	return []core.OrderIntent{{Price: px, Side: core.SideSell, Size: qty, ReduceOnly: true, Tag: TagUnwind}}
}

// levels scales a level count, keeping at least one
func levels(n int, mult float64) int {
	scaled := int(float64(n) * mult)
	if scaled < 1 && n > 0 {
		return 1
	}
	return scaled
}

// below is the highest level of the step lattice through anchor strictly below price
func below(price, anchor, step decimal.Decimal) decimal.Decimal {
	n := price.Sub(anchor).Div(step).Ceil().Sub(decimal.NewFromInt(1))
	return anchor.Add(n.Mul(step))
}

// above is the lowest level of the step lattice through anchor strictly above price
func above(price, anchor, step decimal.Decimal) decimal.Decimal {
	n := price.Sub(anchor).Div(step).Floor().Add(decimal.NewFromInt(1))
	return anchor.Add(n.Mul(step))
}
