package grid

import (
	"sort"
	"taoquant_grid/internal/core"

	"github.com/shopspring/decimal"
)

// Diff computes the change set from the resting intents to the desired ones. Intents matching by
// key are retained. Placements are ordered inner first and cancellations outer first, where a buy
// is inner when its price is higher and a sell when its price is lower.
func Diff(current, desired []core.OrderIntent) core.OrderDelta {
	delta, _ := Reconcile(current, desired, decimal.Zero)
	return delta
}

// Reconcile is Diff with a repricing tolerance. Exact key matches are retained first; a desired
// intent left over then keeps the nearest unmatched resting intent of the same side, size and
// reduce-only flag whose price lies within tolerance. It returns the delta and the resting set
// after it is applied, with retained intents at their resting prices.
func Reconcile(current, desired []core.OrderIntent, tolerance decimal.Decimal) (core.OrderDelta, []core.OrderIntent) {
	used := make([]bool, len(current))
	byKey := make(map[string][]int, len(current))
	for i, o := range current {
		byKey[o.Key()] = append(byKey[o.Key()], i)
	}

	resting := make([]core.OrderIntent, len(desired))
	matched := make([]bool, len(desired))
	for j, o := range desired {
		idx := byKey[o.Key()]
		if len(idx) == 0 {
			continue
		}
		used[idx[0]] = true
		byKey[o.Key()] = idx[1:]
		resting[j] = current[idx[0]]
		matched[j] = true
	}

	var place []core.OrderIntent
	for j, o := range desired {
		if matched[j] {
			continue
		}
		if i := nearest(current, used, o, tolerance); i >= 0 {
			used[i] = true
			resting[j] = current[i]
			continue
		}
		resting[j] = o
		place = append(place, o)
	}

	var cancel []core.OrderIntent
	for i, o := range current {
		if !used[i] {
			cancel = append(cancel, o)
		}
	}
	return core.OrderDelta{Place: innerFirst(place), Cancel: outerFirst(cancel)}, resting
}

// nearest returns the unmatched resting intent closest to o within tolerance, or -1
func nearest(current []core.OrderIntent, used []bool, o core.OrderIntent, tolerance decimal.Decimal) int {
	if !tolerance.IsPositive() {
		return -1
	}
	best := -1
	var bestDist decimal.Decimal
	for i, c := range current {
		if used[i] || c.Side != o.Side || c.ReduceOnly != o.ReduceOnly || !c.Size.Equal(o.Size) {
			continue
		}
		dist := c.Price.Sub(o.Price).Abs()
		if dist.GreaterThan(tolerance) {
			continue
		}
		if best < 0 || dist.LessThan(bestDist) {
			best, bestDist = i, dist
		}
	}
	return best
}

// innerFirst interleaves buys by descending price and sells by ascending price, buy first per rank
func innerFirst(orders []core.OrderIntent) []core.OrderIntent {
	if len(orders) == 0 {
		return nil
	}
	buys, sells := split(orders)
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].Price.GreaterThan(buys[j].Price) })
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].Price.LessThan(sells[j].Price) })
	return interleave(buys, sells)
}

func outerFirst(orders []core.OrderIntent) []core.OrderIntent {
	if len(orders) == 0 {
		return nil
	}
	buys, sells := split(orders)
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].Price.LessThan(buys[j].Price) })
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].Price.GreaterThan(sells[j].Price) })
	return interleave(buys, sells)
}

func split(orders []core.OrderIntent) (buys, sells []core.OrderIntent) {
	for _, o := range orders {
		if o.Side == core.SideBuy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}
	return buys, sells
}

func interleave(buys, sells []core.OrderIntent) []core.OrderIntent {
	out := make([]core.OrderIntent, 0, len(buys)+len(sells))
	for i := 0; i < len(buys) || i < len(sells); i++ {
		if i < len(buys) {
			out = append(out, buys[i])
		}
		if i < len(sells) {
			out = append(out, sells[i])
		}
	}
	return out
}
