// Package backtest replays bars through the engine against a simulated broker.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// ErrCancelRejected is returned when the simulated venue refuses a cancel. The order stays on the
// book and the cancel is retried at the next bar.
var ErrCancelRejected = errors.New("sim: cancel rejected, order stuck")

type restingOrder struct {
	id        string
	intent    core.OrderIntent
	remaining decimal.Decimal
	seq       uint64
	cancelIn  int // bars until an accepted cancel lands
	stuck     bool
}

func (o *restingOrder) cancelling() bool { return o.cancelIn > 0 || o.stuck }

// SimBroker is the replay venue. It implements core.IntentSink and matches resting limits
// against each bar: a limit fills only when the bar trades through it, inner levels first,
// at most MaxFillsPerBar per bar. Cancels may fail or lag per the cancel simulation, drawn from
// a seeded source so equal inputs replay identically.
type SimBroker struct {
	cost         tradingutils.CostModel
	partialRatio decimal.Decimal
	maxFills     int
	qtyDecimals  int
	leverage     decimal.Decimal
	cancelSim    config.CancelSimConfig

	mu       sync.Mutex
	rng      *rand.Rand
	orders   map[string][]*restingOrder
	byID     map[string]*restingOrder
	seq      uint64
	position decimal.Decimal
	cash     decimal.Decimal
	stuck    int
}

func NewSimBroker(cfg *config.Config) *SimBroker {
	s := cfg.Sim
	leverage := decimal.NewFromFloat(s.Leverage)
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	ratio := decimal.NewFromFloat(s.PartialFillRatio)
	if !ratio.IsPositive() || ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}
	return &SimBroker{
		cost:         tradingutils.NewCostModel(s.MakerFeeBps, s.TakerFeeBps, s.SlippageBps, tradingutils.FeeSide(s.FeeSide)),
		partialRatio: ratio,
		maxFills:     s.MaxFillsPerBar,
		qtyDecimals:  cfg.Grid.QtyDecimals,
		leverage:     leverage,
		cancelSim:    s.Cancel,
		rng:          rand.New(rand.NewPCG(s.Cancel.Seed, s.Cancel.Seed)),
		cash:         decimal.NewFromFloat(cfg.Risk.InitialEquity),
		orders:       make(map[string][]*restingOrder),
		byID:         make(map[string]*restingOrder),
	}
}

// Submit applies cancels, then placements. Cancelling an order that already filled is a no-op.
// A rejected cancel leaves its order stuck without failing the submit, as the venue would keep
// the placements.
func (b *SimBroker) Submit(ctx context.Context, delta core.OrderDelta) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, o := range delta.Cancel {
		if r := b.cancellable(o.Key()); r != nil {
			b.cancel(r)
		}
	}
	for _, o := range delta.Place {
		if _, err := b.place(o); err != nil {
			return err
		}
	}
	return nil
}

// Place rests one order and returns its id
func (b *SimBroker) Place(o core.OrderIntent) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.place(o)
}

// Cancel cancels a resting order by id and reports whether it was still resting. A rejected
// cancel returns ErrCancelRejected.
func (b *SimBroker) Cancel(id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byID[id]
	if !ok {
		return false, nil
	}
	if o.cancelling() {
		return true, nil
	}
	if !b.cancel(o) {
		return true, ErrCancelRejected
	}
	return true, nil
}

// Stuck returns how many cancels the simulation has rejected, retries included
func (b *SimBroker) Stuck() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stuck
}

// cancellable returns the oldest order under key with no cancel in flight
func (b *SimBroker) cancellable(key string) *restingOrder {
	for _, r := range b.orders[key] {
		if !r.cancelling() {
			return r
		}
	}
	return nil
}

// cancel applies the simulation to one order: it may be rejected, leaving the order stuck, or
// land after a drawn number of bars. It reports whether the cancel was accepted.
func (b *SimBroker) cancel(r *restingOrder) bool {
	c := b.cancelSim
	if c.AllowFail && c.FailProbability > 0 && b.rng.Float64() < c.FailProbability {
		r.stuck = true
		b.stuck++
		return false
	}
	r.stuck = false
	if c.DelayBarsMax > 0 {
		if delay := c.DelayBarsMin + b.rng.IntN(c.DelayBarsMax-c.DelayBarsMin+1); delay > 0 {
			r.cancelIn = delay
			return true
		}
	}
	b.remove(r)
	return true
}

// settleCancels runs at the start of each bar. Delayed cancels count down and land when due;
// stuck orders retry their cancel. Orders are visited by placement order so the draws repeat.
func (b *SimBroker) settleCancels() {
	var pending []*restingOrder
	for _, r := range b.byID {
		if r.cancelling() {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	for _, r := range pending {
		switch {
		case r.stuck:
			b.cancel(r)
		case r.cancelIn <= 1:
			b.remove(r)
		default:
			r.cancelIn--
		}
	}
}

func (b *SimBroker) place(o core.OrderIntent) (string, error) {
	if !o.Size.IsPositive() || !o.Price.IsPositive() {
		return "", fmt.Errorf("invalid order %s", o.Key())
	}
	b.seq++
	r := &restingOrder{id: fmt.Sprintf("sim-%d", b.seq), intent: o, remaining: o.Size, seq: b.seq}
	b.orders[o.Key()] = append(b.orders[o.Key()], r)
	b.byID[r.id] = r
	return r.id, nil
}

// Open returns how many orders rest on the book
func (b *SimBroker) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, list := range b.orders {
		n += len(list)
	}
	return n
}

// Position returns the simulated venue position
func (b *SimBroker) Position() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

// Match settles due cancels, then fills the resting orders the bar trades through. Fills are at
// the limit price; the ledger carries the slippage allowance of the shared cost model.
func (b *SimBroker) Match(bar core.Bar) []core.Fill {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settleCancels()

	var triggered []*restingOrder
	for _, list := range b.orders {
		for _, o := range list {
			switch o.intent.Side {
			case core.SideBuy:
				if bar.Low.LessThanOrEqual(o.intent.Price) {
					triggered = append(triggered, o)
				}
			case core.SideSell:
				if bar.High.GreaterThanOrEqual(o.intent.Price) {
					triggered = append(triggered, o)
				}
			}
		}
	}

	mid := bar.High.Add(bar.Low).Div(decimal.NewFromInt(2))
	sort.Slice(triggered, func(i, j int) bool {
		di := triggered[i].intent.Price.Sub(mid).Abs()
		dj := triggered[j].intent.Price.Sub(mid).Abs()
		if !di.Equal(dj) {
			return di.LessThan(dj)
		}
		return triggered[i].seq < triggered[j].seq
	})

	var fills []core.Fill
	for _, o := range triggered {
		if b.maxFills > 0 && len(fills) >= b.maxFills {
			break
		}
		if f, ok := b.fill(o, bar); ok {
			fills = append(fills, f)
		}
	}
	return fills
}

func (b *SimBroker) fill(o *restingOrder, bar core.Bar) (core.Fill, bool) {
	qty := o.remaining
	if b.partialRatio.LessThan(decimal.NewFromInt(1)) {
		part := tradingutils.RoundQuantity(o.remaining.Mul(b.partialRatio), b.qtyDecimals)
		if part.IsPositive() {
			qty = part
		}
	}
	if o.intent.ReduceOnly && o.intent.Side == core.SideSell {
		qty = decimal.Min(qty, b.position)
	}
	if !qty.IsPositive() {
		return core.Fill{}, false
	}

	o.remaining = o.remaining.Sub(qty)
	partial := o.remaining.IsPositive()
	if !partial {
		b.remove(o)
	}
	fee := b.cost.Fee(o.intent.Price, qty)
	notional := o.intent.Price.Mul(qty)
	if o.intent.Side == core.SideBuy {
		b.position = b.position.Add(qty)
		b.cash = b.cash.Sub(notional)
	} else {
		b.position = b.position.Sub(qty)
		b.cash = b.cash.Add(notional)
	}
	b.cash = b.cash.Sub(fee)

	return core.Fill{
		Time:    bar.Time,
		OrderID: o.id,
		Tag:     o.intent.Tag,
		Side:    o.intent.Side,
		Price:   o.intent.Price,
		Qty:     qty,
		Fee:     fee,
		Partial: partial,
	}, true
}

func (b *SimBroker) remove(o *restingOrder) {
	delete(b.byID, o.id)
	key := o.intent.Key()
	list := b.orders[key]
	for i, r := range list {
		if r == o {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.orders, key)
		return
	}
	b.orders[key] = list
}

// Account returns the simulated account read the engine resyncs against
func (b *SimBroker) Account(bar core.Bar) core.AccountSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return core.AccountSnapshot{
		Time:        bar.Time,
		Equity:      b.cash.Add(b.position.Mul(bar.Close)),
		MarginUsed:  b.position.Abs().Mul(bar.Close).Div(b.leverage),
		PositionQty: b.position,
	}
}
