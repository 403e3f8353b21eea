package engine

import (
	"context"
	"fmt"
	"sync"
	"taoquant_grid/internal/advantage"
	"taoquant_grid/internal/audit"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/derisk"
	"taoquant_grid/internal/gate"
	"taoquant_grid/internal/grid"
	"taoquant_grid/internal/risk"
	"taoquant_grid/internal/statemachine"
	"taoquant_grid/internal/store"
	"taoquant_grid/pkg/telemetry"
	"taoquant_grid/pkg/tradingutils"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Reason codes recorded by the event loop
const (
	ReasonInventoryResync = "INVENTORY_RESYNC"
	ReasonRiskIncreasing  = "RISK_INCREASING_BLOCKED"
	ReasonRangeUpdate     = "RANGE_UPDATE"
	ReasonPendingAdopted  = "REANCHOR_ADOPTED"
	ReasonTrendGate       = "TREND_GATE_UPDATE"
)

// Options are the engine's collaborators. Sink and Logger are required.
type Options struct {
	Sink         core.IntentSink
	Store        store.Store
	Ledger       *audit.Ledger
	Observations ObservationSink
	Board        *Board
	Logger       core.ILogger

	// Transitions is told of every state change after it is audited
	Transitions statemachine.TransitionObserver
}

// Engine is the fast clock. It owns the inventory ledger, the state machine and the de-risk
// ladder, and turns every event into an order delta.
type Engine struct {
	cfg    *config.Config
	symbol string
	logger core.ILogger
	tracer trace.Tracer

	metrics *risk.MetricsEngine
	machine *statemachine.Machine
	derisk  *derisk.Controller
	guard   *derisk.Guard
	gate    *gate.Gate
	planner *grid.Planner
	skew    *grid.Skew

	sink   core.IntentSink
	store  store.Store
	ledger *audit.Ledger
	obs    ObservationSink
	board  *Board
	notify statemachine.TransitionObserver

	mu        sync.Mutex
	bounds    core.RangeBounds
	verdict   gate.Verdict
	mark      decimal.Decimal
	prev      *risk.Snapshot
	account   *core.AccountSnapshot
	active    []core.OrderIntent
	replenish []decimal.Decimal
	pending   *derisk.Pending
	adopted   *derisk.Pending
	version   uint64

	exchangeFault bool
	feedStalled   bool
	awaitingSync  bool
}

// New builds an engine on the configured range. The range is checked by the gate.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if opts.Sink == nil {
		return nil, fmt.Errorf("engine: intent sink is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("engine: logger is required")
	}
	if opts.Observations == nil {
		opts.Observations = nopSink{}
	}
	if opts.Board == nil {
		opts.Board = NewBoard()
	}

	cost := tradingutils.NewCostModel(cfg.Sim.MakerFeeBps, cfg.Sim.TakerFeeBps, cfg.Sim.SlippageBps, tradingutils.FeeSide(cfg.Sim.FeeSide))
	g := gate.New(cfg.TraderInput)
	bounds := cfg.Range()
	if err := g.Validate(bounds, decimal.Zero); err != nil {
		return nil, fmt.Errorf("engine: invalid range: %w", err)
	}
	verdict, err := g.Permits(0)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		symbol:  cfg.App.Symbol,
		logger:  opts.Logger.WithField("component", "engine"),
		tracer:  telemetry.GetTracer("grid-engine"),
		metrics: risk.NewMetricsEngine(cfg, cost),
		derisk:  derisk.NewController(cfg, cost, opts.Logger),
		guard:   derisk.NewGuard(cfg.Reanchor),
		gate:    g,
		planner: grid.NewPlanner(cfg.Grid, cost),
		skew:    grid.NewSkew(cfg.Skew),
		sink:    opts.Sink,
		store:   opts.Store,
		ledger:  opts.Ledger,
		obs:     opts.Observations,
		board:   opts.Board,
		notify:  opts.Transitions,
		bounds:  bounds,
		verdict: verdict,
	}
	e.machine = statemachine.NewMachine(cfg, opts.Logger, e)
	return e, nil
}

// State returns the current strategy state
func (e *Engine) State() statemachine.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.State()
}

// Bounds returns the current outer range
func (e *Engine) Bounds() core.RangeBounds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bounds
}

// ActiveIntents returns a copy of the resting order set
func (e *Engine) ActiveIntents() []core.OrderIntent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.OrderIntent(nil), e.active...)
}

// LastSnapshot returns the risk snapshot of the last cycle
func (e *Engine) LastSnapshot() (risk.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.prev == nil {
		return risk.Snapshot{}, false
	}
	return *e.prev, true
}

// Pending returns the accepted re-anchor awaiting adoption, if any
func (e *Engine) Pending() *derisk.Pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return nil
	}
	p := *e.pending
	return &p
}

// Start opens the session in the audit log
func (e *Engine) Start(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bounds := e.bounds
	e.record(now, audit.EventParamUpdate, audit.ReasonSessionStart, audit.Snapshot{
		Range: &bounds,
		Params: map[string]string{
			"trend_gate": fmt.Sprintf("%t", e.gate.TrendGate()),
			"interval":   e.cfg.Control.Interval.String(),
		},
	})
	e.logger.Info("Session started", "symbol", e.symbol, "range", bounds.String())
}

// Run serializes events from a channel until it closes or ctx is done
func (e *Engine) Run(ctx context.Context, events <-chan core.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.HandleEvent(ctx, ev); err != nil {
				e.logger.Error("Event handling failed", "type", ev.Type.String(), "error", err)
			}
		}
	}
}

// HandleEvent runs one event loop cycle: metrics, state machine, fast de-risk, planning,
// delta and persistence.
func (e *Engine) HandleEvent(ctx context.Context, ev core.Event) error {
	ctx, span := e.tracer.Start(ctx, "HandleEvent",
		trace.WithAttributes(
			attribute.String("symbol", e.symbol),
			attribute.String("event", ev.Type.String()),
		),
	)
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	changed := false
	var bar *core.Bar
	switch ev.Type {
	case core.EventBar:
		if ev.Bar == nil {
			return fmt.Errorf("bar event without bar")
		}
		bar = ev.Bar
		e.mark = bar.Close
	case core.EventFill:
		if ev.Fill == nil {
			return fmt.Errorf("fill event without fill")
		}
		e.applyFill(*ev.Fill)
		changed = true
	case core.EventAccount:
		if ev.Account == nil {
			return fmt.Errorf("account event without account")
		}
		changed = e.applyAccount(*ev.Account, ev.Time)
	case core.EventExchangeFault:
		e.exchangeFault = true
		e.logger.Error("Exchange fault", "source", faultField(ev.Fault, true), "reason", faultField(ev.Fault, false))
	case core.EventDataGap:
		e.feedStalled = true
		e.logger.Error("Market data gap", "source", faultField(ev.Fault, true), "reason", faultField(ev.Fault, false))
	}

	fault := ev.Type == core.EventExchangeFault || ev.Type == core.EventDataGap
	if !e.mark.IsPositive() && !fault {
		return nil
	}

	if err := e.cycle(ctx, ev.Time, bar, changed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *Engine) cycle(ctx context.Context, now time.Time, bar *core.Bar, changed bool) error {
	snap := e.metrics.Compute(risk.Input{
		Time:    now,
		Mark:    e.mark,
		Bar:     bar,
		Account: e.account,
		Bounds:  e.bounds,
	}, e.prev)
	e.prev = &snap

	faults := statemachine.Faults{
		ExchangeFault:   e.exchangeFault,
		FeedStalled:     e.feedStalled,
		RecoveryBlocked: e.awaitingSync,
	}
	_, moved, err := e.machine.Evaluate(snap, faults)
	if err != nil {
		e.logger.Error("Transition refused", "error", err)
	}
	changed = changed || moved

	ctrl := e.board.Control()
	inv := e.metrics.Inventory()
	if step, ok := e.derisk.Evaluate(derisk.Input{
		Snapshot:   snap,
		Bounds:     e.bounds,
		Efficiency: inv.Efficiency(),
		Cycles:     inv.Cycles(),
		Slow:       ctrl.Slow(),
	}); ok {
		e.recordStep(step, snap)
		if step.Reason == derisk.ReasonHarvestComplete {
			e.obs.Observe(advantage.Observation{Kind: advantage.ObservedOnsetReset, Time: now})
		}
		changed = true
	}

	e.obs.Observe(advantage.Observation{
		Kind:           advantage.ObservedSample,
		Time:           now,
		InventoryRatio: snap.InventoryRatio,
		Breakeven:      snap.BreakevenPrice,
		Mark:           snap.MarkPrice,
	})

	desired := e.enforce(e.plan(snap, ctrl), snap, now)
	delta, resting := grid.Reconcile(e.active, desired, e.repriceTolerance(snap))
	var submitErr error
	if !delta.Empty() {
		if err := e.sink.Submit(ctx, delta); err != nil {
			// a sink that cannot accept work is an execution fault; the next cycle stops the session
			e.exchangeFault = true
			submitErr = fmt.Errorf("submit delta: %w", err)
		} else {
			e.active = resting
			metrics := telemetry.GetGlobalMetrics()
			metrics.RecordIntents(ctx, e.symbol, "place", len(delta.Place))
			metrics.RecordIntents(ctx, e.symbol, "cancel", len(delta.Cancel))
		}
		changed = true
	}

	e.publishFast(snap)
	e.recordGauges(snap)

	if changed {
		if err := e.persist(ctx, now); err != nil {
			e.logger.Error("Failed to persist state", "error", err)
		}
	}
	return submitErr
}

// plan builds the desired order set from the current state, zone and spacing
func (e *Engine) plan(snap risk.Snapshot, ctrl *ControlSnapshot) []core.OrderIntent {
	state := e.machine.State()
	zone := advantage.FullRange(e.bounds, snap.Timestamp)
	spacing := spacingFor(snap.ATR, e.cfg.Grid, e.derisk.BufferMult(), e.spacingMult())
	var anchor decimal.Decimal
	if ctrl != nil {
		anchor = ctrl.Anchor
		if !ctrl.Zone.IsZero() {
			zone = ctrl.Zone.Clamp(e.bounds)
		}
		if !ctrl.Spacing.IsZero() {
			spacing = ctrl.Spacing
		}
	}

	buyStep, sellStep, _ := e.skew.Adjust(grid.SkewInput{
		State:          state,
		Mark:           e.mark,
		Zone:           zone,
		InventoryRatio: snap.InventoryRatio,
		Disabled:       e.derisk.SkewDisabled(),
		Bias:           e.verdict.Bias,
	}, spacing)

	in := grid.PlanInput{
		Perms:         statemachine.PermissionsFor(state),
		State:         state,
		Mark:          e.mark,
		ATR:           snap.ATR,
		Anchor:        anchor,
		Bounds:        e.bounds,
		Zone:          zone,
		Spacing:       spacing,
		BuyStep:       buyStep,
		SellStep:      sellStep,
		InventoryQty:  snap.InventoryQty,
		Replenish:     append([]decimal.Decimal(nil), e.replenish...),
		TrendGateOpen: e.verdict.BuysAllowed,
		Harvest:       e.derisk.Harvesting(),
		LevelMult:     e.derisk.WindowMult(),
	}
	if e.adopted != nil {
		in.SizeMult = e.adopted.InventoryCeilingMult
		in.ReduceOnlyBias = e.adopted.ReduceOnlyBias
	}
	return e.planner.Plan(in)
}

// enforce strips anything the current state forbids. Risk increasing intents never leave the
// engine in DAMAGE_CONTROL or EMERGENCY_STOP.
func (e *Engine) enforce(desired []core.OrderIntent, snap risk.Snapshot, now time.Time) []core.OrderIntent {
	state := e.machine.State()
	perms := statemachine.PermissionsFor(state)
	if perms.NewBuy || perms.ReplenishBuy {
		return desired
	}

	kept := desired[:0:0]
	var blocked []core.OrderIntent
	for _, o := range desired {
		if o.IsRiskIncreasing() {
			blocked = append(blocked, o)
			continue
		}
		kept = append(kept, o)
	}
	if len(blocked) > 0 {
		e.logger.Warn("Blocked risk increasing intents", "state", state.String(), "count", len(blocked))
		s := snap
		e.record(now, audit.EventOrderBlocked, ReasonRiskIncreasing, audit.Snapshot{Risk: &s, Intents: blocked})
	}
	return kept
}

func (e *Engine) applyFill(f core.Fill) {
	inv := e.metrics.Inventory()
	eff := inv.Apply(f)
	if eff.Excess.IsPositive() {
		e.logger.Warn("Sell fill exceeds held inventory", "excess", eff.Excess.String(), "order_id", f.OrderID)
	}

	e.obs.Observe(advantage.Observation{
		Kind:     advantage.ObservedFill,
		Time:     f.Time,
		Side:     f.Side,
		Price:    f.Price,
		Qty:      f.Qty,
		Closed:   eff.Closed,
		Improved: eff.Improved(),
	})

	switch {
	case f.Side == core.SideSell && eff.Closed.IsPositive():
		e.replenish = append(e.replenish, f.Price)
		if limit := e.cfg.Grid.SellLevels; limit > 0 && len(e.replenish) > limit {
			e.replenish = e.replenish[len(e.replenish)-limit:]
		}
	case f.Side == core.SideBuy && f.Tag == grid.TagReplenish && len(e.replenish) > 0:
		e.replenish = e.replenish[1:]
	}

	if !f.Partial {
		e.removeActive(f)
	}
	e.logger.Debug("Fill booked", "side", string(f.Side), "price", f.Price.String(), "qty", f.Qty.String(), "realized", eff.Realized.String())
}

// removeActive drops the first resting intent the fill completed
func (e *Engine) removeActive(f core.Fill) {
	for i, o := range e.active {
		if o.Side == f.Side && o.Price.Equal(f.Price) && (f.Tag == "" || o.Tag == f.Tag) {
			e.active = append(e.active[:i:i], e.active[i+1:]...)
			return
		}
	}
}

// applyAccount resyncs the ledger when the venue disagrees beyond tolerance
func (e *Engine) applyAccount(a core.AccountSnapshot, now time.Time) bool {
	e.account = &a
	e.awaitingSync = false

	inv := e.metrics.Inventory()
	diff := a.PositionQty.Sub(inv.Qty()).Abs()
	if diff.LessThanOrEqual(decimal.NewFromFloat(e.cfg.Risk.InventoryResyncTolerate)) {
		return false
	}

	before := inv.Qty()
	mark := e.mark
	if !mark.IsPositive() {
		mark = inv.Breakeven()
	}
	inv.Resync(a.PositionQty, mark)
	e.logger.Warn("Inventory resynced from account", "ledger_qty", before.String(), "account_qty", a.PositionQty.String())
	e.record(now, audit.EventRiskTrigger, ReasonInventoryResync, audit.Snapshot{
		Params: map[string]string{
			"ledger_qty":  before.String(),
			"account_qty": a.PositionQty.String(),
		},
	})
	return true
}

// repriceTolerance is how far a resting order may sit from its planned price and still be kept.
// Before ATR is warm it falls back to 5 bps of the mark.
func (e *Engine) repriceTolerance(snap risk.Snapshot) decimal.Decimal {
	if e.cfg.Grid.RepriceATRMult <= 0 {
		return decimal.Zero
	}
	if snap.ATR.IsPositive() {
		return snap.ATR.Mul(decimal.NewFromFloat(e.cfg.Grid.RepriceATRMult))
	}
	return e.mark.Mul(decimal.New(5, -4))
}

func (e *Engine) spacingMult() float64 {
	if e.adopted != nil && e.adopted.SpacingMult > 0 {
		return e.adopted.SpacingMult
	}
	return 1
}

func (e *Engine) publishFast(snap risk.Snapshot) {
	e.board.PublishFast(&FastSnapshot{
		At:             snap.Timestamp,
		Mark:           snap.MarkPrice,
		ATR:            snap.ATR,
		Bounds:         e.bounds,
		State:          e.machine.State(),
		InventoryRatio: snap.InventoryRatio,
		Stage:          e.derisk.Stage(),
		BufferMult:     e.derisk.BufferMult(),
		SpacingMult:    e.spacingMult(),
	})
}

func (e *Engine) recordGauges(snap risk.Snapshot) {
	metrics := telemetry.GetGlobalMetrics()
	metrics.SetInventoryRatio(e.symbol, snap.InventoryRatio)
	pnl, _ := snap.UnrealizedPnL.Float64()
	metrics.SetUnrealizedPnL(e.symbol, pnl)
	qty, _ := snap.InventoryQty.Float64()
	metrics.SetPositionSize(e.symbol, qty)
}

// OnTransition records every applied transition. It runs inside the machine's Evaluate.
func (e *Engine) OnTransition(tr statemachine.Transition, snap risk.Snapshot) {
	t := audit.EventStateChange
	if tr.To == statemachine.EmergencyStop {
		t = audit.EventEmergencyStop
	}
	s := snap
	e.record(tr.At, t, string(tr.Reason), audit.Snapshot{
		FromState: tr.From.String(),
		ToState:   tr.To.String(),
		Risk:      &s,
	})
	if e.notify != nil {
		e.notify.OnTransition(tr, snap)
	}
}

func faultField(f *core.Fault, source bool) string {
	if f == nil {
		return ""
	}
	if source {
		return f.Source
	}
	return f.Reason
}
