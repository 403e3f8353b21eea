package backtest

import (
	"context"
	"fmt"
	"taoquant_grid/internal/advantage"
	"taoquant_grid/internal/audit"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/engine"
	"taoquant_grid/internal/statemachine"
	"taoquant_grid/internal/store"

	"github.com/shopspring/decimal"
)

// TickRecord is one counted control tick of a replay
type TickRecord struct {
	Seq    uint64
	Zone   advantage.Zone
	Bounds core.RangeBounds
}

// Result summarizes a replay
type Result struct {
	Bars         int
	Fills        int
	Ticks        []TickRecord
	FinalState   statemachine.State
	InventoryQty decimal.Decimal
	RealizedPnL  decimal.Decimal
	Equity       decimal.Decimal
	StuckCancels int
}

// Driver runs the event loop and the control loop on one goroutine in bar time, so a replay
// of the same bars and config is fully deterministic.
type Driver struct {
	cfg     *config.Config
	engine  *engine.Engine
	control *engine.ControlLoop
	broker  *SimBroker
	logger  core.ILogger

	// AccountEvery sends a simulated account snapshot every n bars; zero disables it
	AccountEvery int
}

// NewDriver wires a fresh engine, control loop and broker around the ledger. The store may be nil.
func NewDriver(cfg *config.Config, ledger *audit.Ledger, st store.Store, logger core.ILogger) (*Driver, error) {
	board := engine.NewBoard()
	control := engine.NewControlLoop(cfg, board, ledger, logger)
	broker := NewSimBroker(cfg)

	e, err := engine.New(cfg, engine.Options{
		Sink:         broker,
		Store:        st,
		Ledger:       ledger,
		Observations: control,
		Board:        board,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	control.SetCheckpointer(e)
	return &Driver{
		cfg:     cfg,
		engine:  e,
		control: control,
		broker:  broker,
		logger:  logger.WithField("component", "replay"),
	}, nil
}

// Engine exposes the replayed engine
func (d *Driver) Engine() *engine.Engine { return d.engine }

// Broker exposes the simulated broker
func (d *Driver) Broker() *SimBroker { return d.broker }

// Run replays bars in order. Each bar first fills resting orders, then closes into the engine,
// then gives the control loop its chance to tick.
func (d *Driver) Run(ctx context.Context, bars []core.Bar) (Result, error) {
	var res Result
	if len(bars) == 0 {
		return res, fmt.Errorf("replay: no bars")
	}

	d.engine.Start(bars[0].Time)
	for i, bar := range bars {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if i > 0 && !bar.Time.After(bars[i-1].Time) {
			return res, fmt.Errorf("replay: bar %d at %s is not after the previous bar", i, bar.Time)
		}

		for _, f := range d.broker.Match(bar) {
			if err := d.engine.HandleEvent(ctx, core.FillEvent(f)); err != nil {
				return res, fmt.Errorf("replay: fill at bar %d: %w", i, err)
			}
			res.Fills++
		}
		if err := d.engine.HandleEvent(ctx, core.BarEvent(bar)); err != nil {
			return res, fmt.Errorf("replay: bar %d: %w", i, err)
		}
		if d.AccountEvery > 0 && (i+1)%d.AccountEvery == 0 {
			if err := d.engine.HandleEvent(ctx, core.AccountEvent(d.broker.Account(bar))); err != nil {
				return res, fmt.Errorf("replay: account at bar %d: %w", i, err)
			}
		}

		if snap, ran := d.control.Tick(ctx, bar.Time); ran {
			res.Ticks = append(res.Ticks, TickRecord{Seq: snap.Seq, Zone: snap.Zone, Bounds: snap.Bounds})
		}
		res.Bars++
	}

	res.FinalState = d.engine.State()
	res.StuckCancels = d.broker.Stuck()
	if snap, ok := d.engine.LastSnapshot(); ok {
		res.InventoryQty = snap.InventoryQty
		res.RealizedPnL = snap.RealizedPnL
		res.Equity = snap.Equity
	}
	d.logger.Info("Replay finished", "bars", res.Bars, "fills", res.Fills, "ticks", len(res.Ticks),
		"state", res.FinalState.String(), "realized", res.RealizedPnL.String(), "stuck_cancels", res.StuckCancels)
	return res, nil
}
