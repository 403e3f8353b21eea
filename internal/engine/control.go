package engine

import (
	"context"
	"sync"
	"taoquant_grid/internal/advantage"
	"taoquant_grid/internal/audit"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/grid"
	"taoquant_grid/internal/store"
	"taoquant_grid/pkg/telemetry"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Control tick reason codes
const (
	ReasonControlTick   = "CONTROL_TICK"
	ReasonZoneUpdate    = "ZONE_UPDATE"
	ReasonWindowDecayed = "WINDOW_DECAYED"
	ReasonWindowRevived = "WINDOW_REVIVED"
)

// ControlLoop is the slow clock. It scores the core zone, evaluates the opportunity window
// and recomputes spacing, then publishes a ControlSnapshot the event loop reads.
type ControlLoop struct {
	cfg    *config.Config
	board  *Board
	ledger *audit.Ledger
	logger core.ILogger
	tracer trace.Tracer
	saver  Checkpointer

	mu       sync.Mutex
	tracker  *advantage.Tracker
	window   *advantage.Window
	zone     advantage.Zone
	lastTick time.Time
	seq      uint64

	inbox chan advantage.Observation
}

func NewControlLoop(cfg *config.Config, board *Board, ledger *audit.Ledger, logger core.ILogger) *ControlLoop {
	a := cfg.Advantage
	return &ControlLoop{
		cfg:     cfg,
		board:   board,
		ledger:  ledger,
		logger:  logger.WithField("component", "control_loop"),
		tracer:  telemetry.GetTracer("control-loop"),
		tracker: advantage.NewTracker(a.ZoneWindow, a.WindowLookback, a.ReversionBand),
		window:  advantage.NewWindow(advantage.WindowParamsFromConfig(cfg), time.Time{}),
		inbox:   make(chan advantage.Observation, 1024),
	}
}

// SetCheckpointer makes every counted tick persist through p
func (c *ControlLoop) SetCheckpointer(p Checkpointer) { c.saver = p }

// Observe books an observation directly. Replay calls it on the same goroutine as Tick.
func (c *ControlLoop) Observe(o advantage.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeLocked(o)
}

func (c *ControlLoop) observeLocked(o advantage.Observation) {
	if o.Kind == advantage.ObservedOnsetReset {
		c.window.ResetOnset(o.Time)
		return
	}
	c.tracker.Observe(o)
}

// Inbox returns a sink that hands observations to Run's goroutine
func (c *ControlLoop) Inbox() ObservationSink {
	return ObservationFunc(func(o advantage.Observation) {
		select {
		case c.inbox <- o:
		default:
			c.logger.Warn("Observation inbox full, dropping", "kind", int(o.Kind))
		}
	})
}

// Restore installs a persisted zone and window status
func (c *ControlLoop) Restore(zone advantage.Zone, status advantage.WindowStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zone = zone
	c.window.Restore(status)
}

// RestoreFrom installs the zone and window of a persisted record
func (c *ControlLoop) RestoreFrom(st *store.PersistentState) {
	if st == nil {
		return
	}
	zone := st.CoreZone
	if !zone.IsZero() {
		zone = zone.Clamp(st.Range)
	}
	c.Restore(zone, st.Window)
}

// Zone returns the current core zone
func (c *ControlLoop) Zone() advantage.Zone {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zone
}

// Tick runs one control cycle. Ticks closer together than the control interval, or before the
// event loop has published anything, return the current snapshot and change nothing. A counted
// tick is checkpointed once the snapshot is published.
func (c *ControlLoop) Tick(ctx context.Context, now time.Time) (*ControlSnapshot, bool) {
	snap, ran := c.tick(ctx, now)
	if ran && c.saver != nil {
		if err := c.saver.Checkpoint(ctx, now); err != nil {
			c.logger.Error("Failed to checkpoint control update", "error", err)
		}
	}
	return snap, ran
}

func (c *ControlLoop) tick(ctx context.Context, now time.Time) (*ControlSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fast := c.board.Fast()
	if fast == nil || fast.Bounds.IsZero() {
		return c.board.Control(), false
	}
	if !c.lastTick.IsZero() && now.Sub(c.lastTick) < c.cfg.Control.Interval {
		return c.board.Control(), false
	}

	_, span := c.tracer.Start(ctx, "Tick", trace.WithAttributes(attribute.String("symbol", c.cfg.App.Symbol)))
	defer span.End()

	a := c.cfg.Advantage
	c.tracker.Trim(now)

	before := c.window.Status()
	status := c.window.Evaluate(c.tracker.Signals(now), now)

	bounds := fast.Bounds
	features := c.tracker.Features(bounds, decimal.NewFromFloat(a.BinSize), now)
	candidate := advantage.ScoreZone(bounds, features, advantage.ZoneParams{Coverage: a.Coverage, Weights: a.Weights}, now)
	zone, changed := advantage.Debounce(c.zone, candidate, bounds, a.ChangeThreshold)
	zone = zone.Clamp(bounds)
	c.zone = zone

	c.seq++
	c.lastTick = now
	snap := &ControlSnapshot{
		Seq:     c.seq,
		At:      now,
		Anchor:  fast.Mark,
		Bounds:  bounds,
		Zone:    zone,
		Window:  status,
		Spacing: spacingFor(fast.ATR, c.cfg.Grid, fast.BufferMult, fast.SpacingMult),
	}
	c.board.PublishControl(snap)

	reason := ReasonControlTick
	switch {
	case changed:
		reason = ReasonZoneUpdate
	case status.Decayed && !before.Decayed:
		reason = ReasonWindowDecayed
	case !status.Decayed && before.Decayed:
		reason = ReasonWindowRevived
	}
	if reason != ReasonControlTick {
		c.logger.Info("Control update", "reason", reason, "zone", zone.String(), "decayed", status.Decayed)
	}
	c.record(now, reason, snap)

	metrics := telemetry.GetGlobalMetrics()
	metrics.RecordControlTick(ctx, c.cfg.App.Symbol)
	width, _ := zone.Width().Float64()
	metrics.SetCoreZoneWidth(c.cfg.App.Symbol, width)
	return snap, true
}

func (c *ControlLoop) record(at time.Time, reason string, snap *ControlSnapshot) {
	if c.ledger == nil {
		return
	}
	zone, window, bounds := snap.Zone, snap.Window, snap.Bounds
	_, err := c.ledger.Record(at, audit.EventParamUpdate, reason, audit.Snapshot{
		Symbol:   c.cfg.App.Symbol,
		Range:    &bounds,
		CoreZone: &zone,
		Window:   &window,
		Params: map[string]string{
			"core_step":   snap.Spacing.Core.String(),
			"buffer_step": snap.Spacing.Buffer.String(),
		},
	})
	if err != nil {
		c.logger.Error("Failed to record control update", "error", err)
	}
}

// Run ticks on the control interval and drains the observation inbox until ctx is done
func (c *ControlLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Control.Interval)
	defer ticker.Stop()

	c.logger.Info("Control loop started", "interval", c.cfg.Control.Interval.String())
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Control loop stopped")
			return nil
		case o := <-c.inbox:
			c.Observe(o)
		case now := <-ticker.C:
			c.Tick(ctx, now.UTC())
		}
	}
}

// spacingFor is the spacing both loops derive from the same inputs
func spacingFor(atr decimal.Decimal, cfg config.GridConfig, bufferMult, spacingMult float64) grid.Spacing {
	s := grid.ComputeSpacing(atr, cfg)
	if bufferMult > 0 && bufferMult != 1 {
		s = s.WidenBuffer(bufferMult)
	}
	if spacingMult > 0 && spacingMult != 1 {
		s = s.Scale(spacingMult)
	}
	return s
}
