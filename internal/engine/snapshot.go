package engine

import (
	"sync/atomic"
	"taoquant_grid/internal/advantage"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/derisk"
	"taoquant_grid/internal/grid"
	"taoquant_grid/internal/statemachine"
	"time"

	"github.com/shopspring/decimal"
)

// FastSnapshot is what the event loop publishes for the control loop after every cycle.
// It is never mutated after publication.
type FastSnapshot struct {
	At             time.Time
	Mark           decimal.Decimal
	ATR            decimal.Decimal
	Bounds         core.RangeBounds
	State          statemachine.State
	InventoryRatio float64
	Stage          derisk.Directive
	BufferMult     float64
	SpacingMult    float64
}

// ControlSnapshot is what the control loop publishes for the event loop after every counted tick.
// It is never mutated after publication.
type ControlSnapshot struct {
	Seq     uint64
	At      time.Time
	Bounds  core.RangeBounds
	Zone    advantage.Zone
	Window  advantage.WindowStatus
	Spacing grid.Spacing

	// Anchor is the mark the tick saw. Grid levels sit on a lattice through it until the next tick.
	Anchor decimal.Decimal
}

// Slow returns the slow de-risk inputs carried by the snapshot
func (c *ControlSnapshot) Slow() derisk.SlowSignals {
	if c == nil {
		return derisk.SlowSignals{}
	}
	return derisk.SlowSignals{
		Decayed:        c.Window.Decayed,
		BreakevenSlope: c.Window.BreakevenSlope,
		OnsetAt:        c.Window.OnsetAt,
	}
}

// Board holds the two published snapshots shared by the loops
type Board struct {
	fast    atomic.Pointer[FastSnapshot]
	control atomic.Pointer[ControlSnapshot]
}

func NewBoard() *Board { return &Board{} }

func (b *Board) Fast() *FastSnapshot               { return b.fast.Load() }
func (b *Board) Control() *ControlSnapshot         { return b.control.Load() }
func (b *Board) PublishFast(s *FastSnapshot)       { b.fast.Store(s) }
func (b *Board) PublishControl(s *ControlSnapshot) { b.control.Store(s) }
