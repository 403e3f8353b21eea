package engine

import (
	"context"
	"fmt"
	"taoquant_grid/internal/audit"
	"taoquant_grid/internal/derisk"
	"taoquant_grid/internal/risk"
	"taoquant_grid/internal/store"
	"time"

	"github.com/shopspring/decimal"
)

// record writes one audit record with the engine's symbol and state filled in
func (e *Engine) record(at time.Time, t audit.EventType, reason string, snap audit.Snapshot) {
	if e.ledger == nil {
		return
	}
	snap.Symbol = e.symbol
	if snap.State == "" {
		snap.State = e.machine.State().String()
	}
	if _, err := e.ledger.Record(at, t, reason, snap); err != nil {
		e.logger.Error("Failed to record audit event", "type", string(t), "reason", reason, "error", err)
	}
}

// recordStep audits a ladder move. Entering harvest is a forced exit.
func (e *Engine) recordStep(step derisk.Step, snap risk.Snapshot) {
	t := audit.EventParamUpdate
	if step.To == derisk.DirectiveHarvestToExit {
		t = audit.EventForcedExit
	}
	triggers := make([]string, len(step.Triggers))
	for i, tr := range step.Triggers {
		triggers[i] = string(tr)
	}
	s := snap
	e.record(step.At, t, step.Reason, audit.Snapshot{
		Risk:      &s,
		Directive: step.To.String(),
		Triggers:  triggers,
		Params: map[string]string{
			"from_directive": step.From.String(),
			"window_mult":    fmt.Sprintf("%g", e.derisk.WindowMult()),
			"buffer_mult":    fmt.Sprintf("%g", e.derisk.BufferMult()),
		},
	})
}

// snapshotState builds the persisted record of the current engine state
func (e *Engine) snapshotState(now time.Time) *store.PersistentState {
	inv := e.metrics.Inventory()
	ledger := inv.State()
	status := e.derisk.Status()

	st := &store.PersistentState{
		SchemaVersion:   store.SchemaVersion,
		Version:         e.version,
		SavedAt:         now,
		Symbol:          e.symbol,
		Range:           e.bounds,
		State:           e.machine.State(),
		InventoryQty:    ledger.Qty,
		CostBasis:       ledger.CostBasis,
		Breakeven:       inv.Breakeven(),
		RealizedPnL:     ledger.Realized,
		Fees:            ledger.Fees,
		Turnover:        ledger.Turnover,
		Cycles:          ledger.Cycles,
		ActiveIntents:   append(e.active[:0:0], e.active...),
		PeakEquity:      e.metrics.Budget().Peak(),
		DeRiskStage:     status.Stage,
		DeRiskChangedAt: status.ChangedAt,
		PeakEfficiency:  status.PeakEfficiency,
		ReanchorHistory: e.guard.History(),
	}
	if e.ledger != nil {
		st.SessionID = e.ledger.SessionID()
	}
	gateOpen := e.gate.TrendGate()
	st.TrendGate = &gateOpen
	if e.prev != nil {
		st.RiskBudgetRemaining = e.prev.RiskBudgetRemaining
	}
	if ctrl := e.board.Control(); ctrl != nil {
		st.CoreZone = ctrl.Zone
		st.Window = ctrl.Window
	}
	if e.pending != nil {
		p := *e.pending
		st.Pending = &p
	}
	return st
}

func (e *Engine) persist(ctx context.Context, now time.Time) error {
	if e.store == nil {
		return nil
	}
	e.version++
	if err := e.store.Save(ctx, e.snapshotState(now)); err != nil {
		return fmt.Errorf("save state v%d: %w", e.version, err)
	}
	return nil
}

// Checkpoint saves the current record, including the latest control snapshot. The control loop
// calls it after every counted tick.
func (e *Engine) Checkpoint(ctx context.Context, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persist(ctx, now)
}

// persistQuiet persists outside an event cycle and reports the error to the caller
func (e *Engine) persistQuiet(now time.Time) error {
	if err := e.persist(context.Background(), now); err != nil {
		e.logger.Error("Failed to persist state", "error", err)
		return err
	}
	return nil
}

// Resume restores the last persisted record. The session comes back DEFENSIVE, or stays in
// EMERGENCY_STOP, and cannot recover to NORMAL before a fresh account snapshot arrives.
// It returns nil when there is nothing to resume; the caller restores the control loop from
// the returned record.
func (e *Engine) Resume(ctx context.Context, now time.Time) (*store.PersistentState, error) {
	if e.store == nil {
		return nil, nil
	}
	st, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	if st == nil {
		e.logger.Info("No persisted state found, starting fresh")
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.gate.Validate(st.Range, decimal.Zero); err != nil {
		return nil, fmt.Errorf("resume: persisted range: %w", err)
	}

	e.metrics.Inventory().Restore(risk.LedgerState{
		Qty:       st.InventoryQty,
		CostBasis: st.CostBasis,
		Realized:  st.RealizedPnL,
		Fees:      st.Fees,
		Turnover:  st.Turnover,
		Cycles:    st.Cycles,
	})
	e.metrics.Budget().Restore(st.PeakEquity)
	e.derisk.Restore(derisk.Status{Stage: st.DeRiskStage, ChangedAt: st.DeRiskChangedAt, PeakEfficiency: st.PeakEfficiency})
	e.guard.Restore(st.ReanchorHistory)
	e.bounds = st.Range
	if st.TrendGate != nil {
		e.gate = e.gate.WithTrendGate(*st.TrendGate)
		e.verdict.BuysAllowed = *st.TrendGate
	}
	e.active = append(e.active[:0:0], st.ActiveIntents...)
	e.version = st.Version
	if st.Pending != nil {
		p := *st.Pending
		e.pending = &p
	}
	if !st.CoreZone.IsZero() {
		e.board.PublishControl(&ControlSnapshot{
			At:     st.SavedAt,
			Bounds: st.Range,
			Zone:   st.CoreZone.Clamp(st.Range),
			Window: st.Window,
		})
	}

	e.machine.Resume(st.State, now)
	e.awaitingSync = true
	e.logger.Info("State restored", "version", st.Version, "state", e.machine.State().String(),
		"persisted_state", st.State.String(), "inventory", st.InventoryQty.String())

	bounds := st.Range
	e.record(now, audit.EventStateChange, "RESUME", audit.Snapshot{
		FromState: st.State.String(),
		ToState:   e.machine.State().String(),
		Range:     &bounds,
	})
	return st, nil
}
