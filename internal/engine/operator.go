package engine

import (
	"fmt"
	"taoquant_grid/internal/audit"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/derisk"
	"taoquant_grid/internal/risk"
	"time"

	"github.com/shopspring/decimal"
)

// UpdateRange installs a new operator range and bias. The range must pass the gate with the
// current mark inside it. Installing the range of an accepted re-anchor adopts its parameters.
func (e *Engine) UpdateRange(bounds core.RangeBounds, bias float64, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.gate.Validate(bounds, e.mark); err != nil {
		return fmt.Errorf("update range: %w", err)
	}
	verdict, err := e.gate.Permits(bias)
	if err != nil {
		return fmt.Errorf("update range: %w", err)
	}

	old := e.bounds
	e.bounds = bounds
	e.verdict = verdict
	e.metrics.ResetStructure()

	reason := ReasonRangeUpdate
	e.adopted = nil
	if e.pending != nil && e.pending.NewRange.Low.Equal(bounds.Low) && e.pending.NewRange.High.Equal(bounds.High) {
		e.adopted = e.pending
		e.pending = nil
		reason = ReasonPendingAdopted
	}

	e.logger.Info("Range updated", "from", old.String(), "to", bounds.String(), "bias", bias, "reason", reason)
	params := map[string]string{"bias": fmt.Sprintf("%g", bias)}
	if e.adopted != nil {
		params["spacing_mult"] = fmt.Sprintf("%g", e.adopted.SpacingMult)
		params["inventory_ceiling_mult"] = fmt.Sprintf("%g", e.adopted.InventoryCeilingMult)
		params["reduce_only_bias"] = fmt.Sprintf("%t", e.adopted.ReduceOnlyBias)
	}
	e.record(now, audit.EventParamUpdate, reason, audit.Snapshot{Range: &old, NewRange: &bounds, Params: params})
	return e.persistQuiet(now)
}

// SetTrendGate opens or closes the operator trend gate. A closed gate keeps risk-increasing buys
// off the book from the next cycle on; the bias stays as last installed.
func (e *Engine) SetTrendGate(open bool, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gate.TrendGate() == open {
		return nil
	}
	g := e.gate.WithTrendGate(open)
	verdict, err := g.Permits(e.verdict.Bias)
	if err != nil {
		return fmt.Errorf("trend gate: %w", err)
	}
	e.gate = g
	e.verdict = verdict

	e.logger.Info("Trend gate updated", "open", open)
	e.record(now, audit.EventParamUpdate, ReasonTrendGate, audit.Snapshot{
		Params: map[string]string{"trend_gate": fmt.Sprintf("%t", open)},
	})
	return e.persistQuiet(now)
}

// RequestReanchor runs a proposed range through the gate and the re-anchor guard. An accepted
// request is held as pending; the outer range changes only through UpdateRange.
func (e *Engine) RequestReanchor(proposed core.RangeBounds, now time.Time) (derisk.Pending, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ratio := 0.0
	var snapPtr *risk.Snapshot
	if e.prev != nil {
		s := *e.prev
		ratio = s.InventoryRatio
		snapPtr = &s
	}

	if err := e.gate.Validate(proposed, decimal.Zero); err != nil {
		e.record(now, audit.EventReanchorRejected, "RANGE_INVALID", audit.Snapshot{Risk: snapPtr, NewRange: &proposed})
		return derisk.Pending{}, fmt.Errorf("reanchor: %w", err)
	}

	pending, err := e.guard.Request(derisk.Request{
		Proposed:       proposed,
		InventoryRatio: ratio,
		State:          e.machine.State(),
		Time:           now,
	})
	if err != nil {
		code := derisk.RejectionCode(err)
		e.logger.Warn("Re-anchor rejected", "reason", code, "inventory_ratio", ratio)
		e.record(now, audit.EventReanchorRejected, code, audit.Snapshot{Risk: snapPtr, NewRange: &proposed})
		return derisk.Pending{}, err
	}

	e.pending = &pending
	newRange := pending.NewRange
	e.logger.Info("Re-anchor accepted", "proposed", proposed.String(), "new_range", newRange.String())
	e.record(now, audit.EventReanchorRequest, "REANCHOR_ACCEPTED", audit.Snapshot{
		Risk:     snapPtr,
		NewRange: &newRange,
		Params: map[string]string{
			"spacing_mult":           fmt.Sprintf("%g", pending.SpacingMult),
			"inventory_ceiling_mult": fmt.Sprintf("%g", pending.InventoryCeilingMult),
			"reduce_only_bias":       fmt.Sprintf("%t", pending.ReduceOnlyBias),
		},
	})
	if err := e.persistQuiet(now); err != nil {
		return pending, err
	}
	return pending, nil
}

// Restart is the operator exit from EMERGENCY_STOP onto a freshly validated range
func (e *Engine) Restart(bounds core.RangeBounds, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.gate.Validate(bounds, e.mark); err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	snap := risk.Snapshot{Timestamp: now, MarkPrice: e.mark}
	if e.prev != nil {
		snap = *e.prev
		snap.Timestamp = now
	}
	if _, err := e.machine.Restart(bounds, snap); err != nil {
		return err
	}

	e.bounds = bounds
	e.exchangeFault = false
	e.feedStalled = false
	e.metrics.ResetStructure()
	return e.persistQuiet(now)
}
