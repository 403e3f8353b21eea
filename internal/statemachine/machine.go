package statemachine

import (
	"context"
	"fmt"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/risk"
	apperrors "taoquant_grid/pkg/errors"
	"taoquant_grid/pkg/telemetry"
	"time"
)

// Faults are the hard signals that bypass the metric driven triggers
type Faults struct {
	ExchangeFault bool
	FeedStalled   bool
	// RecoveryBlocked holds the current state while a post-resume account sync is pending
	RecoveryBlocked bool
}

// Thresholds are the configured trigger levels
type Thresholds struct {
	Warn                 float64
	Damage               float64
	Stop                 float64
	Recovery             float64
	LiqDistanceThreshold float64
	MinStateHold         time.Duration
}

// ThresholdsFromConfig extracts the trigger levels
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		Warn:                 cfg.Inventory.Warn,
		Damage:               cfg.Inventory.Damage,
		Stop:                 cfg.Inventory.Stop,
		Recovery:             cfg.Inventory.Recovery,
		LiqDistanceThreshold: cfg.Risk.LiqDistanceThreshold,
		MinStateHold:         cfg.Risk.MinStateHold,
	}
}

// Next is the single transition function. The first satisfied trigger wins.
// It returns the current state and an empty reason when nothing fires.
func Next(current State, snap risk.Snapshot, faults Faults, th Thresholds) (State, ReasonCode) {
	if current != EmergencyStop {
		switch {
		case faults.ExchangeFault:
			return EmergencyStop, ReasonExchangeFault
		case faults.FeedStalled:
			return EmergencyStop, ReasonFeedStalled
		case snap.LiquidityGap:
			return EmergencyStop, ReasonLiquidityGap
		case snap.LiquidationDistance != nil && *snap.LiquidationDistance < th.LiqDistanceThreshold:
			return EmergencyStop, ReasonLiquidationDistance
		}
	}

	switch current {
	case EmergencyStop:
		return EmergencyStop, ""

	case Normal:
		// the only sanctioned skip of DEFENSIVE: the hard stop never waits a cycle
		if snap.InventoryRatio >= th.Stop {
			return DamageControl, ReasonInventoryStop
		}
		switch {
		case snap.PriceOutOfRange:
			return Defensive, ReasonPriceOutOfRange
		case snap.InventoryRatio >= th.Warn:
			return Defensive, ReasonInventoryWarn
		case snap.VolatilitySpike:
			return Defensive, ReasonVolatilitySpike
		}
		return Normal, ""

	case Defensive:
		switch {
		case snap.InventoryRatio >= th.Damage:
			return DamageControl, ReasonInventoryDamage
		case snap.StructuralBreak:
			return DamageControl, ReasonStructuralBreak
		case snap.DrawdownBreached:
			return DamageControl, ReasonRiskBudgetDrawdown
		case snap.MarginCapBreached:
			return DamageControl, ReasonRiskBudgetMargin
		}
	}

	if !faults.RecoveryBlocked && recovered(snap, th) {
		return Normal, ReasonRecovered
	}
	return current, ""
}

func recovered(snap risk.Snapshot, th Thresholds) bool {
	return !snap.PriceOutOfRange &&
		snap.InventoryRatio <= th.Recovery &&
		!snap.StructuralBreak &&
		!snap.VolatilitySpike
}

// Transition is one applied state change
type Transition struct {
	From   State
	To     State
	Reason ReasonCode
	At     time.Time
}

// TransitionObserver is notified of every applied transition, in order, on the caller's goroutine
type TransitionObserver interface {
	OnTransition(tr Transition, snap risk.Snapshot)
}

// Machine owns the strategy state. Nothing else assigns it.
type Machine struct {
	th        Thresholds
	symbol    string
	logger    core.ILogger
	observer  TransitionObserver
	state     State
	enteredAt time.Time
}

func NewMachine(cfg *config.Config, logger core.ILogger, observer TransitionObserver) *Machine {
	return &Machine{
		th:       ThresholdsFromConfig(cfg),
		symbol:   cfg.App.Symbol,
		logger:   logger.WithField("component", "state_machine"),
		observer: observer,
		state:    Normal,
	}
}

// State returns the current state
func (m *Machine) State() State { return m.state }

// EnteredAt returns when the current state was entered
func (m *Machine) EnteredAt() time.Time { return m.enteredAt }

// Permissions returns the permission row of the current state
func (m *Machine) Permissions() Permissions { return PermissionsFor(m.state) }

// Resume installs a persisted state at startup. A running session starts DEFENSIVE
// unless it had stopped, in which case it stays stopped.
func (m *Machine) Resume(persisted State, at time.Time) {
	m.state = Defensive
	if persisted == EmergencyStop {
		m.state = EmergencyStop
	}
	m.enteredAt = at
	telemetry.GetGlobalMetrics().SetStrategyState(m.symbol, int64(m.state))
}

// Evaluate applies Next to the snapshot. Recovery to NORMAL additionally
// requires the current state to have been held for the minimum hold time.
func (m *Machine) Evaluate(snap risk.Snapshot, faults Faults) (Transition, bool, error) {
	if m.enteredAt.IsZero() {
		m.enteredAt = snap.Timestamp
	}
	if snap.Timestamp.Sub(m.enteredAt) < m.th.MinStateHold {
		faults.RecoveryBlocked = true
	}

	to, reason := Next(m.state, snap, faults, m.th)
	if to == m.state {
		return Transition{}, false, nil
	}
	return m.apply(to, reason, snap)
}

// Restart is the explicit operator exit from EMERGENCY_STOP. The caller has already
// validated the fresh range; the session resumes conservatively in DEFENSIVE.
func (m *Machine) Restart(bounds core.RangeBounds, snap risk.Snapshot) (Transition, error) {
	if m.state != EmergencyStop {
		return Transition{}, &apperrors.StructuralRejection{
			Op:     "restart",
			Reason: fmt.Sprintf("state is %s, not EMERGENCY_STOP", m.state),
			Cause:  apperrors.ErrInvalidTransition,
		}
	}
	m.logger.Warn("Operator restart", "range", bounds.String())
	m.state = Defensive
	m.enteredAt = snap.Timestamp
	tr := Transition{From: EmergencyStop, To: Defensive, Reason: ReasonOperatorRestart, At: snap.Timestamp}
	m.notify(tr, snap)
	return tr, nil
}

func (m *Machine) apply(to State, reason ReasonCode, snap risk.Snapshot) (Transition, bool, error) {
	if !Allowed(m.state, to) {
		return Transition{}, false, &apperrors.StructuralRejection{
			Op:     "transition",
			Reason: fmt.Sprintf("%s -> %s is not an allowed transition", m.state, to),
			Cause:  apperrors.ErrInvalidTransition,
		}
	}

	tr := Transition{From: m.state, To: to, Reason: reason, At: snap.Timestamp}
	m.state = to
	m.enteredAt = snap.Timestamp

	fields := []interface{}{"from", tr.From.String(), "to", tr.To.String(), "reason", string(reason), "inventory_ratio", snap.InventoryRatio}
	if to == EmergencyStop {
		m.logger.Error("Emergency stop", fields...)
	} else {
		m.logger.Warn("State transition", fields...)
	}
	m.notify(tr, snap)
	return tr, true, nil
}

func (m *Machine) notify(tr Transition, snap risk.Snapshot) {
	metrics := telemetry.GetGlobalMetrics()
	metrics.SetStrategyState(m.symbol, int64(tr.To))
	metrics.RecordTransition(context.Background(), m.symbol, tr.From.String(), tr.To.String(), string(tr.Reason))
	if m.observer != nil {
		m.observer.OnTransition(tr, snap)
	}
}
