// Package statemachine implements the four-state risk posture and its permission matrix
package statemachine

import (
	"fmt"
)

// State is the closed set of risk postures
type State int

const (
	Normal State = iota
	Defensive
	DamageControl
	EmergencyStop
)

func (s State) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case Defensive:
		return "DEFENSIVE"
	case DamageControl:
		return "DAMAGE_CONTROL"
	case EmergencyStop:
		return "EMERGENCY_STOP"
	default:
		return "UNKNOWN"
	}
}

// ParseState is the inverse of String
func ParseState(s string) (State, error) {
	switch s {
	case "NORMAL":
		return Normal, nil
	case "DEFENSIVE":
		return Defensive, nil
	case "DAMAGE_CONTROL":
		return DamageControl, nil
	case "EMERGENCY_STOP":
		return EmergencyStop, nil
	default:
		return Normal, fmt.Errorf("unknown strategy state %q", s)
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ReasonCode labels the cause of a transition or a rejected request
type ReasonCode string

const (
	ReasonPriceOutOfRange     ReasonCode = "PRICE_OUT_OF_RANGE"
	ReasonInventoryWarn       ReasonCode = "INVENTORY_WARN"
	ReasonVolatilitySpike     ReasonCode = "VOLATILITY_SPIKE"
	ReasonInventoryStop       ReasonCode = "INVENTORY_STOP"
	ReasonInventoryDamage     ReasonCode = "INVENTORY_DAMAGE"
	ReasonStructuralBreak     ReasonCode = "STRUCTURAL_BREAK"
	ReasonRiskBudgetDrawdown  ReasonCode = "RISK_BUDGET_DRAWDOWN"
	ReasonRiskBudgetMargin    ReasonCode = "RISK_BUDGET_MARGIN"
	ReasonLiquidityGap        ReasonCode = "LIQUIDITY_GAP"
	ReasonLiquidationDistance ReasonCode = "LIQUIDATION_DISTANCE"
	ReasonExchangeFault       ReasonCode = "EXCHANGE_FAULT"
	ReasonFeedStalled         ReasonCode = "FEED_STALLED"
	ReasonRecovered           ReasonCode = "RECOVERED"
	ReasonOperatorRestart     ReasonCode = "OPERATOR_RESTART"
)

// SellMode is how sells are laid out in a state
type SellMode int

const (
	SellGrid SellMode = iota
	SellStaged
	SellUnwind
)

// ReduceOnlyPolicy is how strongly sells must be reduce-only
type ReduceOnlyPolicy int

const (
	ReduceOnlyOptional ReduceOnlyPolicy = iota
	ReduceOnlyRecommended
	ReduceOnlyForced
)

// Permissions is one row of the permission matrix
type Permissions struct {
	NewBuy       bool
	ReplenishBuy bool
	Sell         SellMode
	ReduceOnly   ReduceOnlyPolicy
	Reanchor     bool
}

var permissionMatrix = map[State]Permissions{
	Normal:        {NewBuy: true, ReplenishBuy: true, Sell: SellGrid, ReduceOnly: ReduceOnlyOptional, Reanchor: true},
	Defensive:     {Sell: SellGrid, ReduceOnly: ReduceOnlyRecommended},
	DamageControl: {Sell: SellStaged, ReduceOnly: ReduceOnlyForced},
	EmergencyStop: {Sell: SellUnwind, ReduceOnly: ReduceOnlyForced},
}

// PermissionsFor returns the matrix row for a state. Unknown states get the EMERGENCY_STOP row.
func PermissionsFor(s State) Permissions {
	if p, ok := permissionMatrix[s]; ok {
		return p
	}
	return permissionMatrix[EmergencyStop]
}

var allowedTransitions = map[State]map[State]bool{
	Normal:        {Defensive: true, DamageControl: true, EmergencyStop: true},
	Defensive:     {DamageControl: true, Normal: true, EmergencyStop: true},
	DamageControl: {Normal: true, EmergencyStop: true},
	EmergencyStop: {},
}

// Allowed reports whether from -> to is in the transition table.
// EMERGENCY_STOP -> DEFENSIVE is reachable only through Machine.Restart.
func Allowed(from, to State) bool {
	return allowedTransitions[from][to]
}
