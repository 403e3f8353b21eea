// Package store persists the single engine state record and migrates older schemas.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"taoquant_grid/internal/advantage"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/derisk"
	"taoquant_grid/internal/statemachine"
	apperrors "taoquant_grid/pkg/errors"
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion is the version Encode writes
const SchemaVersion = 2

// PersistentState is everything needed to resume a session
type PersistentState struct {
	SchemaVersion int       `json:"schema_version"`
	Version       uint64    `json:"version"`
	SavedAt       time.Time `json:"saved_at"`
	Symbol        string    `json:"symbol"`
	SessionID     string    `json:"session_id"`

	Range     core.RangeBounds   `json:"range"`
	CoreZone  advantage.Zone     `json:"core_zone"`
	State     statemachine.State `json:"state"`
	TrendGate *bool              `json:"trend_gate,omitempty"`

	InventoryQty decimal.Decimal `json:"inventory_qty"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	Breakeven    decimal.Decimal `json:"breakeven"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	Fees         decimal.Decimal `json:"fees"`
	Turnover     decimal.Decimal `json:"turnover"`
	Cycles       int             `json:"cycles"`

	ActiveIntents       []core.OrderIntent `json:"active_intents"`
	RiskBudgetRemaining float64            `json:"risk_budget_remaining"`
	PeakEquity          decimal.Decimal    `json:"peak_equity"`

	DeRiskStage     derisk.Directive       `json:"derisk_stage"`
	DeRiskChangedAt time.Time              `json:"derisk_changed_at"`
	PeakEfficiency  float64                `json:"peak_efficiency"`
	Window          advantage.WindowStatus `json:"window"`
	ReanchorHistory []time.Time            `json:"reanchor_history,omitempty"`
	Pending         *derisk.Pending        `json:"pending,omitempty"`
}

// Store is the persistence collaborator
type Store interface {
	Save(ctx context.Context, state *PersistentState) error
	// Load returns nil without error when nothing was saved yet
	Load(ctx context.Context) (*PersistentState, error)
	Close() error
}

// stateV1 is the first schema: flat range fields, no derisk or window state
type stateV1 struct {
	SchemaVersion       int             `json:"schema_version"`
	SavedAt             time.Time       `json:"saved_at"`
	Symbol              string          `json:"symbol"`
	RangeLow            decimal.Decimal `json:"range_low"`
	RangeHigh           decimal.Decimal `json:"range_high"`
	ZoneLow             decimal.Decimal `json:"zone_low"`
	ZoneHigh            decimal.Decimal `json:"zone_high"`
	State               string          `json:"state"`
	InventoryQty        decimal.Decimal `json:"inventory_qty"`
	CostBasis           decimal.Decimal `json:"cost_basis"`
	RealizedPnL         decimal.Decimal `json:"realized_pnl"`
	RiskBudgetRemaining float64         `json:"risk_budget_remaining"`
}

// Encode serializes at the current schema version
func Encode(s *PersistentState) ([]byte, error) {
	out := *s
	out.SchemaVersion = SchemaVersion
	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// Decode parses any known schema version and migrates it to the current one
func Decode(data []byte) (*PersistentState, error) {
	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w: %v", apperrors.ErrStateCorrupted, err)
	}

	switch probe.SchemaVersion {
	case SchemaVersion:
		var s PersistentState
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w: %v", apperrors.ErrStateCorrupted, err)
		}
		return &s, nil
	case 0, 1:
		var v1 stateV1
		if err := json.Unmarshal(data, &v1); err != nil {
			return nil, fmt.Errorf("failed to unmarshal v1 state: %w: %v", apperrors.ErrStateCorrupted, err)
		}
		return migrateV1(v1)
	default:
		return nil, fmt.Errorf("%w: %d", apperrors.ErrUnsupportedSchema, probe.SchemaVersion)
	}
}

func migrateV1(v1 stateV1) (*PersistentState, error) {
	st, err := statemachine.ParseState(v1.State)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate v1 state: %w: %v", apperrors.ErrStateCorrupted, err)
	}
	s := &PersistentState{
		SchemaVersion:       SchemaVersion,
		SavedAt:             v1.SavedAt,
		Symbol:              v1.Symbol,
		Range:               core.RangeBounds{Low: v1.RangeLow, High: v1.RangeHigh},
		CoreZone:            advantage.Zone{Low: v1.ZoneLow, High: v1.ZoneHigh, LastUpdatedAt: v1.SavedAt},
		State:               st,
		InventoryQty:        v1.InventoryQty,
		CostBasis:           v1.CostBasis,
		RealizedPnL:         v1.RealizedPnL,
		RiskBudgetRemaining: v1.RiskBudgetRemaining,
	}
	if v1.InventoryQty.IsPositive() {
		s.Breakeven = v1.CostBasis.Div(v1.InventoryQty)
	}
	if s.CoreZone.IsZero() || !s.CoreZone.Within(s.Range) {
		s.CoreZone = advantage.FullRange(s.Range, v1.SavedAt)
	}
	return s, nil
}
