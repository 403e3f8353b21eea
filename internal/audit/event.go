// Package audit records every structural decision as an append-only JSONL log that replays
// byte for byte.
package audit

import (
	"taoquant_grid/internal/advantage"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/risk"
	"time"
)

// EventType classifies an audit record
type EventType string

const (
	EventStateChange      EventType = "STATE_CHANGE"
	EventEmergencyStop    EventType = "EMERGENCY_STOP"
	EventRiskTrigger      EventType = "RISK_TRIGGER"
	EventOrderBlocked     EventType = "ORDER_BLOCKED"
	EventParamUpdate      EventType = "PARAM_UPDATE"
	EventReanchorRequest  EventType = "REANCHOR_REQUEST"
	EventReanchorRejected EventType = "REANCHOR_REJECTED"
	EventForcedExit       EventType = "FORCED_EXIT"
)

// ReasonSessionStart opens every session log
const ReasonSessionStart = "SESSION_START"

// Snapshot is the decision context attached to a record. Only the parts relevant to the
// record are set.
type Snapshot struct {
	SessionID  string `json:"session_id"`
	ConfigHash string `json:"config_hash"`
	Symbol     string `json:"symbol,omitempty"`
	State      string `json:"state,omitempty"`
	FromState  string `json:"from_state,omitempty"`
	ToState    string `json:"to_state,omitempty"`

	Risk     *risk.Snapshot          `json:"risk,omitempty"`
	Range    *core.RangeBounds       `json:"range,omitempty"`
	NewRange *core.RangeBounds       `json:"new_range,omitempty"`
	CoreZone *advantage.Zone         `json:"core_zone,omitempty"`
	Window   *advantage.WindowStatus `json:"window,omitempty"`

	Directive string             `json:"directive,omitempty"`
	Triggers  []string           `json:"triggers,omitempty"`
	Params    map[string]string  `json:"params,omitempty"`
	Intents   []core.OrderIntent `json:"intents,omitempty"`
}

// Event is one audit record
type Event struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       EventType `json:"type"`
	ReasonCode string    `json:"reason_code"`
	Snapshot   Snapshot  `json:"snapshot"`
}

// StateChange is one transition reconstructed from a log
type StateChange struct {
	At     time.Time
	From   string
	To     string
	Reason string
}

// StateHistory extracts the transitions in log order
func StateHistory(events []Event) []StateChange {
	var out []StateChange
	for _, ev := range events {
		if ev.Type != EventStateChange && ev.Type != EventEmergencyStop {
			continue
		}
		out = append(out, StateChange{At: ev.Timestamp, From: ev.Snapshot.FromState, To: ev.Snapshot.ToState, Reason: ev.ReasonCode})
	}
	return out
}

// Filter returns the events of one type
func Filter(events []Event, t EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
