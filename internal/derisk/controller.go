// Package derisk detects an exhausted edge and walks the de-risk directive ladder, and guards
// operator re-anchor requests.
package derisk

import (
	"fmt"
	"strings"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/risk"
	"taoquant_grid/pkg/tradingutils"
	"time"

	"github.com/shopspring/decimal"
)

// Directive is a rung of the de-risk ladder. Each rung includes the ones below it.
type Directive int

const (
	DirectiveNone Directive = iota
	DirectiveDisableSkew
	DirectiveShrinkWindow
	DirectiveWidenBuffer
	DirectiveHarvestToExit
)

func (d Directive) String() string {
	switch d {
	case DirectiveNone:
		return "NONE"
	case DirectiveDisableSkew:
		return "DISABLE_SKEW"
	case DirectiveShrinkWindow:
		return "SHRINK_WINDOW"
	case DirectiveWidenBuffer:
		return "WIDEN_BUFFER"
	case DirectiveHarvestToExit:
		return "HARVEST_TO_EXIT"
	default:
		return fmt.Sprintf("DIRECTIVE(%d)", int(d))
	}
}

// Trigger names one exhaustion condition
type Trigger string

const (
	TriggerHouseMoney         Trigger = "HOUSE_MONEY"
	TriggerEfficiencyDrop     Trigger = "EFFICIENCY_DROP"
	TriggerOpportunityDecayed Trigger = "OPPORTUNITY_DECAYED"
	TriggerBreakevenFlat      Trigger = "BREAKEVEN_FLAT"
	TriggerOpportunityTimeout Trigger = "OPPORTUNITY_TIMEOUT"
)

// Reason codes of ladder steps
const (
	ReasonEscalated       = "DERISK_ESCALATED"
	ReasonCleared         = "DERISK_CLEARED"
	ReasonHarvestComplete = "HARVEST_COMPLETE"
)

// SlowSignals are the control loop outputs the slow triggers read
type SlowSignals struct {
	Decayed        bool
	BreakevenSlope float64
	OnsetAt        time.Time
}

// Input is one fast-clock evaluation
type Input struct {
	Snapshot   risk.Snapshot
	Bounds     core.RangeBounds
	Efficiency float64
	Cycles     int
	Slow       SlowSignals
}

// Step is an applied ladder move, to be audited
type Step struct {
	From     Directive `json:"from"`
	To       Directive `json:"to"`
	Reason   string    `json:"reason"`
	Triggers []Trigger `json:"triggers,omitempty"`
	At       time.Time `json:"at"`
}

// Status is the persisted controller state
type Status struct {
	Stage          Directive `json:"stage"`
	ChangedAt      time.Time `json:"changed_at"`
	PeakEfficiency float64   `json:"peak_efficiency"`
}

// Controller owns the directive ladder. It is driven by the event loop only.
type Controller struct {
	cfg           config.DeRiskConfig
	initialEquity decimal.Decimal
	gapMult       decimal.Decimal
	cost          tradingutils.CostModel
	flatQty       decimal.Decimal
	logger        core.ILogger

	status   Status
	lastSeen time.Time
}

func NewController(cfg *config.Config, cost tradingutils.CostModel, logger core.ILogger) *Controller {
	return &Controller{
		cfg:           cfg.DeRisk,
		initialEquity: decimal.NewFromFloat(cfg.Risk.InitialEquity),
		gapMult:       decimal.NewFromFloat(cfg.Volatility.GapATRMult),
		cost:          cost,
		flatQty:       decimal.New(1, -int32(cfg.Grid.QtyDecimals)),
		logger:        logger.WithField("component", "derisk"),
	}
}

// Status returns the ladder state
func (c *Controller) Status() Status { return c.status }

// Stage returns the current directive
func (c *Controller) Stage() Directive { return c.status.Stage }

// Restore installs persisted state
func (c *Controller) Restore(s Status) { c.status = s }

// triggers evaluates every exhaustion condition against the input
func (c *Controller) triggers(in Input) []Trigger {
	var out []Trigger
	if HouseMoney(in.Snapshot, in.Bounds, c.gapMult, c.cost, c.initialEquity.Mul(decimal.NewFromFloat(c.cfg.HouseMoneyMinProfitPct))) {
		out = append(out, TriggerHouseMoney)
	}
	if c.efficiencyDropped(in) {
		out = append(out, TriggerEfficiencyDrop)
	}
	now := in.Snapshot.Timestamp
	if in.Slow.Decayed {
		out = append(out, TriggerOpportunityDecayed)
	}
	if !in.Slow.OnsetAt.IsZero() && in.Slow.BreakevenSlope <= c.cfg.BreakevenFlatEpsilon && in.Snapshot.InventoryRatio >= c.cfg.MinInventory {
		out = append(out, TriggerBreakevenFlat)
	}
	if !in.Slow.OnsetAt.IsZero() && c.cfg.OpportunityTimeout > 0 && now.Sub(in.Slow.OnsetAt) >= c.cfg.OpportunityTimeout {
		out = append(out, TriggerOpportunityTimeout)
	}
	return out
}

func (c *Controller) efficiencyDropped(in Input) bool {
	if in.Cycles < c.cfg.MinTurnoverCycles {
		return false
	}
	if in.Efficiency > c.status.PeakEfficiency {
		c.status.PeakEfficiency = in.Efficiency
	}
	peak := c.status.PeakEfficiency
	if peak <= 0 {
		return false
	}
	return (peak-in.Efficiency)/peak >= c.cfg.EfficiencyDrop
}

// Evaluate moves the ladder at most one rung. While any trigger persists it escalates once per
// cooldown. Harvest ends when inventory is flat; lower rungs clear after a full cooldown with no
// trigger.
func (c *Controller) Evaluate(in Input) (Step, bool) {
	now := in.Snapshot.Timestamp
	triggers := c.triggers(in)
	if len(triggers) > 0 {
		c.lastSeen = now
	}
	from := c.status.Stage

	if from == DirectiveHarvestToExit {
		if in.Snapshot.InventoryQty.Abs().LessThan(c.flatQty) {
			c.status = Status{Stage: DirectiveNone, ChangedAt: now}
			c.lastSeen = time.Time{}
			c.logger.Info("Harvest complete, ladder reset")
			return Step{From: from, To: DirectiveNone, Reason: ReasonHarvestComplete, At: now}, true
		}
		return Step{}, false
	}

	cooled := c.status.ChangedAt.IsZero() || now.Sub(c.status.ChangedAt) >= c.cfg.EscalationCooldown
	switch {
	case len(triggers) > 0 && (from == DirectiveNone || cooled):
		c.status.Stage = from + 1
		c.status.ChangedAt = now
		c.logger.Warn("De-risk escalation", "from", from.String(), "to", c.status.Stage.String(), "triggers", joinTriggers(triggers))
		return Step{From: from, To: c.status.Stage, Reason: ReasonEscalated, Triggers: triggers, At: now}, true
	case len(triggers) == 0 && from != DirectiveNone && cooled && now.Sub(c.lastSeen) >= c.cfg.EscalationCooldown:
		c.status.Stage = DirectiveNone
		c.status.ChangedAt = now
		c.logger.Info("De-risk cleared", "from", from.String())
		return Step{From: from, To: DirectiveNone, Reason: ReasonCleared, At: now}, true
	}
	return Step{}, false
}

// SkewDisabled reports whether the skew adjuster is off
func (c *Controller) SkewDisabled() bool { return c.status.Stage >= DirectiveDisableSkew }

// Harvesting reports whether only reduce-only sells may be placed
func (c *Controller) Harvesting() bool { return c.status.Stage == DirectiveHarvestToExit }

// WindowMult is the multiplier applied to the active window depth
func (c *Controller) WindowMult() float64 {
	if c.status.Stage >= DirectiveShrinkWindow {
		return c.cfg.WindowShrink
	}
	return 1
}

// BufferMult is the multiplier applied to the buffer step
func (c *Controller) BufferMult() float64 {
	if c.status.Stage >= DirectiveWidenBuffer {
		return c.cfg.BufferWiden
	}
	return 1
}

func joinTriggers(ts []Trigger) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
