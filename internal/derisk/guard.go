package derisk

import (
	"errors"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/statemachine"
	apperrors "taoquant_grid/pkg/errors"
	"time"

	"github.com/shopspring/decimal"
)

// Re-anchor rejection reason codes
const (
	RejectAboveHardCap     = "INVENTORY_ABOVE_HARD_CAP"
	RejectStateNotEligible = "STATE_NOT_ELIGIBLE"
	RejectAboveReentryBand = "INVENTORY_ABOVE_REENTRY_BAND"
	RejectCooldown         = "REANCHOR_COOLDOWN"
)

// Request is an operator re-anchor request
type Request struct {
	Proposed       core.RangeBounds
	InventoryRatio float64
	State          statemachine.State
	Time           time.Time
}

// Pending is an accepted re-anchor awaiting operator adoption. The guard never moves the range.
type Pending struct {
	NewRange             core.RangeBounds `json:"new_range"`
	SpacingMult          float64          `json:"spacing_mult"`
	InventoryCeilingMult float64          `json:"inventory_ceiling_mult"`
	ReduceOnlyBias       bool             `json:"reduce_only_bias"`
	RequestedAt          time.Time        `json:"requested_at"`
}

// Guard applies the structural re-anchor rules
type Guard struct {
	cfg      config.ReanchorConfig
	accepted []time.Time
}

func NewGuard(cfg config.ReanchorConfig) *Guard {
	return &Guard{cfg: cfg}
}

// History returns the accepted request times still inside the daily window
func (g *Guard) History() []time.Time { return append([]time.Time(nil), g.accepted...) }

// Restore installs persisted history
func (g *Guard) Restore(history []time.Time) { g.accepted = append([]time.Time(nil), history...) }

// Request accepts or rejects a re-anchor. The hard cap has no override. Any ratio at or below
// the re-entry high qualifies. A rejection is a StructuralRejection whose Reason is one of the
// Reject codes.
func (g *Guard) Request(req Request) (Pending, error) {
	if req.InventoryRatio > g.cfg.HardCap {
		return Pending{}, reject(RejectAboveHardCap)
	}
	if !statemachine.PermissionsFor(req.State).Reanchor {
		return Pending{}, reject(RejectStateNotEligible)
	}
	if req.InventoryRatio > g.cfg.ReentryHigh {
		return Pending{}, reject(RejectAboveReentryBand)
	}

	g.prune(req.Time)
	if n := len(g.accepted); n > 0 {
		if req.Time.Sub(g.accepted[n-1]) < g.cfg.Cooldown || (g.cfg.MaxPerDay > 0 && n >= g.cfg.MaxPerDay) {
			return Pending{}, reject(RejectCooldown)
		}
	}

	g.accepted = append(g.accepted, req.Time)
	return Pending{
		NewRange:             shrink(req.Proposed, g.cfg.RangeShrink),
		SpacingMult:          g.cfg.SpacingExpand,
		InventoryCeilingMult: g.cfg.InventoryScale,
		ReduceOnlyBias:       true,
		RequestedAt:          req.Time,
	}, nil
}

func (g *Guard) prune(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for i < len(g.accepted) && !g.accepted[i].After(cutoff) {
		i++
	}
	g.accepted = g.accepted[i:]
}

func shrink(r core.RangeBounds, factor float64) core.RangeBounds {
	half := r.Width().Mul(decimal.NewFromFloat(factor)).Div(decimal.NewFromInt(2))
	mid := r.Mid()
	return core.RangeBounds{Low: mid.Sub(half), High: mid.Add(half)}
}

func reject(code string) error {
	return &apperrors.StructuralRejection{Op: "reanchor", Reason: code, Cause: apperrors.ErrReanchorRejected}
}

// RejectionCode extracts the reason code of a re-anchor rejection
func RejectionCode(err error) string {
	var rej *apperrors.StructuralRejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}
