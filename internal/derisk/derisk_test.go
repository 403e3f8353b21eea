package derisk

import (
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/risk"
	"taoquant_grid/internal/statemachine"
	apperrors "taoquant_grid/pkg/errors"
	"taoquant_grid/pkg/logging"
	"taoquant_grid/pkg/tradingutils"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testCost() tradingutils.CostModel {
	return tradingutils.NewCostModel(2, 6, 5, tradingutils.FeeTaker)
}

func newController() *Controller {
	return NewController(config.DefaultConfig(), testCost(), logging.NewNopLogger())
}

func input(at time.Time, qty string, ratio float64) Input {
	return Input{
		Snapshot: risk.Snapshot{
			Timestamp:      at,
			MarkPrice:      d("60000"),
			InventoryQty:   d(qty),
			InventoryRatio: ratio,
			BreakevenPrice: d("60000"),
			ATR:            d("100"),
		},
		Bounds: core.RangeBounds{Low: d("55000"), High: d("65000")},
	}
}

func TestPathRiskAndHouseMoney(t *testing.T) {
	in := input(t0, "0.1", 0.1)
	gap := d("5")

	// worst exit 54500: 550 of price risk plus 5.995 of fees and slippage
	assert.Equal(t, "555.995", PathRisk(in.Snapshot, in.Bounds, gap, testCost()).String())

	floor := d("500")
	in.Snapshot.RealizedPnL = d("550")
	assert.False(t, HouseMoney(in.Snapshot, in.Bounds, gap, testCost(), floor))
	in.Snapshot.RealizedPnL = d("600")
	assert.True(t, HouseMoney(in.Snapshot, in.Bounds, gap, testCost(), floor))

	// the profit floor binds when path risk is small
	small := input(t0, "0.001", 0.001)
	small.Snapshot.RealizedPnL = d("100")
	assert.False(t, HouseMoney(small.Snapshot, small.Bounds, gap, testCost(), floor))

	flat := input(t0, "0", 0)
	flat.Snapshot.RealizedPnL = d("5000")
	assert.False(t, HouseMoney(flat.Snapshot, flat.Bounds, gap, testCost(), floor))
}

func TestController_Triggers(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *Input)
		want   []Trigger
	}{
		{"quiet", func(in *Input) {}, nil},
		{"house money", func(in *Input) { in.Snapshot.RealizedPnL = d("600") }, []Trigger{TriggerHouseMoney}},
		{"decayed", func(in *Input) { in.Slow.Decayed = true }, []Trigger{TriggerOpportunityDecayed}},
		{"breakeven flat with inventory", func(in *Input) {
			in.Slow.OnsetAt = t0.Add(-time.Hour)
			in.Slow.BreakevenSlope = 0.0005
			in.Snapshot.InventoryRatio = 0.3
		}, []Trigger{TriggerBreakevenFlat}},
		{"breakeven flat without inventory", func(in *Input) {
			in.Slow.OnsetAt = t0.Add(-time.Hour)
			in.Slow.BreakevenSlope = 0.0005
		}, nil},
		{"breakeven improving", func(in *Input) {
			in.Slow.OnsetAt = t0.Add(-time.Hour)
			in.Slow.BreakevenSlope = 0.01
			in.Snapshot.InventoryRatio = 0.3
		}, nil},
		{"timeout", func(in *Input) {
			in.Slow.OnsetAt = t0.Add(-73 * time.Hour)
			in.Slow.BreakevenSlope = 0.01
		}, []Trigger{TriggerOpportunityTimeout}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := input(t0, "0.1", 0.1)
			tt.mutate(&in)
			assert.Equal(t, tt.want, newController().triggers(in))
		})
	}
}

func TestController_EfficiencyDrop(t *testing.T) {
	c := newController()
	in := input(t0, "0.1", 0.1)

	in.Cycles, in.Efficiency = 2, 0.01
	assert.Empty(t, c.triggers(in), "not enough cycles")

	in.Cycles = 3
	assert.Empty(t, c.triggers(in))
	assert.Equal(t, 0.01, c.Status().PeakEfficiency)

	in.Efficiency = 0.008
	assert.Empty(t, c.triggers(in))

	in.Efficiency = 0.006
	assert.Equal(t, []Trigger{TriggerEfficiencyDrop}, c.triggers(in))
}

func TestController_LadderEscalatesOncePerCooldown(t *testing.T) {
	c := newController()
	at := func(m int, qty string) Input {
		in := input(t0.Add(time.Duration(m)*time.Minute), qty, 0.1)
		in.Slow.Decayed = true
		return in
	}

	step, ok := c.Evaluate(at(0, "0.1"))
	require.True(t, ok)
	assert.Equal(t, DirectiveNone, step.From)
	assert.Equal(t, DirectiveDisableSkew, step.To)
	assert.Equal(t, []Trigger{TriggerOpportunityDecayed}, step.Triggers)
	assert.True(t, c.SkewDisabled())

	_, ok = c.Evaluate(at(5, "0.1"))
	assert.False(t, ok, "inside cooldown")

	want := []Directive{DirectiveShrinkWindow, DirectiveWidenBuffer, DirectiveHarvestToExit}
	for i, dir := range want {
		step, ok = c.Evaluate(at(15*(i+1), "0.1"))
		require.True(t, ok)
		assert.Equal(t, dir, step.To)
	}
	assert.Equal(t, 0.6, c.WindowMult())
	assert.Equal(t, 1.5, c.BufferMult())
	assert.True(t, c.Harvesting())

	// harvest holds until inventory is flat
	_, ok = c.Evaluate(at(120, "0.05"))
	assert.False(t, ok)
	step, ok = c.Evaluate(at(130, "0"))
	require.True(t, ok)
	assert.Equal(t, ReasonHarvestComplete, step.Reason)
	assert.Equal(t, DirectiveNone, c.Stage())
	assert.Equal(t, 1.0, c.WindowMult())
}

func TestController_ClearsWhenTriggersStop(t *testing.T) {
	c := newController()
	trig := input(t0, "0.1", 0.1)
	trig.Slow.Decayed = true
	_, ok := c.Evaluate(trig)
	require.True(t, ok)

	_, ok = c.Evaluate(input(t0.Add(10*time.Minute), "0.1", 0.1))
	assert.False(t, ok)

	step, ok := c.Evaluate(input(t0.Add(15*time.Minute), "0.1", 0.1))
	require.True(t, ok)
	assert.Equal(t, ReasonCleared, step.Reason)
	assert.False(t, c.SkewDisabled())
}

func TestGuard_Request(t *testing.T) {
	proposed := core.RangeBounds{Low: d("60000"), High: d("70000")}

	tests := []struct {
		name  string
		ratio float64
		state statemachine.State
		code  string
	}{
		{"above hard cap", 0.65, statemachine.Normal, RejectAboveHardCap},
		{"hard cap wins over state", 0.65, statemachine.DamageControl, RejectAboveHardCap},
		{"state not eligible", 0.30, statemachine.Defensive, RejectStateNotEligible},
		{"above reentry band", 0.55, statemachine.Normal, RejectAboveReentryBand},
		{"accepted", 0.45, statemachine.Normal, ""},
		{"accepted at band high", 0.50, statemachine.Normal, ""},
		{"light inventory qualifies", 0.10, statemachine.Normal, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard(config.DefaultConfig().Reanchor)
			p, err := g.Request(Request{Proposed: proposed, InventoryRatio: tt.ratio, State: tt.state, Time: t0})
			if tt.code == "" {
				require.NoError(t, err)
				assert.Equal(t, "[61000, 69000]", p.NewRange.String())
				assert.Equal(t, 1.2, p.SpacingMult)
				assert.Equal(t, 0.8, p.InventoryCeilingMult)
				assert.True(t, p.ReduceOnlyBias)
				assert.Len(t, g.History(), 1)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrStructuralRejection)
			assert.ErrorIs(t, err, apperrors.ErrReanchorRejected)
			assert.Equal(t, tt.code, RejectionCode(err))
			assert.Equal(t, Pending{}, p)
			assert.Empty(t, g.History())
		})
	}
}

func TestGuard_Cooldowns(t *testing.T) {
	proposed := core.RangeBounds{Low: d("60000"), High: d("70000")}
	cfg := config.DefaultConfig().Reanchor
	g := NewGuard(cfg)
	ask := func(at time.Time) error {
		_, err := g.Request(Request{Proposed: proposed, InventoryRatio: 0.2, State: statemachine.Normal, Time: at})
		return err
	}

	require.NoError(t, ask(t0))
	assert.Equal(t, RejectCooldown, RejectionCode(ask(t0.Add(time.Hour))))
	require.NoError(t, ask(t0.Add(25*time.Hour)))

	cfg.Cooldown = time.Hour
	g = NewGuard(cfg)
	require.NoError(t, ask(t0))
	require.NoError(t, ask(t0.Add(2*time.Hour)))
	assert.Equal(t, RejectCooldown, RejectionCode(ask(t0.Add(4*time.Hour))), "two per day")
	require.NoError(t, ask(t0.Add(25*time.Hour)))
}
