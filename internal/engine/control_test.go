package engine

import (
	"context"
	"taoquant_grid/internal/advantage"
	"taoquant_grid/internal/audit"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/derisk"
	"taoquant_grid/internal/store"
	"taoquant_grid/pkg/logging"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newControlHarness(t *testing.T) (*harness, *ControlLoop) {
	t.Helper()
	return newControlHarnessWith(t, testConfig())
}

func newControlHarnessWith(t *testing.T, cfg *config.Config) (*harness, *ControlLoop) {
	t.Helper()
	h := newHarnessWith(t, cfg, nil)
	cl := NewControlLoop(h.cfg, h.board, h.ledger, logging.NewNopLogger())
	cl.SetCheckpointer(h.engine)
	h.engine.obs = cl
	return h, cl
}

func controlUpdates(events []audit.Event) []audit.Event {
	var out []audit.Event
	for _, ev := range audit.Filter(events, audit.EventParamUpdate) {
		if ev.Snapshot.CoreZone != nil {
			out = append(out, ev)
		}
	}
	return out
}

func TestControlLoop_WaitsForFastSnapshot(t *testing.T) {
	_, cl := newControlHarness(t)

	snap, ran := cl.Tick(context.Background(), t0)
	assert.False(t, ran)
	assert.Nil(t, snap)
}

func TestControlLoop_Idempotent(t *testing.T) {
	h, cl := newControlHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.HandleEvent(ctx, bar(t0, "60000")))

	first, ran := cl.Tick(ctx, t0.Add(time.Minute))
	require.True(t, ran)
	require.NotNil(t, first)
	assert.Equal(t, uint64(1), first.Seq)

	// re-running the same tick, or any tick inside the interval, changes nothing
	for _, at := range []time.Time{t0.Add(time.Minute), t0.Add(time.Hour), t0.Add(3 * time.Hour)} {
		again, ran := cl.Tick(ctx, at)
		assert.False(t, ran)
		assert.Same(t, first, again)
	}
	assert.Same(t, first, h.board.Control())
	assert.Len(t, controlUpdates(h.events(t)), 1)

	second, ran := cl.Tick(ctx, t0.Add(4*time.Hour+time.Minute))
	require.True(t, ran)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Len(t, controlUpdates(h.events(t)), 2)
}

func TestControlLoop_ZoneStaysInsideRange(t *testing.T) {
	h, cl := newControlHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.HandleEvent(ctx, bar(t0, "60000")))

	// cluster fills around 59900 so the zone narrows there
	at := t0
	for i := 0; i < 12; i++ {
		at = at.Add(10 * time.Minute)
		require.NoError(t, h.engine.HandleEvent(ctx, buyFill(at, "59930", "0.01")))
		at = at.Add(10 * time.Minute)
		require.NoError(t, h.engine.HandleEvent(ctx, core.FillEvent(core.Fill{
			Time: at, Tag: "grid_sell", Side: core.SideSell, Price: d("60070"), Qty: d("0.01"),
		})))
	}

	snap, ran := cl.Tick(ctx, at.Add(time.Minute))
	require.True(t, ran)
	bounds := h.engine.Bounds()
	assert.True(t, snap.Zone.Within(bounds), "zone %s outside %s", snap.Zone, bounds)
	assert.True(t, snap.Zone.Width().LessThan(bounds.Width()))
	assert.True(t, snap.Zone.Contains(d("59930")))
	assert.False(t, snap.Spacing.IsZero())

	// the event loop plans against the published zone
	require.NoError(t, h.engine.HandleEvent(ctx, bar(at.Add(2*time.Minute), "60000")))
	assert.True(t, h.board.Fast().Bounds.Low.Equal(bounds.Low))
}

func TestControlLoop_RestoreFrom(t *testing.T) {
	_, cl := newControlHarness(t)
	bounds := core.RangeBounds{Low: d("55000"), High: d("65000")}

	cl.RestoreFrom(&store.PersistentState{
		Range:    bounds,
		CoreZone: advantage.Zone{Low: d("50000"), High: d("60000")},
		Window:   advantage.WindowStatus{ConsecutiveFailures: 2},
	})
	zone := cl.Zone()
	assert.Equal(t, "55000", zone.Low.String())
	assert.Equal(t, "60000", zone.High.String())

	cl.RestoreFrom(nil)
	assert.Equal(t, "55000", cl.Zone().Low.String())
}

func TestControlLoop_OnsetReset(t *testing.T) {
	_, cl := newControlHarness(t)
	cl.Restore(advantage.Zone{}, advantage.WindowStatus{Decayed: true, ConsecutiveFailures: 3})

	cl.Observe(advantage.Observation{Kind: advantage.ObservedOnsetReset, Time: t0})
	status := cl.window.Status()
	// only the clock restarts; revival still needs passing checks
	assert.True(t, status.Decayed)
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.Equal(t, t0, status.OnsetAt)
}

func TestControlLoop_RunDrainsInbox(t *testing.T) {
	_, cl := newControlHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cl.Run(ctx) }()

	cl.Inbox().Observe(advantage.Observation{Kind: advantage.ObservedOnsetReset, Time: t0})
	assert.Eventually(t, func() bool {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		return cl.window.Status().OnsetAt.Equal(t0)
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestControlLoop_CountedTickIsPersisted(t *testing.T) {
	h, cl := newControlHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.HandleEvent(ctx, bar(t0, "60000")))
	saves := h.store.Saves()

	snap, ran := cl.Tick(ctx, t0.Add(time.Minute))
	require.True(t, ran)
	require.False(t, snap.Zone.IsZero())
	assert.Equal(t, saves+1, h.store.Saves())

	st, err := h.store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, snap.Zone.String(), st.CoreZone.String())
	assert.True(t, snap.Window.OnsetAt.Equal(st.Window.OnsetAt))

	// an uncounted tick writes nothing
	_, ran = cl.Tick(ctx, t0.Add(time.Hour))
	assert.False(t, ran)
	assert.Equal(t, saves+1, h.store.Saves())
}

func TestControlLoop_OpportunityTimeoutWithHealthyWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Advantage.MinCycleActivity = 0
	cfg.Advantage.MinReversionSpeed = 0
	cfg.Advantage.MinBreakevenSlope = -1
	h, cl := newControlHarnessWith(t, cfg)
	ctx := context.Background()

	require.NoError(t, h.engine.HandleEvent(ctx, bar(t0, "60000")))
	start := t0.Add(time.Minute)
	_, ran := cl.Tick(ctx, start)
	require.True(t, ran)
	require.True(t, h.board.Control().Window.OnsetAt.Equal(start))

	for at := start.Add(4 * time.Hour); !at.After(start.Add(76 * time.Hour)); at = at.Add(4 * time.Hour) {
		require.NoError(t, h.engine.HandleEvent(ctx, bar(at, "60000")))
		cl.Tick(ctx, at)
	}
	assert.False(t, h.board.Control().Window.Decayed)

	var escalations []audit.Event
	for _, ev := range audit.Filter(h.events(t), audit.EventParamUpdate) {
		if ev.ReasonCode == derisk.ReasonEscalated {
			escalations = append(escalations, ev)
		}
	}
	require.NotEmpty(t, escalations)
	first := escalations[0]
	assert.Contains(t, first.Snapshot.Triggers, string(derisk.TriggerOpportunityTimeout))
	assert.NotContains(t, first.Snapshot.Triggers, string(derisk.TriggerOpportunityDecayed))
	assert.False(t, first.Timestamp.Before(start.Add(72*time.Hour)))
}

func TestEngine_SmallMarkMoveKeepsRestingLevels(t *testing.T) {
	h, cl := newControlHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.HandleEvent(ctx, bar(t0, "60000")))
	_, ran := cl.Tick(ctx, t0.Add(time.Minute))
	require.True(t, ran)
	require.NoError(t, h.engine.HandleEvent(ctx, bar(t0.Add(2*time.Minute), "60000")))
	before := h.engine.ActiveIntents()
	require.NotEmpty(t, before)

	require.NoError(t, h.engine.HandleEvent(ctx, bar(t0.Add(3*time.Minute), "60001")))
	after := h.engine.ActiveIntents()

	resting := make(map[string]bool, len(after))
	for _, o := range after {
		resting[o.Key()] = true
	}
	retained := 0
	for _, o := range before {
		if resting[o.Key()] {
			retained++
		}
	}
	assert.GreaterOrEqual(t, retained, len(before)-1)
	assert.Len(t, after, len(before))
}
