package advantage

import (
	"taoquant_grid/internal/config"
	"time"
)

// Signals are the three opportunity window inputs
type Signals struct {
	CycleActivity  float64 `json:"cycle_activity"`
	ReversionSpeed float64 `json:"inventory_reversion_speed"`
	BreakevenSlope float64 `json:"breakeven_slope"`
}

// WindowStatus is the evaluated opportunity window
type WindowStatus struct {
	CycleActivity           float64   `json:"cycle_activity"`
	InventoryReversionSpeed float64   `json:"inventory_reversion_speed"`
	BreakevenSlope          float64   `json:"breakeven_slope"`
	ConsecutiveFailures     int       `json:"consecutive_failures"`
	ConsecutivePasses       int       `json:"consecutive_passes"`
	Decayed                 bool      `json:"decayed"`
	EvaluatedAt             time.Time `json:"evaluated_at"`
	OnsetAt                 time.Time `json:"onset_at"`
}

// WindowParams are the pass minimums and hysteresis depth
type WindowParams struct {
	MinCycleActivity  float64
	MinReversionSpeed float64
	MinBreakevenSlope float64
	Checks            int
	Interval          time.Duration
}

// WindowParamsFromConfig extracts the window parameters
func WindowParamsFromConfig(cfg *config.Config) WindowParams {
	a := cfg.Advantage
	return WindowParams{
		MinCycleActivity:  a.MinCycleActivity,
		MinReversionSpeed: a.MinReversionSpeed,
		MinBreakevenSlope: a.MinBreakevenSlope,
		Checks:            a.DecayChecks,
		Interval:          cfg.Control.Interval,
	}
}

// Window is the hysteretic alive/decayed classifier
type Window struct {
	p      WindowParams
	status WindowStatus
}

func NewWindow(p WindowParams, onset time.Time) *Window {
	return &Window{p: p, status: WindowStatus{OnsetAt: onset}}
}

// Status returns the last evaluated status
func (w *Window) Status() WindowStatus { return w.status }

// Restore installs a persisted status
func (w *Window) Restore(s WindowStatus) { w.status = s }

// ResetOnset restarts the opportunity clock after a completed harvest. A decayed window stays
// decayed until it passes enough consecutive checks.
func (w *Window) ResetOnset(now time.Time) {
	w.status.OnsetAt = now
}

// Passes reports whether all three signals meet their minimums
func (w *Window) Passes(s Signals) bool {
	return s.CycleActivity >= w.p.MinCycleActivity &&
		s.ReversionSpeed >= w.p.MinReversionSpeed &&
		s.BreakevenSlope >= w.p.MinBreakevenSlope
}

// Evaluate counts one check. Checks closer together than the control interval are not
// counted, so re-running a tick cannot advance the hysteresis. The first counted check starts
// the opportunity clock when nothing started it before.
func (w *Window) Evaluate(s Signals, now time.Time) WindowStatus {
	if !w.status.EvaluatedAt.IsZero() && now.Sub(w.status.EvaluatedAt) < w.p.Interval {
		return w.status
	}

	st := w.status
	st.CycleActivity = s.CycleActivity
	st.InventoryReversionSpeed = s.ReversionSpeed
	st.BreakevenSlope = s.BreakevenSlope
	st.EvaluatedAt = now
	if st.OnsetAt.IsZero() {
		st.OnsetAt = now
	}

	if w.Passes(s) {
		st.ConsecutivePasses++
		st.ConsecutiveFailures = 0
		if st.Decayed && st.ConsecutivePasses >= w.p.Checks {
			st.Decayed = false
			st.OnsetAt = now
		}
	} else {
		st.ConsecutiveFailures++
		st.ConsecutivePasses = 0
		if st.ConsecutiveFailures >= w.p.Checks {
			st.Decayed = true
		}
	}

	w.status = st
	return st
}
