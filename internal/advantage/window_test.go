package advantage

import (
	"taoquant_grid/internal/config"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testWindow() *Window {
	return NewWindow(WindowParamsFromConfig(config.DefaultConfig()), t0)
}

var (
	passing = Signals{CycleActivity: 0.5, ReversionSpeed: 1, BreakevenSlope: 0}
	failing = Signals{CycleActivity: 0, ReversionSpeed: 1, BreakevenSlope: 0}
)

func TestWindow_DecaysAfterConsecutiveFailures(t *testing.T) {
	w := testWindow()
	interval := 4 * time.Hour

	st := w.Evaluate(failing, t0)
	assert.False(t, st.Decayed)
	st = w.Evaluate(failing, t0.Add(interval))
	assert.False(t, st.Decayed)
	assert.Equal(t, 2, st.ConsecutiveFailures)

	// a pass in between resets the count
	st = w.Evaluate(passing, t0.Add(2*interval))
	assert.Equal(t, 0, st.ConsecutiveFailures)

	for i := 3; i < 6; i++ {
		st = w.Evaluate(failing, t0.Add(time.Duration(i)*interval))
	}
	assert.True(t, st.Decayed)
	assert.Equal(t, 3, st.ConsecutiveFailures)
}

func TestWindow_ChecksInsideIntervalAreNotCounted(t *testing.T) {
	w := testWindow()
	first := w.Evaluate(failing, t0)
	again := w.Evaluate(failing, t0)
	soon := w.Evaluate(failing, t0.Add(time.Hour))

	assert.Equal(t, first, again)
	assert.Equal(t, first, soon)
	assert.Equal(t, 1, soon.ConsecutiveFailures)
}

func TestWindow_RevivesAfterConsecutivePasses(t *testing.T) {
	w := testWindow()
	interval := 4 * time.Hour
	for i := 0; i < 3; i++ {
		w.Evaluate(failing, t0.Add(time.Duration(i)*interval))
	}
	assert.True(t, w.Status().Decayed)

	var st WindowStatus
	for i := 3; i < 6; i++ {
		st = w.Evaluate(passing, t0.Add(time.Duration(i)*interval))
	}
	assert.False(t, st.Decayed)
	assert.Equal(t, t0.Add(5*interval), st.OnsetAt)
}

func TestWindow_ResetOnset(t *testing.T) {
	w := testWindow()
	assert.Equal(t, t0, w.Status().OnsetAt)
	later := t0.Add(72 * time.Hour)
	w.ResetOnset(later)
	assert.Equal(t, later, w.Status().OnsetAt)
	assert.False(t, w.Status().Decayed)
}

func TestWindow_FirstCheckStartsTheClock(t *testing.T) {
	w := NewWindow(WindowParamsFromConfig(config.DefaultConfig()), time.Time{})
	assert.True(t, w.Status().OnsetAt.IsZero())

	start := t0.Add(time.Minute)
	var st WindowStatus
	for i := 0; i < 25; i++ {
		st = w.Evaluate(passing, start.Add(time.Duration(i)*4*time.Hour))
	}
	assert.False(t, st.Decayed)
	assert.Equal(t, start, st.OnsetAt)
}

func TestWindow_ResetOnsetKeepsDecay(t *testing.T) {
	w := testWindow()
	interval := 4 * time.Hour
	for i := 0; i < 4; i++ {
		w.Evaluate(failing, t0.Add(time.Duration(i)*interval))
	}
	before := w.Status()
	assert.True(t, before.Decayed)

	reset := t0.Add(4 * interval)
	w.ResetOnset(reset)
	st := w.Status()
	assert.True(t, st.Decayed)
	assert.Equal(t, before.ConsecutiveFailures, st.ConsecutiveFailures)
	assert.Equal(t, reset, st.OnsetAt)

	// revival still takes the full run of passes
	for i := 5; i < 7; i++ {
		st = w.Evaluate(passing, t0.Add(time.Duration(i)*interval))
		assert.True(t, st.Decayed)
	}
	st = w.Evaluate(passing, t0.Add(7*interval))
	assert.False(t, st.Decayed)
}
