// Package engine wires the fast event loop and the slow control loop around the risk core.
package engine

import (
	"context"
	"taoquant_grid/internal/advantage"
	"taoquant_grid/internal/core"
	"time"
)

// Loop is the unified interface of the two clocks
type Loop interface {
	Run(ctx context.Context) error
}

// EventHandler consumes one event synchronously
type EventHandler interface {
	HandleEvent(ctx context.Context, ev core.Event) error
}

// Checkpointer persists the engine state outside an event cycle
type Checkpointer interface {
	Checkpoint(ctx context.Context, now time.Time) error
}

// ObservationSink receives the event loop's observations for the control loop
type ObservationSink interface {
	Observe(o advantage.Observation)
}

// ObservationFunc adapts a function to ObservationSink
type ObservationFunc func(o advantage.Observation)

func (f ObservationFunc) Observe(o advantage.Observation) { f(o) }

type nopSink struct{}

func (nopSink) Observe(advantage.Observation) {}
