// Package core defines the shared types and collaborator interfaces of the grid control engine
package core

import (
	"context"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IntentSink receives the order delta produced by every event loop cycle.
// Implementations must not block on venue I/O.
type IntentSink interface {
	Submit(ctx context.Context, delta OrderDelta) error
}

// IExchange is the minimal venue surface the execution collaborator drives
type IExchange interface {
	GetName() string
	PlaceOrder(ctx context.Context, intent OrderIntent) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetAccount(ctx context.Context) (AccountSnapshot, error)
}

// IEventPublisher accepts events produced asynchronously by collaborators
// (fills, faults, bars) for delivery to the event loop
type IEventPublisher interface {
	Publish(ev Event)
}

// EventChannel adapts a buffered channel to IEventPublisher
type EventChannel chan Event

// Publish enqueues the event, blocking while the channel is full
func (c EventChannel) Publish(ev Event) {
	c <- ev
}
