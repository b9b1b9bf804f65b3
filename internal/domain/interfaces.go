package domain

import (
	"context"
)

// SignalSource is an asynchronous producer of order signals (chain events, backend polls).
// Start must not block; Stop cancels the source and waits for it to exit.
type SignalSource interface {
	Start(ctx context.Context) error
	Stop()
}

// StateSink receives the order snapshot each time its status changes.
// Implementations must not block for long; they run on the state machine goroutine.
type StateSink interface {
	OnOrderUpdate(order Order)
}

// SinkFunc adapts a function to the StateSink interface.
type SinkFunc func(order Order)

// OnOrderUpdate calls f.
func (f SinkFunc) OnOrderUpdate(order Order) {
	f(order)
}

// MultiSink fans an update out to every sink in order.
type MultiSink []StateSink

// OnOrderUpdate forwards the update to all non-nil sinks.
func (m MultiSink) OnOrderUpdate(order Order) {
	for _, s := range m {
		if s != nil {
			s.OnOrderUpdate(order)
		}
	}
}

// OrderRepository persists order snapshots.
type OrderRepository interface {
	SaveOrder(order Order) error
	GetOrder(id string) (*Order, error)
}
