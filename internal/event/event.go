package event

import (
	"time"

	"ramp_go/internal/domain"
)

// Type identifies the kind of event delivered to the order state machine.
type Type int

const (
	TypeStatus Type = iota + 1
	TypeTransientError
)

// String returns the string representation of Type
func (t Type) String() string {
	switch t {
	case TypeStatus:
		return "STATUS"
	case TypeTransientError:
		return "TRANSIENT_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Source identifies which producer emitted an event.
type Source string

const (
	SourceChain   Source = "chain"
	SourceBackend Source = "backend"
)

// Event is a one-way message pushed into an order's inbox.
type Event interface {
	GetOrderID() string
	GetType() Type
	GetSource() Source
}

// BaseEvent carries the fields shared by every event.
type BaseEvent struct {
	OrderID    string
	Src        Source
	ObservedAt time.Time
}

func (b BaseEvent) GetOrderID() string { return b.OrderID }
func (b BaseEvent) GetSource() Source  { return b.Src }

// StatusEvent proposes a status for an order, optionally with transaction
// hashes, a failure reason and receipt details.
type StatusEvent struct {
	BaseEvent
	Status        domain.Status
	TxHashes      domain.TransactionHashes
	FailureReason string
	Receipt       *domain.Receipt

	// NotIndexed marks a synthetic pending result for an order the backend
	// has not indexed yet.
	NotIndexed bool
}

func (e *StatusEvent) GetType() Type { return TypeStatus }

// TransientErrorEvent reports that a signal source failed temporarily.
// It never changes the order status.
type TransientErrorEvent struct {
	BaseEvent
	Err error
}

func (e *TransientErrorEvent) GetType() Type { return TypeTransientError }
