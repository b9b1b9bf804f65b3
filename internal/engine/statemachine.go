package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ramp_go/internal/domain"
	"ramp_go/internal/event"
	"ramp_go/internal/infra"
)

// StateMachine is the single writer of an order's status.
// It reduces events from the chain listener and the backend poller into one
// monotonic lifecycle and notifies the sink once per distinct status.
type StateMachine struct {
	inbox   chan event.Event
	order   domain.Order
	sink    domain.StateSink
	repo    domain.OrderRepository
	metrics *infra.Metrics
	now     func() time.Time
	logger  *slog.Logger

	terminal     chan struct{}
	terminalOnce sync.Once

	mu sync.RWMutex // Guards order for external reads
}

// Option customises a StateMachine.
type Option func(*StateMachine)

// WithClock sets the function used for UpdatedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *StateMachine) { m.now = now }
}

// WithMetrics overrides the global metrics registry.
func WithMetrics(metrics *infra.Metrics) Option {
	return func(m *StateMachine) { m.metrics = metrics }
}

// WithRepository saves changes that keep the status, such as a late
// settlement hash or receipt. The sink is not notified for those.
func WithRepository(repo domain.OrderRepository) Option {
	return func(m *StateMachine) { m.repo = repo }
}

// NewStateMachine creates a state machine owning order.
func NewStateMachine(order domain.Order, inboxSize int, sink domain.StateSink, opts ...Option) *StateMachine {
	m := &StateMachine{
		inbox:    make(chan event.Event, inboxSize),
		order:    order,
		sink:     sink,
		metrics:  infra.GlobalMetrics,
		now:      time.Now,
		terminal: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = slog.Default().With("module", "state_machine", "order_id", order.ID)
	if order.Status.IsTerminal() {
		m.markTerminal()
	}
	return m
}

// Inbox returns the event channel. Signal sources send events here.
func (m *StateMachine) Inbox() chan<- event.Event {
	return m.inbox
}

// Terminal is closed once the order reaches a terminal status.
func (m *StateMachine) Terminal() <-chan struct{} {
	return m.terminal
}

// Run consumes the inbox until ctx is cancelled. It MUST be run in a single goroutine.
func (m *StateMachine) Run(ctx context.Context) {
	m.logger.Debug("State machine started")

	defer func() {
		if r := recover(); r != nil {
			snap := m.Snapshot()
			m.logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r), slog.Any("order", snap))
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("State machine stopping", slog.String("status", string(m.Snapshot().Status)))
			return
		case ev := <-m.inbox:
			m.Apply(ev)
		}
	}
}

// Apply reduces a single event and reports whether the order changed.
// Apply is not safe for concurrent use; Run is its only caller outside tests.
func (m *StateMachine) Apply(ev event.Event) bool {
	if ev.GetOrderID() != m.order.ID {
		m.logger.Warn("Event for another order dropped", slog.String("event_order_id", ev.GetOrderID()))
		return false
	}

	switch e := ev.(type) {
	case *event.StatusEvent:
		return m.applyStatus(e)
	case *event.TransientErrorEvent:
		m.metrics.RecordTransientError(string(e.GetSource()))
		m.logger.Warn("Transient signal error", slog.String("source", string(e.GetSource())), slog.Any("error", e.Err))
		return false
	default:
		m.logger.Warn("Unknown event type", slog.String("type", ev.GetType().String()))
		return false
	}
}

func (m *StateMachine) applyStatus(e *event.StatusEvent) bool {
	source := string(e.GetSource())
	if !e.Status.IsValid() {
		m.metrics.RecordSignal(source, "invalid")
		return false
	}

	m.mu.Lock()
	cur := m.order.Status
	switch {
	case cur.IsTerminal() && e.Status != cur:
		m.mu.Unlock()
		m.metrics.RecordSignal(source, "dropped")
		if e.Status.IsTerminal() {
			m.logger.Warn("Conflicting terminal status dropped",
				slog.String("recorded", string(cur)),
				slog.String("proposed", string(e.Status)),
				slog.String("source", source),
			)
		}
		return false
	case e.Status.Rank() < cur.Rank():
		m.mu.Unlock()
		m.metrics.RecordSignal(source, "stale")
		m.logger.Debug("Stale status dropped",
			slog.String("recorded", string(cur)),
			slog.String("proposed", string(e.Status)),
			slog.String("source", source),
		)
		return false
	}

	statusChanged := e.Status != cur
	changed := statusChanged
	m.order.Status = e.Status
	if m.order.TxHashes.Merge(e.TxHashes) {
		changed = true
	}
	if (e.Status == domain.StatusFailed || e.Status == domain.StatusRefunded) &&
		m.order.FailureReason == "" && e.FailureReason != "" {
		m.order.FailureReason = e.FailureReason
		changed = true
	}
	if e.Receipt != nil && m.order.Receipt.Merge(*e.Receipt) {
		changed = true
	}
	if changed {
		m.order.UpdatedAt = m.now()
	}
	snapshot := m.order
	m.mu.Unlock()

	if !changed {
		m.metrics.RecordSignal(source, "duplicate")
		return false
	}
	m.metrics.RecordSignal(source, "applied")

	if statusChanged {
		m.metrics.RecordTransition(string(e.Status))
		m.logger.Info("Order status changed",
			slog.String("from", string(cur)),
			slog.String("to", string(e.Status)),
			slog.String("source", source),
		)
		if m.sink != nil {
			m.sink.OnOrderUpdate(snapshot)
		}
		if e.Status.IsTerminal() {
			m.markTerminal()
		}
	} else if m.repo != nil {
		if err := m.repo.SaveOrder(snapshot); err != nil {
			m.logger.Error("Failed to persist order details", slog.String("source", source), slog.Any("error", err))
		}
	}
	return true
}

func (m *StateMachine) markTerminal() {
	m.terminalOnce.Do(func() { close(m.terminal) })
}

// Snapshot returns a copy of the current order (external read).
func (m *StateMachine) Snapshot() domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.order
}
