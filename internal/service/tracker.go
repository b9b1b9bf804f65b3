package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ramp_go/internal/domain"
	"ramp_go/internal/engine"
	"ramp_go/internal/event"
	"ramp_go/internal/infra"

	"golang.org/x/sync/errgroup"
)

// SourceFactory builds the signal sources of an order, each pushing into inbox.
type SourceFactory func(order domain.Order, inbox chan<- event.Event) []domain.SignalSource

// Tracker coordinates one active order: its state machine and the signal
// sources feeding it. Sources share nothing but the inbox.
type Tracker struct {
	machine *engine.StateMachine
	sources []domain.SignalSource
	metrics *infra.Metrics
	logger  *slog.Logger

	cancel    context.CancelFunc
	group     *errgroup.Group
	stopOnce  sync.Once
	closeOnce sync.Once
}

// NewTracker creates a tracker for order. Call Start to begin tracking.
func NewTracker(order domain.Order, sink domain.StateSink, factory SourceFactory, inboxSize int, metrics *infra.Metrics, opts ...engine.Option) *Tracker {
	opts = append([]engine.Option{engine.WithMetrics(metrics)}, opts...)
	machine := engine.NewStateMachine(order, inboxSize, sink, opts...)
	var sources []domain.SignalSource
	if factory != nil && !order.IsTerminal() {
		sources = factory(order, machine.Inbox())
	}
	return &Tracker{
		machine: machine,
		sources: sources,
		metrics: metrics,
		logger:  slog.Default().With("module", "tracker", "order_id", order.ID),
	}
}

// Start runs the state machine and starts every source. The tracker lives
// until Close or ctx cancellation, independent of the caller's request.
func (t *Tracker) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	t.group = g

	g.Go(func() error {
		t.machine.Run(gctx)
		return nil
	})

	for i, src := range t.sources {
		if err := src.Start(gctx); err != nil {
			for _, started := range t.sources[:i] {
				started.Stop()
			}
			t.cancel()
			g.Wait()
			return fmt.Errorf("start signal source: %w", err)
		}
	}

	g.Go(func() error {
		select {
		case <-t.machine.Terminal():
			t.logger.Info("Terminal status recorded, stopping signal sources",
				slog.String("status", string(t.machine.Snapshot().Status)))
			t.stopSources()
		case <-gctx.Done():
		}
		return nil
	})

	t.metrics.IncrementActive()
	t.logger.Info("Order tracking started", slog.Int("sources", len(t.sources)))
	return nil
}

// Close stops the sources and the state machine. The recorded status is left unchanged.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		t.stopSources()
		if t.cancel != nil {
			t.cancel()
			t.group.Wait()
			t.metrics.DecrementActive()
		}
		t.logger.Info("Order tracking closed", slog.String("status", string(t.machine.Snapshot().Status)))
	})
}

func (t *Tracker) stopSources() {
	t.stopOnce.Do(func() {
		for _, src := range t.sources {
			src.Stop()
		}
	})
}

// Snapshot returns the current order.
func (t *Tracker) Snapshot() domain.Order {
	return t.machine.Snapshot()
}

// Terminal is closed once the order reaches a terminal status.
func (t *Tracker) Terminal() <-chan struct{} {
	return t.machine.Terminal()
}
