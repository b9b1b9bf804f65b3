package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ramp_go/internal/domain"
	"ramp_go/internal/event"
	"ramp_go/internal/infra"
)

// StatusFetcher is the subset of the backend client used by the poller.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, orderID string) (*StatusResponse, error)
}

// Poller periodically queries the backend for one order's status and pushes
// the results into the order's inbox until a terminal status is seen.
type Poller struct {
	fetcher StatusFetcher
	orderID string
	inbox   chan<- event.Event

	interval          time.Duration
	maxAttempts       int
	baseDelay         time.Duration
	notFoundWarnAfter int

	wait    func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	metrics *infra.Metrics
	logger  *slog.Logger

	notIndexedTicks int
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

// PollerOption customises a Poller.
type PollerOption func(*Poller)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithRetryPolicy sets the attempts per tick and the first backoff delay.
func WithRetryPolicy(maxAttempts int, baseDelay time.Duration) PollerOption {
	return func(p *Poller) {
		p.maxAttempts = maxAttempts
		p.baseDelay = baseDelay
	}
}

// WithNotFoundWarnAfter sets how many consecutive 404 ticks are tolerated before warning.
func WithNotFoundWarnAfter(ticks int) PollerOption {
	return func(p *Poller) { p.notFoundWarnAfter = ticks }
}

// WithWaitFunc replaces the backoff sleep.
func WithWaitFunc(wait func(ctx context.Context, d time.Duration) error) PollerOption {
	return func(p *Poller) { p.wait = wait }
}

// WithPollerMetrics overrides the global metrics registry.
func WithPollerMetrics(m *infra.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// NewPoller creates a poller for orderID with the default policy:
// every 5s, 2 attempts per tick, 1s base backoff.
func NewPoller(fetcher StatusFetcher, orderID string, inbox chan<- event.Event, opts ...PollerOption) *Poller {
	p := &Poller{
		fetcher:           fetcher,
		orderID:           orderID,
		inbox:             inbox,
		interval:          5 * time.Second,
		maxAttempts:       2,
		baseDelay:         time.Second,
		notFoundWarnAfter: 24,
		wait:              infra.Sleep,
		now:               time.Now,
		metrics:           infra.GlobalMetrics,
		logger:            slog.Default().With("module", "status_poller", "order_id", orderID),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	return p
}

// Start begins polling in the background. It polls once immediately.
func (p *Poller) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Status polling panic recovered", slog.Any("panic", r))
			}
		}()
		p.run(ctx)
	}()

	return nil
}

func (p *Poller) run(ctx context.Context) {
	if p.tick(ctx) {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Status polling stopped")
			return
		case <-ticker.C:
			if p.tick(ctx) {
				return
			}
		}
	}
}

// tick performs one poll and reports whether polling should stop.
func (p *Poller) tick(ctx context.Context) bool {
	resp, attempts, err := p.fetchStatus(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		p.logger.Warn("Status poll failed", slog.Int("attempts", attempts), slog.Any("error", err))
		return !p.deliver(ctx, &event.TransientErrorEvent{
			BaseEvent: event.BaseEvent{OrderID: p.orderID, Src: event.SourceBackend, ObservedAt: p.now()},
			Err:       &domain.TransientPollError{OrderID: p.orderID, Attempts: attempts, Err: err},
		})
	}

	if resp.NotIndexed {
		p.notIndexedTicks++
		if p.notIndexedTicks == p.notFoundWarnAfter {
			p.logger.Warn("Order still not indexed by backend; identifier may be wrong",
				slog.Int("ticks", p.notIndexedTicks))
		}
	} else {
		p.notIndexedTicks = 0
	}

	ev := resp.Event(p.orderID, p.now())
	if !p.deliver(ctx, ev) {
		return true
	}
	if ev.Status.IsTerminal() {
		p.logger.Info("Terminal status observed, polling finished", slog.String("status", string(ev.Status)))
		return true
	}
	return false
}

// fetchStatus runs the bounded retry policy of a single tick.
func (p *Poller) fetchStatus(ctx context.Context) (*StatusResponse, int, error) {
	var lastErr error
	for i := 0; i < p.maxAttempts; i++ {
		if i > 0 {
			// Exponential backoff: base, 2*base, 4*base ...
			delay := infra.ExponentialDelay(p.baseDelay, i-1, 0)
			p.logger.Debug("Retrying status fetch", slog.Int("attempt", i+1), slog.Duration("delay", delay))
			if err := p.wait(ctx, delay); err != nil {
				return nil, i, err
			}
		}

		resp, err := p.fetcher.FetchStatus(ctx, p.orderID)
		if err == nil {
			if resp.NotIndexed {
				p.metrics.RecordPollAttempt("not_indexed")
			} else {
				p.metrics.RecordPollAttempt("ok")
			}
			return resp, i + 1, nil
		}
		lastErr = err

		if ctx.Err() != nil || !domain.IsRetriable(err) {
			p.metrics.RecordPollAttempt("error")
			return nil, i + 1, err
		}
		p.metrics.RecordPollAttempt("retry")
	}
	return nil, p.maxAttempts, lastErr
}

func (p *Poller) deliver(ctx context.Context, ev event.Event) bool {
	select {
	case p.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop stops the polling and waits for the loop to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
}
