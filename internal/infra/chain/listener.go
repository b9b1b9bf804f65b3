package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"ramp_go/internal/event"
	"ramp_go/internal/infra"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogClient is the subset of the node API used by the listener.
type LogClient interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

var errSubscriptionClosed = errors.New("log subscription closed")

// Listener follows the gateway lifecycle events of a single order and
// forwards each one to the order's inbox at most once.
type Listener struct {
	client    LogClient
	gateway   common.Address
	orderID   common.Hash
	inbox     chan<- event.Event
	fromBlock *big.Int

	seen    map[common.Hash]struct{}
	backoff func(retry int) time.Duration
	wait    func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ListenerOption customises a Listener.
type ListenerOption func(*Listener)

// WithFromBlock sets the first block scanned when backfilling.
func WithFromBlock(block uint64) ListenerOption {
	return func(l *Listener) { l.fromBlock = new(big.Int).SetUint64(block) }
}

// WithReconnectBackoff replaces the resubscribe delay policy.
func WithReconnectBackoff(backoff func(retry int) time.Duration) ListenerOption {
	return func(l *Listener) { l.backoff = backoff }
}

// NewListener creates a listener for orderID on the gateway contract.
func NewListener(client LogClient, gateway common.Address, orderID common.Hash, inbox chan<- event.Event, opts ...ListenerOption) *Listener {
	l := &Listener{
		client:  client,
		gateway: gateway,
		orderID: orderID,
		inbox:   inbox,
		seen:    make(map[common.Hash]struct{}),
		backoff: infra.CalculateBackoff,
		wait:    infra.Sleep,
		now:     time.Now,
		logger:  slog.Default().With("module", "event_listener", "order_id", orderID.Hex()),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start subscribes in the background.
func (l *Listener) Start(ctx context.Context) error {
	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("Event listener panic recovered", slog.Any("panic", r))
			}
		}()
		l.run(ctx)
	}()
	return nil
}

// Stop unsubscribes and waits for the listener to exit.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
		l.wg.Wait()
	}
}

func (l *Listener) run(ctx context.Context) {
	retryCount := 0
	for {
		done, err := l.follow(ctx, &retryCount)
		if done || ctx.Err() != nil {
			return
		}

		l.logger.Warn("Log subscription failed", slog.Any("error", err), slog.Int("retry", retryCount))
		if !l.deliver(ctx, &event.TransientErrorEvent{
			BaseEvent: event.BaseEvent{OrderID: l.orderID.Hex(), Src: event.SourceChain, ObservedAt: l.now()},
			Err:       err,
		}) {
			return
		}

		delay := l.backoff(retryCount)
		retryCount++
		if err := l.wait(ctx, delay); err != nil {
			return
		}
	}
}

// follow runs one subscription. It returns done once a terminal event has
// been forwarded or ctx is cancelled.
func (l *Listener) follow(ctx context.Context, retryCount *int) (bool, error) {
	logs := make(chan types.Log, 16)
	sub, err := l.client.SubscribeFilterLogs(ctx, l.query(nil), logs)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()
	*retryCount = 0

	// Backfill after subscribing so logs mined in between are not lost.
	past, err := l.client.FilterLogs(ctx, l.query(l.fromBlock))
	if err != nil {
		return false, fmt.Errorf("backfill: %w", err)
	}
	for _, lg := range past {
		if l.handle(ctx, lg) {
			return true, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case err := <-sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}
			return false, err
		case lg := <-logs:
			if l.handle(ctx, lg) {
				return true, nil
			}
		}
	}
}

func (l *Listener) query(from *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		Addresses: []common.Address{l.gateway},
		Topics:    [][]common.Hash{LifecycleTopics(), {l.orderID}},
	}
}

// handle forwards lg and reports whether listening should stop.
func (l *Listener) handle(ctx context.Context, lg types.Log) bool {
	if ctx.Err() != nil {
		return true
	}
	if lg.Removed {
		l.logger.Info("Dropping log removed by reorg", slog.String("tx", lg.TxHash.Hex()))
		return false
	}
	if lg.Address != l.gateway || len(lg.Topics) < 2 || lg.Topics[1] != l.orderID {
		return false
	}
	if _, dup := l.seen[lg.TxHash]; dup {
		l.logger.Debug("Duplicate log ignored", slog.String("tx", lg.TxHash.Hex()))
		return false
	}

	ev, err := StatusEvent(lg, l.now())
	if err != nil {
		l.logger.Warn("Unrecognized gateway log", slog.Any("error", err))
		return false
	}
	if !l.deliver(ctx, ev) {
		return true
	}
	l.seen[lg.TxHash] = struct{}{}

	l.logger.Info("Lifecycle event forwarded",
		slog.String("status", string(ev.Status)),
		slog.String("tx", lg.TxHash.Hex()),
		slog.Uint64("block", lg.BlockNumber))

	return ev.Status.IsTerminal()
}

func (l *Listener) deliver(ctx context.Context, ev event.Event) bool {
	select {
	case l.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
