package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ramp_go/internal/domain"
	"ramp_go/internal/engine"
	"ramp_go/internal/execution"
	"ramp_go/internal/infra"
	"ramp_go/internal/infra/backend"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// OrderSubmitter creates orders on chain.
type OrderSubmitter interface {
	Submit(ctx context.Context, req execution.SubmitRequest) (*execution.SubmitResult, error)
	SubmitRelayed(ctx context.Context, req execution.RelayRequest) (*execution.SubmitResult, error)
}

// OffRampRequest is a user's instruction to sell tokens for mobile money.
type OffRampRequest struct {
	Token        common.Address
	AmountCrypto decimal.Decimal
	Rate         decimal.Decimal
	Currency     string
	Recipient    execution.Recipient
	Timeout      time.Duration
}

// RelayedRequest is an order created by the backend relayer on behalf of UserAddress.
type RelayedRequest struct {
	UserAddress  common.Address
	Token        common.Address
	Type         domain.OrderType
	AmountCrypto decimal.Decimal
	Rate         decimal.Decimal
	Currency     string
	Recipient    execution.Recipient
	Timeout      time.Duration
}

// OrderService owns the registry of active order trackers keyed by order id.
type OrderService struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker

	ctx    context.Context
	cancel context.CancelFunc

	submitter OrderSubmitter
	repo      domain.OrderRepository
	factory   SourceFactory
	sink      domain.MultiSink
	inboxSize int
	metrics   *infra.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// ServiceOption customises an OrderService.
type ServiceOption func(*OrderService)

// WithSubmitter enables order submission.
func WithSubmitter(s OrderSubmitter) ServiceOption {
	return func(o *OrderService) { o.submitter = s }
}

// WithSinks adds observers notified on every status change, after persistence.
func WithSinks(sinks ...domain.StateSink) ServiceOption {
	return func(o *OrderService) {
		o.sink = append(o.sink, sinks...)
	}
}

// WithInboxSize sets the per-order inbox buffer.
func WithInboxSize(n int) ServiceOption {
	return func(o *OrderService) { o.inboxSize = n }
}

// WithServiceMetrics overrides the global metrics registry.
func WithServiceMetrics(m *infra.Metrics) ServiceOption {
	return func(o *OrderService) { o.metrics = m }
}

// NewOrderService creates the order registry. Trackers live until Cancel,
// Acknowledge or Shutdown, independent of the request that started them.
func NewOrderService(repo domain.OrderRepository, factory SourceFactory, opts ...ServiceOption) *OrderService {
	ctx, cancel := context.WithCancel(context.Background())
	s := &OrderService{
		trackers:  make(map[string]*Tracker),
		ctx:       ctx,
		cancel:    cancel,
		repo:      repo,
		factory:   factory,
		sink:      domain.MultiSink{},
		inboxSize: 64,
		metrics:   infra.GlobalMetrics,
		now:       time.Now,
		logger:    slog.Default().With("module", "order_service"),
	}
	if rs, ok := repo.(domain.StateSink); ok {
		s.sink = domain.MultiSink{rs}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitOffRamp encodes the order payload, submits it and starts tracking the
// acknowledged order. A failed submission creates no order.
func (s *OrderService) SubmitOffRamp(ctx context.Context, req OffRampRequest) (domain.Order, error) {
	if s.submitter == nil {
		return domain.Order{}, &domain.SubmissionError{Kind: domain.SubmissionInvalid, Stage: "approve", Err: errors.New("submission disabled")}
	}

	amountFiat := req.AmountCrypto.Mul(req.Rate).Round(2)
	hash, err := execution.Encode(execution.EncodeParams{
		Recipient: req.Recipient,
		Currency:  req.Currency,
		Rate:      req.Rate,
		Amount:    req.AmountCrypto,
	})
	if err != nil {
		return domain.Order{}, err
	}

	res, err := s.submitter.Submit(ctx, execution.SubmitRequest{
		Token:       req.Token,
		Amount:      req.AmountCrypto,
		Rate:        req.Rate,
		Type:        domain.OrderTypeOffRamp,
		MessageHash: hash,
		AmountFiat:  amountFiat,
		Currency:    req.Currency,
		Timeout:     req.Timeout,
	})
	if err != nil {
		return domain.Order{}, err
	}

	return s.Track(res.Order)
}

// SubmitRelayed submits an order through the backend relayer and tracks it.
func (s *OrderService) SubmitRelayed(ctx context.Context, req RelayedRequest) (domain.Order, error) {
	if s.submitter == nil {
		return domain.Order{}, &domain.SubmissionError{Kind: domain.SubmissionInvalid, Stage: "relay", Err: errors.New("submission disabled")}
	}
	if req.Type == "" {
		req.Type = domain.OrderTypeOnRamp
	}

	hash, err := execution.Encode(execution.EncodeParams{
		Recipient: req.Recipient,
		Currency:  req.Currency,
		Rate:      req.Rate,
		Amount:    req.AmountCrypto,
	})
	if err != nil {
		return domain.Order{}, err
	}

	res, err := s.submitter.SubmitRelayed(ctx, execution.RelayRequest{
		UserAddress: req.UserAddress,
		Token:       req.Token,
		Type:        req.Type,
		Fiat: backend.FiatPayload{
			AmountFiat:        req.AmountCrypto.Mul(req.Rate).Round(2),
			AmountCrypto:      req.AmountCrypto,
			Rate:              req.Rate,
			CashoutType:       req.Recipient.CashoutType,
			Currency:          req.Currency,
			AccountIdentifier: req.Recipient.Identifier,
			AccountName:       req.Recipient.Name,
			Institution:       req.Recipient.Institution,
		},
		MessageHash: hash,
		Timeout:     req.Timeout,
	})
	if err != nil {
		return domain.Order{}, err
	}

	return s.Track(res.Order)
}

// Track starts coordinating order. Terminal orders are stored but not tracked.
func (s *OrderService) Track(order domain.Order) (domain.Order, error) {
	order.ID = normalizeOrderID(order.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return domain.Order{}, fmt.Errorf("order service stopped")
	}
	if _, ok := s.trackers[order.ID]; ok {
		return domain.Order{}, domain.ErrAlreadyTracking
	}
	if err := s.repo.SaveOrder(order); err != nil {
		return domain.Order{}, fmt.Errorf("persist order: %w", err)
	}
	if order.IsTerminal() {
		return order, nil
	}

	t := NewTracker(order, s.sink, s.factory, s.inboxSize, s.metrics, engine.WithRepository(s.repo))
	if err := t.Start(s.ctx); err != nil {
		return domain.Order{}, err
	}
	s.trackers[order.ID] = t

	s.logger.Info("Tracking order", slog.String("order_id", order.ID), slog.String("status", string(order.Status)))
	return t.Snapshot(), nil
}

// Resume restarts tracking of an order known by id only, such as after a restart.
// The stored snapshot is used when present.
func (s *OrderService) Resume(id string) (domain.Order, error) {
	id = normalizeOrderID(id)
	order, err := s.repo.GetOrder(id)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		now := s.now()
		order = &domain.Order{ID: id, Status: domain.StatusPending, CreatedAt: now, UpdatedAt: now}
	case err != nil:
		return domain.Order{}, err
	}
	return s.Track(*order)
}

// Get returns the live snapshot, falling back to the store for evicted orders.
func (s *OrderService) Get(id string) (domain.Order, error) {
	id = normalizeOrderID(id)
	s.mu.RLock()
	t, ok := s.trackers[id]
	s.mu.RUnlock()
	if ok {
		return t.Snapshot(), nil
	}

	order, err := s.repo.GetOrder(id)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

// Active returns snapshots of every tracked order, oldest first.
func (s *OrderService) Active() []domain.Order {
	s.mu.RLock()
	orders := make([]domain.Order, 0, len(s.trackers))
	for _, t := range s.trackers {
		orders = append(orders, t.Snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders
}

// Cancel stops tracking id. The last recorded status is kept as is.
func (s *OrderService) Cancel(id string) (domain.Order, error) {
	return s.evict(id, false)
}

// Acknowledge evicts a terminal order once its outcome has been observed.
func (s *OrderService) Acknowledge(id string) (domain.Order, error) {
	return s.evict(id, true)
}

func (s *OrderService) evict(id string, requireTerminal bool) (domain.Order, error) {
	id = normalizeOrderID(id)
	s.mu.Lock()
	t, ok := s.trackers[id]
	if !ok {
		s.mu.Unlock()
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if requireTerminal && !t.Snapshot().Status.IsTerminal() {
		s.mu.Unlock()
		return domain.Order{}, domain.ErrOrderNotTerminal
	}
	delete(s.trackers, id)
	s.mu.Unlock()

	t.Close()
	final := t.Snapshot()
	if err := s.repo.SaveOrder(final); err != nil {
		s.logger.Error("Failed to persist final snapshot", slog.String("order_id", id), slog.Any("error", err))
	}
	s.logger.Info("Order evicted", slog.String("order_id", id), slog.String("status", string(final.Status)))
	return final, nil
}

// Shutdown stops every tracker and persists their snapshots.
func (s *OrderService) Shutdown() {
	s.mu.Lock()
	trackers := s.trackers
	s.trackers = make(map[string]*Tracker)
	s.cancel()
	s.mu.Unlock()

	var wg sync.WaitGroup
	for id, t := range trackers {
		wg.Add(1)
		go func(id string, t *Tracker) {
			defer wg.Done()
			t.Close()
			if err := s.repo.SaveOrder(t.Snapshot()); err != nil {
				s.logger.Error("Failed to persist snapshot on shutdown", slog.String("order_id", id), slog.Any("error", err))
			}
		}(id, t)
	}
	wg.Wait()
	s.logger.Info("Order service stopped", slog.Int("trackers", len(trackers)))
}

// normalizeOrderID returns the lowercase form chain log topics carry.
// Anything that is not a 0x-prefixed bytes32 is returned unchanged.
func normalizeOrderID(id string) string {
	if len(id) != 2+2*common.HashLength {
		return id
	}
	b, err := hexutil.Decode(id)
	if err != nil {
		return id
	}
	return common.BytesToHash(b).Hex()
}
