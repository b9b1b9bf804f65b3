package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"ramp_go/internal/domain"
	"ramp_go/internal/infra"
	"ramp_go/internal/infra/backend"
	"ramp_go/internal/infra/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

const (
	stageApprove = "approve"
	stageCreate  = "create"
	stageRelay   = "relay"
	stageReceipt = "receipt"

	maxRateBits = 96
)

// ReceiptWaiter blocks until a transaction is included.
type ReceiptWaiter interface {
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Wallet signs and sends the approve and createOrder transactions.
type Wallet interface {
	ReceiptWaiter
	Address() common.Address
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error)
	CreateOrder(ctx context.Context, call chain.CreateOrderCall) (common.Hash, error)
}

// Relay submits orders through the backend on behalf of a user.
type Relay interface {
	CreateOrder(ctx context.Context, req backend.CreateOrderRequest) (*backend.CreateOrderResponse, error)
}

// SubmitRequest describes an order to be signed by the local wallet.
type SubmitRequest struct {
	Token         common.Address
	Amount        decimal.Decimal // token units
	Rate          decimal.Decimal
	Type          domain.OrderType
	RefundAddress common.Address // defaults to the wallet address
	MessageHash   string
	AmountFiat    decimal.Decimal
	Currency      string
	Timeout       time.Duration // bounds both inclusion waits; zero uses the default
}

// RelayRequest describes an order submitted through the backend relayer.
type RelayRequest struct {
	UserAddress common.Address
	Token       common.Address
	Type        domain.OrderType
	Fiat        backend.FiatPayload
	MessageHash string
	Timeout     time.Duration
}

// SubmitResult is the acknowledged order.
type SubmitResult struct {
	Order       domain.Order
	BlockNumber uint64
}

// Submitter creates orders on the gateway contract and waits for their inclusion.
type Submitter struct {
	gateway  common.Address
	decimals int32
	timeout  time.Duration

	wallet   Wallet
	relay    Relay
	receipts ReceiptWaiter

	metrics *infra.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// SubmitterOption customises a Submitter.
type SubmitterOption func(*Submitter)

// WithWallet enables direct submission signed by w.
func WithWallet(w Wallet) SubmitterOption {
	return func(s *Submitter) { s.wallet = w }
}

// WithRelay enables relayed submission; receipts waits for the relayed transaction.
func WithRelay(r Relay, receipts ReceiptWaiter) SubmitterOption {
	return func(s *Submitter) {
		s.relay = r
		s.receipts = receipts
	}
}

// WithDefaultTimeout sets the inclusion timeout used when a request has none.
func WithDefaultTimeout(d time.Duration) SubmitterOption {
	return func(s *Submitter) { s.timeout = d }
}

// WithSubmitterMetrics overrides the global metrics registry.
func WithSubmitterMetrics(m *infra.Metrics) SubmitterOption {
	return func(s *Submitter) { s.metrics = m }
}

// NewSubmitter creates a submitter for the gateway at address with a token of the given decimals.
func NewSubmitter(gateway common.Address, decimals int32, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		gateway:  gateway,
		decimals: decimals,
		timeout:  2 * time.Minute,
		metrics:  infra.GlobalMetrics,
		now:      time.Now,
		logger:   slog.Default().With("module", "submitter"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit approves the gateway, creates the order and waits for its inclusion.
// On any failure it returns a *domain.SubmissionError and no order.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	start := s.now()
	if s.wallet == nil {
		return nil, s.fail(start, stageApprove, domain.SubmissionInvalid, errors.New("no signer configured"))
	}

	amount, rate, err := s.contractUnits(req.Amount, req.Rate)
	if err != nil {
		return nil, s.fail(start, stageApprove, domain.SubmissionInvalid, err)
	}
	if req.MessageHash == "" {
		return nil, s.fail(start, stageCreate, domain.SubmissionInvalid, errors.New("message hash required"))
	}
	refund := req.RefundAddress
	if refund == (common.Address{}) {
		refund = s.wallet.Address()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeoutFor(req.Timeout))
	defer cancel()

	approveTx, err := s.wallet.Approve(ctx, req.Token, s.gateway, amount)
	if err != nil {
		return nil, s.fail(start, stageApprove, classify(err), err)
	}
	if err := s.confirm(ctx, approveTx); err != nil {
		return nil, s.fail(start, stageApprove, classify(err), err)
	}

	createTx, err := s.wallet.CreateOrder(ctx, chain.CreateOrderCall{
		Token:         req.Token,
		Amount:        amount,
		Rate:          rate,
		OrderType:     req.Type.Uint8(),
		RefundAddress: refund,
		MessageHash:   req.MessageHash,
	})
	if err != nil {
		return nil, s.fail(start, stageCreate, classify(err), err)
	}

	receipt, err := s.wallet.WaitForReceipt(ctx, createTx)
	if err != nil {
		return nil, s.fail(start, stageReceipt, classify(err), err)
	}

	return s.acknowledge(start, receipt, domain.OrderParams{
		WalletAddress: s.wallet.Address().Hex(),
		TokenAddress:  req.Token.Hex(),
		Type:          req.Type,
		AmountCrypto:  req.Amount,
		AmountFiat:    req.AmountFiat,
		ExchangeRate:  req.Rate,
		Currency:      req.Currency,
		MessageHash:   req.MessageHash,
	})
}

// SubmitRelayed creates the order through the backend relayer and waits for the
// relayed transaction. A 5xx or network error from the relayer is returned as
// is: the caller must confirm before resubmitting.
func (s *Submitter) SubmitRelayed(ctx context.Context, req RelayRequest) (*SubmitResult, error) {
	start := s.now()
	if s.relay == nil || s.receipts == nil {
		return nil, s.fail(start, stageRelay, domain.SubmissionInvalid, errors.New("relay not configured"))
	}
	if req.MessageHash == "" {
		return nil, s.fail(start, stageRelay, domain.SubmissionInvalid, errors.New("message hash required"))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeoutFor(req.Timeout))
	defer cancel()

	resp, err := s.relay.CreateOrder(ctx, backend.CreateOrderRequest{
		UserAddress: req.UserAddress.Hex(),
		Token:       req.Token.Hex(),
		OrderType:   string(req.Type),
		FiatPayload: req.Fiat,
		MessageHash: req.MessageHash,
	})
	if err != nil {
		return nil, s.fail(start, stageRelay, classifyRelay(err), err)
	}
	if !isTxHash(resp.TxHash) {
		return nil, s.fail(start, stageRelay, domain.SubmissionInvalid, fmt.Errorf("relayer returned tx hash %q", resp.TxHash))
	}

	receipt, err := s.receipts.WaitForReceipt(ctx, common.HexToHash(resp.TxHash))
	if err != nil {
		return nil, s.fail(start, stageReceipt, classify(err), err)
	}

	return s.acknowledge(start, receipt, domain.OrderParams{
		WalletAddress: req.UserAddress.Hex(),
		TokenAddress:  req.Token.Hex(),
		Type:          req.Type,
		AmountCrypto:  req.Fiat.AmountCrypto,
		AmountFiat:    req.Fiat.AmountFiat,
		ExchangeRate:  req.Fiat.Rate,
		Currency:      req.Fiat.Currency,
		MessageHash:   req.MessageHash,
	})
}

func (s *Submitter) confirm(ctx context.Context, txHash common.Hash) error {
	receipt, err := s.wallet.WaitForReceipt(ctx, txHash)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s reverted", txHash.Hex())
	}
	return nil
}

// acknowledge turns an included creation receipt into the pending order.
func (s *Submitter) acknowledge(start time.Time, receipt *types.Receipt, params domain.OrderParams) (*SubmitResult, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, s.fail(start, stageReceipt, domain.SubmissionReverted,
			fmt.Errorf("transaction %s reverted", receipt.TxHash.Hex()))
	}

	created, err := chain.FindOrderCreated(receipt, s.gateway)
	if err != nil {
		return nil, s.fail(start, stageReceipt, domain.SubmissionInvalid, err)
	}
	if params.AmountCrypto.IsZero() && created.Amount != nil {
		params.AmountCrypto = decimal.NewFromBigInt(created.Amount, -s.decimals)
	}
	if params.ExchangeRate.IsZero() && created.Rate != nil {
		params.ExchangeRate = decimal.NewFromBigInt(created.Rate, -2)
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}

	order := domain.NewOrder(created.OrderID.Hex(), receipt.TxHash.Hex(), params, s.now())
	order.CreationBlock = block
	elapsed := s.now().Sub(start)
	s.metrics.RecordSubmission("ok", elapsed)
	s.logger.Info("Order acknowledged",
		slog.String("order_id", order.ID),
		slog.String("tx", order.TxHashes.Creation),
		slog.Uint64("block", block),
		slog.Duration("elapsed", elapsed))

	return &SubmitResult{Order: order, BlockNumber: block}, nil
}

// contractUnits converts amount to token base units and rate to the two-decimal
// fixed point the gateway expects.
func (s *Submitter) contractUnits(amount, rate decimal.Decimal) (*big.Int, *big.Int, error) {
	if !amount.IsPositive() {
		return nil, nil, errors.New("amount must be positive")
	}
	if !rate.IsPositive() {
		return nil, nil, errors.New("rate must be positive")
	}

	units := amount.Shift(s.decimals)
	if !units.Equal(units.Truncate(0)) {
		return nil, nil, fmt.Errorf("amount %s exceeds %d decimals", amount, s.decimals)
	}

	scaledRate := rate.Shift(2)
	if !scaledRate.Equal(scaledRate.Truncate(0)) {
		return nil, nil, fmt.Errorf("rate %s exceeds 2 decimals", rate)
	}
	scaled := scaledRate.BigInt()
	if scaled.BitLen() > maxRateBits {
		return nil, nil, fmt.Errorf("rate %s overflows uint96", rate)
	}
	return units.BigInt(), scaled, nil
}

func (s *Submitter) timeoutFor(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return s.timeout
}

func (s *Submitter) fail(start time.Time, stage string, kind domain.SubmissionKind, err error) error {
	s.metrics.RecordSubmission(string(kind), s.now().Sub(start))
	s.logger.Warn("Order submission failed",
		slog.String("stage", stage),
		slog.String("kind", string(kind)),
		slog.Any("error", err))
	return &domain.SubmissionError{Kind: kind, Stage: stage, Err: err}
}

// classify maps wallet and node errors onto a submission kind.
func classify(err error) domain.SubmissionKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.SubmissionTimeout
	case errors.Is(err, context.Canceled):
		return domain.SubmissionRejected
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"),
		strings.Contains(msg, "rejected by user"):
		return domain.SubmissionRejected
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "exceeds balance"),
		strings.Contains(msg, "insufficient balance"):
		return domain.SubmissionInsufficientFunds
	case strings.Contains(msg, "revert"):
		return domain.SubmissionReverted
	default:
		return domain.SubmissionNetwork
	}
}

func classifyRelay(err error) domain.SubmissionKind {
	var se *domain.StatusError
	if errors.As(err, &se) && se.Code >= http.StatusBadRequest && se.Code < http.StatusInternalServerError &&
		se.Code != http.StatusRequestTimeout && se.Code != http.StatusTooManyRequests {
		return domain.SubmissionInvalid
	}
	return classify(err)
}

func isTxHash(s string) bool {
	return len(s) == 66 && strings.HasPrefix(s, "0x")
}
