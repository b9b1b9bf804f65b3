package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the node API used to sign, send and confirm transactions.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Dial connects to an Ethereum node. Subscriptions require a ws:// or wss:// endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// LoadSigner parses a hex-encoded secp256k1 private key.
func LoadSigner(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return key, nil
}

// CreateOrderCall holds the createOrder arguments in contract units.
type CreateOrderCall struct {
	Token         common.Address
	Amount        *big.Int
	Rate          *big.Int
	OrderType     uint8
	RefundAddress common.Address
	MessageHash   string
}

// Wallet signs gateway and token transactions with a local key.
type Wallet struct {
	backend      Backend
	auth         *bind.TransactOpts
	gateway      *bind.BoundContract
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewWallet creates a wallet for key on chainID, targeting the gateway contract.
func NewWallet(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, gateway common.Address, pollInterval time.Duration) (*Wallet, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("create transactor: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Wallet{
		backend:      backend,
		auth:         auth,
		gateway:      bind.NewBoundContract(gateway, gatewayABI, backend, backend, backend),
		pollInterval: pollInterval,
		logger:       slog.Default().With("module", "wallet"),
	}, nil
}

// Address returns the signing account.
func (w *Wallet) Address() common.Address {
	return w.auth.From
}

// Approve authorizes spender to move amount of token.
func (w *Wallet) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	erc20 := bind.NewBoundContract(token, erc20ABI, w.backend, w.backend, w.backend)
	tx, err := erc20.Transact(w.opts(ctx), "approve", spender, amount)
	if err != nil {
		return common.Hash{}, err
	}
	w.logger.Info("Approval sent", slog.String("tx", tx.Hash().Hex()), slog.String("token", token.Hex()))
	return tx.Hash(), nil
}

// CreateOrder sends the gateway createOrder transaction.
func (w *Wallet) CreateOrder(ctx context.Context, call CreateOrderCall) (common.Hash, error) {
	tx, err := w.gateway.Transact(w.opts(ctx), "createOrder",
		call.Token, call.Amount, call.Rate, call.OrderType, call.RefundAddress, call.MessageHash)
	if err != nil {
		return common.Hash{}, err
	}
	w.logger.Info("Order creation sent", slog.String("tx", tx.Hash().Hex()))
	return tx.Hash(), nil
}

// WaitForReceipt polls until txHash is included or ctx is done.
func (w *Wallet) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return WaitForReceipt(ctx, w.backend, txHash, w.pollInterval)
}

// ReceiptWatcher waits for transactions sent by someone else, such as a relayer.
type ReceiptWatcher struct {
	client   ReceiptFetcher
	interval time.Duration
}

// NewReceiptWatcher creates a watcher polling client every interval.
func NewReceiptWatcher(client ReceiptFetcher, interval time.Duration) *ReceiptWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &ReceiptWatcher{client: client, interval: interval}
}

// WaitForReceipt polls until txHash is included or ctx is done.
func (r *ReceiptWatcher) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return WaitForReceipt(ctx, r.client, txHash, r.interval)
}

func (w *Wallet) opts(ctx context.Context) *bind.TransactOpts {
	opts := *w.auth
	opts.Context = ctx
	return &opts
}

// ReceiptFetcher is the node call used while waiting for inclusion.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls client for the receipt of txHash every interval.
func WaitForReceipt(ctx context.Context, client ReceiptFetcher, txHash common.Hash, interval time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("fetch receipt %s: %w", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
