package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"ramp_go/internal/api"
	"ramp_go/internal/domain"
	"ramp_go/internal/event"
	"ramp_go/internal/execution"
	"ramp_go/internal/infra"
	"ramp_go/internal/infra/backend"
	"ramp_go/internal/infra/chain"
	"ramp_go/internal/infra/storage"
	"ramp_go/internal/service"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config   *infra.Config
	Storage  *storage.Storage
	Registry *prometheus.Registry
	Backend  *backend.Client
	RPC      *ethclient.Client
	Logs     *ethclient.Client // nil when no websocket endpoint is configured
	Orders   *service.OrderService
	Feed     *api.Feed
	Server   *api.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads config and wires storage, chain, backend and the order service.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	slog.Info("🚀 Bootstrapping Ramp Go...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))

	// 3. Metrics
	b.Registry = prometheus.NewRegistry()
	b.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := infra.GlobalMetrics.Register(b.Registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// 4. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	// 5. Backend client
	backendOpts := []backend.ClientOption{backend.WithRateLimit(cfg.Backend.RequestsPerSec)}
	if cfg.Backend.APIKey != "" {
		backendOpts = append(backendOpts, backend.WithSigner(backend.NewSigner(cfg.Backend.APIKey, cfg.Backend.APISecret)))
	}
	b.Backend = backend.NewClient(cfg.Backend.BaseURL, time.Duration(cfg.Backend.TimeoutSec)*time.Second, backendOpts...)

	// 6. Chain clients
	if b.RPC, err = chain.Dial(ctx, cfg.Chain.RPCURL); err != nil {
		return err
	}
	switch {
	case cfg.Chain.WSURL != "":
		if b.Logs, err = chain.Dial(ctx, cfg.Chain.WSURL); err != nil {
			return err
		}
	case strings.HasPrefix(cfg.Chain.RPCURL, "ws"):
		b.Logs = b.RPC
	default:
		slog.Warn("No websocket endpoint configured, chain events disabled; relying on backend polling")
	}
	slog.Info("✅ Chain connected", slog.Int64("chain_id", cfg.Chain.ChainID))

	// 7. Submitter
	submitter, err := b.newSubmitter()
	if err != nil {
		return err
	}

	// 8. Order service and API
	b.Feed = api.NewFeed()
	b.Orders = service.NewOrderService(store, b.sourceFactory(),
		service.WithSubmitter(submitter),
		service.WithSinks(b.Feed))
	b.Server = api.NewServer(b.Orders, b.Feed, b.Registry)

	return nil
}

func (b *Bootstrap) newSubmitter() (*execution.Submitter, error) {
	cfg := b.Config
	gateway := common.HexToAddress(cfg.Chain.GatewayAddress)

	opts := []execution.SubmitterOption{
		execution.WithDefaultTimeout(cfg.InclusionTimeout()),
		execution.WithRelay(b.Backend, chain.NewReceiptWatcher(b.RPC, cfg.ReceiptPollInterval())),
	}

	if cfg.Chain.SignerKey != "" {
		key, err := chain.LoadSigner(cfg.Chain.SignerKey)
		if err != nil {
			return nil, &domain.ConfigError{Field: "chain.signer_key", Err: err}
		}
		wallet, err := chain.NewWallet(b.RPC, key, big.NewInt(cfg.Chain.ChainID), gateway, cfg.ReceiptPollInterval())
		if err != nil {
			return nil, err
		}
		opts = append(opts, execution.WithWallet(wallet))
		slog.Info("✅ Wallet loaded", slog.String("address", wallet.Address().Hex()))
	} else {
		slog.Warn("No signer key configured, direct submission disabled")
	}

	return execution.NewSubmitter(gateway, cfg.Chain.TokenDecimals, opts...), nil
}

// sourceFactory builds the chain listener and backend poller of each order.
func (b *Bootstrap) sourceFactory() service.SourceFactory {
	var logs chain.LogClient
	if b.Logs != nil {
		logs = b.Logs
	}
	return orderSources(b.Config, b.Backend, logs)
}

// orderSources always polls the backend. The chain listener is added when
// logs is set and backfills from the order's creation block.
func orderSources(cfg *infra.Config, client backend.StatusFetcher, logs chain.LogClient) service.SourceFactory {
	gateway := common.HexToAddress(cfg.Chain.GatewayAddress)

	return func(order domain.Order, inbox chan<- event.Event) []domain.SignalSource {
		sources := []domain.SignalSource{
			backend.NewPoller(client, order.ID, inbox,
				backend.WithInterval(cfg.PollInterval()),
				backend.WithRetryPolicy(cfg.Poller.MaxAttempts, cfg.PollBaseDelay()),
				backend.WithNotFoundWarnAfter(cfg.Poller.NotFoundWarnAfter)),
		}
		if logs != nil {
			sources = append(sources, chain.NewListener(logs, gateway, common.HexToHash(order.ID), inbox,
				chain.WithFromBlock(max(order.CreationBlock, cfg.Chain.StartBlock))))
		}
		return sources
	}
}

// ResumeActive restarts tracking of every stored order that has not reached a terminal status.
func (b *Bootstrap) ResumeActive() {
	statuses := []domain.Status{domain.StatusPending, domain.StatusProcessing, domain.StatusFulfilled, domain.StatusValidated}
	resumed := 0
	for _, st := range statuses {
		orders, err := b.Storage.ListOrders(st, 0)
		if err != nil {
			slog.Error("Failed to list stored orders", slog.String("status", string(st)), slog.Any("error", err))
			continue
		}
		for _, order := range orders {
			if _, err := b.Orders.Track(order); err != nil {
				slog.Warn("Failed to resume order", slog.String("order_id", order.ID), slog.Any("error", err))
				continue
			}
			resumed++
		}
	}
	slog.Info("🔄 Stored orders resumed", slog.Int("count", resumed))
}

// Close stops tracking and releases connections.
func (b *Bootstrap) Close() {
	if b.Orders != nil {
		b.Orders.Shutdown()
	}
	if b.Logs != nil && b.Logs != b.RPC {
		b.Logs.Close()
	}
	if b.RPC != nil {
		b.RPC.Close()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Error("Failed to close storage", slog.Any("error", err))
		}
	}
}
