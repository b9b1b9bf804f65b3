package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"ramp_go/internal/domain"
	"ramp_go/internal/event"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// GatewayABI is the subset of the gateway contract used for order creation and tracking.
const GatewayABI = `[
	{"type":"function","name":"createOrder","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"rate","type":"uint96"},
		{"name":"orderType","type":"uint8"},
		{"name":"refundAddress","type":"address"},
		{"name":"messageHash","type":"string"}],
	 "outputs":[{"name":"orderId","type":"bytes32"}]},
	{"type":"event","name":"OrderCreated","anonymous":false,
	 "inputs":[
		{"name":"orderId","type":"bytes32","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"token","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"orderType","type":"uint8","indexed":false},
		{"name":"rate","type":"uint96","indexed":false},
		{"name":"messageHash","type":"string","indexed":false}]},
	{"type":"event","name":"OrderSettled","anonymous":false,
	 "inputs":[
		{"name":"orderId","type":"bytes32","indexed":true},
		{"name":"liquidityProvider","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"OrderRefunded","anonymous":false,
	 "inputs":[
		{"name":"orderId","type":"bytes32","indexed":true},
		{"name":"fee","type":"uint256","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}]}
]`

// ERC20ABI covers the allowance call made before order creation.
const ERC20ABI = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

var (
	gatewayABI = mustParseABI(GatewayABI)
	erc20ABI   = mustParseABI(ERC20ABI)

	// Event topics of the gateway lifecycle.
	OrderCreatedTopic  = gatewayABI.Events["OrderCreated"].ID
	OrderSettledTopic  = gatewayABI.Events["OrderSettled"].ID
	OrderRefundedTopic = gatewayABI.Events["OrderRefunded"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// LifecycleTopics returns topic0 of every event the listener follows.
func LifecycleTopics() []common.Hash {
	return []common.Hash{OrderCreatedTopic, OrderSettledTopic, OrderRefundedTopic}
}

// OrderCreated is the decoded creation event.
type OrderCreated struct {
	OrderID     common.Hash
	Sender      common.Address
	Token       common.Address
	Amount      *big.Int
	OrderType   uint8
	Rate        *big.Int
	MessageHash string
	TxHash      common.Hash
	BlockNumber uint64
}

// ParseOrderCreated decodes an OrderCreated log.
func ParseOrderCreated(log types.Log) (*OrderCreated, error) {
	if len(log.Topics) != 4 || log.Topics[0] != OrderCreatedTopic {
		return nil, fmt.Errorf("log is not OrderCreated")
	}

	fields := map[string]interface{}{}
	if err := gatewayABI.UnpackIntoMap(fields, "OrderCreated", log.Data); err != nil {
		return nil, fmt.Errorf("unpack OrderCreated: %w", err)
	}

	out := &OrderCreated{
		OrderID:     log.Topics[1],
		Sender:      common.BytesToAddress(log.Topics[2].Bytes()),
		Token:       common.BytesToAddress(log.Topics[3].Bytes()),
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
	}
	var ok bool
	if out.Amount, ok = fields["amount"].(*big.Int); !ok {
		return nil, fmt.Errorf("OrderCreated: unexpected amount type %T", fields["amount"])
	}
	if out.OrderType, ok = fields["orderType"].(uint8); !ok {
		return nil, fmt.Errorf("OrderCreated: unexpected orderType type %T", fields["orderType"])
	}
	if out.Rate, ok = fields["rate"].(*big.Int); !ok {
		return nil, fmt.Errorf("OrderCreated: unexpected rate type %T", fields["rate"])
	}
	if out.MessageHash, ok = fields["messageHash"].(string); !ok {
		return nil, fmt.Errorf("OrderCreated: unexpected messageHash type %T", fields["messageHash"])
	}
	return out, nil
}

// FindOrderCreated returns the OrderCreated event emitted by gateway in receipt.
func FindOrderCreated(receipt *types.Receipt, gateway common.Address) (*OrderCreated, error) {
	if receipt == nil {
		return nil, domain.ErrOrderEventMissing
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != gateway {
			continue
		}
		if len(log.Topics) == 0 || log.Topics[0] != OrderCreatedTopic {
			continue
		}
		return ParseOrderCreated(*log)
	}
	return nil, domain.ErrOrderEventMissing
}

// StatusEvent maps a lifecycle log onto the status it proves.
func StatusEvent(log types.Log, observedAt time.Time) (*event.StatusEvent, error) {
	if len(log.Topics) < 2 {
		return nil, fmt.Errorf("log has %d topics", len(log.Topics))
	}

	ev := &event.StatusEvent{
		BaseEvent: event.BaseEvent{
			OrderID:    log.Topics[1].Hex(),
			Src:        event.SourceChain,
			ObservedAt: observedAt,
		},
	}
	txHash := log.TxHash.Hex()

	switch log.Topics[0] {
	case OrderCreatedTopic:
		ev.Status = domain.StatusPending
		ev.TxHashes.Creation = txHash
	case OrderSettledTopic:
		ev.Status = domain.StatusSettled
		ev.TxHashes.Settlement = txHash
	case OrderRefundedTopic:
		ev.Status = domain.StatusRefunded
		ev.TxHashes.Refund = txHash
	default:
		return nil, fmt.Errorf("unknown event topic %s", log.Topics[0].Hex())
	}
	return ev, nil
}

// PackCreateOrder encodes a createOrder call.
func PackCreateOrder(token common.Address, amount, rate *big.Int, orderType uint8, refund common.Address, messageHash string) ([]byte, error) {
	return gatewayABI.Pack("createOrder", token, amount, rate, orderType, refund, messageHash)
}

// PackApprove encodes an ERC-20 approve call.
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}
