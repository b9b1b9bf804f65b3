package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes the direction of a ramp order.
type OrderType string

const (
	OrderTypeOnRamp  OrderType = "onramp"
	OrderTypeOffRamp OrderType = "offramp"
)

// Uint8 returns the contract encoding of the order type.
func (t OrderType) Uint8() uint8 {
	if t == OrderTypeOnRamp {
		return 1
	}
	return 0
}

// OrderTypeFromUint8 is the inverse of Uint8.
func OrderTypeFromUint8(v uint8) OrderType {
	if v == 1 {
		return OrderTypeOnRamp
	}
	return OrderTypeOffRamp
}

// Status is the externally visible lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFulfilled  Status = "fulfilled"
	StatusValidated  Status = "validated"
	StatusSettled    Status = "settled"
	StatusRefunded   Status = "refunded"
	StatusFailed     Status = "failed"
)

// Rank places a status in the lifecycle partial order.
// All terminal states share the highest rank.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusFulfilled:
		return 2
	case StatusValidated:
		return 3
	case StatusSettled, StatusRefunded, StatusFailed:
		return 4
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusSettled || s == StatusRefunded || s == StatusFailed
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	return s.Rank() >= 0
}

// ParseBackendStatus maps a backend status string onto Status.
// Unrecognized values are treated as processing, never as terminal.
func ParseBackendStatus(raw string) Status {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if s.IsValid() {
		return s
	}
	return StatusProcessing
}

// TxKind identifies which lifecycle stage a transaction hash belongs to.
type TxKind string

const (
	TxCreation   TxKind = "creation"
	TxSettlement TxKind = "settlement"
	TxRefund     TxKind = "refund"
)

// TransactionHashes records the on-chain transactions of each lifecycle stage.
// A field, once non-empty, is never overwritten.
type TransactionHashes struct {
	Creation   string `json:"creation,omitempty"`
	Settlement string `json:"settlement,omitempty"`
	Refund     string `json:"refund,omitempty"`
}

// Get returns the hash recorded for kind.
func (h TransactionHashes) Get(kind TxKind) string {
	switch kind {
	case TxCreation:
		return h.Creation
	case TxSettlement:
		return h.Settlement
	case TxRefund:
		return h.Refund
	}
	return ""
}

// Merge fills empty fields from other and reports whether anything changed.
func (h *TransactionHashes) Merge(other TransactionHashes) bool {
	changed := fillOnce(&h.Creation, other.Creation)
	changed = fillOnce(&h.Settlement, other.Settlement) || changed
	changed = fillOnce(&h.Refund, other.Refund) || changed
	return changed
}

// Receipt holds the payout details reported by the backend.
type Receipt struct {
	ReceiptNumber string          `json:"receipt_number,omitempty"`
	ReceiverName  string          `json:"receiver_name,omitempty"`
	AmountFiat    decimal.Decimal `json:"amount_fiat"`
	Currency      string          `json:"currency,omitempty"`
}

// Merge fills empty fields from other and reports whether anything changed.
func (r *Receipt) Merge(other Receipt) bool {
	changed := fillOnce(&r.ReceiptNumber, other.ReceiptNumber)
	changed = fillOnce(&r.ReceiverName, other.ReceiverName) || changed
	changed = fillOnce(&r.Currency, other.Currency) || changed
	if r.AmountFiat.IsZero() && !other.AmountFiat.IsZero() {
		r.AmountFiat = other.AmountFiat
		changed = true
	}
	return changed
}

func fillOnce(dst *string, v string) bool {
	if *dst != "" || v == "" {
		return false
	}
	*dst = v
	return true
}

// Order is a single funds movement tracked from submission to its terminal state.
// After NewOrder only the order state machine mutates it.
type Order struct {
	ID            string            `json:"order_id"`
	WalletAddress string            `json:"wallet_address"`
	TokenAddress  string            `json:"token_address"`
	Type          OrderType         `json:"order_type"`
	AmountCrypto  decimal.Decimal   `json:"amount_crypto"`
	AmountFiat    decimal.Decimal   `json:"amount_fiat"`
	ExchangeRate  decimal.Decimal   `json:"exchange_rate"`
	Currency      string            `json:"currency"`
	MessageHash   string            `json:"message_hash"`
	Status        Status            `json:"status"`
	TxHashes      TransactionHashes `json:"transaction_hashes"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Receipt       Receipt           `json:"receipt"`
	CreationBlock uint64            `json:"creation_block,omitempty"` // 0 when unknown
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// OrderParams are the submission-time attributes of an order.
type OrderParams struct {
	WalletAddress string
	TokenAddress  string
	Type          OrderType
	AmountCrypto  decimal.Decimal
	AmountFiat    decimal.Decimal
	ExchangeRate  decimal.Decimal
	Currency      string
	MessageHash   string
}

// NewOrder creates the pending record for an order the contract has acknowledged.
func NewOrder(id, creationTx string, p OrderParams, now time.Time) Order {
	return Order{
		ID:            id,
		WalletAddress: p.WalletAddress,
		TokenAddress:  p.TokenAddress,
		Type:          p.Type,
		AmountCrypto:  p.AmountCrypto,
		AmountFiat:    p.AmountFiat,
		ExchangeRate:  p.ExchangeRate,
		Currency:      p.Currency,
		MessageHash:   p.MessageHash,
		Status:        StatusPending,
		TxHashes:      TransactionHashes{Creation: creationTx},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsTerminal reports whether the order has reached a final state.
func (o *Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// Err returns the final, non-retryable outcome of a failed or refunded order.
func (o *Order) Err() error {
	if o.Status != StatusFailed && o.Status != StatusRefunded {
		return nil
	}
	return &TerminalOrderError{OrderID: o.ID, Status: o.Status, Reason: o.FailureReason}
}
