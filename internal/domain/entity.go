package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRecord is the persisted snapshot of an Order
type OrderRecord struct {
	OrderID         string          `gorm:"primaryKey" json:"order_id"`
	WalletAddress   string          `gorm:"index" json:"wallet_address"`
	TokenAddress    string          `json:"token_address"`
	OrderType       string          `json:"order_type"`
	AmountCrypto    decimal.Decimal `gorm:"type:text" json:"amount_crypto"`
	AmountFiat      decimal.Decimal `gorm:"type:text" json:"amount_fiat"`
	ExchangeRate    decimal.Decimal `gorm:"type:text" json:"exchange_rate"`
	Currency        string          `json:"currency"`
	MessageHash     string          `json:"message_hash"`
	Status          string          `gorm:"index" json:"status"`
	CreationTx      string          `json:"creation_tx"`
	SettlementTx    string          `json:"settlement_tx"`
	RefundTx        string          `json:"refund_tx"`
	FailureReason   string          `json:"failure_reason"`
	ReceiptNumber   string          `json:"receipt_number"`
	ReceiverName    string          `json:"receiver_name"`
	ReceiptFiat     decimal.Decimal `gorm:"type:text" json:"receipt_fiat"`
	ReceiptCurrency string          `json:"receipt_currency"`
	CreationBlock   uint64          `json:"creation_block"`
	CreatedAt       time.Time       `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"index;autoUpdateTime:false" json:"updated_at"`
}

// TableName overrides the gorm default.
func (OrderRecord) TableName() string {
	return "orders"
}

// NewOrderRecord flattens an Order for storage.
func NewOrderRecord(o Order) *OrderRecord {
	return &OrderRecord{
		OrderID:         o.ID,
		WalletAddress:   o.WalletAddress,
		TokenAddress:    o.TokenAddress,
		OrderType:       string(o.Type),
		AmountCrypto:    o.AmountCrypto,
		AmountFiat:      o.AmountFiat,
		ExchangeRate:    o.ExchangeRate,
		Currency:        o.Currency,
		MessageHash:     o.MessageHash,
		Status:          string(o.Status),
		CreationTx:      o.TxHashes.Creation,
		SettlementTx:    o.TxHashes.Settlement,
		RefundTx:        o.TxHashes.Refund,
		FailureReason:   o.FailureReason,
		ReceiptNumber:   o.Receipt.ReceiptNumber,
		ReceiverName:    o.Receipt.ReceiverName,
		ReceiptFiat:     o.Receipt.AmountFiat,
		ReceiptCurrency: o.Receipt.Currency,
		CreationBlock:   o.CreationBlock,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

// Order rebuilds the domain order from the record.
func (r *OrderRecord) Order() Order {
	return Order{
		ID:            r.OrderID,
		WalletAddress: r.WalletAddress,
		TokenAddress:  r.TokenAddress,
		Type:          OrderType(r.OrderType),
		AmountCrypto:  r.AmountCrypto,
		AmountFiat:    r.AmountFiat,
		ExchangeRate:  r.ExchangeRate,
		Currency:      r.Currency,
		MessageHash:   r.MessageHash,
		Status:        Status(r.Status),
		TxHashes: TransactionHashes{
			Creation:   r.CreationTx,
			Settlement: r.SettlementTx,
			Refund:     r.RefundTx,
		},
		FailureReason: r.FailureReason,
		Receipt: Receipt{
			ReceiptNumber: r.ReceiptNumber,
			ReceiverName:  r.ReceiverName,
			AmountFiat:    r.ReceiptFiat,
			Currency:      r.ReceiptCurrency,
		},
		CreationBlock: r.CreationBlock,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
