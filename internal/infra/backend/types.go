package backend

import (
	"time"

	"ramp_go/internal/domain"
	"ramp_go/internal/event"

	"github.com/shopspring/decimal"
)

// StatusResponse is the body of GET /orders/{orderId}.
type StatusResponse struct {
	Status string     `json:"status"`
	Data   StatusData `json:"data"`

	// NotIndexed is set for the synthetic pending result returned on 404.
	NotIndexed bool `json:"-"`
}

// StatusData carries the order details reported by the backend.
type StatusData struct {
	AmountFiat        decimal.Decimal   `json:"amount_fiat"`
	Currency          string            `json:"currency"`
	FailureReason     string            `json:"failure_reason"`
	TransactionHashes transactionHashes `json:"transaction_hashes"`
	ReceiptNumber     string            `json:"receipt_number"`
	ReceiverName      string            `json:"receiver_name"`
}

type transactionHashes struct {
	Creation   string `json:"creation"`
	Settlement string `json:"settlement"`
	Refund     string `json:"refund"`
}

// Event converts the response into a status event for orderID.
func (r *StatusResponse) Event(orderID string, now time.Time) *event.StatusEvent {
	ev := &event.StatusEvent{
		BaseEvent: event.BaseEvent{
			OrderID:    orderID,
			Src:        event.SourceBackend,
			ObservedAt: now,
		},
		Status:     domain.ParseBackendStatus(r.Status),
		NotIndexed: r.NotIndexed,
	}
	if r.NotIndexed {
		return ev
	}

	ev.TxHashes = domain.TransactionHashes{
		Creation:   r.Data.TransactionHashes.Creation,
		Settlement: r.Data.TransactionHashes.Settlement,
		Refund:     r.Data.TransactionHashes.Refund,
	}
	ev.FailureReason = r.Data.FailureReason

	d := r.Data
	if d.ReceiptNumber != "" || d.ReceiverName != "" || d.Currency != "" || !d.AmountFiat.IsZero() {
		ev.Receipt = &domain.Receipt{
			ReceiptNumber: d.ReceiptNumber,
			ReceiverName:  d.ReceiverName,
			AmountFiat:    d.AmountFiat,
			Currency:      d.Currency,
		}
	}
	return ev
}

// CreateOrderRequest is the body of POST /orders/create.
type CreateOrderRequest struct {
	UserAddress string      `json:"user_address"`
	Token       string      `json:"token"`
	OrderType   string      `json:"order_type"`
	FiatPayload FiatPayload `json:"fiat_payload"`
	MessageHash string      `json:"message_hash"`
}

// FiatPayload describes the fiat leg of a relayed order.
type FiatPayload struct {
	AmountFiat        decimal.Decimal `json:"amount_fiat"`
	AmountCrypto      decimal.Decimal `json:"amount_crypto"`
	Rate              decimal.Decimal `json:"rate"`
	CashoutType       string          `json:"cashout_type"`
	Currency          string          `json:"currency"`
	AccountIdentifier string          `json:"account_identifier,omitempty"`
	AccountName       string          `json:"account_name,omitempty"`
	Institution       string          `json:"institution,omitempty"`
}

// CreateOrderResponse is returned by POST /orders/create.
type CreateOrderResponse struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
}
