package execution

import (
	"encoding/json"
	"strings"

	"ramp_go/internal/domain"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Recipient identifies where the fiat leg is paid out.
type Recipient struct {
	Identifier  string // phone number, till or account number
	Name        string
	Institution string
	CashoutType string // e.g. PHONE, TILL, BANK
}

// EncodeParams are the order attributes bound by the message hash.
type EncodeParams struct {
	Recipient Recipient
	Currency  string
	Rate      decimal.Decimal
	Amount    decimal.Decimal
}

// canonicalPayload fixes field order; decimals are rendered in their shortest form.
type canonicalPayload struct {
	Identifier  string `json:"identifier"`
	Name        string `json:"name"`
	Institution string `json:"institution"`
	CashoutType string `json:"cashout_type"`
	Currency    string `json:"currency"`
	Rate        string `json:"rate"`
	Amount      string `json:"amount"`
}

// Encode returns the message hash binding recipient, currency, rate and amount.
// Equal inputs always yield the same hash.
func Encode(p EncodeParams) (string, error) {
	payload, err := canonicalize(p)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", &domain.EncodingError{Field: "payload", Reason: err.Error()}
	}
	return crypto.Keccak256Hash(raw).Hex(), nil
}

func canonicalize(p EncodeParams) (canonicalPayload, error) {
	identifier := strings.TrimSpace(p.Recipient.Identifier)
	if identifier == "" {
		return canonicalPayload{}, &domain.EncodingError{Field: "recipient.identifier", Reason: "required"}
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		return canonicalPayload{}, &domain.EncodingError{Field: "currency", Reason: "required"}
	}
	if !p.Rate.IsPositive() {
		return canonicalPayload{}, &domain.EncodingError{Field: "rate", Reason: "must be positive"}
	}
	if !p.Rate.Equal(p.Rate.Truncate(2)) {
		return canonicalPayload{}, &domain.EncodingError{Field: "rate", Reason: "at most 2 decimals"}
	}
	if !p.Amount.IsPositive() {
		return canonicalPayload{}, &domain.EncodingError{Field: "amount", Reason: "must be positive"}
	}

	return canonicalPayload{
		Identifier:  identifier,
		Name:        strings.TrimSpace(p.Recipient.Name),
		Institution: strings.TrimSpace(p.Recipient.Institution),
		CashoutType: strings.ToUpper(strings.TrimSpace(p.Recipient.CashoutType)),
		Currency:    currency,
		Rate:        p.Rate.String(),
		Amount:      p.Amount.String(),
	}, nil
}
