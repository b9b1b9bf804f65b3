package storage

import (
	"path/filepath"
	"testing"
	"time"

	"ramp_go/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Storage {
	s, err := NewStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder(id string, at time.Time) domain.Order {
	return domain.NewOrder(id, "0xc1", domain.OrderParams{
		WalletAddress: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		TokenAddress:  "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
		Type:          domain.OrderTypeOffRamp,
		AmountCrypto:  decimal.NewFromInt(100),
		AmountFiat:    decimal.RequireFromString("12950.5"),
		ExchangeRate:  decimal.RequireFromString("129.505"),
		Currency:      "KES",
		MessageHash:   "0xmessage",
	}, at)
}

func TestSaveAndGetOrder(t *testing.T) {
	s := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// 1. Create
	order := testOrder("0xabc", now)
	order.CreationBlock = 18_000_123
	require.NoError(t, s.SaveOrder(order))

	// 2. Get
	fetched, err := s.GetOrder("0xabc")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, fetched.Status)
	assert.Equal(t, "0xc1", fetched.TxHashes.Creation)
	assert.True(t, order.AmountFiat.Equal(fetched.AmountFiat))
	assert.True(t, order.ExchangeRate.Equal(fetched.ExchangeRate))
	assert.True(t, now.Equal(fetched.UpdatedAt))
	assert.Equal(t, uint64(18_000_123), fetched.CreationBlock)
}

func TestSaveOrder_Replaces(t *testing.T) {
	s := setupTestDB(t)
	now := time.Now().UTC()

	order := testOrder("0xabc", now)
	require.NoError(t, s.SaveOrder(order))

	order.Status = domain.StatusRefunded
	order.FailureReason = "insufficient liquidity"
	order.TxHashes.Refund = "0xfee"
	order.UpdatedAt = now.Add(time.Minute)
	s.OnOrderUpdate(order)

	fetched, err := s.GetOrder("0xabc")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, fetched.Status)
	assert.Equal(t, "insufficient liquidity", fetched.FailureReason)
	assert.Equal(t, "0xfee", fetched.TxHashes.Refund)
}

func TestGetOrder_NotFound(t *testing.T) {
	s := setupTestDB(t)
	_, err := s.GetOrder("0xmissing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestListOrders(t *testing.T) {
	s := setupTestDB(t)
	base := time.Now().UTC()

	a := testOrder("0xa", base)
	b := testOrder("0xb", base.Add(time.Second))
	b.Status = domain.StatusSettled
	c := testOrder("0xc", base.Add(2*time.Second))
	for _, o := range []domain.Order{a, b, c} {
		require.NoError(t, s.SaveOrder(o))
	}

	all, err := s.ListOrders("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "0xc", all[0].ID)

	settled, err := s.ListOrders(domain.StatusSettled, 10)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, "0xb", settled[0].ID)

	limited, err := s.ListOrders("", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
