package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ramp_go/internal/domain"
	"ramp_go/internal/service"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrderID = "0x8f3c0d6a2b1e4f5a6c7d8e9f00112233445566778899aabbccddeeff00112233"

type fakeOrders struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	submitErr error
	submitted []service.OffRampRequest
	relayed   []service.RelayedRequest
	resumed   []string
}

func newFakeOrders(orders ...domain.Order) *fakeOrders {
	f := &fakeOrders{orders: make(map[string]domain.Order)}
	for _, o := range orders {
		f.orders[o.ID] = o
	}
	return f
}

func (f *fakeOrders) SubmitOffRamp(_ context.Context, req service.OffRampRequest) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return domain.Order{}, f.submitErr
	}
	o := domain.Order{ID: testOrderID, Status: domain.StatusPending, AmountCrypto: req.AmountCrypto, Currency: req.Currency}
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeOrders) SubmitRelayed(_ context.Context, req service.RelayedRequest) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayed = append(f.relayed, req)
	if f.submitErr != nil {
		return domain.Order{}, f.submitErr
	}
	o := domain.Order{ID: testOrderID, Status: domain.StatusPending, Type: req.Type, WalletAddress: req.UserAddress.Hex()}
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeOrders) Resume(id string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, id)
	if _, ok := f.orders[id]; ok {
		return domain.Order{}, domain.ErrAlreadyTracking
	}
	o := domain.Order{ID: id, Status: domain.StatusPending}
	f.orders[id] = o
	return o, nil
}

func (f *fakeOrders) Get(id string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeOrders) Active() []domain.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Order, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, o)
	}
	return out
}

func (f *fakeOrders) Cancel(id string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	delete(f.orders, id)
	return o, nil
}

func (f *fakeOrders) Acknowledge(id string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if !o.Status.IsTerminal() {
		return domain.Order{}, domain.ErrOrderNotTerminal
	}
	delete(f.orders, id)
	return o, nil
}

func (f *fakeOrders) put(o domain.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = o
}

func newTestServer(t *testing.T, orders Orders) (*httptest.Server, *Feed) {
	t.Helper()
	feed := NewFeed()
	srv := httptest.NewServer(NewServer(orders, feed, prometheus.NewRegistry()).Handler())
	t.Cleanup(srv.Close)
	return srv, feed
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

const submitBody = `{
	"token": "0x48065fbBE25f71C9282ddf5e1cD6D6A887483D5e",
	"amount": "10",
	"rate": "129.5",
	"currency": "KES",
	"recipient": {"identifier": "254712345678", "name": "Jane Doe", "institution": "SAFAKEPC", "cashout_type": "phone"}
}`

func TestServer_SubmitOrder(t *testing.T) {
	orders := newFakeOrders()
	srv, _ := newTestServer(t, orders)

	resp, err := http.Post(srv.URL+"/orders", "application/json", strings.NewReader(submitBody))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var got domain.Order
	decodeBody(t, resp, &got)
	assert.Equal(t, testOrderID, got.ID)
	assert.Equal(t, domain.StatusPending, got.Status)

	orders.mu.Lock()
	submitted := orders.submitted
	orders.mu.Unlock()
	require.Len(t, submitted, 1)
	req := submitted[0]
	assert.True(t, req.AmountCrypto.Equal(decimal.NewFromInt(10)))
	assert.True(t, req.Rate.Equal(decimal.RequireFromString("129.5")))
	assert.Equal(t, "254712345678", req.Recipient.Identifier)
	assert.Equal(t, "phone", req.Recipient.CashoutType)
}

func TestServer_RelayOrder(t *testing.T) {
	orders := newFakeOrders()
	srv, _ := newTestServer(t, orders)

	body := `{
		"user_address": "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		"token": "0x48065fbBE25f71C9282ddf5e1cD6D6A887483D5e",
		"amount": "50",
		"rate": "3.7",
		"currency": "GHS",
		"recipient": {"identifier": "233201234567", "cashout_type": "phone"}
	}`
	resp, err := http.Post(srv.URL+"/orders/relay", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var got domain.Order
	decodeBody(t, resp, &got)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, domain.OrderTypeOnRamp, got.Type)

	resp, err = http.Post(srv.URL+"/orders/relay", "application/json",
		strings.NewReader(`{"user_address":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8","token":"0x48065fbBE25f71C9282ddf5e1cD6D6A887483D5e","order_type":"swap"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	orders.mu.Lock()
	defer orders.mu.Unlock()
	require.Len(t, orders.relayed, 1)
	assert.Equal(t, "233201234567", orders.relayed[0].Recipient.Identifier)
}

func TestServer_SubmitOrderErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantKind string
	}{
		{name: "malformed json", body: `{`, wantCode: http.StatusBadRequest},
		{name: "bad token", body: `{"token":"nope"}`, wantCode: http.StatusBadRequest},
		{
			name:     "encoding error",
			body:     submitBody,
			err:      &domain.EncodingError{Field: "currency", Reason: "required"},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "timeout",
			body:     submitBody,
			err:      &domain.SubmissionError{Kind: domain.SubmissionTimeout, Stage: "receipt", Err: context.DeadlineExceeded},
			wantCode: http.StatusGatewayTimeout,
			wantKind: "timeout",
		},
		{
			name:     "insufficient funds",
			body:     submitBody,
			err:      &domain.SubmissionError{Kind: domain.SubmissionInsufficientFunds, Stage: "approve", Err: errors.New("insufficient funds")},
			wantCode: http.StatusUnprocessableEntity,
			wantKind: "insufficient_funds",
		},
		{
			name:     "network",
			body:     submitBody,
			err:      &domain.SubmissionError{Kind: domain.SubmissionNetwork, Stage: "create", Err: errors.New("dial tcp")},
			wantCode: http.StatusBadGateway,
			wantKind: "network",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := newFakeOrders()
			orders.submitErr = tt.err
			srv, _ := newTestServer(t, orders)

			resp, err := http.Post(srv.URL+"/orders", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, resp.StatusCode)

			var body map[string]string
			decodeBody(t, resp, &body)
			assert.NotEmpty(t, body["error"])
			assert.Equal(t, tt.wantKind, body["kind"])
		})
	}
}

func TestServer_GetOrder(t *testing.T) {
	order := domain.Order{ID: testOrderID, Status: domain.StatusProcessing}
	srv, _ := newTestServer(t, newFakeOrders(order))

	resp, err := http.Get(srv.URL + "/orders/" + testOrderID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.Order
	decodeBody(t, resp, &got)
	assert.Equal(t, domain.StatusProcessing, got.Status)

	resp, err = http.Get(srv.URL + "/orders/0xmissing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_TrackOrder(t *testing.T) {
	orders := newFakeOrders()
	srv, _ := newTestServer(t, orders)

	resp, err := http.Post(srv.URL+"/orders/not-an-id/track", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	orders.mu.Lock()
	assert.Empty(t, orders.resumed)
	orders.mu.Unlock()

	resp, err = http.Post(srv.URL+"/orders/"+testOrderID+"/track", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/orders/"+testOrderID+"/track", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	upper := "0x" + strings.ToUpper(testOrderID[2:])
	resp, err = http.Post(srv.URL+"/orders/"+upper+"/track", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/orders/" + upper)
	require.NoError(t, err)
	var got domain.Order
	decodeBody(t, resp, &got)
	assert.Equal(t, testOrderID, got.ID)

	orders.mu.Lock()
	assert.Equal(t, []string{testOrderID, testOrderID, testOrderID}, orders.resumed)
	orders.mu.Unlock()
}

func TestServer_AcknowledgeAndCancel(t *testing.T) {
	pending := domain.Order{ID: testOrderID, Status: domain.StatusPending}
	orders := newFakeOrders(pending)
	srv, _ := newTestServer(t, orders)

	resp, err := http.Post(srv.URL+"/orders/"+testOrderID+"/ack", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/orders/"+testOrderID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var got domain.Order
	decodeBody(t, resp, &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StatusPending, got.Status)

	orders.put(domain.Order{ID: testOrderID, Status: domain.StatusSettled})
	resp, err = http.Post(srv.URL+"/orders/"+testOrderID+"/ack", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, newFakeOrders())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StreamOrder(t *testing.T) {
	order := domain.Order{ID: testOrderID, Status: domain.StatusPending}
	srv, feed := newTestServer(t, newFakeOrders(order))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/orders/" + testOrderID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var got domain.Order
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, feed.Subscribers(testOrderID))

	// Repeated status is not re-sent.
	feed.OnOrderUpdate(domain.Order{ID: testOrderID, Status: domain.StatusPending})
	feed.OnOrderUpdate(domain.Order{ID: testOrderID, Status: domain.StatusProcessing})
	feed.OnOrderUpdate(domain.Order{ID: testOrderID, Status: domain.StatusSettled})

	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, domain.StatusProcessing, got.Status)
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, domain.StatusSettled, got.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	assert.Eventually(t, func() bool { return feed.Subscribers(testOrderID) == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_StreamUnknownOrder(t *testing.T) {
	srv, feed := newTestServer(t, newFakeOrders())

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/orders/" + testOrderID + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, feed.Subscribers(testOrderID))
}

func TestFeed_DropsWhenSubscriberIsSlow(t *testing.T) {
	feed := NewFeed()
	updates, unsubscribe := feed.Subscribe(testOrderID)

	for i := 0; i < subBuffer+5; i++ {
		feed.OnOrderUpdate(domain.Order{ID: testOrderID, Status: domain.StatusProcessing})
	}
	assert.Len(t, updates, subBuffer)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, feed.Subscribers(testOrderID))
}
