package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ramp_go/internal/domain"
	"ramp_go/internal/infra"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxErrorBody         = 512
)

// Client is the aggregator backend REST client (boundary layer).
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	signer     *Signer
	logger     *slog.Logger

	createAttempts  int
	createBaseDelay time.Duration
	wait            func(ctx context.Context, d time.Duration) error
	newKey          func() string
}

// ClientOption customises the client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outbound requests per second across all orders.
func WithRateLimit(rps float64) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
		}
	}
}

// WithSigner authenticates every request with the given API credentials.
func WithSigner(s *Signer) ClientOption {
	return func(c *Client) { c.signer = s }
}

// WithCreateRetry sets the attempts and base delay used for 408/429 on order creation.
func WithCreateRetry(attempts int, baseDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.createAttempts = attempts
		c.createBaseDelay = baseDelay
	}
}

// NewClient creates a backend client for baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxConnsPerHost = 10
	transport.IdleConnTimeout = 30 * time.Second

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		limiter:         rate.NewLimiter(rate.Inf, 0),
		logger:          slog.Default().With("module", "backend_client"),
		createAttempts:  2,
		createBaseDelay: time.Second,
		wait:            infra.Sleep,
		newKey:          func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchStatus queries GET /orders/{orderID}.
// A 404 means the backend has not indexed the order yet and yields a
// synthetic pending response with NotIndexed set.
func (c *Client) FetchStatus(ctx context.Context, orderID string) (*StatusResponse, error) {
	const op = "fetch_status"

	resp, err := c.doRequest(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return &StatusResponse{Status: string(domain.StatusPending), NotIndexed: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, resp)
	}

	var out StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.NewFatalNetworkError(op, fmt.Errorf("decode response: %w", err))
	}
	return &out, nil
}

// CreateOrder submits POST /orders/create. The same idempotency key is sent on
// every attempt. Only 408 and 429 are retried: after a 5xx or a transport error
// the outcome is unknown and resubmitting could move funds twice, so the error
// is returned for the caller to confirm.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResponse, error) {
	const op = "create_order"

	headers := map[string]string{headerIdempotencyKey: c.newKey()}
	attempts := c.createAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := infra.ExponentialDelay(c.createBaseDelay, i-1, 0)
			c.logger.Info("Retrying order creation", slog.Int("attempt", i+1), slog.Duration("delay", delay))
			if err := c.wait(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := c.doRequest(ctx, http.MethodPost, "/orders/create", headers, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.NewFatalNetworkError(op, err)
		}

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted {
			var out CreateOrderResponse
			err := json.NewDecoder(resp.Body).Decode(&out)
			resp.Body.Close()
			if err != nil {
				return nil, domain.NewFatalNetworkError(op, fmt.Errorf("decode response: %w", err))
			}
			return &out, nil
		}

		serr := statusError(op, resp)
		resp.Body.Close()
		if serr.Code != http.StatusRequestTimeout && serr.Code != http.StatusTooManyRequests {
			return nil, serr
		}
		lastErr = serr
		c.logger.Warn("Order creation throttled", slog.Int("attempt", i+1), slog.Int("status", serr.Code))
	}
	return nil, lastErr
}

// doRequest handles rate limiting, headers and serialization
func (c *Client) doRequest(ctx context.Context, method, path string, headers map[string]string, body interface{}) (*http.Response, error) {
	var (
		bodyReader io.Reader
		jsonBytes  []byte
	)
	if body != nil {
		var err error
		if jsonBytes, err = json.Marshal(body); err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonBytes)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.signer != nil {
		for k, v := range c.signer.Headers(method, req.URL.RequestURI(), jsonBytes) {
			req.Header.Set(k, v)
		}
	}

	return c.httpClient.Do(req)
}

func statusError(op string, resp *http.Response) *domain.StatusError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &domain.StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
