package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"ramp_go/internal/domain"
	"ramp_go/internal/execution"
	"ramp_go/internal/service"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const maxRequestBody = 1 << 20

// Orders is the order coordinator surface exposed over HTTP.
type Orders interface {
	SubmitOffRamp(ctx context.Context, req service.OffRampRequest) (domain.Order, error)
	SubmitRelayed(ctx context.Context, req service.RelayedRequest) (domain.Order, error)
	Resume(id string) (domain.Order, error)
	Get(id string) (domain.Order, error)
	Active() []domain.Order
	Cancel(id string) (domain.Order, error)
	Acknowledge(id string) (domain.Order, error)
}

// Server exposes order submission, status reads and the update stream.
type Server struct {
	orders   Orders
	feed     *Feed
	gatherer prometheus.Gatherer
	router   http.Handler
	logger   *slog.Logger
}

// NewServer builds the HTTP router.
func NewServer(orders Orders, feed *Feed, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		orders:   orders,
		feed:     feed,
		gatherer: gatherer,
		logger:   slog.Default().With("module", "api"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/orders", func(orders chi.Router) {
		orders.Post("/", s.SubmitOrder)
		orders.Post("/relay", s.RelayOrder)
		orders.Get("/", s.ListOrders)
		orders.Get("/{id}", s.GetOrder)
		orders.Delete("/{id}", s.CancelOrder)
		orders.Post("/{id}/track", s.TrackOrder)
		orders.Post("/{id}/ack", s.AcknowledgeOrder)
		orders.Get("/{id}/ws", s.StreamOrder)
	})
	return r
}

// SubmitOrderRequest is the body of POST /orders.
type SubmitOrderRequest struct {
	Token      string          `json:"token"`
	Amount     decimal.Decimal `json:"amount"`
	Rate       decimal.Decimal `json:"rate"`
	Currency   string          `json:"currency"`
	TimeoutSec int             `json:"timeout_sec"`
	Recipient  struct {
		Identifier  string `json:"identifier"`
		Name        string `json:"name"`
		Institution string `json:"institution"`
		CashoutType string `json:"cashout_type"`
	} `json:"recipient"`
}

func (req SubmitOrderRequest) recipient() execution.Recipient {
	return execution.Recipient{
		Identifier:  req.Recipient.Identifier,
		Name:        req.Recipient.Name,
		Institution: req.Recipient.Institution,
		CashoutType: req.Recipient.CashoutType,
	}
}

// SubmitOrder encodes, submits and starts tracking an off-ramp order.
func (s *Server) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if !common.IsHexAddress(req.Token) {
		writeError(w, http.StatusBadRequest, "token must be a hex address")
		return
	}

	order, err := s.orders.SubmitOffRamp(r.Context(), service.OffRampRequest{
		Token:        common.HexToAddress(req.Token),
		AmountCrypto: req.Amount,
		Rate:         req.Rate,
		Currency:     req.Currency,
		Recipient:    req.recipient(),
		Timeout:      time.Duration(req.TimeoutSec) * time.Second,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// RelayOrderRequest is the body of POST /orders/relay.
type RelayOrderRequest struct {
	SubmitOrderRequest
	UserAddress string `json:"user_address"`
	OrderType   string `json:"order_type"`
}

// RelayOrder submits an order through the backend relayer and starts tracking it.
func (s *Server) RelayOrder(w http.ResponseWriter, r *http.Request) {
	var req RelayOrderRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if !common.IsHexAddress(req.Token) || !common.IsHexAddress(req.UserAddress) {
		writeError(w, http.StatusBadRequest, "token and user_address must be hex addresses")
		return
	}
	orderType := domain.OrderType(req.OrderType)
	if orderType == "" {
		orderType = domain.OrderTypeOnRamp
	}
	if orderType != domain.OrderTypeOnRamp && orderType != domain.OrderTypeOffRamp {
		writeError(w, http.StatusBadRequest, "order_type must be onramp or offramp")
		return
	}

	order, err := s.orders.SubmitRelayed(r.Context(), service.RelayedRequest{
		UserAddress:  common.HexToAddress(req.UserAddress),
		Token:        common.HexToAddress(req.Token),
		Type:         orderType,
		AmountCrypto: req.Amount,
		Rate:         req.Rate,
		Currency:     req.Currency,
		Recipient:    req.recipient(),
		Timeout:      time.Duration(req.TimeoutSec) * time.Second,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// ListOrders returns every actively tracked order.
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orders.Active())
}

// GetOrder returns the current snapshot of an order.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.Get(orderIDParam(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// TrackOrder resumes tracking of an existing order.
func (s *Server) TrackOrder(w http.ResponseWriter, r *http.Request) {
	id := orderIDParam(r)
	if !isOrderID(id) {
		writeError(w, http.StatusBadRequest, "order id must be 0x-prefixed bytes32")
		return
	}
	order, err := s.orders.Resume(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, order)
}

// CancelOrder stops tracking without changing the recorded status.
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.Cancel(orderIDParam(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// AcknowledgeOrder evicts a terminal order.
func (s *Server) AcknowledgeOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.Acknowledge(orderIDParam(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// StreamOrder upgrades to a websocket streaming status changes.
func (s *Server) StreamOrder(w http.ResponseWriter, r *http.Request) {
	id := orderIDParam(r)

	// Subscribe before reading the snapshot so no change is missed in between.
	updates, unsubscribe := s.feed.Subscribe(id)
	defer unsubscribe()

	order, err := s.orders.Get(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.feed.Stream(w, r, order, updates)
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Any("error", err))
	}

	body := map[string]string{"error": err.Error()}
	var se *domain.SubmissionError
	if errors.As(err, &se) {
		body["kind"] = string(se.Kind)
		body["stage"] = se.Stage
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	var (
		ee *domain.EncodingError
		se *domain.SubmissionError
	)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyTracking), errors.Is(err, domain.ErrOrderNotTerminal):
		return http.StatusConflict
	case errors.As(err, &ee):
		return http.StatusBadRequest
	case errors.As(err, &se):
		switch se.Kind {
		case domain.SubmissionTimeout:
			return http.StatusGatewayTimeout
		case domain.SubmissionNetwork:
			return http.StatusBadGateway
		default:
			return http.StatusUnprocessableEntity
		}
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", chimw.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func isOrderID(id string) bool {
	if len(id) != 66 || id[:2] != "0x" {
		return false
	}
	_, err := common.ParseHexOrString(id)
	return err == nil
}

// orderIDParam reads the id path parameter in the lowercase form chain events carry.
func orderIDParam(r *http.Request) string {
	id := chi.URLParam(r, "id")
	if isOrderID(id) {
		return common.HexToHash(id).Hex()
	}
	return id
}
