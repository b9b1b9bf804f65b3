package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "fetch_status", "create_order")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// StatusError is a non-2xx response from the backend.
// 5xx, 408 and 429 are retriable; every other status is not.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

func (e *StatusError) IsRetriable() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// EncodingError is returned by the order encoder for missing or invalid input.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	return "encoding error [" + e.Field + "]: " + e.Reason
}

func (e *EncodingError) IsRetriable() bool {
	return false
}

// SubmissionKind classifies why an order submission failed.
type SubmissionKind string

const (
	SubmissionRejected          SubmissionKind = "rejected"
	SubmissionInsufficientFunds SubmissionKind = "insufficient_funds"
	SubmissionNetwork           SubmissionKind = "network"
	SubmissionReverted          SubmissionKind = "reverted"
	SubmissionTimeout           SubmissionKind = "timeout"
	SubmissionInvalid           SubmissionKind = "invalid"
)

// SubmissionError reports a failed submission. It is never retried automatically;
// the caller decides whether to start over with a freshly encoded payload.
type SubmissionError struct {
	Kind  SubmissionKind
	Stage string // "approve", "create", "relay", "receipt"
	Err   error
}

func (e *SubmissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("submission failed at %s (%s)", e.Stage, e.Kind)
	}
	return fmt.Sprintf("submission failed at %s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func (e *SubmissionError) IsRetriable() bool {
	return false
}

// IsSubmissionKind reports whether err is a SubmissionError of the given kind.
func IsSubmissionKind(err error, kind SubmissionKind) bool {
	var se *SubmissionError
	return errors.As(err, &se) && se.Kind == kind
}

// TransientPollError is surfaced when every attempt of a poll tick failed.
// Polling continues after it.
type TransientPollError struct {
	OrderID  string
	Attempts int
	Err      error
}

func (e *TransientPollError) Error() string {
	return fmt.Sprintf("poll %s failed after %d attempts: %v", e.OrderID, e.Attempts, e.Err)
}

func (e *TransientPollError) Unwrap() error {
	return e.Err
}

func (e *TransientPollError) IsRetriable() bool {
	return true
}

// TerminalOrderError is the final outcome of an order that failed or was refunded.
type TerminalOrderError struct {
	OrderID string
	Status  Status
	Reason  string
}

func (e *TerminalOrderError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("order %s %s", e.OrderID, e.Status)
	}
	return fmt.Sprintf("order %s %s: %s", e.OrderID, e.Status, e.Reason)
}

func (e *TerminalOrderError) IsRetriable() bool {
	return false
}

var (
	// ErrOrderNotFound is returned when no tracker or stored record exists for an order.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderEventMissing is returned when a receipt carries no OrderCreated log.
	ErrOrderEventMissing = errors.New("order created event missing from receipt")

	// ErrAlreadyTracking is returned when a tracker already exists for an order.
	ErrAlreadyTracking = errors.New("order already tracked")

	// ErrOrderNotTerminal is returned when acknowledging an order that is still in flight.
	ErrOrderNotTerminal = errors.New("order not in a terminal state")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
