package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a failure for retry and surfacing decisions.
type ErrorCode string

const (
	// ErrCodeNetworkUnavailable indicates the service could not be reached.
	ErrCodeNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"

	// ErrCodeTimeout indicates the request timed out (transport or HTTP 408).
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeAuthExpired indicates HTTP 401 that refresh could not repair.
	ErrCodeAuthExpired ErrorCode = "AUTH_EXPIRED"

	// ErrCodeForbidden indicates HTTP 403.
	ErrCodeForbidden ErrorCode = "FORBIDDEN"

	// ErrCodeClientError indicates any other 4xx. Terminal.
	ErrCodeClientError ErrorCode = "CLIENT_ERROR"

	// ErrCodeRateLimited indicates HTTP 429. Retryable.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	// ErrCodeServerError indicates HTTP 5xx. Retryable.
	ErrCodeServerError ErrorCode = "SERVER_ERROR"

	// ErrCodeQueueExhausted indicates a queue item used all its attempts.
	ErrCodeQueueExhausted ErrorCode = "QUEUE_EXHAUSTED"
)

// Error is a classified failure of a remote call or queue item.
//
// Non-2xx responses are normalized into {message, status, data}.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Status is the HTTP status, or 0 for transport failures.
	Status int

	// Data is the raw response body, when there was one.
	Data json.RawMessage

	// Err is the underlying cause (optional).
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s (%d): %s: %v", e.Code, e.Status, e.Message, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeNetworkUnavailable, ErrCodeTimeout, ErrCodeRateLimited, ErrCodeServerError:
		return true
	}
	return false
}

// CodeForStatus maps an HTTP status to its error code.
// Returns "" for 1xx-3xx.
func CodeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusUnauthorized:
		return ErrCodeAuthExpired
	case status == http.StatusForbidden:
		return ErrCodeForbidden
	case status == http.StatusRequestTimeout:
		return ErrCodeTimeout
	case status == http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case status >= 500:
		return ErrCodeServerError
	case status >= 400:
		return ErrCodeClientError
	default:
		return ""
	}
}

// NewHTTPError builds the classified error for a non-2xx response.
func NewHTTPError(status int, message string, data json.RawMessage) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{
		Code:    CodeForStatus(status),
		Message: message,
		Status:  status,
		Data:    data,
	}
}

// NewQueueExhausted builds the error recorded on an item that ran out of
// attempts. last is the failure of the final attempt.
func NewQueueExhausted(attempts int, last error) *Error {
	return &Error{
		Code:    ErrCodeQueueExhausted,
		Message: fmt.Sprintf("gave up after %d attempts", attempts),
		Err:     last,
	}
}

// CodeOf returns the code of the outermost classified error in err's chain,
// or "" when err is not classified.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable returns true if err is a classified transient failure.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// IsTerminal returns true if err is classified and must not be retried.
func IsTerminal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return !e.Retryable()
	}
	return false
}
