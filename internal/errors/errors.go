// Package errors provides structured error types for the assistant client.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the streaming core.
var (
	ErrAuthRequired               = errors.New("authentication required")
	ErrNotConnected               = errors.New("not connected")
	ErrTransportFallbackExhausted = errors.New("all transports failed")
	ErrDecode                     = errors.New("malformed frame")
	ErrCancelled                  = errors.New("cancelled")

	ErrEmptyMessage         = errors.New("message is empty")
	ErrSessionActive        = errors.New("a stream session is already active")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrDuplicateCorrelation = errors.New("correlation id already bound")
	ErrTimeout              = errors.New("operation timed out")
	ErrUnavailable          = errors.New("service unavailable")
)

// DecodeError is returned when an inbound frame or record cannot be parsed.
// It matches ErrDecode with errors.Is.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// NewDecodeError wraps err for the given raw payload.
func NewDecodeError(raw []byte, err error) *DecodeError {
	return &DecodeError{Raw: raw, Err: err}
}

// APIError represents an error from a backend HTTP call.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Is maps 401/403 responses onto ErrAuthRequired.
func (e *APIError) Is(target error) bool {
	return target == ErrAuthRequired && (e.StatusCode == 401 || e.StatusCode == 403)
}

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotConnected)
}
