package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorLimitReached ErrorCode = "LIMIT_REACHED"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorTimeout      ErrorCode = "TIMEOUT"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error is the failure type returned by the answer pipeline. Message is what
// callers may show to an end user; Reason is for logs.
type Error struct {
	Code    ErrorCode
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("core: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("core: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StatusCode maps the error code to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Code {
	case ErrorInvalidInput:
		return http.StatusBadRequest
	case ErrorNotFound:
		return http.StatusNotFound
	case ErrorLimitReached:
		return http.StatusTooManyRequests
	case ErrorUpstream:
		return http.StatusBadGateway
	case ErrorTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is safe to send to a widget.
func (e *Error) PublicMessage() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Code {
	case ErrorInvalidInput:
		return "invalid request"
	case ErrorNotFound:
		return "not found"
	case ErrorTimeout:
		return "the request timed out, please try again"
	default:
		return "something went wrong"
	}
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// upstreamError classifies a provider failure, reporting deadline overruns as timeouts.
func upstreamError(reason string, err error) *Error {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorTimeout, reason, err)
	}
	return newError(ErrorUpstream, reason, err)
}

// AsError converts any error into an *Error.
func AsError(err error) *Error {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorTimeout, "deadline_exceeded", err)
	}
	return newError(ErrorInternal, "unexpected_error", err)
}
