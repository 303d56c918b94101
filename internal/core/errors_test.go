package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_StatusCodeAndMessage(t *testing.T) {
	tests := []struct {
		code    ErrorCode
		status  int
		message string
	}{
		{ErrorInvalidInput, http.StatusBadRequest, "invalid request"},
		{ErrorNotFound, http.StatusNotFound, "not found"},
		{ErrorUpstream, http.StatusBadGateway, "something went wrong"},
		{ErrorTimeout, http.StatusGatewayTimeout, "the request timed out, please try again"},
		{ErrorInternal, http.StatusInternalServerError, "something went wrong"},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			e := newError(tt.code, "reason", nil)
			assert.Equal(t, tt.status, e.StatusCode())
			assert.Equal(t, tt.message, e.PublicMessage())
		})
	}

	limit := &Error{Code: ErrorLimitReached, Message: "come back tomorrow"}
	assert.Equal(t, http.StatusTooManyRequests, limit.StatusCode())
	assert.Equal(t, "come back tomorrow", limit.PublicMessage())
}

func TestAsError(t *testing.T) {
	inner := newError(ErrorNotFound, "chatbot_not_found", nil)
	assert.Same(t, inner, AsError(fmt.Errorf("wrapped: %w", inner)))
	assert.Equal(t, ErrorTimeout, AsError(context.DeadlineExceeded).Code)
	assert.Equal(t, ErrorInternal, AsError(errors.New("x")).Code)
}

func TestUpstreamError_KeepsCoreErrors(t *testing.T) {
	inner := newError(ErrorTimeout, "embedding_error", nil)
	assert.Same(t, inner, upstreamError("context_error", inner))
	assert.Equal(t, ErrorTimeout, upstreamError("x", fmt.Errorf("call: %w", context.DeadlineExceeded)).Code)
	assert.Equal(t, ErrorUpstream, upstreamError("x", errors.New("boom")).Code)
}
