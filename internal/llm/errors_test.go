package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"canceled", fmt.Errorf("wrapped: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, false},
		{"http 429", &HTTPStatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"http 503", fmt.Errorf("x: %w", &HTTPStatusError{StatusCode: http.StatusServiceUnavailable}), true},
		{"http 400", &HTTPStatusError{StatusCode: http.StatusBadRequest}, false},
		{"googleapi 500", &googleapi.Error{Code: 500}, true},
		{"googleapi 404", &googleapi.Error{Code: 404}, false},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), true},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), true},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
