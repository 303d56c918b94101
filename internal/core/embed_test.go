package core

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitebot.dev/chatbot/internal/llm"
)

func TestNormalizeForEmbedding(t *testing.T) {
	assert.Equal(t, "a b c d", NormalizeForEmbedding("a\r\nb\nc\rd"))
	assert.Equal(t, "plain", NormalizeForEmbedding("plain"))
}

func TestEmbeddingClient_NormalizesAndRetries(t *testing.T) {
	stubSleep(t)
	embedder := &fakeEmbedder{
		vec:  []float32{0.1, 0.2},
		errs: []error{&llm.HTTPStatusError{StatusCode: http.StatusServiceUnavailable}},
	}
	c := NewEmbeddingClient(embedder, RetryPolicy{Attempts: 2})

	vec, err := c.Embed(context.Background(), "line one\nline two")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
	assert.Equal(t, []string{"line one line two", "line one line two"}, embedder.calls)
}

func TestEmbeddingClient_EmptyVectorIsUpstreamError(t *testing.T) {
	c := NewEmbeddingClient(&fakeEmbedder{}, RetryPolicy{Attempts: 1})
	_, err := c.Embed(context.Background(), "q")
	requireCoreError(t, err, ErrorUpstream)
}
