package core

import (
	"context"
	"errors"
	"strings"

	"sitebot.dev/chatbot/internal/llm"
)

var newlineReplacer = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// EmbeddingClient normalizes text and embeds it with bounded retries.
type EmbeddingClient struct {
	embedder llm.Embedder
	retry    RetryPolicy
}

func NewEmbeddingClient(e llm.Embedder, retry RetryPolicy) *EmbeddingClient {
	return &EmbeddingClient{embedder: e, retry: retry}
}

// NormalizeForEmbedding collapses line breaks to spaces.
func NormalizeForEmbedding(text string) string {
	return newlineReplacer.Replace(text)
}

func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	normalized := NormalizeForEmbedding(text)
	vec, err := withRetry(ctx, c.retry, func(ctx context.Context) ([]float32, error) {
		return c.embedder.Embed(ctx, normalized)
	})
	if err != nil {
		return nil, upstreamError("embedding_error", err)
	}
	if len(vec) == 0 {
		return nil, newError(ErrorUpstream, "embedding_empty", errors.New("embedding provider returned an empty vector"))
	}
	return vec, nil
}
