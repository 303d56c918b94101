package embedcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sitebot.dev/chatbot/internal/llm"
	"sitebot.dev/chatbot/internal/logging"
)

// redisAPI is the subset of *redis.Client used by the cache.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// WrapRedis shares embeddings between replicas. Redis failures are logged
// and fall through to the wrapped embedder.
func WrapRedis(e llm.Embedder, client redisAPI, ttl time.Duration) llm.Embedder {
	if e == nil || client == nil {
		return e
	}
	return &redisEmbedder{next: e, client: client, ttl: ttl}
}

type redisEmbedder struct {
	next   llm.Embedder
	client redisAPI
	ttl    time.Duration
}

func (r *redisEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	logger := logging.FromContext(ctx)
	cacheKey := buildCacheKey(r.next.ModelName(), text)

	raw, err := r.client.Get(ctx, cacheKey).Bytes()
	switch {
	case err == nil:
		var cached []float32
		if decErr := json.Unmarshal(raw, &cached); decErr == nil && len(cached) > 0 {
			logger.Debug("embedding cache hit", zap.String("cache", "redis"))
			return cached, nil
		}
		logger.Warn("discarding unreadable cached embedding", zap.String("key", cacheKey))
	case errors.Is(err, redis.Nil):
	default:
		logger.Warn("redis embedding cache get failed", zap.Error(err))
	}

	res, err := r.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if blob, encErr := json.Marshal(res); encErr == nil {
		if setErr := r.client.Set(ctx, cacheKey, blob, r.ttl).Err(); setErr != nil {
			logger.Warn("redis embedding cache set failed", zap.Error(setErr))
		}
	}
	return res, nil
}

func (r *redisEmbedder) ModelName() string {
	return r.next.ModelName()
}
