package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sitebot.dev/chatbot/internal/config"
	"sitebot.dev/chatbot/internal/core"
	"sitebot.dev/chatbot/internal/embedcache"
	"sitebot.dev/chatbot/internal/llm"
	"sitebot.dev/chatbot/internal/secrets"
	"sitebot.dev/chatbot/internal/store"
	"sitebot.dev/chatbot/internal/vector"
)

// deps holds the process-wide backends selected by configuration.
type deps struct {
	cfg    *config.Config
	logger *zap.Logger

	store    store.Store
	sqliteDB *sqlx.DB
	awsCfg   *aws.Config

	index    vector.Index
	provider llm.Provider
	embedder llm.Embedder

	closers []func() error
}

func newDeps(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*deps, error) {
	d := &deps{cfg: cfg, logger: logger}

	switch cfg.StoreBackend {
	case "dynamodb":
		awsCfg, err := d.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		s, err := store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable)
		if err != nil {
			return nil, fmt.Errorf("init dynamodb store: %w", err)
		}
		d.store = s
	default:
		s, err := store.NewSQLiteStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		d.store = s
		d.sqliteDB = s.DB()
	}
	d.closers = append(d.closers, d.store.Close)
	logger.Info("store ready", zap.String("backend", cfg.StoreBackend))
	return d, nil
}

func (d *deps) awsConfig(ctx context.Context) (aws.Config, error) {
	if d.awsCfg != nil {
		return *d.awsCfg, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	d.awsCfg = &awsCfg
	return awsCfg, nil
}

// initRetrieval builds the vector index, the LLM provider and the cached embedder.
func (d *deps) initRetrieval(ctx context.Context) error {
	if err := d.initIndex(); err != nil {
		return err
	}

	apiKey, err := d.resolveAPIKey(ctx)
	if err != nil {
		return err
	}
	provider, err := llm.New(d.cfg.LLMProvider, llm.Config{
		APIKey:         apiKey,
		BaseURL:        d.cfg.LLMBaseURL,
		EmbeddingModel: d.cfg.LLMEmbeddingModel,
	})
	if err != nil {
		return fmt.Errorf("init llm provider: %w", err)
	}
	d.provider = provider
	d.closers = append(d.closers, provider.Close)

	embedder := llm.Embedder(provider)
	if d.cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     d.cfg.RedisAddr,
			Password: d.cfg.RedisPassword,
			DB:       d.cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			d.logger.Warn("redis unavailable, shared embedding cache disabled", zap.String("addr", d.cfg.RedisAddr), zap.Error(err))
			_ = client.Close()
		} else {
			embedder = embedcache.WrapRedis(embedder, client, d.cfg.EmbedCacheTTL)
			d.closers = append(d.closers, client.Close)
		}
	}
	d.embedder = embedcache.WrapLRU(embedder, d.cfg.EmbedCacheSize, d.cfg.EmbedCacheTTL)

	d.logger.Info("llm ready",
		zap.String("provider", provider.Name()),
		zap.String("embedding_model", provider.ModelName()),
		zap.Bool("redis_cache", d.cfg.RedisAddr != ""),
	)
	return nil
}

func (d *deps) initIndex() error {
	switch d.cfg.VectorBackend {
	case "pgvector":
		idx, err := vector.NewPGIndex(d.cfg.PGVectorDSN, d.cfg.EmbeddingDimensions)
		if err != nil {
			return fmt.Errorf("init pgvector index: %w", err)
		}
		d.index = idx
		d.closers = append(d.closers, idx.Close)
	default:
		db := d.sqliteDB
		if db == nil {
			var err error
			db, err = sqlx.Open("sqlite3", d.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open sqlite vector db: %w", err)
			}
			db.SetMaxOpenConns(1)
			d.closers = append(d.closers, db.Close)
		}
		idx, err := vector.NewSQLiteIndex(db, d.logger)
		if err != nil {
			return err
		}
		d.index = idx
	}
	return nil
}

func (d *deps) resolveAPIKey(ctx context.Context) (string, error) {
	var getter secrets.Getter
	if d.cfg.LLMAPIKey == "" && d.cfg.LLMAPIKeyParam != "" {
		awsCfg, err := d.awsConfig(ctx)
		if err != nil {
			return "", err
		}
		ps, err := secrets.NewParamStore(ssm.NewFromConfig(awsCfg))
		if err != nil {
			return "", err
		}
		getter = ps
	}
	return secrets.ResolveAPIKey(ctx, getter, d.cfg.LLMAPIKey, d.cfg.LLMAPIKeyParam)
}

func (d *deps) retryPolicy() core.RetryPolicy {
	return core.RetryPolicy{
		Attempts:  d.cfg.UpstreamRetryAttempts,
		BaseDelay: d.cfg.UpstreamRetryBaseDelay,
		MaxDelay:  5 * time.Second,
	}
}

// Close releases backends in reverse order of creation.
func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("close failed", zap.Error(err))
		}
	}
}
