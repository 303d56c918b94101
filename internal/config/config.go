package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"sitebot.dev/chatbot/internal/llm"
)

type Config struct {
	HTTPPort  string
	LogLevel  string
	LogFormat string

	StoreBackend  string // sqlite | dynamodb
	DatabaseURL   string
	DynamoDBTable string

	VectorBackend       string // sqlite | pgvector
	PGVectorDSN         string
	EmbeddingDimensions int

	LLMProvider       string // gemini | openai
	LLMAPIKey         string
	LLMAPIKeyParam    string
	LLMBaseURL        string
	LLMModelStandard  string
	LLMModelAdvanced  string
	LLMEmbeddingModel string

	RetrievalTopK        int
	RetrievalMinScore    float64
	RetrievalParallelism int
	ContextMaxChars      int
	MaxQueryLength       int

	PipelineTimeout        time.Duration
	UpstreamRetryAttempts  int
	UpstreamRetryBaseDelay time.Duration

	EmbedCacheSize int
	EmbedCacheTTL  time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	UsageResetSpec string

	// DotEnvLoaded reports whether a .env file was found.
	DotEnvLoaded bool
}

func Load() (*Config, error) {
	loaded := godotenv.Load() == nil

	cfg := &Config{
		HTTPPort:  getEnv("HTTP_PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "INFO"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", "sqlite")),
		DatabaseURL:   getEnv("DATABASE_URL", "sitebot.db"),
		DynamoDBTable: getEnv("DYNAMODB_TABLE", "sitebot"),

		VectorBackend:       strings.ToLower(getEnv("VECTOR_BACKEND", "sqlite")),
		PGVectorDSN:         getEnv("PGVECTOR_DSN", ""),
		EmbeddingDimensions: getEnvAsInt("EMBEDDING_DIMENSIONS", 0),

		LLMProvider:       strings.ToLower(getEnv("LLM_PROVIDER", "gemini")),
		LLMAPIKey:         getEnv("LLM_API_KEY", getEnv("GEMINI_API_KEY", "")),
		LLMAPIKeyParam:    getEnv("LLM_API_KEY_PARAM", ""),
		LLMBaseURL:        getEnv("LLM_BASE_URL", ""),
		LLMModelStandard:  getEnv("LLM_MODEL_STANDARD", ""),
		LLMModelAdvanced:  getEnv("LLM_MODEL_ADVANCED", ""),
		LLMEmbeddingModel: getEnv("LLM_EMBEDDING_MODEL", ""),

		RetrievalTopK:        getEnvAsInt("RETRIEVAL_TOP_K", 3),
		RetrievalMinScore:    getEnvAsFloat("RETRIEVAL_MIN_SCORE", 0.7),
		RetrievalParallelism: getEnvAsInt("RETRIEVAL_PARALLELISM", 4),
		ContextMaxChars:      getEnvAsInt("CONTEXT_MAX_CHARS", 3000),
		MaxQueryLength:       getEnvAsInt("MAX_QUERY_LENGTH", 2000),

		PipelineTimeout:        getEnvAsDuration("PIPELINE_TIMEOUT", 60*time.Second),
		UpstreamRetryAttempts:  getEnvAsInt("UPSTREAM_RETRY_ATTEMPTS", 3),
		UpstreamRetryBaseDelay: getEnvAsDuration("UPSTREAM_RETRY_BASE_DELAY", 200*time.Millisecond),

		EmbedCacheSize: getEnvAsInt("EMBED_CACHE_SIZE", 1024),
		EmbedCacheTTL:  getEnvAsDuration("EMBED_CACHE_TTL", 10*time.Minute),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvAsInt("REDIS_DB", 0),

		UsageResetSpec: getEnv("USAGE_RESET_SPEC", "0 0 * * *"),

		DotEnvLoaded: loaded,
	}
	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyProviderDefaults fills unset model settings from the selected provider.
func (c *Config) applyProviderDefaults() {
	d, ok := llm.DefaultsFor(c.LLMProvider)
	if !ok {
		return
	}
	if c.LLMModelStandard == "" {
		c.LLMModelStandard = d.StandardModel
	}
	if c.LLMModelAdvanced == "" {
		c.LLMModelAdvanced = d.AdvancedModel
	}
	if c.LLMEmbeddingModel == "" {
		c.LLMEmbeddingModel = d.EmbeddingModel
	}
	if c.EmbeddingDimensions <= 0 {
		c.EmbeddingDimensions = d.EmbeddingDimensions
	}
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "sqlite", "dynamodb":
	default:
		return fmt.Errorf("config: unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.VectorBackend {
	case "sqlite":
	case "pgvector":
		if c.PGVectorDSN == "" {
			return fmt.Errorf("config: PGVECTOR_DSN is required when VECTOR_BACKEND=pgvector")
		}
	default:
		return fmt.Errorf("config: unsupported VECTOR_BACKEND %q", c.VectorBackend)
	}
	if _, ok := llm.DefaultsFor(c.LLMProvider); !ok && c.LLMModelStandard == "" {
		return fmt.Errorf("config: LLM_MODEL_STANDARD is required for LLM_PROVIDER %q", c.LLMProvider)
	}
	if c.LLMAPIKey == "" && c.LLMAPIKeyParam == "" {
		return fmt.Errorf("config: LLM_API_KEY or LLM_API_KEY_PARAM is required")
	}
	if c.RetrievalTopK <= 0 {
		return fmt.Errorf("config: RETRIEVAL_TOP_K must be positive")
	}
	if c.ContextMaxChars <= 0 {
		return fmt.Errorf("config: CONTEXT_MAX_CHARS must be positive")
	}
	if c.PipelineTimeout <= 0 {
		return fmt.Errorf("config: PIPELINE_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
