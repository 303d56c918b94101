package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LLM_API_KEY", "k")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.HTTPPort)
	require.Equal(t, "sqlite", cfg.StoreBackend)
	require.Equal(t, 3, cfg.RetrievalTopK)
	require.InDelta(t, 0.7, cfg.RetrievalMinScore, 1e-9)
	require.Equal(t, 3000, cfg.ContextMaxChars)
	require.Equal(t, 60*time.Second, cfg.PipelineTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LLM_API_KEY", "k")
	t.Setenv("RETRIEVAL_TOP_K", "5")
	t.Setenv("RETRIEVAL_MIN_SCORE", "0.8")
	t.Setenv("PIPELINE_TIMEOUT", "5s")
	t.Setenv("LLM_MODEL_ADVANCED", "gpt-4o")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.RetrievalTopK)
	require.InDelta(t, 0.8, cfg.RetrievalMinScore, 1e-9)
	require.Equal(t, 5*time.Second, cfg.PipelineTimeout)
	require.Equal(t, "gpt-4o", cfg.LLMModelAdvanced)
}

func TestLoad_InvalidValueFallsBack(t *testing.T) {
	t.Setenv("LLM_API_KEY", "k")
	t.Setenv("RETRIEVAL_TOP_K", "three")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 3, cfg.RetrievalTopK)
}

func TestValidate(t *testing.T) {
	t.Setenv("LLM_API_KEY", "k")
	cfg, err := Load()
	require.NoError(t, err)

	bad := *cfg
	bad.StoreBackend = "mongo"
	require.ErrorContains(t, bad.Validate(), "STORE_BACKEND")

	bad = *cfg
	bad.VectorBackend = "pgvector"
	bad.PGVectorDSN = ""
	require.ErrorContains(t, bad.Validate(), "PGVECTOR_DSN")

	bad = *cfg
	bad.LLMAPIKey = ""
	bad.LLMAPIKeyParam = ""
	require.ErrorContains(t, bad.Validate(), "LLM_API_KEY")
}

func TestLoad_ProviderDefaults(t *testing.T) {
	tests := []struct {
		provider  string
		standard  string
		advanced  string
		embedding string
		dims      int
	}{
		{"gemini", "gemini-2.5-flash", "gemini-2.5-pro", "text-embedding-004", 768},
		{"openai", "gpt-4o-mini", "gpt-4o", "text-embedding-3-small", 1536},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			t.Setenv("LLM_API_KEY", "k")
			t.Setenv("LLM_PROVIDER", tt.provider)

			cfg, err := Load()
			require.NoError(t, err)
			require.Equal(t, tt.standard, cfg.LLMModelStandard)
			require.Equal(t, tt.advanced, cfg.LLMModelAdvanced)
			require.Equal(t, tt.embedding, cfg.LLMEmbeddingModel)
			require.Equal(t, tt.dims, cfg.EmbeddingDimensions)
		})
	}
}

func TestLoad_ExplicitModelsWinOverProviderDefaults(t *testing.T) {
	t.Setenv("LLM_API_KEY", "k")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("LLM_EMBEDDING_MODEL", "text-embedding-3-large")
	t.Setenv("EMBEDDING_DIMENSIONS", "3072")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "text-embedding-3-large", cfg.LLMEmbeddingModel)
	require.Equal(t, 3072, cfg.EmbeddingDimensions)
	require.Equal(t, "gpt-4o-mini", cfg.LLMModelStandard)
}

func TestLoad_ZeroMinScoreIsKept(t *testing.T) {
	t.Setenv("LLM_API_KEY", "k")
	t.Setenv("RETRIEVAL_MIN_SCORE", "0")

	cfg, err := Load()
	require.NoError(t, err)
	require.Zero(t, cfg.RetrievalMinScore)
}
