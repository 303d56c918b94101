package llm

import "strings"

// Defaults are the model names a provider uses when none are configured.
type Defaults struct {
	StandardModel       string
	AdvancedModel       string
	EmbeddingModel      string
	EmbeddingDimensions int
}

var providerDefaults = map[string]Defaults{
	"gemini": {
		StandardModel:       "gemini-2.5-flash",
		AdvancedModel:       "gemini-2.5-pro",
		EmbeddingModel:      defaultGeminiEmbeddingModel,
		EmbeddingDimensions: 768,
	},
	"openai": {
		StandardModel:       "gpt-4o-mini",
		AdvancedModel:       "gpt-4o",
		EmbeddingModel:      defaultOpenAIEmbeddingModel,
		EmbeddingDimensions: 1536,
	},
}

// DefaultsFor returns the defaults of the named provider. ok is false for
// providers that are not built in.
func DefaultsFor(name string) (d Defaults, ok bool) {
	d, ok = providerDefaults[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}
