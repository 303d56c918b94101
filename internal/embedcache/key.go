package embedcache

import (
	"crypto/sha256"
	"encoding/hex"
)

func buildCacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "|" + text))
	return "embed:" + model + ":" + hex.EncodeToString(sum[:])
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
