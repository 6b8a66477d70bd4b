package main

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// embeddingDim matches the bundled model's vector width.
const embeddingDim = 384

// hashEmbedding is the CLI's fallback embedder: a normalized bag-of-words
// vector over hashed token buckets. Deterministic, model-free, and good
// enough for keyword-flavored retrieval; plug a real model in through the
// library API for semantic search.
func hashEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, embeddingDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%embeddingDim]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}
