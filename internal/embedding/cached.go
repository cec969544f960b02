package embedding

import "context"

// CachedEmbedder answers repeated texts from an LRU cache and forwards only misses.
// Follow-up questions about the same report often repeat verbatim.
type CachedEmbedder struct {
	inner Embedder
	cache *EmbeddingCache
}

// NewCachedEmbedder wraps inner with a cache of the given capacity.
func NewCachedEmbedder(inner Embedder, capacity int) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: NewEmbeddingCache(capacity)}
}

// Embed returns the embedding for text, using the cache when available.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return v, nil
	}
	v, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Put(text, v)
	return v, nil
}

// EmbedBatch embeds only the texts that miss the cache, in one inner batch call.
func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing []string
		slots   [][]int
		seen    = make(map[string]int)
	)
	for i, t := range texts {
		if v, ok := e.cache.Get(t); ok {
			out[i] = v
			continue
		}
		if j, ok := seen[t]; ok {
			slots[j] = append(slots[j], i)
			continue
		}
		seen[t] = len(missing)
		missing = append(missing, t)
		slots = append(slots, []int{i})
	}
	if len(missing) == 0 {
		return out, nil
	}
	vecs, err := e.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, v := range vecs {
		e.cache.Put(missing[j], v)
		for _, i := range slots[j] {
			out[i] = v
		}
	}
	return out, nil
}

// Stats reports cache effectiveness.
func (e *CachedEmbedder) Stats() CacheStats {
	return e.cache.Stats()
}

// Dimensions returns the inner embedder's dimension.
func (e *CachedEmbedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Close closes the inner embedder.
func (e *CachedEmbedder) Close() error {
	return e.inner.Close()
}
