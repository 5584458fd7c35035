package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// cachedEmbedding serves a vector from the Redis cache or computes and
// stores it. ttl of zero keeps the entry forever (tool embeddings); query
// embeddings pass a short ttl. Cache failures degrade to a recompute — the
// embedding service stays the only hard dependency.
func (r *Registry) cachedEmbedding(ctx context.Context, key string, ttl time.Duration, text string) ([]float32, error) {
	cached, err := r.kv.Get(ctx, key).Result()
	if err == nil {
		var vec []float32
		if jerr := json.Unmarshal([]byte(cached), &vec); jerr == nil && len(vec) > 0 {
			return vec, nil
		}
		// Undecodable entry: fall through and overwrite it.
	} else if !errors.Is(err, redis.Nil) {
		r.logger.Warn("Embedding cache read failed", "key", key, "error", err)
	}

	vec, err := r.embedder.EmbedText(ctx, strings.ReplaceAll(text, "\n", " "))
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(vec)
	if err == nil {
		if serr := r.kv.Set(ctx, key, payload, ttl).Err(); serr != nil {
			r.logger.Warn("Embedding cache write failed", "key", key, "error", serr)
		}
	}
	return vec, nil
}
