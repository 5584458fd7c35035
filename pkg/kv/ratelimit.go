package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces a fixed-window allowance per key (sender phone number
// on the worker, client IP on the webhook service).
type RateLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewRateLimiter builds a limiter counting hits under <prefix><key>.
func NewRateLimiter(client *redis.Client, prefix string, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

// Allow counts one hit and reports whether it fits the window allowance.
// The first hit of a window starts its TTL.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	full := r.prefix + key

	n, err := r.client.Incr(ctx, full).Result()
	if err != nil {
		return false, fmt.Errorf("rate incr %s: %w", full, err)
	}
	if n == 1 {
		if err := r.client.Expire(ctx, full, r.window).Err(); err != nil {
			return false, fmt.Errorf("rate expire %s: %w", full, err)
		}
	}
	return n <= r.limit, nil
}
