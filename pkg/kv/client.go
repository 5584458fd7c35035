// Package kv owns the Redis connection and the coordination primitives built
// directly on it: the per-message distributed lock and the per-sender rate
// counter. Everything else goes through the queue, history, and registry
// adapters.
package kv

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewClient connects to the KV store and verifies the connection with a ping.
// The URL uses the redis:// scheme understood by redis.ParseURL.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
