package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window limiter shared by every instance using the same redis.
type Redis struct {
	client redis.Cmdable
	cfg    Config
	prefix string
}

// NewRedis creates a redis-backed limiter.
func NewRedis(client redis.Cmdable, cfg Config) *Redis {
	return &Redis{
		client: client,
		cfg:    cfg.withDefaults(),
		prefix: "ratelimit:",
	}
}

// Allow increments the counter for key in the current window.
func (l *Redis) Allow(ctx context.Context, key string) (Result, error) {
	k := l.prefix + key

	// The first request of a window creates the key with its expiry; INCR keeps it.
	pipe := l.client.TxPipeline()
	pipe.SetNX(ctx, k, 0, l.cfg.Window)
	incr := pipe.Incr(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	count := int(incr.Val())
	resetIn := ttl.Val()
	if resetIn <= 0 {
		resetIn = l.cfg.Window
	}

	remaining := l.cfg.Requests - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= l.cfg.Requests,
		Limit:     l.cfg.Requests,
		Remaining: remaining,
		ResetAt:   time.Now().Add(resetIn),
	}, nil
}
