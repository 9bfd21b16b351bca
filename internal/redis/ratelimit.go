package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig sets how many requests a key may make per window.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimitResult reports the outcome of one admission check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding window limiter backed by a Redis sorted set per
// key. Timestamps are the set scores, so trimming the window is a single
// ZREMRANGEBYSCORE.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter builds a limiter on the shared Redis client.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks whether one more request fits in the key's window.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks whether n more requests fit in the key's window, recording
// them only when they do.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	bucket := "ratelimit:" + key
	resetAt := now.Add(r.config.Window)

	inWindow, err := r.trimAndCount(ctx, bucket, now)
	if err != nil {
		return nil, err
	}

	remaining := r.config.Limit - inWindow
	if inWindow+n > r.config.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", inWindow),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Remaining: max(0, remaining),
			ResetAt:   resetAt,
		}, nil
	}

	if err := r.admit(ctx, bucket, now, n); err != nil {
		return nil, err
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: remaining - n,
		ResetAt:   resetAt,
	}, nil
}

func (r *RateLimiter) trimAndCount(ctx context.Context, bucket string, now time.Time) (int, error) {
	cutoff := now.Add(-r.config.Window).UnixNano()

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, bucket, "0", strconv.FormatInt(cutoff, 10))
	count := pipe.ZCard(ctx, bucket)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis pipeline failed: %w", err)
	}
	return int(count.Val()), nil
}

func (r *RateLimiter) admit(ctx context.Context, bucket string, now time.Time, n int) error {
	pipe := r.client.rdb.Pipeline()
	for i := 0; i < n; i++ {
		pipe.ZAdd(ctx, bucket, redis.Z{
			Score:  float64(now.UnixNano()) + float64(i),
			Member: fmt.Sprintf("%d-%d", now.UnixNano(), i),
		})
	}
	pipe.Expire(ctx, bucket, r.config.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis zadd failed: %w", err)
	}
	return nil
}
