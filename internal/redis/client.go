// Package redis wires the shared Redis connection used for request
// idempotency keys and the API rate limiter.
package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config carries the connection settings read from the environment.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Client is a thin wrapper over go-redis that the idempotency and rate
// limiting services share a single pool through.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New dials Redis and pings it once so a misconfigured address surfaces at
// startup instead of on the first request.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	opts := &redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		PoolTimeout:  4 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("connected to redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", cfg.DB),
	)

	return &Client{rdb: rdb, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping reports whether Redis is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
