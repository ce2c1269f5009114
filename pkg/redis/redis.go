package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps go-redis client.
type Client struct {
	inner *redis.Client
}

// Redis returns the underlying redis client.
func (c *Client) Redis() *redis.Client {
	return c.inner
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx).Err()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.inner.Close()
}

// New creates a Redis client and pings it. Timeouts are kept short: the
// client sits on the claim path when redis is the lock backend.
func New(ctx context.Context, url string) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.DialTimeout = 2 * time.Second
	opt.ReadTimeout = 500 * time.Millisecond
	opt.WriteTimeout = 500 * time.Millisecond

	client := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{inner: client}, nil
}
