// Package cache opens the Redis connection shared by sessions and the refresh queue.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// Options describes how to reach Redis.
type Options struct {
	Addr     string
	Password string
	DB       int
}

func (o Options) redisOptions() *redis.Options {
	return &redis.Options{Addr: o.Addr, Password: o.Password, DB: o.DB}
}

// New creates a Redis client and verifies the connection.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("platform/cache: address required")
	}
	client := redis.NewClient(opts.redisOptions())
	if err := Check(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Check pings Redis with a bounded timeout.
func Check(ctx context.Context, client redis.UniversalClient) error {
	if client == nil {
		return errors.New("platform/cache: client not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("platform/cache: ping: %w", err)
	}
	return nil
}
