package config

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewClient connects to the configured Redis and pings it.
func (r RedisConfig) NewClient(ctx context.Context) (*redis.Client, error) {
	opts, err := redis.ParseURL(r.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if r.DialTimeout > 0 {
		opts.DialTimeout = r.DialTimeout
	}
	if r.ReadTimeout > 0 {
		opts.ReadTimeout = r.ReadTimeout
	}
	if r.WriteTimeout > 0 {
		opts.WriteTimeout = r.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
