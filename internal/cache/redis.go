package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "session:"

// Redis is a SessionCodes backed by a Redis instance, for deployments
// running more than one engine node.
type Redis struct {
	client *redis.Client
}

// NewRedis connects using a redis:// URL and verifies the connection.
func NewRedis(ctx context.Context, rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Put(ctx context.Context, code, sessionID string) error {
	return r.client.Set(ctx, keyPrefix+code, sessionID, TTL).Err()
}

func (r *Redis) Lookup(ctx context.Context, code string) (string, error) {
	v, err := r.client.Get(ctx, keyPrefix+code).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (r *Redis) Close() error { return r.client.Close() }
