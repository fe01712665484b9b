// Package cache holds the Redis-backed member resolution cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration

	// DialTimeout bounds the initial ping. Defaults to 5s.
	DialTimeout time.Duration
}

// MemberCache stores member ids under resolver-built keys with a fixed TTL.
type MemberCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMemberCache connects to Redis and pings it once.
func NewMemberCache(ctx context.Context, cfg Config) (*MemberCache, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	return newMemberCache(client, cfg.TTL), nil
}

func newMemberCache(client *redis.Client, ttl time.Duration) *MemberCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemberCache{client: client, ttl: ttl}
}

// Get returns ok=false, err=nil on a miss.
func (c *MemberCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *MemberCache) Set(ctx context.Context, key, memberID string) error {
	return c.client.Set(ctx, key, memberID, c.ttl).Err()
}

func (c *MemberCache) Close() error {
	return c.client.Close()
}
