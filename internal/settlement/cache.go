package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const sumCachePrefix = "settlement:sum"

// RedisSumCache keeps settlement aggregates in Redis with a TTL so a stale entry
// written by a losing cascade heals on its own.
type RedisSumCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSumCache instantiates the cache helper.
func NewRedisSumCache(client *redis.Client, ttl time.Duration) *RedisSumCache {
	return &RedisSumCache{client: client, ttl: ttl}
}

func sumCacheKey(target Target) string {
	return sumCachePrefix + ":" + string(target.Variant) + ":" + strings.ToUpper(strings.TrimSpace(target.Number))
}

// Load decodes the cached aggregate into dest.
func (c *RedisSumCache) Load(ctx context.Context, target Target, dest any) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	raw, err := c.client.Get(ctx, sumCacheKey(target)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Store writes the aggregate.
func (c *RedisSumCache) Store(ctx context.Context, target Target, value any) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, sumCacheKey(target), raw, c.ttl).Err()
}

// Invalidate removes the aggregates of every target.
func (c *RedisSumCache) Invalidate(ctx context.Context, targets ...Target) error {
	if c == nil || c.client == nil || len(targets) == 0 {
		return nil
	}
	keys := make([]string, 0, len(targets))
	for _, t := range targets {
		keys = append(keys, sumCacheKey(t))
	}
	return c.client.Del(ctx, keys...).Err()
}
