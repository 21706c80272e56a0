package infrastructure

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/fedgraph/saga-system/shared/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisSagaCache is a short-lived read cache in front of the saga store.
// The store stays the single authority; cached entries expire on their own
// and reads tolerate a stale status for at most the TTL.
type RedisSagaCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSagaCache creates a new RedisSagaCache
func NewRedisSagaCache(client *redis.Client, ttl time.Duration) *RedisSagaCache {
	return &RedisSagaCache{client: client, ttl: ttl}
}

func sagaCacheKey(id models.ID) string {
	return "saga:" + id.String()
}

// Get returns the cached saga, or nil on a miss
func (c *RedisSagaCache) Get(ctx context.Context, id models.ID) (*domain.Saga, error) {
	payload, err := c.client.Get(ctx, sagaCacheKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read saga from cache")
	}

	var saga domain.Saga
	if err := json.Unmarshal(payload, &saga); err != nil {
		return nil, errors.Wrap(err, "failed to decode cached saga")
	}
	return &saga, nil
}

// Set caches a saga snapshot for the configured TTL
func (c *RedisSagaCache) Set(ctx context.Context, saga *domain.Saga) error {
	payload, err := json.Marshal(saga)
	if err != nil {
		return errors.Wrap(err, "failed to encode saga for cache")
	}

	if err := c.client.Set(ctx, sagaCacheKey(saga.ID), payload, c.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to write saga to cache")
	}
	return nil
}

// Invalidate drops a cached saga snapshot
func (c *RedisSagaCache) Invalidate(ctx context.Context, id models.ID) error {
	if err := c.client.Del(ctx, sagaCacheKey(id)).Err(); err != nil {
		return errors.Wrap(err, "failed to invalidate cached saga")
	}
	return nil
}
