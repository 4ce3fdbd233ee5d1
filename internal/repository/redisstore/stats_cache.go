package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidmoltin/bizflow/internal/models"
)

// StatsCache caches execution statistics in Redis with a TTL
type StatsCache struct {
	client redis.UniversalClient
	prefix string
}

// NewStatsCache creates a stats cache on client
func NewStatsCache(client redis.UniversalClient) *StatsCache {
	return &StatsCache{client: client, prefix: defaultPrefix + "stats:"}
}

// Get returns the cached stats for key. A miss is (nil, false, nil).
func (c *StatsCache) Get(ctx context.Context, key string) (*models.ExecutionStats, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached stats: %w", err)
	}

	var stats models.ExecutionStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached stats: %w", err)
	}
	return &stats, true, nil
}

// Set stores stats under key for ttl
func (c *StatsCache) Set(ctx context.Context, key string, stats *models.ExecutionStats, ttl time.Duration) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache stats: %w", err)
	}
	return nil
}
