package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidmoltin/bizflow/pkg/config"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

// RedisClient is the connection shared by the Redis-backed circuit store,
// the stats cache and the monitor's event relay
type RedisClient struct {
	Client *redis.Client
	logger *logger.Logger
}

// NewRedisClient connects to Redis, retrying with the same backoff as the
// PostgreSQL connection
func NewRedisClient(cfg *config.Config, log *logger.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	var err error
	for attempt := 0; attempt < len(connectBackoff); attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = client.Ping(ctx).Err()
		cancel()

		if err == nil {
			log.Info("Redis connection established",
				logger.String("addr", cfg.RedisAddr()),
				logger.Int("db", cfg.Redis.DB),
				logger.Int("attempt", attempt+1),
			)
			return &RedisClient{Client: client, logger: log.Component("redis")}, nil
		}

		log.Warnf("Redis ping attempt %d/%d failed: %v", attempt+1, len(connectBackoff), err)
		if attempt < len(connectBackoff)-1 {
			time.Sleep(connectBackoff[attempt])
		}
	}

	client.Close()
	return nil, fmt.Errorf("failed to connect to redis at %s after %d attempts: %w", cfg.RedisAddr(), len(connectBackoff), err)
}

// Close releases the connection pool
func (r *RedisClient) Close() error {
	if err := r.Client.Close(); err != nil {
		r.logger.Warn("Failed to close redis connection", logger.Err(err))
		return err
	}
	return nil
}

// HealthCheck pings Redis for the readiness probe
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unavailable: %w", err)
	}
	return nil
}
