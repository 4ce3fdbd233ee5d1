// Package redisstore keeps shared engine state in Redis: circuit breaker
// state for multi-instance deployments and the execution stats cache.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/davidmoltin/bizflow/internal/models"
)

const defaultPrefix = "bizflow:"

// CircuitStore implements engine.CircuitStore with optimistic WATCH/MULTI
// transactions
type CircuitStore struct {
	client redis.UniversalClient
	prefix string
}

// NewCircuitStore creates a circuit store on client. Keys are prefixed
// with "bizflow:circuit:".
func NewCircuitStore(client redis.UniversalClient) *CircuitStore {
	return &CircuitStore{client: client, prefix: defaultPrefix + "circuit:"}
}

func (s *CircuitStore) key(id string) string {
	return s.prefix + id
}

// Get returns the stored circuit, or a closed circuit at version 0
func (s *CircuitStore) Get(ctx context.Context, id string) (*models.Circuit, error) {
	return load(ctx, s.client, s.key(id), id)
}

// CompareAndSwap writes next when the stored version equals expected. A
// concurrent write between WATCH and EXEC reports false, like a version
// mismatch.
func (s *CircuitStore) CompareAndSwap(ctx context.Context, expected int64, next *models.Circuit) (bool, error) {
	key := s.key(next.ID)
	swapped := false

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := load(ctx, tx, key, next.ID)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return nil
		}

		c := *next
		c.Version = expected + 1
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to encode circuit: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to swap circuit %s: %w", next.ID, err)
	}
	return swapped, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, c getter, key, id string) (*models.Circuit, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return &models.Circuit{ID: id, State: models.CircuitClosed}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load circuit %s: %w", id, err)
	}

	var circuit models.Circuit
	if err := json.Unmarshal(data, &circuit); err != nil {
		return nil, fmt.Errorf("failed to decode circuit %s: %w", id, err)
	}
	return &circuit, nil
}
