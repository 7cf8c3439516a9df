package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulseboard/slack-auth/internal/repository"
)

// RedisStateStore implements StateStore backed by Redis. State values expire
// with the key TTL, so abandoned authorization attempts clean themselves up.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// SaveState stores the encoded state payload with TTL.
func (s *RedisStateStore) SaveState(ctx context.Context, key string, data repository.StateRecord, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// GetState loads and decodes the state payload. Missing keys return nil, nil.
func (s *RedisStateStore) GetState(ctx context.Context, key string) (*repository.StateRecord, error) {
	bytes, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	var record repository.StateRecord
	if err := json.Unmarshal(bytes, &record); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &record, nil
}

// DeleteState removes the persisted state key.
func (s *RedisStateStore) DeleteState(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}
