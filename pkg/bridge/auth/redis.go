package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "stacks:bridge:ses:"

// RedisStore is a Store backed by Redis, for deployments where gateway
// instances and backend services share bridge sessions.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, id string, userID int64, ttl time.Duration) error {
	err := r.client.Set(ctx, redisKeyPrefix+id, strconv.FormatInt(userID, 10), ttl).Err()
	if err != nil {
		return fmt.Errorf("auth: redis set: %w", err)
	}
	return nil
}

// Exists implements Store.
func (r *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("auth: redis exists: %w", err)
	}
	return n > 0, nil
}

// Del implements Store.
func (r *RedisStore) Del(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("auth: redis del: %w", err)
	}
	return nil
}
