package counters

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis instance.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed counter store. All keys are
// namespaced under the given prefix (e.g. "givesafe:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := s.prefix + key

	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	// First write in this bucket owns the TTL. Subsequent increments must
	// not extend it, otherwise the bucket never tumbles.
	if count == 1 {
		if err := s.client.Expire(ctx, k, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (s *RedisStore) AddToSet(ctx context.Context, key string, member string, window time.Duration) (int64, error) {
	k := s.prefix + key

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, k, member)
	pipe.Expire(ctx, k, window) // refreshed on every add, unlike counters
	card := pipe.SCard(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// Ping verifies connectivity, for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
