package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// keyPrefix namespaces checkpoint keys within a shared Redis instance.
const keyPrefix = "soupbintcp:checkpoint:"

// RedisStore is a Redis-backed implementation of Store, for resuming across
// process restarts and for sharing checkpoints between a primary and a
// standby consumer. Concurrent loads for the same feed are collapsed into a
// single round trip via singleflight.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewRedisStore creates a Redis-backed checkpoint store.
//
// Parameters:
//   - client: The Redis client to use
//   - ttl: How long a checkpoint stays valid; 0 keeps checkpoints until overwritten
//
// Returns:
//   - A new RedisStore instance
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := checkpoint.NewRedisStore(client, 24*time.Hour)
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, feed string, sequence uint64) error {
	key := keyPrefix + feed

	if err := s.client.Set(ctx, key, strconv.FormatUint(sequence, 10), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint for feed %s: %w", feed, err)
	}

	return nil
}

// Load implements Store. A missing key is reported as (0, false, nil).
func (s *RedisStore) Load(ctx context.Context, feed string) (uint64, bool, error) {
	// collapse concurrent loads for the same feed into one round trip
	val, err, _ := s.group.Do(feed, func() (interface{}, error) {
		return s.client.Get(ctx, keyPrefix+feed).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to load checkpoint for feed %s: %w", feed, err)
	}

	sequence, err := strconv.ParseUint(val.(string), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed checkpoint for feed %s: %w", feed, err)
	}

	return sequence, true, nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, feed string) error {
	if err := s.client.Del(ctx, keyPrefix+feed).Err(); err != nil {
		return fmt.Errorf("failed to clear checkpoint for feed %s: %w", feed, err)
	}

	return nil
}
