package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore is an in-memory implementation of Store backed by go-cache.
// Checkpoints carry a TTL because a stale resume point is worse than none:
// requesting an ancient sequence from a feed that has rolled its session
// produces a login rejection, so old checkpoints age out.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore creates an in-memory checkpoint store.
//
// Parameters:
//   - ttl: How long a checkpoint stays valid (use cache.NoExpiration to keep
//     checkpoints until overwritten)
//   - cleanupInterval: Interval at which expired checkpoints are removed
//
// Returns:
//   - A new MemoryStore instance
func NewMemoryStore(ttl, cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{
		cache: cache.New(ttl, cleanupInterval),
	}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, feed string, sequence uint64) error {
	s.cache.SetDefault(feed, sequence)
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, feed string) (uint64, bool, error) {
	val, found := s.cache.Get(feed)
	if !found {
		return 0, false, nil
	}

	sequence, ok := val.(uint64)
	if !ok {
		return 0, false, fmt.Errorf("unexpected type in checkpoint store for feed %s", feed)
	}

	return sequence, true, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, feed string) error {
	s.cache.Delete(feed)
	return nil
}

// ItemCount returns the number of stored checkpoints, including ones that
// have expired but not yet been cleaned up.
func (s *MemoryStore) ItemCount() int {
	return s.cache.ItemCount()
}
