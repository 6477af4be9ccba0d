package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	ristretto "github.com/dgraph-io/ristretto/v2"
	"github.com/stephnangue/steward/logger"
)

// InmemCache implements Service over a ristretto cache with per-entry TTL.
// Used by the dev server and tests; it is process-local, so it satisfies
// the Service contract only for single-instance deployments.
type InmemCache struct {
	cache  *ristretto.Cache[string, []byte]
	logger logger.Logger

	// ristretto has no scan, so Delete(category) needs its own key index
	mu   sync.Mutex
	keys map[string]map[string]struct{} // category -> set of keys
}

// Compile-time interface assertion
var _ Service = (*InmemCache)(nil)

// NewInmemCache creates an in-memory cache service
func NewInmemCache(config map[string]string, log logger.Logger) (Service, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 100_000,
		MaxCost:     32 << 20, // 32 MB
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &InmemCache{
		cache:  cache,
		logger: log,
		keys:   make(map[string]map[string]struct{}),
	}, nil
}

func (c *InmemCache) Fetch(ctx context.Context, category, key string) ([]byte, error) {
	if !validCategory(category) {
		return nil, ErrUnknownCategory
	}

	value, found := c.cache.Get(entryKey(category, key))
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

func (c *InmemCache) Store(ctx context.Context, category, key string, value []byte, ttl time.Duration) error {
	if !validCategory(category) {
		return ErrUnknownCategory
	}

	c.cache.SetWithTTL(entryKey(category, key), value, int64(len(value)), ttl)

	// Wait for the value to be processed (ristretto is async) so a
	// Store immediately followed by a Fetch observes the write.
	c.cache.Wait()

	c.mu.Lock()
	set, ok := c.keys[category]
	if !ok {
		set = make(map[string]struct{})
		c.keys[category] = set
	}
	set[key] = struct{}{}
	c.mu.Unlock()

	return nil
}

func (c *InmemCache) Delete(ctx context.Context, category string) error {
	if !validCategory(category) {
		return ErrUnknownCategory
	}

	c.mu.Lock()
	set := c.keys[category]
	delete(c.keys, category)
	c.mu.Unlock()

	for key := range set {
		c.cache.Del(entryKey(category, key))
	}

	c.logger.Debug("cache category dropped",
		logger.String("category", category),
		logger.Int("entries", len(set)),
	)
	return nil
}

func (c *InmemCache) Close() error {
	c.cache.Close()
	return nil
}
