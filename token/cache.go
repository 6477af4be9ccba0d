package token

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stephnangue/steward/cache"
	"github.com/stephnangue/steward/logger"
)

// Cache is the token-record view over the distributed cache service.
// All entries live in the authentication category, apart from business
// data. The backing cache is shared across process instances, so every
// read re-validates expiry rather than trusting presence alone.
type Cache struct {
	service cache.Service
	margin  time.Duration
	logger  logger.Logger
}

// NewCache creates a token cache with the given expiry safety margin
func NewCache(service cache.Service, margin time.Duration, log logger.Logger) *Cache {
	return &Cache{
		service: service,
		margin:  margin,
		logger:  log,
	}
}

// Get returns the cached record for the key. A missing record, an
// undecodable record and a record past its safety margin all report a
// miss; the caller must acquire. Backend failures also degrade to a miss
// so a flaky cache cannot take down token acquisition.
func (c *Cache) Get(ctx context.Context, key string) (*Record, bool) {
	raw, err := c.service.Fetch(ctx, cache.CategoryAuthentication, key)
	if err != nil {
		if err != cache.ErrNotFound {
			c.logger.Warn("token cache fetch failed, treating as miss",
				logger.String("key", key),
				logger.Err(err),
			)
		}
		return nil, false
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		c.logger.Warn("undecodable token cache entry, treating as miss",
			logger.String("key", key),
			logger.Err(err),
		)
		return nil, false
	}

	if !record.Valid(c.margin) {
		return nil, false
	}
	return &record, true
}

// Put stores the record under the key with a TTL derived from its expiry.
// Already-expired records are not stored. Store failures are logged, not
// propagated: a missing cache entry only costs a future re-acquisition.
func (c *Cache) Put(ctx context.Context, key string, record *Record) {
	ttl := record.TTL()
	if ttl <= 0 {
		return
	}

	raw, err := json.Marshal(record)
	if err != nil {
		c.logger.Warn("failed to encode token record", logger.Err(err))
		return
	}

	if err := c.service.Store(ctx, cache.CategoryAuthentication, key, raw, ttl); err != nil {
		c.logger.Warn("token cache store failed",
			logger.String("key", key),
			logger.Err(err),
		)
	}
}

// Purge drops the entire authentication category. Called when the
// authority reports that the cached refresh token has been revoked.
func (c *Cache) Purge(ctx context.Context) error {
	return c.service.Delete(ctx, cache.CategoryAuthentication)
}
