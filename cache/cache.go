package cache

import (
	"context"
	"errors"
	"time"

	"github.com/stephnangue/steward/logger"
)

// Categories partition the key space. Token records never share a
// category with business data.
const (
	CategoryAuthentication = "authentication"
	CategoryData           = "data"
)

var (
	// ErrNotFound is returned by Fetch when no live entry exists for the key
	ErrNotFound = errors.New("cache entry not found")

	// ErrUnknownCategory is returned when a category is not one of the known ones
	ErrUnknownCategory = errors.New("unknown cache category")
)

// Service is the distributed cache the core delegates persistence to.
// The cache may be shared across process instances: no caller may assume
// it is the sole writer, so every Store is a full overwrite and callers
// must re-validate any expiry carried inside fetched values.
type Service interface {
	// Fetch returns the value stored under (category, key), or ErrNotFound
	// when no entry exists or the entry's TTL has passed.
	Fetch(ctx context.Context, category, key string) ([]byte, error)

	// Store overwrites the value under (category, key). A zero ttl stores
	// the entry without expiry.
	Store(ctx context.Context, category, key string, value []byte, ttl time.Duration) error

	// Delete drops every entry in the category. Used as a circuit-breaker
	// when the authority reports a revoked refresh token.
	Delete(ctx context.Context, category string) error

	Close() error
}

// Factory is the function signature for a cache backend constructor
type Factory func(config map[string]string, logger logger.Logger) (Service, error)

func validCategory(category string) bool {
	return category == CategoryAuthentication || category == CategoryData
}

// entryKey namespaces a key under its category
func entryKey(category, key string) string {
	return category + "/" + key
}
