package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stephnangue/steward/logger"
)

// deleteScanBatch is the SCAN page size used when dropping a category
const deleteScanBatch = 512

// RedisCache implements Service over a shared Redis instance. Entries use
// Redis' own TTL, so cross-instance eviction needs no coordination.
type RedisCache struct {
	client *redis.Client
	logger logger.Logger
}

// Compile-time interface assertion
var _ Service = (*RedisCache)(nil)

// NewRedisCache creates a Redis-backed cache service
func NewRedisCache(config map[string]string, log logger.Logger) (Service, error) {
	address, ok := config["address"]
	if !ok || address == "" {
		return nil, errors.New("redis cache requires an 'address'")
	}

	database := 0
	if raw, ok := config["database"]; ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid redis database %q: %w", raw, err)
		}
		database = parsed
	}

	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: config["password"],
		DB:       database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", address, err)
	}

	return &RedisCache{
		client: client,
		logger: log,
	}, nil
}

func (c *RedisCache) Fetch(ctx context.Context, category, key string) ([]byte, error) {
	if !validCategory(category) {
		return nil, ErrUnknownCategory
	}

	value, err := c.client.Get(ctx, entryKey(category, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis fetch failed: %w", err)
	}
	return value, nil
}

func (c *RedisCache) Store(ctx context.Context, category, key string, value []byte, ttl time.Duration) error {
	if !validCategory(category) {
		return ErrUnknownCategory
	}

	if err := c.client.Set(ctx, entryKey(category, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis store failed: %w", err)
	}
	return nil
}

// Delete drops every key in the category with SCAN + DEL so a large
// category cannot block the server the way KEYS would.
func (c *RedisCache) Delete(ctx context.Context, category string) error {
	if !validCategory(category) {
		return ErrUnknownCategory
	}

	var cursor uint64
	deleted := 0
	for {
		keys, next, err := c.client.Scan(ctx, cursor, entryKey(category, "*"), deleteScanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan failed: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis delete failed: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.logger.Debug("cache category dropped",
		logger.String("category", category),
		logger.Int("entries", deleted),
	)
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
