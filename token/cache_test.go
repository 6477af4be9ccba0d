package token

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stephnangue/steward/cache"
	"github.com/stephnangue/steward/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenCache(t *testing.T, margin time.Duration) (*Cache, cache.Service) {
	t.Helper()

	svc, err := cache.NewInmemCache(nil, logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return NewCache(svc, margin, logger.NewNopLogger()), svc
}

func TestCache_PutAndGet(t *testing.T) {
	tc, _ := newTestTokenCache(t, time.Minute)
	ctx := context.Background()

	record := &Record{
		AccessToken: "token-abc",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	tc.Put(ctx, "key-1", record)

	got, ok := tc.Get(ctx, "key-1")
	require.True(t, ok)
	assert.Equal(t, "token-abc", got.AccessToken)
}

func TestCache_GetMissing(t *testing.T) {
	tc, _ := newTestTokenCache(t, time.Minute)

	_, ok := tc.Get(context.Background(), "no-such-key")
	assert.False(t, ok)
}

// An entry that is present in the backing store but past its safety margin
// must behave exactly like a miss.
func TestCache_ExpiredEntryIsMiss(t *testing.T) {
	tc, svc := newTestTokenCache(t, 5*time.Minute)
	ctx := context.Background()

	// Store directly through the backing service, bypassing Put's TTL
	// logic, to simulate another process having written a near-expiry entry.
	record := &Record{
		AccessToken: "nearly-expired",
		ExpiresAt:   time.Now().Add(time.Minute), // inside the 5m margin
	}
	raw, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, svc.Store(ctx, cache.CategoryAuthentication, "key-1", raw, time.Hour))

	_, ok := tc.Get(ctx, "key-1")
	assert.False(t, ok)
}

func TestCache_UndecodableEntryIsMiss(t *testing.T) {
	tc, svc := newTestTokenCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, cache.CategoryAuthentication, "key-1", []byte("{not json"), time.Hour))

	_, ok := tc.Get(ctx, "key-1")
	assert.False(t, ok)
}

func TestCache_PutSkipsExpiredRecord(t *testing.T) {
	tc, svc := newTestTokenCache(t, time.Minute)
	ctx := context.Background()

	tc.Put(ctx, "key-1", &Record{
		AccessToken: "already-dead",
		ExpiresAt:   time.Now().Add(-time.Minute),
	})

	_, err := svc.Fetch(ctx, cache.CategoryAuthentication, "key-1")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestCache_PurgeDropsAuthenticationOnly(t *testing.T) {
	tc, svc := newTestTokenCache(t, time.Minute)
	ctx := context.Background()

	tc.Put(ctx, "key-1", &Record{AccessToken: "t", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, svc.Store(ctx, cache.CategoryData, "data-key", []byte("business"), time.Hour))

	require.NoError(t, tc.Purge(ctx))

	_, ok := tc.Get(ctx, "key-1")
	assert.False(t, ok)

	value, err := svc.Fetch(ctx, cache.CategoryData, "data-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("business"), value)
}

func TestRecord_Valid(t *testing.T) {
	margin := 5 * time.Minute

	tests := []struct {
		name   string
		record *Record
		want   bool
	}{
		{"nil record", nil, false},
		{"empty token", &Record{ExpiresAt: time.Now().Add(time.Hour)}, false},
		{"live token", &Record{AccessToken: "t", ExpiresAt: time.Now().Add(time.Hour)}, true},
		{"inside margin", &Record{AccessToken: "t", ExpiresAt: time.Now().Add(time.Minute)}, false},
		{"expired", &Record{AccessToken: "t", ExpiresAt: time.Now().Add(-time.Minute)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.record.Valid(margin))
		})
	}
}
