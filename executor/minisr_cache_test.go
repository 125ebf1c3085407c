package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMinIsrCacheServesCachedEntries(t *testing.T) {
	admin := &fakeAdminClient{minIsrByTopic: map[string]int{"orders": 2, "payments": 3}}
	cache := NewMinIsrCache(MinIsrCacheConfig{Size: 10, Retention: time.Minute}, admin, zap.NewNop())
	defer cache.Close()

	minIsrByTopic, err := cache.MinIsrByTopic(context.Background(), []string{"orders", "payments"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"orders": 2, "payments": 3}, minIsrByTopic)
	assert.Equal(t, 1, admin.minIsrCalls)

	// The second lookup is served from the cache without an admin request.
	minIsrByTopic, err = cache.MinIsrByTopic(context.Background(), []string{"orders", "payments"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"orders": 2, "payments": 3}, minIsrByTopic)
	assert.Equal(t, 1, admin.minIsrCalls)

	// A new topic only fetches the miss.
	admin.minIsrByTopic["audit"] = 1
	minIsrByTopic, err = cache.MinIsrByTopic(context.Background(), []string{"orders", "audit"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"orders": 2, "audit": 1}, minIsrByTopic)
	assert.Equal(t, 2, admin.minIsrCalls)
}

func TestMinIsrCacheOmitsUnknownTopics(t *testing.T) {
	admin := &fakeAdminClient{minIsrByTopic: map[string]int{"orders": 2}}
	cache := NewMinIsrCache(MinIsrCacheConfig{Size: 10, Retention: time.Minute}, admin, zap.NewNop())
	defer cache.Close()

	minIsrByTopic, err := cache.MinIsrByTopic(context.Background(), []string{"orders", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"orders": 2}, minIsrByTopic)
}

func TestMinIsrCachePurge(t *testing.T) {
	admin := &fakeAdminClient{minIsrByTopic: map[string]int{"orders": 2}}
	cache := NewMinIsrCache(MinIsrCacheConfig{Size: 10, Retention: time.Minute}, admin, zap.NewNop())
	defer cache.Close()

	_, err := cache.MinIsrByTopic(context.Background(), []string{"orders"})
	require.NoError(t, err)

	cache.Purge()

	_, err = cache.MinIsrByTopic(context.Background(), []string{"orders"})
	require.NoError(t, err)
	assert.Equal(t, 2, admin.minIsrCalls)
}
