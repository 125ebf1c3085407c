package executor

import (
	"context"
	"fmt"

	"github.com/jellydator/ttlcache/v2"
	"go.uber.org/zap"
)

// MinIsrCache caches each topic's min.insync.replicas config so the adjuster
// does not describe every topic's config on every tick. Entries expire after
// the configured retention and the cache is bounded in size, eviction drops
// the least recently used entry.
type MinIsrCache struct {
	cfg    MinIsrCacheConfig
	admin  AdminClient
	logger *zap.Logger

	cache *ttlcache.Cache
}

func NewMinIsrCache(cfg MinIsrCacheConfig, admin AdminClient, logger *zap.Logger) *MinIsrCache {
	cache := ttlcache.NewCache()
	_ = cache.SetTTL(cfg.Retention)
	cache.SetCacheSizeLimit(cfg.Size)
	cache.SkipTTLExtensionOnHit(true)

	return &MinIsrCache{
		cfg:    cfg,
		admin:  admin,
		logger: logger,
		cache:  cache,
	}
}

// MinIsrByTopic returns min.insync.replicas for each given topic, serving
// cached entries where possible and describing the rest in one request.
// Topics whose config could not be fetched are absent from the result.
func (c *MinIsrCache) MinIsrByTopic(ctx context.Context, topics []string) (map[string]int, error) {
	minIsrByTopic := make(map[string]int, len(topics))
	var misses []string
	for _, topic := range topics {
		value, err := c.cache.Get(topic)
		if err != nil {
			misses = append(misses, topic)
			continue
		}
		minIsrByTopic[topic] = value.(int)
	}

	if len(misses) == 0 {
		return minIsrByTopic, nil
	}

	fetched, err := c.admin.TopicMinInsyncReplicas(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch min insync replicas configs: %w", err)
	}
	for topic, minIsr := range fetched {
		minIsrByTopic[topic] = minIsr
		if err := c.cache.Set(topic, minIsr); err != nil {
			c.logger.Debug("failed to cache min insync replicas of topic",
				zap.String("topic", topic), zap.Error(err))
		}
	}

	return minIsrByTopic, nil
}

// Purge drops all cached entries.
func (c *MinIsrCache) Purge() {
	_ = c.cache.Purge()
}

// Close stops the cache's expiry worker.
func (c *MinIsrCache) Close() {
	_ = c.cache.Close()
}
