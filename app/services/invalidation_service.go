package services

import (
	"context"

	"github.com/oroshi/shopver/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	// Cache keys removed by invalidation, by outcome
	invalidatedKeysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopver_invalidated_keys_total",
			Help: "Total number of cache keys processed by invalidation",
		},
		[]string{"outcome"},
	)
)

// Aggregate cache keys flushed whenever a given data type changes. These
// are the well-known listing/page caches the storefront derives from the
// catalog; the entity-specific and version keys are appended per call.
var dataTypeCacheKeys = map[string][]string{
	utils.DataTypeProducts: {
		"product_catalog_cache",
		"featured_products_cache",
		"latest_products_cache",
		"popular_products_cache",
		"home_page_cache",
		"product_search_cache",
	},
	utils.DataTypeCategories: {
		"navigation_tree_cache",
		"category_listing_cache",
		"category_products_cache",
	},
}

// InvalidationService batch-deletes derived cache entries. Every operation
// is best-effort: one failing key never blocks the rest of the batch, and
// callers receive counts rather than errors.
type InvalidationService struct {
	cache  CacheStore
	logger *zap.Logger
}

// NewInvalidationService creates an invalidator over the given store.
func NewInvalidationService(cache CacheStore, logger *zap.Logger) *InvalidationService {
	return &InvalidationService{cache: cache, logger: logger}
}

// KeysForDataTypes builds the full invalidation set for a bump: the global
// version cache key, one version_cache_for_<type> key per data type, and
// the fixed aggregate keys registered for each type.
func (s *InvalidationService) KeysForDataTypes(dataTypes []string) []string {
	keys := []string{utils.GlobalVersionCacheKey}
	for _, dt := range dataTypes {
		keys = append(keys, utils.VersionCacheKeyPrefix+dt)
		keys = append(keys, dataTypeCacheKeys[dt]...)
	}
	return utils.UniqueNonEmpty(keys)
}

// Invalidate deletes the given keys, using one batched round trip when the
// store supports it and falling back to per-key deletes (with one retry
// each) otherwise or on batch failure. Returns the number of keys deleted.
func (s *InvalidationService) Invalidate(ctx context.Context, keys []string) int {
	keys = utils.UniqueNonEmpty(keys)
	if len(keys) == 0 {
		return 0
	}

	if bc, ok := s.cache.(BatchCapable); ok {
		if err := bc.DeleteMany(ctx, keys); err == nil {
			invalidatedKeysTotal.WithLabelValues("ok").Add(float64(len(keys)))
			return len(keys)
		} else {
			s.logger.Warn("batched cache invalidation failed, retrying key-by-key",
				zap.Int("keys", len(keys)), zap.Error(err))
		}
	}

	deleted := 0
	for _, key := range keys {
		if s.deleteWithRetry(ctx, key) {
			deleted++
		}
	}
	return deleted
}

// InvalidateByTag flushes tag groups when the store supports grouping; on
// stores without tag support it logs a warning and does nothing. It never
// fails the caller.
func (s *InvalidationService) InvalidateByTag(ctx context.Context, tags []string) {
	tags = utils.UniqueNonEmpty(tags)
	if len(tags) == 0 {
		return
	}

	tc, ok := s.cache.(TaggableCapable)
	if !ok {
		s.logger.Warn("cache store does not support tag invalidation, skipping",
			zap.Strings("tags", tags))
		return
	}
	if err := tc.DeleteByTag(ctx, tags); err != nil {
		s.logger.Error("tag invalidation failed", zap.Strings("tags", tags), zap.Error(err))
	}
}

func (s *InvalidationService) deleteWithRetry(ctx context.Context, key string) bool {
	if err := s.cache.Delete(ctx, key); err == nil {
		invalidatedKeysTotal.WithLabelValues("ok").Inc()
		return true
	} else {
		s.logger.Warn("cache key deletion failed, retrying once",
			zap.String("key", key), zap.Error(err))
	}

	if err := s.cache.Delete(ctx, key); err != nil {
		invalidatedKeysTotal.WithLabelValues("failed").Inc()
		s.logger.Error("cache key deletion failed after retry, giving up on key",
			zap.String("key", key), zap.Error(err))
		return false
	}
	invalidatedKeysTotal.WithLabelValues("ok").Inc()
	return true
}
