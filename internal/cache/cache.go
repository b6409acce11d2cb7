// Package cache provides caching for rendered projections and score
// pages.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ProjectionCacheSizeMB int
	ProjectionTTL         time.Duration
	ScoreCacheSize        int
}

// Manager manages the projection image and score page caches.
type Manager struct {
	projectionCache *bigcache.BigCache
	scoreCache      *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	projectionCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.ProjectionTTL,
		CleanWindow:        cfg.ProjectionTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024, // rendered PNGs run larger than tiles
		HardMaxCacheSize:   cfg.ProjectionCacheSizeMB,
		Verbose:            false,
	}

	projectionCache, err := bigcache.New(context.Background(), projectionCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create projection cache: %w", err)
	}

	scoreCache, err := lru.New[string, []byte](cfg.ScoreCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create score cache: %w", err)
	}

	return &Manager{
		projectionCache: projectionCache,
		scoreCache:      scoreCache,
	}, nil
}

// GetProjection retrieves a rendered projection from cache.
func (m *Manager) GetProjection(key string) ([]byte, bool) {
	data, err := m.projectionCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetProjection stores a rendered projection in cache.
func (m *Manager) SetProjection(key string, data []byte) error {
	return m.projectionCache.Set(key, data)
}

// GetScores retrieves a serialized score page from cache.
func (m *Manager) GetScores(key string) ([]byte, bool) {
	return m.scoreCache.Get(key)
}

// SetScores stores a serialized score page in cache.
func (m *Manager) SetScores(key string, data []byte) {
	m.scoreCache.Add(key, data)
}

// ProjectionKey generates a cache key for a rendered projection.
// layer is "density" or "gene:<name>".
func ProjectionKey(jobID, layer, colormap string, size int) string {
	return fmt.Sprintf("proj:%s:%s:%s:s=%d", jobID, layer, colormap, size)
}

// ScorePageKey generates a cache key for one page of gene scores.
func ScorePageKey(jobID, orderBy string, offset, limit int) string {
	return fmt.Sprintf("scores:%s:%s:%d:%d", jobID, orderBy, offset, limit)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"projection_cache_len": m.projectionCache.Len(),
		"projection_cache_cap": m.projectionCache.Capacity(),
		"score_cache_len":      m.scoreCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.projectionCache.Close()
}
