// Package cache holds rendered images and derived query results so repeated
// requests skip the engine.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haloview/server/internal/view"
)

// Config contains cache configuration.
type Config struct {
	ImageCacheSizeMB int
	ImageTTL         time.Duration
	QueryCacheSize   int
}

// Manager manages the image and query caches.
type Manager struct {
	imageCache *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ImageTTL <= 0 {
		cfg.ImageTTL = 10 * time.Minute
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1024
	}
	imageCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.ImageTTL,
		CleanWindow:        cfg.ImageTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024, // views are larger than tiles
		HardMaxCacheSize:   cfg.ImageCacheSizeMB,
		Verbose:            false,
	}

	imageCache, err := bigcache.New(context.Background(), imageCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		imageCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		imageCache: imageCache,
		queryCache: queryCache,
	}, nil
}

// GetImage retrieves an encoded image.
func (m *Manager) GetImage(key string) ([]byte, bool) {
	data, err := m.imageCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetImage stores an encoded image.
func (m *Manager) SetImage(key string, data []byte) error {
	return m.imageCache.Set(key, data)
}

// GetQuery retrieves a query result.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// ViewKey generates a cache key for a rendered view.
func ViewKey(dataset string, region view.Region, radius int, colormap string) string {
	base := fmt.Sprintf("view:%s:%d/%d/%d/%d/%d:r%d", dataset, region.Level, region.Row, region.Col, region.Height, region.Width, radius)
	if colormap == "" {
		return base
	}
	h := sha256.Sum256([]byte(colormap))
	return base + ":" + hex.EncodeToString(h[:])[:16]
}

// TileKey generates a cache key for a rendered tile.
func TileKey(dataset string, level, row, col int, colormap string) string {
	return fmt.Sprintf("tile:%s:%d/%d/%d:%s", dataset, level, row, col, colormap)
}

// StatsKey generates a cache key for view statistics.
func StatsKey(dataset string, region view.Region, radius int) string {
	return "stats:" + ViewKey(dataset, region, radius, "")
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	s := m.imageCache.Stats()
	return map[string]interface{}{
		"image_cache_len":    m.imageCache.Len(),
		"image_cache_cap":    m.imageCache.Capacity(),
		"image_cache_hits":   s.Hits,
		"image_cache_misses": s.Misses,
		"query_cache_len":    m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.imageCache.Close()
}
