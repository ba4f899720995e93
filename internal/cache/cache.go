// Package cache provides caching for preview images and loaded datasets.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eyelocater/eyelocater/internal/dataset"
)

// Config contains cache configuration.
type Config struct {
	PreviewCacheSizeMB int
	PreviewTTL         time.Duration
	DatasetCacheSize   int
}

// Manager manages the preview byte cache and the loaded-dataset cache.
// Datasets held here are the preloaded handles handed to pipeline runs;
// runs copy them on use, so cached entries stay immutable.
type Manager struct {
	previewCache *bigcache.BigCache
	datasetCache *lru.Cache[string, *dataset.Dataset]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	previewCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.PreviewTTL,
		CleanWindow:        cfg.PreviewTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       1024 * 1024, // 1MB per preview
		HardMaxCacheSize:   cfg.PreviewCacheSizeMB,
		Verbose:            false,
	}

	previewCache, err := bigcache.New(context.Background(), previewCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create preview cache: %w", err)
	}

	datasetCache, err := lru.New[string, *dataset.Dataset](cfg.DatasetCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset cache: %w", err)
	}

	return &Manager{
		previewCache: previewCache,
		datasetCache: datasetCache,
	}, nil
}

// GetPreview retrieves a rendered preview from cache.
func (m *Manager) GetPreview(key string) ([]byte, bool) {
	data, err := m.previewCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetPreview stores a rendered preview in cache.
func (m *Manager) SetPreview(key string, data []byte) error {
	return m.previewCache.Set(key, data)
}

// GetDataset retrieves a loaded dataset from cache.
func (m *Manager) GetDataset(path string) (*dataset.Dataset, bool) {
	return m.datasetCache.Get(path)
}

// SetDataset stores a loaded dataset in cache, keyed by its source path.
func (m *Manager) SetDataset(path string, ds *dataset.Dataset) {
	m.datasetCache.Add(path, ds)
}

// AnnotationPreviewKey generates a cache key for an annotation preview.
func AnnotationPreviewKey(datasetPath string) string {
	return fmt.Sprintf("preview:annotation:%s", datasetPath)
}

// GenePreviewKey generates a cache key for a gene-expression preview.
func GenePreviewKey(datasetPath, gene, colormap string) string {
	return fmt.Sprintf("preview:gene:%s:%s:%s", datasetPath, gene, colormap)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"preview_cache_len": m.previewCache.Len(),
		"preview_cache_cap": m.previewCache.Capacity(),
		"dataset_cache_len": m.datasetCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.previewCache.Close()
}
