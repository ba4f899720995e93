package cache

import (
	"testing"
	"time"

	"github.com/eyelocater/eyelocater/internal/dataset"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		PreviewCacheSizeMB: 8,
		PreviewTTL:         time.Minute,
		DatasetCacheSize:   2,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestPreviewRoundTrip(t *testing.T) {
	m := newTestManager(t)

	key := AnnotationPreviewKey("/data/main.stereo")
	if _, ok := m.GetPreview(key); ok {
		t.Fatal("expected miss on empty cache")
	}
	if err := m.SetPreview(key, []byte{1, 2, 3}); err != nil {
		t.Fatalf("SetPreview: %v", err)
	}
	got, ok := m.GetPreview(key)
	if !ok || len(got) != 3 {
		t.Fatalf("unexpected hit result: %v %v", got, ok)
	}
}

func TestDatasetCacheEviction(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"a", "b", "c"} {
		ds, err := dataset.New(name, []string{"c0"}, []string{"g0"}, []float32{1})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		m.SetDataset("/data/"+name, ds)
	}

	// Capacity is 2, so the oldest entry is gone.
	if _, ok := m.GetDataset("/data/a"); ok {
		t.Error("expected oldest dataset to be evicted")
	}
	if _, ok := m.GetDataset("/data/c"); !ok {
		t.Error("expected newest dataset to be cached")
	}
}

func TestPreviewKeys(t *testing.T) {
	if AnnotationPreviewKey("/x") == GenePreviewKey("/x", "Rho", "viridis") {
		t.Error("annotation and gene keys must differ")
	}
	if GenePreviewKey("/x", "Rho", "viridis") == GenePreviewKey("/x", "Rho", "magma") {
		t.Error("colormap must be part of the gene key")
	}
}
