package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eyelocater/eyelocater/internal/annotate"
	"github.com/eyelocater/eyelocater/internal/cache"
	"github.com/eyelocater/eyelocater/internal/dataset"
	"github.com/eyelocater/eyelocater/internal/pipeline"
	"github.com/eyelocater/eyelocater/internal/render"
)

// DatasetService serves read-only views of the main dataset: metadata,
// gene lists and rendered previews. The dataset is loaded lazily and
// held in the shared cache so pipeline runs can reuse it as a preloaded
// handle.
type DatasetService struct {
	MainPath string

	loader  *annotate.Loader
	caches  *cache.Manager
	preview *render.PreviewRenderer

	mu sync.Mutex
}

// NewDatasetService creates a dataset service.
func NewDatasetService(mainPath string, loader *annotate.Loader, caches *cache.Manager, preview *render.PreviewRenderer) *DatasetService {
	return &DatasetService{
		MainPath: mainPath,
		loader:   loader,
		caches:   caches,
		preview:  preview,
	}
}

// Dataset returns the main dataset, loading it on first use.
func (s *DatasetService) Dataset() (*dataset.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ds, ok := s.caches.GetDataset(s.MainPath); ok {
		return ds, nil
	}
	ds, err := s.loader.LoadMain(s.MainPath)
	if err != nil {
		return nil, err
	}
	s.caches.SetDataset(s.MainPath, ds)
	return ds, nil
}

// AnnotationPreview renders (or serves from cache) the annotation preview.
func (s *DatasetService) AnnotationPreview() ([]byte, error) {
	key := cache.AnnotationPreviewKey(s.MainPath)
	if data, ok := s.caches.GetPreview(key); ok {
		previewCacheHits.WithLabelValues("hit").Inc()
		return data, nil
	}
	previewCacheHits.WithLabelValues("miss").Inc()

	ds, err := s.Dataset()
	if err != nil {
		return nil, err
	}
	data, err := s.preview.RenderAnnotationPreview(ds)
	if err != nil {
		return nil, err
	}
	s.caches.SetPreview(key, data)
	return data, nil
}

// GenePreview renders (or serves from cache) a gene-expression preview.
func (s *DatasetService) GenePreview(gene, colormapName string) ([]byte, error) {
	key := cache.GenePreviewKey(s.MainPath, gene, colormapName)
	if data, ok := s.caches.GetPreview(key); ok {
		previewCacheHits.WithLabelValues("hit").Inc()
		return data, nil
	}
	previewCacheHits.WithLabelValues("miss").Inc()

	ds, err := s.Dataset()
	if err != nil {
		return nil, err
	}
	data, err := s.preview.RenderGenePreview(ds, gene, colormapName)
	if err != nil {
		return nil, err
	}
	s.caches.SetPreview(key, data)
	return data, nil
}

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service     *DatasetService
	RunManager  *RunManager
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/dataset", datasetInfoHandler(cfg.Service))
		r.Get("/genes", genesHandler(cfg.Service))
		r.Get("/genes/validate", geneValidateHandler(cfg.Service))
		r.Get("/regions", regionsHandler)
		r.Get("/preview/annotation.png", annotationPreviewHandler(cfg.Service))
		r.Get("/preview/genes/{gene}", genePreviewHandler(cfg.Service))

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", runSubmitHandler(cfg.RunManager))
			r.Get("/", runListHandler(cfg.RunManager))
			r.Get("/{run_id}", runStatusHandler(cfg.RunManager))
			r.Delete("/{run_id}", runCancelHandler(cfg.RunManager))
		})
	})

	return r
}

func datasetInfoHandler(svc *DatasetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds, err := svc.Dataset()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		info := map[string]interface{}{
			"name":           ds.Name,
			"n_cells":        ds.NCells(),
			"n_genes":        ds.NGenes(),
			"has_clustering": ds.Results[dataset.ResultPhenograph] != nil,
			"has_annotation": ds.Results[dataset.ResultAnnotation] != nil,
			"obs_columns":    sortedKeys(ds.Obs),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	}
}

func genesHandler(svc *DatasetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds, err := svc.Dataset()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		prefix := r.URL.Query().Get("prefix")
		limit := 100
		if l := r.URL.Query().Get("limit"); l != "" {
			if n, err := strconv.Atoi(l); err == nil && n > 0 {
				limit = n
			}
		}

		var genes []string
		for _, g := range ds.GeneNames {
			if prefix != "" && !strings.HasPrefix(strings.ToLower(g), strings.ToLower(prefix)) {
				continue
			}
			genes = append(genes, g)
			if len(genes) >= limit {
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"genes": genes,
			"total": len(ds.GeneNames),
		})
	}
}

func geneValidateHandler(svc *DatasetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds, err := svc.Dataset()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		genes := annotate.ParseGenes(r.URL.Query().Get("genes"))
		valid, invalid := annotate.ValidateGenes(ds, genes)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"valid":   valid,
			"invalid": invalid,
		})
	}
}

func regionsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"regions": []string{
			string(annotate.RegionWhole),
			string(annotate.RegionRetina),
			string(annotate.RegionCornea),
		},
	})
}

func annotationPreviewHandler(svc *DatasetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := svc.AnnotationPreview()
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.Write(data)
	}
}

func genePreviewHandler(svc *DatasetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The route captures the full segment so gene names containing
		// '.' survive; strip an optional ".png" suffix here.
		gene := strings.TrimSuffix(chi.URLParam(r, "gene"), ".png")
		if gene == "" {
			http.Error(w, "missing gene", http.StatusBadRequest)
			return
		}
		colormapName := r.URL.Query().Get("colormap")
		if colormapName == "" {
			colormapName = "viridis"
		}

		data, err := svc.GenePreview(gene, colormapName)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.Write(data)
	}
}

func runSubmitHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg pipeline.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		run, err := rm.Submit(cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(run)
	}
}

func runListHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if l := r.URL.Query().Get("limit"); l != "" {
			if n, err := strconv.Atoi(l); err == nil && n > 0 {
				limit = n
			}
		}
		runs := rm.List(limit)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"runs": runs,
		})
	}
}

func runStatusHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := rm.Get(chi.URLParam(r, "run_id"))
		if run == nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(run)
	}
}

func runCancelHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "run_id")
		if !rm.Cancel(id) {
			http.Error(w, "run not found or already finished", http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"run_id": id, "status": "cancelling"})
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
