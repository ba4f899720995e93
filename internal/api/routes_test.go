package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/eyelocater/eyelocater/internal/annotate"
	"github.com/eyelocater/eyelocater/internal/cache"
	"github.com/eyelocater/eyelocater/internal/data/stereo"
	"github.com/eyelocater/eyelocater/internal/dataset"
	"github.com/eyelocater/eyelocater/internal/pipeline"
	"github.com/eyelocater/eyelocater/internal/render"
	"github.com/eyelocater/eyelocater/internal/runstore"
)

func writeTestContainer(t *testing.T) string {
	t.Helper()
	cellIDs := []string{"c0", "c1", "c2"}
	genes := []string{"Rho", "Opn1sw"}
	x := []float32{5, 0, 4, 1, 0, 6}
	ds, err := dataset.New("main", cellIDs, genes, x)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ds.Position = [][2]float32{{0, 0}, {1, 0}, {0, 1}}

	ann := dataset.NewTable("bins", "group", "score")
	ann.Columns["bins"] = []string{"c0", "c1", "c2"}
	ann.Columns["group"] = []string{"Rod", "Rod", "Cone"}
	ann.Columns["score"] = []string{"0.9", "0.8", "0.9"}
	ds.Results[dataset.ResultAnnotation] = ann

	w, err := stereo.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()
	path := filepath.Join(t.TempDir(), "main.stereo")
	if err := w.Write(ds, path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return path
}

func newTestRouter(t *testing.T) (http.Handler, *RunManager) {
	t.Helper()

	loader, err := annotate.NewLoader()
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	t.Cleanup(loader.Close)

	caches, err := cache.NewManager(cache.Config{
		PreviewCacheSizeMB: 8,
		PreviewTTL:         time.Minute,
		DatasetCacheSize:   4,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { caches.Close() })

	svc := NewDatasetService(
		writeTestContainer(t),
		loader,
		caches,
		render.NewPreviewRenderer(render.PreviewConfig{Size: 64}),
	)

	rm, err := NewRunManager(RunManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(t.TempDir(), "runs.db"),
	})
	if err != nil {
		t.Fatalf("NewRunManager: %v", err)
	}
	rm.Executor = func(ctx context.Context, cfg pipeline.Config) (*pipeline.Result, error) {
		return &pipeline.Result{
			BackendUsed: annotate.BackendCPU,
			Files:       &render.Files{Cell: []string{"/out/cells.pdf"}},
		}, nil
	}
	rm.Start()
	t.Cleanup(rm.Stop)

	return NewRouter(RouterConfig{
		Service:     svc,
		RunManager:  rm,
		CORSOrigins: []string{"*"},
	}), rm
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDatasetInfoEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/dataset", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var info map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if info["n_cells"].(float64) != 3 {
		t.Errorf("n_cells = %v", info["n_cells"])
	}
	if info["has_annotation"] != true {
		t.Errorf("has_annotation = %v", info["has_annotation"])
	}
}

func TestGenesEndpointPrefixFilter(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/genes?prefix=rh", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Genes []string `json:"genes"`
		Total int      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp.Genes) != 1 || resp.Genes[0] != "Rho" {
		t.Errorf("genes = %v", resp.Genes)
	}
	if resp.Total != 2 {
		t.Errorf("total = %d", resp.Total)
	}
}

func TestGeneValidateEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/genes/validate?genes=Rho,NotAGene,Rho", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Valid   []string `json:"valid"`
		Invalid []string `json:"invalid"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp.Valid) != 1 || resp.Valid[0] != "Rho" {
		t.Errorf("valid = %v", resp.Valid)
	}
	if len(resp.Invalid) != 1 || resp.Invalid[0] != "NotAGene" {
		t.Errorf("invalid = %v", resp.Invalid)
	}
}

func TestPreviewEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{
		"/api/preview/annotation.png",
		"/api/preview/genes/Rho.png",
		"/api/preview/genes/Rho",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d: %s", path, rec.Code, rec.Body.String())
			continue
		}
		if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
			t.Errorf("%s: content type = %q", path, ct)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/preview/genes/NotAGene", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown gene: status = %d", rec.Code)
	}
}

func TestRunSubmitAndStatus(t *testing.T) {
	router, rm := newTestRouter(t)

	body, _ := json.Marshal(pipeline.Config{
		ReferencePath:        "/data/ref.stereo",
		ReferenceLabelColumn: "celltype",
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/runs/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d: %s", rec.Code, rec.Body.String())
	}

	var run runstore.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if run.ID == "" {
		t.Fatal("run ID missing")
	}

	// The stub executor finishes quickly.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := rm.Get(run.ID)
		if got != nil && got.Status == runstore.RunStatusCompleted {
			if got.BackendUsed != string(annotate.BackendCPU) {
				t.Errorf("backend_used = %q", got.BackendUsed)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never completed: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/"+run.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", rec.Code)
	}
}

func TestRunSubmitRejectsInvalidConfig(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(pipeline.Config{ReferencePath: "/data/ref.stereo"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/runs/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRunNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/doesnotexist", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
