package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/eyelocater/eyelocater/internal/annotate"
	"github.com/eyelocater/eyelocater/internal/data/stereo"
	"github.com/eyelocater/eyelocater/internal/dataset"
	"github.com/eyelocater/eyelocater/internal/render"
)

// mainWithClusters builds a main dataset whose phenograph clusters split
// between retina (6) and cornea (1).
func mainWithClusters(t *testing.T) *dataset.Dataset {
	t.Helper()
	cellIDs := []string{"c0", "c1", "c2", "c3"}
	genes := []string{"Rho", "Opn1sw", "Krt12"}
	x := []float32{
		9, 1, 0,
		8, 2, 0,
		1, 9, 0,
		0, 1, 9,
	}
	ds, err := dataset.New("main", cellIDs, genes, x)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ds.Position = [][2]float32{{0, 0}, {1, 0}, {0, 1}, {1, 1}}

	pheno := dataset.NewTable("bins", "group")
	pheno.Columns["bins"] = []string{"c0", "c1", "c2", "c3"}
	pheno.Columns["group"] = []string{"6", "6", "10", "1"}
	ds.Results[dataset.ResultPhenograph] = pheno
	return ds
}

// referenceWithLabels builds an already-processed reference with the
// celltype label column.
func referenceWithLabels(t *testing.T) *dataset.Dataset {
	t.Helper()
	cellIDs := []string{"r0", "r1", "r2", "r3"}
	genes := []string{"Rho", "Opn1sw", "Krt12"}
	x := []float32{
		9, 1, 0,
		8, 2, 1,
		1, 9, 0,
		0, 8, 1,
	}
	ds, err := dataset.New("reference", cellIDs, genes, x)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ds.Obs["celltype"] = []string{"Rod", "Rod", "Cone", "Cone"}
	ds.Meta.SetFlag(dataset.FlagNormalized)
	ds.Meta.SetFlag(dataset.FlagLog1p)
	return ds
}

func writeContainer(t *testing.T, ds *dataset.Dataset) string {
	t.Helper()
	w, err := stereo.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()
	path := filepath.Join(t.TempDir(), ds.Name)
	if err := w.Write(ds, path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return path
}

// cpuPipeline builds a pipeline whose only backend is the CPU transfer,
// so tests never depend on the accelerated worker binary.
func cpuPipeline(t *testing.T) *Pipeline {
	t.Helper()
	loader, err := annotate.NewLoader()
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	t.Cleanup(loader.Close)
	return NewWithComponents(loader, annotate.NewRunner(annotate.NewCPUTransfer()), render.NewRenderer(render.Config{}))
}

func TestRunEndToEndRetinaBoth(t *testing.T) {
	mainPath := writeContainer(t, mainWithClusters(t))
	refPath := writeContainer(t, referenceWithLabels(t))
	out := t.TempDir()

	p := cpuPipeline(t)
	res, err := p.Run(context.Background(), Config{
		ReferencePath:        refPath,
		ReferenceLabelColumn: "celltype",
		MainDataPath:         mainPath,
		Region:               annotate.RegionRetina,
		Backend:              annotate.BackendCPU,
		PlotMode:             render.PlotBoth,
		GeneSelector:         "Rho,Opn1sw",
		CellPlotPath:         filepath.Join(out, "cells.pdf"),
		GenePlotPattern:      filepath.Join(out, "spatial_*.pdf"),
		SuppressWarnings:     true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.BackendUsed != annotate.BackendCPU {
		t.Errorf("BackendUsed = %q, want %q", res.BackendUsed, annotate.BackendCPU)
	}
	if len(res.Files.Cell) != 1 {
		t.Errorf("got %d cell plots, want 1", len(res.Files.Cell))
	}
	if len(res.Files.Gene) != 2 {
		t.Errorf("got %d gene plots, want 2", len(res.Files.Gene))
	}
	for _, f := range append(append([]string(nil), res.Files.Cell...), res.Files.Gene...) {
		if _, err := os.Stat(f); err != nil {
			t.Errorf("missing output %q: %v", f, err)
		}
	}

	// Cluster 1 maps to cornea, so c3 must be gone.
	if res.Dataset.NCells() != 3 {
		t.Errorf("filtered dataset has %d cells, want 3", res.Dataset.NCells())
	}
	for _, id := range res.Dataset.CellIDs {
		if id == "c3" {
			t.Error("cornea cell retained after retina filter")
		}
	}
	if res.Dataset.Results[dataset.ResultAnnotation] == nil {
		t.Error("annotation result missing from returned dataset")
	}
}

func TestRunCellModeIgnoresGeneSelector(t *testing.T) {
	mainPath := writeContainer(t, mainWithClusters(t))
	refPath := writeContainer(t, referenceWithLabels(t))
	out := t.TempDir()

	p := cpuPipeline(t)
	res, err := p.Run(context.Background(), Config{
		ReferencePath:        refPath,
		ReferenceLabelColumn: "celltype",
		MainDataPath:         mainPath,
		Backend:              annotate.BackendCPU,
		PlotMode:             render.PlotCell,
		GeneSelector:         "Rho",
		CellPlotPath:         filepath.Join(out, "cells.pdf"),
		SuppressWarnings:     true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Files.Cell) != 1 || len(res.Files.Gene) != 0 {
		t.Errorf("cell mode produced %v / %v", res.Files.Cell, res.Files.Gene)
	}
}

func TestRunGeneModeSoftSkip(t *testing.T) {
	mainPath := writeContainer(t, mainWithClusters(t))
	refPath := writeContainer(t, referenceWithLabels(t))

	p := cpuPipeline(t)
	res, err := p.Run(context.Background(), Config{
		ReferencePath:        refPath,
		ReferenceLabelColumn: "celltype",
		MainDataPath:         mainPath,
		Backend:              annotate.BackendCPU,
		PlotMode:             render.PlotGene,
		GenePlotPattern:      filepath.Join(t.TempDir(), "spatial_*.pdf"),
		SuppressWarnings:     true,
	})
	if err != nil {
		t.Fatalf("empty selector should soft-skip, got %v", err)
	}
	if len(res.Files.Cell) != 0 || len(res.Files.Gene) != 0 {
		t.Errorf("soft skip produced files: %v / %v", res.Files.Cell, res.Files.Gene)
	}
}

func TestRunGeneModeInvalidGeneIsHardError(t *testing.T) {
	mainPath := writeContainer(t, mainWithClusters(t))
	refPath := writeContainer(t, referenceWithLabels(t))

	p := cpuPipeline(t)
	_, err := p.Run(context.Background(), Config{
		ReferencePath:        refPath,
		ReferenceLabelColumn: "celltype",
		MainDataPath:         mainPath,
		Backend:              annotate.BackendCPU,
		PlotMode:             render.PlotGene,
		GeneSelector:         "NotAGene",
		GenePlotPattern:      filepath.Join(t.TempDir(), "spatial_*.pdf"),
		SuppressWarnings:     true,
	})
	var annErr *annotate.AnnotationError
	if !errors.As(err, &annErr) {
		t.Fatalf("expected AnnotationError, got %v", err)
	}
}

func TestRunMissingMainIsLoadError(t *testing.T) {
	refPath := writeContainer(t, referenceWithLabels(t))

	p := cpuPipeline(t)
	_, err := p.Run(context.Background(), Config{
		ReferencePath:        refPath,
		ReferenceLabelColumn: "celltype",
		MainDataPath:         filepath.Join(t.TempDir(), "nope"),
		Backend:              annotate.BackendCPU,
		SuppressWarnings:     true,
	})
	var loadErr *annotate.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
}

func TestRunPreloadedDatasetsAreNotMutated(t *testing.T) {
	main := mainWithClusters(t)
	ref := referenceWithLabels(t)
	out := t.TempDir()

	p := cpuPipeline(t)
	res, err := p.Run(context.Background(), Config{
		ReferencePath:        "unused",
		ReferenceLabelColumn: "celltype",
		Region:               annotate.RegionRetina,
		Backend:              annotate.BackendCPU,
		PlotMode:             render.PlotCell,
		CellPlotPath:         filepath.Join(out, "cells.pdf"),
		PreloadedMain:        main,
		PreloadedReference:   ref,
		SuppressWarnings:     true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The caller's handles stay intact while the run's copy was
	// filtered and annotated.
	if main.NCells() != 4 {
		t.Errorf("preloaded main mutated: %d cells", main.NCells())
	}
	if main.Results[dataset.ResultAnnotation] != nil {
		t.Error("annotation written into preloaded main")
	}
	if res.Dataset == main {
		t.Error("run returned the caller's handle instead of a copy")
	}
	if res.Dataset.NCells() != 3 {
		t.Errorf("run copy has %d cells, want 3", res.Dataset.NCells())
	}
}

func TestRunAcceptsAliasVocabulary(t *testing.T) {
	mainPath := writeContainer(t, mainWithClusters(t))
	refPath := writeContainer(t, referenceWithLabels(t))
	out := t.TempDir()

	// A runner with both backends; the worker binary is absent on
	// purpose so the accelerated attempt must fall back.
	loader, err := annotate.NewLoader()
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	t.Cleanup(loader.Close)
	runner := annotate.NewRunner(
		&annotate.RapidsTransfer{Command: filepath.Join(t.TempDir(), "no-such-worker")},
		annotate.NewCPUTransfer(),
	)
	p := NewWithComponents(loader, runner, render.NewRenderer(render.Config{}))

	res, err := p.Run(context.Background(), Config{
		ReferencePath:        refPath,
		ReferenceLabelColumn: "celltype",
		MainDataPath:         mainPath,
		Region:               "eye",
		Backend:              "rapids",
		PlotMode:             render.PlotCell,
		CellPlotPath:         filepath.Join(out, "cells.pdf"),
		SuppressWarnings:     true,
	})
	if err != nil {
		t.Fatalf("Run with alias vocabulary: %v", err)
	}
	if res.BackendUsed != annotate.BackendCPU {
		t.Errorf("BackendUsed = %q, want fallback to %q", res.BackendUsed, annotate.BackendCPU)
	}
	// "eye" means whole, so no cell is filtered out.
	if res.Dataset.NCells() != 4 {
		t.Errorf("whole-region run kept %d cells, want 4", res.Dataset.NCells())
	}
}

func TestRunConcurrentMixedWarningPolicies(t *testing.T) {
	mainPath := writeContainer(t, mainWithClusters(t))
	refPath := writeContainer(t, referenceWithLabels(t))

	p := cpuPipeline(t)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := filepath.Join(t.TempDir(), fmt.Sprintf("cells_%d.pdf", i))
			_, err := p.Run(context.Background(), Config{
				ReferencePath:        refPath,
				ReferenceLabelColumn: "celltype",
				MainDataPath:         mainPath,
				Backend:              annotate.BackendCPU,
				PlotMode:             render.PlotCell,
				CellPlotPath:         out,
				SuppressWarnings:     i%2 == 0,
			})
			if err != nil {
				errs <- fmt.Errorf("run %d: %w", i, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// unknownMeta is a metadata accessor the dataset copier does not know,
// so Copy on a dataset carrying it fails.
type unknownMeta struct{}

func (unknownMeta) Flag(string) (bool, error) { return false, nil }
func (unknownMeta) SetFlag(string)            {}

func TestRunPreloadedReferenceCopyErrorWithoutPath(t *testing.T) {
	mainPath := writeContainer(t, mainWithClusters(t))
	ref := referenceWithLabels(t)
	ref.Meta = unknownMeta{}

	p := cpuPipeline(t)
	_, err := p.Run(context.Background(), Config{
		ReferenceLabelColumn: "celltype",
		MainDataPath:         mainPath,
		Backend:              annotate.BackendCPU,
		PreloadedReference:   ref,
		SuppressWarnings:     true,
	})
	if err == nil {
		t.Fatal("expected copy error, got nil")
	}
	if !strings.Contains(err.Error(), "copy") {
		t.Errorf("error should surface the failed copy, got %v", err)
	}
	var loadErr *annotate.LoadError
	if errors.As(err, &loadErr) {
		t.Errorf("degraded into a load of an empty path: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing reference_path")
	}

	cfg = Config{ReferencePath: "x"}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing reference_label_column")
	}

	cfg = Config{ReferencePath: "x", ReferenceLabelColumn: "celltype", Region: "spleen"}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown region")
	}

	cfg = Config{ReferencePath: "x", ReferenceLabelColumn: "celltype"}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	if cfg.Backend != annotate.BackendAccelerated {
		t.Errorf("default backend = %q", cfg.Backend)
	}
	if cfg.PlotMode != render.PlotCell {
		t.Errorf("default plot mode = %q", cfg.PlotMode)
	}
	if cfg.GenePlotPattern != DefaultGenePattern {
		t.Errorf("default gene pattern = %q", cfg.GenePlotPattern)
	}

	// Alias spellings are rewritten to the canonical vocabulary so the
	// later stages never see them.
	cfg = Config{
		ReferencePath:        "x",
		ReferenceLabelColumn: "celltype",
		Region:               "eye",
		Backend:              "rapids",
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("alias config rejected: %v", err)
	}
	if cfg.Region != annotate.RegionWhole {
		t.Errorf("region = %q, want %q", cfg.Region, annotate.RegionWhole)
	}
	if cfg.Backend != annotate.BackendAccelerated {
		t.Errorf("backend = %q, want %q", cfg.Backend, annotate.BackendAccelerated)
	}

	cfg = Config{ReferencePath: "x", ReferenceLabelColumn: "celltype", Backend: "cpu"}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("alias config rejected: %v", err)
	}
	if cfg.Backend != annotate.BackendCPU {
		t.Errorf("backend = %q, want %q", cfg.Backend, annotate.BackendCPU)
	}
}
