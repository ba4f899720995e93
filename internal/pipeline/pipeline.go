package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/eyelocater/eyelocater/internal/annotate"
	"github.com/eyelocater/eyelocater/internal/dataset"
	"github.com/eyelocater/eyelocater/internal/render"
)

// Result is what one completed run hands back to the caller.
type Result struct {
	// Dataset is the annotated (and possibly region-filtered) main
	// dataset the run worked on.
	Dataset *dataset.Dataset

	// BackendUsed is the backend that actually produced the labels,
	// which differs from the preference after a fallback.
	BackendUsed annotate.Backend

	// Files lists the plot artifacts written to disk.
	Files *render.Files
}

// Pipeline executes annotation runs. One Pipeline may serve many runs;
// each run works on its own dataset handles.
type Pipeline struct {
	loader   *annotate.Loader
	runner   *annotate.Runner
	renderer *render.Renderer
}

// New creates a pipeline with the standard backends: the accelerated
// worker when available, the in-process CPU transfer otherwise.
func New(renderCfg render.Config) (*Pipeline, error) {
	loader, err := annotate.NewLoader()
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		loader:   loader,
		runner:   annotate.NewRunner(annotate.NewRapidsTransfer(), annotate.NewCPUTransfer()),
		renderer: render.NewRenderer(renderCfg),
	}, nil
}

// NewWithComponents assembles a pipeline from pre-built parts.
func NewWithComponents(loader *annotate.Loader, runner *annotate.Runner, renderer *render.Renderer) *Pipeline {
	return &Pipeline{loader: loader, runner: runner, renderer: renderer}
}

// Close releases the pipeline's container reader.
func (p *Pipeline) Close() {
	if p.loader != nil {
		p.loader.Close()
	}
}

// Run executes one annotation run: Loading, LabelTransfer, Filtering,
// Plotting. The first failing stage short-circuits the rest; files
// already saved stay on disk.
func (p *Pipeline) Run(ctx context.Context, cfg Config) (*Result, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// Per-run views keep the warning policy off the shared components,
	// so concurrent runs cannot race on it.
	loader := p.loader.WithSuppressWarnings(cfg.SuppressWarnings)
	renderer := p.renderer.WithSuppressWarnings(cfg.SuppressWarnings)

	main, err := loadMain(loader, cfg)
	if err != nil {
		return nil, err
	}
	ref, err := loadReference(loader, cfg)
	if err != nil {
		return nil, err
	}

	log.Printf("[pipeline] Running label transfer (preference: %s)", cfg.Backend)
	used, err := p.runner.Run(ctx, main, ref, cfg.ReferenceLabelColumn, cfg.Backend)
	if err != nil {
		return nil, err
	}
	log.Printf("[pipeline] Label transfer done on %s backend", used)

	if err := annotate.FilterByRegion(main, cfg.Region); err != nil {
		return nil, err
	}

	files, err := renderer.Render(main, render.Options{
		Mode:         cfg.PlotMode,
		GeneSelector: cfg.GeneSelector,
		CellPlotPath: cfg.CellPlotPath,
		GenePattern:  cfg.GenePlotPattern,
	})
	if err != nil {
		return nil, err
	}

	return &Result{Dataset: main, BackendUsed: used, Files: files}, nil
}

// loadMain resolves the main dataset. A preloaded handle is copied so
// the caller's cache entry is never mutated; if the copy fails the run
// degrades to a full reload from disk.
func loadMain(l *annotate.Loader, cfg Config) (*dataset.Dataset, error) {
	if cfg.PreloadedMain != nil {
		cp, err := cfg.PreloadedMain.Copy()
		if err == nil {
			log.Printf("[pipeline] Using preloaded main dataset %q", cp.Name)
			return cp, nil
		}
		log.Printf("[pipeline] Copy of preloaded main dataset failed (%v); reloading from %s", err, cfg.MainDataPath)
	}
	return l.LoadMain(cfg.MainDataPath)
}

// loadReference resolves the reference dataset. Preloaded references get
// the same copy-on-use treatment as the main dataset, with a reload from
// ReferencePath when the copy fails; without a configured path the copy
// error is the run's error. Either way the reference is preprocessed
// like any other.
func loadReference(l *annotate.Loader, cfg Config) (*dataset.Dataset, error) {
	if cfg.PreloadedReference != nil {
		cp, err := cfg.PreloadedReference.Copy()
		if err == nil {
			log.Printf("[pipeline] Using preloaded reference dataset %q", cp.Name)
			if err := l.PreprocessReference(cp, "preloaded:"+cp.Name); err != nil {
				return nil, err
			}
			return cp, nil
		}
		if cfg.ReferencePath == "" {
			return nil, fmt.Errorf("failed to copy preloaded reference %q: %w", cfg.PreloadedReference.Name, err)
		}
		log.Printf("[pipeline] Copy of preloaded reference failed (%v); reloading from %s", err, cfg.ReferencePath)
	}
	return l.LoadReference(cfg.ReferencePath, cfg.ReferenceLabelColumn)
}
