// Package render produces the pipeline's output artifacts: vector scatter
// plots saved to disk and PNG previews for the HTTP API.
package render

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/eyelocater/eyelocater/internal/annotate"
	"github.com/eyelocater/eyelocater/internal/dataset"
	"github.com/eyelocater/eyelocater/pkg/colormap"
)

// PlotMode selects which diagnostic plots a run produces.
type PlotMode string

const (
	PlotCell PlotMode = "cell"
	PlotGene PlotMode = "gene"
	PlotBoth PlotMode = "both"
)

// ParsePlotMode parses a plot mode name.
func ParsePlotMode(s string) (PlotMode, error) {
	switch s {
	case "cell":
		return PlotCell, nil
	case "gene":
		return PlotGene, nil
	case "both":
		return PlotBoth, nil
	default:
		return "", fmt.Errorf("invalid plot mode %q (expected cell, gene or both)", s)
	}
}

// Config contains plot renderer configuration.
type Config struct {
	WidthInches  float64
	HeightInches float64
	DotSize      float64
	Colormap     string
}

// Options describe one run's plotting request.
type Options struct {
	Mode         PlotMode
	GeneSelector string
	CellPlotPath string
	GenePattern  string
}

// Files lists the artifacts one run produced, keyed by plot kind.
type Files struct {
	Cell []string `json:"cell"`
	Gene []string `json:"gene"`
}

// Renderer renders and saves scatter plots.
type Renderer struct {
	cfg Config

	// SuppressWarnings silences warning-level log lines.
	SuppressWarnings bool
}

// NewRenderer creates a plot renderer, applying defaults for zero fields.
func NewRenderer(cfg Config) *Renderer {
	if cfg.WidthInches <= 0 {
		cfg.WidthInches = 6
	}
	if cfg.HeightInches <= 0 {
		cfg.HeightInches = 6
	}
	if cfg.DotSize <= 0 {
		cfg.DotSize = 2
	}
	if cfg.Colormap == "" {
		cfg.Colormap = "viridis"
	}
	return &Renderer{cfg: cfg}
}

// WithSuppressWarnings returns a renderer view with the given warning
// policy, so concurrent runs never see each other's policy.
func (r *Renderer) WithSuppressWarnings(suppress bool) *Renderer {
	view := *r
	view.SuppressWarnings = suppress
	return &view
}

func (r *Renderer) warnf(format string, args ...interface{}) {
	if r.SuppressWarnings {
		return
	}
	log.Printf("[render][WARN] "+format, args...)
}

// Render produces the plots requested by opts. Gene plots with an empty
// selector are a soft skip (logged, no files, no error); a non-empty
// selector that validates to zero genes is a hard error. Files already
// saved before a later failure stay on disk.
func (r *Renderer) Render(ds *dataset.Dataset, opts Options) (*Files, error) {
	files := &Files{}

	if opts.Mode == PlotCell || opts.Mode == PlotBoth {
		log.Printf("[render] Generating cluster scatter by annotation...")
		if err := r.renderCellPlot(ds, opts.CellPlotPath); err != nil {
			return files, err
		}
		log.Printf("[render] Cluster scatter plot saved as %q", opts.CellPlotPath)
		files.Cell = append(files.Cell, opts.CellPlotPath)
	}

	if opts.Mode == PlotGene || opts.Mode == PlotBoth {
		genes := annotate.ParseGenes(opts.GeneSelector)
		if len(genes) == 0 {
			r.warnf("gene plots requested but no gene was provided; skipping gene plots")
			return files, nil
		}

		valid, invalid := annotate.ValidateGenes(ds, genes)
		if len(invalid) > 0 {
			r.warnf("the following genes were not found in this dataset: %v", invalid)
		}
		if len(valid) == 0 {
			return files, &annotate.AnnotationError{
				Msg: fmt.Sprintf("no valid genes found among requested %v (invalid: %v)", genes, invalid),
			}
		}

		for _, gene := range valid {
			out := GenePlotPath(opts.GenePattern, gene)
			log.Printf("[render] Generating spatial scatter for gene %q...", gene)
			if err := r.renderGenePlot(ds, gene, out); err != nil {
				return files, err
			}
			log.Printf("[render] Spatial scatter plot for %q saved as %q", gene, out)
			files.Gene = append(files.Gene, out)
		}
	}

	return files, nil
}

// renderCellPlot draws all cells colored by their assigned annotation label.
func (r *Renderer) renderCellPlot(ds *dataset.Dataset, path string) error {
	res := ds.Results[dataset.ResultAnnotation]
	if res == nil {
		return &annotate.AnnotationError{Msg: "cell plot requires the annotation result; run label transfer first"}
	}
	if ds.Position == nil {
		return &annotate.AnnotationError{Msg: "dataset has no spatial positions to plot"}
	}

	bins := res.Column("bins")
	groups := res.Column("group")
	if bins == nil || groups == nil || len(bins) != len(groups) {
		return &annotate.AnnotationError{
			Msg: fmt.Sprintf("malformed %q result in dataset %q", dataset.ResultAnnotation, ds.Name),
		}
	}
	labelOf := make(map[string]string, len(bins))
	for i := range bins {
		labelOf[bins[i]] = groups[i]
	}

	// Group points per label so each label gets one scatter and one
	// legend entry.
	byLabel := make(map[string]plotter.XYs)
	for c, id := range ds.CellIDs {
		lab, ok := labelOf[id]
		if !ok {
			continue
		}
		byLabel[lab] = append(byLabel[lab], plotter.XY{
			X: float64(ds.Position[c][0]),
			Y: float64(ds.Position[c][1]),
		})
	}
	labels := make([]string, 0, len(byLabel))
	for lab := range byLabel {
		labels = append(labels, lab)
	}
	sort.Strings(labels)

	palette := colormap.Colormap(colormap.Categorical)
	if len(labels) > colormap.Categorical.Len() {
		palette = colormap.GeneratePalette(len(labels))
	}

	p := plot.New()
	p.Title.Text = ds.Name + " annotation"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	for i, lab := range labels {
		sc, err := plotter.NewScatter(byLabel[lab])
		if err != nil {
			return &annotate.AnnotationError{Msg: "error generating or saving plots", Err: err}
		}
		sc.GlyphStyle.Color = palette.AtIndex(i)
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(r.cfg.DotSize)
		p.Add(sc)
		p.Legend.Add(lab, sc)
	}
	p.Legend.Top = true

	return r.save(p, path)
}

// renderGenePlot draws all cells colored by one gene's expression.
func (r *Renderer) renderGenePlot(ds *dataset.Dataset, gene, path string) error {
	if ds.Position == nil {
		return &annotate.AnnotationError{Msg: "dataset has no spatial positions to plot"}
	}
	expr, err := ds.GeneColumn(gene)
	if err != nil {
		return &annotate.AnnotationError{Msg: "error generating or saving plots", Err: err}
	}

	var lo, hi float32
	for i, v := range expr {
		if i == 0 || v < lo {
			lo = v
		}
		if i == 0 || v > hi {
			hi = v
		}
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}

	cmap, ok := colormap.ByName(r.cfg.Colormap)
	if !ok {
		cmap = colormap.Viridis
	}

	pts := make(plotter.XYs, len(ds.Position))
	for c := range ds.Position {
		pts[c] = plotter.XY{X: float64(ds.Position[c][0]), Y: float64(ds.Position[c][1])}
	}

	p := plot.New()
	p.Title.Text = gene
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return &annotate.AnnotationError{Msg: "error generating or saving plots", Err: err}
	}
	radius := vg.Points(r.cfg.DotSize)
	sc.GlyphStyleFunc = func(i int) draw.GlyphStyle {
		t := float64(expr[i]-lo) / float64(span)
		return draw.GlyphStyle{
			Color:  cmap.At(t),
			Radius: radius,
			Shape:  draw.CircleGlyph{},
		}
	}
	p.Add(sc)

	return r.save(p, path)
}

// save writes the plot to path, choosing the format from the extension.
// The drawing surface and output file are released on every path, success
// or failure, so repeated renders never leak state across calls.
func (r *Renderer) save(p *plot.Plot, path string) error {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format == "" {
		format = "pdf"
	}

	w, err := p.WriterTo(vg.Length(r.cfg.WidthInches)*vg.Inch, vg.Length(r.cfg.HeightInches)*vg.Inch, format)
	if err != nil {
		return &annotate.AnnotationError{Msg: fmt.Sprintf("error rendering plot %q", path), Err: err}
	}

	f, err := os.Create(path)
	if err != nil {
		return &annotate.AnnotationError{Msg: fmt.Sprintf("error saving plot %q", path), Err: err}
	}
	defer f.Close()

	if _, err := w.WriteTo(f); err != nil {
		return &annotate.AnnotationError{Msg: fmt.Sprintf("error saving plot %q", path), Err: err}
	}
	return nil
}
