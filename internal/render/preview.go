package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/eyelocater/eyelocater/internal/dataset"
	"github.com/eyelocater/eyelocater/pkg/colormap"
)

// PreviewConfig contains PNG preview renderer configuration.
type PreviewConfig struct {
	Size            int
	DotRadius       float64
	DefaultColormap string
}

// PreviewRenderer renders square PNG previews of a dataset for the HTTP
// API. Drawing contexts and encode buffers are pooled so concurrent
// requests do not allocate a fresh canvas each time.
type PreviewRenderer struct {
	config      PreviewConfig
	contextPool sync.Pool
	bufferPool  sync.Pool
	colormaps   map[string]colormap.Colormap
}

// NewPreviewRenderer creates a new preview renderer.
func NewPreviewRenderer(cfg PreviewConfig) *PreviewRenderer {
	if cfg.Size <= 0 {
		cfg.Size = 512
	}
	if cfg.DotRadius <= 0 {
		cfg.DotRadius = 1.5
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	r := &PreviewRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Size, cfg.Size)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
		colormaps: map[string]colormap.Colormap{
			"viridis":     colormap.Viridis,
			"plasma":      colormap.Plasma,
			"magma":       colormap.Magma,
			"categorical": colormap.Categorical,
		},
	}
	return r
}

// RenderAnnotationPreview renders a PNG with cells colored by their
// annotation label.
func (r *PreviewRenderer) RenderAnnotationPreview(ds *dataset.Dataset) ([]byte, error) {
	res := ds.Results[dataset.ResultAnnotation]
	if res == nil {
		return nil, fmt.Errorf("dataset %q has no annotation result", ds.Name)
	}

	bins := res.Column("bins")
	groups := res.Column("group")
	if bins == nil || groups == nil || len(bins) != len(groups) {
		return nil, fmt.Errorf("malformed %q result in dataset %q", dataset.ResultAnnotation, ds.Name)
	}
	labelOf := make(map[string]string, len(bins))
	for i := range bins {
		labelOf[bins[i]] = groups[i]
	}

	// Stable label -> palette index mapping across renders.
	labelIdx := make(map[string]int)
	for _, id := range ds.CellIDs {
		lab, ok := labelOf[id]
		if !ok {
			continue
		}
		if _, seen := labelIdx[lab]; !seen {
			labelIdx[lab] = len(labelIdx)
		}
	}
	palette := colormap.Colormap(colormap.Categorical)
	if len(labelIdx) > colormap.Categorical.Len() {
		palette = colormap.GeneratePalette(len(labelIdx))
	}

	return r.renderPoints(ds, func(c int) (color.Color, bool) {
		lab, ok := labelOf[ds.CellIDs[c]]
		if !ok {
			return nil, false
		}
		return palette.AtIndex(labelIdx[lab]), true
	})
}

// RenderGenePreview renders a PNG with cells colored by one gene's
// expression using the named colormap.
func (r *PreviewRenderer) RenderGenePreview(ds *dataset.Dataset, gene, colormapName string) ([]byte, error) {
	expr, err := ds.GeneColumn(gene)
	if err != nil {
		return nil, err
	}

	cmap, ok := r.colormaps[colormapName]
	if !ok {
		cmap = r.colormaps[r.config.DefaultColormap]
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

	return r.renderPoints(ds, func(c int) (color.Color, bool) {
		return cmap.At(float64(expr[c]-lo) / float64(span)), true
	})
}

// renderPoints draws every positioned cell with colorAt and encodes the
// canvas as PNG.
func (r *PreviewRenderer) renderPoints(ds *dataset.Dataset, colorAt func(c int) (color.Color, bool)) ([]byte, error) {
	if len(ds.Position) == 0 {
		return nil, fmt.Errorf("dataset %q has no spatial positions", ds.Name)
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	minX, minY := ds.Position[0][0], ds.Position[0][1]
	maxX, maxY := minX, minY
	for _, p := range ds.Position {
		if p[0] < minX {
			minX = p[0]
		}
		if p[0] > maxX {
			maxX = p[0]
		}
		if p[1] < minY {
			minY = p[1]
		}
		if p[1] > maxY {
			maxY = p[1]
		}
	}
	spanX := float64(maxX - minX)
	spanY := float64(maxY - minY)
	if spanX == 0 {
		spanX = 1
	}
	if spanY == 0 {
		spanY = 1
	}

	// Fit the point cloud into the canvas with a small margin.
	size := float64(r.config.Size)
	margin := size * 0.05
	scale := (size - 2*margin) / spanX
	if s := (size - 2*margin) / spanY; s < scale {
		scale = s
	}

	for c := range ds.Position {
		col, ok := colorAt(c)
		if !ok {
			continue
		}
		px := margin + float64(ds.Position[c][0]-minX)*scale
		py := margin + float64(ds.Position[c][1]-minY)*scale
		dc.SetColor(col)
		dc.DrawCircle(px, py, r.config.DotRadius)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

// encodeContext encodes the drawing context as PNG using a pooled buffer.
func (r *PreviewRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer r.bufferPool.Put(buf)
	buf.Reset()

	if err := png.Encode(buf, dc.Image()); err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
