// Package pipeline sequences one annotation run: loading, label transfer,
// region filtering and plotting.
package pipeline

import (
	"fmt"

	"github.com/eyelocater/eyelocater/internal/annotate"
	"github.com/eyelocater/eyelocater/internal/dataset"
	"github.com/eyelocater/eyelocater/internal/render"
)

// Defaults for the optional path fields.
const (
	DefaultMainDataPath = "data/main.stereo"
	DefaultCellPlotPath = "annotation_scatter.pdf"
	DefaultGenePattern  = render.DefaultGenePattern
)

// Config describes a single annotation run. It is treated as immutable
// once handed to Run.
type Config struct {
	// ReferencePath locates the annotated reference container. May be a
	// plain container directory or a TileDB experiment.
	ReferencePath string `json:"reference_path" yaml:"reference_path"`

	// ReferenceLabelColumn names the per-cell metadata column in the
	// reference that holds the ground-truth labels.
	ReferenceLabelColumn string `json:"reference_label_column" yaml:"reference_label_column"`

	// MainDataPath locates the target dataset container.
	MainDataPath string `json:"main_data_path" yaml:"main_data_path"`

	Region  annotate.Region  `json:"region" yaml:"region"`
	Backend annotate.Backend `json:"backend_preference" yaml:"backend_preference"`

	PlotMode         render.PlotMode `json:"plot_mode" yaml:"plot_mode"`
	GeneSelector     string          `json:"gene_selector" yaml:"gene_selector"`
	CellPlotPath     string          `json:"cell_plot_output_path" yaml:"cell_plot_output_path"`
	GenePlotPattern  string          `json:"gene_plot_output_pattern" yaml:"gene_plot_output_pattern"`
	SuppressWarnings bool            `json:"suppress_warnings" yaml:"suppress_warnings"`

	// PreloadedMain and PreloadedReference, when set, bypass the disk
	// load. Run works on an isolated copy so the caller's handle is
	// never mutated.
	PreloadedMain      *dataset.Dataset `json:"-" yaml:"-"`
	PreloadedReference *dataset.Dataset `json:"-" yaml:"-"`
}

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	if c.MainDataPath == "" {
		c.MainDataPath = DefaultMainDataPath
	}
	if c.CellPlotPath == "" {
		c.CellPlotPath = DefaultCellPlotPath
	}
	if c.GenePlotPattern == "" {
		c.GenePlotPattern = DefaultGenePattern
	}
	if c.Region == "" {
		c.Region = annotate.RegionWhole
	}
	if c.Backend == "" {
		c.Backend = annotate.BackendAccelerated
	}
	if c.PlotMode == "" {
		c.PlotMode = render.PlotCell
	}
}

// Validate reports the first configuration problem, if any, and rewrites
// alias spellings ("eye", "rapids", "cpu") to their canonical values so
// every later stage sees the same vocabulary.
func (c *Config) Validate() error {
	if c.ReferencePath == "" && c.PreloadedReference == nil {
		return fmt.Errorf("reference_path is required")
	}
	if c.ReferenceLabelColumn == "" {
		return fmt.Errorf("reference_label_column is required")
	}
	region, err := annotate.ParseRegion(string(c.Region))
	if err != nil {
		return err
	}
	c.Region = region
	backend, err := annotate.ParseBackend(string(c.Backend))
	if err != nil {
		return err
	}
	c.Backend = backend
	mode, err := render.ParsePlotMode(string(c.PlotMode))
	if err != nil {
		return err
	}
	c.PlotMode = mode
	return nil
}
