// Package dataset defines the in-memory handle for a spatial
// transcriptomics dataset: a dense cell x gene expression matrix, spatial
// coordinates, per-cell metadata and named tool results.
package dataset

import (
	"fmt"
	"math"
)

// Flag names recorded by preprocessing steps.
const (
	FlagNormalized = "normalized"
	FlagLog1p      = "log1p"
)

// Result keys written or consumed by the annotation pipeline.
const (
	ResultAnnotation = "annotation"
	ResultPhenograph = "phenograph"
)

// Table is a per-cell tool-result table, e.g. a clustering result or the
// label assignment written by the annotation step.
type Table struct {
	ColumnOrder []string            `json:"column_order"`
	Columns     map[string][]string `json:"columns"`
}

// NewTable creates an empty table with the given column order.
func NewTable(cols ...string) *Table {
	t := &Table{
		ColumnOrder: append([]string(nil), cols...),
		Columns:     make(map[string][]string, len(cols)),
	}
	for _, c := range cols {
		t.Columns[c] = nil
	}
	return t
}

// Column returns the named column, or nil if absent.
func (t *Table) Column(name string) []string {
	if t == nil {
		return nil
	}
	return t.Columns[name]
}

// Len returns the number of rows (length of the first column).
func (t *Table) Len() int {
	if t == nil || len(t.ColumnOrder) == 0 {
		return 0
	}
	return len(t.Columns[t.ColumnOrder[0]])
}

func (t *Table) copy() *Table {
	if t == nil {
		return nil
	}
	c := &Table{
		ColumnOrder: append([]string(nil), t.ColumnOrder...),
		Columns:     make(map[string][]string, len(t.Columns)),
	}
	for name, col := range t.Columns {
		c.Columns[name] = append([]string(nil), col...)
	}
	return c
}

// Dataset is the working handle the pipeline mutates. X is dense row-major
// with one row per cell and one column per gene.
type Dataset struct {
	Name      string
	CellIDs   []string
	GeneNames []string
	X         []float32
	Position  [][2]float32
	Obs       map[string][]string
	Results   map[string]*Table
	Meta      Meta

	geneIndex map[string]int
}

// New creates a dataset with an empty direct metadata block.
func New(name string, cellIDs, geneNames []string, x []float32) (*Dataset, error) {
	if len(x) != len(cellIDs)*len(geneNames) {
		return nil, fmt.Errorf("expression matrix size %d does not match %d cells x %d genes",
			len(x), len(cellIDs), len(geneNames))
	}
	return &Dataset{
		Name:      name,
		CellIDs:   cellIDs,
		GeneNames: geneNames,
		X:         x,
		Obs:       make(map[string][]string),
		Results:   make(map[string]*Table),
		Meta:      NewDirectMeta(nil),
	}, nil
}

// NCells returns the number of cells.
func (d *Dataset) NCells() int { return len(d.CellIDs) }

// NGenes returns the number of genes.
func (d *Dataset) NGenes() int { return len(d.GeneNames) }

// GeneIndex returns the column index of a gene name.
func (d *Dataset) GeneIndex(gene string) (int, bool) {
	if d.geneIndex == nil {
		d.geneIndex = make(map[string]int, len(d.GeneNames))
		for i, g := range d.GeneNames {
			d.geneIndex[g] = i
		}
	}
	i, ok := d.geneIndex[gene]
	return i, ok
}

// Value returns the expression value for one cell and gene index.
func (d *Dataset) Value(cell, gene int) float32 {
	return d.X[cell*len(d.GeneNames)+gene]
}

// Row returns one cell's expression row. The slice aliases the matrix.
func (d *Dataset) Row(cell int) []float32 {
	g := len(d.GeneNames)
	return d.X[cell*g : (cell+1)*g]
}

// GeneColumn returns a copy of one gene's expression across all cells.
func (d *Dataset) GeneColumn(gene string) ([]float32, error) {
	idx, ok := d.GeneIndex(gene)
	if !ok {
		return nil, fmt.Errorf("gene not found: %s", gene)
	}
	col := make([]float32, d.NCells())
	g := len(d.GeneNames)
	for c := range col {
		col[c] = d.X[c*g+idx]
	}
	return col, nil
}

// NormalizeTotal scales each cell's counts so the row sums to target
// (1e4 when target <= 0) and records the normalized flag.
func (d *Dataset) NormalizeTotal(target float64) error {
	if target <= 0 {
		target = 1e4
	}
	g := len(d.GeneNames)
	for c := 0; c < d.NCells(); c++ {
		row := d.X[c*g : (c+1)*g]
		var sum float64
		for _, v := range row {
			if v < 0 || math.IsNaN(float64(v)) {
				return fmt.Errorf("cell %s has invalid count %v", d.CellIDs[c], v)
			}
			sum += float64(v)
		}
		if sum == 0 {
			continue
		}
		scale := float32(target / sum)
		for i := range row {
			row[i] *= scale
		}
	}
	d.Meta.SetFlag(FlagNormalized)
	return nil
}

// Log1p applies ln(1+x) to the expression matrix and records the flag.
func (d *Dataset) Log1p() error {
	for i, v := range d.X {
		if v < 0 {
			return fmt.Errorf("negative expression value %v at offset %d", v, i)
		}
		d.X[i] = float32(math.Log1p(float64(v)))
	}
	d.Meta.SetFlag(FlagLog1p)
	return nil
}

// FilterCells keeps only the listed cells, preserving dataset order.
// Tool-result tables are keyed by cell ID and left untouched; readers
// resolve them against the surviving cells.
func (d *Dataset) FilterCells(cellIDs []string) error {
	keep := make(map[string]bool, len(cellIDs))
	for _, id := range cellIDs {
		keep[id] = true
	}

	g := len(d.GeneNames)
	newIDs := make([]string, 0, len(cellIDs))
	newX := make([]float32, 0, len(cellIDs)*g)
	var newPos [][2]float32
	if d.Position != nil {
		newPos = make([][2]float32, 0, len(cellIDs))
	}
	newObs := make(map[string][]string, len(d.Obs))
	for col := range d.Obs {
		newObs[col] = make([]string, 0, len(cellIDs))
	}

	for c, id := range d.CellIDs {
		if !keep[id] {
			continue
		}
		newIDs = append(newIDs, id)
		newX = append(newX, d.X[c*g:(c+1)*g]...)
		if d.Position != nil {
			if c >= len(d.Position) {
				return fmt.Errorf("position table shorter than cell list: %d < %d", len(d.Position), c+1)
			}
			newPos = append(newPos, d.Position[c])
		}
		for col, vals := range d.Obs {
			if c >= len(vals) {
				return fmt.Errorf("obs column %q shorter than cell list", col)
			}
			newObs[col] = append(newObs[col], vals[c])
		}
	}

	d.CellIDs = newIDs
	d.X = newX
	d.Position = newPos
	d.Obs = newObs
	return nil
}

// Copy returns an independent deep copy. The pipeline copies cached
// handles before mutating them so repeated runs never corrupt the cache.
func (d *Dataset) Copy() (*Dataset, error) {
	if d == nil {
		return nil, fmt.Errorf("cannot copy nil dataset")
	}
	c := &Dataset{
		Name:      d.Name,
		CellIDs:   append([]string(nil), d.CellIDs...),
		GeneNames: append([]string(nil), d.GeneNames...),
		X:         append([]float32(nil), d.X...),
	}
	if d.Position != nil {
		c.Position = append([][2]float32(nil), d.Position...)
	}
	c.Obs = make(map[string][]string, len(d.Obs))
	for col, vals := range d.Obs {
		c.Obs[col] = append([]string(nil), vals...)
	}
	c.Results = make(map[string]*Table, len(d.Results))
	for key, tbl := range d.Results {
		c.Results[key] = tbl.copy()
	}
	meta, err := copyMeta(d.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to copy dataset metadata: %w", err)
	}
	c.Meta = meta
	return c, nil
}
