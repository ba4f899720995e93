package render

import (
	"path/filepath"
	"strings"
)

// DefaultGenePattern is used when no gene output pattern is configured.
const DefaultGenePattern = "spatial_scatter_*.pdf"

// defaultPlotExt is assumed when a pattern carries no file extension.
const defaultPlotExt = ".pdf"

// GenePlotPath derives the output path for one gene's plot from the
// configured pattern: a "*" wildcard is substituted with the gene name;
// otherwise "_<gene>" is inserted before the extension, or appended with
// the default extension when the pattern has none.
func GenePlotPath(pattern, gene string) string {
	if pattern == "" {
		pattern = DefaultGenePattern
	}
	if strings.Contains(pattern, "*") {
		return strings.ReplaceAll(pattern, "*", gene)
	}
	if ext := filepath.Ext(pattern); ext != "" {
		return strings.TrimSuffix(pattern, ext) + "_" + gene + ext
	}
	return pattern + "_" + gene + defaultPlotExt
}
