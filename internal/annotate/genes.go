package annotate

import (
	"strings"

	"github.com/eyelocater/eyelocater/internal/dataset"
)

// ParseGenes splits a comma- or semicolon-separated gene selector into a
// deduplicated list, preserving first-seen order. Empty or absent input
// yields an empty list, not an error.
func ParseGenes(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';'
	})
	var genes []string
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		g := strings.TrimSpace(p)
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		genes = append(genes, g)
	}
	return genes
}

// ValidateGenes partitions genes by membership in the dataset's gene
// vocabulary. Invalid genes do not by themselves abort a run; callers
// decide whether an empty valid list is fatal.
func ValidateGenes(ds *dataset.Dataset, genes []string) (valid, invalid []string) {
	for _, g := range genes {
		if _, ok := ds.GeneIndex(g); ok {
			valid = append(valid, g)
		} else {
			invalid = append(invalid, g)
		}
	}
	return valid, invalid
}
