package annotate

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"github.com/eyelocater/eyelocater/internal/dataset"
)

// CPUTransfer is the universally available label-transfer implementation:
// a SingleR-style correlation classifier. For every reference label it
// builds a centroid over the genes shared between reference and target,
// then assigns each target cell the label whose centroid has the highest
// Spearman correlation with the cell's expression.
type CPUTransfer struct{}

// NewCPUTransfer creates the CPU backend.
func NewCPUTransfer() *CPUTransfer { return &CPUTransfer{} }

func (t *CPUTransfer) Backend() Backend { return BackendCPU }

func (t *CPUTransfer) Run(ctx context.Context, main, ref *dataset.Dataset, labelColumn string) error {
	labels := ref.Obs[labelColumn]
	if labels == nil {
		return fmt.Errorf("reference has no obs column %q", labelColumn)
	}
	if len(labels) != ref.NCells() {
		return fmt.Errorf("reference obs column %q has %d values for %d cells", labelColumn, len(labels), ref.NCells())
	}

	mainIdx, refIdx := sharedGenes(main, ref)
	if len(mainIdx) < 2 {
		return fmt.Errorf("reference and target share only %d genes; need at least 2", len(mainIdx))
	}

	centroids, labelNames := labelCentroids(ref, labels, refIdx)
	if len(labelNames) == 0 {
		return fmt.Errorf("reference obs column %q has no labels", labelColumn)
	}

	// Centroid ranks do not change per cell; rank once.
	centroidRanks := make([][]float64, len(centroids))
	for i, c := range centroids {
		centroidRanks[i] = rankAvg(c)
	}

	assigned := make([]string, main.NCells())
	scores := make([]float64, main.NCells())
	cellVec := make([]float64, len(mainIdx))

	for c := 0; c < main.NCells(); c++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		row := main.Row(c)
		for i, g := range mainIdx {
			cellVec[i] = float64(row[g])
		}
		cellRanks := rankAvg(cellVec)

		best := -1
		bestScore := 0.0
		for li := range centroids {
			r := stat.Correlation(cellRanks, centroidRanks[li], nil)
			if best < 0 || r > bestScore {
				best = li
				bestScore = r
			}
		}
		assigned[c] = labelNames[best]
		scores[c] = bestScore
	}

	writeAnnotation(main, assigned, scores)
	return nil
}

// sharedGenes returns matching column indices into main and ref for genes
// present in both vocabularies, in main's gene order.
func sharedGenes(main, ref *dataset.Dataset) (mainIdx, refIdx []int) {
	for i, g := range main.GeneNames {
		if j, ok := ref.GeneIndex(g); ok {
			mainIdx = append(mainIdx, i)
			refIdx = append(refIdx, j)
		}
	}
	return mainIdx, refIdx
}

// labelCentroids computes the mean expression per label over the shared
// reference genes. Labels are returned in sorted order for determinism.
func labelCentroids(ref *dataset.Dataset, labels []string, refIdx []int) ([][]float64, []string) {
	sums := make(map[string][]float64)
	counts := make(map[string]int)

	for c := 0; c < ref.NCells(); c++ {
		lab := labels[c]
		s := sums[lab]
		if s == nil {
			s = make([]float64, len(refIdx))
			sums[lab] = s
		}
		row := ref.Row(c)
		for i, g := range refIdx {
			s[i] += float64(row[g])
		}
		counts[lab]++
	}

	names := make([]string, 0, len(sums))
	for lab := range sums {
		names = append(names, lab)
	}
	sort.Strings(names)

	centroids := make([][]float64, len(names))
	for i, lab := range names {
		s := sums[lab]
		n := float64(counts[lab])
		for j := range s {
			s[j] /= n
		}
		centroids[i] = s
	}
	return centroids, names
}

// rankAvg returns average ranks (ties share the mean of their positions),
// the rank transform underlying Spearman correlation.
func rankAvg(v []float64) []float64 {
	n := len(v)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return v[idx[a]] < v[idx[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && v[idx[j+1]] == v[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}

func writeAnnotation(main *dataset.Dataset, labels []string, scores []float64) {
	scoreCol := make([]string, len(scores))
	for i, s := range scores {
		scoreCol[i] = strconv.FormatFloat(s, 'f', 4, 64)
	}
	main.Results[dataset.ResultAnnotation] = &dataset.Table{
		ColumnOrder: []string{"bins", "group", "score"},
		Columns: map[string][]string{
			"bins":  append([]string(nil), main.CellIDs...),
			"group": labels,
			"score": scoreCol,
		},
	}
}
