// Package cluster derives a coarse spatial clustering for datasets that
// arrive without one, so region filtering has a result table to work on.
package cluster

import (
	"fmt"
	"log"
	"strconv"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"

	"github.com/eyelocater/eyelocater/internal/dataset"
)

// Precluster partitions the dataset's spatial positions into k clusters
// and stores the assignment as the dataset's clustering result. Cluster
// IDs are one-based decimal strings, lining up with the cluster-to-region
// table. An existing clustering result is left untouched.
func Precluster(ds *dataset.Dataset, k int) error {
	if ds.Results[dataset.ResultPhenograph] != nil {
		log.Printf("[cluster] Dataset %q already has a clustering result; skipping", ds.Name)
		return nil
	}
	if len(ds.Position) == 0 {
		return fmt.Errorf("dataset %q has no spatial positions to cluster", ds.Name)
	}
	if k <= 0 {
		return fmt.Errorf("cluster count must be positive, got %d", k)
	}
	if k > ds.NCells() {
		k = ds.NCells()
	}

	obs := make(clusters.Observations, ds.NCells())
	for c, p := range ds.Position {
		obs[c] = clusters.Coordinates{float64(p[0]), float64(p[1])}
	}

	km := kmeans.New()
	cc, err := km.Partition(obs, k)
	if err != nil {
		return fmt.Errorf("kmeans partition failed: %w", err)
	}
	if len(cc) == 0 {
		return fmt.Errorf("kmeans produced no clusters")
	}

	// Partition does not report per-observation assignments, so each
	// cell goes to its nearest center.
	groups := make([]string, ds.NCells())
	for c := range obs {
		best := 0
		bestDist := obs[c].Distance(cc[0].Center)
		for i := 1; i < len(cc); i++ {
			if d := obs[c].Distance(cc[i].Center); d < bestDist {
				best = i
				bestDist = d
			}
		}
		groups[c] = strconv.Itoa(best + 1)
	}

	table := dataset.NewTable("bins", "group")
	table.Columns["bins"] = append([]string(nil), ds.CellIDs...)
	table.Columns["group"] = groups
	ds.Results[dataset.ResultPhenograph] = table

	log.Printf("[cluster] Partitioned %d cells into %d spatial clusters", ds.NCells(), len(cc))
	return nil
}
