package annotate

import (
	"errors"
	"testing"

	"github.com/eyelocater/eyelocater/internal/dataset"
)

func regionTestDataset(t *testing.T, groups map[string]string) *dataset.Dataset {
	t.Helper()
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	// Deterministic order.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}

	x := make([]float32, len(ids))
	ds, err := dataset.New("region-test", ids, []string{"g1"}, x)
	if err != nil {
		t.Fatal(err)
	}
	bins := make([]string, len(ids))
	grp := make([]string, len(ids))
	for i, id := range ids {
		bins[i] = id
		grp[i] = groups[id]
	}
	ds.Results[dataset.ResultPhenograph] = &dataset.Table{
		ColumnOrder: []string{"bins", "group"},
		Columns:     map[string][]string{"bins": bins, "group": grp},
	}
	return ds
}

func TestParseRegion(t *testing.T) {
	for in, want := range map[string]Region{
		"whole":  RegionWhole,
		"eye":    RegionWhole,
		"retina": RegionRetina,
		"cornea": RegionCornea,
	} {
		got, err := ParseRegion(in)
		if err != nil || got != want {
			t.Errorf("ParseRegion(%q) = (%v, %v), want %v", in, got, err, want)
		}
	}
	if _, err := ParseRegion("sclera"); err == nil {
		t.Error("expected error for unsupported region")
	}
}

func TestFilterByRegionWholeIsNoOp(t *testing.T) {
	ds := regionTestDataset(t, map[string]string{"c1": "6", "c2": "17"})
	if err := FilterByRegion(ds, RegionWhole); err != nil {
		t.Fatalf("FilterByRegion: %v", err)
	}
	if ds.NCells() != 2 {
		t.Errorf("whole region must not filter, got %d cells", ds.NCells())
	}
}

func TestFilterByRegionRetina(t *testing.T) {
	ds := regionTestDataset(t, map[string]string{
		"c1": "6",  // retina
		"c2": "17", // cornea
		"c3": "10", // retina
		"c4": "5",  // unknown
		"c5": "99", // unmapped -> unknown
	})
	if err := FilterByRegion(ds, RegionRetina); err != nil {
		t.Fatalf("FilterByRegion: %v", err)
	}
	want := map[string]bool{"c1": true, "c3": true}
	if ds.NCells() != 2 {
		t.Fatalf("expected 2 retina cells, got %d: %v", ds.NCells(), ds.CellIDs)
	}
	for _, id := range ds.CellIDs {
		if !want[id] {
			t.Errorf("retained non-retina cell %s", id)
		}
	}
}

func TestFilterByRegionUnmappedNeverRetained(t *testing.T) {
	ds := regionTestDataset(t, map[string]string{"c1": "99", "c2": "44"})
	if err := FilterByRegion(ds, RegionCornea); err != nil {
		t.Fatalf("FilterByRegion: %v", err)
	}
	if ds.NCells() != 0 {
		t.Errorf("unmapped clusters must be excluded, got %v", ds.CellIDs)
	}
}

func TestFilterByRegionMissingClustering(t *testing.T) {
	ds, err := dataset.New("bare", []string{"c1"}, []string{"g1"}, []float32{0})
	if err != nil {
		t.Fatal(err)
	}
	err = FilterByRegion(ds, RegionRetina)
	var annErr *AnnotationError
	if !errors.As(err, &annErr) {
		t.Fatalf("expected AnnotationError for missing phenograph result, got %v", err)
	}
}

func TestRetinaClusterTable(t *testing.T) {
	want := map[string]bool{
		"6": true, "10": true, "11": true, "15": true, "16": true,
		"20": true, "22": true, "25": true, "28": true, "29": true,
		"32": true, "33": true, "43": true,
	}
	for cluster, region := range ClusterToRegion {
		if (region == "retina") != want[cluster] {
			t.Errorf("cluster %s maps to %q, retina expectation %v", cluster, region, want[cluster])
		}
	}
}
