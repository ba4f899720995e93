package annotate

import (
	"fmt"
	"log"

	"github.com/eyelocater/eyelocater/internal/dataset"
)

// Region is an anatomical compartment the target dataset can be
// restricted to before plotting.
type Region string

const (
	// RegionWhole disables filtering (the whole organ).
	RegionWhole  Region = "whole"
	RegionRetina Region = "retina"
	RegionCornea Region = "cornea"
)

// regionUnknown is the mapped value for clusters without a table entry.
// Cells in such clusters are never retained under a specific-region filter.
const regionUnknown = "unknown"

// ParseRegion parses a region name. "eye" is accepted as a historical
// alias for whole (the original CLI's vocabulary).
func ParseRegion(s string) (Region, error) {
	switch s {
	case "whole", "eye":
		return RegionWhole, nil
	case "retina":
		return RegionRetina, nil
	case "cornea":
		return RegionCornea, nil
	default:
		return "", fmt.Errorf("invalid region %q (expected one of: whole, retina, cornea)", s)
	}
}

// ClusterToRegion maps phenograph cluster identifiers to anatomical
// regions. The table is fixed for the atlas this tool was built around.
var ClusterToRegion = map[string]string{
	"1":  "lens",
	"2":  "lens",
	"3":  "lens",
	"4":  "lens",
	"5":  "unknown",
	"6":  "retina",
	"7":  "lens",
	"8":  "sclera & choroid",
	"9":  "lens",
	"10": "retina",
	"11": "retina",
	"12": "iris & ciliary",
	"13": "sclera & choroid",
	"14": "iris & ciliary",
	"15": "retina",
	"16": "retina",
	"17": "cornea",
	"18": "cornea",
	"19": "cornea",
	"20": "retina",
	"21": "cornea",
	"22": "retina",
	"23": "sclera & choroid",
	"24": "sclera & choroid",
	"25": "retina",
	"26": "iris & ciliary",
	"27": "lens",
	"28": "retina",
	"29": "retina",
	"30": "unknown",
	"31": "optic nerve",
	"32": "retina",
	"33": "retina",
	"34": "unknown",
	"35": "lens",
	"36": "iris & ciliary",
	"37": "iris & ciliary",
	"38": "iris & ciliary",
	"39": "unknown",
	"40": "unknown",
	"41": "unknown",
	"42": "sclera & choroid",
	"43": "retina",
	"44": "unknown",
	"45": "unknown",
	"46": "unknown",
	"47": "unknown",
	"48": "unknown",
	"49": "unknown",
	"50": "unknown",
}

// FilterByRegion restricts the dataset to cells whose phenograph cluster
// maps to the requested region. RegionWhole is a no-op. A missing
// phenograph result is an error, not a silent skip.
func FilterByRegion(ds *dataset.Dataset, region Region) error {
	if region == RegionWhole {
		return nil
	}
	if region != RegionRetina && region != RegionCornea {
		return annErrf(nil, "invalid region %q (expected one of: whole, retina, cornea)", region)
	}

	res := ds.Results[dataset.ResultPhenograph]
	if res == nil {
		return annErrf(nil,
			"could not find %q results in dataset %q; make sure phenograph clustering has been run",
			dataset.ResultPhenograph, ds.Name)
	}

	groups := res.Column("group")
	bins := res.Column("bins")
	if groups == nil || bins == nil || len(groups) != len(bins) {
		return annErrf(nil, "malformed %q result in dataset %q", dataset.ResultPhenograph, ds.Name)
	}

	var keep []string
	for i, g := range groups {
		loc, ok := ClusterToRegion[g]
		if !ok {
			loc = regionUnknown
		}
		if loc == string(region) {
			keep = append(keep, bins[i])
		}
	}

	log.Printf("[annotate] Filtering to region %q: keeping %d of %d clustered cells", region, len(keep), len(bins))
	if err := ds.FilterCells(keep); err != nil {
		return annErrf(err, "error during filtering for region %q", region)
	}
	return nil
}
