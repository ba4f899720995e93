// Package main is the command line interface for running one annotation
// pipeline pass.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/eyelocater/eyelocater/internal/annotate"
	"github.com/eyelocater/eyelocater/internal/pipeline"
	"github.com/eyelocater/eyelocater/internal/render"
)

func main() {
	refPath := flag.String("ref", "", "Path to the annotated reference container (required)")
	refCol := flag.String("ref-col", "", "Reference metadata column holding cell type labels (required)")
	region := flag.String("region", "whole", "Region to keep: whole, retina or cornea (eye is an alias for whole)")
	mainPath := flag.String("main-data", pipeline.DefaultMainDataPath, "Path to the target dataset container")
	out := flag.String("out", pipeline.DefaultCellPlotPath, "Output path for the cell type scatter plot")
	backend := flag.String("backend", "accelerated", "Compute backend preference: accelerated or cpu-only (rapids/cpu accepted)")
	genes := flag.String("gene", "", "Genes to plot, comma or semicolon separated")
	plotType := flag.String("plot-type", "cell", "Plots to produce: cell, gene or both")
	geneOut := flag.String("gene-out", pipeline.DefaultGenePattern, "Output pattern for gene plots; * is replaced with the gene name")
	noSuppress := flag.Bool("no-suppress-warnings", false, "Show warning messages")
	flag.Parse()

	log.SetFlags(log.LstdFlags)

	parsedRegion, err := annotate.ParseRegion(*region)
	if err != nil {
		fatalf("%v", err)
	}
	parsedBackend, err := annotate.ParseBackend(*backend)
	if err != nil {
		fatalf("%v", err)
	}
	parsedMode, err := render.ParsePlotMode(*plotType)
	if err != nil {
		fatalf("%v", err)
	}

	cfg := pipeline.Config{
		ReferencePath:        *refPath,
		ReferenceLabelColumn: *refCol,
		MainDataPath:         *mainPath,
		Region:               parsedRegion,
		Backend:              parsedBackend,
		PlotMode:             parsedMode,
		GeneSelector:         *genes,
		CellPlotPath:         *out,
		GenePlotPattern:      *geneOut,
		SuppressWarnings:     !*noSuppress,
	}

	p, err := pipeline.New(render.Config{})
	if err != nil {
		fatalf("failed to initialize pipeline: %v", err)
	}
	defer p.Close()

	res, err := p.Run(context.Background(), cfg)
	if err != nil {
		fatalf("%v", err)
	}

	paths := append(append([]string(nil), res.Files.Cell...), res.Files.Gene...)
	fmt.Printf("Annotation finished: %d cells, backend %s", res.Dataset.NCells(), res.BackendUsed)
	if len(paths) > 0 {
		fmt.Printf(", outputs: %s", strings.Join(paths, ", "))
	}
	fmt.Println()
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "eyelocater: "+format+"\n", args...)
	os.Exit(1)
}
