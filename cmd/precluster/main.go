// Package main derives a spatial clustering for a dataset container that
// arrived without one, so region filtering has clusters to map.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/eyelocater/eyelocater/internal/annotate"
	"github.com/eyelocater/eyelocater/internal/cluster"
	"github.com/eyelocater/eyelocater/internal/data/stereo"
)

func main() {
	in := flag.String("in", "", "Path to the dataset container (required)")
	out := flag.String("out", "", "Output container path (default: overwrite input)")
	k := flag.Int("k", 30, "Number of spatial clusters")
	flag.Parse()

	if *in == "" {
		fmt.Fprintln(os.Stderr, "precluster: -in is required")
		os.Exit(1)
	}
	if *out == "" {
		*out = *in
	}

	loader, err := annotate.NewLoader()
	if err != nil {
		fatalf("failed to initialize loader: %v", err)
	}
	defer loader.Close()

	ds, err := loader.LoadMain(*in)
	if err != nil {
		fatalf("%v", err)
	}

	if err := cluster.Precluster(ds, *k); err != nil {
		fatalf("%v", err)
	}

	w, err := stereo.NewWriter()
	if err != nil {
		fatalf("failed to initialize writer: %v", err)
	}
	defer w.Close()

	if err := w.Write(ds, *out); err != nil {
		fatalf("failed to write container: %v", err)
	}
	fmt.Printf("Wrote clustered dataset to %s\n", *out)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "precluster: "+format+"\n", args...)
	os.Exit(1)
}
