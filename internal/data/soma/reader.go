// Package soma provides minimal, read-only access to a TileDB-SOMA
// experiment as an alternative reference-dataset source.
//
// This is intentionally small: only what the annotation pipeline needs:
//   - gene identifiers (from ms/RNA/var)
//   - one obs label column (the reference ground-truth labels)
//   - dense expression for (all cells) x (all genes) (from ms/RNA/X/data)
package soma

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
	ErrUnsupported = errors.New("soma support is not enabled in this build (build with: go build -tags soma)")
)

// IsExperimentPath reports whether a reference path points at a SOMA
// experiment rather than a stereo container.
func IsExperimentPath(path string) bool {
	return strings.HasSuffix(filepath.Clean(path), ".soma")
}

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
//
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	return filepath.Join(p, "experiment.soma"), nil
}
