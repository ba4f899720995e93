package annotate

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/eyelocater/eyelocater/internal/data/stereo"
	"github.com/eyelocater/eyelocater/internal/dataset"
)

// DefaultRapidsCommand is the GPU worker looked up on PATH.
const DefaultRapidsCommand = "eyelocater-rapids"

// RapidsTransfer delegates label transfer to an external GPU worker. The
// worker receives the two datasets as container directories and prints a
// TSV of cell_id, label, score on stdout. A missing worker reports the
// recognized unavailable error so the runner can fall back to the CPU.
type RapidsTransfer struct {
	// Command overrides the worker executable name or path.
	Command string
}

// NewRapidsTransfer creates the accelerated backend.
func NewRapidsTransfer() *RapidsTransfer { return &RapidsTransfer{} }

func (t *RapidsTransfer) Backend() Backend { return BackendAccelerated }

func (t *RapidsTransfer) Run(ctx context.Context, main, ref *dataset.Dataset, labelColumn string) error {
	cmd := t.Command
	if cmd == "" {
		cmd = DefaultRapidsCommand
	}
	workerPath, err := exec.LookPath(cmd)
	if err != nil {
		return fmt.Errorf("%w: %s not found in PATH", ErrAcceleratedUnavailable, cmd)
	}

	workDir, err := os.MkdirTemp("", "eyelocater-rapids-")
	if err != nil {
		return fmt.Errorf("failed to create worker scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	w, err := stereo.NewWriter()
	if err != nil {
		return err
	}
	defer w.Close()

	mainDir := filepath.Join(workDir, "main.stereo")
	refDir := filepath.Join(workDir, "ref.stereo")
	if err := w.Write(main, mainDir); err != nil {
		return fmt.Errorf("failed to stage main dataset for worker: %w", err)
	}
	if err := w.Write(ref, refDir); err != nil {
		return fmt.Errorf("failed to stage reference dataset for worker: %w", err)
	}

	var stdout, stderr bytes.Buffer
	worker := exec.CommandContext(ctx, workerPath,
		"--main", mainDir,
		"--ref", refDir,
		"--label-col", labelColumn,
	)
	worker.Stdout = &stdout
	worker.Stderr = &stderr

	if err := worker.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("rapids worker failed: %s: %w", msg, err)
		}
		return fmt.Errorf("rapids worker failed: %w", err)
	}

	labels, scores, err := parseWorkerOutput(&stdout, main)
	if err != nil {
		return fmt.Errorf("failed to parse rapids worker output: %w", err)
	}
	writeAnnotation(main, labels, scores)
	return nil
}

// parseWorkerOutput reads lines of "cell_id<TAB>label<TAB>score" and
// resolves them against the dataset's cell order. Every cell must be
// assigned exactly once.
func parseWorkerOutput(r *bytes.Buffer, main *dataset.Dataset) ([]string, []float64, error) {
	pos := make(map[string]int, main.NCells())
	for i, id := range main.CellIDs {
		pos[id] = i
	}

	labels := make([]string, main.NCells())
	scores := make([]float64, main.NCells())
	seen := make([]bool, main.NCells())

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 2 {
			return nil, nil, fmt.Errorf("line %d: expected cell_id<TAB>label[<TAB>score], got %q", line, text)
		}
		i, ok := pos[fields[0]]
		if !ok {
			return nil, nil, fmt.Errorf("line %d: unknown cell %q", line, fields[0])
		}
		if seen[i] {
			return nil, nil, fmt.Errorf("line %d: duplicate assignment for cell %q", line, fields[0])
		}
		seen[i] = true
		labels[i] = fields[1]
		if len(fields) >= 3 {
			s, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return nil, nil, fmt.Errorf("line %d: bad score %q: %w", line, fields[2], err)
			}
			scores[i] = s
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	for i, ok := range seen {
		if !ok {
			return nil, nil, fmt.Errorf("cell %q was not assigned a label", main.CellIDs[i])
		}
	}
	return labels, scores, nil
}
