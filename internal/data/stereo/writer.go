package stereo

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/eyelocater/eyelocater/internal/dataset"
)

// DefaultChunkRows is the row count per expression chunk.
const DefaultChunkRows = 4096

// Writer writes dataset containers.
type Writer struct {
	encoder   *zstd.Encoder
	chunkRows int
}

// NewWriter creates a container writer.
func NewWriter() (*Writer, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &Writer{encoder: encoder, chunkRows: DefaultChunkRows}, nil
}

// Close releases the encoder.
func (w *Writer) Close() error {
	if w.encoder != nil {
		return w.encoder.Close()
	}
	return nil
}

// Write persists a dataset as a container directory at basePath.
func (w *Writer) Write(ds *dataset.Dataset, basePath string) error {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return fmt.Errorf("failed to create container dir: %w", err)
	}

	md := Metadata{
		FormatVersion: FormatVersion,
		DatasetName:   ds.Name,
		NCells:        ds.NCells(),
		NGenes:        ds.NGenes(),
		Genes:         ds.GeneNames,
	}
	switch m := ds.Meta.(type) {
	case *dataset.DirectMeta:
		md.Processed = m.Flags()
	case *dataset.WrappedMeta:
		md.Uns = m.Uns()
	}
	if err := writeJSONFile(filepath.Join(basePath, "metadata.json"), md); err != nil {
		return fmt.Errorf("failed to write metadata.json: %w", err)
	}
	if err := writeJSONFile(filepath.Join(basePath, "cell_ids.json"), ds.CellIDs); err != nil {
		return fmt.Errorf("failed to write cell_ids.json: %w", err)
	}

	if err := w.writeMatrix(filepath.Join(basePath, "expression"), ds.X, ds.NCells(), ds.NGenes()); err != nil {
		return fmt.Errorf("failed to write expression array: %w", err)
	}

	if ds.Position != nil {
		pos := make([]float32, 0, len(ds.Position)*2)
		for _, p := range ds.Position {
			pos = append(pos, p[0], p[1])
		}
		if err := w.writeMatrix(filepath.Join(basePath, "position"), pos, ds.NCells(), 2); err != nil {
			return fmt.Errorf("failed to write position array: %w", err)
		}
	}

	if len(ds.Obs) > 0 {
		obsDir := filepath.Join(basePath, "obs")
		if err := os.MkdirAll(obsDir, 0o755); err != nil {
			return fmt.Errorf("failed to create obs dir: %w", err)
		}
		for col, vals := range ds.Obs {
			if err := writeJSONFile(filepath.Join(obsDir, col+".json"), vals); err != nil {
				return fmt.Errorf("failed to write obs column %q: %w", col, err)
			}
		}
	}

	if len(ds.Results) > 0 {
		resDir := filepath.Join(basePath, "results")
		if err := os.MkdirAll(resDir, 0o755); err != nil {
			return fmt.Errorf("failed to create results dir: %w", err)
		}
		for key, tbl := range ds.Results {
			if err := writeJSONFile(filepath.Join(resDir, key+".json"), tbl); err != nil {
				return fmt.Errorf("failed to write result table %q: %w", key, err)
			}
		}
	}

	return nil
}

// writeMatrix writes a row-major float32 matrix as zstd-compressed chunks.
// All-zero chunks are elided; the reader synthesizes them from fill_value.
func (w *Writer) writeMatrix(arrayPath string, data []float32, rows, cols int) error {
	if len(data) != rows*cols {
		return fmt.Errorf("matrix size %d does not match %dx%d", len(data), rows, cols)
	}

	chunkRows := w.chunkRows
	if chunkRows <= 0 {
		chunkRows = DefaultChunkRows
	}

	meta := ArrayMeta{
		Shape:      []int{rows, cols},
		DataType:   "float32",
		ChunkShape: []int{chunkRows, cols},
		FillValue:  0,
	}
	if err := os.MkdirAll(filepath.Join(arrayPath, "c"), 0o755); err != nil {
		return fmt.Errorf("failed to create chunk dir: %w", err)
	}
	if err := writeJSONFile(filepath.Join(arrayPath, "array.json"), meta); err != nil {
		return fmt.Errorf("failed to write array.json: %w", err)
	}

	nRowChunks := ceilDiv(rows, chunkRows)
	for rc := 0; rc < nRowChunks; rc++ {
		rowStart := rc * chunkRows
		rowLen := min(chunkRows, rows-rowStart)

		raw := make([]byte, rowLen*cols*4)
		allZero := true
		for i := 0; i < rowLen*cols; i++ {
			v := data[rowStart*cols+i]
			if v != 0 {
				allZero = false
			}
			bits := float32bits(v)
			off := i * 4
			raw[off] = byte(bits)
			raw[off+1] = byte(bits >> 8)
			raw[off+2] = byte(bits >> 16)
			raw[off+3] = byte(bits >> 24)
		}
		if allZero {
			continue
		}

		compressed := w.encoder.EncodeAll(raw, nil)
		chunkDir := filepath.Join(arrayPath, "c", strconv.Itoa(rc))
		if err := os.MkdirAll(chunkDir, 0o755); err != nil {
			return fmt.Errorf("failed to create chunk dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(chunkDir, "0"), compressed, 0o644); err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", rc, err)
		}
	}

	return nil
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func float32bits(f float32) uint32 {
	return math.Float32bits(f)
}

func float32frombits(b uint32) float32 {
	return math.Float32frombits(b)
}
