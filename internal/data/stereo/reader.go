// Package stereo reads and writes the on-disk dataset container: a
// directory with a JSON metadata document, zstd-compressed chunked binary
// arrays for the expression matrix and spatial positions, and JSON tables
// for per-cell metadata and tool results.
package stereo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/eyelocater/eyelocater/internal/dataset"
)

// FormatVersion is written into new containers.
const FormatVersion = "1.1"

// Metadata is the container's metadata.json document. Processing markers
// appear either as the top-level Processed block (current writers) or
// nested under Uns["processed"] (older writers).
type Metadata struct {
	FormatVersion string                 `json:"format_version"`
	DatasetName   string                 `json:"dataset_name"`
	NCells        int                    `json:"n_cells"`
	NGenes        int                    `json:"n_genes"`
	Genes         []string               `json:"genes"`
	Processed     map[string]bool        `json:"processed,omitempty"`
	Uns           map[string]interface{} `json:"uns,omitempty"`
}

// ArrayMeta describes one chunked binary array (array.json).
type ArrayMeta struct {
	Shape      []int       `json:"shape"`
	DataType   string      `json:"data_type"`
	ChunkShape []int       `json:"chunk_shape"`
	FillValue  interface{} `json:"fill_value"`
}

// Reader reads dataset containers.
type Reader struct {
	decoder *zstd.Decoder
}

// NewReader creates a container reader.
func NewReader() (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Reader{decoder: decoder}, nil
}

// Close releases the decoder.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

// Open reads a full dataset container from basePath.
func (r *Reader) Open(basePath string) (*dataset.Dataset, error) {
	md, err := r.loadMetadata(basePath)
	if err != nil {
		return nil, err
	}

	cellIDs, err := readJSONFile[[]string](filepath.Join(basePath, "cell_ids.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read cell_ids.json: %w", err)
	}
	if len(cellIDs) != md.NCells {
		return nil, fmt.Errorf("cell_ids.json has %d entries, metadata says %d", len(cellIDs), md.NCells)
	}
	if len(md.Genes) != md.NGenes {
		return nil, fmt.Errorf("metadata lists %d genes, n_genes says %d", len(md.Genes), md.NGenes)
	}

	x, shape, err := r.readMatrix(filepath.Join(basePath, "expression"))
	if err != nil {
		return nil, fmt.Errorf("failed to read expression array: %w", err)
	}
	if shape[0] != md.NCells || shape[1] != md.NGenes {
		return nil, fmt.Errorf("expression shape %v does not match metadata [%d %d]", shape, md.NCells, md.NGenes)
	}

	ds, err := dataset.New(md.DatasetName, cellIDs, md.Genes, x)
	if err != nil {
		return nil, err
	}

	// Metadata accessor: current containers carry a flat processed block,
	// older ones nest it under uns.
	if md.Processed != nil {
		ds.Meta = dataset.NewDirectMeta(md.Processed)
	} else if md.Uns != nil {
		ds.Meta = dataset.NewWrappedMeta(md.Uns)
	}

	if pos, shape, err := r.readMatrix(filepath.Join(basePath, "position")); err == nil {
		if shape[0] != md.NCells || shape[1] != 2 {
			return nil, fmt.Errorf("position shape %v does not match [%d 2]", shape, md.NCells)
		}
		ds.Position = make([][2]float32, md.NCells)
		for c := 0; c < md.NCells; c++ {
			ds.Position[c] = [2]float32{pos[c*2], pos[c*2+1]}
		}
	} else if !os.IsNotExist(rootCause(err)) {
		return nil, fmt.Errorf("failed to read position array: %w", err)
	}

	if err := r.loadObs(basePath, ds); err != nil {
		return nil, err
	}
	if err := r.loadResults(basePath, ds); err != nil {
		return nil, err
	}

	return ds, nil
}

func (r *Reader) loadMetadata(basePath string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(basePath, "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata.json: %w", err)
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to parse metadata.json: %w", err)
	}
	return &md, nil
}

func (r *Reader) loadObs(basePath string, ds *dataset.Dataset) error {
	obsDir := filepath.Join(basePath, "obs")
	entries, err := os.ReadDir(obsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list obs dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		col := strings.TrimSuffix(e.Name(), ".json")
		vals, err := readJSONFile[[]string](filepath.Join(obsDir, e.Name()))
		if err != nil {
			return fmt.Errorf("failed to read obs column %q: %w", col, err)
		}
		if len(vals) != ds.NCells() {
			return fmt.Errorf("obs column %q has %d values, dataset has %d cells", col, len(vals), ds.NCells())
		}
		ds.Obs[col] = vals
	}
	return nil
}

func (r *Reader) loadResults(basePath string, ds *dataset.Dataset) error {
	resDir := filepath.Join(basePath, "results")
	entries, err := os.ReadDir(resDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list results dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".json")
		tbl, err := readJSONFile[*dataset.Table](filepath.Join(resDir, e.Name()))
		if err != nil {
			return fmt.Errorf("failed to read result table %q: %w", key, err)
		}
		ds.Results[key] = tbl
	}
	return nil
}

// readMatrix reads a 2-D float32 chunked array into a row-major slice.
func (r *Reader) readMatrix(arrayPath string) ([]float32, [2]int, error) {
	var shape [2]int

	meta, err := r.loadArrayMeta(arrayPath)
	if err != nil {
		return nil, shape, err
	}
	if len(meta.Shape) != 2 || len(meta.ChunkShape) != 2 {
		return nil, shape, fmt.Errorf("unexpected array shape %v / chunk shape %v", meta.Shape, meta.ChunkShape)
	}
	if meta.DataType != "float32" {
		return nil, shape, fmt.Errorf("unsupported data_type: %s", meta.DataType)
	}
	shape = [2]int{meta.Shape[0], meta.Shape[1]}

	rows, cols := meta.Shape[0], meta.Shape[1]
	chunkRows, chunkCols := meta.ChunkShape[0], meta.ChunkShape[1]
	if chunkRows <= 0 || chunkCols <= 0 {
		return nil, shape, fmt.Errorf("invalid chunk shape: %v", meta.ChunkShape)
	}

	out := make([]float32, rows*cols)
	nRowChunks := ceilDiv(rows, chunkRows)
	nColChunks := ceilDiv(cols, chunkCols)

	for rc := 0; rc < nRowChunks; rc++ {
		rowStart := rc * chunkRows
		rowLen := min(chunkRows, rows-rowStart)
		for cc := 0; cc < nColChunks; cc++ {
			colStart := cc * chunkCols
			colLen := min(chunkCols, cols-colStart)

			data, err := r.readChunk(arrayPath, meta, rc, cc, rowLen*colLen)
			if err != nil {
				return nil, shape, fmt.Errorf("failed to read chunk %d/%d: %w", rc, cc, err)
			}
			if len(data) < rowLen*colLen*4 {
				return nil, shape, fmt.Errorf("chunk %d/%d too short: got %d bytes, expected %d",
					rc, cc, len(data), rowLen*colLen*4)
			}

			for i := 0; i < rowLen; i++ {
				for j := 0; j < colLen; j++ {
					off := (i*colLen + j) * 4
					bits := uint32(data[off]) |
						uint32(data[off+1])<<8 |
						uint32(data[off+2])<<16 |
						uint32(data[off+3])<<24
					out[(rowStart+i)*cols+colStart+j] = float32frombits(bits)
				}
			}
		}
	}

	return out, shape, nil
}

func (r *Reader) loadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "array.json"))
	if err != nil {
		return nil, err
	}
	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse array.json: %w", err)
	}
	return &meta, nil
}

// readChunk reads and decompresses one chunk. A chunk missing from disk
// represents an all-fill-value chunk.
func (r *Reader) readChunk(arrayPath string, meta *ArrayMeta, rowChunk, colChunk, elementCount int) ([]byte, error) {
	key := strconv.Itoa(rowChunk) + "/" + strconv.Itoa(colChunk)
	compressed, err := os.ReadFile(filepath.Join(arrayPath, "c", key))
	if err != nil {
		if os.IsNotExist(err) {
			fill, fillErr := fillValueBytes(meta)
			if fillErr != nil {
				return nil, fillErr
			}
			return repeatFillBytes(fill, elementCount), nil
		}
		return nil, err
	}

	decompressed, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return decompressed, nil
}

func fillValueBytes(meta *ArrayMeta) ([]byte, error) {
	if meta.DataType != "float32" {
		return nil, fmt.Errorf("unsupported data_type: %s", meta.DataType)
	}
	fill := meta.FillValue
	if fill == nil {
		return make([]byte, 4), nil
	}
	var v float32
	switch t := fill.(type) {
	case float64:
		v = float32(t)
	case float32:
		v = t
	case int:
		v = float32(t)
	default:
		return nil, fmt.Errorf("unsupported fill_value type: %T", fill)
	}
	bits := float32bits(v)
	return []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}, nil
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	allZero := true
	for _, b := range fill {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return make([]byte, len(fill)*n)
	}
	out := make([]byte, len(fill)*n)
	for i := 0; i < n; i++ {
		copy(out[i*len(fill):(i+1)*len(fill)], fill)
	}
	return out
}

func readJSONFile[T any](path string) (T, error) {
	var out T
	data, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

func rootCause(err error) error {
	for {
		unwrapped, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := unwrapped.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
