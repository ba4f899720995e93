//go:build soma

package soma

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/eyelocater/eyelocater/internal/dataset"
)

// Reader provides minimal SOMA reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context

	geneOnce sync.Once
	genes    []string
	geneErr  error
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{experimentURI: uri, ctx: ctx}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// LoadReference assembles a reference dataset: gene names from ms/RNA/var,
// labels from obs, dense expression from ms/RNA/X/data.
func (r *Reader) LoadReference(labelColumn string) (*dataset.Dataset, error) {
	genes, err := r.geneIDs()
	if err != nil {
		return nil, err
	}
	labels, err := r.obsColumn(labelColumn)
	if err != nil {
		return nil, err
	}

	nCells := len(labels)
	nGenes := len(genes)
	x := make([]float32, nCells*nGenes)
	if err := r.readX(x, nCells, nGenes); err != nil {
		return nil, err
	}

	cellIDs := make([]string, nCells)
	for i := range cellIDs {
		cellIDs[i] = strconv.Itoa(i)
	}

	ds, err := dataset.New("soma:"+r.experimentURI, cellIDs, genes, x)
	if err != nil {
		return nil, err
	}
	ds.Obs[labelColumn] = labels
	return ds, nil
}

func (r *Reader) geneIDs() ([]string, error) {
	r.geneOnce.Do(func() { r.geneErr = r.loadGeneIDs() })
	if r.geneErr != nil {
		return nil, r.geneErr
	}
	return r.genes, nil
}

func (r *Reader) loadGeneIDs() error {
	genes, err := r.readStringColumn(r.experimentURI+"/ms/RNA/var", "soma_joinid", "gene_id")
	if err != nil {
		return fmt.Errorf("failed to read var gene_id: %w", err)
	}
	r.genes = genes
	return nil
}

func (r *Reader) obsColumn(column string) ([]string, error) {
	vals, err := r.readStringColumn(r.experimentURI+"/obs", "soma_joinid", column)
	if err != nil {
		return nil, fmt.Errorf("failed to read obs column %q: %w", column, err)
	}
	return vals, nil
}

// readStringColumn reads a var-length string attribute across the full
// non-empty domain of a one-dimensional dataframe array, in joinid order.
func (r *Reader) readStringColumn(arrayURI, dimName, attrName string) ([]string, error) {
	arr, err := tiledb.NewArray(r.ctx, arrayURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open array (%s): %w", arrayURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	ned, isEmpty, err := arr.NonEmptyDomainFromName(dimName)
	if err != nil {
		return nil, fmt.Errorf("failed to get non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return nil, nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse non-empty domain bounds: %w", err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName(dimName, tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return nil, fmt.Errorf("failed to set range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set layout: %w", err)
	}

	// Stream in chunks; buffer sizes are in/out params, so reset each submit.
	const chunkRows = 4096
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	dataBytes := make([]byte, 1024*1024)

	out := make([]string, 0, int(maxID-minID)+1)
	for {
		if _, err := q.SetDataBuffer(dimName, joinIDs); err != nil {
			return nil, fmt.Errorf("failed to set buffer %s: %w", dimName, err)
		}
		if _, err := q.SetOffsetsBuffer(attrName, offsets); err != nil {
			return nil, fmt.Errorf("failed to set offsets buffer %s: %w", attrName, err)
		}
		if _, err := q.SetDataBuffer(attrName, dataBytes); err != nil {
			return nil, fmt.Errorf("failed to set data buffer %s: %w", attrName, err)
		}

		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("query status failed: %w", err)
		}

		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("failed to get result buffer elements: %w", err)
		}
		nOffsets := int(elems[attrName][0])
		nBytes := int(elems[attrName][1])

		for i := 0; i < nOffsets; i++ {
			start := int(offsets[i])
			end := nBytes
			if i+1 < nOffsets {
				end = int(offsets[i+1])
			}
			out = append(out, string(dataBytes[start:end]))
		}

		if status == tiledb.TILEDB_COMPLETED {
			break
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected query status: %v", status)
		}
		if nOffsets == 0 {
			return nil, fmt.Errorf("query made no progress reading %s", attrName)
		}
	}

	return out, nil
}

// readX fills a dense row-major matrix from the sparse X array.
func (r *Reader) readX(x []float32, nCells, nGenes int) error {
	xURI := r.experimentURI + "/ms/RNA/X/data"
	arr, err := tiledb.NewArray(r.ctx, xURI)
	if err != nil {
		return fmt.Errorf("failed to open X array (%s): %w", xURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open X array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_dim_0", tiledb.MakeRange[int64](0, int64(nCells-1))); err != nil {
		return fmt.Errorf("failed to add cell range: %w", err)
	}
	if err := sub.AddRangeByName("soma_dim_1", tiledb.MakeRange[int64](0, int64(nGenes-1))); err != nil {
		return fmt.Errorf("failed to add gene range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set subarray: %w", err)
	}
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	const chunkNNZ = 1 << 20
	outCell := make([]int64, chunkNNZ)
	outGene := make([]int64, chunkNNZ)
	outVal := make([]float32, chunkNNZ)

	for {
		if _, err := q.SetDataBuffer("soma_dim_0", outCell); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", outGene); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", outVal); err != nil {
			return fmt.Errorf("failed to set buffer soma_data: %w", err)
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("query status failed: %w", err)
		}

		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("failed to get result buffer elements: %w", err)
		}
		got := int(elems["soma_data"][1])
		if got > len(outVal) {
			got = len(outVal)
		}

		for i := 0; i < got; i++ {
			c, g := int(outCell[i]), int(outGene[i])
			if c < 0 || c >= nCells || g < 0 || g >= nGenes {
				return fmt.Errorf("X coordinate out of range: (%d, %d)", c, g)
			}
			x[c*nGenes+g] = outVal[i]
		}

		if status == tiledb.TILEDB_COMPLETED {
			break
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected query status: %v", status)
		}
		if got == 0 {
			return fmt.Errorf("query made no progress reading X")
		}
	}

	return nil
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch b := bounds.(type) {
	case []int64:
		if len(b) != 2 {
			return 0, 0, fmt.Errorf("unexpected bounds length: %d", len(b))
		}
		return b[0], b[1], nil
	case [2]int64:
		return b[0], b[1], nil
	default:
		return 0, 0, fmt.Errorf("unexpected bounds type: %T", bounds)
	}
}
