//go:build soma

package soma

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/cellmap-sc/server/internal/data/expr"
)

// Buffer capacities per query submit.
const (
	varChunk = 4096
	obsChunk = 1 << 16
	xChunk   = 1 << 20
)

// Reader provides bulk SOMA reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context

	geneOnce sync.Once
	genes    []string        // ordered by soma_joinid
	geneCol  map[int64]int32 // gene soma_joinid -> column index
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

// Genes returns the experiment's gene names in soma_joinid order.
func (r *Reader) Genes() ([]string, error) {
	r.geneOnce.Do(func() { r.geneErr = r.loadGenes() })
	if r.geneErr != nil {
		return nil, r.geneErr
	}
	return r.genes, nil
}

// LoadDataset reads the full cells x genes matrix from ms/RNA/X/data
// into a CSR dataset named name. Cell ids are derived from the obs
// soma_joinids.
func (r *Reader) LoadDataset(name string) (*expr.Dataset, error) {
	genes, err := r.Genes()
	if err != nil {
		return nil, err
	}
	obsIDs, err := r.loadObsJoinIDs()
	if err != nil {
		return nil, err
	}

	rowOf := make(map[int64]int32, len(obsIDs))
	names := make([]string, len(obsIDs))
	for i, id := range obsIDs {
		rowOf[id] = int32(i)
		names[i] = fmt.Sprintf("cell_%d", id)
	}

	rows, cols, vals, err := r.readX(rowOf)
	if err != nil {
		return nil, err
	}

	ds := &expr.Dataset{
		Name:   name,
		ObsIDs: names,
		VarIDs: genes,
		X:      cooToCSR(len(obsIDs), len(genes), rows, cols, vals),
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("soma dataset %q: %w", name, err)
	}
	return ds, nil
}

func (r *Reader) loadGenes() error {
	varURI := r.experimentURI + "/ms/RNA/var"
	arr, err := tiledb.NewArray(r.ctx, varURI)
	if err != nil {
		return fmt.Errorf("failed to open var array (%s): %w", varURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open var array for read: %w", err)
	}
	defer arr.Close()

	minID, maxID, empty, err := domainBounds(arr, "soma_joinid")
	if err != nil {
		return err
	}
	if empty {
		r.genes = nil
		r.geneCol = map[int64]int32{}
		return nil
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create var subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return fmt.Errorf("failed to set var range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create var query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set var subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return fmt.Errorf("failed to set var query layout: %w", err)
	}

	nullable, err := attributeNullable(arr, "gene_id")
	if err != nil {
		return fmt.Errorf("failed to inspect gene_id nullable: %w", err)
	}

	joinIDs := make([]int64, varChunk)
	offsets := make([]uint64, varChunk)
	dataBytes := make([]byte, 1<<20)
	var validity []uint8
	if nullable {
		validity = make([]uint8, varChunk)
	}

	type pair struct {
		id   int64
		gene string
	}
	var pairs []pair

	// Buffer sizes are in/out parameters, so they are re-armed before
	// every submit.
	for {
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer("gene_id", offsets); err != nil {
			return fmt.Errorf("failed to set offsets buffer gene_id: %w", err)
		}
		if _, err := q.SetDataBuffer("gene_id", dataBytes); err != nil {
			return fmt.Errorf("failed to set data buffer gene_id: %w", err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer("gene_id", validity); err != nil {
				return fmt.Errorf("failed to set validity buffer gene_id: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("var query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("var query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("failed to get var result elements: %w", err)
		}

		nOff := int(elems["gene_id"][0])
		nBytes := elems["gene_id"][1]
		for i := 0; i < nOff; i++ {
			if nullable && validity[i] == 0 {
				continue
			}
			start := offsets[i]
			end := nBytes
			if i+1 < nOff {
				end = offsets[i+1]
			}
			pairs = append(pairs, pair{joinIDs[i], string(dataBytes[start:end])})
		}

		if status == tiledb.TILEDB_COMPLETED {
			break
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected var query status: %v", status)
		}
		if nOff == 0 {
			return fmt.Errorf("var query made no progress; buffers too small")
		}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].id < pairs[j].id })
	r.genes = make([]string, len(pairs))
	r.geneCol = make(map[int64]int32, len(pairs))
	for i, p := range pairs {
		r.genes[i] = p.gene
		r.geneCol[p.id] = int32(i)
	}
	return nil
}

// loadObsJoinIDs reads every cell soma_joinid from the obs DataFrame,
// sorted ascending.
func (r *Reader) loadObsJoinIDs() ([]int64, error) {
	obsURI := r.experimentURI + "/obs"
	arr, err := tiledb.NewArray(r.ctx, obsURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open obs array (%s): %w", obsURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open obs array for read: %w", err)
	}
	defer arr.Close()

	minID, maxID, empty, err := domainBounds(arr, "soma_joinid")
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, nil
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create obs subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return nil, fmt.Errorf("failed to set obs range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create obs query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set obs subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_UNORDERED); err != nil {
		return nil, fmt.Errorf("failed to set obs query layout: %w", err)
	}

	ids := make([]int64, obsChunk)
	var all []int64
	for {
		if _, err := q.SetDataBuffer("soma_joinid", ids); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("obs query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("obs query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("failed to get obs result elements: %w", err)
		}
		got := int(elems["soma_joinid"][1])
		all = append(all, ids[:got]...)

		if status == tiledb.TILEDB_COMPLETED {
			break
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected obs query status: %v", status)
		}
		if got == 0 {
			return nil, fmt.Errorf("obs query made no progress; buffers too small")
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all, nil
}

// readX streams the sparse X array, keeping only cells and genes known
// to the experiment's axes, and returns COO triples in matrix-local
// indices.
func (r *Reader) readX(rowOf map[int64]int32) (rows, cols []int32, vals []float32, err error) {
	xURI := r.experimentURI + "/ms/RNA/X/data"
	arr, err := tiledb.NewArray(r.ctx, xURI)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open X array (%s): %w", xURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open X array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create X subarray: %w", err)
	}
	defer sub.Free()
	for _, dim := range []string{"soma_dim_0", "soma_dim_1"} {
		minID, maxID, empty, derr := domainBounds(arr, dim)
		if derr != nil {
			return nil, nil, nil, derr
		}
		if empty {
			return nil, nil, nil, nil
		}
		if err := sub.AddRangeByName(dim, tiledb.MakeRange[int64](minID, maxID)); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to add %s range: %w", dim, err)
		}
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create X query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set X subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_UNORDERED); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set X query layout: %w", err)
	}

	nullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to inspect soma_data nullable: %w", err)
	}

	dim0 := make([]int64, xChunk)
	dim1 := make([]int64, xChunk)
	data := make([]float32, xChunk)
	var validity []uint8
	if nullable {
		validity = make([]uint8, xChunk)
	}

	for {
		if _, err := q.SetDataBuffer("soma_dim_0", dim0); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", dim1); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", data); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to set buffer soma_data: %w", err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer("soma_data", validity); err != nil {
				return nil, nil, nil, fmt.Errorf("failed to set validity buffer soma_data: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return nil, nil, nil, fmt.Errorf("X query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("X query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to get X result elements: %w", err)
		}

		got := int(elems["soma_data"][1])
		for i := 0; i < got; i++ {
			if nullable && validity[i] == 0 {
				continue
			}
			row, ok := rowOf[dim0[i]]
			if !ok {
				continue
			}
			col, ok := r.geneCol[dim1[i]]
			if !ok {
				continue
			}
			rows = append(rows, row)
			cols = append(cols, col)
			vals = append(vals, data[i])
		}

		if status == tiledb.TILEDB_COMPLETED {
			break
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, nil, nil, fmt.Errorf("unexpected X query status: %v", status)
		}
		if got == 0 {
			return nil, nil, nil, fmt.Errorf("X query made no progress; buffers too small")
		}
	}

	return rows, cols, vals, nil
}

// cooToCSR packs unordered COO triples into CSR form with a counting
// pass. Column order within a row follows arrival order.
func cooToCSR(nRows, nCols int, rows, cols []int32, vals []float32) *expr.CSR {
	indptr := make([]int64, nRows+1)
	for _, ri := range rows {
		indptr[ri+1]++
	}
	for i := 0; i < nRows; i++ {
		indptr[i+1] += indptr[i]
	}

	next := make([]int64, nRows)
	copy(next, indptr[:nRows])
	indices := make([]int32, len(vals))
	data := make([]float32, len(vals))
	for k := range vals {
		ri := rows[k]
		pos := next[ri]
		next[ri]++
		indices[pos] = cols[k]
		data[pos] = vals[k]
	}

	return &expr.CSR{Rows: nRows, Cols: nCols, Data: data, Indices: indices, Indptr: indptr}
}

func domainBounds(arr *tiledb.Array, dim string) (minID, maxID int64, empty bool, err error) {
	ned, isEmpty, err := arr.NonEmptyDomainFromName(dim)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to get %s non-empty domain: %w", dim, err)
	}
	if isEmpty || ned == nil {
		return 0, 0, true, nil
	}
	minID, maxID, err = boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to parse %s domain bounds: %w", dim, err)
	}
	return minID, maxID, false, nil
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}
