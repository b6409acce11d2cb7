// Package store reads and writes expression datasets laid out as
// chunked, zstd-compressed binary arrays next to a JSON metadata
// document. The same layout persists mapping matrices produced by
// completed jobs.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/cellmap-sc/server/internal/data/expr"
)

const (
	metadataFile  = "metadata.json"
	formatVersion = "1"

	// Dense payloads are chunked by obs rows, sparse payloads by
	// element count.
	defaultChunkRows  = 1024
	defaultChunkElems = 1 << 20

	// Array subdirectories.
	dirX       = "X"
	dirData    = "data"
	dirIndices = "indices"
	fileIndptr = "indptr"

	// Encodings.
	EncodingDense = "dense"
	EncodingCSR   = "csr"
	EncodingCSC   = "csc"
)

// Metadata describes one stored dataset.
type Metadata struct {
	FormatVersion string       `json:"format_version"`
	DatasetName   string       `json:"dataset_name"`
	Encoding      string       `json:"encoding"`
	NObs          int          `json:"n_obs"`
	NVar          int          `json:"n_var"`
	NNZ           int          `json:"nnz,omitempty"`
	ChunkRows     int          `json:"chunk_rows,omitempty"`
	ChunkElems    int          `json:"chunk_elems,omitempty"`
	ObsIDs        []string     `json:"obs_ids"`
	VarIDs        []string     `json:"var_ids"`
	Spatial       [][2]float32 `json:"spatial,omitempty"`
	Clusters      []string     `json:"clusters,omitempty"`
}

// Store is a root directory of datasets, one subdirectory each.
type Store struct {
	root    string
	decoder *zstd.Decoder
	encoder *zstd.Encoder
}

// NewStore opens a dataset root, creating it if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dataset root: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &Store{root: root, decoder: decoder, encoder: encoder}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// Close releases the codec resources.
func (s *Store) Close() {
	s.decoder.Close()
	s.encoder.Close()
}

// Compress wraps a raw payload in a zstd frame using the store's
// encoder.
func (s *Store) Compress(raw []byte) []byte {
	return s.encoder.EncodeAll(raw, nil)
}

// Decompress expands a zstd frame.
func (s *Store) Decompress(b []byte) ([]byte, error) {
	out, err := s.decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return out, nil
}

// List returns the names of datasets under the root, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), metadataFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a dataset directory.
func (s *Store) Delete(name string) error {
	if name == "" {
		return fmt.Errorf("dataset name required")
	}
	return os.RemoveAll(filepath.Join(s.root, name))
}

// Open reads a dataset's metadata without loading its arrays.
func (s *Store) Open(name string) (*Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(s.root, name, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %q: %w", name, err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata for %q: %w", name, err)
	}
	if meta.NObs != len(meta.ObsIDs) || meta.NVar != len(meta.VarIDs) {
		return nil, fmt.Errorf("metadata for %q is inconsistent: shape %dx%d with %d obs ids and %d var ids",
			name, meta.NObs, meta.NVar, len(meta.ObsIDs), len(meta.VarIDs))
	}
	return &meta, nil
}

// Load reads a full dataset into memory.
func (s *Store) Load(name string) (*expr.Dataset, error) {
	meta, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, name)

	var x expr.Matrix
	switch meta.Encoding {
	case EncodingDense:
		x, err = s.loadDense(dir, meta)
	case EncodingCSR:
		x, err = s.loadCSR(dir, meta)
	case EncodingCSC:
		x, err = s.loadCSC(dir, meta)
	default:
		return nil, fmt.Errorf("dataset %q has unsupported encoding %q", name, meta.Encoding)
	}
	if err != nil {
		return nil, err
	}

	ds := &expr.Dataset{
		Name:     meta.DatasetName,
		ObsIDs:   meta.ObsIDs,
		VarIDs:   meta.VarIDs,
		X:        x,
		Clusters: meta.Clusters,
	}
	if meta.Spatial != nil {
		ds.Spatial = make([]expr.Coord, len(meta.Spatial))
		for i, c := range meta.Spatial {
			ds.Spatial[i] = expr.Coord{X: c[0], Y: c[1]}
		}
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("dataset %q failed validation after load: %w", name, err)
	}
	return ds, nil
}

func (s *Store) loadDense(dir string, meta *Metadata) (*expr.Dense, error) {
	chunkRows := meta.ChunkRows
	if chunkRows <= 0 {
		chunkRows = defaultChunkRows
	}
	out := expr.NewDense(meta.NObs, meta.NVar)
	nChunks := ceilDiv(meta.NObs, chunkRows)
	for c := 0; c < nChunks; c++ {
		rows := chunkRows
		if rem := meta.NObs - c*chunkRows; rem < rows {
			rows = rem
		}
		vals, err := s.readFloat32Chunk(filepath.Join(dir, dirX, chunkName(c)), rows*meta.NVar)
		if err != nil {
			return nil, err
		}
		copy(out.Data[c*chunkRows*meta.NVar:], vals)
	}
	return out, nil
}

func (s *Store) loadCSR(dir string, meta *Metadata) (*expr.CSR, error) {
	data, indices, indptr, err := s.loadSparseArrays(dir, meta, meta.NObs)
	if err != nil {
		return nil, err
	}
	m := &expr.CSR{Rows: meta.NObs, Cols: meta.NVar, Data: data, Indices: indices, Indptr: indptr}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("stored csr arrays invalid: %w", err)
	}
	return m, nil
}

func (s *Store) loadCSC(dir string, meta *Metadata) (*expr.CSC, error) {
	data, indices, indptr, err := s.loadSparseArrays(dir, meta, meta.NVar)
	if err != nil {
		return nil, err
	}
	m := &expr.CSC{Rows: meta.NObs, Cols: meta.NVar, Data: data, Indices: indices, Indptr: indptr}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("stored csc arrays invalid: %w", err)
	}
	return m, nil
}

// loadSparseArrays reads the data/indices chunk sequences and the
// indptr file shared by the CSR and CSC layouts. outer is the
// compressed axis length.
func (s *Store) loadSparseArrays(dir string, meta *Metadata, outer int) ([]float32, []int32, []int64, error) {
	chunkElems := meta.ChunkElems
	if chunkElems <= 0 {
		chunkElems = defaultChunkElems
	}
	nChunks := ceilDiv(meta.NNZ, chunkElems)

	data := make([]float32, 0, meta.NNZ)
	indices := make([]int32, 0, meta.NNZ)
	for c := 0; c < nChunks; c++ {
		elems := chunkElems
		if rem := meta.NNZ - c*chunkElems; rem < elems {
			elems = rem
		}
		d, err := s.readFloat32Chunk(filepath.Join(dir, dirData, chunkName(c)), elems)
		if err != nil {
			return nil, nil, nil, err
		}
		data = append(data, d...)
		ix, err := s.readInt32Chunk(filepath.Join(dir, dirIndices, chunkName(c)), elems)
		if err != nil {
			return nil, nil, nil, err
		}
		indices = append(indices, ix...)
	}

	raw, err := os.ReadFile(filepath.Join(dir, fileIndptr))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read indptr: %w", err)
	}
	dec, err := s.Decompress(raw)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("indptr: %w", err)
	}
	indptr, err := Int64sFromBytes(dec)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("indptr: %w", err)
	}
	if len(indptr) != outer+1 {
		return nil, nil, nil, fmt.Errorf("indptr has %d entries, want %d", len(indptr), outer+1)
	}
	return data, indices, indptr, nil
}

func (s *Store) readFloat32Chunk(path string, wantElems int) ([]float32, error) {
	dec, err := s.readChunk(path)
	if err != nil {
		return nil, err
	}
	vals, err := Float32sFromBytes(dec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(vals) != wantElems {
		return nil, fmt.Errorf("%s: got %d elements, want %d", path, len(vals), wantElems)
	}
	return vals, nil
}

func (s *Store) readInt32Chunk(path string, wantElems int) ([]int32, error) {
	dec, err := s.readChunk(path)
	if err != nil {
		return nil, err
	}
	vals, err := Int32sFromBytes(dec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(vals) != wantElems {
		return nil, fmt.Errorf("%s: got %d elements, want %d", path, len(vals), wantElems)
	}
	return vals, nil
}

func (s *Store) readChunk(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}
	dec, err := s.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return dec, nil
}

func chunkName(i int) string { return fmt.Sprintf("c%d", i) }

func ceilDiv(a, b int) int { return (a + b - 1) / b }
