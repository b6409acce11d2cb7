package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cellmap-sc/server/internal/data/expr"
)

// Save writes a dataset under the root, replacing any existing dataset
// of the same name. The on-disk encoding follows the in-memory one.
func (s *Store) Save(ds *expr.Dataset) error {
	if ds.Name == "" {
		return fmt.Errorf("cannot save dataset without a name")
	}
	if err := ds.Validate(); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}

	dir := filepath.Join(s.root, ds.Name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear %q: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %q: %w", dir, err)
	}

	meta := &Metadata{
		FormatVersion: formatVersion,
		DatasetName:   ds.Name,
		NObs:          ds.NObs(),
		NVar:          ds.NVar(),
		ObsIDs:        ds.ObsIDs,
		VarIDs:        ds.VarIDs,
		Clusters:      ds.Clusters,
	}
	if ds.Spatial != nil {
		meta.Spatial = make([][2]float32, len(ds.Spatial))
		for i, c := range ds.Spatial {
			meta.Spatial[i] = [2]float32{c.X, c.Y}
		}
	}

	var err error
	switch x := ds.X.(type) {
	case *expr.Dense:
		meta.Encoding = EncodingDense
		meta.ChunkRows = defaultChunkRows
		err = s.saveDense(dir, meta, x)
	case *expr.CSR:
		meta.Encoding = EncodingCSR
		meta.ChunkElems = defaultChunkElems
		meta.NNZ = len(x.Data)
		err = s.saveSparse(dir, x.Data, x.Indices, x.Indptr)
	case *expr.CSC:
		meta.Encoding = EncodingCSC
		meta.ChunkElems = defaultChunkElems
		meta.NNZ = len(x.Data)
		err = s.saveSparse(dir, x.Data, x.Indices, x.Indptr)
	default:
		err = &expr.UnsupportedMatrixTypeError{Type: fmt.Sprintf("%T", ds.X)}
	}
	if err != nil {
		return err
	}

	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func (s *Store) saveDense(dir string, meta *Metadata, x *expr.Dense) error {
	if err := os.MkdirAll(filepath.Join(dir, dirX), 0o755); err != nil {
		return fmt.Errorf("failed to create array dir: %w", err)
	}
	nChunks := ceilDiv(meta.NObs, meta.ChunkRows)
	for c := 0; c < nChunks; c++ {
		start := c * meta.ChunkRows * meta.NVar
		end := start + meta.ChunkRows*meta.NVar
		if end > len(x.Data) {
			end = len(x.Data)
		}
		if err := s.writeChunk(filepath.Join(dir, dirX, chunkName(c)), Float32Bytes(x.Data[start:end])); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) saveSparse(dir string, data []float32, indices []int32, indptr []int64) error {
	for _, sub := range []string{dirData, dirIndices} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create array dir: %w", err)
		}
	}
	nChunks := ceilDiv(len(data), defaultChunkElems)
	for c := 0; c < nChunks; c++ {
		start := c * defaultChunkElems
		end := start + defaultChunkElems
		if end > len(data) {
			end = len(data)
		}
		if err := s.writeChunk(filepath.Join(dir, dirData, chunkName(c)), Float32Bytes(data[start:end])); err != nil {
			return err
		}
		if err := s.writeChunk(filepath.Join(dir, dirIndices, chunkName(c)), Int32Bytes(indices[start:end])); err != nil {
			return err
		}
	}
	return s.writeChunk(filepath.Join(dir, fileIndptr), Int64Bytes(indptr))
}

func (s *Store) writeChunk(path string, raw []byte) error {
	if err := os.WriteFile(path, s.Compress(raw), 0o644); err != nil {
		return fmt.Errorf("failed to write chunk %s: %w", path, err)
	}
	return nil
}
