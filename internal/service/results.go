package service

import (
	"fmt"
	"log"
	"strings"

	"github.com/cellmap-sc/server/internal/align"
	"github.com/cellmap-sc/server/internal/cache"
	"github.com/cellmap-sc/server/internal/data/expr"
	"github.com/cellmap-sc/server/internal/data/store"
	"github.com/cellmap-sc/server/internal/mapstore"
)

// ResultMatrix loads a completed job's mapping matrix with its axis
// labels.
func (s *MapService) ResultMatrix(job *mapstore.MapJob) (*expr.Dense, []string, []string, error) {
	ds, err := s.loadResult(job)
	if err != nil {
		return nil, nil, nil, err
	}
	m, err := expr.ToDense(ds.X)
	if err != nil {
		return nil, nil, nil, err
	}
	return m, ds.ObsIDs, ds.VarIDs, nil
}

// MatrixBlob returns the mapping matrix as zstd-compressed row-major
// little-endian float32 bytes plus its dimensions.
func (s *MapService) MatrixBlob(job *mapstore.MapJob) ([]byte, int, int, error) {
	m, _, _, err := s.ResultMatrix(job)
	if err != nil {
		return nil, 0, 0, err
	}
	return s.results.Compress(store.Float32Bytes(m.Data)), m.Rows, m.Cols, nil
}

// DeleteResult removes a job's stored result matrix, if any.
func (s *MapService) DeleteResult(job *mapstore.MapJob) {
	if job == nil || job.MatrixPath == "" {
		return
	}
	if err := s.results.Delete(job.MatrixPath); err != nil {
		log.Printf("[MapService] failed to delete result matrix for job %s: %v", job.ID, err)
	}
}

// RenderProjection draws a per-spot scalar layer of a completed job
// onto the spatial dataset's coordinates. layer is "density" for the
// mapped cell density or "gene:<name>" for a projected gene.
func (s *MapService) RenderProjection(job *mapstore.MapJob, layer, colormapName string, size int) ([]byte, error) {
	key := cache.ProjectionKey(job.ID, layer, colormapName, size)
	if s.cache != nil {
		if data, ok := s.cache.GetProjection(key); ok {
			return data, nil
		}
	}

	ds, err := s.loadResult(job)
	if err != nil {
		return nil, err
	}
	m, err := expr.ToDense(ds.X)
	if err != nil {
		return nil, err
	}

	sp, err := s.registry.Load(job.Params.SpDataset)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %s: %w", job.Params.SpDataset, err)
	}
	if len(sp.Spatial) != m.Cols {
		return nil, fmt.Errorf("dataset %s has no spatial coordinates for %d spots", sp.Name, m.Cols)
	}

	values, err := s.projectionValues(job, m, layer)
	if err != nil {
		return nil, err
	}

	data, err := s.renderer.Render(sp.Spatial, values, colormapName, size)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetProjection(key, data)
	}
	return data, nil
}

// projectionValues reduces the cells x spots mapping to one value per
// spot for the requested layer.
func (s *MapService) projectionValues(job *mapstore.MapJob, m *expr.Dense, layer string) ([]float64, error) {
	values := make([]float64, m.Cols)

	if layer == "" || layer == "density" {
		for c := 0; c < m.Rows; c++ {
			row := m.Row(c)
			for j, v := range row {
				values[j] += float64(v)
			}
		}
		return values, nil
	}

	gene, ok := strings.CutPrefix(layer, "gene:")
	if !ok {
		return nil, fmt.Errorf("unknown projection layer %q", layer)
	}

	sc, err := s.registry.Load(job.Params.SCDataset)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %s: %w", job.Params.SCDataset, err)
	}
	col := -1
	want := strings.ToLower(gene)
	for i, v := range sc.VarIDs {
		if strings.ToLower(v) == want {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, &align.GeneAlignmentError{Gene: want, Dataset: sc.Name}
	}
	scx, err := expr.ToDense(sc.X)
	if err != nil {
		return nil, err
	}
	if scx.Rows != m.Rows {
		return nil, fmt.Errorf("dataset %s has %d cells, mapping has %d", sc.Name, scx.Rows, m.Rows)
	}

	// Projected expression per spot: sum over cells of M[c,s] * S[c,gene].
	for c := 0; c < m.Rows; c++ {
		row := m.Row(c)
		e := float64(scx.At(c, col))
		if e == 0 {
			continue
		}
		for j, v := range row {
			values[j] += float64(v) * e
		}
	}
	return values, nil
}

func (s *MapService) loadResult(job *mapstore.MapJob) (*expr.Dataset, error) {
	if job.Status != mapstore.JobStatusCompleted || job.MatrixPath == "" {
		return nil, fmt.Errorf("job %s has no result matrix", job.ID)
	}
	return s.results.Load(job.MatrixPath)
}
