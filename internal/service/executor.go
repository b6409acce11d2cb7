package service

import (
	"context"
	"fmt"
	"log"

	"github.com/cellmap-sc/server/internal/data/expr"
	"github.com/cellmap-sc/server/internal/mapstore"
)

// progressEvery bounds how often training epochs hit the job store.
const progressEvery = 25

// progressWriter persists phase transitions and throttled epoch counts.
type progressWriter struct {
	st        *mapstore.Store
	jobID     string
	lastPhase string
	lastDone  int
}

func (w *progressWriter) Phase(phase string, done, total int) {
	if phase == w.lastPhase && done-w.lastDone < progressEvery && done != total {
		return
	}
	w.lastPhase = phase
	w.lastDone = done
	if err := w.st.UpdateJobProgress(w.jobID, phase, done, total); err != nil {
		log.Printf("[MapService] failed to update progress for job %s: %v", w.jobID, err)
	}
}

func (w *progressWriter) Dims(nCells, nSpots, nGenes int) {
	if err := w.st.SetJobDims(w.jobID, nCells, nSpots, nGenes); err != nil {
		log.Printf("[MapService] failed to record dims for job %s: %v", w.jobID, err)
	}
}

// ExecuteMapJob runs a queued mapping job (called by the job manager
// worker). The result matrix lands in the results store under the job
// ID; scores and the final loss land in the job store.
func (s *MapService) ExecuteMapJob(ctx context.Context, st *mapstore.Store, jobID string) error {
	job, err := st.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	sc, err := s.registry.Load(job.Params.SCDataset)
	if err != nil {
		return fmt.Errorf("failed to load dataset %s: %w", job.Params.SCDataset, err)
	}
	sp, err := s.registry.Load(job.Params.SpDataset)
	if err != nil {
		return fmt.Errorf("failed to load dataset %s: %w", job.Params.SpDataset, err)
	}

	params := RunParams{
		Mode:         job.Params.Mode,
		Genes:        job.Params.Genes,
		LearningRate: job.Params.LearningRate,
		NumEpochs:    job.Params.NumEpochs,
		Seed:         job.Params.Seed,
		Device:       job.Params.Device,
	}
	if job.Params.ResumeFrom != "" {
		warm, err := s.loadWarmStart(st, job.Params.ResumeFrom)
		if err != nil {
			return fmt.Errorf("failed to resume from job %s: %w", job.Params.ResumeFrom, err)
		}
		params.WarmStart = warm
	}

	w := &progressWriter{st: st, jobID: jobID}
	res, err := s.MapCellsToSpace(ctx, sc, sp, params, w)
	if err != nil {
		return err
	}

	w.Phase("saving_results", 0, 1)
	ds := &expr.Dataset{
		Name:   jobID,
		ObsIDs: res.CellIDs,
		VarIDs: res.SpotIDs,
		X:      res.Mapping,
	}
	if err := s.results.Save(ds); err != nil {
		return fmt.Errorf("failed to save result matrix: %w", err)
	}
	if err := st.InsertGeneScores(jobID, res.Scores); err != nil {
		return fmt.Errorf("failed to save gene scores: %w", err)
	}
	if err := st.SetJobResult(jobID, res.FinalLoss.Total, jobID); err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	w.Phase("saving_results", 1, 1)
	return nil
}

// loadWarmStart fetches a completed job's mapping for use as the
// initialization of a new run.
func (s *MapService) loadWarmStart(st *mapstore.Store, fromJobID string) (*expr.Dense, error) {
	prior, err := st.GetJob(fromJobID)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, fmt.Errorf("job not found: %s", fromJobID)
	}
	if prior.Status != mapstore.JobStatusCompleted || prior.MatrixPath == "" {
		return nil, fmt.Errorf("job %s has no completed mapping", fromJobID)
	}
	ds, err := s.results.Load(prior.MatrixPath)
	if err != nil {
		return nil, err
	}
	return expr.ToDense(ds.X)
}
