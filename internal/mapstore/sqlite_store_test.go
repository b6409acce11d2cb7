package mapstore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestJob(id string) *MapJob {
	return &MapJob{
		ID:     id,
		Status: JobStatusQueued,
		Params: JobParams{
			SCDataset:    "cells_v1",
			SpDataset:    "visium_v1",
			Mode:         "simple",
			LearningRate: 0.1,
			NumEpochs:    1000,
			Seed:         42,
			Device:       "cpu",
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateJob(newTestJob("job1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	job, err := s.GetJob("job1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job == nil {
		t.Fatal("GetJob returned nil for existing job")
	}
	if job.Status != JobStatusQueued {
		t.Errorf("status = %q, want %q", job.Status, JobStatusQueued)
	}
	if job.Params.SCDataset != "cells_v1" || job.Params.SpDataset != "visium_v1" {
		t.Errorf("params datasets = %q/%q, want cells_v1/visium_v1",
			job.Params.SCDataset, job.Params.SpDataset)
	}
	if job.Params.NumEpochs != 1000 || job.Params.Seed != 42 {
		t.Errorf("params roundtrip lost values: %+v", job.Params)
	}
	if job.StartedAt != nil || job.FinishedAt != nil {
		t.Error("fresh job should have nil started/finished timestamps")
	}
}

func TestGetJobMissing(t *testing.T) {
	s := newTestStore(t)
	job, err := s.GetJob("nope")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job != nil {
		t.Errorf("GetJob for missing id = %+v, want nil", job)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(newTestJob("job1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := s.UpdateJobStarted("job1"); err != nil {
		t.Fatalf("UpdateJobStarted failed: %v", err)
	}
	if err := s.SetJobDims("job1", 100, 50, 20); err != nil {
		t.Fatalf("SetJobDims failed: %v", err)
	}
	if err := s.UpdateJobProgress("job1", "training", 250, 1000); err != nil {
		t.Fatalf("UpdateJobProgress failed: %v", err)
	}

	job, err := s.GetJob("job1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != JobStatusRunning {
		t.Errorf("status = %q, want running", job.Status)
	}
	if job.StartedAt == nil {
		t.Error("running job should have started_at")
	}
	if job.Progress.Phase != "training" || job.Progress.Done != 250 || job.Progress.Total != 1000 {
		t.Errorf("progress = %+v, want training 250/1000", job.Progress)
	}
	if job.NCells != 100 || job.NSpots != 50 || job.NGenes != 20 {
		t.Errorf("dims = %d/%d/%d, want 100/50/20", job.NCells, job.NSpots, job.NGenes)
	}

	if err := s.SetJobResult("job1", 0.123, "/results/job1"); err != nil {
		t.Fatalf("SetJobResult failed: %v", err)
	}
	if err := s.UpdateJobStatus("job1", JobStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}

	job, err = s.GetJob("job1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != JobStatusCompleted {
		t.Errorf("status = %q, want completed", job.Status)
	}
	if job.FinishedAt == nil {
		t.Error("completed job should have finished_at")
	}
	if job.FinalLoss != 0.123 || job.MatrixPath != "/results/job1" {
		t.Errorf("result = %v/%q, want 0.123//results/job1", job.FinalLoss, job.MatrixPath)
	}
}

func TestFailedJobKeepsError(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(newTestJob("job1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := s.UpdateJobStatus("job1", JobStatusFailed, "gene pecam1 not found"); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}
	job, err := s.GetJob("job1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != JobStatusFailed || job.Error != "gene pecam1 not found" {
		t.Errorf("got %q/%q, want failed with error message", job.Status, job.Error)
	}
	if job.FinishedAt == nil {
		t.Error("failed job should have finished_at")
	}
}

func TestGeneScores(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(newTestJob("job1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	scores := []GeneScore{
		{Rank: 1, Gene: "actb", Score: 0.99},
		{Rank: 2, Gene: "gapdh", Score: 0.87},
		{Rank: 3, Gene: "pecam1", Score: 0.42},
		{Rank: 4, Gene: "xist", Score: 0.10},
	}
	if err := s.InsertGeneScores("job1", scores); err != nil {
		t.Fatalf("InsertGeneScores failed: %v", err)
	}

	t.Run("byRank", func(t *testing.T) {
		got, total, err := s.QueryGeneScores("job1", "rank", 0, 10)
		if err != nil {
			t.Fatalf("QueryGeneScores failed: %v", err)
		}
		if total != 4 {
			t.Errorf("total = %d, want 4", total)
		}
		if len(got) != 4 || got[0].Gene != "actb" || got[3].Gene != "xist" {
			t.Errorf("rank order wrong: %+v", got)
		}
	})

	t.Run("byGene", func(t *testing.T) {
		got, _, err := s.QueryGeneScores("job1", "gene", 0, 10)
		if err != nil {
			t.Fatalf("QueryGeneScores failed: %v", err)
		}
		if got[0].Gene != "actb" || got[1].Gene != "gapdh" || got[2].Gene != "pecam1" {
			t.Errorf("gene order wrong: %+v", got)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		got, total, err := s.QueryGeneScores("job1", "score", 2, 2)
		if err != nil {
			t.Fatalf("QueryGeneScores failed: %v", err)
		}
		if total != 4 {
			t.Errorf("total = %d, want 4", total)
		}
		if len(got) != 2 || got[0].Gene != "pecam1" || got[1].Gene != "xist" {
			t.Errorf("page 2 wrong: %+v", got)
		}
	})
}

func TestDeleteJobCascadesScores(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(newTestJob("job1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := s.InsertGeneScores("job1", []GeneScore{{Rank: 1, Gene: "actb", Score: 1}}); err != nil {
		t.Fatalf("InsertGeneScores failed: %v", err)
	}
	if err := s.DeleteJob("job1"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	_, total, err := s.QueryGeneScores("job1", "rank", 0, 10)
	if err != nil {
		t.Fatalf("QueryGeneScores failed: %v", err)
	}
	if total != 0 {
		t.Errorf("scores survived job deletion, total = %d", total)
	}
}

func TestRestartRecovery(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"queued1", "queued2", "running1"} {
		job := newTestJob(id)
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateJob(job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}
	if err := s.UpdateJobStarted("running1"); err != nil {
		t.Fatalf("UpdateJobStarted failed: %v", err)
	}

	if err := s.MarkRunningAsFailed("server restarted"); err != nil {
		t.Fatalf("MarkRunningAsFailed failed: %v", err)
	}
	job, err := s.GetJob("running1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != JobStatusFailed || job.Error != "server restarted" {
		t.Errorf("interrupted job = %q/%q, want failed/server restarted", job.Status, job.Error)
	}

	queued, err := s.ListQueuedJobs()
	if err != nil {
		t.Fatalf("ListQueuedJobs failed: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("ListQueuedJobs returned %d jobs, want 2", len(queued))
	}
	if queued[0].ID != "queued1" || queued[1].ID != "queued2" {
		t.Errorf("queued order = %s, %s, want oldest first", queued[0].ID, queued[1].ID)
	}
}

func TestListJobsByDataset(t *testing.T) {
	s := newTestStore(t)

	j1 := newTestJob("job1")
	if err := s.CreateJob(j1); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	j2 := newTestJob("job2")
	j2.Params.SCDataset = "other_cells"
	j2.CreatedAt = j1.CreatedAt.Add(time.Second)
	if err := s.CreateJob(j2); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	jobs, err := s.ListJobsByDataset("visium_v1")
	if err != nil {
		t.Fatalf("ListJobsByDataset failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs for visium_v1, want 2", len(jobs))
	}
	if jobs[0].ID != "job2" {
		t.Errorf("newest first expected, got %s", jobs[0].ID)
	}

	jobs, err = s.ListJobsByDataset("other_cells")
	if err != nil {
		t.Fatalf("ListJobsByDataset failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job2" {
		t.Errorf("got %+v for other_cells, want just job2", jobs)
	}
}

func TestDeleteExpiredJobs(t *testing.T) {
	s := newTestStore(t)

	old := newTestJob("old1")
	old.CreatedAt = time.Now().UTC().AddDate(0, 0, -10)
	if err := s.CreateJob(old); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := s.UpdateJobStatus("old1", JobStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}

	// Old but still queued jobs must survive cleanup.
	oldQueued := newTestJob("old2")
	oldQueued.CreatedAt = time.Now().UTC().AddDate(0, 0, -10)
	if err := s.CreateJob(oldQueued); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := s.CreateJob(newTestJob("fresh")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	n, err := s.DeleteExpiredJobs(7)
	if err != nil {
		t.Fatalf("DeleteExpiredJobs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d jobs, want 1", n)
	}
	if job, _ := s.GetJob("old1"); job != nil {
		t.Error("expired job still present")
	}
	if job, _ := s.GetJob("old2"); job == nil {
		t.Error("queued job was deleted by cleanup")
	}
	if job, _ := s.GetJob("fresh"); job == nil {
		t.Error("fresh job was deleted by cleanup")
	}
}
