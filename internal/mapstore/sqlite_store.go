// Package mapstore persists mapping jobs and their per-gene scores in
// SQLite.
package mapstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus is the lifecycle state of a mapping job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobParams are the submitted parameters of a mapping job.
type JobParams struct {
	SCDataset    string   `json:"sc_dataset"`
	SpDataset    string   `json:"sp_dataset"`
	Mode         string   `json:"mode"`
	Genes        []string `json:"genes,omitempty"`
	LearningRate float64  `json:"learning_rate"`
	NumEpochs    int      `json:"num_epochs"`
	Seed         int64    `json:"seed"`
	Device       string   `json:"device"`
	ResumeFrom   string   `json:"resume_from,omitempty"`
}

// Progress reports the executor's position within a job.
type Progress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// MapJob is one mapping job row.
type MapJob struct {
	ID         string     `json:"job_id"`
	Status     JobStatus  `json:"status"`
	Params     JobParams  `json:"params"`
	Progress   Progress   `json:"progress"`
	NCells     int        `json:"n_cells"`
	NSpots     int        `json:"n_spots"`
	NGenes     int        `json:"n_genes"`
	FinalLoss  float64    `json:"final_loss"`
	MatrixPath string     `json:"-"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// GeneScore is one training gene's similarity score, ranked descending
// by score.
type GeneScore struct {
	Rank  int     `json:"rank"`
	Gene  string  `json:"gene"`
	Score float64 `json:"score"`
}

// Store wraps the SQLite database holding jobs and scores.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the job database.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// modernc sqlite is happiest with a single writer connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS map_jobs (
	job_id      TEXT PRIMARY KEY,
	sc_dataset  TEXT NOT NULL,
	sp_dataset  TEXT NOT NULL,
	status      TEXT NOT NULL,
	params_json TEXT NOT NULL,
	phase       TEXT NOT NULL DEFAULT '',
	done        INTEGER NOT NULL DEFAULT 0,
	total       INTEGER NOT NULL DEFAULT 0,
	n_cells     INTEGER NOT NULL DEFAULT 0,
	n_spots     INTEGER NOT NULL DEFAULT 0,
	n_genes     INTEGER NOT NULL DEFAULT 0,
	final_loss  REAL NOT NULL DEFAULT 0,
	matrix_path TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	started_at  TEXT,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_map_jobs_status ON map_jobs(status);
CREATE INDEX IF NOT EXISTS idx_map_jobs_sc_dataset ON map_jobs(sc_dataset);
CREATE INDEX IF NOT EXISTS idx_map_jobs_created_at ON map_jobs(created_at);

CREATE TABLE IF NOT EXISTS gene_scores (
	job_id TEXT NOT NULL REFERENCES map_jobs(job_id) ON DELETE CASCADE,
	rank   INTEGER NOT NULL,
	gene   TEXT NOT NULL,
	score  REAL NOT NULL,
	PRIMARY KEY (job_id, rank)
);
CREATE INDEX IF NOT EXISTS idx_gene_scores_job_score ON gene_scores(job_id, score DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(job *MapJob) error {
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO map_jobs (job_id, sc_dataset, sp_dataset, status, params_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.Params.SCDataset, job.Params.SpDataset, string(job.Status),
		string(paramsJSON), job.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id, or (nil, nil) when it does not exist.
func (s *Store) GetJob(id string) (*MapJob, error) {
	jobs, err := s.scanJobs(`SELECT `+jobColumns+` FROM map_jobs WHERE job_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// UpdateJobStatus sets the job status and error message, stamping
// finished_at for terminal states.
func (s *Store) UpdateJobStatus(id string, status JobStatus, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var err error
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		_, err = s.db.Exec(`UPDATE map_jobs SET status = ?, error = ?, finished_at = ? WHERE job_id = ?`,
			string(status), errMsg, now, id)
	default:
		_, err = s.db.Exec(`UPDATE map_jobs SET status = ?, error = ? WHERE job_id = ?`,
			string(status), errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// UpdateJobStarted marks a job running and stamps started_at.
func (s *Store) UpdateJobStarted(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(`UPDATE map_jobs SET status = ?, started_at = ? WHERE job_id = ?`,
		string(JobStatusRunning), now, id); err != nil {
		return fmt.Errorf("failed to mark job started: %w", err)
	}
	return nil
}

// UpdateJobProgress records the executor's phase and counters.
func (s *Store) UpdateJobProgress(id, phase string, done, total int) error {
	if _, err := s.db.Exec(`UPDATE map_jobs SET phase = ?, done = ?, total = ? WHERE job_id = ?`,
		phase, done, total, id); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// SetJobDims records the aligned problem dimensions.
func (s *Store) SetJobDims(id string, nCells, nSpots, nGenes int) error {
	if _, err := s.db.Exec(`UPDATE map_jobs SET n_cells = ?, n_spots = ?, n_genes = ? WHERE job_id = ?`,
		nCells, nSpots, nGenes, id); err != nil {
		return fmt.Errorf("failed to set job dims: %w", err)
	}
	return nil
}

// SetJobResult records the final loss and the persisted matrix
// location.
func (s *Store) SetJobResult(id string, finalLoss float64, matrixPath string) error {
	if _, err := s.db.Exec(`UPDATE map_jobs SET final_loss = ?, matrix_path = ? WHERE job_id = ?`,
		finalLoss, matrixPath, id); err != nil {
		return fmt.Errorf("failed to set job result: %w", err)
	}
	return nil
}

// InsertGeneScores stores a job's ranked scores in one transaction.
func (s *Store) InsertGeneScores(jobID string, scores []GeneScore) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO gene_scores (job_id, rank, gene, score) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, sc := range scores {
		if _, err := stmt.Exec(jobID, sc.Rank, sc.Gene, sc.Score); err != nil {
			return fmt.Errorf("failed to insert score for %s: %w", sc.Gene, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scores: %w", err)
	}
	return nil
}

// QueryGeneScores returns one page of a job's scores plus the total
// count. orderBy is one of "rank", "score", "gene".
func (s *Store) QueryGeneScores(jobID, orderBy string, offset, limit int) ([]GeneScore, int, error) {
	var orderSQL string
	switch orderBy {
	case "score":
		orderSQL = "score DESC, rank ASC"
	case "gene":
		orderSQL = "gene ASC"
	default:
		orderSQL = "rank ASC"
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM gene_scores WHERE job_id = ?`, jobID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count scores: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT rank, gene, score FROM gene_scores WHERE job_id = ? ORDER BY `+orderSQL+` LIMIT ? OFFSET ?`,
		jobID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query scores: %w", err)
	}
	defer rows.Close()

	var out []GeneScore
	for rows.Next() {
		var gs GeneScore
		if err := rows.Scan(&gs.Rank, &gs.Gene, &gs.Score); err != nil {
			return nil, 0, fmt.Errorf("failed to scan score: %w", err)
		}
		out = append(out, gs)
	}
	return out, total, rows.Err()
}

// ListJobsByDataset returns jobs referencing a dataset on either side,
// newest first.
func (s *Store) ListJobsByDataset(dataset string) ([]*MapJob, error) {
	return s.scanJobs(`SELECT `+jobColumns+` FROM map_jobs
		WHERE sc_dataset = ? OR sp_dataset = ? ORDER BY created_at DESC`, dataset, dataset)
}

// ListQueuedJobs returns queued jobs oldest first, for re-queueing
// after a restart.
func (s *Store) ListQueuedJobs() ([]*MapJob, error) {
	return s.scanJobs(`SELECT `+jobColumns+` FROM map_jobs
		WHERE status = ? ORDER BY created_at ASC`, string(JobStatusQueued))
}

// MarkRunningAsFailed fails any job left running by a previous
// process.
func (s *Store) MarkRunningAsFailed(reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(`UPDATE map_jobs SET status = ?, error = ?, finished_at = ? WHERE status = ?`,
		string(JobStatusFailed), reason, now, string(JobStatusRunning)); err != nil {
		return fmt.Errorf("failed to mark running jobs failed: %w", err)
	}
	return nil
}

// ListExpiredJobs returns terminal jobs older than retentionDays.
func (s *Store) ListExpiredJobs(retentionDays int) ([]*MapJob, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	return s.scanJobs(`SELECT `+jobColumns+` FROM map_jobs
		WHERE status IN (?, ?, ?) AND created_at < ?`,
		string(JobStatusCompleted), string(JobStatusFailed), string(JobStatusCancelled), cutoff)
}

// DeleteExpiredJobs removes terminal jobs older than retentionDays and
// returns how many were deleted. Scores cascade.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	res, err := s.db.Exec(`DELETE FROM map_jobs
		WHERE status IN (?, ?, ?) AND created_at < ?`,
		string(JobStatusCompleted), string(JobStatusFailed), string(JobStatusCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired jobs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteJob removes a job and, via cascade, its scores.
func (s *Store) DeleteJob(id string) error {
	if _, err := s.db.Exec(`DELETE FROM map_jobs WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

const jobColumns = `job_id, status, params_json, phase, done, total,
	n_cells, n_spots, n_genes, final_loss, matrix_path, error,
	created_at, started_at, finished_at`

func (s *Store) scanJobs(query string, args ...interface{}) ([]*MapJob, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []*MapJob
	for rows.Next() {
		var (
			job        MapJob
			status     string
			paramsJSON string
			createdAt  string
			startedAt  sql.NullString
			finishedAt sql.NullString
		)
		if err := rows.Scan(&job.ID, &status, &paramsJSON,
			&job.Progress.Phase, &job.Progress.Done, &job.Progress.Total,
			&job.NCells, &job.NSpots, &job.NGenes, &job.FinalLoss,
			&job.MatrixPath, &job.Error,
			&createdAt, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.Status = JobStatus(status)
		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to parse params for job %s: %w", job.ID, err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			job.CreatedAt = t
		}
		if startedAt.Valid {
			if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
				job.StartedAt = &t
			}
		}
		if finishedAt.Valid {
			if t, err := time.Parse(time.RFC3339, finishedAt.String); err == nil {
				job.FinishedAt = &t
			}
		}
		out = append(out, &job)
	}
	return out, rows.Err()
}
