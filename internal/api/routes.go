package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cellmap-sc/server/internal/align"
	"github.com/cellmap-sc/server/internal/cache"
	"github.com/cellmap-sc/server/internal/data/soma"
	"github.com/cellmap-sc/server/internal/mapper"
	"github.com/cellmap-sc/server/internal/mapstore"
	"github.com/cellmap-sc/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry       *DatasetRegistry
	JobManager     *JobManager
	MapService     *service.MapService
	Cache          *cache.Manager
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Matrix-Rows", "X-Matrix-Cols", "X-Matrix-Dtype", "X-Matrix-Compression"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/datasets", datasetsHandler(cfg.Registry))

		r.Route("/datasets/{dataset}", func(r chi.Router) {
			r.Use(datasetMiddleware(cfg.Registry))
			r.Get("/", datasetInfoHandler(cfg.Registry))
			r.Get("/genes", datasetGenesHandler(cfg.Registry))
			r.Get("/jobs", datasetJobsHandler(cfg.JobManager))
		})

		r.Get("/map/modes", mapModesHandler)

		r.Route("/map/jobs", func(r chi.Router) {
			r.Post("/", mapJobSubmitHandler(cfg.JobManager, cfg.Registry))
			r.Get("/{job_id}", mapJobStatusHandler(cfg.JobManager))
			r.Get("/{job_id}/scores", mapJobScoresHandler(cfg.JobManager, cfg.Cache))
			r.Get("/{job_id}/matrix", mapJobMatrixHandler(cfg.JobManager, cfg.MapService))
			r.Get("/{job_id}/projection.png", mapJobProjectionHandler(cfg.JobManager, cfg.MapService))
			r.Post("/{job_id}/cancel", mapJobCancelHandler(cfg.JobManager))
			r.Delete("/{job_id}", mapJobDeleteHandler(cfg.JobManager))
		})
	})

	return r
}

// Context key for the validated dataset ID
type ctxKey string

const datasetIDKey ctxKey = "datasetID"

// datasetMiddleware resolves the dataset from the URL and injects its
// validated ID into the request context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			if !registry.Contains(datasetID) {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetIDKey, datasetID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetID(r *http.Request) string {
	if id, ok := r.Context().Value(datasetIDKey).(string); ok {
		return id
	}
	return ""
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func datasetInfoHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := registry.Info(getDatasetID(r))
		if err != nil {
			if errors.Is(err, soma.ErrUnsupported) {
				http.Error(w, err.Error(), http.StatusNotImplemented)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	}
}

func datasetGenesHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasetID := getDatasetID(r)
		genes, err := registry.Genes(datasetID)
		if err != nil {
			if errors.Is(err, soma.ErrUnsupported) {
				http.Error(w, err.Error(), http.StatusNotImplemented)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"dataset": datasetID,
			"genes":   genes,
			"total":   len(genes),
		})
	}
}

func datasetJobsHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		datasetID := getDatasetID(r)
		jobs, err := jm.Store().ListJobsByDataset(datasetID)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"dataset": datasetID,
			"jobs":    jobs,
			"total":   len(jobs),
		})
	}
}

func mapModesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"modes": service.Modes(),
	})
}

// Mapping job handlers

type mapJobSubmitRequest struct {
	SCDataset    string   `json:"sc_dataset"`
	SpDataset    string   `json:"sp_dataset"`
	Mode         string   `json:"mode"`
	Genes        []string `json:"genes"`
	LearningRate float64  `json:"learning_rate"`
	NumEpochs    int      `json:"num_epochs"`
	Seed         int64    `json:"seed"`
	Device       string   `json:"device"`
	ResumeFrom   string   `json:"resume_from"`
}

func mapJobSubmitHandler(jm *JobManager, registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req mapJobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		// Validate required fields
		if req.SCDataset == "" || req.SpDataset == "" {
			http.Error(w, "sc_dataset and sp_dataset are required", http.StatusBadRequest)
			return
		}
		if !registry.Contains(req.SCDataset) {
			http.Error(w, "dataset not found: "+req.SCDataset, http.StatusBadRequest)
			return
		}
		if !registry.Contains(req.SpDataset) {
			http.Error(w, "dataset not found: "+req.SpDataset, http.StatusBadRequest)
			return
		}

		// Apply defaults
		if req.Mode == "" {
			req.Mode = "simple"
		}
		if _, err := service.HyperparamsForMode(req.Mode); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := mapper.AcquireDevice(req.Device); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.NumEpochs <= 0 {
			req.NumEpochs = 1000
		}
		if req.NumEpochs > 20000 {
			req.NumEpochs = 20000
		}
		if req.LearningRate <= 0 {
			req.LearningRate = 0.1
		}
		if math.IsNaN(req.LearningRate) || math.IsInf(req.LearningRate, 0) {
			http.Error(w, "invalid learning_rate", http.StatusBadRequest)
			return
		}

		genes := make([]string, 0, len(req.Genes))
		for _, g := range req.Genes {
			if g = strings.TrimSpace(g); g != "" {
				genes = append(genes, g)
			}
		}

		if req.ResumeFrom != "" {
			prior := jm.Get(req.ResumeFrom)
			if prior == nil {
				http.Error(w, "resume_from job not found: "+req.ResumeFrom, http.StatusBadRequest)
				return
			}
			if prior.Status != mapstore.JobStatusCompleted {
				http.Error(w, "resume_from job is not completed (status: "+string(prior.Status)+")", http.StatusBadRequest)
				return
			}
		}

		params := mapstore.JobParams{
			SCDataset:    req.SCDataset,
			SpDataset:    req.SpDataset,
			Mode:         req.Mode,
			Genes:        genes,
			LearningRate: req.LearningRate,
			NumEpochs:    req.NumEpochs,
			Seed:         req.Seed,
			Device:       req.Device,
			ResumeFrom:   req.ResumeFrom,
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func mapJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		response := map[string]interface{}{
			"job_id":      job.ID,
			"status":      job.Status,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"n_cells":     job.NCells,
			"n_spots":     job.NSpots,
			"n_genes":     job.NGenes,
			"params":      job.Params,
			"error":       job.Error,
		}
		if job.Status == mapstore.JobStatusCompleted {
			response["final_loss"] = job.FinalLoss
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func mapJobScoresHandler(jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != mapstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		// Parse pagination and order params
		offset := 0
		limit := 50
		orderBy := r.URL.Query().Get("order_by")
		if orderBy == "" {
			orderBy = "rank"
		}
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
				offset = v
			}
		}
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
				limit = v
				if limit > 500 {
					limit = 500
				}
			}
		}

		key := cache.ScorePageKey(jobID, orderBy, offset, limit)
		if cm != nil {
			if data, ok := cm.GetScores(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
				return
			}
		}

		items, total, err := jm.Store().QueryGeneScores(jobID, orderBy, offset, limit)
		if err != nil {
			http.Error(w, "failed to query scores: "+err.Error(), http.StatusInternalServerError)
			return
		}

		data, err := json.Marshal(map[string]interface{}{
			"job_id":   jobID,
			"total":    total,
			"offset":   offset,
			"limit":    limit,
			"order_by": orderBy,
			"items":    items,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil {
			cm.SetScores(key, data)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func mapJobMatrixHandler(jm *JobManager, svc *service.MapService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil || svc == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != mapstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		data, rows, cols, err := svc.MatrixBlob(job)
		if err != nil {
			http.Error(w, "failed to load matrix: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="mapping_`+jobID+`.bin.zst"`)
		w.Header().Set("X-Matrix-Rows", strconv.Itoa(rows))
		w.Header().Set("X-Matrix-Cols", strconv.Itoa(cols))
		w.Header().Set("X-Matrix-Dtype", "float32")
		w.Header().Set("X-Matrix-Compression", "zstd")
		w.Write(data)
	}
}

func mapJobProjectionHandler(jm *JobManager, svc *service.MapService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil || svc == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != mapstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		layer := "density"
		if gene := strings.TrimSpace(r.URL.Query().Get("gene")); gene != "" {
			layer = "gene:" + gene
		}
		colormapName := r.URL.Query().Get("colormap")
		if colormapName == "" {
			colormapName = "viridis"
		}
		size := 0
		if sizeStr := r.URL.Query().Get("size"); sizeStr != "" {
			if v, err := strconv.Atoi(sizeStr); err == nil {
				size = v
				if size < 64 {
					size = 64
				}
				if size > 2048 {
					size = 2048
				}
			}
		}

		data, err := svc.RenderProjection(job, layer, colormapName, size)
		if err != nil {
			var alignErr *align.GeneAlignmentError
			if errors.As(err, &alignErr) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, "failed to render projection: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

func mapJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		cancelled := jm.Cancel(jobID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":    jobID,
			"cancelled": cancelled,
		})
	}
}

func mapJobDeleteHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status == mapstore.JobStatusRunning {
			http.Error(w, "job is running; cancel it first", http.StatusConflict)
			return
		}

		if err := jm.Delete(jobID); err != nil {
			http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":  jobID,
			"deleted": true,
		})
	}
}
