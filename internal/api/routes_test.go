package api

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/cellmap-sc/server/internal/cache"
	"github.com/cellmap-sc/server/internal/data/expr"
	"github.com/cellmap-sc/server/internal/data/store"
	"github.com/cellmap-sc/server/internal/mapstore"
	"github.com/cellmap-sc/server/internal/render"
	"github.com/cellmap-sc/server/internal/service"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server *httptest.Server
	jm     *JobManager
	cache  *cache.Manager
}

// setupTestServer builds a full server over temp-dir stores with two
// small datasets: a 4-cell single-cell matrix and a 3-spot spatial one.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	root := t.TempDir()

	dataStore, err := store.NewStore(filepath.Join(root, "datasets"))
	if err != nil {
		t.Fatalf("Failed to initialize dataset store: %v", err)
	}

	sc := &expr.Dataset{
		Name:   "cortex_sc",
		ObsIDs: []string{"cell1", "cell2", "cell3", "cell4"},
		VarIDs: []string{"Actb", "Gapdh", "Pecam1"},
		X: mkTestDense(4, 3, []float32{
			5, 1, 0,
			4, 2, 1,
			0, 1, 6,
			1, 0, 5,
		}),
	}
	sp := &expr.Dataset{
		Name:   "cortex_sp",
		ObsIDs: []string{"spot1", "spot2", "spot3"},
		VarIDs: []string{"ACTB", "GAPDH", "PECAM1"},
		X: mkTestDense(3, 3, []float32{
			5, 2, 0,
			2, 1, 3,
			0, 1, 6,
		}),
		Spatial: []expr.Coord{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 5, Y: 10}},
	}
	for _, ds := range []*expr.Dataset{sc, sp} {
		if err := dataStore.Save(ds); err != nil {
			t.Fatalf("Failed to save dataset %s: %v", ds.Name, err)
		}
	}

	registry, err := NewDatasetRegistry(RegistryConfig{
		Store:          dataStore,
		DefaultDataset: "cortex_sc",
		Title:          "CellMap Test",
	})
	if err != nil {
		t.Fatalf("Failed to initialize registry: %v", err)
	}

	results, err := store.NewStore(filepath.Join(root, "results"))
	if err != nil {
		t.Fatalf("Failed to initialize result store: %v", err)
	}

	cacheManager, err := cache.NewManager(cache.Config{
		ProjectionCacheSizeMB: 16, // Smaller cache for tests
		ProjectionTTL:         time.Minute,
		ScoreCacheSize:        64,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	renderer := render.NewProjectionRenderer(render.Config{
		ImageSize:       64,
		PointSize:       2,
		DefaultColormap: "viridis",
	})

	mapService := service.NewMapService(service.MapServiceConfig{
		Registry:      registry,
		Results:       results,
		Renderer:      renderer,
		Cache:         cacheManager,
		TrainLogEvery: 1000,
	})

	jm, err := NewJobManager(JobManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(root, "jobs.db"),
		RetentionDays: 7,
		CleanupPeriod: time.Hour,
	})
	if err != nil {
		t.Fatalf("Failed to initialize job manager: %v", err)
	}
	jm.Executor = mapService.ExecuteMapJob
	jm.OnDelete = mapService.DeleteResult
	jm.Start()

	router := NewRouter(RouterConfig{
		Registry:    registry,
		JobManager:  jm,
		MapService:  mapService,
		Cache:       cacheManager,
		CORSOrigins: []string{"http://localhost:3000"},
	})

	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		jm.Stop()
		cacheManager.Close()
	})

	return &testServer{server: server, jm: jm, cache: cacheManager}
}

func mkTestDense(rows, cols int, vals []float32) *expr.Dense {
	d := expr.NewDense(rows, cols)
	copy(d.Data, vals)
	return d
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("Expected status code %d, got %d (body: %s)", expected, resp.StatusCode, body)
	}
}

// assertPNG verifies the response body is a valid PNG image
func assertPNG(t *testing.T, body []byte) {
	t.Helper()
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if len(body) < 8 {
		t.Errorf("Response too short to be a valid PNG (got %d bytes)", len(body))
		return
	}
	if !bytes.Equal(body[:8], pngMagic) {
		t.Errorf("Invalid PNG magic bytes: % x", body[:8])
	}
}

// assertJSONFields verifies the response contains expected JSON fields
func assertJSONFields(t *testing.T, body []byte, expectedFields []string) {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Errorf("Failed to parse JSON response: %v", err)
		return
	}
	for _, field := range expectedFields {
		if _, ok := result[field]; !ok {
			t.Errorf("Expected JSON field %q not found in response", field)
		}
	}
}

// submitMapJob posts a mapping job and returns its ID.
func submitMapJob(t *testing.T, ts *testServer, body map[string]interface{}) string {
	t.Helper()
	payload, _ := json.Marshal(body)
	resp, err := http.Post(ts.server.URL+"/api/map/jobs", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}
	defer resp.Body.Close()
	assertStatusCode(t, resp, http.StatusAccepted)

	var submitted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("Failed to decode submit response: %v", err)
	}
	if submitted.JobID == "" {
		t.Fatal("Expected non-empty job_id")
	}
	return submitted.JobID
}

// waitForCompleted polls the status endpoint until the job completes.
func waitForCompleted(t *testing.T, ts *testServer, jobID string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.server.URL + "/api/map/jobs/" + jobID)
		if err != nil {
			t.Fatalf("Failed to get job status: %v", err)
		}
		var status map[string]interface{}
		err = json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("Failed to decode status response: %v", err)
		}
		switch status["status"] {
		case string(mapstore.JobStatusCompleted):
			return status
		case string(mapstore.JobStatusFailed):
			t.Fatalf("Job failed: %v", status["error"])
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for job %s to complete", jobID)
	return nil
}

// --- Test Cases ---

// TestHealthEndpoint tests the health check endpoint
func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}
}

// TestDatasetEndpoints tests the dataset listing and info endpoints
func TestDatasetEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectFields   []string
	}{
		{
			name:           "dataset list",
			path:           "/api/datasets",
			expectedStatus: http.StatusOK,
			expectFields:   []string{"default", "datasets", "title"},
		},
		{
			name:           "dataset info",
			path:           "/api/datasets/cortex_sc",
			expectedStatus: http.StatusOK,
			expectFields:   []string{"id", "n_obs", "n_var", "has_spatial"},
		},
		{
			name:           "dataset genes",
			path:           "/api/datasets/cortex_sp/genes",
			expectedStatus: http.StatusOK,
			expectFields:   []string{"dataset", "genes", "total"},
		},
		{
			name:           "dataset jobs",
			path:           "/api/datasets/cortex_sc/jobs",
			expectedStatus: http.StatusOK,
			expectFields:   []string{"dataset", "jobs", "total"},
		},
		{
			name:           "unknown dataset info",
			path:           "/api/datasets/nonexistent",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "unknown dataset genes",
			path:           "/api/datasets/nonexistent/genes",
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.server.URL + tt.path)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()

			assertStatusCode(t, resp, tt.expectedStatus)

			if tt.expectFields != nil {
				body, err := io.ReadAll(resp.Body)
				if err != nil {
					t.Fatalf("Failed to read response body: %v", err)
				}
				assertJSONFields(t, body, tt.expectFields)
			}
		})
	}
}

// TestMapModesEndpoint tests the mapping modes listing
func TestMapModesEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.server.URL + "/api/map/modes")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)

	var result struct {
		Modes []string `json:"modes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	found := false
	for _, m := range result.Modes {
		if m == "simple" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected modes to include 'simple', got %v", result.Modes)
	}
}

// TestMapJobSubmitValidation tests request validation on job submission
func TestMapJobSubmitValidation(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{
			name: "missing datasets",
			body: map[string]interface{}{},
		},
		{
			name: "unknown sc dataset",
			body: map[string]interface{}{
				"sc_dataset": "nonexistent",
				"sp_dataset": "cortex_sp",
			},
		},
		{
			name: "unknown sp dataset",
			body: map[string]interface{}{
				"sc_dataset": "cortex_sc",
				"sp_dataset": "nonexistent",
			},
		},
		{
			name: "unknown mode",
			body: map[string]interface{}{
				"sc_dataset": "cortex_sc",
				"sp_dataset": "cortex_sp",
				"mode":       "clusters",
			},
		},
		{
			name: "unknown device",
			body: map[string]interface{}{
				"sc_dataset": "cortex_sc",
				"sp_dataset": "cortex_sp",
				"device":     "tpu:0",
			},
		},
		{
			name: "unknown resume job",
			body: map[string]interface{}{
				"sc_dataset":  "cortex_sc",
				"sp_dataset":  "cortex_sp",
				"resume_from": "nosuchjob",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, _ := json.Marshal(tt.body)
			resp, err := http.Post(ts.server.URL+"/api/map/jobs", "application/json", bytes.NewReader(payload))
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()
			assertStatusCode(t, resp, http.StatusBadRequest)
		})
	}
}

// TestMapJobLifecycle runs a mapping job end to end through the API:
// submit, poll to completion, then fetch scores, matrix and projection.
func TestMapJobLifecycle(t *testing.T) {
	ts := setupTestServer(t)

	jobID := submitMapJob(t, ts, map[string]interface{}{
		"sc_dataset": "cortex_sc",
		"sp_dataset": "cortex_sp",
		"num_epochs": 60,
		"seed":       7,
	})

	status := waitForCompleted(t, ts, jobID)
	if status["n_cells"].(float64) != 4 || status["n_spots"].(float64) != 3 || status["n_genes"].(float64) != 3 {
		t.Errorf("Unexpected dims: cells=%v spots=%v genes=%v",
			status["n_cells"], status["n_spots"], status["n_genes"])
	}
	if _, ok := status["final_loss"]; !ok {
		t.Error("Expected final_loss on completed job")
	}

	t.Run("scores", func(t *testing.T) {
		resp, err := http.Get(ts.server.URL + "/api/map/jobs/" + jobID + "/scores")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()
		assertStatusCode(t, resp, http.StatusOK)

		var result struct {
			JobID   string `json:"job_id"`
			Total   int    `json:"total"`
			OrderBy string `json:"order_by"`
			Items   []struct {
				Rank  int     `json:"rank"`
				Gene  string  `json:"gene"`
				Score float64 `json:"score"`
			} `json:"items"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatalf("Failed to decode scores: %v", err)
		}
		if result.Total != 3 || len(result.Items) != 3 {
			t.Fatalf("Expected 3 scores, got total=%d items=%d", result.Total, len(result.Items))
		}
		if result.OrderBy != "rank" {
			t.Errorf("Expected default order_by 'rank', got %q", result.OrderBy)
		}
		for i, item := range result.Items {
			if item.Rank != i+1 {
				t.Errorf("Item %d: expected rank %d, got %d", i, i+1, item.Rank)
			}
			if i > 0 && item.Score > result.Items[i-1].Score {
				t.Errorf("Scores not descending at rank %d", item.Rank)
			}
		}
	})

	t.Run("scoresPagination", func(t *testing.T) {
		resp, err := http.Get(ts.server.URL + "/api/map/jobs/" + jobID + "/scores?offset=1&limit=1")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()
		assertStatusCode(t, resp, http.StatusOK)

		var result struct {
			Total  int                      `json:"total"`
			Offset int                      `json:"offset"`
			Limit  int                      `json:"limit"`
			Items  []map[string]interface{} `json:"items"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatalf("Failed to decode scores: %v", err)
		}
		if result.Total != 3 || len(result.Items) != 1 || result.Offset != 1 || result.Limit != 1 {
			t.Errorf("Unexpected page: total=%d offset=%d limit=%d items=%d",
				result.Total, result.Offset, result.Limit, len(result.Items))
		}
	})

	t.Run("matrix", func(t *testing.T) {
		resp, err := http.Get(ts.server.URL + "/api/map/jobs/" + jobID + "/matrix")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()
		assertStatusCode(t, resp, http.StatusOK)

		if got := resp.Header.Get("X-Matrix-Rows"); got != "4" {
			t.Errorf("Expected X-Matrix-Rows 4, got %q", got)
		}
		if got := resp.Header.Get("X-Matrix-Cols"); got != "3" {
			t.Errorf("Expected X-Matrix-Cols 3, got %q", got)
		}
		if got := resp.Header.Get("X-Matrix-Dtype"); got != "float32" {
			t.Errorf("Expected X-Matrix-Dtype float32, got %q", got)
		}
		if got := resp.Header.Get("X-Matrix-Compression"); got != "zstd" {
			t.Errorf("Expected X-Matrix-Compression zstd, got %q", got)
		}

		compressed, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read body: %v", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			t.Fatalf("Failed to create zstd reader: %v", err)
		}
		defer dec.Close()
		raw, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			t.Fatalf("Failed to decompress matrix: %v", err)
		}
		if len(raw) != 4*3*4 {
			t.Fatalf("Expected %d matrix bytes, got %d", 4*3*4, len(raw))
		}

		// Each row of the mapping matrix is a probability distribution.
		for c := 0; c < 4; c++ {
			var sum float64
			for s := 0; s < 3; s++ {
				bits := binary.LittleEndian.Uint32(raw[(c*3+s)*4:])
				sum += float64(math.Float32frombits(bits))
			}
			if math.Abs(sum-1) > 1e-4 {
				t.Errorf("Row %d sums to %f, want 1", c, sum)
			}
		}
	})

	t.Run("projection", func(t *testing.T) {
		paths := []string{
			"/api/map/jobs/" + jobID + "/projection.png",
			"/api/map/jobs/" + jobID + "/projection.png?gene=Actb",
			"/api/map/jobs/" + jobID + "/projection.png?gene=actb&colormap=seurat",
			"/api/map/jobs/" + jobID + "/projection.png?colormap=coolwarm&size=128",
		}
		for _, path := range paths {
			resp, err := http.Get(ts.server.URL + path)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			assertStatusCode(t, resp, http.StatusOK)
			if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
				t.Errorf("%s: expected Content-Type image/png, got %q", path, ct)
			}
			if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=3600" {
				t.Errorf("%s: expected Cache-Control 'public, max-age=3600', got %q", path, cc)
			}
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				t.Fatalf("Failed to read body: %v", err)
			}
			assertPNG(t, body)
		}
	})

	t.Run("projectionUnknownGene", func(t *testing.T) {
		resp, err := http.Get(ts.server.URL + "/api/map/jobs/" + jobID + "/projection.png?gene=Sox17")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()
		assertStatusCode(t, resp, http.StatusNotFound)
	})

	t.Run("listedUnderDataset", func(t *testing.T) {
		resp, err := http.Get(ts.server.URL + "/api/datasets/cortex_sc/jobs")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()
		assertStatusCode(t, resp, http.StatusOK)

		var result struct {
			Jobs []struct {
				ID string `json:"job_id"`
			} `json:"jobs"`
			Total int `json:"total"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatalf("Failed to decode jobs: %v", err)
		}
		found := false
		for _, j := range result.Jobs {
			if j.ID == jobID {
				found = true
			}
		}
		if !found {
			t.Errorf("Job %s not listed under its dataset", jobID)
		}
	})

	t.Run("cancelCompletedIsNoop", func(t *testing.T) {
		resp, err := http.Post(ts.server.URL+"/api/map/jobs/"+jobID+"/cancel", "application/json", nil)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()
		assertStatusCode(t, resp, http.StatusOK)

		var result struct {
			Cancelled bool `json:"cancelled"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatalf("Failed to decode cancel response: %v", err)
		}
		if result.Cancelled {
			t.Error("Expected cancelled=false for completed job")
		}
	})

	t.Run("delete", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, ts.server.URL+"/api/map/jobs/"+jobID, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()
		assertStatusCode(t, resp, http.StatusOK)

		after, err := http.Get(ts.server.URL + "/api/map/jobs/" + jobID)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer after.Body.Close()
		assertStatusCode(t, after, http.StatusNotFound)
	})
}

// TestMapJobResumeViaAPI submits a second job warm-started from the first
func TestMapJobResumeViaAPI(t *testing.T) {
	ts := setupTestServer(t)

	first := submitMapJob(t, ts, map[string]interface{}{
		"sc_dataset": "cortex_sc",
		"sp_dataset": "cortex_sp",
		"num_epochs": 40,
		"seed":       7,
	})
	waitForCompleted(t, ts, first)

	second := submitMapJob(t, ts, map[string]interface{}{
		"sc_dataset":  "cortex_sc",
		"sp_dataset":  "cortex_sp",
		"num_epochs":  20,
		"seed":        7,
		"resume_from": first,
	})
	status := waitForCompleted(t, ts, second)
	if params, ok := status["params"].(map[string]interface{}); ok {
		if params["resume_from"] != first {
			t.Errorf("Expected resume_from %q in params, got %v", first, params["resume_from"])
		}
	} else {
		t.Error("Expected params in status response")
	}
}

// TestMapJobEndpointsRequireCompletion verifies that result endpoints
// reject jobs that have not finished.
func TestMapJobEndpointsRequireCompletion(t *testing.T) {
	ts := setupTestServer(t)

	// Insert a queued row directly so the worker never picks it up.
	queued := &mapstore.MapJob{
		ID:     "queued0test0001",
		Status: mapstore.JobStatusQueued,
		Params: mapstore.JobParams{
			SCDataset: "cortex_sc",
			SpDataset: "cortex_sp",
			Mode:      "simple",
		},
	}
	if err := ts.jm.Store().CreateJob(queued); err != nil {
		t.Fatalf("Failed to create job row: %v", err)
	}

	for _, suffix := range []string{"/scores", "/matrix", "/projection.png"} {
		t.Run(suffix, func(t *testing.T) {
			resp, err := http.Get(ts.server.URL + "/api/map/jobs/" + queued.ID + suffix)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()
			assertStatusCode(t, resp, http.StatusBadRequest)
		})
	}
}

// TestMapJobNotFound verifies 404 handling on unknown job IDs
func TestMapJobNotFound(t *testing.T) {
	ts := setupTestServer(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/map/jobs/nosuchjob"},
		{http.MethodGet, "/api/map/jobs/nosuchjob/scores"},
		{http.MethodGet, "/api/map/jobs/nosuchjob/matrix"},
		{http.MethodGet, "/api/map/jobs/nosuchjob/projection.png"},
		{http.MethodPost, "/api/map/jobs/nosuchjob/cancel"},
		{http.MethodDelete, "/api/map/jobs/nosuchjob"},
	}

	for _, tt := range paths {
		t.Run(fmt.Sprintf("%s %s", tt.method, tt.path), func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.server.URL+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()
			assertStatusCode(t, resp, http.StatusNotFound)
		})
	}
}

// TestCORSHeaders tests that CORS headers are set correctly
func TestCORSHeaders(t *testing.T) {
	ts := setupTestServer(t)

	req, err := http.NewRequest("GET", ts.server.URL+"/health", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:3000")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Error("Expected Access-Control-Allow-Origin header to be set for allowed origin")
	}
}
