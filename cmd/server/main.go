// Package main is the entry point for the CellMap server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cellmap-sc/server/internal/api"
	"github.com/cellmap-sc/server/internal/cache"
	"github.com/cellmap-sc/server/internal/config"
	"github.com/cellmap-sc/server/internal/data/store"
	"github.com/cellmap-sc/server/internal/render"
	"github.com/cellmap-sc/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting CellMap server on port %d", cfg.Server.Port)

	// Initialize dataset and result stores
	dataStore, err := store.NewStore(cfg.Data.StorePath)
	if err != nil {
		log.Fatalf("Failed to open dataset store at %s: %v", cfg.Data.StorePath, err)
	}
	resultStore, err := store.NewStore(cfg.Data.ResultsPath)
	if err != nil {
		log.Fatalf("Failed to open result store at %s: %v", cfg.Data.ResultsPath, err)
	}

	// Initialize dataset registry
	registry, err := api.NewDatasetRegistry(api.RegistryConfig{
		Store:           dataStore,
		SomaExperiments: cfg.Data.SomaExperiments,
		CacheSize:       cfg.Data.DatasetCacheSize,
		DefaultDataset:  cfg.Data.DefaultDataset,
		Title:           cfg.Data.Title,
	})
	if err != nil {
		log.Fatalf("Failed to initialize dataset registry: %v", err)
	}
	if ids, err := registry.List(); err == nil {
		log.Printf("Datasets: %d available (%d from SOMA experiments), default: %q",
			len(ids), len(cfg.Data.SomaExperiments), cfg.Data.DefaultDataset)
	}

	// Initialize cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		ProjectionCacheSizeMB: cfg.Cache.ProjectionSizeMB,
		ProjectionTTL:         time.Duration(cfg.Cache.ProjectionTTLMinutes) * time.Minute,
		ScoreCacheSize:        cfg.Cache.ScoreCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize projection renderer
	renderer := render.NewProjectionRenderer(render.Config{
		ImageSize:       cfg.Render.ImageSize,
		PointSize:       cfg.Render.PointSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	// Initialize mapping service
	mapService := service.NewMapService(service.MapServiceConfig{
		Registry:      registry,
		Results:       resultStore,
		Renderer:      renderer,
		Cache:         cacheManager,
		TrainLogEvery: cfg.Mapping.TrainLogEvery,
	})

	// Initialize job manager for mapping jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: time.Duration(cfg.Jobs.CleanupPeriodMinutes) * time.Minute,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Map job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	// Wire up the mapping service as job executor; deleting a job also
	// removes its stored result matrix.
	jobManager.Executor = mapService.ExecuteMapJob
	jobManager.OnDelete = mapService.DeleteResult

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:       registry,
		JobManager:     jobManager,
		MapService:     mapService,
		Cache:          cacheManager,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
