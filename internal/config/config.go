// Package config handles configuration loading for the CellMap server.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Data    DataConfig    `yaml:"data"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Mapping MappingConfig `yaml:"mapping"`
	Cache   CacheConfig   `yaml:"cache"`
	Render  RenderConfig  `yaml:"render"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port                  int      `yaml:"port"`
	CORSOrigins           []string `yaml:"cors_origins"`
	RequestTimeoutSeconds int      `yaml:"request_timeout_seconds"`
}

// DataConfig contains data source settings. Datasets saved under
// StorePath are discovered automatically; SOMA experiments are listed
// explicitly by ID.
type DataConfig struct {
	StorePath        string            `yaml:"store_path"`
	ResultsPath      string            `yaml:"results_path"`
	SomaExperiments  map[string]string `yaml:"soma_experiments"`
	DefaultDataset   string            `yaml:"default_dataset"`
	Title            string            `yaml:"title"`
	DatasetCacheSize int               `yaml:"dataset_cache_size"`
}

// JobsConfig contains mapping job queue settings.
type JobsConfig struct {
	SQLitePath           string `yaml:"sqlite_path"`
	MaxConcurrent        int    `yaml:"max_concurrent"`
	RetentionDays        int    `yaml:"retention_days"`
	CleanupPeriodMinutes int    `yaml:"cleanup_period_minutes"`
}

// MappingConfig contains training settings.
type MappingConfig struct {
	TrainLogEvery int `yaml:"train_log_every"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ProjectionSizeMB     int `yaml:"projection_size_mb"`
	ProjectionTTLMinutes int `yaml:"projection_ttl_minutes"`
	ScoreCacheSize       int `yaml:"score_cache_size"`
}

// RenderConfig contains projection rendering settings.
type RenderConfig struct {
	ImageSize       int     `yaml:"image_size"`
	PointSize       float64 `yaml:"point_size"`
	DefaultColormap string  `yaml:"default_colormap"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                  8080,
			CORSOrigins:           []string{"http://localhost:3000", "http://localhost:5173"},
			RequestTimeoutSeconds: 60,
		},
		Data: DataConfig{
			StorePath:        "./data/datasets",
			ResultsPath:      "./data/results",
			DatasetCacheSize: 8,
		},
		Jobs: JobsConfig{
			SQLitePath:           "./data/map_jobs.db",
			MaxConcurrent:        1,
			RetentionDays:        7,
			CleanupPeriodMinutes: 60,
		},
		Mapping: MappingConfig{
			TrainLogEvery: 100,
		},
		Cache: CacheConfig{
			ProjectionSizeMB:     256,
			ProjectionTTLMinutes: 10,
			ScoreCacheSize:       256,
		},
		Render: RenderConfig{
			ImageSize:       512,
			PointSize:       6,
			DefaultColormap: "viridis",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.RequestTimeoutSeconds == 0 {
		cfg.Server.RequestTimeoutSeconds = defaults.Server.RequestTimeoutSeconds
	}
	if cfg.Data.StorePath == "" {
		cfg.Data.StorePath = defaults.Data.StorePath
	}
	if cfg.Data.ResultsPath == "" {
		cfg.Data.ResultsPath = defaults.Data.ResultsPath
	}
	if cfg.Data.DatasetCacheSize == 0 {
		cfg.Data.DatasetCacheSize = defaults.Data.DatasetCacheSize
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Jobs.CleanupPeriodMinutes == 0 {
		cfg.Jobs.CleanupPeriodMinutes = defaults.Jobs.CleanupPeriodMinutes
	}
	if cfg.Mapping.TrainLogEvery == 0 {
		cfg.Mapping.TrainLogEvery = defaults.Mapping.TrainLogEvery
	}
	if cfg.Cache.ProjectionSizeMB == 0 {
		cfg.Cache.ProjectionSizeMB = defaults.Cache.ProjectionSizeMB
	}
	if cfg.Cache.ProjectionTTLMinutes == 0 {
		cfg.Cache.ProjectionTTLMinutes = defaults.Cache.ProjectionTTLMinutes
	}
	if cfg.Cache.ScoreCacheSize == 0 {
		cfg.Cache.ScoreCacheSize = defaults.Cache.ScoreCacheSize
	}
	if cfg.Render.ImageSize == 0 {
		cfg.Render.ImageSize = defaults.Render.ImageSize
	}
	if cfg.Render.PointSize == 0 {
		cfg.Render.PointSize = defaults.Render.PointSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
}
