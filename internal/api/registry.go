package api

import (
	"fmt"
	"log"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cellmap-sc/server/internal/data/expr"
	"github.com/cellmap-sc/server/internal/data/soma"
	"github.com/cellmap-sc/server/internal/data/store"
)

// DatasetInfo describes a dataset for API responses.
type DatasetInfo struct {
	ID         string `json:"id"`
	Source     string `json:"source"` // "store" or "soma"
	NObs       int    `json:"n_obs"`
	NVar       int    `json:"n_var"`
	Encoding   string `json:"encoding,omitempty"`
	HasSpatial bool   `json:"has_spatial"`
}

// RegistryConfig contains registry configuration.
type RegistryConfig struct {
	Store           *store.Store
	SomaExperiments map[string]string // dataset ID -> experiment path
	CacheSize       int               // loaded datasets kept in memory
	DefaultDataset  string
	Title           string
}

// DatasetRegistry resolves dataset IDs against the on-disk store and
// any configured SOMA experiments, caching loaded datasets.
type DatasetRegistry struct {
	store          *store.Store
	soma           map[string]*soma.Reader
	cache          *lru.Cache[string, *expr.Dataset]
	mu             sync.Mutex
	defaultDataset string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(cfg RegistryConfig) (*DatasetRegistry, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 8
	}
	cache, err := lru.New[string, *expr.Dataset](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset cache: %w", err)
	}

	readers := make(map[string]*soma.Reader, len(cfg.SomaExperiments))
	for id, path := range cfg.SomaExperiments {
		r, err := soma.NewReader(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open soma experiment %s: %w", id, err)
		}
		readers[id] = r
	}

	return &DatasetRegistry{
		store:          cfg.Store,
		soma:           readers,
		cache:          cache,
		defaultDataset: cfg.DefaultDataset,
		title:          cfg.Title,
	}, nil
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "CellMap"
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// List returns all known dataset IDs, sorted.
func (r *DatasetRegistry) List() ([]string, error) {
	ids, err := r.store.List()
	if err != nil {
		return nil, err
	}
	for id := range r.soma {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Contains reports whether the registry can resolve a dataset ID.
func (r *DatasetRegistry) Contains(id string) bool {
	if _, ok := r.soma[id]; ok {
		return true
	}
	meta, err := r.store.Open(id)
	return err == nil && meta != nil
}

// Load returns a dataset by ID, loading and densifying it on first
// use.
func (r *DatasetRegistry) Load(id string) (*expr.Dataset, error) {
	if ds, ok := r.cache.Get(id); ok {
		return ds, nil
	}

	// Serialize loads; a dataset is large enough that two concurrent
	// loads of the same ID would matter.
	r.mu.Lock()
	defer r.mu.Unlock()
	if ds, ok := r.cache.Get(id); ok {
		return ds, nil
	}

	ds, err := r.loadUncached(id)
	if err != nil {
		return nil, err
	}
	dense, err := expr.ToDense(ds.X)
	if err != nil {
		return nil, fmt.Errorf("failed to densify dataset %s: %w", id, err)
	}
	ds.X = dense

	r.cache.Add(id, ds)
	log.Printf("[Registry] loaded dataset %s (%d obs x %d var)", id, ds.NObs(), ds.NVar())
	return ds, nil
}

func (r *DatasetRegistry) loadUncached(id string) (*expr.Dataset, error) {
	if reader, ok := r.soma[id]; ok {
		return reader.LoadDataset(id)
	}
	return r.store.Load(id)
}

// Info returns lightweight metadata for a dataset without keeping the
// matrix around for store-backed datasets.
func (r *DatasetRegistry) Info(id string) (*DatasetInfo, error) {
	if reader, ok := r.soma[id]; ok {
		if !reader.Supported() {
			return nil, soma.ErrUnsupported
		}
		ds, err := r.Load(id)
		if err != nil {
			return nil, err
		}
		return &DatasetInfo{
			ID:         id,
			Source:     "soma",
			NObs:       ds.NObs(),
			NVar:       ds.NVar(),
			HasSpatial: len(ds.Spatial) > 0,
		}, nil
	}

	meta, err := r.store.Open(id)
	if err != nil {
		return nil, err
	}
	return &DatasetInfo{
		ID:         id,
		Source:     "store",
		NObs:       meta.NObs,
		NVar:       meta.NVar,
		Encoding:   meta.Encoding,
		HasSpatial: len(meta.Spatial) > 0,
	}, nil
}

// Genes returns a dataset's var IDs.
func (r *DatasetRegistry) Genes(id string) ([]string, error) {
	if reader, ok := r.soma[id]; ok {
		return reader.Genes()
	}
	meta, err := r.store.Open(id)
	if err != nil {
		return nil, err
	}
	return meta.VarIDs, nil
}

// Datasets returns info for every known dataset. SOMA experiments that
// this build cannot read are listed with zero counts.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	ids, err := r.List()
	if err != nil {
		log.Printf("[Registry] failed to list datasets: %v", err)
		return nil
	}
	infos := make([]DatasetInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.Info(id)
		if err != nil {
			if _, ok := r.soma[id]; ok {
				infos = append(infos, DatasetInfo{ID: id, Source: "soma"})
				continue
			}
			log.Printf("[Registry] failed to read dataset %s: %v", id, err)
			continue
		}
		infos = append(infos, *info)
	}
	return infos
}
