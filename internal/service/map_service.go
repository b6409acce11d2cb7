// Package service provides business logic for the mapping server.
package service

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/cellmap-sc/server/internal/align"
	"github.com/cellmap-sc/server/internal/cache"
	"github.com/cellmap-sc/server/internal/data/expr"
	"github.com/cellmap-sc/server/internal/data/store"
	"github.com/cellmap-sc/server/internal/mapper"
	"github.com/cellmap-sc/server/internal/mapstore"
	"github.com/cellmap-sc/server/internal/render"
)

// DatasetProvider resolves dataset IDs to loaded datasets.
type DatasetProvider interface {
	Load(datasetID string) (*expr.Dataset, error)
	List() ([]string, error)
}

// UnsupportedModeError indicates an unknown mapping mode.
type UnsupportedModeError struct {
	Mode string
}

func (e *UnsupportedModeError) Error() string {
	return fmt.Sprintf("unsupported mapping mode: %q", e.Mode)
}

var modeHyperparams = map[string]mapper.Hyperparams{
	"simple": {LambdaD: 0, LambdaG1: 1, LambdaG2: 0, LambdaR: 0},
}

// HyperparamsForMode resolves a mode name to its loss weights.
func HyperparamsForMode(mode string) (mapper.Hyperparams, error) {
	h, ok := modeHyperparams[mode]
	if !ok {
		return mapper.Hyperparams{}, &UnsupportedModeError{Mode: mode}
	}
	return h, nil
}

// Modes lists the supported mapping modes.
func Modes() []string {
	out := make([]string, 0, len(modeHyperparams))
	for m := range modeHyperparams {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Observer receives pipeline notifications during a mapping run.
type Observer interface {
	Phase(phase string, done, total int)
	Dims(nCells, nSpots, nGenes int)
}

type noopObserver struct{}

func (noopObserver) Phase(string, int, int) {}
func (noopObserver) Dims(int, int, int)     {}

// RunParams are the knobs of one mapping run.
type RunParams struct {
	Mode         string
	Genes        []string // nil means all shared genes
	LearningRate float64
	NumEpochs    int
	Seed         int64
	Device       string
	WarmStart    *expr.Dense // prior mapping used as initialization
}

// MapResult bundles everything a finished run produced.
type MapResult struct {
	Genes     []string
	CellIDs   []string
	SpotIDs   []string
	Mapping   *expr.Dense // cells x spots
	Scores    []mapstore.GeneScore
	FinalLoss mapper.Loss
	Epochs    int
}

// MapServiceConfig contains the service dependencies.
type MapServiceConfig struct {
	Registry      DatasetProvider
	Results       *store.Store
	Renderer      *render.ProjectionRenderer
	Cache         *cache.Manager
	TrainLogEvery int
}

// MapService orchestrates mapping runs and serves their results.
type MapService struct {
	registry DatasetProvider
	results  *store.Store
	renderer *render.ProjectionRenderer
	cache    *cache.Manager
	logEvery int
}

// NewMapService creates a new mapping service.
func NewMapService(cfg MapServiceConfig) *MapService {
	logEvery := cfg.TrainLogEvery
	if logEvery <= 0 {
		logEvery = 100
	}
	return &MapService{
		registry: cfg.Registry,
		results:  cfg.Results,
		renderer: cfg.Renderer,
		cache:    cfg.Cache,
		logEvery: logEvery,
	}
}

// MapCellsToSpace executes the full mapping pipeline on two loaded
// datasets: resolve the mode, align genes, train the mapper, score
// genes. The mode and device are checked before anything is allocated.
func (s *MapService) MapCellsToSpace(ctx context.Context, sc, sp *expr.Dataset, p RunParams, obs Observer) (*MapResult, error) {
	if obs == nil {
		obs = noopObserver{}
	}

	hyper, err := HyperparamsForMode(p.Mode)
	if err != nil {
		return nil, err
	}
	device, err := mapper.AcquireDevice(p.Device)
	if err != nil {
		return nil, err
	}

	obs.Phase("aligning_genes", 0, 1)
	pair, err := align.Align(sc, sp, p.Genes)
	if err != nil {
		return nil, err
	}
	obs.Dims(len(pair.CellIDs), len(pair.SpotIDs), len(pair.Genes))

	obs.Phase("allocating", 0, 1)
	sMat := exprToMat(pair.S)
	gMat := exprToMat(pair.G)
	m, err := mapper.New(mapper.Config{
		S:            sMat,
		G:            gMat,
		Hyper:        hyper,
		LearningRate: p.LearningRate,
		Epochs:       p.NumEpochs,
		Seed:         p.Seed,
		Device:       device,
	})
	if err != nil {
		return nil, err
	}
	if p.WarmStart != nil {
		if err := m.Resume(exprToMat(p.WarmStart)); err != nil {
			return nil, err
		}
	}

	total := m.EpochCount()
	log.Printf("[MapService] training %d cells x %d spots on %d genes (mode %s, device %s, %d epochs)",
		len(pair.CellIDs), len(pair.SpotIDs), len(pair.Genes), p.Mode, device.ID(), total)

	obs.Phase("training", 0, total)
	var last mapper.Loss
	done := 0
	for epoch, loss := range m.Epochs(ctx) {
		last = loss
		done = epoch
		obs.Phase("training", epoch, total)
		if epoch%s.logEvery == 0 || epoch == total {
			log.Printf("[MapService] epoch %d/%d, loss %.6f", epoch, total, loss.Total)
		}
	}
	if done < total {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("training stopped at epoch %d of %d", done, total)
	}

	obs.Phase("scoring", 0, len(pair.Genes))
	mapping := m.Mapping()
	scores := scoreGenes(mapping, sMat, gMat, pair.Genes)

	log.Printf("[MapService] training complete, final loss %.6f", last.Total)
	return &MapResult{
		Genes:     pair.Genes,
		CellIDs:   pair.CellIDs,
		SpotIDs:   pair.SpotIDs,
		Mapping:   matToExpr(mapping),
		Scores:    scores,
		FinalLoss: last,
		Epochs:    total,
	}, nil
}

// scoreGenes ranks training genes by the cosine similarity between the
// projected expression M^T S and the spatial expression G, gene by
// gene. Genes with a zero-norm column on either side score 0. Ties
// keep the training gene order.
func scoreGenes(m, s, g *mat.Dense, genes []string) []mapstore.GeneScore {
	var gHat mat.Dense
	gHat.Mul(m.T(), s)

	nSpots, nGenes := gHat.Dims()
	scores := make([]mapstore.GeneScore, nGenes)
	for j := 0; j < nGenes; j++ {
		var dot, uu, vv float64
		for i := 0; i < nSpots; i++ {
			u := gHat.At(i, j)
			v := g.At(i, j)
			dot += u * v
			uu += u * u
			vv += v * v
		}
		sim := 0.0
		if uu > 0 && vv > 0 {
			sim = dot / math.Sqrt(uu*vv)
		}
		scores[j] = mapstore.GeneScore{Gene: genes[j], Score: sim}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	for i := range scores {
		scores[i].Rank = i + 1
	}
	return scores
}

// exprToMat widens a float32 matrix to the optimizer's float64 layout.
func exprToMat(d *expr.Dense) *mat.Dense {
	out := mat.NewDense(d.Rows, d.Cols, nil)
	raw := out.RawMatrix()
	for i := 0; i < d.Rows; i++ {
		src := d.Row(i)
		dst := raw.Data[i*raw.Stride : i*raw.Stride+d.Cols]
		for j, v := range src {
			dst[j] = float64(v)
		}
	}
	return out
}

func matToExpr(m *mat.Dense) *expr.Dense {
	rows, cols := m.Dims()
	out := expr.NewDense(rows, cols)
	raw := m.RawMatrix()
	for i := 0; i < rows; i++ {
		src := raw.Data[i*raw.Stride : i*raw.Stride+cols]
		dst := out.Row(i)
		for j, v := range src {
			dst[j] = float32(v)
		}
	}
	return out
}
