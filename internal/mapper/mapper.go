// Package mapper learns a probabilistic cell-to-spot mapping between a
// single-cell expression matrix and a spatial expression matrix. The
// mapping matrix is parameterized through a row softmax and trained by
// gradient descent with Adam; training state is held in an explicit
// State value so runs can be checkpointed and resumed exactly.
package mapper

import (
	"context"
	"fmt"
	"iter"
	"log"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

const (
	defaultLearningRate = 0.1
	defaultEpochs       = 1000

	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8

	// Floor applied before taking logs of probabilities.
	probEps = 1e-12
)

// Hyperparams weighs the objective terms.
type Hyperparams struct {
	LambdaD  float64 // density KL term
	LambdaG1 float64 // gene-axis expression term
	LambdaG2 float64 // spot-axis expression term
	LambdaR  float64 // entropy regularizer
}

// Loss is one epoch's objective breakdown. Each field carries its
// lambda weight; Total is the minimized sum.
type Loss struct {
	Total   float64
	Gene    float64
	Spot    float64
	Density float64
	Entropy float64
}

// Config assembles a mapping problem.
type Config struct {
	S       *mat.Dense // cells x genes single-cell expression
	G       *mat.Dense // spots x genes spatial expression
	Density []float64  // target spot density; required when LambdaD > 0
	Hyper   Hyperparams

	LearningRate float64 // default 0.1
	Epochs       int     // default 1000
	Seed         int64
	Device       Device
	LogEvery     int // Train logs every LogEvery epochs; 0 disables
}

// DimensionMismatchError reports construction inputs whose shapes
// cannot form a mapping problem.
type DimensionMismatchError struct {
	Reason string
}

func (e *DimensionMismatchError) Error() string {
	return "mapper: dimension mismatch: " + e.Reason
}

// ShapeMismatchError reports a resumed mapping whose shape differs
// from the configured problem.
type ShapeMismatchError struct {
	GotRows, GotCols   int
	WantRows, WantCols int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("mapper: resumed state is %dx%d, want %dx%d",
		e.GotRows, e.GotCols, e.WantRows, e.WantCols)
}

// AdamState holds the optimizer moment estimates and step count.
type AdamState struct {
	M, V *mat.Dense
	T    int
}

// State is the explicit training state: raw (pre-softmax) mapping
// parameters plus the optimizer state. Restoring a snapshot with
// ResumeState continues training exactly where it stopped.
type State struct {
	MRaw *mat.Dense
	Opt  AdamState
}

// Mapper trains the mapping matrix for one problem. Not safe for
// concurrent use.
type Mapper struct {
	s, g    *mat.Dense
	density []float64
	hyper   Hyperparams

	lr       float64
	epochs   int
	device   Device
	logEvery int

	nCells, nGenes, nSpots int

	state State

	// Fixed norms of G along each axis, computed once.
	gColNorm []float64
	gRowNorm []float64

	// Scratch buffers reused across epochs.
	m      *mat.Dense // softmaxed mapping, cells x spots
	gHat   *mat.Dense // predicted spatial expression, spots x genes
	dGHat  *mat.Dense
	dM     *mat.Dense
	dRaw   *mat.Dense
	pHat   []float64
	colAdd []float64
}

// New validates the problem shapes and builds a mapper with freshly
// seeded parameters. All validation happens before any training state
// is allocated.
func New(cfg Config) (*Mapper, error) {
	if cfg.S == nil || cfg.G == nil {
		return nil, &DimensionMismatchError{Reason: "missing expression matrix"}
	}
	nCells, sGenes := cfg.S.Dims()
	nSpots, gGenes := cfg.G.Dims()
	if sGenes != gGenes {
		return nil, &DimensionMismatchError{Reason: fmt.Sprintf(
			"S is %dx%d and G is %dx%d: gene axes differ", nCells, sGenes, nSpots, gGenes)}
	}
	if nCells == 0 || nSpots == 0 || sGenes == 0 {
		return nil, &DimensionMismatchError{Reason: fmt.Sprintf(
			"degenerate problem: %d cells, %d genes, %d spots", nCells, sGenes, nSpots)}
	}
	if cfg.Hyper.LambdaD != 0 && len(cfg.Density) != nSpots {
		return nil, &DimensionMismatchError{Reason: fmt.Sprintf(
			"density vector has length %d, want %d spots", len(cfg.Density), nSpots)}
	}

	if cfg.LearningRate <= 0 {
		cfg.LearningRate = defaultLearningRate
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = defaultEpochs
	}
	if cfg.Device == (Device{}) {
		cfg.Device = hostDevice()
	}

	mp := &Mapper{
		s:        cfg.S,
		g:        cfg.G,
		density:  cfg.Density,
		hyper:    cfg.Hyper,
		lr:       cfg.LearningRate,
		epochs:   cfg.Epochs,
		device:   cfg.Device,
		logEvery: cfg.LogEvery,
		nCells:   nCells,
		nGenes:   sGenes,
		nSpots:   nSpots,
	}

	mp.state.MRaw = mat.NewDense(nCells, nSpots, nil)
	rng := rand.New(rand.NewSource(cfg.Seed))
	raw := mp.state.MRaw.RawMatrix().Data
	for i := range raw {
		raw[i] = rng.NormFloat64()
	}
	mp.state.Opt = AdamState{
		M: mat.NewDense(nCells, nSpots, nil),
		V: mat.NewDense(nCells, nSpots, nil),
	}

	mp.m = mat.NewDense(nCells, nSpots, nil)
	mp.gHat = mat.NewDense(nSpots, sGenes, nil)
	mp.dGHat = mat.NewDense(nSpots, sGenes, nil)
	mp.dM = mat.NewDense(nCells, nSpots, nil)
	mp.dRaw = mat.NewDense(nCells, nSpots, nil)
	mp.pHat = make([]float64, nSpots)
	mp.colAdd = make([]float64, nSpots)

	mp.gColNorm = make([]float64, sGenes)
	mp.gRowNorm = make([]float64, nSpots)
	gm := mp.g.RawMatrix()
	for s := 0; s < nSpots; s++ {
		row := gm.Data[s*gm.Stride : s*gm.Stride+sGenes]
		var rs float64
		for j, v := range row {
			rs += v * v
			mp.gColNorm[j] += v * v
		}
		mp.gRowNorm[s] = math.Sqrt(rs)
	}
	for j := range mp.gColNorm {
		mp.gColNorm[j] = math.Sqrt(mp.gColNorm[j])
	}

	return mp, nil
}

// EpochCount returns the total number of epochs this mapper trains.
func (mp *Mapper) EpochCount() int { return mp.epochs }

// Mapping returns a copy of the current row-stochastic mapping matrix
// (cells x spots).
func (mp *Mapper) Mapping() *mat.Dense {
	mp.forwardSoftmax()
	out := mat.NewDense(mp.nCells, mp.nSpots, nil)
	out.Copy(mp.m)
	return out
}

// State returns a deep copy of the current training state.
func (mp *Mapper) State() State {
	return State{
		MRaw: cloneDense(mp.state.MRaw),
		Opt: AdamState{
			M: cloneDense(mp.state.Opt.M),
			V: cloneDense(mp.state.Opt.V),
			T: mp.state.Opt.T,
		},
	}
}

// Resume warm-starts the parameters from a previously trained mapping
// matrix. The optimizer moments start fresh, so the continuation is a
// new optimization seeded at the old probabilities.
func (mp *Mapper) Resume(m *mat.Dense) error {
	if err := mp.checkShape(m); err != nil {
		return err
	}
	raw := mp.state.MRaw.RawMatrix()
	src := m.RawMatrix()
	for i := 0; i < mp.nCells; i++ {
		for j := 0; j < mp.nSpots; j++ {
			v := src.Data[i*src.Stride+j]
			if v < probEps {
				v = probEps
			}
			raw.Data[i*raw.Stride+j] = math.Log(v)
		}
	}
	mp.state.Opt.M.Zero()
	mp.state.Opt.V.Zero()
	mp.state.Opt.T = 0
	return nil
}

// ResumeState restores a full training snapshot, optimizer moments
// included. Training E1 epochs, snapshotting, and training E2 more is
// then identical to a single E1+E2 run.
func (mp *Mapper) ResumeState(st State) error {
	if err := mp.checkShape(st.MRaw); err != nil {
		return err
	}
	if err := mp.checkShape(st.Opt.M); err != nil {
		return err
	}
	if err := mp.checkShape(st.Opt.V); err != nil {
		return err
	}
	mp.state.MRaw.Copy(st.MRaw)
	mp.state.Opt.M.Copy(st.Opt.M)
	mp.state.Opt.V.Copy(st.Opt.V)
	mp.state.Opt.T = st.Opt.T
	return nil
}

// checkShape validates a cells x spots matrix against the problem.
// nil counts as a mismatch: there is no shape to restore.
func (mp *Mapper) checkShape(m *mat.Dense) error {
	if m == nil {
		return &ShapeMismatchError{WantRows: mp.nCells, WantCols: mp.nSpots}
	}
	r, c := m.Dims()
	if r != mp.nCells || c != mp.nSpots {
		return &ShapeMismatchError{GotRows: r, GotCols: c, WantRows: mp.nCells, WantCols: mp.nSpots}
	}
	return nil
}

// Epochs returns a lazy iterator over training epochs. Each yield
// delivers the 1-based epoch index and that epoch's loss. Breaking out
// of the range stops training with the state intact; ctx is checked
// between epochs. There is no early stopping on loss values.
func (mp *Mapper) Epochs(ctx context.Context) iter.Seq2[int, Loss] {
	return func(yield func(int, Loss) bool) {
		for e := 1; e <= mp.epochs; e++ {
			if ctx.Err() != nil {
				return
			}
			loss := mp.Step()
			if !yield(e, loss) {
				return
			}
		}
	}
}

// Train drains the epoch iterator to completion, logging periodically.
// It returns the last computed loss; the error is non-nil only when
// ctx ended the run early.
func (mp *Mapper) Train(ctx context.Context) (Loss, error) {
	var last Loss
	done := 0
	for e, l := range mp.Epochs(ctx) {
		last = l
		done = e
		if mp.logEvery > 0 && e%mp.logEvery == 0 {
			log.Printf("[Mapper] epoch %d/%d, loss %.6f", e, mp.epochs, l.Total)
		}
	}
	if done < mp.epochs {
		if err := ctx.Err(); err != nil {
			return last, err
		}
	}
	return last, nil
}

func cloneDense(src *mat.Dense) *mat.Dense {
	if src == nil {
		return nil
	}
	r, c := src.Dims()
	out := mat.NewDense(r, c, nil)
	out.Copy(src)
	return out
}
