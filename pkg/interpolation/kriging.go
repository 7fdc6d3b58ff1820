// Package interpolation implements ordinary space-time kriging of residuals
// with a fitted variogram model.
package interpolation

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"stkriging/internal/logging"
	"stkriging/internal/models"
	"stkriging/pkg/distance"
	"stkriging/pkg/metrics"
	"stkriging/pkg/variogram"
)

// DefaultBatchSize is the number of targets solved per batch
const DefaultBatchSize = 1000

// NeighborSearcher returns the ids of the reference observations within
// spaceMax (under the reference metric) and timeMax of the target, skipping
// ids in exclude. The order of the ids must be deterministic.
type NeighborSearcher interface {
	Candidates(target models.Target, spaceMax, timeMax float64, exclude models.IndexSet) []int
}

// Reference is the read-only observation data a Kriger blends
type Reference struct {
	Points    []models.Point
	Times     []float64
	Residuals []float64
	Metric    distance.Metric
}

func (r Reference) validate() error {
	if len(r.Points) != len(r.Times) || len(r.Points) != len(r.Residuals) {
		return fmt.Errorf("reference length mismatch: %d points, %d times, %d residuals",
			len(r.Points), len(r.Times), len(r.Residuals))
	}
	return nil
}

// Options controls one kriging call. Zero distance ceilings select the
// defaults of the call (see Kriger.Weights and Kriger.Predict).
type Options struct {
	MinNeighbors int     `yaml:"minNeighbors"`
	MaxNeighbors int     `yaml:"maxNeighbors"`
	SpaceMax     float64 `yaml:"spaceDistMax"`
	TimeMax      float64 `yaml:"timeDistMax"`
	BatchSize    int     `yaml:"batchSize"`
	Workers      int     `yaml:"workers"` // Goroutines per batch, 0 for GOMAXPROCS

	// LeaveOut lists observation ids excluded from every neighbourhood
	LeaveOut []int `yaml:"-"`
}

// DefaultWeightOptions returns the defaults of a weights query
func DefaultWeightOptions() Options {
	return Options{MinNeighbors: 10, MaxNeighbors: 100, BatchSize: DefaultBatchSize}
}

// DefaultPredictOptions returns the defaults of a prediction
func DefaultPredictOptions() Options {
	return Options{MinNeighbors: 1, MaxNeighbors: 10, BatchSize: DefaultBatchSize}
}

// Validate checks the neighbour bounds and distance ceilings
func (o Options) Validate() error {
	if o.MinNeighbors < 0 {
		return fmt.Errorf("minimum neighbours must not be negative, got %d", o.MinNeighbors)
	}
	if o.MaxNeighbors <= 0 {
		return fmt.Errorf("maximum neighbours must be positive, got %d", o.MaxNeighbors)
	}
	if o.MinNeighbors > o.MaxNeighbors {
		return fmt.Errorf("minimum neighbours %d exceeds maximum %d", o.MinNeighbors, o.MaxNeighbors)
	}
	if o.SpaceMax < 0 || o.TimeMax < 0 {
		return fmt.Errorf("distance ceilings must not be negative")
	}
	return nil
}

// Weights holds the per-target kriging systems of a weights query. Rows are
// ragged: row i has one entry per neighbour of target i, and is empty for a
// degenerate neighbourhood.
type Weights struct {
	Weights   [][]float64 // Kriging weights, each row sums to 1
	Vectors   [][]float64 // Kriging vectors (target-neighbour semivariance)
	Neighbors [][]int     // Neighbour observation ids
	Variance  []float64   // Kriging variance per target, >= 0
}

// Prediction holds the kriged residual correction per target
type Prediction struct {
	Mean []float64
	Std  []float64
}

// ProgressCallback is a function that reports progress during kriging
type ProgressCallback func(completed, total int, message string)

// Kriger krigs residuals of a reference set at arbitrary targets with a
// fitted model. A Kriger is immutable after construction apart from the
// progress callback and is safe for concurrent use.
type Kriger struct {
	model  *variogram.Model
	ref    Reference
	search NeighborSearcher

	// Default ceilings of a weights query
	spaceMax float64
	timeMax  float64

	progressCallback ProgressCallback
}

// NewKriger creates a kriger. spaceMax and timeMax are the default distance
// ceilings of a weights query, the last bin centres of the empirical surface
// the model was fitted to.
func NewKriger(model *variogram.Model, ref Reference, search NeighborSearcher, spaceMax, timeMax float64) (*Kriger, error) {
	if model == nil {
		return nil, fmt.Errorf("a fitted variogram model is required")
	}
	if search == nil {
		return nil, fmt.Errorf("a neighbour searcher is required")
	}
	if err := ref.validate(); err != nil {
		return nil, err
	}
	return &Kriger{
		model:    model,
		ref:      ref,
		search:   search,
		spaceMax: spaceMax,
		timeMax:  timeMax,
	}, nil
}

// SetProgressCallback sets a callback reporting completed targets after each
// batch. Messages are non-empty only for informational updates.
func (k *Kriger) SetProgressCallback(callback ProgressCallback) {
	k.progressCallback = callback
}

func (k *Kriger) reportProgress(completed, total int, message string) {
	if k.progressCallback != nil {
		k.progressCallback(completed, total, message)
		return
	}
	logging.Debug().
		Int("completed", completed).
		Int("total", total).
		Str("message", message).
		Msg("kriging progress")
}

// system is the solved kriging system of one target
type system struct {
	ids      []int
	gamma    []float64
	weights  []float64
	variance float64
}

// solve builds and solves the system of one target. A nil system marks a
// degenerate neighbourhood.
func (k *Kriger) solve(target models.Target, opts Options, exclude models.IndexSet) (*system, error) {
	ids := k.search.Candidates(target, opts.SpaceMax, opts.TimeMax, exclude)
	if len(ids) == 0 || len(ids) < opts.MinNeighbors {
		return nil, nil
	}

	pts := make([]models.Point, len(ids))
	times := make([]float64, len(ids))
	for i, id := range ids {
		pts[i] = k.ref.Points[id]
		times[i] = k.ref.Times[id]
	}
	hv, tv := distance.ToTarget(k.ref.Metric, pts, times, target)
	gamma := k.model.EvalVec(nil, hv, tv)

	if len(ids) > opts.MaxNeighbors {
		order := make([]int, len(ids))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return gamma[order[a]] < gamma[order[b]]
		})
		order = order[:opts.MaxNeighbors]

		keptIDs := make([]int, len(order))
		keptGamma := make([]float64, len(order))
		keptPts := make([]models.Point, len(order))
		keptTimes := make([]float64, len(order))
		for i, o := range order {
			keptIDs[i] = ids[o]
			keptGamma[i] = gamma[o]
			keptPts[i] = pts[o]
			keptTimes[i] = times[o]
		}
		ids, gamma, pts, times = keptIDs, keptGamma, keptPts, keptTimes
	}

	hm := distance.SpaceMatrix(k.ref.Metric, pts)
	tm := distance.TimeMatrix(times)
	pairs := symmetric(k.model.EvalDense(hm, tm))

	w, variance, err := SolveWeights(gamma, pairs)
	if err != nil {
		return nil, err
	}
	return &system{ids: ids, gamma: gamma, weights: w, variance: variance}, nil
}

// Weights returns the kriging weights, kriging vectors and neighbour ids of
// every target. Zero ceilings in opts default to the last bin centres of the
// fitted surface.
func (k *Kriger) Weights(ctx context.Context, targets []models.Target, opts Options) (*Weights, error) {
	if opts.SpaceMax == 0 {
		opts.SpaceMax = k.spaceMax
	}
	if opts.TimeMax == 0 {
		opts.TimeMax = k.timeMax
	}

	out := &Weights{
		Weights:   make([][]float64, len(targets)),
		Vectors:   make([][]float64, len(targets)),
		Neighbors: make([][]int, len(targets)),
		Variance:  make([]float64, len(targets)),
	}
	err := k.run(ctx, targets, opts, func(i int, s *system) {
		if s == nil {
			return
		}
		out.Weights[i] = s.weights
		out.Vectors[i] = s.gamma
		out.Neighbors[i] = s.ids
		out.Variance[i] = s.variance
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Predict krigs the reference residuals at every target. Zero ceilings in
// opts default to half the last bin centres of the fitted surface. Targets
// with a degenerate neighbourhood get a zero correction and zero deviation.
func (k *Kriger) Predict(ctx context.Context, targets []models.Target, opts Options) (*Prediction, error) {
	if opts.SpaceMax == 0 {
		opts.SpaceMax = k.spaceMax / 2
	}
	if opts.TimeMax == 0 {
		opts.TimeMax = k.timeMax / 2
	}

	out := &Prediction{
		Mean: make([]float64, len(targets)),
		Std:  make([]float64, len(targets)),
	}
	err := k.run(ctx, targets, opts, func(i int, s *system) {
		if s == nil {
			return
		}
		var mean float64
		for j, id := range s.ids {
			mean += s.weights[j] * k.ref.Residuals[id]
		}
		out.Mean[i] = mean
		out.Std[i] = math.Sqrt(s.variance)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// run solves the targets batch by batch. Within a batch targets fan out over
// a bounded errgroup; store is called from the worker goroutines and must
// only write row i.
func (k *Kriger) run(ctx context.Context, targets []models.Target, opts Options, store func(i int, s *system)) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	exclude := models.NewIndexSet(opts.LeaveOut)

	total := len(targets)
	degenerate := make([]bool, total)
	k.reportProgress(0, 0, fmt.Sprintf("Kriging %d targets in batches of %d with %d workers", total, batchSize, workers))

	for batchStart := 0; batchStart < total; batchStart += batchSize {
		batchEnd := min(batchStart+batchSize, total)
		start := time.Now()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i := batchStart; i < batchEnd; i++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				s, err := k.solve(targets[i], opts, exclude)
				if err != nil {
					return fmt.Errorf("target %d: %w", i, err)
				}
				degenerate[i] = s == nil
				store(i, s)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		metrics.ObserveBatch(start)
		k.reportProgress(batchEnd, total, "")
	}

	nDegenerate := 0
	for _, d := range degenerate {
		if d {
			nDegenerate++
		}
	}
	metrics.RecordTargets(total-nDegenerate, nDegenerate)
	if nDegenerate > 0 {
		logging.Debug().
			Int("targets", total).
			Int("degenerate", nDegenerate).
			Int("min_neighbors", opts.MinNeighbors).
			Msg("targets without enough neighbours left uncorrected")
	}
	return nil
}

// symmetric views a square dense matrix as symmetric, taking the upper
// triangle
func symmetric(d *mat.Dense) *mat.SymDense {
	n, _ := d.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, d.At(i, j))
		}
	}
	return s
}
