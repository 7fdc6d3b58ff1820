// Package pipeline runs time-series cross-validation of the residual kriging
// workflow over one dataset.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"stkriging/internal/logging"
	"stkriging/pkg/dataset"
	"stkriging/pkg/interpolation"
	"stkriging/pkg/metrics"
	"stkriging/pkg/predictor"
	"stkriging/pkg/variogram"
)

// ValidationMetrics holds the prediction quality scores of a fold, or their
// average over folds.
type ValidationMetrics struct {
	// RMSE (Root Mean Square Error) of prediction against ground truth.
	// Lower values indicate better predictions.
	RMSE float64

	// MAE is the mean absolute error. It is less sensitive than RMSE to a
	// few large misses.
	MAE float64

	// R2 is the coefficient of determination of the ground truth by the
	// prediction. 1 is a perfect fit; it is NaN when the ground truth is
	// constant.
	R2 float64

	// Bias is the mean of prediction minus ground truth. Positive values
	// mean the predictor overestimates.
	Bias float64

	// Samples is the number of scored predictions
	Samples int
}

// Params holds the cross-validation configuration.
type Params struct {
	// Splits is the number of expanding-window folds. The observations are
	// taken in dataset order, which should be chronological.
	Splits int

	// Kriging adds the kriged residual correction to the covariate
	// prediction of every test observation.
	Kriging bool

	// MaxTestSamples caps the number of scored observations per fold. A
	// random subset is drawn when a fold is larger; 0 scores them all.
	MaxTestSamples int

	// Seed drives the test subsampling. The variogram pair shuffle uses the
	// predictor's own seed.
	Seed uint64

	// Variogram controls the per-fold estimation on the training
	// observations. Ignored when SurfacePath is set.
	Variogram variogram.EstimateParams

	// SurfacePath, when set, loads a persisted empirical variogram for every
	// fold instead of estimating one.
	SurfacePath string

	// Model and Fit select and fit the variogram model of each fold.
	Model variogram.ModelSpec
	Fit   variogram.FitOptions

	// KrigingOptions controls the prediction. The test fold is always left
	// out of the neighbourhoods.
	KrigingOptions interpolation.Options

	// SaveIntermediaryResults writes the empirical variogram of every fold
	// to IntermediaryDir.
	SaveIntermediaryResults bool
	IntermediaryDir         string
}

// DefaultParams returns a five fold covariate-only cross-validation
func DefaultParams() *Params {
	return &Params{
		Splits:         5,
		Variogram:      variogram.DefaultEstimateParams(),
		Model:          variogram.DefaultModelSpec(),
		Fit:            variogram.DefaultFitOptions(),
		KrigingOptions: interpolation.DefaultPredictOptions(),
	}
}

// Split is one train/test partition of observation ids
type Split struct {
	Train []int
	Test  []int
}

// Fold is the outcome of one split
type Fold struct {
	Index      int
	Train      []int
	Test       []int     // Scored observations, after subsampling
	Truth      []float64 // Predictand of the scored observations
	Prediction []float64
	Std        []float64 // Kriging standard deviation, nil without kriging
	Fit        *variogram.FitResult
	Metrics    ValidationMetrics
	Duration   time.Duration
}

// CrossValidator drives a predictor through every fold of a time-series
// split. The predictor is refitted from scratch for each fold.
type CrossValidator struct {
	params *Params
	data   *dataset.Dataset
	pred   *predictor.Predictor
	rng    *rand.Rand
	log    zerolog.Logger

	folds   []Fold
	metrics ValidationMetrics
}

// NewCrossValidator creates a cross-validator over data. pred must have been
// created over the same dataset with a covariate model.
func NewCrossValidator(data *dataset.Dataset, pred *predictor.Predictor, params *Params) *CrossValidator {
	return &CrossValidator{
		params: params,
		data:   data,
		pred:   pred,
		rng:    rand.New(rand.NewSource(params.Seed)),
		log:    logging.With("crossval"),
	}
}

// TimeSeriesSplit partitions n ordered observations into splits folds of
// equal test size. Fold k tests the k-th block after the first and trains on
// everything before it; a remainder goes to the first training window.
func TimeSeriesSplit(n, splits int) ([]Split, error) {
	if splits < 2 {
		return nil, fmt.Errorf("at least 2 splits are required, got %d", splits)
	}
	if n < splits+1 {
		return nil, fmt.Errorf("cannot split %d observations into %d folds", n, splits)
	}

	size := n / (splits + 1)
	out := make([]Split, splits)
	for k := range out {
		start := n - (splits-k)*size
		out[k] = Split{Train: sequence(0, start), Test: sequence(start, start+size)}
	}
	return out, nil
}

func sequence(from, to int) []int {
	ids := make([]int, to-from)
	for i := range ids {
		ids[i] = from + i
	}
	return ids
}

// Process runs every fold and averages their scores
func (c *CrossValidator) Process(ctx context.Context) error {
	if c.params.SaveIntermediaryResults {
		if err := os.MkdirAll(c.params.IntermediaryDir, 0755); err != nil {
			return fmt.Errorf("failed to create intermediary directory: %w", err)
		}
	}
	if c.params.Kriging {
		if err := c.params.KrigingOptions.Validate(); err != nil {
			return err
		}
	}

	c.log.Info().Int("observations", c.data.Len()).Int("splits", c.params.Splits).Msg("Step 1: splitting observations")
	splits, err := TimeSeriesSplit(c.data.Len(), c.params.Splits)
	if err != nil {
		return err
	}

	c.log.Info().Bool("kriging", c.params.Kriging).Msg("Step 2: validating folds")
	c.folds = make([]Fold, 0, len(splits))
	for k, split := range splits {
		if err := ctx.Err(); err != nil {
			return err
		}
		fold, err := c.processFold(ctx, k, split)
		if err != nil {
			return fmt.Errorf("fold %d: %w", k, err)
		}
		c.folds = append(c.folds, *fold)
	}

	c.log.Info().Msg("Step 3: averaging fold scores")
	c.metrics = Summarize(c.folds)
	c.log.Info().
		Float64("rmse", c.metrics.RMSE).
		Float64("mae", c.metrics.MAE).
		Float64("r2", c.metrics.R2).
		Float64("bias", c.metrics.Bias).
		Int("samples", c.metrics.Samples).
		Msg("cross-validation finished")
	return nil
}

func (c *CrossValidator) processFold(ctx context.Context, k int, split Split) (*Fold, error) {
	start := time.Now()
	test := c.sample(split.Test)
	fold := &Fold{Index: k, Train: split.Train, Test: test}

	if err := c.pred.FitCovariateModel(split.Train); err != nil {
		return nil, err
	}
	pred, err := c.pred.CovariatePrediction(test)
	if err != nil {
		return nil, err
	}

	if c.params.Kriging {
		if c.params.SurfacePath != "" {
			err = c.pred.LoadSurface(c.params.SurfacePath)
		} else {
			_, err = c.pred.EstimateEmpiricalVariogram(split.Train, c.params.Variogram)
		}
		if err != nil {
			return nil, err
		}
		if c.params.SaveIntermediaryResults {
			path := filepath.Join(c.params.IntermediaryDir, fmt.Sprintf("fold_%02d.stkv", k))
			if err := c.pred.SaveSurface(path); err != nil {
				c.log.Warn().Err(err).Int("fold", k).Msg("failed to save fold variogram")
			}
		}

		fold.Fit, err = c.pred.FitVariogramModel(c.params.Model, c.params.Fit)
		if err != nil {
			return nil, err
		}

		opts := c.params.KrigingOptions
		opts.LeaveOut = test
		corr, err := c.pred.KrigingPrediction(ctx, c.data.Targets(test), opts)
		if err != nil {
			return nil, err
		}
		floats.Add(pred, corr.Mean)
		fold.Std = corr.Std
	}

	y := c.data.Predictand()
	fold.Truth = make([]float64, len(test))
	for i, id := range test {
		fold.Truth[i] = y[id]
	}
	fold.Prediction = pred
	fold.Metrics = CalculateMetrics(fold.Truth, fold.Prediction)
	fold.Duration = time.Since(start)

	metrics.RecordFold(k, fold.Metrics.RMSE, fold.Metrics.MAE, fold.Metrics.R2, fold.Metrics.Bias)
	c.log.Info().
		Int("fold", k).
		Int("train", len(split.Train)).
		Int("test", len(test)).
		Float64("rmse", fold.Metrics.RMSE).
		Dur("elapsed", fold.Duration).
		Msg("fold validated")
	return fold, nil
}

// sample draws MaxTestSamples ids without replacement, returned in ascending
// order
func (c *CrossValidator) sample(test []int) []int {
	limit := c.params.MaxTestSamples
	if limit <= 0 || len(test) <= limit {
		return test
	}
	out := make([]int, limit)
	for i, j := range c.rng.Perm(len(test))[:limit] {
		out[i] = test[j]
	}
	sort.Ints(out)
	return out
}

// Folds returns the validated folds in split order
func (c *CrossValidator) Folds() []Fold {
	return c.folds
}

// GetMetrics returns the scores averaged over folds
func (c *CrossValidator) GetMetrics() ValidationMetrics {
	return c.metrics
}

// CalculateMetrics scores a prediction against the ground truth. Mismatched
// or empty inputs score NaN.
func CalculateMetrics(truth, prediction []float64) ValidationMetrics {
	n := len(truth)
	if n == 0 || n != len(prediction) {
		nan := math.NaN()
		return ValidationMetrics{RMSE: nan, MAE: nan, R2: nan, Bias: nan}
	}

	diff := make([]float64, n)
	floats.SubTo(diff, prediction, truth)
	var abs float64
	for _, d := range diff {
		abs += math.Abs(d)
	}

	return ValidationMetrics{
		RMSE:    floats.Norm(diff, 2) / math.Sqrt(float64(n)),
		MAE:     abs / float64(n),
		R2:      stat.RSquaredFrom(prediction, truth, nil),
		Bias:    stat.Mean(diff, nil),
		Samples: n,
	}
}

// Summarize averages the fold scores; Samples is the total
func Summarize(folds []Fold) ValidationMetrics {
	var m ValidationMetrics
	if len(folds) == 0 {
		return m
	}
	for _, f := range folds {
		m.RMSE += f.Metrics.RMSE
		m.MAE += f.Metrics.MAE
		m.R2 += f.Metrics.R2
		m.Bias += f.Metrics.Bias
		m.Samples += f.Metrics.Samples
	}
	k := float64(len(folds))
	m.RMSE /= k
	m.MAE /= k
	m.R2 /= k
	m.Bias /= k
	return m
}
