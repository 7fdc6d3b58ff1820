package pipeline

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"stkriging/internal/models"
	"stkriging/pkg/covariate"
	"stkriging/pkg/dataset"
	"stkriging/pkg/distance"
	"stkriging/pkg/interpolation"
	"stkriging/pkg/predictor"
	"stkriging/pkg/variogram"
)

// series builds 200 chronologically ordered observations: a 5x4 station grid
// sampled at ten time steps, with a value the linear covariate model cannot
// explain in space.
func series(t *testing.T) *dataset.Dataset {
	t.Helper()
	noise := rand.New(rand.NewSource(5))
	obs := make([]models.Observation, 200)
	for i := range obs {
		station := i % 20
		x, y := float64(station%5), float64(station/5)
		tt := float64(i / 20)
		v := math.Sin(x) + math.Cos(y) + 0.1*tt + 0.01*noise.NormFloat64()
		obs[i] = models.Observation{Space: models.Point{X: x, Y: y}, Time: tt, Value: v}
	}
	d, err := dataset.New(obs, nil, nil, distance.Euclidean)
	require.NoError(t, err)
	return d
}

func krigingParams() *Params {
	p := DefaultParams()
	p.Splits = 3
	p.Kriging = true
	p.Variogram.SpaceMax = 5
	p.Variogram.TimeMax = 5
	p.Variogram.MaxPairs = 0
	p.Fit = variogram.FitOptions{MaxIterations: 2000}
	return p
}

func newValidator(t *testing.T, params *Params) (*CrossValidator, *dataset.Dataset) {
	t.Helper()
	d := series(t)
	pred, err := predictor.New(d, &covariate.LinearModel{}, covariate.Regressor, predictor.Options{Metric: distance.Euclidean, Seed: 3})
	require.NoError(t, err)
	return NewCrossValidator(d, pred, params), d
}

func TestTimeSeriesSplit(t *testing.T) {
	splits, err := TimeSeriesSplit(10, 3)
	require.NoError(t, err)
	require.Len(t, splits, 3)

	assert.Equal(t, []int{0, 1, 2, 3}, splits[0].Train)
	assert.Equal(t, []int{4, 5}, splits[0].Test)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, splits[1].Train)
	assert.Equal(t, []int{6, 7}, splits[1].Test)
	assert.Equal(t, []int{8, 9}, splits[2].Test)
	assert.Len(t, splits[2].Train, 8)

	// remainder goes to the first training window
	splits, err = TimeSeriesSplit(11, 2)
	require.NoError(t, err)
	assert.Len(t, splits[0].Train, 5)
	assert.Equal(t, []int{5, 6, 7}, splits[0].Test)
	assert.Equal(t, []int{8, 9, 10}, splits[1].Test)

	_, err = TimeSeriesSplit(10, 1)
	assert.Error(t, err)
	_, err = TimeSeriesSplit(3, 3)
	assert.Error(t, err)
}

func TestCalculateMetrics(t *testing.T) {
	m := CalculateMetrics([]float64{1, 2, 3, 4}, []float64{2, 2, 3, 5})
	assert.InDelta(t, math.Sqrt(0.5), m.RMSE, 1e-12)
	assert.InDelta(t, 0.5, m.MAE, 1e-12)
	assert.InDelta(t, 0.5, m.Bias, 1e-12)
	assert.InDelta(t, 0.6, m.R2, 1e-12)
	assert.Equal(t, 4, m.Samples)

	perfect := CalculateMetrics([]float64{1, 2, 3}, []float64{1, 2, 3})
	assert.Equal(t, 0.0, perfect.RMSE)
	assert.Equal(t, 1.0, perfect.R2)

	bad := CalculateMetrics([]float64{1}, []float64{1, 2})
	assert.True(t, math.IsNaN(bad.RMSE))
	assert.Equal(t, 0, bad.Samples)
}

func TestSummarize(t *testing.T) {
	folds := []Fold{
		{Metrics: ValidationMetrics{RMSE: 1, MAE: 2, R2: 0.5, Bias: -1, Samples: 10}},
		{Metrics: ValidationMetrics{RMSE: 3, MAE: 4, R2: 0.7, Bias: 1, Samples: 5}},
	}
	m := Summarize(folds)
	assert.Equal(t, 2.0, m.RMSE)
	assert.Equal(t, 3.0, m.MAE)
	assert.InDelta(t, 0.6, m.R2, 1e-12)
	assert.Equal(t, 0.0, m.Bias)
	assert.Equal(t, 15, m.Samples)

	assert.Equal(t, ValidationMetrics{}, Summarize(nil))
}

func TestCovariateOnlyCrossValidation(t *testing.T) {
	params := DefaultParams()
	params.Splits = 3
	cv, d := newValidator(t, params)
	require.NoError(t, cv.Process(context.Background()))

	folds := cv.Folds()
	require.Len(t, folds, 3)
	for k, f := range folds {
		assert.Equal(t, k, f.Index)
		assert.Len(t, f.Test, 50)
		assert.Equal(t, f.Test[0], len(f.Train))
		assert.Nil(t, f.Std)
		assert.Nil(t, f.Fit)
		for i, id := range f.Test {
			assert.Equal(t, d.Predictand()[id], f.Truth[i])
		}
		assert.False(t, math.IsNaN(f.Metrics.RMSE))
	}
	assert.Equal(t, Summarize(folds), cv.GetMetrics())
	assert.Equal(t, 150, cv.GetMetrics().Samples)
}

func TestKrigingCrossValidation(t *testing.T) {
	cv, _ := newValidator(t, krigingParams())
	require.NoError(t, cv.Process(context.Background()))

	base, _ := newValidator(t, func() *Params { p := krigingParams(); p.Kriging = false; return p }())
	require.NoError(t, base.Process(context.Background()))

	for k, f := range cv.Folds() {
		require.NotNil(t, f.Fit)
		require.Len(t, f.Std, len(f.Test))
		for _, s := range f.Std {
			assert.GreaterOrEqual(t, s, 0.0)
		}

		// the kriging correction moves at least one prediction
		moved := 0
		for i, v := range f.Prediction {
			assert.False(t, math.IsNaN(v))
			if math.Abs(v-base.Folds()[k].Prediction[i]) > 1e-9 {
				moved++
			}
		}
		assert.Greater(t, moved, 0, "fold %d", k)
	}
}

func TestMaxTestSamples(t *testing.T) {
	params := DefaultParams()
	params.Splits = 3
	params.MaxTestSamples = 10
	params.Seed = 42
	cv, _ := newValidator(t, params)
	require.NoError(t, cv.Process(context.Background()))

	again, _ := newValidator(t, params)
	require.NoError(t, again.Process(context.Background()))

	splits, err := TimeSeriesSplit(200, 3)
	require.NoError(t, err)
	for k, f := range cv.Folds() {
		require.Len(t, f.Test, 10)
		assert.True(t, sort.IntsAreSorted(f.Test))
		allowed := models.NewIndexSet(splits[k].Test)
		for _, id := range f.Test {
			assert.True(t, allowed.Contains(id))
		}
		assert.Equal(t, f.Test, again.Folds()[k].Test)
	}
}

func TestIntermediarySurfacesAndLoadedSurface(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "folds")
	params := krigingParams()
	params.SaveIntermediaryResults = true
	params.IntermediaryDir = dir
	cv, _ := newValidator(t, params)
	require.NoError(t, cv.Process(context.Background()))

	for _, name := range []string{"fold_00.stkv", "fold_01.stkv", "fold_02.stkv"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	// every fold can reuse one persisted surface
	loaded := krigingParams()
	loaded.SurfacePath = filepath.Join(dir, "fold_02.stkv")
	cv, _ = newValidator(t, loaded)
	require.NoError(t, cv.Process(context.Background()))
	first := cv.Folds()[0].Fit.Model.Params
	for _, f := range cv.Folds()[1:] {
		assert.Equal(t, first, f.Fit.Model.Params)
	}
}

func TestCrossValidationErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cv, _ := newValidator(t, DefaultParams())
	assert.ErrorIs(t, cv.Process(ctx), context.Canceled)

	params := DefaultParams()
	params.Splits = 500
	cv, _ = newValidator(t, params)
	assert.Error(t, cv.Process(context.Background()))

	params = krigingParams()
	params.KrigingOptions = interpolation.Options{MaxNeighbors: 0}
	cv, _ = newValidator(t, params)
	assert.Error(t, cv.Process(context.Background()))

	params = krigingParams()
	params.SurfacePath = filepath.Join(t.TempDir(), "missing.stkv")
	cv, _ = newValidator(t, params)
	assert.Error(t, cv.Process(context.Background()))
}
