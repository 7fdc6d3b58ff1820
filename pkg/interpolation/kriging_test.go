package interpolation

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"stkriging/internal/models"
	"stkriging/pkg/distance"
	"stkriging/pkg/variogram"
)

// scan is a brute force NeighborSearcher returning ids in ascending order
type scan struct {
	ref Reference
}

func (s scan) Candidates(target models.Target, spaceMax, timeMax float64, exclude models.IndexSet) []int {
	var ids []int
	for i, p := range s.ref.Points {
		if exclude.Contains(i) {
			continue
		}
		if distance.Space(s.ref.Metric, p, target.Space) <= spaceMax &&
			distance.Time(s.ref.Times[i], target.Time) <= timeMax {
			ids = append(ids, i)
		}
	}
	return ids
}

func testModel(t *testing.T) *variogram.Model {
	t.Helper()
	m, err := variogram.NewModel(
		variogram.ModelSpec{Family: variogram.Metric, MetricShape: variogram.Exponential},
		[]float64{5, 1, 1, 0.01}, 1)
	require.NoError(t, err)
	return m
}

// lineReference places n observations on the x axis at time 0
func lineReference(n int) Reference {
	ref := Reference{
		Points:    make([]models.Point, n),
		Times:     make([]float64, n),
		Residuals: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		ref.Points[i] = models.Point{X: float64(i)}
		ref.Residuals[i] = math.Sin(float64(i))
	}
	return ref
}

func randomReference(n int, seed uint64) Reference {
	rng := rand.New(rand.NewSource(seed))
	ref := Reference{
		Points:    make([]models.Point, n),
		Times:     make([]float64, n),
		Residuals: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		ref.Points[i] = models.Point{X: rng.Float64() * 10, Y: rng.Float64() * 10}
		ref.Times[i] = float64(rng.Intn(5))
		ref.Residuals[i] = rng.NormFloat64()
	}
	return ref
}

func newTestKriger(t *testing.T, ref Reference) *Kriger {
	t.Helper()
	k, err := NewKriger(testModel(t), ref, scan{ref: ref}, 4, 4)
	require.NoError(t, err)
	return k
}

func TestSolveWeights(t *testing.T) {
	m := testModel(t)
	pts := []models.Point{{X: 0}, {X: 1}, {X: 0, Y: 2}, {X: 3, Y: 1}}
	times := []float64{0, 1, 0, 2}
	target := models.Target{Space: models.Point{X: 1, Y: 1}, Time: 1}

	h, lag := distance.ToTarget(distance.Euclidean, pts, times, target)
	gamma := m.EvalVec(nil, h, lag)
	pairs := symmetric(m.EvalDense(distance.SpaceMatrix(distance.Euclidean, pts), distance.TimeMatrix(times)))

	w, variance, err := SolveWeights(gamma, pairs)
	require.NoError(t, err)
	require.Len(t, w, 4)
	assert.InDelta(t, 1.0, floats.Sum(w), 1e-9)
	assert.GreaterOrEqual(t, variance, 0.0)
	assert.InDelta(t, math.Max(floats.Dot(w, gamma), 0), variance, 1e-12)
}

func TestSolveWeightsSymmetricPair(t *testing.T) {
	// two neighbours at equal distance share the weight
	pairs := mat.NewSymDense(2, []float64{0, 1, 1, 0})
	w, variance, err := SolveWeights([]float64{0.5, 0.5}, pairs)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, w[0], 1e-12)
	assert.InDelta(t, 0.5, w[1], 1e-12)
	assert.InDelta(t, 0.5, variance, 1e-12)
}

func TestSolveWeightsSingular(t *testing.T) {
	// duplicated neighbours make the system singular
	pairs := mat.NewSymDense(3, []float64{
		0, 0, 1,
		0, 0, 1,
		1, 1, 0,
	})
	w, variance, err := SolveWeights([]float64{0.4, 0.4, 0.9}, pairs)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, floats.Sum(w), 1e-9)
	assert.InDelta(t, w[0], w[1], 1e-9)
	assert.False(t, math.IsNaN(variance))
	assert.GreaterOrEqual(t, variance, 0.0)
}

func TestSolveWeightsErrors(t *testing.T) {
	_, _, err := SolveWeights(nil, &mat.SymDense{})
	assert.Error(t, err)

	_, _, err = SolveWeights([]float64{1, 2}, mat.NewSymDense(3, nil))
	assert.Error(t, err)
}

func TestKrigingWeightsSumToOne(t *testing.T) {
	ref := randomReference(80, 1)
	k := newTestKriger(t, ref)

	rng := rand.New(rand.NewSource(2))
	targets := make([]models.Target, 25)
	for i := range targets {
		targets[i] = models.Target{
			Space: models.Point{X: rng.Float64() * 10, Y: rng.Float64() * 10},
			Time:  float64(rng.Intn(5)),
		}
	}

	opts := DefaultWeightOptions()
	opts.MinNeighbors = 3
	opts.MaxNeighbors = 15
	res, err := k.Weights(context.Background(), targets, opts)
	require.NoError(t, err)

	solved := 0
	for i := range targets {
		assert.GreaterOrEqual(t, res.Variance[i], 0.0)
		if len(res.Weights[i]) == 0 {
			continue
		}
		solved++
		assert.LessOrEqual(t, len(res.Neighbors[i]), 15)
		assert.Len(t, res.Vectors[i], len(res.Neighbors[i]))
		assert.InDelta(t, 1.0, floats.Sum(res.Weights[i]), 1e-8, "target %d", i)
	}
	assert.Greater(t, solved, 0)
}

func TestBelowMinNeighbors(t *testing.T) {
	ref := lineReference(10)
	k := newTestKriger(t, ref)

	target := models.Target{Space: models.Point{X: 0.2}}
	opts := Options{MinNeighbors: 5, MaxNeighbors: 10, SpaceMax: 1.5, TimeMax: 1}

	w, err := k.Weights(context.Background(), []models.Target{target}, opts)
	require.NoError(t, err)
	assert.Empty(t, w.Weights[0])
	assert.Empty(t, w.Neighbors[0])
	assert.Zero(t, w.Variance[0])

	p, err := k.Predict(context.Background(), []models.Target{target}, opts)
	require.NoError(t, err)
	assert.Zero(t, p.Mean[0])
	assert.Zero(t, p.Std[0])
}

func TestIsolatedTarget(t *testing.T) {
	k := newTestKriger(t, randomReference(30, 4))

	far := models.Target{Space: models.Point{X: 1000, Y: 1000}, Time: 500}
	p, err := k.Predict(context.Background(), []models.Target{far}, DefaultPredictOptions())
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.Mean[0])
	assert.Equal(t, 0.0, p.Std[0])
}

func TestLeaveOutExcludesSelf(t *testing.T) {
	ref := lineReference(10)
	k := newTestKriger(t, ref)

	self := models.Target{Space: ref.Points[3], Time: ref.Times[3]}
	opts := Options{MinNeighbors: 1, MaxNeighbors: 5, SpaceMax: 3, TimeMax: 1}

	// kriging is an exact interpolator at an observation
	p, err := k.Predict(context.Background(), []models.Target{self}, opts)
	require.NoError(t, err)
	assert.InDelta(t, ref.Residuals[3], p.Mean[0], 1e-6)
	assert.InDelta(t, 0.0, p.Std[0], 1e-6)

	opts.LeaveOut = []int{3}
	w, err := k.Weights(context.Background(), []models.Target{self}, opts)
	require.NoError(t, err)
	assert.NotContains(t, w.Neighbors[0], 3)
	assert.NotEmpty(t, w.Neighbors[0])

	p, err = k.Predict(context.Background(), []models.Target{self}, opts)
	require.NoError(t, err)
	assert.Greater(t, p.Std[0], 0.0)
}

func TestMaxNeighborsKeepsLowestSemivariance(t *testing.T) {
	k := newTestKriger(t, lineReference(10))

	target := models.Target{Space: models.Point{X: 4.1}}
	opts := Options{MinNeighbors: 1, MaxNeighbors: 3, SpaceMax: 20, TimeMax: 1}
	w, err := k.Weights(context.Background(), []models.Target{target}, opts)
	require.NoError(t, err)

	assert.Equal(t, []int{4, 5, 3}, w.Neighbors[0])
	assert.True(t, floats.Min(w.Vectors[0]) == w.Vectors[0][0])
}

func TestTruncatedSystemMatchesNeighbours(t *testing.T) {
	ref := randomReference(40, 5)
	k := newTestKriger(t, ref)
	m := testModel(t)

	target := models.Target{Space: models.Point{X: 5, Y: 5}, Time: 2}
	opts := Options{MinNeighbors: 1, MaxNeighbors: 4, SpaceMax: 10, TimeMax: 4}
	w, err := k.Weights(context.Background(), []models.Target{target}, opts)
	require.NoError(t, err)
	require.Len(t, w.Neighbors[0], 4)

	// the system must be rebuilt from the kept neighbours only
	pts := make([]models.Point, 4)
	times := make([]float64, 4)
	for i, id := range w.Neighbors[0] {
		pts[i] = ref.Points[id]
		times[i] = ref.Times[id]
		h := distance.Space(ref.Metric, ref.Points[id], target.Space)
		lag := distance.Time(ref.Times[id], target.Time)
		assert.InDelta(t, m.Eval(h, lag), w.Vectors[0][i], 1e-12)
	}
	pairs := symmetric(m.EvalDense(distance.SpaceMatrix(ref.Metric, pts), distance.TimeMatrix(times)))
	want, variance, err := SolveWeights(w.Vectors[0], pairs)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, w.Weights[0], 1e-9)
	assert.InDelta(t, variance, w.Variance[0], 1e-9)
}

func TestBatchingIsTransparent(t *testing.T) {
	ref := randomReference(60, 8)
	k := newTestKriger(t, ref)

	targets := make([]models.Target, 10)
	for i := range targets {
		targets[i] = models.Target{Space: ref.Points[i], Time: ref.Times[i] + 0.5}
	}

	var calls, last int
	k.SetProgressCallback(func(completed, total int, message string) {
		if total > 0 {
			calls++
			last = completed
		}
	})

	opts := DefaultPredictOptions()
	opts.SpaceMax, opts.TimeMax = 3, 2
	opts.BatchSize, opts.Workers = 3, 2
	batched, err := k.Predict(context.Background(), targets, opts)
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 10, last)

	opts.BatchSize, opts.Workers = 0, 1
	whole, err := k.Predict(context.Background(), targets, opts)
	require.NoError(t, err)
	assert.Equal(t, whole.Mean, batched.Mean)
	assert.Equal(t, whole.Std, batched.Std)
}

func TestDefaultCeilings(t *testing.T) {
	ref := lineReference(10)
	k, err := NewKriger(testModel(t), ref, scan{ref: ref}, 4, 4)
	require.NoError(t, err)

	target := models.Target{Space: models.Point{X: 0}}
	opts := Options{MinNeighbors: 1, MaxNeighbors: 20}

	// weights use the full ceiling, predictions half of it
	w, err := k.Weights(context.Background(), []models.Target{target}, opts)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, w.Neighbors[0])

	opts.LeaveOut = []int{0, 1, 2}
	p, err := k.Predict(context.Background(), []models.Target{target}, opts)
	require.NoError(t, err)
	assert.Zero(t, p.Mean[0])
}

func TestKrigerErrors(t *testing.T) {
	ref := lineReference(5)
	_, err := NewKriger(nil, ref, scan{ref: ref}, 1, 1)
	assert.Error(t, err)
	_, err = NewKriger(testModel(t), ref, nil, 1, 1)
	assert.Error(t, err)
	bad := ref
	bad.Residuals = bad.Residuals[:2]
	_, err = NewKriger(testModel(t), bad, scan{ref: bad}, 1, 1)
	assert.Error(t, err)

	k := newTestKriger(t, ref)
	_, err = k.Predict(context.Background(), []models.Target{{}}, Options{MinNeighbors: 3, MaxNeighbors: 2})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = k.Predict(ctx, []models.Target{{}}, DefaultPredictOptions())
	assert.ErrorIs(t, err, context.Canceled)
}
