package covariate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

func TestLinearModelRecoversCoefficients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	n := 50
	X := mat.NewDense(n, 2, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		a, b := rng.Float64()*10, rng.Float64()*5
		X.SetRow(i, []float64{a, b})
		y[i] = 1.5 + 2*a - 0.5*b
	}

	m := &LinearModel{}
	require.NoError(t, m.Fit(X, y))
	require.Len(t, m.Coef, 3)
	assert.InDelta(t, 1.5, m.Coef[0], 1e-9)
	assert.InDelta(t, 2.0, m.Coef[1], 1e-9)
	assert.InDelta(t, -0.5, m.Coef[2], 1e-9)

	pred, err := m.Predict(mat.NewDense(1, 2, []float64{1, 2}))
	require.NoError(t, err)
	assert.InDelta(t, 2.5, pred[0], 1e-9)

	_, err = m.Predict(mat.NewDense(1, 3, nil))
	assert.Error(t, err)
}

func TestLinearModelErrors(t *testing.T) {
	m := &LinearModel{}
	_, err := m.Predict(mat.NewDense(1, 1, nil))
	assert.ErrorIs(t, err, ErrNotFitted)

	assert.Error(t, m.Fit(mat.NewDense(2, 1, nil), []float64{1}))
	assert.Error(t, m.Fit(mat.NewDense(1, 2, nil), []float64{1}))
}

func separable(n int) (*mat.Dense, []float64) {
	rng := rand.New(rand.NewSource(3))
	X := mat.NewDense(n, 1, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x := rng.Float64()*20 - 10
		X.Set(i, 0, x)
		// noisy threshold at 2
		if x+rng.NormFloat64() > 2 {
			y[i] = 1
		}
	}
	return X, y
}

func TestLogisticModel(t *testing.T) {
	X, y := separable(300)
	m := NewLogisticModel()
	require.NoError(t, m.Fit(X, y))

	p, err := m.PredictProba(mat.NewDense(3, 1, []float64{-8, 2, 9}))
	require.NoError(t, err)
	assert.Less(t, p[0], 0.05)
	assert.InDelta(t, 0.5, p[1], 0.2)
	assert.Greater(t, p[2], 0.95)

	cls, err := m.Predict(mat.NewDense(2, 1, []float64{-8, 9}))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, cls)

	assert.Error(t, m.Fit(X, make([]float64, 2)))
	bad := append([]float64(nil), y...)
	bad[0] = 0.5
	assert.Error(t, m.Fit(X, bad))

	_, err = NewLogisticModel().PredictProba(X)
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestPredictFunc(t *testing.T) {
	X, y := separable(100)
	m := NewLogisticModel()
	require.NoError(t, m.Fit(X, y))

	proba, err := PredictFunc(m, GenericClassifier, true)
	require.NoError(t, err)
	p, err := proba(mat.NewDense(1, 1, []float64{2.1}))
	require.NoError(t, err)
	assert.Greater(t, p[0], 0.0)
	assert.Less(t, p[0], 1.0)

	// non-binary predictands and sequential models use Predict
	for _, tc := range []struct {
		kind   Kind
		binary bool
	}{{GenericClassifier, false}, {Sequential, true}, {Regressor, true}} {
		f, err := PredictFunc(m, tc.kind, tc.binary)
		require.NoError(t, err)
		v, err := f(mat.NewDense(1, 1, []float64{9}))
		require.NoError(t, err)
		assert.Equal(t, 1.0, v[0], tc.kind.String())
	}

	_, err = PredictFunc(&LinearModel{}, GenericClassifier, true)
	assert.Error(t, err)
}

func TestKindAndNew(t *testing.T) {
	for _, k := range []Kind{Regressor, GenericClassifier, Sequential} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("forest")
	assert.Error(t, err)

	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("Sequential")))
	assert.Equal(t, Sequential, k)

	m, kind, err := New("logistic")
	require.NoError(t, err)
	assert.IsType(t, &LogisticModel{}, m)
	assert.Equal(t, GenericClassifier, kind)

	m, kind, err = New("linear")
	require.NoError(t, err)
	assert.IsType(t, &LinearModel{}, m)
	assert.Equal(t, Regressor, kind)

	_, _, err = New("svm")
	assert.Error(t, err)
}

func TestRandomOversampler(t *testing.T) {
	X := mat.NewDense(6, 2, []float64{
		0, 0,
		1, 1,
		2, 2,
		3, 3,
		4, 4,
		5, 5,
	})
	y := []float64{0, 0, 0, 0, 1, 1}

	outX, outY, err := NewRandomOversampler(3).Resample(X, y)
	require.NoError(t, err)
	require.Len(t, outY, 8)
	r, c := outX.Dims()
	assert.Equal(t, 8, r)
	assert.Equal(t, 2, c)

	// originals first, then the drawn minority rows
	assert.Equal(t, y, outY[:6])
	assert.Equal(t, []float64{1, 1}, outY[6:])
	for i := 6; i < 8; i++ {
		v := outX.At(i, 0)
		assert.Contains(t, []float64{4, 5}, v)
		assert.Equal(t, v, outX.At(i, 1))
	}

	counts := map[float64]int{}
	for _, v := range outY {
		counts[v]++
	}
	assert.Equal(t, map[float64]int{0: 4, 1: 4}, counts)

	againX, _, err := NewRandomOversampler(3).Resample(X, y)
	require.NoError(t, err)
	assert.True(t, mat.Equal(outX, againX))

	_, _, err = NewRandomOversampler(3).Resample(X, y[:2])
	assert.Error(t, err)
}

func TestNewResampler(t *testing.T) {
	for _, name := range []string{"", "none", "NONE"} {
		r, err := NewResampler(name, 1)
		require.NoError(t, err)
		assert.Nil(t, r, name)
	}

	r, err := NewResampler("oversample", 1)
	require.NoError(t, err)
	assert.IsType(t, &RandomOversampler{}, r)

	_, err = NewResampler("smote", 1)
	assert.Error(t, err)
}
