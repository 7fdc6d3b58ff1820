package covariate

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Resampler rebalances a training set before the covariate model is fitted.
// Only the training subset is resampled; residuals are always computed on the
// original observations.
type Resampler interface {
	Resample(X *mat.Dense, y []float64) (*mat.Dense, []float64, error)
}

// RandomOversampler duplicates randomly drawn rows of every minority class
// until each class is as frequent as the majority class
type RandomOversampler struct {
	rng *rand.Rand
}

// NewRandomOversampler creates an oversampler drawing from a seeded source
func NewRandomOversampler(seed uint64) *RandomOversampler {
	return &RandomOversampler{rng: rand.New(rand.NewSource(seed))}
}

// Resample returns the original rows followed by the duplicated ones. Classes
// are the distinct values of y.
func (o *RandomOversampler) Resample(X *mat.Dense, y []float64) (*mat.Dense, []float64, error) {
	if err := checkXY(X, y); err != nil {
		return nil, nil, err
	}

	members := make(map[float64][]int)
	for i, v := range y {
		members[v] = append(members[v], i)
	}
	classes := make([]float64, 0, len(members))
	majority := 0
	for v, ids := range members {
		classes = append(classes, v)
		majority = max(majority, len(ids))
	}
	sort.Float64s(classes)

	rows := make([]int, 0, majority*len(classes))
	for i := range y {
		rows = append(rows, i)
	}
	for _, v := range classes {
		ids := members[v]
		for k := len(ids); k < majority; k++ {
			rows = append(rows, ids[o.rng.Intn(len(ids))])
		}
	}

	_, c := X.Dims()
	outX := mat.NewDense(len(rows), c, nil)
	outY := make([]float64, len(rows))
	for i, r := range rows {
		outX.SetRow(i, X.RawRowView(r))
		outY[i] = y[r]
	}
	return outX, outY, nil
}

// NewResampler creates a resampler by name. An empty name or "none" returns
// nil, meaning the training set is used as is.
func NewResampler(name string, seed uint64) (Resampler, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return nil, nil
	case "oversample":
		return NewRandomOversampler(seed), nil
	}
	return nil, fmt.Errorf("unknown resampling %q", name)
}
