// Package distance provides the pairwise space and time distance primitives
// used by the variogram estimator and the kriging predictor.
package distance

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"stkriging/internal/models"
)

// Metric selects how distances between two points in feature space are measured
type Metric int

const (
	Euclidean Metric = iota
	Cosine
)

var metricNames = [...]string{
	Euclidean: "euclidean",
	Cosine:    "cosine",
}

// String returns the configuration name of the metric
func (m Metric) String() string {
	if m < 0 || int(m) >= len(metricNames) {
		return fmt.Sprintf("Metric(%d)", int(m))
	}
	return metricNames[m]
}

// ParseMetric resolves a metric name
func ParseMetric(s string) (Metric, error) {
	for i, name := range metricNames {
		if strings.EqualFold(s, name) {
			return Metric(i), nil
		}
	}
	return 0, fmt.Errorf("unknown distance metric %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (m Metric) MarshalText() ([]byte, error) {
	if m < 0 || int(m) >= len(metricNames) {
		return nil, fmt.Errorf("invalid distance metric %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Metric) UnmarshalText(text []byte) error {
	v, err := ParseMetric(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// EuclideanDistance returns sqrt(dx² + dy²)
func EuclideanDistance(a, b models.Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// CosineDistance returns 1 - cos(a, b). A zero-length vector has no direction;
// its similarity to anything is taken as 0, giving distance 1.
func CosineDistance(a, b models.Point) float64 {
	na := math.Hypot(a.X, a.Y)
	nb := math.Hypot(b.X, b.Y)
	if na == 0 || nb == 0 {
		return 1
	}
	d := 1 - (a.X*b.X+a.Y*b.Y)/(na*nb)
	// rounding can push identical directions slightly below zero
	if d < 0 {
		return 0
	}
	return d
}

// Space returns the feature space distance between a and b under metric m
func Space(m Metric, a, b models.Point) float64 {
	if m == Cosine {
		return CosineDistance(a, b)
	}
	return EuclideanDistance(a, b)
}

// Time returns the absolute time lag
func Time(a, b float64) float64 {
	return math.Abs(a - b)
}

// SpaceMatrix returns the dense symmetric distance matrix of pts.
// Intended for neighbourhoods, not for the full reference set.
func SpaceMatrix(m Metric, pts []models.Point) *mat.SymDense {
	n := len(pts)
	if n == 0 {
		return &mat.SymDense{}
	}
	d := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d.SetSym(i, j, Space(m, pts[i], pts[j]))
		}
	}
	return d
}

// TimeMatrix returns the dense symmetric matrix of absolute time lags
func TimeMatrix(times []float64) *mat.SymDense {
	n := len(times)
	if n == 0 {
		return &mat.SymDense{}
	}
	d := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d.SetSym(i, j, Time(times[i], times[j]))
		}
	}
	return d
}

// ToTarget returns the feature space and time lags from every point to the
// target location, in the order of pts
func ToTarget(m Metric, pts []models.Point, times []float64, target models.Target) (space, time []float64) {
	space = make([]float64, len(pts))
	time = make([]float64, len(times))
	for i, p := range pts {
		space[i] = Space(m, p, target.Space)
	}
	for i, t := range times {
		time[i] = Time(t, target.Time)
	}
	return space, time
}

// Pairs enumerates the unordered pairs (order[a], order[b]) with a < b without
// materialising a distance matrix. visit returns false to stop the walk; Pairs
// reports whether the walk completed.
func Pairs(order []int, visit func(i, j int) bool) bool {
	for a := 0; a < len(order); a++ {
		i := order[a]
		for b := a + 1; b < len(order); b++ {
			if !visit(i, order[b]) {
				return false
			}
		}
	}
	return true
}
