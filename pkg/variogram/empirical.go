// Package variogram estimates empirical space-time variograms from residual
// pairs and fits parametric space-time variogram models to them.
package variogram

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"stkriging/internal/logging"
	"stkriging/internal/models"
	"stkriging/pkg/distance"
	"stkriging/pkg/metrics"
)

// EstimateParams controls the empirical variogram estimation
type EstimateParams struct {
	SpaceMax  float64         `yaml:"spaceDistMax"` // Largest space lag considered
	TimeMax   float64         `yaml:"timeDistMax"`  // Largest time lag considered
	SpaceBins int             `yaml:"spaceBins"`    // Number of equal-width space lag bins
	TimeBins  int             `yaml:"timeBins"`     // Number of equal-width time lag bins
	MaxPairs  int             `yaml:"maxPairs"`     // Pair budget, 0 for unlimited
	Metric    distance.Metric `yaml:"-"`            // Feature space distance, set by the caller
}

// DefaultEstimateParams returns the estimation defaults
func DefaultEstimateParams() EstimateParams {
	return EstimateParams{
		SpaceMax:  3,
		TimeMax:   10,
		SpaceBins: 10,
		TimeBins:  10,
		MaxPairs:  1_000_000,
		Metric:    distance.Euclidean,
	}
}

// Validate checks the parameters for shape violations
func (p EstimateParams) Validate() error {
	if p.SpaceBins <= 0 || p.TimeBins <= 0 {
		return fmt.Errorf("bin counts must be positive, got %d x %d", p.SpaceBins, p.TimeBins)
	}
	if !(p.SpaceMax > 0) || !(p.TimeMax > 0) {
		return fmt.Errorf("distance ceilings must be positive, got space %g time %g", p.SpaceMax, p.TimeMax)
	}
	if p.MaxPairs < 0 {
		return fmt.Errorf("pair budget must not be negative, got %d", p.MaxPairs)
	}
	return nil
}

// Surface is an empirical space-time variogram: semivariance and sample
// counts on a grid of space lag bins (rows) by time lag bins (columns).
type Surface struct {
	Values    *mat.Dense // Semivariance per bin, NaN for empty bins
	Counts    *mat.Dense // Number of pairs per bin
	SpaceBins []float64  // Space lag bin centres
	TimeBins  []float64  // Time lag bin centres

	// Estimation metadata. Not part of the persisted bundle.
	Metric    distance.Metric
	Pairs     int
	Truncated bool
}

// NewSurface allocates an empty surface with equal-width bins spanning
// [0, spaceMax) and [0, timeMax)
func NewSurface(spaceMax, timeMax float64, nSpace, nTime int) *Surface {
	s := &Surface{
		Values:    mat.NewDense(nSpace, nTime, nil),
		Counts:    mat.NewDense(nSpace, nTime, nil),
		SpaceBins: binCentres(spaceMax, nSpace),
		TimeBins:  binCentres(timeMax, nTime),
	}
	for i := 0; i < nSpace; i++ {
		for j := 0; j < nTime; j++ {
			s.Values.Set(i, j, math.NaN())
		}
	}
	return s
}

func binCentres(upper float64, n int) []float64 {
	width := upper / float64(n)
	c := make([]float64, n)
	for i := range c {
		c[i] = (float64(i) + 0.5) * width
	}
	return c
}

// Dims returns the number of space and time bins
func (s *Surface) Dims() (nSpace, nTime int) {
	return len(s.SpaceBins), len(s.TimeBins)
}

// SpaceMax returns the upper edge of the last space bin
func (s *Surface) SpaceMax() float64 {
	n := len(s.SpaceBins)
	if n == 0 {
		return 0
	}
	return s.SpaceBins[n-1] * float64(2*n) / float64(2*n-1)
}

// TimeMax returns the upper edge of the last time bin
func (s *Surface) TimeMax() float64 {
	n := len(s.TimeBins)
	if n == 0 {
		return 0
	}
	return s.TimeBins[n-1] * float64(2*n) / float64(2*n-1)
}

// LastBins returns the centres of the last space and time bins, the default
// distance ceilings of a kriging weights query
func (s *Surface) LastBins() (space, time float64) {
	nS, nT := s.Dims()
	if nS > 0 {
		space = s.SpaceBins[nS-1]
	}
	if nT > 0 {
		time = s.TimeBins[nT-1]
	}
	return space, time
}

// Populated returns the number of bins holding at least one pair
func (s *Surface) Populated() int {
	nS, nT := s.Dims()
	n := 0
	for i := 0; i < nS; i++ {
		for j := 0; j < nT; j++ {
			if s.Counts.At(i, j) > 0 {
				n++
			}
		}
	}
	return n
}

// Estimate computes the empirical variogram of the residuals.
//
// Pairs are enumerated over a random permutation of the points drawn from rng,
// so that an exhausted pair budget leaves an unbiased sample rather than the
// pairs of the first few points. When an in-range pair is refused by the
// budget the estimation stops and the returned surface is flagged as truncated.
func Estimate(points []models.Point, times, residuals []float64, p EstimateParams, rng *rand.Rand) (*Surface, error) {
	if len(points) != len(times) || len(points) != len(residuals) {
		return nil, fmt.Errorf("input length mismatch: %d points, %d times, %d residuals",
			len(points), len(times), len(residuals))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	for i, pt := range points {
		if !isFinite(pt.X) || !isFinite(pt.Y) || !isFinite(times[i]) || !isFinite(residuals[i]) {
			return nil, fmt.Errorf("non-finite input at point %d: (%g, %g) time %g residual %g",
				i, pt.X, pt.Y, times[i], residuals[i])
		}
	}
	if rng == nil {
		return nil, fmt.Errorf("a random source is required for pair shuffling")
	}

	nS, nT := p.SpaceBins, p.TimeBins
	widthS := p.SpaceMax / float64(nS)
	widthT := p.TimeMax / float64(nT)

	sums := make([]float64, nS*nT)
	counts := make([]float64, nS*nT)

	accepted := 0
	complete := distance.Pairs(rng.Perm(len(points)), func(i, j int) bool {
		h := distance.Space(p.Metric, points[i], points[j])
		if h > p.SpaceMax {
			return true
		}
		t := distance.Time(times[i], times[j])
		if t > p.TimeMax {
			return true
		}

		if p.MaxPairs > 0 && accepted == p.MaxPairs {
			return false
		}

		// lags equal to the ceiling fall outside the last bin
		bi := int(h / widthS)
		bj := int(t / widthT)
		if bi < nS && bj < nT {
			d := residuals[i] - residuals[j]
			sums[bi*nT+bj] += d * d
			counts[bi*nT+bj]++
		}

		accepted++
		return true
	})

	s := NewSurface(p.SpaceMax, p.TimeMax, nS, nT)
	s.Metric = p.Metric
	s.Pairs = accepted
	s.Truncated = !complete

	for i := 0; i < nS; i++ {
		for j := 0; j < nT; j++ {
			c := counts[i*nT+j]
			s.Counts.Set(i, j, c)
			if c > 0 {
				// squared differences were not halved while accumulating
				s.Values.Set(i, j, sums[i*nT+j]/c/2)
			}
		}
	}

	metrics.VariogramPairs.Add(float64(accepted))
	if s.Truncated {
		metrics.VariogramTruncations.Inc()
		logging.Warn().
			Int("max_pairs", p.MaxPairs).
			Int("points", len(points)).
			Msg("pair budget exhausted, empirical variogram built from a partial sample")
	}
	logging.Debug().
		Int("pairs", accepted).
		Int("populated_bins", s.Populated()).
		Str("metric", p.Metric.String()).
		Msg("empirical variogram estimated")

	return s, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
