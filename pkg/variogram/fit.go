package variogram

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"stkriging/internal/logging"
	"stkriging/pkg/metrics"
)

// DefaultMaxIterations bounds the simplex search
const DefaultMaxIterations = 10000

// ErrNoSurface is returned when a fit is attempted without an empirical surface
var ErrNoSurface = errors.New("no empirical variogram surface")

// FitOptions controls the optimizer
type FitOptions struct {
	// MaxIterations is the cap on Nelder-Mead iterations
	MaxIterations int `yaml:"maxIterations"`

	// SimplexSize is the initial simplex edge relative to each starting
	// parameter
	SimplexSize float64 `yaml:"simplexSize"`
}

// DefaultFitOptions returns the optimizer defaults
func DefaultFitOptions() FitOptions {
	return FitOptions{
		MaxIterations: DefaultMaxIterations,
		SimplexSize:   0.05,
	}
}

// FitResult is the outcome of a variogram model fit. A fit that hit the
// iteration cap is still returned with Converged false; callers decide
// whether to trust it.
type FitResult struct {
	Model       *Model
	Cost        float64 // Weighted mean squared error at the optimum
	Converged   bool
	Status      string
	Iterations  int
	Evaluations int
	Initial     []float64 // Heuristic starting parameters
}

// Anisotropy returns the ratio of the time slope to the space slope of the
// empirical surface. The space slope comes from the first time bin column,
// the time slope from the first space bin row. Empty bins are skipped.
// ok is false when either slope cannot be determined or the ratio is not a
// positive finite number.
func Anisotropy(s *Surface) (ratio float64, ok bool) {
	nS, nT := s.Dims()
	if nS == 0 || nT == 0 {
		return math.NaN(), false
	}

	col := make([]float64, nS)
	for i := range col {
		col[i] = s.Values.At(i, 0)
	}
	row := make([]float64, nT)
	for j := range row {
		row[j] = s.Values.At(0, j)
	}

	slopeSpace := slope(s.SpaceBins, col)
	slopeTime := slope(s.TimeBins, row)
	ratio = slopeTime / slopeSpace
	return ratio, ratio > 0 && !math.IsInf(ratio, 0) && !math.IsNaN(ratio)
}

// slope fits y = a + b·x by least squares over the finite y values
func slope(x, y []float64) float64 {
	xs := make([]float64, 0, len(x))
	ys := make([]float64, 0, len(y))
	for i := range x {
		if !math.IsNaN(y[i]) && !math.IsInf(y[i], 0) {
			xs = append(xs, x[i])
			ys = append(ys, y[i])
		}
	}
	if len(xs) < 2 {
		return math.NaN()
	}
	_, beta := stat.LinearRegression(xs, ys, nil, false)
	return beta
}

// Weights derives the per-bin optimization weights: the sample count divided
// by the squared time-equivalent lag of the bin centre. Sparse and distant
// bins are down-weighted and empty bins get no weight. The weights sum to 1.
func Weights(s *Surface, anisotropy float64) (*mat.Dense, error) {
	nS, nT := s.Dims()
	w := mat.NewDense(nS, nT, nil)
	for i, h := range s.SpaceBins {
		hs := h / anisotropy
		for j, t := range s.TimeBins {
			c := s.Counts.At(i, j)
			v := s.Values.At(i, j)
			if c <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			w.Set(i, j, c/(hs*hs+t*t))
		}
	}

	total := mat.Sum(w)
	if !(total > 0) || math.IsInf(total, 0) {
		return nil, fmt.Errorf("empirical variogram has no populated bins")
	}
	w.Scale(1/total, w)
	return w, nil
}

// WeightedMSE is the fit cost of model m against the surface under weights w.
// Bins with zero weight do not contribute.
func WeightedMSE(m *Model, s *Surface, w *mat.Dense) float64 {
	var cost, total float64
	for i, h := range s.SpaceBins {
		for j, t := range s.TimeBins {
			wij := w.At(i, j)
			if wij == 0 {
				continue
			}
			d := m.Eval(h, t) - s.Values.At(i, j)
			cost += wij * d * d
			total += wij
		}
	}
	return cost / total
}

// initialSeed derives the starting sill and ranges from the surface: the
// sill is the largest semivariance, the ranges the largest lags that
// actually hold pairs
func initialSeed(s *Surface, anisotropy float64) seed {
	sd := seed{anisotropy: anisotropy}
	for i, h := range s.SpaceBins {
		for j, t := range s.TimeBins {
			if s.Counts.At(i, j) <= 0 {
				continue
			}
			v := s.Values.At(i, j)
			if !math.IsNaN(v) && v > sd.sill {
				sd.sill = v
			}
			sd.spaceRange = math.Max(sd.spaceRange, h)
			sd.timeRange = math.Max(sd.timeRange, t)
			sd.metricRange = math.Max(sd.metricRange, metricLag(h, t, anisotropy))
		}
	}
	return sd
}

// InitialParams returns the heuristic starting parameter vector of a family
func InitialParams(f Family, s *Surface, anisotropy float64) []float64 {
	return families[f].initial(initialSeed(s, anisotropy))
}

// Fit fits the model family and shapes of spec to the empirical surface by
// minimizing the weighted mean squared error with a Nelder-Mead simplex.
//
// Parameters are not bounded. A diverging search can leave the physically
// meaningful region; the result still reports the best point found.
func Fit(s *Surface, spec ModelSpec, opts FitOptions) (*FitResult, error) {
	if s == nil {
		return nil, ErrNoSurface
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.SimplexSize <= 0 {
		opts.SimplexSize = 0.05
	}

	ani, ok := Anisotropy(s)
	if !ok {
		logging.Warn().
			Float64("ratio", ani).
			Msg("anisotropy ratio undefined, using 1")
		ani = 1
	}

	w, err := Weights(s, ani)
	if err != nil {
		return nil, err
	}

	x0 := InitialParams(spec.Family, s, ani)

	// The simplex is built in units of the starting values so that its
	// initial extent is proportional to every parameter.
	scale := make([]float64, len(x0))
	u0 := make([]float64, len(x0))
	for i, v := range x0 {
		scale[i] = math.Abs(v)
		if scale[i] == 0 {
			scale[i] = 1
		}
		u0[i] = v / scale[i]
	}

	params := make([]float64, len(x0))
	model := newModel(spec, params, ani)
	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			floats.MulTo(params, u, scale)
			c := WeightedMSE(model, s, w)
			if math.IsNaN(c) {
				return math.Inf(1)
			}
			return c
		},
	}

	settings := &optimize.Settings{
		MajorIterations: opts.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-12,
			Iterations: 1000,
		},
	}

	res, err := optimize.Minimize(problem, u0, settings, &optimize.NelderMead{SimplexSize: opts.SimplexSize})
	if res == nil {
		return nil, fmt.Errorf("variogram fit failed: %w", err)
	}

	best := make([]float64, len(x0))
	floats.MulTo(best, res.X, scale)
	fitted := newModel(spec, best, ani)

	result := &FitResult{
		Model:       fitted,
		Cost:        res.F,
		Converged:   err == nil && converged(res.Status),
		Status:      res.Status.String(),
		Iterations:  res.Stats.MajorIterations,
		Evaluations: res.Stats.FuncEvaluations,
		Initial:     x0,
	}

	metrics.RecordFit(spec.Family.String(), result.Cost, result.Iterations, result.Converged)

	event := logging.Debug()
	if !result.Converged {
		event = logging.Warn()
		if err != nil {
			event = event.Err(err)
		}
	}
	event.
		Str("model", spec.String()).
		Float64("cost", result.Cost).
		Int("iterations", result.Iterations).
		Str("status", result.Status).
		Bool("converged", result.Converged).
		Msg("variogram model fitted")

	return result, nil
}

func converged(s optimize.Status) bool {
	switch s {
	case optimize.Success,
		optimize.FunctionThreshold,
		optimize.FunctionConvergence,
		optimize.GradientThreshold,
		optimize.StepConvergence,
		optimize.MethodConverge:
		return true
	}
	return false
}

// CompareFamilies fits every family with the given shapes, in the order of
// Families, so their costs can be compared
func CompareFamilies(s *Surface, spaceShape, timeShape, metricShape Shape, opts FitOptions) ([]*FitResult, error) {
	out := make([]*FitResult, 0, len(Families))
	for _, f := range Families {
		spec := ModelSpec{Family: f, SpaceShape: spaceShape, TimeShape: timeShape, MetricShape: metricShape}
		res, err := Fit(s, spec, opts)
		if err != nil {
			return nil, fmt.Errorf("fitting %s: %w", f, err)
		}
		out = append(out, res)
	}
	return out, nil
}
