// Package predictor ties the covariate model, the empirical variogram, the
// fitted variogram model and the kriger together behind a phase-gated API.
//
// The phases advance in order:
//
//	uninitialized → variogram_estimated → model_fitted → ready
//
// and calling an operation before its phase returns an error wrapping
// ErrPrecondition.
package predictor

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"stkriging/internal/logging"
	"stkriging/internal/models"
	"stkriging/pkg/covariate"
	"stkriging/pkg/distance"
	"stkriging/pkg/interpolation"
	"stkriging/pkg/variogram"
)

// ErrPrecondition is returned when an operation is called out of phase
var ErrPrecondition = errors.New("precondition not met")

// State is the phase of a Predictor
type State int

const (
	Uninitialized State = iota
	VariogramEstimated
	ModelFitted
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case VariogramEstimated:
		return "variogram_estimated"
	case ModelFitted:
		return "model_fitted"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DataProvider exposes the read-only reference data and answers the
// neighbourhood queries of the kriger. Candidates must use the same feature
// space metric as the predictor.
type DataProvider interface {
	SpaceCoords() []models.Point
	TimeCoords() []float64
	Predictand() []float64
	Covariates() *mat.Dense
	Candidates(target models.Target, spaceMax, timeMax float64, exclude models.IndexSet) []int

	// Binary reports whether every predictand value is 0 or 1
	Binary() bool
}

// Options configures a Predictor
type Options struct {
	Metric distance.Metric // Feature space distance of variogram and kriging
	Seed   uint64          // Seed of the pair shuffle

	// Resampler, when set, rebalances the training subset before the
	// covariate model is fitted
	Resampler covariate.Resampler
}

// Predictor is the residual kriging workflow over one reference dataset. It
// is not safe for concurrent use; the kriging calls themselves run in
// parallel internally.
type Predictor struct {
	data   DataProvider
	model  covariate.Model
	kind   covariate.Kind
	binary bool
	resamp covariate.Resampler
	metric distance.Metric
	rng    *rand.Rand

	state     State
	covFitted bool
	residuals []float64
	surface   *variogram.Surface
	fit       *variogram.FitResult
	kriger    *interpolation.Kriger
}

// New creates a predictor. model may be nil when residuals are supplied
// through SetResiduals.
func New(data DataProvider, model covariate.Model, kind covariate.Kind, opts Options) (*Predictor, error) {
	if data == nil {
		return nil, fmt.Errorf("a data provider is required")
	}
	n := len(data.Predictand())
	if len(data.SpaceCoords()) != n || len(data.TimeCoords()) != n {
		return nil, fmt.Errorf("data provider length mismatch: %d points, %d times, %d values",
			len(data.SpaceCoords()), len(data.TimeCoords()), n)
	}

	return &Predictor{
		data:   data,
		model:  model,
		kind:   kind,
		binary: data.Binary(),
		resamp: opts.Resampler,
		metric: opts.Metric,
		rng:    rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// State returns the current phase
func (p *Predictor) State() State { return p.state }

// Surface returns the current empirical variogram, nil before estimation
func (p *Predictor) Surface() *variogram.Surface { return p.surface }

// FitResult returns the last variogram fit, nil before fitting
func (p *Predictor) FitResult() *variogram.FitResult { return p.fit }

func precondition(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPrecondition}, args...)...)
}

// reset drops everything derived from the residuals
func (p *Predictor) reset() {
	p.state = Uninitialized
	p.surface = nil
	p.fit = nil
	p.kriger = nil
}

func (p *Predictor) setState(s State) {
	if s != p.state {
		logging.Debug().Str("from", p.state.String()).Str("to", s.String()).Msg("predictor phase")
	}
	p.state = s
}

// rows copies the covariate rows of ids, all rows when ids is nil
func (p *Predictor) rows(ids []int) *mat.Dense {
	X := p.data.Covariates()
	if ids == nil {
		return mat.DenseCopyOf(X)
	}
	_, c := X.Dims()
	out := mat.NewDense(len(ids), c, nil)
	for i, id := range ids {
		out.SetRow(i, mat.Row(nil, id, X))
	}
	return out
}

func (p *Predictor) checkIDs(ids []int) error {
	n := len(p.data.Predictand())
	for _, id := range ids {
		if id < 0 || id >= n {
			return fmt.Errorf("observation id %d out of range [0, %d)", id, n)
		}
	}
	return nil
}

// FitCovariateModel fits the covariate model on the observations in trainIDs
// (all observations when nil) and recomputes the residuals of every
// observation. Any variogram or kriger derived from earlier residuals is
// dropped.
func (p *Predictor) FitCovariateModel(trainIDs []int) error {
	if p.model == nil {
		return precondition("no covariate model configured")
	}
	if err := p.checkIDs(trainIDs); err != nil {
		return err
	}
	if trainIDs != nil && len(trainIDs) == 0 {
		return fmt.Errorf("empty training set")
	}

	y := p.data.Predictand()
	train := y
	if trainIDs != nil {
		train = make([]float64, len(trainIDs))
		for i, id := range trainIDs {
			train[i] = y[id]
		}
	}
	X := p.rows(trainIDs)
	if p.resamp != nil {
		var err error
		X, train, err = p.resamp.Resample(X, train)
		if err != nil {
			return fmt.Errorf("resampling training set: %w", err)
		}
	}
	if err := p.model.Fit(X, train); err != nil {
		return fmt.Errorf("fitting covariate model: %w", err)
	}
	p.covFitted = true

	pred, err := p.CovariatePrediction(nil)
	if err != nil {
		return err
	}
	residuals := make([]float64, len(y))
	for i := range y {
		residuals[i] = y[i] - pred[i]
	}

	p.reset()
	p.residuals = residuals
	logging.Info().
		Int("train", len(train)).
		Str("kind", p.kind.String()).
		Bool("binary", p.binary).
		Msg("covariate model fitted")
	return nil
}

// SetResiduals supplies the residuals directly instead of fitting a
// covariate model. The slice is copied.
func (p *Predictor) SetResiduals(residuals []float64) error {
	if len(residuals) != len(p.data.Predictand()) {
		return fmt.Errorf("got %d residuals for %d observations", len(residuals), len(p.data.Predictand()))
	}
	p.reset()
	p.residuals = append([]float64(nil), residuals...)
	return nil
}

// Residuals returns predictand minus covariate prediction for ids, all
// observations when ids is nil
func (p *Predictor) Residuals(ids []int) ([]float64, error) {
	if p.residuals == nil {
		return nil, precondition("residuals are not available, fit the covariate model first")
	}
	if ids == nil {
		return append([]float64(nil), p.residuals...), nil
	}
	if err := p.checkIDs(ids); err != nil {
		return nil, err
	}
	out := make([]float64, len(ids))
	for i, id := range ids {
		out[i] = p.residuals[id]
	}
	return out, nil
}

// CovariatePrediction returns the covariate model output for ids, all
// observations when ids is nil
func (p *Predictor) CovariatePrediction(ids []int) ([]float64, error) {
	if err := p.checkIDs(ids); err != nil {
		return nil, err
	}
	return p.PredictCovariates(p.rows(ids))
}

// PredictCovariates evaluates the covariate model on a covariate matrix
func (p *Predictor) PredictCovariates(X *mat.Dense) ([]float64, error) {
	if p.model == nil || !p.covFitted {
		return nil, precondition("covariate model is not fitted")
	}
	f, err := covariate.PredictFunc(p.model, p.kind, p.binary)
	if err != nil {
		return nil, err
	}
	return f(X)
}

// EstimateEmpiricalVariogram estimates the empirical variogram of the
// residuals of the observations in ids (all when nil).
func (p *Predictor) EstimateEmpiricalVariogram(ids []int, params variogram.EstimateParams) (*variogram.Surface, error) {
	if p.residuals == nil {
		return nil, precondition("residuals are not available, fit the covariate model first")
	}
	if err := p.checkIDs(ids); err != nil {
		return nil, err
	}
	params.Metric = p.metric

	points, times, residuals := p.data.SpaceCoords(), p.data.TimeCoords(), p.residuals
	if ids != nil {
		points = make([]models.Point, len(ids))
		times = make([]float64, len(ids))
		residuals = make([]float64, len(ids))
		for i, id := range ids {
			points[i] = p.data.SpaceCoords()[id]
			times[i] = p.data.TimeCoords()[id]
			residuals[i] = p.residuals[id]
		}
	}

	s, err := variogram.Estimate(points, times, residuals, params, p.rng)
	if err != nil {
		return nil, err
	}

	p.surface = s
	p.fit = nil
	p.kriger = nil
	p.setState(VariogramEstimated)
	logging.Info().
		Int("observations", len(points)).
		Int("pairs", s.Pairs).
		Bool("truncated", s.Truncated).
		Msg("empirical variogram estimated")
	return s, nil
}

// SaveSurface persists the empirical variogram
func (p *Predictor) SaveSurface(path string) error {
	if p.surface == nil {
		return precondition("no empirical variogram to save")
	}
	return p.surface.Save(path)
}

// LoadSurface replaces the empirical variogram with a persisted one. The
// surface is taken to use the predictor's metric.
func (p *Predictor) LoadSurface(path string) error {
	s, err := variogram.LoadSurface(path)
	if err != nil {
		return err
	}
	s.Metric = p.metric
	logging.Info().
		Str("path", path).
		Float64("space_max", s.SpaceMax()).
		Float64("time_max", s.TimeMax()).
		Int("populated_bins", s.Populated()).
		Msg("empirical variogram loaded")

	p.surface = s
	p.fit = nil
	p.kriger = nil
	p.setState(VariogramEstimated)
	return nil
}

// FitVariogramModel fits a parametric model to the empirical variogram. With
// residuals available the kriger is built and the predictor becomes ready.
func (p *Predictor) FitVariogramModel(spec variogram.ModelSpec, opts variogram.FitOptions) (*variogram.FitResult, error) {
	if p.state < VariogramEstimated || p.surface == nil {
		return nil, precondition("estimate or load an empirical variogram first")
	}

	res, err := variogram.Fit(p.surface, spec, opts)
	if err != nil {
		return nil, err
	}
	p.fit = res
	p.kriger = nil
	p.setState(ModelFitted)

	if p.residuals != nil {
		spaceMax, timeMax := p.surface.LastBins()
		k, err := interpolation.NewKriger(res.Model, interpolation.Reference{
			Points:    p.data.SpaceCoords(),
			Times:     p.data.TimeCoords(),
			Residuals: p.residuals,
			Metric:    p.metric,
		}, p.data, spaceMax, timeMax)
		if err != nil {
			return nil, err
		}
		p.kriger = k
		p.setState(Ready)
	}

	logging.Info().
		Str("model", spec.String()).
		Floats64("params", res.Model.Params).
		Float64("cost", res.Cost).
		Bool("converged", res.Converged).
		Msg("variogram model fitted")
	return res, nil
}

// ModelGrid evaluates the fitted model at the empirical bin centres
func (p *Predictor) ModelGrid() (*mat.Dense, error) {
	if p.state < ModelFitted {
		return nil, precondition("fit a variogram model first")
	}
	return p.fit.Model.Grid(p.surface), nil
}

// SetProgressCallback forwards kriging progress of the ready predictor
func (p *Predictor) SetProgressCallback(callback interpolation.ProgressCallback) error {
	if p.state != Ready {
		return precondition("predictor is %s, not ready", p.state)
	}
	p.kriger.SetProgressCallback(callback)
	return nil
}

// KrigingWeights returns the kriging systems of the targets
func (p *Predictor) KrigingWeights(ctx context.Context, targets []models.Target, opts interpolation.Options) (*interpolation.Weights, error) {
	if p.state != Ready {
		return nil, precondition("predictor is %s, not ready", p.state)
	}
	return p.kriger.Weights(ctx, targets, opts)
}

// KrigingPrediction returns the kriged residual correction and its standard
// deviation at the targets
func (p *Predictor) KrigingPrediction(ctx context.Context, targets []models.Target, opts interpolation.Options) (*interpolation.Prediction, error) {
	if p.state != Ready {
		return nil, precondition("predictor is %s, not ready", p.state)
	}
	return p.kriger.Predict(ctx, targets, opts)
}

// Predict returns covariate prediction plus kriging correction for rows of X
// located at targets
func (p *Predictor) Predict(ctx context.Context, X *mat.Dense, targets []models.Target, opts interpolation.Options) ([]float64, error) {
	if r, _ := X.Dims(); r != len(targets) {
		return nil, fmt.Errorf("covariate matrix has %d rows for %d targets", r, len(targets))
	}
	base, err := p.PredictCovariates(X)
	if err != nil {
		return nil, err
	}
	corr, err := p.KrigingPrediction(ctx, targets, opts)
	if err != nil {
		return nil, err
	}
	for i := range base {
		base[i] += corr.Mean[i]
	}
	return base, nil
}
