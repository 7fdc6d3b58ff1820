package covariate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"stkriging/internal/logging"
)

// LogisticModel is an L2-regularized logistic regression for a binary
// predictand. Covariates are standardized before fitting.
type LogisticModel struct {
	// Lambda is the L2 penalty on the non-intercept coefficients
	Lambda float64

	// MaxIterations bounds the L-BFGS search
	MaxIterations int

	// Coef holds the intercept followed by one coefficient per standardized
	// covariate
	Coef []float64

	mean []float64
	std  []float64
}

// NewLogisticModel returns a logistic model with a light penalty
func NewLogisticModel() *LogisticModel {
	return &LogisticModel{Lambda: 1e-4, MaxIterations: 500}
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// standardize returns the design matrix with intercept and scaled covariates
func (m *LogisticModel) standardize(X *mat.Dense) *mat.Dense {
	r, c := X.Dims()
	out := mat.NewDense(r, c+1, nil)
	for i := 0; i < r; i++ {
		out.Set(i, 0, 1)
		for j := 0; j < c; j++ {
			out.Set(i, j+1, (X.At(i, j)-m.mean[j])/m.std[j])
		}
	}
	return out
}

// Fit minimizes the penalized mean log-loss with L-BFGS
func (m *LogisticModel) Fit(X *mat.Dense, y []float64) error {
	if err := checkXY(X, y); err != nil {
		return err
	}
	for i, v := range y {
		if v != 0 && v != 1 {
			return fmt.Errorf("logistic model needs a binary predictand, row %d is %g", i, v)
		}
	}

	r, c := X.Dims()
	m.mean = make([]float64, c)
	m.std = make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, X)
		m.mean[j], m.std[j] = stat.MeanStdDev(col, nil)
		if !(m.std[j] > 0) {
			m.std[j] = 1
		}
	}
	A := m.standardize(X)
	n := float64(r)

	problem := optimize.Problem{
		Func: func(beta []float64) float64 {
			var loss float64
			for i := 0; i < r; i++ {
				z := mat.Dot(A.RowView(i), mat.NewVecDense(c+1, beta))
				// log(1+e^z) - y·z, stable for large |z|
				loss += math.Max(z, 0) + math.Log1p(math.Exp(-math.Abs(z))) - y[i]*z
			}
			var penalty float64
			for _, b := range beta[1:] {
				penalty += b * b
			}
			return loss/n + 0.5*m.Lambda*penalty
		},
		Grad: func(grad, beta []float64) {
			for k := range grad {
				grad[k] = 0
			}
			bv := mat.NewVecDense(c+1, beta)
			for i := 0; i < r; i++ {
				row := A.RawRowView(i)
				d := sigmoid(mat.Dot(A.RowView(i), bv)) - y[i]
				for k, a := range row {
					grad[k] += d * a / n
				}
			}
			for k := 1; k < len(grad); k++ {
				grad[k] += m.Lambda * beta[k]
			}
		},
	}

	res, err := optimize.Minimize(problem, make([]float64, c+1),
		&optimize.Settings{MajorIterations: m.MaxIterations}, &optimize.LBFGS{})
	if res == nil {
		return fmt.Errorf("logistic fit failed: %w", err)
	}
	if err != nil {
		logging.Warn().Err(err).Str("status", res.Status.String()).Msg("logistic fit stopped early")
	}

	m.Coef = append([]float64(nil), res.X...)
	return nil
}

// PredictProba returns the probability of the positive class
func (m *LogisticModel) PredictProba(X *mat.Dense) ([]float64, error) {
	if m.Coef == nil {
		return nil, ErrNotFitted
	}
	r, c := X.Dims()
	if c != len(m.mean) {
		return nil, fmt.Errorf("model has %d covariates, got %d", len(m.mean), c)
	}
	A := m.standardize(X)
	bv := mat.NewVecDense(len(m.Coef), m.Coef)
	p := make([]float64, r)
	for i := range p {
		p[i] = sigmoid(mat.Dot(A.RowView(i), bv))
	}
	return p, nil
}

// Predict returns the most likely class, 0 or 1
func (m *LogisticModel) Predict(X *mat.Dense) ([]float64, error) {
	p, err := m.PredictProba(X)
	if err != nil {
		return nil, err
	}
	for i, v := range p {
		if v >= 0.5 {
			p[i] = 1
		} else {
			p[i] = 0
		}
	}
	return p, nil
}
