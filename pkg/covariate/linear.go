package covariate

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrNotFitted is returned when predicting with a model that was never fitted
var ErrNotFitted = errors.New("covariate model not fitted")

// LinearModel is an ordinary least squares regression with intercept
type LinearModel struct {
	// Coef holds the intercept followed by one coefficient per covariate
	Coef []float64
}

// Fit solves the least squares problem through a QR factorization
func (m *LinearModel) Fit(X *mat.Dense, y []float64) error {
	if err := checkXY(X, y); err != nil {
		return err
	}
	A := withIntercept(X)
	r, c := A.Dims()
	if r < c {
		return fmt.Errorf("%d observations cannot determine %d coefficients", r, c)
	}

	var qr mat.QR
	qr.Factorize(A)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, mat.NewVecDense(r, append([]float64(nil), y...))); err != nil {
		return fmt.Errorf("least squares solve: %w", err)
	}

	m.Coef = make([]float64, c)
	for i := range m.Coef {
		m.Coef[i] = beta.AtVec(i)
	}
	return nil
}

// Predict evaluates the fitted regression
func (m *LinearModel) Predict(X *mat.Dense) ([]float64, error) {
	if m.Coef == nil {
		return nil, ErrNotFitted
	}
	r, c := X.Dims()
	if c+1 != len(m.Coef) {
		return nil, fmt.Errorf("model has %d covariates, got %d", len(m.Coef)-1, c)
	}
	var out mat.VecDense
	out.MulVec(withIntercept(X), mat.NewVecDense(len(m.Coef), m.Coef))
	pred := make([]float64, r)
	for i := range pred {
		pred[i] = out.AtVec(i)
	}
	return pred, nil
}
