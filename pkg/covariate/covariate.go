// Package covariate defines the covariate model the kriging correction is
// applied on top of, with linear and logistic reference implementations.
package covariate

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Model is a supervised model of the predictand from the covariates
type Model interface {
	Fit(X *mat.Dense, y []float64) error
	Predict(X *mat.Dense) ([]float64, error)
}

// ProbabilityModel is a classifier that can report the probability of the
// positive class
type ProbabilityModel interface {
	Model
	PredictProba(X *mat.Dense) ([]float64, error)
}

// Kind describes how a model's outputs are to be read
type Kind int

const (
	// Regressor outputs are used as is
	Regressor Kind = iota

	// GenericClassifier models report class probabilities for a binary
	// predictand through PredictProba
	GenericClassifier

	// Sequential models (neural networks) already output a probability from
	// Predict
	Sequential
)

var kindNames = [...]string{
	Regressor:         "regressor",
	GenericClassifier: "classifier",
	Sequential:        "sequential",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind resolves a kind name
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if strings.EqualFold(name, n) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown covariate model kind %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// PredictFunc returns the function producing covariate predictions of m. A
// binary predictand with a GenericClassifier is predicted as the probability
// of the positive class; everything else goes through Predict.
func PredictFunc(m Model, kind Kind, binary bool) (func(X *mat.Dense) ([]float64, error), error) {
	if binary && kind == GenericClassifier {
		pm, ok := m.(ProbabilityModel)
		if !ok {
			return nil, fmt.Errorf("classifier %T cannot predict probabilities", m)
		}
		return pm.PredictProba, nil
	}
	return m.Predict, nil
}

// New creates a reference model by name together with its kind
func New(name string) (Model, Kind, error) {
	switch strings.ToLower(name) {
	case "linear":
		return &LinearModel{}, Regressor, nil
	case "logistic":
		return NewLogisticModel(), GenericClassifier, nil
	}
	return nil, 0, fmt.Errorf("unknown covariate model %q", name)
}

// checkXY validates a design matrix against its targets
func checkXY(X *mat.Dense, y []float64) error {
	if X == nil || X.IsEmpty() {
		return fmt.Errorf("empty covariate matrix")
	}
	if r, _ := X.Dims(); r != len(y) {
		return fmt.Errorf("covariate matrix has %d rows for %d targets", r, len(y))
	}
	return nil
}

// withIntercept prepends a column of ones
func withIntercept(X *mat.Dense) *mat.Dense {
	r, c := X.Dims()
	out := mat.NewDense(r, c+1, nil)
	for i := 0; i < r; i++ {
		out.Set(i, 0, 1)
		for j := 0; j < c; j++ {
			out.Set(i, j+1, X.At(i, j))
		}
	}
	return out
}
