package interpolation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SolveWeights solves the ordinary kriging system for one neighbourhood.
//
// gamma is the kriging vector (semivariance between the target and each
// neighbour) and pairs the neighbour-pair semivariance matrix. The system
//
//	| Γ  1 | |w|   |γ|
//	| 1ᵀ 0 | |μ| = |1|
//
// is solved in the least-squares sense through an SVD with a relative
// singular value cut-off of eps·(n+1), so duplicated or collinear neighbours
// yield the minimum-norm solution instead of a failure. The Lagrange
// multiplier μ is dropped.
//
// The returned variance is Σ wᵢγᵢ, clamped at zero.
func SolveWeights(gamma []float64, pairs mat.Symmetric) (weights []float64, variance float64, err error) {
	n := len(gamma)
	if n == 0 {
		return nil, 0, fmt.Errorf("empty neighbourhood")
	}
	if pairs.SymmetricDim() != n {
		return nil, 0, fmt.Errorf("kriging vector has %d entries, pair matrix is %dx%d", n, pairs.SymmetricDim(), pairs.SymmetricDim())
	}

	a := mat.NewDense(n+1, n+1, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a.Set(i, j, pairs.At(i, j))
		}
		a.Set(i, n, 1)
		a.Set(n, i, 1)
	}

	b := mat.NewVecDense(n+1, nil)
	for i, g := range gamma {
		b.SetVec(i, g)
	}
	b.SetVec(n, 1)

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, 0, fmt.Errorf("kriging system factorization failed")
	}

	rank := svd.Rank(eps * float64(n+1))
	if rank == 0 {
		return nil, 0, fmt.Errorf("kriging system has rank 0")
	}

	var x mat.VecDense
	svd.SolveVecTo(&x, b, rank)

	weights = make([]float64, n)
	for i := range weights {
		weights[i] = x.AtVec(i)
		variance += weights[i] * gamma[i]
	}
	return weights, math.Max(variance, 0), nil
}

// eps is the float64 machine epsilon
const eps = 2.220446049250313e-16
