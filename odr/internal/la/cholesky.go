package la

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ModifiedCholesky factors a symmetric matrix a = L Lᵀ with L lower
// triangular, declaring positive definite or positive semidefinite according
// to strict. The strict upper triangle of L is zero on return. gonum's mat.Cholesky always requires strict
// positive-definiteness and returns no partial factor on failure, so the
// semidefinite/zero-pivot policy below (needed for the observation-weight
// factorization needed here, which admits rows with all-zero weight, is
// implemented directly rather than wrapped.
func ModifiedCholesky(a *mat.SymDense, strict bool) (l *mat.Dense, err error) {
	n := a.SymmetricDim()
	l = mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		sum := a.At(j, j)
		for k := 0; k < j; k++ {
			sum -= l.At(j, k) * l.At(j, k)
		}
		if sum < 0 {
			return nil, ErrNotPositiveDefinite
		}
		if sum == 0 {
			if strict {
				return nil, ErrNotPositiveDefinite
			}
			// Zero pivot under the semidefinite policy: the whole column is zero.
			continue
		}
		d := math.Sqrt(sum)
		l.Set(j, j, d)
		for i := j + 1; i < n; i++ {
			sum2 := a.At(i, j)
			for k := 0; k < j; k++ {
				sum2 -= l.At(i, k) * l.At(j, k)
			}
			l.Set(i, j, sum2/d)
		}
	}
	return l, nil
}
