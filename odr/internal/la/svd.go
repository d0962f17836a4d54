package la

import "gonum.org/v1/gonum/mat"

// SVDRank estimates the numerical rank of a via singular value
// decomposition, the fallback the teacher's OLS estimator reaches for when
// its normal-equations matrix is singular. Used here purely as an
// independent cross-check on the step solver's incremental Chex/Rcond rank
// determination, never as a replacement for it: an SVD-based re-factorization
// per removed column would be observationally equivalent but slower, and
// would lose the incremental update Chex performs on the existing R.
func SVDRank(a *mat.Dense, tol float64) int {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return -1
	}
	return svd.Rank(tol)
}
