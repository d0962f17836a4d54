package la

// TriSolveLower solves L x = b for lower-triangular L (n x n, row-major
// dense access via at). Equations with a zero diagonal set their unknown to
// zero, matching the semidefinite weight factors that ModifiedCholesky can
// return.
func TriSolveLower(at func(i, j int) float64, n int, b []float64) []float64 {
	x := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := b[i]
		for j := 0; j < i; j++ {
			sum -= at(i, j) * x[j]
		}
		d := at(i, i)
		if d == 0 {
			x[i] = 0
			continue
		}
		x[i] = sum / d
	}
	return x
}

// TriSolveUpperT solves Lᵀ x = b for the same lower-triangular L, i.e. an
// upper-triangular back-substitution, with the same zero-pivot policy.
func TriSolveUpperT(at func(i, j int) float64, n int, b []float64) []float64 {
	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := b[i]
		for j := i + 1; j < n; j++ {
			sum -= at(j, i) * x[j]
		}
		d := at(i, i)
		if d == 0 {
			x[i] = 0
			continue
		}
		x[i] = sum / d
	}
	return x
}
