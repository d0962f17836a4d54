package la

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// PivotedQR holds a Householder QR factorization AΠ = QR with column
// pivoting, keeping the reflectors implicitly (LINPACK dqrdc2 style) rather
// than forming Q explicitly. gonum's mat.QR does not support column
// pivoting, so the pivoting and the incremental column-exchange machinery
// below (Chex) are built directly on mat.Dense/Householder primitives; see
// DESIGN.md for why an off-the-shelf QR cannot serve this role.
type PivotedQR struct {
	n, p int
	r    *mat.Dense   // n x p, upper triangle holds R; reflector tails stored below the diagonal
	beta []float64    // reflector scalars, one per column actually reduced
	piv  []int        // piv[j] = original column index now at factor position j
	rank int          // number of factor steps taken, always min(n,p)
	pivoted bool
}

// NewPivotedQR factors a (copy of) a with column pivoting: at each step the
// remaining column of largest norm is moved to the front and eliminated.
func NewPivotedQR(a *mat.Dense) *PivotedQR {
	return factor(a, true)
}

// NewQR factors a (copy of) a with a straight (non-pivoted) Householder QR,
// used for the alpha > 0 branch of the step solver where the Levenberg
// regularizer rows are eliminated afterwards with Givens rotations.
func NewQR(a *mat.Dense) *PivotedQR {
	return factor(a, false)
}

func factor(a *mat.Dense, pivot bool) *PivotedQR {
	n, p := a.Dims()
	r := mat.DenseCopyOf(a)
	q := &PivotedQR{n: n, p: p, r: r, beta: make([]float64, 0, p), piv: make([]int, p)}
	for j := range q.piv {
		q.piv[j] = j
	}

	colNorm := func(col, from int) float64 {
		s := 0.0
		for i := from; i < n; i++ {
			v := r.At(i, col)
			s += v * v
		}
		return math.Sqrt(s)
	}

	k := 0
	for ; k < n && k < p; k++ {
		if pivot {
			best, bestNorm := k, colNorm(k, k)
			for j := k + 1; j < p; j++ {
				nrm := colNorm(j, k)
				if nrm > bestNorm {
					best, bestNorm = j, nrm
				}
			}
			if best != k {
				swapCols(r, k, best)
				q.piv[k], q.piv[best] = q.piv[best], q.piv[k]
			}
		}

		// Householder reflector zeroing r[k+1:n, k].
		alpha := colNorm(k, k)
		if alpha == 0 {
			q.beta = append(q.beta, 0)
			continue
		}
		xk := r.At(k, k)
		sign := 1.0
		if xk < 0 {
			sign = -1.0
		}
		vk := xk + sign*alpha
		v := make([]float64, n-k)
		v[0] = vk
		normV := vk * vk
		for i := k + 1; i < n; i++ {
			v[i-k] = r.At(i, k)
			normV += v[i-k] * v[i-k]
		}
		if normV == 0 {
			q.beta = append(q.beta, 0)
			continue
		}
		beta := 2.0 / normV

		for j := k; j < p; j++ {
			dot := 0.0
			for i := k; i < n; i++ {
				dot += v[i-k] * r.At(i, j)
			}
			factor := beta * dot
			for i := k; i < n; i++ {
				r.Set(i, j, r.At(i, j)-factor*v[i-k])
			}
		}
		// The stored reflector is v/vk (leading entry 1), so its scalar is
		// rescaled by vk² to describe the same reflection.
		q.beta = append(q.beta, beta*vk*vk)
		// store reflector tail below the diagonal for later ApplyQT calls
		for i := k + 1; i < n; i++ {
			r.Set(i, k, v[i-k]/vk)
		}
	}
	q.rank = k
	q.pivoted = pivot
	return q
}

func swapCols(m *mat.Dense, a, b int) {
	n, _ := m.Dims()
	for i := 0; i < n; i++ {
		va, vb := m.At(i, a), m.At(i, b)
		m.Set(i, a, vb)
		m.Set(i, b, va)
	}
}

// Rank returns the number of factor steps taken, which is always min(n, p):
// a column whose remaining part is zero still counts. Numerical rank
// deficiency is detected separately through Rcond.
func (q *PivotedQR) Rank() int { return q.rank }

// Pivots returns piv such that piv[j] is the original column index currently
// occupying factor position j.
func (q *PivotedQR) Pivots() []int {
	out := make([]int, len(q.piv))
	copy(out, q.piv)
	return out
}

// RTo copies the leading k x k upper-triangular R block into dst.
func (q *PivotedQR) RTo(dst *mat.Dense, k int) error {
	if k > q.rank {
		return ErrRankTooSmall
	}
	*dst = *mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			dst.Set(i, j, q.r.At(i, j))
		}
	}
	return nil
}

// ApplyQT applies Qᵀ to b in place (b has length n), using the stored
// reflectors in factorization order.
func (q *PivotedQR) ApplyQT(b []float64) {
	n := q.n
	for k := 0; k < len(q.beta); k++ {
		beta := q.beta[k]
		if beta == 0 {
			continue
		}
		v := make([]float64, n-k)
		v[0] = 1
		for i := k + 1; i < n; i++ {
			v[i-k] = q.r.At(i, k)
		}
		dot := 0.0
		for i := k; i < n; i++ {
			dot += v[i-k] * b[i]
		}
		factor := beta * dot
		for i := k; i < n; i++ {
			b[i] -= factor * v[i-k]
		}
	}
}

// SolveR solves the leading k x k upper-triangular system R_k x = b (b has
// length k) in pivoted-column order. Equations with a (numerically) zero
// diagonal set their unknown to zero rather than failing, per the
// zero-pivot policy shared with TriSolve.
func (q *PivotedQR) SolveR(k int, b []float64) ([]float64, error) {
	if k > q.rank {
		return nil, ErrRankTooSmall
	}
	x := make([]float64, k)
	for i := k - 1; i >= 0; i-- {
		sum := b[i]
		for j := i + 1; j < k; j++ {
			sum -= q.r.At(i, j) * x[j]
		}
		d := q.r.At(i, i)
		if d == 0 {
			x[i] = 0
			continue
		}
		x[i] = sum / d
	}
	return x, nil
}

// Rcond estimates the reciprocal condition number of the leading k x k R
// block using a LINPACK-style (dtrco) 1-norm estimator: solve Rᵀy = e and
// Rz = y for a unit-magnitude e chosen to amplify growth, then take
// rcond ≈ (1/‖z‖₁) / ‖R‖₁.
func (q *PivotedQR) Rcond(k int) float64 {
	if k <= 0 || k > q.rank {
		return 0
	}
	// ||R||_1 = max column absolute sum.
	normR1 := 0.0
	for j := 0; j < k; j++ {
		s := 0.0
		for i := 0; i <= j; i++ {
			s += math.Abs(q.r.At(i, j))
		}
		if s > normR1 {
			normR1 = s
		}
	}
	if normR1 == 0 {
		return 0
	}

	// Solve Rᵀ y = e, picking the sign of each e_i to maximize |y_i| as we go.
	y := make([]float64, k)
	for i := 0; i < k; i++ {
		sum := 0.0
		for j := 0; j < i; j++ {
			sum += q.r.At(j, i) * y[j]
		}
		d := q.r.At(i, i)
		ePlus := 1.0 - sum
		eMinus := -1.0 - sum
		if d == 0 {
			// A zero diagonal entry makes the block exactly singular.
			return 0
		}
		if math.Abs(ePlus) >= math.Abs(eMinus) {
			y[i] = ePlus / d
		} else {
			y[i] = eMinus / d
		}
	}

	// Solve R z = y.
	z := make([]float64, k)
	for i := k - 1; i >= 0; i-- {
		sum := y[i]
		for j := i + 1; j < k; j++ {
			sum -= q.r.At(i, j) * z[j]
		}
		d := q.r.At(i, i)
		if d == 0 {
			z[i] = 0
			continue
		}
		z[i] = sum / d
	}
	normZ1 := 0.0
	for _, v := range z {
		normZ1 += math.Abs(v)
	}
	if normZ1 == 0 {
		return 0
	}
	return 1.0 / (normZ1 * normR1)
}

// Chex removes the column currently at factor position j from the leading
// active block (size k) by shifting it to position k-1 and re-triangularizing
// with a sequence of Givens rotations, LINPACK dchex ("down-shift") style.
// This incrementally updates the existing R instead of re-factoring from
// scratch, which is what the step solver's rank-deficiency loop requires.
func (q *PivotedQR) Chex(j, k int) error {
	if j < 0 || k > q.rank || j >= k {
		return ErrRankTooSmall
	}
	// Shift column j to the end of the active block via adjacent transpositions,
	// restoring upper-triangular form with a Givens rotation after each swap.
	for col := j; col < k-1; col++ {
		swapCols(q.r, col, col+1)
		q.piv[col], q.piv[col+1] = q.piv[col+1], q.piv[col]
		// R now has a subdiagonal bump at (col+1, col); zero it with a Givens
		// rotation acting on rows col and col+1 across all remaining columns.
		a, b := q.r.At(col, col), q.r.At(col+1, col)
		c, s := Givens(a, b)
		for cc := col; cc < q.p; cc++ {
			ri, rj := q.r.At(col, cc), q.r.At(col+1, cc)
			q.r.Set(col, cc, c*ri+s*rj)
			q.r.Set(col+1, cc, -s*ri+c*rj)
		}
	}
	return nil
}
