package la

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// helper: compare floats with tolerance (teacher-style almostEqual helper).
func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestPivotedQR_Reconstructs(t *testing.T) {
	a := mat.NewDense(4, 2, []float64{
		1, 1,
		1, 2,
		1, 3,
		1, 4,
	})
	qr := NewPivotedQR(a)
	if qr.Rank() != 2 {
		t.Fatalf("expected rank 2, got %d", qr.Rank())
	}

	// Solve the normal-equation style least squares fit y = b0 + b1*x via Qᵀy.
	y := []float64{3, 5, 7, 9}
	qr.ApplyQT(y)
	x, err := qr.SolveR(2, y[:2])
	if err != nil {
		t.Fatalf("SolveR: %v", err)
	}
	// Pivots may have reordered columns; unpermute.
	piv := qr.Pivots()
	beta := make([]float64, 2)
	for j, orig := range piv {
		beta[orig] = x[j]
	}
	if !almostEqual(beta[0], 1, 1e-8) || !almostEqual(beta[1], 2, 1e-8) {
		t.Fatalf("expected beta=(1,2), got %v", beta)
	}
}

func TestRcondDropsWithRankDeficiency(t *testing.T) {
	// Duplicate column: rank deficient by construction.
	a := mat.NewDense(4, 3, []float64{
		1, 1, 1,
		1, 2, 2,
		1, 3, 3,
		1, 4, 4,
	})
	qr := NewPivotedQR(a)
	rc := qr.Rcond(qr.Rank())
	if rc > 1e-6 {
		t.Fatalf("expected near-zero reciprocal condition number for rank-deficient block, got %g", rc)
	}
}

func TestModifiedCholeskyPositiveDefinite(t *testing.T) {
	a := mat.NewSymDense(2, []float64{4, 2, 2, 3})
	l, err := ModifiedCholesky(a, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var recon mat.Dense
	recon.Mul(l, l.T())
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if !almostEqual(recon.At(i, j), a.At(i, j), 1e-9) {
				t.Fatalf("reconstruction mismatch at (%d,%d): got %g want %g", i, j, recon.At(i, j), a.At(i, j))
			}
		}
	}
}

func TestModifiedCholeskyRejectsIndefinite(t *testing.T) {
	a := mat.NewSymDense(2, []float64{1, 2, 2, 1})
	if _, err := ModifiedCholesky(a, true); err != ErrNotPositiveDefinite {
		t.Fatalf("expected ErrNotPositiveDefinite, got %v", err)
	}
}

func TestModifiedCholeskySemidefiniteZeroPivot(t *testing.T) {
	a := mat.NewSymDense(2, []float64{0, 0, 0, 4})
	l, err := ModifiedCholesky(a, false)
	if err != nil {
		t.Fatalf("unexpected error under non-strict policy: %v", err)
	}
	if l.At(0, 0) != 0 {
		t.Fatalf("expected zero pivot column to stay zero, got %g", l.At(0, 0))
	}
}

func TestGivensZeroesSecondComponent(t *testing.T) {
	c, s := Givens(3, 4)
	r := c*3 + s*4
	z := -s*3 + c*4
	if !almostEqual(z, 0, 1e-9) {
		t.Fatalf("expected second component zeroed, got %g", z)
	}
	if !almostEqual(r, 5, 1e-9) {
		t.Fatalf("expected r = ||(3,4)|| = 5, got %g", r)
	}
}

func TestTriSolveLowerZeroPivot(t *testing.T) {
	// L = [[0,0],[1,2]], zero pivot at (0,0) -> x0 set to 0, not failing.
	at := func(i, j int) float64 {
		m := [][]float64{{0, 0}, {1, 2}}
		return m[i][j]
	}
	x := TriSolveLower(at, 2, []float64{5, 7})
	if x[0] != 0 {
		t.Fatalf("expected x0=0 under zero-pivot policy, got %g", x[0])
	}
	if !almostEqual(x[1], 3.5, 1e-9) {
		t.Fatalf("expected x1=3.5, got %g", x[1])
	}
}
