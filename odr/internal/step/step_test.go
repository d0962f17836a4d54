package step

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

// TestSolveOLSExactLinearFit checks that an exact linear fit y = 1 + 2x
// with zero residual returns a Gauss-Newton step landing exactly on the
// normal-equations solution in one shot.
func TestSolveOLSExactLinearFit(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{3, 5, 7, 9, 11}
	n := len(x)

	beta := []float64{0, 0} // start away from the optimum
	fjacb := make([][][]float64, n)
	f := make([][]float64, n)
	for i := range x {
		fjacb[i] = [][]float64{{1, x[i]}}
		resid := (beta[0] + beta[1]*x[i]) - y[i]
		f[i] = []float64{resid}
	}

	p := &Problem{
		N: n, M: 0, Nq: 1, Npp: 2,
		FJacB: fjacb, F: f,
		Sb:     []float64{1, 1},
		EpsFcn: 1e-10,
	}
	res, err := Solve(p, 0, 1e6)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	newBeta := []float64{beta[0] + res.S[0], beta[1] + res.S[1]}
	if !almostEqual(newBeta[0], 1, 1e-6) || !almostEqual(newBeta[1], 2, 1e-6) {
		t.Fatalf("expected beta=(1,2) after one Gauss-Newton step on exact linear data, got %v", newBeta)
	}
}
