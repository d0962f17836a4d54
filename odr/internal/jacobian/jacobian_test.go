package jacobian

import (
	"math"
	"testing"

	"github.com/odrfit/odrfit/odr/internal/derivcheck"
	"github.com/odrfit/odrfit/odr/internal/modeltypes"
)

// linearModel implements f(beta; x) = beta[0] + beta[1]*x, nq=1, m=1.
type linearModel struct{}

func (linearModel) Evaluate(beta []float64, xplusd [][]float64, eval modeltypes.EvalFlag) modeltypes.Output {
	n := len(xplusd)
	out := modeltypes.Output{}
	if eval.Has(modeltypes.EvalF) {
		out.F = make([][]float64, n)
		for i := range out.F {
			out.F[i] = []float64{beta[0] + beta[1]*xplusd[i][0]}
		}
	}
	return out
}

// analyticLinearModel implements f(beta; x) = beta[0] + beta[1]*x, nq=1,
// m=1, with a correct analytic JacB and an optional sign flip on d f/d
// beta1 to exercise the disagreement path of the derivative check.
type analyticLinearModel struct{ wrongSign bool }

func (m analyticLinearModel) Evaluate(beta []float64, xplusd [][]float64, eval modeltypes.EvalFlag) modeltypes.Output {
	n := len(xplusd)
	out := modeltypes.Output{}
	if eval.Has(modeltypes.EvalF) {
		out.F = make([][]float64, n)
		for i := range out.F {
			out.F[i] = []float64{beta[0] + beta[1]*xplusd[i][0]}
		}
	}
	if eval.Has(modeltypes.EvalJacB) {
		out.JacB = make([][][]float64, n)
		for i := range out.JacB {
			slope := xplusd[i][0]
			if m.wrongSign {
				slope = -slope
			}
			out.JacB[i] = [][]float64{{1, slope}}
		}
	}
	if eval.Has(modeltypes.EvalJacD) {
		out.JacD = make([][][]float64, n)
		for i := range out.JacD {
			out.JacD[i] = [][]float64{{beta[1]}}
		}
	}
	return out
}

func identityWe1(out, in []float64) { copy(out, in) }

func almostEqual(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestFDForwardMatchesAnalyticSlope(t *testing.T) {
	n := 5
	x := [][]float64{{1}, {2}, {3}, {4}, {5}}
	beta := []float64{1, 2}
	f := make([][]float64, n)
	for i := range f {
		f[i] = []float64{beta[0] + beta[1]*x[i][0]}
	}
	we1 := make([]func(out, in []float64), n)
	for i := range we1 {
		we1[i] = identityWe1
	}

	e := &Engine{
		Model: linearModel{}, N: n, M: 1, Nq: 1, Np: 2,
		IFixB: []int{1, 1}, We1: we1, Mode: FDForward,
		StpB: []float64{0, 0}, Neta: 10,
	}
	res, err := e.Compute(beta, x, f)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i := 0; i < n; i++ {
		if !almostEqual(res.FJacB[i][0][0], 1, 1e-4) {
			t.Fatalf("d f/d beta0 at obs %d: got %g want 1", i, res.FJacB[i][0][0])
		}
		if !almostEqual(res.FJacB[i][0][1], x[i][0], 1e-3) {
			t.Fatalf("d f/d beta1 at obs %d: got %g want %g", i, res.FJacB[i][0][1], x[i][0])
		}
	}
}

func TestFixedParameterCompactedOut(t *testing.T) {
	n := 3
	x := [][]float64{{1}, {2}, {3}}
	beta := []float64{1, 2}
	f := make([][]float64, n)
	for i := range f {
		f[i] = []float64{beta[0] + beta[1]*x[i][0]}
	}
	we1 := make([]func(out, in []float64), n)
	for i := range we1 {
		we1[i] = identityWe1
	}
	e := &Engine{
		Model: linearModel{}, N: n, M: 1, Nq: 1, Np: 2,
		IFixB: []int{0, 1}, // beta0 fixed
		We1:   we1, Mode: FDForward, StpB: []float64{0, 0}, Neta: 10,
	}
	res, err := e.Compute(beta, x, f)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i := 0; i < n; i++ {
		if len(res.FJacB[i][0]) != 1 {
			t.Fatalf("expected jacB compacted to 1 free column, got %d", len(res.FJacB[i][0]))
		}
	}
}

func TestCheckDerivativesAgreesForCorrectAnalyticJacobian(t *testing.T) {
	n := 5
	x := [][]float64{{1}, {2}, {3}, {4}, {5}}
	beta := []float64{1, 2}
	e := &Engine{
		Model: analyticLinearModel{}, N: n, M: 1, Nq: 1, Np: 2,
		IFixB: []int{1, 1}, Mode: AnalyticChecked, Neta: 14,
	}
	msgb, msgd, worst, err := e.CheckDerivatives(beta, x, 2, nil)
	if err != nil {
		t.Fatalf("CheckDerivatives: %v", err)
	}
	if worst {
		t.Fatalf("expected no pessimism flag for a correct analytic jacobian, msgb=%v msgd=%v", msgb, msgd)
	}
	for kk, cat := range msgb {
		if cat != derivcheck.Agrees {
			t.Fatalf("beta column %d: expected Agrees, got %v", kk, cat)
		}
	}
}

func TestCheckDerivativesFlagsWrongSign(t *testing.T) {
	n := 5
	x := [][]float64{{1}, {2}, {3}, {4}, {5}}
	beta := []float64{1, 2}
	e := &Engine{
		Model: analyticLinearModel{wrongSign: true}, N: n, M: 1, Nq: 1, Np: 2,
		IFixB: []int{1, 1}, Mode: AnalyticChecked, Neta: 14,
	}
	_, _, worst, err := e.CheckDerivatives(beta, x, 2, nil)
	if err != nil {
		t.Fatalf("CheckDerivatives: %v", err)
	}
	if !worst {
		t.Fatalf("expected pessimism flag when d f/d beta1 has the wrong sign")
	}
}

func TestCheckDerivativesFlagsNonzeroDeltaUnderOLS(t *testing.T) {
	n := 5
	x := [][]float64{{1}, {2}, {3}, {4}, {5}}
	delta := [][]float64{{0}, {0}, {0.01}, {0}, {0}}
	beta := []float64{1, 2}
	e := &Engine{
		Model: analyticLinearModel{}, N: n, M: 1, Nq: 1, Np: 2,
		IFixB: []int{1, 1}, Mode: AnalyticChecked, Neta: 14, OLS: true,
	}
	_, _, _, err := e.CheckDerivatives(beta, x, 2, delta)
	if err != ErrFDNonzeroDelta {
		t.Fatalf("expected ErrFDNonzeroDelta, got %v", err)
	}
}
