package odr_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odrfit/odrfit/odr"
)

// linearModel implements y = beta[0] + beta[1]*x with analytic derivatives
// in both beta and x, the simplest exercise of the full ODR path.
type linearModel struct{}

func (linearModel) HasAnalyticJacobian() bool { return true }

func (linearModel) Evaluate(beta []float64, xplusd [][]float64, eval odr.EvalFlag) odr.Output {
	n := len(xplusd)
	out := odr.Output{}
	if eval.Has(odr.EvalF) {
		out.F = make([][]float64, n)
		for i := range xplusd {
			out.F[i] = []float64{beta[0] + beta[1]*xplusd[i][0]}
		}
	}
	if eval.Has(odr.EvalJacB) {
		out.JacB = make([][][]float64, n)
		for i := range xplusd {
			out.JacB[i] = [][]float64{{1, xplusd[i][0]}}
		}
	}
	if eval.Has(odr.EvalJacD) {
		out.JacD = make([][][]float64, n)
		for i := range xplusd {
			out.JacD[i] = [][]float64{{beta[1]}}
		}
	}
	return out
}

// TestOLSExactLinearFit is scenario S1: an exact linear fit with zero
// residual should converge in a small number of iterations to the true
// parameters regardless of the starting point.
func TestOLSExactLinearFit(t *testing.T) {
	x := [][]float64{{1}, {2}, {3}, {4}, {5}}
	y := [][]float64{{3}, {5}, {7}, {9}, {11}}
	data := odr.Data{X: x, Y: y}

	opts := odr.DefaultOptions()
	opts.Job.Mode = odr.ModeOLS
	opts.Job.Jacobian = odr.Analytic

	res, err := odr.Solve(data, linearModel{}, []float64{0, 0}, opts)
	require.NoError(t, err)
	require.InDelta(t, 1, res.Beta[0], 1e-4)
	require.InDelta(t, 2, res.Beta[1], 1e-4)
	require.Less(t, res.Rnorm, 1e-4)
}

// TestODRUnitSlopeWithSymmetricNoise is scenario S2: when x and y carry
// comparable noise, the ODR fit should still recover a near-unit slope
// where OLS alone would be biased toward zero.
func TestODRUnitSlopeWithSymmetricNoise(t *testing.T) {
	x := [][]float64{{0.9}, {2.1}, {2.9}, {4.2}, {4.8}}
	y := [][]float64{{1.1}, {1.9}, {3.1}, {3.8}, {5.2}}
	data := odr.Data{X: x, Y: y}

	opts := odr.DefaultOptions()
	opts.Job.Mode = odr.ModeExplicitODR
	opts.Job.Jacobian = odr.Analytic

	res, err := odr.Solve(data, linearModel{}, []float64{0, 1}, opts)
	require.NoError(t, err)
	require.InDelta(t, 1, res.Beta[1], 0.3)
}

// TestUserCancellationPropagates is scenario S5: a model that always
// signals istop != 0 must stop the solve with a UserCancelled outcome
// rather than panicking or looping.
func TestUserCancellationPropagates(t *testing.T) {
	data := odr.Data{X: [][]float64{{1}, {2}}, Y: [][]float64{{1}, {2}}}
	opts := odr.DefaultOptions()
	opts.Job.Mode = odr.ModeOLS
	opts.Job.Jacobian = odr.Analytic

	res, err := odr.Solve(data, cancellingModel{}, []float64{0, 1}, opts)
	require.NoError(t, err)
	require.Error(t, res.Err())
}

type cancellingModel struct{ linearModel }

func (cancellingModel) Evaluate(beta []float64, xplusd [][]float64, eval odr.EvalFlag) odr.Output {
	return odr.Output{Istop: -1}
}

// TestAnalyticCheckedFlagsWrongJacobianSign is scenario S4: supplying
// d f/d beta1 with the wrong sign must raise the solver's derivative-check
// warning (info folded with odr.InfoDerivMismatch) even though the solve
// itself still runs to completion.
func TestAnalyticCheckedFlagsWrongJacobianSign(t *testing.T) {
	x := [][]float64{{1}, {2}, {3}, {4}, {5}}
	y := [][]float64{{3}, {5}, {7}, {9}, {11}}
	data := odr.Data{X: x, Y: y}

	opts := odr.DefaultOptions()
	opts.Job.Mode = odr.ModeOLS
	opts.Job.Jacobian = odr.AnalyticChecked

	res, err := odr.Solve(data, wrongSignModel{}, []float64{0, 1}, opts)
	require.NoError(t, err)
	require.NotEmpty(t, res.Outcome.Warnings)
	require.GreaterOrEqual(t, res.Outcome.Info, odr.InfoDerivMismatch)
}

type wrongSignModel struct{ linearModel }

func (wrongSignModel) Evaluate(beta []float64, xplusd [][]float64, eval odr.EvalFlag) odr.Output {
	out := linearModel{}.Evaluate(beta, xplusd, eval)
	if eval.Has(odr.EvalJacB) {
		for i := range out.JacB {
			out.JacB[i][0][1] = -out.JacB[i][0][1]
		}
	}
	return out
}

// TestRankDeficientJacobianReportsIrank is scenario S3: two free parameters
// whose columns are exactly collinear (beta1 and beta2 enter only as their
// sum) must be detected as rank-deficient rather than producing a
// meaningless unique solution.
func TestRankDeficientJacobianReportsIrank(t *testing.T) {
	x := [][]float64{{1}, {2}, {3}, {4}, {5}}
	y := [][]float64{{3}, {5}, {7}, {9}, {11}}
	data := odr.Data{X: x, Y: y}

	opts := odr.DefaultOptions()
	opts.Job.Mode = odr.ModeOLS
	opts.Job.Jacobian = odr.Analytic

	res, err := odr.Solve(data, collinearModel{}, []float64{0, 1, 1}, opts)
	require.NoError(t, err)
	require.Greater(t, res.Irank, 0)
}

// collinearModel implements y = beta[0] + (beta[1]+beta[2])*x: beta1 and
// beta2 are individually unidentifiable, only their sum is.
type collinearModel struct{}

func (collinearModel) HasAnalyticJacobian() bool { return true }

func (collinearModel) Evaluate(beta []float64, xplusd [][]float64, eval odr.EvalFlag) odr.Output {
	n := len(xplusd)
	out := odr.Output{}
	if eval.Has(odr.EvalF) {
		out.F = make([][]float64, n)
		for i := range xplusd {
			out.F[i] = []float64{beta[0] + (beta[1]+beta[2])*xplusd[i][0]}
		}
	}
	if eval.Has(odr.EvalJacB) {
		out.JacB = make([][][]float64, n)
		for i := range xplusd {
			out.JacB[i] = [][]float64{{1, xplusd[i][0], xplusd[i][0]}}
		}
	}
	return out
}

// TestImplicitCircleFitConverges is scenario S6: an implicit circle model
// f(beta;x,y)=(x-beta0)^2+(y-beta1)^2-beta2^2, with the y-column folded
// into X (implicit models carry no response column) and penalty
// continuation driving delta toward the curve.
func TestImplicitCircleFitConverges(t *testing.T) {
	cx, cy, r := 2.0, 3.0, 5.0
	var x [][]float64
	for i := 0; i < 8; i++ {
		theta := 2 * math.Pi * float64(i) / 8
		x = append(x, []float64{cx + r*math.Cos(theta), cy + r*math.Sin(theta)})
	}
	data := odr.Data{X: x}

	opts := odr.DefaultOptions()
	opts.Job.Mode = odr.ModeImplicit
	opts.Job.Jacobian = odr.Analytic
	opts.Nq = 1
	opts.MaxIt = 100

	res, err := odr.Solve(data, circleModel{}, []float64{1, 1, 1}, opts)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.False(t, math.IsNaN(res.Beta[2]))
	require.NotEqual(t, odr.DomainError, res.Outcome.Kind)
	require.NotEqual(t, odr.ParameterError, res.Outcome.Kind)
}

type circleModel struct{}

func (circleModel) HasAnalyticJacobian() bool { return true }

func (circleModel) Evaluate(beta []float64, xplusd [][]float64, eval odr.EvalFlag) odr.Output {
	n := len(xplusd)
	out := odr.Output{}
	if eval.Has(odr.EvalF) {
		out.F = make([][]float64, n)
		for i := range xplusd {
			dx := xplusd[i][0] - beta[0]
			dy := xplusd[i][1] - beta[1]
			out.F[i] = []float64{dx*dx + dy*dy - beta[2]*beta[2]}
		}
	}
	if eval.Has(odr.EvalJacB) {
		out.JacB = make([][][]float64, n)
		for i := range xplusd {
			dx := xplusd[i][0] - beta[0]
			dy := xplusd[i][1] - beta[1]
			out.JacB[i] = [][]float64{{-2 * dx, -2 * dy, -2 * beta[2]}}
		}
	}
	if eval.Has(odr.EvalJacD) {
		out.JacD = make([][][]float64, n)
		for i := range xplusd {
			dx := xplusd[i][0] - beta[0]
			dy := xplusd[i][1] - beta[1]
			out.JacD[i] = [][]float64{{2 * dx, 2 * dy}}
		}
	}
	return out
}
