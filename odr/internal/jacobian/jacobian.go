// Package jacobian produces the weighted β- and δ-Jacobians at the current
// iterate, either by calling the user model's analytic derivatives or by
// finite differences.
package jacobian

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/diff/fd"

	"github.com/odrfit/odrfit/odr/internal/derivcheck"
	"github.com/odrfit/odrfit/odr/internal/modeltypes"
)

// Mode selects how the Jacobian is obtained.
type Mode int

const (
	FDForward Mode = iota
	FDCentral
	Analytic
	AnalyticChecked
)

// ErrUserStop is returned when the model callback signals istop != 0 while
// the Jacobian engine is evaluating.
var ErrUserStop = errors.New("jacobian: user model returned non-zero istop")

// ErrFDNonzeroDelta guards against a non-zero delta under OLS, where there
// is no delta to estimate and a non-zero value can only mean the caller (or
// a restarted workspace) smuggled one in.
var ErrFDNonzeroDelta = errors.New("jacobian: non-zero delta detected under OLS during derivative check")

// Engine computes weighted, compacted fjacb/fjacd at a given iterate.
type Engine struct {
	Model   modeltypes.Model
	N, M, Nq, Np int
	IFixB   []int // 0 = fixed
	IFixX   [][]int
	We1     []func(out, in []float64) // We1_i applied to a length-nq vector, one per observation
	Mode    Mode
	StpB    []float64 // per-parameter FD step scale, length Np
	StpD    [][]float64 // per-observation-per-column FD step scale
	Neta    int // estimated digits of accuracy in f, used for default step sizing
	OLS     bool // true when the problem carries no delta to estimate
}

// hasNonzero reports whether any entry of m is non-zero.
func hasNonzero(m [][]float64) bool {
	for _, row := range m {
		for _, v := range row {
			if v != 0 {
				return true
			}
		}
	}
	return false
}

// Result holds the weighted, compacted Jacobians.
type Result struct {
	FJacB [][][]float64 // n x nq x npp
	FJacD [][][]float64 // n x nq x m  (zeroed where ifixx pins a delta)
	Istop int
}

// freeIndices returns the indices k with IFixB[k] != 0 (estimated parameters).
func (e *Engine) freeIndices() []int {
	idx := make([]int, 0, e.Np)
	for k := 0; k < e.Np; k++ {
		if e.IFixB == nil || e.IFixB[k] != 0 {
			idx = append(idx, k)
		}
	}
	return idx
}

// hstep computes the finite-difference step size h_k = sign(beta_k)*|beta_k|*
// scale, clamped so that beta_k + h_k != beta_k in floating point. scale
// defaults to a neta-derived magnitude when stp is zero.
func hstep(betaK, stp float64, neta int, central bool) float64 {
	scale := stp
	if scale == 0 {
		eta := math.Pow(10, float64(-neta))
		if central {
			scale = math.Cbrt(eta)
		} else {
			scale = math.Sqrt(eta)
		}
	}
	mag := math.Abs(betaK)
	if mag == 0 {
		mag = 1
	}
	sign := 1.0
	if betaK < 0 {
		sign = -1
	}
	h := sign * mag * scale
	for betaK+h == betaK {
		h *= 2
	}
	return h
}

// weightedJacB applies We1_i to every column of the raw analytic/FD
// jacB[i][nq][npp] block and returns the weighted result as a new array;
// raw is left unchanged.
func (e *Engine) weightedJacB(raw [][][]float64) [][][]float64 {
	free := e.freeIndices()
	out := make([][][]float64, e.N)
	tmp := make([]float64, e.Nq)
	for i := 0; i < e.N; i++ {
		out[i] = make([][]float64, e.Nq)
		for l := range out[i] {
			out[i][l] = make([]float64, len(free))
		}
		for kk := range free {
			for l := 0; l < e.Nq; l++ {
				tmp[l] = raw[i][l][kk]
			}
			w := make([]float64, e.Nq)
			e.We1[i](w, tmp)
			for l := 0; l < e.Nq; l++ {
				out[i][l][kk] = w[l]
			}
		}
	}
	return out
}

// weightedJacD applies We1_i to every column of raw[i][l][j] (nq x m),
// leaving columns pinned fixed by ifixx at zero, and returns the result as a
// new array of the same nq x m shape so it lines up with the beta-Jacobian's
// row convention; raw is left unchanged.
func (e *Engine) weightedJacD(raw [][][]float64) [][][]float64 {
	out := make([][][]float64, e.N)
	tmp := make([]float64, e.Nq)
	for i := 0; i < e.N; i++ {
		out[i] = make([][]float64, e.Nq)
		for l := 0; l < e.Nq; l++ {
			out[i][l] = make([]float64, e.M)
		}
		for j := 0; j < e.M; j++ {
			if e.IFixX != nil && e.IFixX[i] != nil && e.IFixX[i][j] == 0 {
				continue // fixed delta component stays zero
			}
			for l := 0; l < e.Nq; l++ {
				tmp[l] = raw[i][l][j]
			}
			w := make([]float64, e.Nq)
			e.We1[i](w, tmp)
			for l := 0; l < e.Nq; l++ {
				out[i][l][j] = w[l]
			}
		}
	}
	return out
}

// Compute builds fjacb/fjacd at (beta, xplusd, fCur), fCur being f already
// evaluated at the current iterate (reused, never re-evaluated needlessly).
func (e *Engine) Compute(beta []float64, xplusd [][]float64, fCur [][]float64) (*Result, error) {
	switch e.Mode {
	case Analytic, AnalyticChecked:
		return e.analytic(beta, xplusd)
	default:
		return e.finiteDifference(beta, xplusd, fCur)
	}
}

func (e *Engine) analytic(beta []float64, xplusd [][]float64) (*Result, error) {
	out := e.Model.Evaluate(beta, xplusd, modeltypes.EvalJacB|modeltypes.EvalJacD)
	if out.Istop != 0 {
		return nil, ErrUserStop
	}
	free := e.freeIndices()
	rawB := make([][][]float64, e.N)
	for i := 0; i < e.N; i++ {
		rawB[i] = make([][]float64, e.Nq)
		for l := 0; l < e.Nq; l++ {
			rawB[i][l] = make([]float64, len(free))
			for kk, k := range free {
				rawB[i][l][kk] = out.JacB[i][l][k]
			}
		}
	}
	return &Result{
		FJacB: e.weightedJacB(rawB),
		FJacD: e.weightedJacD(out.JacD),
	}, nil
}

// CheckDerivatives verifies the model's analytic Jacobian against finite
// differences at a single representative row (nrow), the derivative-check
// pass run once at initialization when Mode is AnalyticChecked. It reports
// a Category per free beta column and per delta column (response 0 only,
// the representative row being a single observation) plus whether any
// column's verdict should raise the solver's overall pessimism flag.
func (e *Engine) CheckDerivatives(beta []float64, xplusd [][]float64, nrow int, delta [][]float64) (msgb, msgd []derivcheck.Category, worst bool, err error) {
	if e.OLS && hasNonzero(delta) {
		return nil, nil, false, ErrFDNonzeroDelta
	}
	out := e.Model.Evaluate(beta, xplusd, modeltypes.EvalF|modeltypes.EvalJacB|modeltypes.EvalJacD)
	if out.Istop != 0 {
		return nil, nil, false, ErrUserStop
	}
	eta := math.Pow(10, float64(-e.Neta))
	row := append([]float64(nil), xplusd[nrow]...)

	evalRowF := func(b []float64, x []float64) (float64, error) {
		xp := make([][]float64, e.N)
		copy(xp, xplusd)
		xp[nrow] = x
		r := e.Model.Evaluate(b, xp, modeltypes.EvalF)
		if r.Istop != 0 {
			return 0, ErrUserStop
		}
		return r.F[nrow][0], nil
	}

	free := e.freeIndices()
	msgb = make([]derivcheck.Category, len(free))
	for kk, k := range free {
		h := hstep(beta[k], 0, e.Neta, false)
		perturbed := append([]float64(nil), beta...)

		vals := make([]float64, 3) // h, 10h, 0.1h forward differences
		steps := []float64{h, 10 * h, 0.1 * h}
		for si, hs := range steps {
			perturbed[k] = beta[k] + hs
			fPlus, ferr := evalRowF(perturbed, row)
			if ferr != nil {
				return nil, nil, false, ferr
			}
			fBase, ferr := evalRowF(beta, row)
			if ferr != nil {
				return nil, nil, false, ferr
			}
			vals[si] = (fPlus - fBase) / hs
		}
		perturbed[k] = beta[k] + steps[1]
		fPlusC, ferr := evalRowF(perturbed, row)
		if ferr != nil {
			return nil, nil, false, ferr
		}
		perturbed[k] = beta[k] - steps[1]
		fMinusC, ferr := evalRowF(perturbed, row)
		if ferr != nil {
			return nil, nil, false, ferr
		}
		central := (fPlusC - fMinusC) / (2 * steps[1])

		analytic := out.JacB[nrow][0][k]
		noiseBound := eta * math.Max(1, math.Abs(analytic))
		v := derivcheck.Classify(analytic, vals[0], vals[1], vals[2], central, eta, noiseBound)
		msgb[kk] = v.Category
		worst = worst || v.Worst
	}

	if e.M > 0 {
		msgd = make([]derivcheck.Category, e.M)
		for j := 0; j < e.M; j++ {
			if e.IFixX != nil && e.IFixX[nrow] != nil && e.IFixX[nrow][j] == 0 {
				continue
			}
			h := hstep(xplusd[nrow][j], 0, e.Neta, false)
			steps := []float64{h, 10 * h, 0.1 * h}
			vals := make([]float64, 3)
			for si, hs := range steps {
				r := append([]float64(nil), row...)
				r[j] += hs
				fPlus, ferr := evalRowF(beta, r)
				if ferr != nil {
					return nil, nil, false, ferr
				}
				fBase, ferr := evalRowF(beta, row)
				if ferr != nil {
					return nil, nil, false, ferr
				}
				vals[si] = (fPlus - fBase) / hs
			}
			rPlus := append([]float64(nil), row...)
			rPlus[j] += steps[1]
			fPlusC, ferr := evalRowF(beta, rPlus)
			if ferr != nil {
				return nil, nil, false, ferr
			}
			rMinus := append([]float64(nil), row...)
			rMinus[j] -= steps[1]
			fMinusC, ferr := evalRowF(beta, rMinus)
			if ferr != nil {
				return nil, nil, false, ferr
			}
			central := (fPlusC - fMinusC) / (2 * steps[1])

			analytic := out.JacD[nrow][0][j]
			noiseBound := eta * math.Max(1, math.Abs(analytic))
			v := derivcheck.Classify(analytic, vals[0], vals[1], vals[2], central, eta, noiseBound)
			msgd[j] = v.Category
			worst = worst || v.Worst
		}
	}

	return msgb, msgd, worst, nil
}

// finiteDifference implements the forward and central finite-difference
// modes, perturbing one free parameter (or one delta component) at a time.
// The stencil coefficients reuse gonum's fd.Forward / fd.Central formulas,
// but the per-column step size is computed locally rather than through
// fd.JacobianSettings, whose single global Step cannot express a
// magnitude-relative step clamped against floating-point cancellation.
func (e *Engine) finiteDifference(beta []float64, xplusd [][]float64, fCur [][]float64) (*Result, error) {
	central := e.Mode == FDCentral
	formula := fd.Forward
	if central {
		formula = fd.Central
	}

	free := e.freeIndices()
	rawB := make([][][]float64, e.N)
	for i := range rawB {
		rawB[i] = make([][]float64, e.Nq)
		for l := range rawB[i] {
			rawB[i][l] = make([]float64, len(free))
		}
	}

	betaPerturbed := append([]float64(nil), beta...)
	for kk, k := range free {
		stp := 0.0
		if e.StpB != nil {
			stp = e.StpB[k]
		}
		h := hstep(beta[k], stp, e.Neta, central)

		accum := make([][]float64, e.N)
		for i := range accum {
			accum[i] = make([]float64, e.Nq)
		}

		for _, pt := range formula.Stencil {
			if pt.Loc == 0 {
				for i := 0; i < e.N; i++ {
					for l := 0; l < e.Nq; l++ {
						accum[i][l] += pt.Coeff * fCur[i][l]
					}
				}
				continue
			}
			betaPerturbed[k] = beta[k] + pt.Loc*h
			out := e.Model.Evaluate(betaPerturbed, xplusd, modeltypes.EvalF)
			if out.Istop != 0 {
				return nil, ErrUserStop
			}
			for i := 0; i < e.N; i++ {
				for l := 0; l < e.Nq; l++ {
					accum[i][l] += pt.Coeff * out.F[i][l]
				}
			}
		}
		betaPerturbed[k] = beta[k]

		for i := 0; i < e.N; i++ {
			for l := 0; l < e.Nq; l++ {
				rawB[i][l][kk] = accum[i][l] / h
			}
		}
	}

	var rawD [][][]float64
	if e.M > 0 {
		rawD = make([][][]float64, e.N)
		for i := range rawD {
			rawD[i] = make([][]float64, e.Nq)
			for l := range rawD[i] {
				rawD[i][l] = make([]float64, e.M)
			}
		}
		xPerturbed := make([][]float64, e.N)
		for i := range xPerturbed {
			xPerturbed[i] = append([]float64(nil), xplusd[i]...)
		}
		for i := 0; i < e.N; i++ {
			for j := 0; j < e.M; j++ {
				if e.IFixX != nil && e.IFixX[i] != nil && e.IFixX[i][j] == 0 {
					continue
				}
				stp := 0.0
				if e.StpD != nil {
					stp = e.StpD[i][j]
				}
				h := hstep(xplusd[i][j], stp, e.Neta, central)

				accum := make([]float64, e.Nq)
				for _, pt := range formula.Stencil {
					if pt.Loc == 0 {
						for l := 0; l < e.Nq; l++ {
							accum[l] += pt.Coeff * fCur[i][l]
						}
						continue
					}
					xPerturbed[i][j] = xplusd[i][j] + pt.Loc*h
					out := e.Model.Evaluate(beta, xPerturbed, modeltypes.EvalF)
					if out.Istop != 0 {
						return nil, ErrUserStop
					}
					for l := 0; l < e.Nq; l++ {
						accum[l] += pt.Coeff * out.F[i][l]
					}
				}
				xPerturbed[i][j] = xplusd[i][j]
				for l := 0; l < e.Nq; l++ {
					rawD[i][l][j] = accum[l] / h
				}
			}
		}
	}

	res := &Result{FJacB: e.weightedJacB(rawB)}
	if rawD != nil {
		// rawD is [i][l][j]; weightedJacD expects [i][l][j] too (shape n x nq x m).
		res.FJacD = e.weightedJacD(rawD)
	} else {
		res.FJacD = make([][][]float64, e.N)
		for i := range res.FJacD {
			res.FJacD[i] = make([][]float64, e.Nq)
			for l := range res.FJacD[i] {
				res.FJacD[i][l] = make([]float64, e.M)
			}
		}
	}
	return res, nil
}
