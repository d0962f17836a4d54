package main

import "github.com/odrfit/odrfit/odr"

// polyModel fits y = beta[0] + beta[1]*x + ... + beta[deg]*x^deg against a
// single explanatory column, supplying analytic derivatives in both beta
// and x (delta) directions so the CLI can exercise ModeExplicitODR as well
// as ordinary least squares.
type polyModel struct {
	deg int
}

func (p polyModel) HasAnalyticJacobian() bool { return true }

func (p polyModel) Evaluate(beta []float64, xplusd [][]float64, eval odr.EvalFlag) odr.Output {
	n := len(xplusd)
	out := odr.Output{}
	if eval.Has(odr.EvalF) {
		out.F = make([][]float64, n)
		for i := range xplusd {
			out.F[i] = []float64{polyEval(beta, xplusd[i][0])}
		}
	}
	if eval.Has(odr.EvalJacB) {
		out.JacB = make([][][]float64, n)
		for i := range xplusd {
			row := make([]float64, len(beta))
			xp := 1.0
			for k := range beta {
				row[k] = xp
				xp *= xplusd[i][0]
			}
			out.JacB[i] = [][]float64{row}
		}
	}
	if eval.Has(odr.EvalJacD) {
		out.JacD = make([][][]float64, n)
		for i := range xplusd {
			out.JacD[i] = [][]float64{{polyDeriv(beta, xplusd[i][0])}}
		}
	}
	return out
}

func polyEval(beta []float64, x float64) float64 {
	v, xp := 0.0, 1.0
	for _, b := range beta {
		v += b * xp
		xp *= x
	}
	return v
}

func polyDeriv(beta []float64, x float64) float64 {
	v, xp := 0.0, 1.0
	for k := 1; k < len(beta); k++ {
		v += float64(k) * beta[k] * xp
		xp *= x
	}
	return v
}
