// Package scale derives automatic scales for beta/delta when the caller
// omits them, estimates the number of reliable digits in the model's output
// (neta), and picks the representative row used for noise estimation and
// derivative checking.
package scale

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/odrfit/odrfit/odr/internal/modeltypes"
)

// Epsmac is the machine epsilon used throughout the solver.
const Epsmac = 2.220446049250313e-16

// AutoScaleBeta derives sclb from max_k |beta_k|: uniform (all ones) if all
// betas are zero, magnitude-preserving (1/|beta_k|, falling back to
// 1/max_k |beta_k| at a zero component) otherwise.
func AutoScaleBeta(beta []float64) []float64 {
	maxAbs := 0.0
	for _, b := range beta {
		if a := math.Abs(b); a > maxAbs {
			maxAbs = a
		}
	}
	out := make([]float64, len(beta))
	if maxAbs == 0 {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, b := range beta {
		if b == 0 {
			out[i] = 1 / maxAbs
		} else {
			out[i] = 1 / math.Abs(b)
		}
	}
	return out
}

// AutoScaleDelta derives scld per-column from the spread of x data: the
// reciprocal of the column's max absolute value, falling back to 1 for an
// all-zero column.
func AutoScaleDelta(x [][]float64, n, m int) [][]float64 {
	colMax := make([]float64, m)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			if a := math.Abs(x[i][j]); a > colMax[j] {
				colMax[j] = a
			}
		}
	}
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = make([]float64, m)
		for j := 0; j < m; j++ {
			if colMax[j] == 0 {
				out[i][j] = 1
			} else {
				out[i][j] = 1 / colMax[j]
			}
		}
	}
	return out
}

// RepresentativeRow picks "nrow", the first observation row with no zero
// component in x, used for derivative checking and noise estimation.
func RepresentativeRow(x [][]float64, n, m int) int {
	for i := 0; i < n; i++ {
		allNonZero := true
		for j := 0; j < m; j++ {
			if x[i][j] == 0 {
				allNonZero = false
				break
			}
		}
		if allNonZero {
			return i
		}
	}
	return 0
}

// EstimateNeta estimates the number of reliable decimal digits in the
// model's output with a five-point scheme: perturb beta along the
// representative row by a small relative amount, fit a local linear model
// to f, and measure the departure from linearity as relative noise.
// neta = max(2, -log10(relative noise)).
func EstimateNeta(model modeltypes.Model, beta []float64, xplusd [][]float64, nrow int) int {
	if len(beta) == 0 {
		return 2
	}
	k := 0
	h := 0.01 * (math.Abs(beta[k]) + 1)
	pts := []float64{-2, -1, 0, 1, 2}
	vals := make([]float64, len(pts))
	perturbed := append([]float64(nil), beta...)
	for i, p := range pts {
		perturbed[k] = beta[k] + p*h
		out := model.Evaluate(perturbed, xplusd, modeltypes.EvalF)
		if len(out.F) > nrow && len(out.F[nrow]) > 0 {
			vals[i] = out.F[nrow][0]
		}
	}
	// Local linear fit through the 5 points via simple least squares slope.
	var sumP, sumV, sumPV, sumPP float64
	for i, p := range pts {
		sumP += p
		sumV += vals[i]
		sumPV += p * vals[i]
		sumPP += p * p
	}
	nPts := float64(len(pts))
	denom := nPts*sumPP - sumP*sumP
	var slope, intercept float64
	if denom != 0 {
		slope = (nPts*sumPV - sumP*sumV) / denom
		intercept = (sumV - slope*sumP) / nPts
	}
	var maxResid, scaleF float64
	for i, p := range pts {
		pred := intercept + slope*p
		r := math.Abs(vals[i] - pred)
		if r > maxResid {
			maxResid = r
		}
		if a := math.Abs(vals[i]); a > scaleF {
			scaleF = a
		}
	}
	if scaleF == 0 {
		scaleF = 1
	}
	relNoise := maxResid / scaleF
	if relNoise <= 0 {
		relNoise = Epsmac
	}
	neta := int(math.Max(2, -math.Log10(relNoise)))
	return neta
}

// SimulatedNoise draws a zero-mean Normal sample at the given relative
// noise sigma. Neither the solver nor the tests in this module call it.
func SimulatedNoise(sigma float64, src distuv.Normal) float64 {
	src.Sigma = sigma
	return src.Rand()
}
