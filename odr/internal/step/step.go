// Package step implements the ODR/OLS trust-region step computation: given
// a Levenberg-Marquardt parameter alpha, it eliminates delta observation by
// observation, solves the reduced QR problem for the beta-step, and
// back-substitutes for the delta-step.
package step

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/odrfit/odrfit/odr/internal/la"
)

// ErrNumericalFailure signals a Cholesky breakdown or singular triangular
// system inside the step solver.
var ErrNumericalFailure = errors.New("step: numerical failure (Cholesky breakdown or singular system)")

// Problem bundles everything the step solver needs at one outer iteration.
// FJacB/FJacD/F are already weighted by We1; Wd is the raw (unweighted)
// delta weight per observation.
type Problem struct {
	N, M, Nq, Npp int
	FJacB         [][][]float64 // n x nq x npp
	FJacD         [][][]float64 // n x nq x m
	F             [][]float64   // n x nq, weighted residual
	Delta         [][]float64   // n x m, current delta
	Wd            []*mat.SymDense // n, each m x m, raw delta weight
	Sb            []float64       // npp, beta scale
	Td            [][]float64     // n x m, delta scale
	EpsFcn        float64         // rank-deficiency reciprocal-condition threshold
	ForCovariance bool            // stop after QR+rank, skip back-substitution
	Implicit      bool            // ODR with delta active; false => OLS (skip elimination)
}

// Result is the outcome of one Solve(alpha) call.
type Result struct {
	S     []float64   // npp-vector beta step (unscaled, true units)
	T     [][]float64 // n x m delta step (unscaled, true units); nil for OLS
	Phi   float64      // ||D^-1(s,t)|| - tau
	Rank  int          // npp - irank
	Irank int

	// SVDRank is an independent rank estimate via SVD, filled in only when
	// Irank > 0 as a diagnostic cross-check on the Chex/Rcond determination;
	// -1 when not computed or when the SVD factorization itself fails.
	SVDRank int
}

// Solve computes the trust-region step for a given Levenberg-Marquardt
// parameter alpha >= 0 and trust-region radius tau.
func Solve(p *Problem, alpha, tau float64) (*Result, error) {
	npp := p.Npp
	n, nq := p.N, p.Nq

	// Stack the effective beta-Jacobian Jtilde (n*nq x npp) and the
	// corresponding transformed right-hand side, eliminating delta
	// observation by observation before solving for the beta step.
	jtilde := mat.NewDense(n*nq, npp, nil)
	rhs := make([]float64, n*nq)

	riPerObs := make([]*mat.Dense, n) // Cholesky factor of E_i, reused for back-substitution

	for i := 0; i < n; i++ {
		var ri *mat.Dense
		if p.Implicit {
			ei := addScaledDiag(p.Wd[i], alpha, p.Td[i])
			l, cerr := la.ModifiedCholesky(ei, true)
			if cerr != nil {
				return nil, ErrNumericalFailure
			}
			ri = mat.DenseCopyOf(l.T())
			riPerObs[i] = ri
		}

		jb := p.FJacB[i] // nq x npp

		var omegaR *mat.Dense // Cholesky factor of I + J_delta E^-1 J_delta^T
		if p.Implicit {
			jd := p.FJacD[i] // nq x m
			m := mat.NewSymDense(nq, nil)
			for l1 := 0; l1 < nq; l1++ {
				v1 := eInvApply(ri, p.M, jd[l1])
				for l2 := l1; l2 < nq; l2++ {
					dot := 0.0
					for j := 0; j < p.M; j++ {
						dot += jd[l2][j] * v1[j]
					}
					if l1 == l2 {
						dot += 1
					}
					m.SetSym(l1, l2, dot)
				}
			}
			l, cerr := la.ModifiedCholesky(m, true)
			if cerr != nil {
				return nil, ErrNumericalFailure
			}
			omegaR = mat.DenseCopyOf(l.T())
		}

		for l := 0; l < nq; l++ {
			row := make([]float64, npp)
			copy(row, jb[l])
			jtilde.SetRow(i*nq+l, row)
			rhs[i*nq+l] = -p.F[i][l]
		}

		if p.Implicit {
			// Apply Omega_i^-T to the stacked nq rows for this observation:
			// solve Omega_i^T X = [J_beta,i | -f_i] columnwise (Omega_i^T is
			// lower triangular since omegaR is upper).
			for col := 0; col < npp+1; col++ {
				b := make([]float64, nq)
				for l := 0; l < nq; l++ {
					if col < npp {
						b[l] = jtilde.At(i*nq+l, col)
					} else {
						b[l] = rhs[i*nq+l]
					}
				}
				x := la.TriSolveLower(func(r, c int) float64 { return omegaR.At(c, r) }, nq, b)
				for l := 0; l < nq; l++ {
					if col < npp {
						jtilde.Set(i*nq+l, col, x[l])
					} else {
						rhs[i*nq+l] = x[l]
					}
				}
			}
		}

		// Scale columns by Sb: scaledCol_k = col_k / Sb_k (trust-region
		// substitution u = Sb * s).
		for l := 0; l < nq; l++ {
			for k := 0; k < npp; k++ {
				if p.Sb[k] != 0 {
					jtilde.Set(i*nq+l, k, jtilde.At(i*nq+l, k)/p.Sb[k])
				}
			}
		}
	}

	var qr *la.PivotedQR
	if alpha == 0 {
		qr = la.NewPivotedQR(jtilde)
	} else {
		qr = la.NewQR(jtilde)
	}
	qr.ApplyQT(rhs)

	// Rank determination (alpha == 0 only): shrink the leading block while
	// its reciprocal condition number is below EpsFcn.
	k := qr.Rank()
	if alpha == 0 {
		for k > 0 && qr.Rcond(k) < p.EpsFcn {
			if err := qr.Chex(k-1, k); err != nil {
				break
			}
			k--
		}
	}
	irank := npp - k
	svdRank := -1
	if irank > 0 {
		svdRank = la.SVDRank(jtilde, p.EpsFcn)
	}

	if p.ForCovariance {
		return &Result{Rank: k, Irank: irank, SVDRank: svdRank}, nil
	}

	if alpha > 0 {
		// Fold the Levenberg regularizer rows (diag(sqrt(alpha)*Sb)) into R
		// one row at a time with Givens rotations, simultaneously updating
		// the right-hand side.
		var rmat mat.Dense
		if err := qr.RTo(&rmat, k); err != nil {
			return nil, err
		}
		r := &rmat
		rh := append([]float64(nil), rhs[:k]...)
		for paramK := 0; paramK < k; paramK++ {
			regRow := make([]float64, k)
			regRow[paramK] = math.Sqrt(alpha) * p.Sb[paramK]
			regRhs := 0.0
			for j := paramK; j < k; j++ {
				if regRow[j] == 0 {
					continue
				}
				c, s := la.Givens(r.At(j, j), regRow[j])
				for c2 := j; c2 < k; c2++ {
					a, b := r.At(j, c2), regRow[c2]
					r.Set(j, c2, c*a+s*b)
					regRow[c2] = -s*a + c*b
				}
				a, b := rh[j], regRhs
				rh[j] = c*a + s*b
				regRhs = -s*a + c*b
			}
		}
		uScaled := backSolveUpper(r, rh, k)
		s := unpermuteAndUnscale(uScaled, qr.Pivots(), npp, p.Sb)
		return finish(p, s, riPerObs, k, irank, svdRank, tau)
	}

	u, err := qr.SolveR(k, rhs[:k])
	if err != nil {
		return nil, err
	}
	s := unpermuteAndUnscale(u, qr.Pivots(), npp, p.Sb)
	return finish(p, s, riPerObs, k, irank, svdRank, tau)
}

func finish(p *Problem, s []float64, riPerObs []*mat.Dense, k, irank, svdRank int, tau float64) (*Result, error) {
	n, m := p.N, p.M
	var tStep [][]float64
	if p.Implicit {
		tStep = make([][]float64, n)
		for i := 0; i < n; i++ {
			v := make([]float64, m)
			for l := 0; l < p.Nq; l++ {
				jbs := 0.0
				for kk := 0; kk < p.Npp; kk++ {
					jbs += p.FJacB[i][l][kk] * s[kk]
				}
				contrib := p.F[i][l] + jbs
				for j := 0; j < m; j++ {
					v[j] += p.FJacD[i][l][j] * contrib
				}
			}
			for j := 0; j < m; j++ {
				wd := 0.0
				for j2 := 0; j2 < m; j2++ {
					wd += p.Wd[i].At(j, j2) * p.Delta[i][j2]
				}
				v[j] += wd
			}
			z := eInvApply(riPerObs[i], m, v)
			ti := make([]float64, m)
			for j := 0; j < m; j++ {
				ti[j] = -z[j]
			}
			tStep[i] = ti
		}
	}

	normSq := 0.0
	for k2 := 0; k2 < p.Npp; k2++ {
		v := p.Sb[k2] * s[k2]
		normSq += v * v
	}
	if p.Implicit {
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				v := p.Td[i][j] * tStep[i][j]
				normSq += v * v
			}
		}
	}
	phi := math.Sqrt(normSq) - tau

	return &Result{S: s, T: tStep, Phi: phi, Rank: k, Irank: irank, SVDRank: svdRank}, nil
}

// addScaledDiag returns wd + alpha*diag(td.^2) as a fresh SymDense (E_i).
func addScaledDiag(wd *mat.SymDense, alpha float64, td []float64) *mat.SymDense {
	dim := wd.SymmetricDim()
	out := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			v := wd.At(i, j)
			if i == j {
				v += alpha * td[i] * td[i]
			}
			out.SetSym(i, j, v)
		}
	}
	return out
}

// eInvApply computes E^-1 v given E's upper-triangular Cholesky factor R
// (E = R^T R): solve R^T y = v (forward substitution on the lower-triangular
// transpose), then R z = y (back substitution).
func eInvApply(r *mat.Dense, dim int, v []float64) []float64 {
	y := la.TriSolveLower(func(i, j int) float64 { return r.At(j, i) }, dim, v)
	return backSolveUpperVec(r, y, dim)
}

func backSolveUpperVec(r *mat.Dense, b []float64, dim int) []float64 {
	x := make([]float64, dim)
	for i := dim - 1; i >= 0; i-- {
		sum := b[i]
		for j := i + 1; j < dim; j++ {
			sum -= r.At(i, j) * x[j]
		}
		d := r.At(i, i)
		if d == 0 {
			x[i] = 0
			continue
		}
		x[i] = sum / d
	}
	return x
}

func backSolveUpper(r *mat.Dense, b []float64, k int) []float64 {
	return backSolveUpperVec(r, b, k)
}

// unpermuteAndUnscale maps the pivoted, scaled solution u back to the
// original parameter order and true (unscaled) units: s_k = u_{piv^-1(k)} / Sb_k.
func unpermuteAndUnscale(u []float64, piv []int, npp int, sb []float64) []float64 {
	s := make([]float64, npp)
	for pos, orig := range piv {
		if pos >= len(u) {
			continue
		}
		val := u[pos]
		if sb[orig] != 0 {
			val /= sb[orig]
		}
		s[orig] = val
	}
	return s
}
