// Package weight verifies and factors the observation-error and
// delta weight matrices used by the ODR solver.
package weight

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/odrfit/odrfit/odr/internal/la"
)

// ErrNegativeWeight is returned when a weight matrix has a negative
// diagonal entry, which can never be part of a positive (semi)definite form.
var ErrNegativeWeight = errors.New("weight: negative weight entry")

// ErrInsufficientWeights is returned when fewer observations carry non-zero
// error weight than there are free parameters to estimate.
var ErrInsufficientWeights = errors.New("weight: fewer non-zero weighted observations than free parameters")

// ErrNotPositiveDefinite is re-exported for callers that only import weight.
var ErrNotPositiveDefinite = la.ErrNotPositiveDefinite

// Kind tags how a weight is broadcast across observations.
type Kind int

const (
	// Scalar broadcasts a single scalar to every observation's weight matrix
	// (σ·I).
	Scalar Kind = iota
	// Shared broadcasts one matrix across all observations.
	Shared
	// PerObs supplies one full matrix per observation.
	PerObs
)

// View is the tagged-variant weight storage: a scalar broadcast to every
// observation, one matrix shared across all observations, or one matrix
// per observation.
type View struct {
	Kind    Kind
	Scalar  float64
	Shared  *mat.SymDense
	PerObs  []*mat.SymDense
}

// At returns the effective weight matrix for observation i.
func (v View) At(i, dim int) *mat.SymDense {
	switch v.Kind {
	case Scalar:
		d := mat.NewSymDense(dim, nil)
		for k := 0; k < dim; k++ {
			d.SetSym(k, k, v.Scalar)
		}
		return d
	case Shared:
		return v.Shared
	case PerObs:
		return v.PerObs[i]
	}
	return nil
}

// ErrFactors holds the per-observation square-root factor We1_i = W_{ε,i}^{1/2}
// for the observation-error weight, computed once at initialization.
type ErrFactors struct {
	We1  []*mat.Dense // one nq x nq factor per observation
	Nnzw int          // count of observations with any non-zero We row
}

// FactorWe verifies semidefiniteness of We (via a non-strict modified
// Cholesky, admitting all-zero rows) and counts non-zero-weighted
// observations; fails with ErrNegativeWeight / ErrNotPositiveDefinite or
// ErrInsufficientWeights against npp.
func FactorWe(we View, n, nq, npp int) (*ErrFactors, error) {
	out := &ErrFactors{We1: make([]*mat.Dense, n)}
	for i := 0; i < n; i++ {
		m := we.At(i, nq)
		for k := 0; k < nq; k++ {
			if m.At(k, k) < 0 {
				return nil, ErrNegativeWeight
			}
		}
		l, err := la.ModifiedCholesky(m, false)
		if err != nil {
			return nil, err
		}
		// We1_i = L^T so that We1_i^T We1_i = L L^T = We_i.
		we1 := mat.DenseCopyOf(l.T())
		out.We1[i] = we1

		nonzero := false
		for k := 0; k < nq; k++ {
			if m.At(k, k) != 0 {
				nonzero = true
				break
			}
		}
		if nonzero {
			out.Nnzw++
		}
	}
	if out.Nnzw < npp {
		return nil, ErrInsufficientWeights
	}
	return out, nil
}

// DeltaFactors holds the per-observation Cholesky factor of W_{δ,i}, required
// strictly positive definite in the ODR case.
type DeltaFactors struct {
	R []*mat.Dense // one m x m upper factor per observation, W_delta_i = R_i^T R_i
}

// FactorWd Cholesky-factors each W_{δ,i}, requiring strict positive
// definiteness, required for the ODR case.
func FactorWd(wd View, n, m int) (*DeltaFactors, error) {
	out := &DeltaFactors{R: make([]*mat.Dense, n)}
	for i := 0; i < n; i++ {
		mtx := wd.At(i, m)
		l, err := la.ModifiedCholesky(mtx, true)
		if err != nil {
			return nil, err
		}
		out.R[i] = mat.DenseCopyOf(l.T())
	}
	return out, nil
}
