// Package workspace is the solver's owned, named-field state record, the
// structural replacement for the original's flat double/int buffers
// addressed through offset arithmetic: each logical array is a named field
// of the solver state instead.
package workspace

// State is mutated once per outer iteration.
type State struct {
	Beta  []float64   // np
	Delta [][]float64 // n x m

	Fn [][]float64 // n x nq, f(beta; x+delta)
	F  [][]float64 // n x nq, weighted residual

	FJacB [][][]float64 // n x nq x npp
	FJacD [][][]float64 // n x nq x m

	Tau   float64
	Alpha float64
	Rnorm float64

	Niter, Nfev, Njev int
	Irank             int
	Info              int

	// Shadow copies for internal-doubling rollback: naive in-place doubling
	// would corrupt the rollback on a failed doubled step.
	shadowBeta  []float64
	shadowDelta [][]float64
	shadowFn    [][]float64
	shadowSaved bool
}

// SaveShadow snapshots the current committed iterate before attempting an
// internal-doubling trial.
func (s *State) SaveShadow() {
	s.shadowBeta = append([]float64(nil), s.Beta...)
	s.shadowDelta = copyMatrix(s.Delta)
	s.shadowFn = copyMatrix(s.Fn)
	s.shadowSaved = true
}

// RestoreShadow rolls back to the last SaveShadow snapshot, used when a
// doubled step is rejected.
func (s *State) RestoreShadow() {
	if !s.shadowSaved {
		return
	}
	s.Beta = s.shadowBeta
	s.Delta = s.shadowDelta
	s.Fn = s.shadowFn
}

func copyMatrix(m [][]float64) [][]float64 {
	if m == nil {
		return nil
	}
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// Clone returns a deep copy of the iterate, residuals, scalars and counters
// for restart-equivalence testing. FJacB, FJacD and the shadow copies are
// not copied; the clone leaves them empty.
func (s *State) Clone() *State {
	return &State{
		Beta:  append([]float64(nil), s.Beta...),
		Delta: copyMatrix(s.Delta),
		Fn:    copyMatrix(s.Fn),
		F:     copyMatrix(s.F),
		Tau:   s.Tau,
		Alpha: s.Alpha,
		Rnorm: s.Rnorm,
		Niter: s.Niter,
		Nfev:  s.Nfev,
		Njev:  s.Njev,
		Irank: s.Irank,
		Info:  s.Info,
	}
}
