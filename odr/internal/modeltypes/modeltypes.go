// Package modeltypes holds the user-model callback contract in a leaf
// package so both the public odr API and the internal solver components
// (jacobian, driver) can depend on it without an import cycle.
package modeltypes

// EvalFlag selects which outputs a call to Model.Evaluate must fill: a
// Go-native replacement for the original's decimal-digit "ideval" encoding
// (1=want f, 10=want ∂f/∂β, 100=want ∂f/∂δ), expressed as ordinary bit
// flags composed with bitwise OR.
type EvalFlag uint8

const (
	// EvalF requests the residual function value f(β; x+δ).
	EvalF EvalFlag = 1 << iota
	// EvalJacB requests the analytic ∂f/∂β Jacobian.
	EvalJacB
	// EvalJacD requests the analytic ∂f/∂δ Jacobian.
	EvalJacD
)

func (e EvalFlag) Has(f EvalFlag) bool { return e&f != 0 }

// StopCode is the callback's outcome signal: 0 = OK, >0 = temporary
// failure (retry with a smaller trust region), <0 = user-requested
// cancellation.
type StopCode int

const (
	StopOK       StopCode = 0
	StopCancel   StopCode = -1
)

// Output carries whatever subset of f, ∂f/∂β, ∂f/∂δ the caller requested.
// F has shape [n][nq]; JacB has shape [n][nq][np] (all parameters, including
// fixed ones — the jacobian engine compacts to the free columns); JacD has
// shape [n][nq][m].
type Output struct {
	F     [][]float64
	JacB  [][][]float64
	JacD  [][][]float64
	Istop int
}

// Model is the user-supplied model-evaluation capability. Fixed
// components of beta are guaranteed by the caller to hold their initial
// value; Evaluate must not mutate beta or xplusd.
type Model interface {
	// Evaluate computes the outputs selected by eval at the given parameter
	// vector and explanatory-variable-plus-delta matrix (n x m).
	Evaluate(beta []float64, xplusd [][]float64, eval EvalFlag) Output
}

// AnalyticJacobian is implemented by models that can supply analytic
// derivatives directly (as opposed to relying on finite differences); its
// presence is a compile-time capability rather than a runtime job digit.
type AnalyticJacobian interface {
	Model
	HasAnalyticJacobian() bool
}
