package odr

import (
	"math"

	"github.com/odrfit/odrfit/odr/internal/jacobian"
	"github.com/odrfit/odrfit/odr/internal/weight"
	"github.com/odrfit/odrfit/odr/odrerr"
)

// OutcomeKind is the coarse category of a solve's terminal Outcome.
type OutcomeKind = odrerr.Kind

const (
	Converged        = odrerr.Converged
	IterationLimit   = odrerr.IterationLimit
	UserCancelled    = odrerr.UserCancelled
	DomainError      = odrerr.DomainError
	NumericalFailure = odrerr.NumericalFailure
	ParameterError   = odrerr.ParameterError
)

// Info code constants, re-exported from odrerr so callers that only want to
// branch on the integer code don't need to import the odrerr package
// themselves.
const (
	InfoSumOfSquares    = odrerr.InfoSumOfSquares
	InfoParameter       = odrerr.InfoParameter
	InfoBoth            = odrerr.InfoBoth
	InfoIterationLimit  = odrerr.InfoIterationLimit
	InfoDerivMismatch   = odrerr.InfoDerivMismatch
	InfoRankMismatch    = odrerr.InfoRankMismatch
	InfoCancelled       = odrerr.InfoCancelled
	InfoInitialEvalFail = odrerr.InfoInitialEvalFail
	InfoNoiseEvalFail   = odrerr.InfoNoiseEvalFail
	InfoDerivCheckFail  = odrerr.InfoDerivCheckFail
	InfoNumericalFail   = odrerr.InfoNumericalFail
)

// Mode selects ODR, OLS, or the implicit-model variant, replacing the
// original base-10 job digit with an explicit configuration field.
type Mode int

const (
	ModeExplicitODR Mode = iota
	ModeImplicit
	ModeOLS
)

// JacobianMode selects how derivatives are obtained.
type JacobianMode = jacobian.Mode

const (
	FDForward       = jacobian.FDForward
	FDCentral       = jacobian.FDCentral
	Analytic        = jacobian.Analytic
	AnalyticChecked = jacobian.AnalyticChecked
)

// CovarianceMode selects whether/how the covariance matrix is built.
// Covariance construction itself is out of scope; this flag only controls
// whether the solver leaves the workspace primed for it.
type CovarianceMode int

const (
	CovarianceFull CovarianceMode = iota
	CovarianceReuseJacobian
	CovarianceNone
)

// InitialDelta selects whether delta starts at zero or at a caller-supplied
// value.
type InitialDelta int

const (
	InitialDeltaZero InitialDelta = iota
	InitialDeltaProvided
)

// Job is the explicit configuration record replacing the base-10
// job-code digits. DecodeJob below preserves the integer encoding as a
// decoding layer for callers migrating from the original interface.
type Job struct {
	Mode         Mode
	Jacobian     JacobianMode
	Covariance   CovarianceMode
	InitialDelta InitialDelta
	Restart      bool
}

// DecodeJob decodes a legacy base-10 job integer (LSB first) into a Job
// record.
func DecodeJob(code int) Job {
	digit := func(n int) int { return code / n % 10 }
	var j Job
	switch digit(1) {
	case 0:
		j.Mode = ModeExplicitODR
	case 1:
		j.Mode = ModeImplicit
	default:
		j.Mode = ModeOLS
	}
	switch digit(10) {
	case 0:
		j.Jacobian = FDForward
	case 1:
		j.Jacobian = FDCentral
	case 2:
		j.Jacobian = AnalyticChecked
	default:
		j.Jacobian = Analytic
	}
	switch digit(100) {
	case 0:
		j.Covariance = CovarianceFull
	case 1:
		j.Covariance = CovarianceReuseJacobian
	default:
		j.Covariance = CovarianceNone
	}
	if digit(1000) != 0 {
		j.InitialDelta = InitialDeltaProvided
	}
	j.Restart = digit(10000) == 1
	return j
}

// WeightSpec is the public alias of the tagged weight variant: a scalar
// broadcast to every observation, one matrix shared across all
// observations, or one matrix per observation.
type WeightSpec = weight.View

// Data is the immutable observation set.
type Data struct {
	X [][]float64 // n x m
	Y [][]float64 // n x nq, unused when Mode == ModeImplicit
}

// N and M report the dimensions implied by Data. The response dimension nq
// is taken from Y by the solver unless the problem is implicit, in which
// case the caller must set it via Options.Nq.
func (d Data) N() int { return len(d.X) }
func (d Data) M() int {
	if len(d.X) == 0 {
		return 0
	}
	return len(d.X[0])
}

// Options is the "long call" surface: scales, step sizes, tolerances, fix
// masks, and the reporting hook. A zero Options, combined with
// DefaultOptions, reproduces the "short call" defaults.
type Options struct {
	Job Job
	Nq  int // response dimension; inferred from Data.Y when not implicit

	IFixB []int   // np, 0 = fixed
	IFixX [][]int // n x m, 0 = fixed (nil = all free)

	Sclb []float64   // np, typical magnitudes; auto-derived if nil
	Scld [][]float64 // n x m; auto-derived if nil

	StpB []float64   // np, FD step sizes; auto-derived if nil
	StpD [][]float64 // n x m

	We WeightSpec // observation-error weight
	Wd WeightSpec // delta weight (ODR only)

	MaxIt  int
	Sstol  float64
	Partol float64
	Taufac float64
	Ndigit int

	InitialDelta [][]float64 // used when Job.InitialDelta == InitialDeltaProvided

	PenaltyInit float64 // implicit-model penalty continuation start (default -10)
	PenaltyFac  float64 // multiplier per penalty step (default 10)
	PenaltyMax  float64 // failure threshold (default 1000)

	Report ReportFunc
}

// DefaultOptions returns the short-call defaults: partol = eps^(2/3),
// sstol = sqrt(eps), taufac = 1, maxit = 50, forward finite differences.
func DefaultOptions() Options {
	const eps = 2.220446049250313e-16
	return Options{
		MaxIt:       50,
		Sstol:       math.Sqrt(eps),
		Partol:      math.Pow(eps, 2.0/3.0),
		Taufac:      1,
		Ndigit:      -1,
		PenaltyInit: -10,
		PenaltyFac:  10,
		PenaltyMax:  1000,
		We:          WeightSpec{Kind: weight.Scalar, Scalar: 1},
		Wd:          WeightSpec{Kind: weight.Scalar, Scalar: 1},
	}
}
